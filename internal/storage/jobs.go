package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"path"
	"time"
)

const jobCols = `id, owner, name, target, target_id, complete, failed,
	cancelled, waiting, worker, archived`

func jobScan(scan func(dest ...any) error) (*Job, error) {
	j := &Job{}
	err := scan(&j.ID, &j.Owner, &j.Name, &j.Target, &j.TargetID,
		&j.Complete, &j.Failed, &j.Cancelled, &j.Waiting, &j.Worker, &j.Archived)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return j, nil
}

// JobCreate atomically creates a job together with its tasks, output
// rules, declared inputs, tags, and dependencies. A job with inputs or
// dependencies starts out waiting; otherwise it is immediately queued.
func (s *Store) JobCreate(owner, name, target, targetID string,
	tasks []CreateTask, rules []CreateOutputRule, inputs []string,
	tags map[string]string, depends []CreateDepend) (*Job, error) {

	j := &Job{
		ID:       NewID(),
		Owner:    owner,
		Name:     name,
		Target:   target,
		TargetID: targetID,
		Waiting:  len(inputs) > 0 || len(depends) > 0,
	}

	err := s.retry(func(tx *sql.Tx) error {
		_, err := tx.Exec(
			`INSERT INTO job (id, owner, name, target, target_id, waiting)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			j.ID, j.Owner, j.Name, j.Target, j.TargetID, j.Waiting)
		if err != nil {
			return err
		}

		for seq, t := range tasks {
			env, err := json.Marshal(t.Env)
			if err != nil {
				return err
			}
			_, err = tx.Exec(
				`INSERT INTO task (job, seq, name, script, env, env_clear,
				 user_id, group_id, workdir) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				j.ID, seq, t.Name, t.Script, string(env), t.EnvClear,
				t.UserID, t.GroupID, t.Workdir)
			if err != nil {
				return err
			}
		}

		for seq, r := range rules {
			_, err := tx.Exec(
				`INSERT INTO job_output_rule (job, seq, rule, ignore,
				 require_match, size_change_ok) VALUES (?, ?, ?, ?, ?, ?)`,
				j.ID, seq, r.Rule, r.Ignore, r.RequireMatch, r.SizeChangeOK)
			if err != nil {
				return err
			}
		}

		for _, name := range inputs {
			_, err := tx.Exec(
				`INSERT INTO job_input (job, name) VALUES (?, ?)`, j.ID, name)
			if err != nil {
				return err
			}
		}

		for name, value := range tags {
			_, err := tx.Exec(
				`INSERT INTO job_tag (job, name, value) VALUES (?, ?, ?)`,
				j.ID, name, value)
			if err != nil {
				return err
			}
		}

		for _, d := range depends {
			_, err := tx.Exec(
				`INSERT INTO job_depend (job, name, prior_job, copy_outputs,
				 on_failed, on_completed) VALUES (?, ?, ?, ?, ?, ?)`,
				j.ID, d.Name, d.PriorJob, d.CopyOutputs, d.OnFailed, d.OnCompleted)
			if err != nil {
				return err
			}
		}

		return jobTimeRecordTx(tx, j.ID, "submit", time.Now())
	})
	if err != nil {
		return nil, err
	}
	return j, nil
}

func (s *Store) JobGet(id string) (*Job, error) {
	return jobScan(s.db.QueryRow(
		`SELECT `+jobCols+` FROM job WHERE id = ?`, id).Scan)
}

func (s *Store) jobsWhere(where string, args ...any) ([]*Job, error) {
	rows, err := s.db.Query(`SELECT `+jobCols+` FROM job `+where, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		j, err := jobScan(rows.Scan)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

func (s *Store) JobsForUser(owner string) ([]*Job, error) {
	return s.jobsWhere(`WHERE owner = ? ORDER BY id`, owner)
}

// JobsActive returns all incomplete jobs in id (submission) order; the
// scheduler works from this snapshot each pass.
func (s *Store) JobsActive() ([]*Job, error) {
	return s.jobsWhere(`WHERE complete = 0 ORDER BY id`)
}

func (s *Store) Jobs() ([]*Job, error) {
	return s.jobsWhere(`ORDER BY id`)
}

// --- Tasks ---

func (s *Store) JobTasks(job string) ([]*Task, error) {
	rows, err := s.db.Query(
		`SELECT job, seq, name, script, env, env_clear, user_id, group_id,
		 workdir, complete, failed FROM task WHERE job = ? ORDER BY seq`, job)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		t := &Task{}
		var env string
		if err := rows.Scan(&t.Job, &t.Seq, &t.Name, &t.Script, &env,
			&t.EnvClear, &t.UserID, &t.GroupID, &t.Workdir,
			&t.Complete, &t.Failed); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(env), &t.Env); err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func (s *Store) TaskComplete(job string, seq int, failed bool) error {
	return s.retry(func(tx *sql.Tx) error {
		_, err := tx.Exec(
			`UPDATE task SET complete = 1, failed = ? WHERE job = ? AND seq = ?`,
			failed, job, seq)
		return err
	})
}

// --- Output rules, tags, times ---

func (s *Store) JobOutputRules(job string) ([]*OutputRule, error) {
	rows, err := s.db.Query(
		`SELECT job, seq, rule, ignore, require_match, size_change_ok
		 FROM job_output_rule WHERE job = ? ORDER BY seq`, job)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rules []*OutputRule
	for rows.Next() {
		r := &OutputRule{}
		if err := rows.Scan(&r.Job, &r.Seq, &r.Rule, &r.Ignore,
			&r.RequireMatch, &r.SizeChangeOK); err != nil {
			return nil, err
		}
		rules = append(rules, r)
	}
	return rules, rows.Err()
}

func (s *Store) JobTags(job string) (map[string]string, error) {
	rows, err := s.db.Query(
		`SELECT name, value FROM job_tag WHERE job = ?`, job)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	tags := map[string]string{}
	for rows.Next() {
		var n, v string
		if err := rows.Scan(&n, &v); err != nil {
			return nil, err
		}
		tags[n] = v
	}
	return tags, rows.Err()
}

func (s *Store) JobTimes(job string) (map[string]time.Time, error) {
	rows, err := s.db.Query(
		`SELECT name, time FROM job_time WHERE job = ?`, job)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	times := map[string]time.Time{}
	for rows.Next() {
		var n, ts string
		if err := rows.Scan(&n, &ts); err != nil {
			return nil, err
		}
		t, err := parseTime(ts)
		if err != nil {
			return nil, err
		}
		times[n] = t
	}
	return times, rows.Err()
}

func jobTimeRecordTx(tx *sql.Tx, job, name string, t time.Time) error {
	// First record for a phase wins; re-recording is a no-op.
	_, err := tx.Exec(
		`INSERT OR IGNORE INTO job_time (job, name, time) VALUES (?, ?, ?)`,
		job, name, storeTime(t))
	return err
}

func (s *Store) JobTimeRecord(job, name string, t time.Time) error {
	return s.retry(func(tx *sql.Tx) error {
		return jobTimeRecordTx(tx, job, name, t)
	})
}

// --- Events ---

// jobEventAppendTx assigns the next sequence number and inserts the
// event under the caller's transaction; seq assignment and insert must
// never be split or the log could grow holes.
func jobEventAppendTx(tx *sql.Tx, job string, task *uint32, stream, payload string,
	t time.Time, remote *time.Time) error {

	var archived bool
	err := tx.QueryRow(`SELECT archived FROM job WHERE id = ?`, job).Scan(&archived)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if archived {
		return fmt.Errorf("%w: job %s is archived", ErrConflict, job)
	}

	var seq int
	if err := tx.QueryRow(
		`SELECT COALESCE(MAX(seq) + 1, 0) FROM job_event WHERE job = ?`,
		job).Scan(&seq); err != nil {
		return err
	}

	var rs *string
	if remote != nil {
		v := storeTime(*remote)
		rs = &v
	}
	_, err = tx.Exec(
		`INSERT INTO job_event (job, seq, task, stream, time, time_remote, payload)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		job, seq, task, stream, storeTime(t), rs, payload)
	return err
}

func (s *Store) JobEventAppend(job string, task *uint32, stream, payload string,
	t time.Time, remote *time.Time) error {
	return s.retry(func(tx *sql.Tx) error {
		return jobEventAppendTx(tx, job, task, stream, payload, t, remote)
	})
}

// JobEvents returns events with seq >= minseq in ascending order.
func (s *Store) JobEvents(job string, minseq int) ([]*JobEvent, error) {
	rows, err := s.db.Query(
		`SELECT job, seq, task, stream, time, time_remote, payload
		 FROM job_event WHERE job = ? AND seq >= ? ORDER BY seq`, job, minseq)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*JobEvent
	for rows.Next() {
		e := &JobEvent{}
		var ts string
		var rs *string
		if err := rows.Scan(&e.Job, &e.Seq, &e.Task, &e.Stream, &ts, &rs,
			&e.Payload); err != nil {
			return nil, err
		}
		if e.Time, err = parseTime(ts); err != nil {
			return nil, err
		}
		if e.TimeRemote, err = parseTimePtr(rs); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// --- Inputs, outputs, files ---

func (s *Store) JobInputs(job string) ([]*JobInput, error) {
	rows, err := s.db.Query(
		`SELECT job, name, id, other_job FROM job_input WHERE job = ? ORDER BY name`,
		job)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var inputs []*JobInput
	for rows.Next() {
		in := &JobInput{}
		if err := rows.Scan(&in.Job, &in.Name, &in.ID, &in.OtherJob); err != nil {
			return nil, err
		}
		inputs = append(inputs, in)
	}
	return inputs, rows.Err()
}

// jobCheckReadyTx ends the waiting phase once every declared input has
// a committed file and every dependency is satisfied.
func jobCheckReadyTx(tx *sql.Tx, job string) error {
	var waiting bool
	if err := tx.QueryRow(`SELECT waiting FROM job WHERE id = ?`, job).
		Scan(&waiting); err != nil {
		return err
	}
	if !waiting {
		return nil
	}

	var missing int
	if err := tx.QueryRow(
		`SELECT COUNT(*) FROM job_input WHERE job = ? AND id IS NULL`,
		job).Scan(&missing); err != nil {
		return err
	}
	var unsatisfied int
	if err := tx.QueryRow(
		`SELECT COUNT(*) FROM job_depend WHERE job = ? AND satisfied = 0`,
		job).Scan(&unsatisfied); err != nil {
		return err
	}
	if missing > 0 || unsatisfied > 0 {
		return nil
	}

	if _, err := tx.Exec(`UPDATE job SET waiting = 0 WHERE id = ?`, job); err != nil {
		return err
	}
	return jobTimeRecordTx(tx, job, "ready", time.Now())
}

// JobInputCommit records a committed input file. The job must still be
// waiting; the check happens inside the transaction so the
// waiting-to-queued transition cannot race a late upload. Committing
// the last missing input performs the transition.
func (s *Store) JobInputCommit(job, name, fileID string, size int64) error {
	return s.retry(func(tx *sql.Tx) error {
		j, err := jobScan(tx.QueryRow(
			`SELECT `+jobCols+` FROM job WHERE id = ?`, job).Scan)
		if err != nil {
			return err
		}
		if !j.Waiting {
			return fmt.Errorf("%w: job %s is not waiting", ErrConflict, job)
		}

		if _, err := tx.Exec(
			`INSERT INTO job_file (job, id, size) VALUES (?, ?, ?)`,
			job, fileID, size); err != nil {
			return err
		}

		res, err := tx.Exec(
			`UPDATE job_input SET id = ? WHERE job = ? AND name = ?`,
			fileID, job, name)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			// The legacy synchronous path does not pre-declare inputs.
			if _, err := tx.Exec(
				`INSERT INTO job_input (job, name, id) VALUES (?, ?, ?)`,
				job, name, fileID); err != nil {
				return err
			}
		}

		return jobCheckReadyTx(tx, job)
	})
}

// JobDependSatisfy marks a dependency satisfied. With copy_outputs set
// the prior job's outputs become inputs of this job by file reference;
// no bytes move. May complete the waiting-to-queued transition.
func (s *Store) JobDependSatisfy(job string, d *JobDepend) error {
	return s.retry(func(tx *sql.Tx) error {
		if d.CopyOutputs {
			rows, err := tx.Query(
				`SELECT path, id FROM job_output WHERE job = ? ORDER BY path`,
				d.PriorJob)
			if err != nil {
				return err
			}
			type out struct{ path, id string }
			var outs []out
			for rows.Next() {
				var o out
				if err := rows.Scan(&o.path, &o.id); err != nil {
					rows.Close()
					return err
				}
				outs = append(outs, o)
			}
			rows.Close()
			if err := rows.Err(); err != nil {
				return err
			}
			for _, o := range outs {
				if _, err := tx.Exec(
					`INSERT OR IGNORE INTO job_input (job, name, id, other_job)
					 VALUES (?, ?, ?, ?)`,
					job, path.Base(o.path), o.id, d.PriorJob); err != nil {
					return err
				}
			}
		}

		if _, err := tx.Exec(
			`UPDATE job_depend SET satisfied = 1 WHERE job = ? AND name = ?`,
			job, d.Name); err != nil {
			return err
		}
		return jobCheckReadyTx(tx, job)
	})
}

func (s *Store) JobDepends(job string) ([]*JobDepend, error) {
	rows, err := s.db.Query(
		`SELECT job, name, prior_job, copy_outputs, on_failed, on_completed,
		 satisfied FROM job_depend WHERE job = ? ORDER BY name`, job)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var depends []*JobDepend
	for rows.Next() {
		d := &JobDepend{}
		if err := rows.Scan(&d.Job, &d.Name, &d.PriorJob, &d.CopyOutputs,
			&d.OnFailed, &d.OnCompleted, &d.Satisfied); err != nil {
			return nil, err
		}
		depends = append(depends, d)
	}
	return depends, rows.Err()
}

// JobOutputAdd records a file produced by the job.
func (s *Store) JobOutputAdd(job, outPath, fileID string, size int64) error {
	return s.retry(func(tx *sql.Tx) error {
		if _, err := tx.Exec(
			`INSERT INTO job_file (job, id, size) VALUES (?, ?, ?)`,
			job, fileID, size); err != nil {
			return err
		}
		_, err := tx.Exec(
			`INSERT INTO job_output (job, path, id) VALUES (?, ?, ?)`,
			job, outPath, fileID)
		return err
	})
}

func (s *Store) JobOutputs(job string) ([]*JobOutput, error) {
	rows, err := s.db.Query(
		`SELECT o.job, o.path, o.id, f.size FROM job_output o
		 JOIN job_file f ON f.job = o.job AND f.id = o.id
		 WHERE o.job = ? ORDER BY o.path`, job)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var outputs []*JobOutput
	for rows.Next() {
		o := &JobOutput{}
		if err := rows.Scan(&o.Job, &o.Path, &o.ID, &o.Size); err != nil {
			return nil, err
		}
		outputs = append(outputs, o)
	}
	return outputs, rows.Err()
}

func (s *Store) JobOutput(job, fileID string) (*JobOutput, error) {
	o := &JobOutput{}
	err := s.db.QueryRow(
		`SELECT o.job, o.path, o.id, f.size FROM job_output o
		 JOIN job_file f ON f.job = o.job AND f.id = o.id
		 WHERE o.job = ? AND o.id = ?`, job, fileID).
		Scan(&o.Job, &o.Path, &o.ID, &o.Size)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return o, nil
}

func (s *Store) JobFiles(job string) ([]*JobFile, error) {
	rows, err := s.db.Query(
		`SELECT job, id, size, time_archived FROM job_file WHERE job = ? ORDER BY id`,
		job)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var files []*JobFile
	for rows.Next() {
		f := &JobFile{}
		var ta *string
		if err := rows.Scan(&f.Job, &f.ID, &f.Size, &ta); err != nil {
			return nil, err
		}
		if f.TimeArchived, err = parseTimePtr(ta); err != nil {
			return nil, err
		}
		files = append(files, f)
	}
	return files, rows.Err()
}

func (s *Store) JobFileMarkArchived(job, fileID string, t time.Time) error {
	return s.retry(func(tx *sql.Tx) error {
		_, err := tx.Exec(
			`UPDATE job_file SET time_archived = ? WHERE job = ? AND id = ?`,
			storeTime(t), job, fileID)
		return err
	})
}

// --- Assignment and completion ---

// JobAssign binds a queued job to a worker, emitting the assignment
// event and timestamp under the same transaction.
func (s *Store) JobAssign(job, worker string) error {
	return s.retry(func(tx *sql.Tx) error {
		j, err := jobScan(tx.QueryRow(
			`SELECT `+jobCols+` FROM job WHERE id = ?`, job).Scan)
		if err != nil {
			return err
		}
		if j.Complete {
			return fmt.Errorf("%w: job %s is already complete", ErrConflict, job)
		}
		if j.Worker != nil {
			return fmt.Errorf("%w: job %s already has worker %s",
				ErrConflict, job, *j.Worker)
		}
		if j.Waiting {
			return fmt.Errorf("%w: job %s is still waiting", ErrConflict, job)
		}

		if _, err := tx.Exec(
			`UPDATE job SET worker = ? WHERE id = ?`, worker, job); err != nil {
			return err
		}
		if err := jobEventAppendTx(tx, job, nil, "control",
			fmt.Sprintf("job assigned to worker %s", worker),
			time.Now(), nil); err != nil {
			return err
		}
		return jobTimeRecordTx(tx, job, "assigned", time.Now())
	})
}

// JobComplete finishes a job. Returns true only for the call that
// performed the transition; completing a completed job is a no-op.
// The worker column stays in place so the final worker is recorded
// and can retry the completion call.
func (s *Store) JobComplete(job string, failed bool) (bool, error) {
	var did bool
	err := s.retry(func(tx *sql.Tx) error {
		did = false
		j, err := jobScan(tx.QueryRow(
			`SELECT `+jobCols+` FROM job WHERE id = ?`, job).Scan)
		if err != nil {
			return err
		}
		if j.Complete {
			return nil
		}

		if _, err := tx.Exec(
			`UPDATE job SET complete = 1, failed = ?, waiting = 0
			 WHERE id = ?`, failed, job); err != nil {
			return err
		}
		if err := jobTimeRecordTx(tx, job, "complete", time.Now()); err != nil {
			return err
		}
		did = true
		return nil
	})
	return did, err
}

// JobCancel flags the job cancelled. A running worker observes the
// flag on its next poll; an unassigned job is failed by the scheduler.
func (s *Store) JobCancel(job string) error {
	return s.retry(func(tx *sql.Tx) error {
		j, err := jobScan(tx.QueryRow(
			`SELECT `+jobCols+` FROM job WHERE id = ?`, job).Scan)
		if err != nil {
			return err
		}
		if j.Complete {
			return fmt.Errorf("%w: job %s is already complete", ErrConflict, job)
		}
		_, err = tx.Exec(`UPDATE job SET cancelled = 1 WHERE id = ?`, job)
		return err
	})
}

// --- Store values ---

func (s *Store) JobStorePut(job, name, value string, secret bool, source string) error {
	return s.retry(func(tx *sql.Tx) error {
		_, err := tx.Exec(
			`INSERT INTO job_store (job, name, value, secret, time_update, source)
			 VALUES (?, ?, ?, ?, ?, ?)
			 ON CONFLICT (job, name) DO UPDATE
			 SET value = excluded.value, secret = excluded.secret,
			     time_update = excluded.time_update, source = excluded.source`,
			job, name, value, secret, storeTime(time.Now()), source)
		return err
	})
}

func (s *Store) JobStore(job string) (map[string]*JobStoreValue, error) {
	rows, err := s.db.Query(
		`SELECT job, name, value, secret, time_update, source
		 FROM job_store WHERE job = ?`, job)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	values := map[string]*JobStoreValue{}
	for rows.Next() {
		v := &JobStoreValue{}
		var ts string
		if err := rows.Scan(&v.Job, &v.Name, &v.Value, &v.Secret, &ts,
			&v.Source); err != nil {
			return nil, err
		}
		if v.TimeUpdate, err = parseTime(ts); err != nil {
			return nil, err
		}
		values[v.Name] = v
	}
	return values, rows.Err()
}

// --- Published files ---

// JobPublishOutput exposes an output under owner/series/version/name.
// Publishing the same name again points it at the new file.
func (s *Store) JobPublishOutput(owner, series, version, name, job, fileID string) error {
	return s.retry(func(tx *sql.Tx) error {
		_, err := tx.Exec(
			`INSERT INTO published_file (owner, series, version, name, job, file)
			 VALUES (?, ?, ?, ?, ?, ?)
			 ON CONFLICT (owner, series, version, name) DO UPDATE
			 SET job = excluded.job, file = excluded.file`,
			owner, series, version, name, job, fileID)
		return err
	})
}

func (s *Store) PublishedFile(owner, series, version, name string) (*PublishedFile, error) {
	p := &PublishedFile{}
	err := s.db.QueryRow(
		`SELECT owner, series, version, name, job, file FROM published_file
		 WHERE owner = ? AND series = ? AND version = ? AND name = ?`,
		owner, series, version, name).
		Scan(&p.Owner, &p.Series, &p.Version, &p.Name, &p.Job, &p.File)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}

// --- Archival ---

// JobMarkArchived flips the job to its cold-storage representation and
// purges the heavyweight rows now duplicated in the archive document.
func (s *Store) JobMarkArchived(job string) error {
	return s.retry(func(tx *sql.Tx) error {
		if _, err := tx.Exec(`UPDATE job SET archived = 1 WHERE id = ?`, job); err != nil {
			return err
		}
		if _, err := tx.Exec(`DELETE FROM job_event WHERE job = ?`, job); err != nil {
			return err
		}
		if _, err := tx.Exec(`DELETE FROM job_store WHERE job = ?`, job); err != nil {
			return err
		}
		return jobTimeRecordTx(tx, job, "archived", time.Now())
	})
}

// JobsToArchive returns completed, unarchived jobs whose completion is
// older than the cutoff.
func (s *Store) JobsToArchive(cutoff time.Time, limit int) ([]*Job, error) {
	rows, err := s.db.Query(
		`SELECT j.id, j.owner, j.name, j.target, j.target_id, j.complete,
		 j.failed, j.cancelled, j.waiting, j.worker, j.archived
		 FROM job j JOIN job_time t ON t.job = j.id AND t.name = 'complete'
		 WHERE j.complete = 1 AND j.archived = 0 AND t.time < ?
		 ORDER BY j.id LIMIT ?`, storeTime(cutoff), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		j, err := jobScan(rows.Scan)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// FilesToArchive returns files of completed jobs not yet uploaded to
// the object store.
func (s *Store) FilesToArchive(limit int) ([]*JobFile, error) {
	rows, err := s.db.Query(
		`SELECT f.job, f.id, f.size, f.time_archived FROM job_file f
		 JOIN job j ON j.id = f.job
		 WHERE j.complete = 1 AND f.time_archived IS NULL
		 ORDER BY f.job, f.id LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var files []*JobFile
	for rows.Next() {
		f := &JobFile{}
		var ta *string
		if err := rows.Scan(&f.Job, &f.ID, &f.Size, &ta); err != nil {
			return nil, err
		}
		if f.TimeArchived, err = parseTimePtr(ta); err != nil {
			return nil, err
		}
		files = append(files, f)
	}
	return files, rows.Err()
}
