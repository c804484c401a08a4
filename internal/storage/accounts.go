package storage

import (
	"database/sql"
	"fmt"
	"time"
)

// --- Users ---

// UserCreate creates a user and returns it along with the plaintext
// bearer token, which is shown exactly once.
func (s *Store) UserCreate(name string) (*User, string, error) {
	token, err := GenerateToken()
	if err != nil {
		return nil, "", err
	}
	u := &User{ID: NewID(), Name: name, TimeCreate: time.Now().UTC()}

	err = s.retry(func(tx *sql.Tx) error {
		var existing string
		err := tx.QueryRow(`SELECT id FROM user WHERE name = ?`, name).Scan(&existing)
		if err == nil {
			return fmt.Errorf("%w: user %q already exists", ErrConflict, name)
		}
		if err != sql.ErrNoRows {
			return err
		}
		_, err = tx.Exec(
			`INSERT INTO user (id, name, token, time_create) VALUES (?, ?, ?, ?)`,
			u.ID, u.Name, HashToken(token), storeTime(u.TimeCreate))
		return err
	})
	if err != nil {
		return nil, "", err
	}
	return u, token, nil
}

// UserEnsure returns the named user, creating it first if it does not
// exist. Used by delegated authentication to mint per-repository
// users on demand; the generated token is discarded.
func (s *Store) UserEnsure(name string) (*User, error) {
	u, err := s.UserByName(name)
	if err == nil {
		return u, nil
	}
	if err != ErrNotFound {
		return nil, err
	}
	u, _, err = s.UserCreate(name)
	if err != nil {
		// Lost a race with a concurrent ensure.
		if u2, err2 := s.UserByName(name); err2 == nil {
			return u2, nil
		}
		return nil, err
	}
	return u, nil
}

func (s *Store) userScan(row *sql.Row) (*User, error) {
	u := &User{}
	var tc string
	err := row.Scan(&u.ID, &u.Name, &tc)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if u.TimeCreate, err = parseTime(tc); err != nil {
		return nil, err
	}
	if u.Privileges, err = s.userPrivileges(u.ID); err != nil {
		return nil, err
	}
	return u, nil
}

func (s *Store) userPrivileges(id string) ([]string, error) {
	rows, err := s.db.Query(
		`SELECT privilege FROM user_privilege WHERE user = ? ORDER BY privilege`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var privs []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		privs = append(privs, p)
	}
	return privs, rows.Err()
}

func (s *Store) UserGet(id string) (*User, error) {
	return s.userScan(s.db.QueryRow(
		`SELECT id, name, time_create FROM user WHERE id = ?`, id))
}

func (s *Store) UserByName(name string) (*User, error) {
	return s.userScan(s.db.QueryRow(
		`SELECT id, name, time_create FROM user WHERE name = ?`, name))
}

// UserAuth resolves a presented bearer token to a user.
func (s *Store) UserAuth(token string) (*User, error) {
	return s.userScan(s.db.QueryRow(
		`SELECT id, name, time_create FROM user WHERE token = ?`, HashToken(token)))
}

func (s *Store) Users() ([]*User, error) {
	rows, err := s.db.Query(`SELECT id, name, time_create FROM user ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []*User
	for rows.Next() {
		u := &User{}
		var tc string
		if err := rows.Scan(&u.ID, &u.Name, &tc); err != nil {
			return nil, err
		}
		if u.TimeCreate, err = parseTime(tc); err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, u := range users {
		if u.Privileges, err = s.userPrivileges(u.ID); err != nil {
			return nil, err
		}
	}
	return users, nil
}

func (s *Store) UserPrivilegeGrant(id, privilege string) error {
	return s.retry(func(tx *sql.Tx) error {
		_, err := tx.Exec(
			`INSERT OR IGNORE INTO user_privilege (user, privilege) VALUES (?, ?)`,
			id, privilege)
		return err
	})
}

func (s *Store) UserPrivilegeRevoke(id, privilege string) error {
	return s.retry(func(tx *sql.Tx) error {
		_, err := tx.Exec(
			`DELETE FROM user_privilege WHERE user = ? AND privilege = ?`,
			id, privilege)
		return err
	})
}

// --- Targets ---

func (s *Store) TargetCreate(name string) (*Target, error) {
	t := &Target{ID: NewID(), Name: name}
	err := s.retry(func(tx *sql.Tx) error {
		var existing string
		err := tx.QueryRow(`SELECT id FROM target WHERE name = ?`, name).Scan(&existing)
		if err == nil {
			return fmt.Errorf("%w: target %q already exists", ErrConflict, name)
		}
		if err != sql.ErrNoRows {
			return err
		}
		_, err = tx.Exec(`INSERT INTO target (id, name) VALUES (?, ?)`, t.ID, t.Name)
		return err
	})
	if err != nil {
		return nil, err
	}
	return t, nil
}

func targetScan(row *sql.Row) (*Target, error) {
	t := &Target{}
	err := row.Scan(&t.ID, &t.Name, &t.Privilege, &t.Redirect)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return t, nil
}

func (s *Store) TargetGet(id string) (*Target, error) {
	return targetScan(s.db.QueryRow(
		`SELECT id, name, privilege, redirect FROM target WHERE id = ?`, id))
}

func (s *Store) TargetByName(name string) (*Target, error) {
	return targetScan(s.db.QueryRow(
		`SELECT id, name, privilege, redirect FROM target WHERE name = ?`, name))
}

// TargetResolve maps a user-facing target name to a terminal target,
// following redirects. Returns ErrNotFound for unknown names. Redirect
// chains are expected to be short; a visited set guards against a
// cycle introduced by misconfiguration.
func (s *Store) TargetResolve(name string) (*Target, error) {
	t, err := s.TargetByName(name)
	if err != nil {
		return nil, err
	}
	seen := map[string]bool{t.ID: true}
	for t.Redirect != nil {
		next, err := s.TargetGet(*t.Redirect)
		if err != nil {
			return nil, fmt.Errorf("target %q redirect: %w", t.Name, err)
		}
		if seen[next.ID] {
			return nil, fmt.Errorf("target %q redirect cycle", name)
		}
		seen[next.ID] = true
		t = next
	}
	return t, nil
}

func (s *Store) Targets() ([]*Target, error) {
	rows, err := s.db.Query(
		`SELECT id, name, privilege, redirect FROM target ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var targets []*Target
	for rows.Next() {
		t := &Target{}
		if err := rows.Scan(&t.ID, &t.Name, &t.Privilege, &t.Redirect); err != nil {
			return nil, err
		}
		targets = append(targets, t)
	}
	return targets, rows.Err()
}

func (s *Store) TargetRename(id, newName string) error {
	return s.retry(func(tx *sql.Tx) error {
		res, err := tx.Exec(`UPDATE target SET name = ? WHERE id = ?`, newName, id)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// TargetRedirect points the named target at another, so that jobs
// submitted under the old name land on the new target.
func (s *Store) TargetRedirect(id string, redirect *string) error {
	return s.retry(func(tx *sql.Tx) error {
		_, err := tx.Exec(`UPDATE target SET redirect = ? WHERE id = ?`, redirect, id)
		return err
	})
}

// TargetRequirePrivilege gates job submission for this target on the
// named privilege; nil removes the requirement.
func (s *Store) TargetRequirePrivilege(id string, privilege *string) error {
	return s.retry(func(tx *sql.Tx) error {
		_, err := tx.Exec(`UPDATE target SET privilege = ? WHERE id = ?`, privilege, id)
		return err
	})
}

// --- Factories ---

func (s *Store) FactoryCreate(name string) (*Factory, string, error) {
	token, err := GenerateToken()
	if err != nil {
		return nil, "", err
	}
	f := &Factory{ID: NewID(), Name: name}
	err = s.retry(func(tx *sql.Tx) error {
		_, err := tx.Exec(
			`INSERT INTO factory (id, name, token) VALUES (?, ?, ?)`,
			f.ID, f.Name, HashToken(token))
		return err
	})
	if err != nil {
		return nil, "", err
	}
	return f, token, nil
}

func factoryScan(row *sql.Row) (*Factory, error) {
	f := &Factory{}
	var lp *string
	err := row.Scan(&f.ID, &f.Name, &lp)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if f.Lastping, err = parseTimePtr(lp); err != nil {
		return nil, err
	}
	return f, nil
}

func (s *Store) FactoryAuth(token string) (*Factory, error) {
	return factoryScan(s.db.QueryRow(
		`SELECT id, name, lastping FROM factory WHERE token = ?`, HashToken(token)))
}

func (s *Store) FactoryGet(id string) (*Factory, error) {
	return factoryScan(s.db.QueryRow(
		`SELECT id, name, lastping FROM factory WHERE id = ?`, id))
}

func (s *Store) FactoryPing(id string) error {
	return s.retry(func(tx *sql.Tx) error {
		_, err := tx.Exec(`UPDATE factory SET lastping = ? WHERE id = ?`,
			storeTime(time.Now()), id)
		return err
	})
}

// --- Workers ---

const workerCols = `id, factory, target, instance_id, deleted, recycle, lastping,
	token IS NOT NULL`

func workerScanRow(scan func(dest ...any) error) (*Worker, error) {
	w := &Worker{}
	var lp *string
	err := scan(&w.ID, &w.Factory, &w.Target, &w.InstanceID,
		&w.Deleted, &w.Recycle, &lp, &w.bootstrapped)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if w.Lastping, err = parseTimePtr(lp); err != nil {
		return nil, err
	}
	return w, nil
}

// WorkerCreate allocates a worker for a factory and returns the
// single-use bootstrap secret the new instance must present.
func (s *Store) WorkerCreate(factory, target string) (*Worker, string, error) {
	bootstrap, err := GenerateToken()
	if err != nil {
		return nil, "", err
	}
	w := &Worker{ID: NewID(), Factory: factory, Target: target}
	err = s.retry(func(tx *sql.Tx) error {
		_, err := tx.Exec(
			`INSERT INTO worker (id, bootstrap, factory, target) VALUES (?, ?, ?, ?)`,
			w.ID, HashToken(bootstrap), w.Factory, w.Target)
		return err
	})
	if err != nil {
		return nil, "", err
	}
	return w, bootstrap, nil
}

func (s *Store) WorkerGet(id string) (*Worker, error) {
	return workerScanRow(s.db.QueryRow(
		`SELECT `+workerCols+` FROM worker WHERE id = ?`, id).Scan)
}

// WorkerAuth resolves a worker bearer token.
func (s *Store) WorkerAuth(token string) (*Worker, error) {
	return workerScanRow(s.db.QueryRow(
		`SELECT `+workerCols+` FROM worker WHERE token = ?`, HashToken(token)).Scan)
}

// WorkerBootstrap consumes a single-use bootstrap secret and mints the
// worker's long-lived token. A second presentation of the same secret
// fails: the token column must still be NULL for the exchange.
func (s *Store) WorkerBootstrap(bootstrap string) (*Worker, string, error) {
	token, err := GenerateToken()
	if err != nil {
		return nil, "", err
	}
	var w *Worker
	err = s.retry(func(tx *sql.Tx) error {
		var err error
		w, err = workerScanRow(tx.QueryRow(
			`SELECT `+workerCols+` FROM worker WHERE bootstrap = ?`,
			HashToken(bootstrap)).Scan)
		if err != nil {
			return err
		}
		if w.bootstrapped {
			return fmt.Errorf("%w: worker %s already bootstrapped", ErrConflict, w.ID)
		}
		if w.Deleted {
			return fmt.Errorf("%w: worker %s is deleted", ErrConflict, w.ID)
		}
		_, err = tx.Exec(`UPDATE worker SET token = ?, lastping = ? WHERE id = ?`,
			HashToken(token), storeTime(time.Now()), w.ID)
		return err
	})
	if err != nil {
		return nil, "", err
	}
	w.bootstrapped = true
	return w, token, nil
}

func (s *Store) WorkerPing(id string) error {
	return s.retry(func(tx *sql.Tx) error {
		_, err := tx.Exec(`UPDATE worker SET lastping = ? WHERE id = ?`,
			storeTime(time.Now()), id)
		return err
	})
}

func (s *Store) WorkerAssociate(id, instanceID string) error {
	return s.retry(func(tx *sql.Tx) error {
		_, err := tx.Exec(`UPDATE worker SET instance_id = ? WHERE id = ?`,
			instanceID, id)
		return err
	})
}

func (s *Store) WorkerRecycle(id string) error {
	return s.retry(func(tx *sql.Tx) error {
		_, err := tx.Exec(`UPDATE worker SET recycle = 1 WHERE id = ?`, id)
		return err
	})
}

// WorkerDestroy soft-deletes a worker. Any incomplete job it held is
// released back to the queue in the same transaction; the scheduler
// will find it another worker.
func (s *Store) WorkerDestroy(id string) ([]string, error) {
	var requeued []string
	err := s.retry(func(tx *sql.Tx) error {
		requeued = requeued[:0]
		if _, err := tx.Exec(`UPDATE worker SET deleted = 1 WHERE id = ?`, id); err != nil {
			return err
		}
		rows, err := tx.Query(
			`SELECT id FROM job WHERE worker = ? AND complete = 0`, id)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var jid string
			if err := rows.Scan(&jid); err != nil {
				return err
			}
			requeued = append(requeued, jid)
		}
		if err := rows.Err(); err != nil {
			return err
		}
		for _, jid := range requeued {
			if _, err := tx.Exec(`UPDATE job SET worker = NULL WHERE id = ?`, jid); err != nil {
				return err
			}
			if err := jobEventAppendTx(tx, jid, nil, "control",
				fmt.Sprintf("worker %s destroyed; job requeued", id),
				time.Now(), nil); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return requeued, nil
}

func (s *Store) workersWhere(where string, args ...any) ([]*Worker, error) {
	rows, err := s.db.Query(
		`SELECT `+workerCols+` FROM worker `+where+` ORDER BY id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var workers []*Worker
	for rows.Next() {
		w, err := workerScanRow(rows.Scan)
		if err != nil {
			return nil, err
		}
		workers = append(workers, w)
	}
	return workers, rows.Err()
}

func (s *Store) Workers() ([]*Worker, error) {
	return s.workersWhere("")
}

// WorkersActive returns workers that have not been soft-deleted.
func (s *Store) WorkersActive() ([]*Worker, error) {
	return s.workersWhere(`WHERE deleted = 0`)
}

func (s *Store) WorkersForFactory(factory string) ([]*Worker, error) {
	return s.workersWhere(`WHERE factory = ? AND deleted = 0`, factory)
}

// WorkerJob returns the incomplete job currently assigned to the
// worker, or nil.
func (s *Store) WorkerJob(id string) (*Job, error) {
	j, err := jobScan(s.db.QueryRow(
		`SELECT `+jobCols+` FROM job WHERE worker = ? AND complete = 0`, id).Scan)
	if err == ErrNotFound {
		return nil, nil
	}
	return j, err
}

// --- Worker events ---

// WorkerEventAppend buffers factory-side provisioning output against
// the worker until it can be flushed into a job's event log.
func (s *Store) WorkerEventAppend(worker, stream, payload string, t time.Time) error {
	return s.retry(func(tx *sql.Tx) error {
		var seq int
		if err := tx.QueryRow(
			`SELECT COALESCE(MAX(seq) + 1, 0) FROM worker_event WHERE worker = ?`,
			worker).Scan(&seq); err != nil {
			return err
		}
		_, err := tx.Exec(
			`INSERT INTO worker_event (worker, seq, stream, time, payload)
			 VALUES (?, ?, ?, ?, ?)`,
			worker, seq, stream, storeTime(t), payload)
		return err
	})
}

// WorkerEventsFlush moves buffered worker events into the event log of
// the worker's current job, if one is assigned. Without a job the
// buffer is retained for a later flush.
func (s *Store) WorkerEventsFlush(worker string) error {
	return s.retry(func(tx *sql.Tx) error {
		var jid string
		err := tx.QueryRow(
			`SELECT id FROM job WHERE worker = ? AND complete = 0`, worker).Scan(&jid)
		if err == sql.ErrNoRows {
			return nil
		}
		if err != nil {
			return err
		}

		rows, err := tx.Query(
			`SELECT seq, stream, time, payload FROM worker_event
			 WHERE worker = ? ORDER BY seq`, worker)
		if err != nil {
			return err
		}
		type wev struct {
			stream, payload string
			t               time.Time
		}
		var evs []wev
		for rows.Next() {
			var e wev
			var ts string
			if err := rows.Scan(new(int), &e.stream, &ts, &e.payload); err != nil {
				rows.Close()
				return err
			}
			if e.t, err = parseTime(ts); err != nil {
				rows.Close()
				return err
			}
			evs = append(evs, e)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		for _, e := range evs {
			remote := e.t
			if err := jobEventAppendTx(tx, jid, nil, e.stream, e.payload,
				time.Now(), &remote); err != nil {
				return err
			}
		}
		_, err = tx.Exec(`DELETE FROM worker_event WHERE worker = ?`, worker)
		return err
	})
}
