package storage

import (
	"errors"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(":memory:")
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestJob(t *testing.T, s *Store, inputs []string, depends []CreateDepend) *Job {
	t.Helper()
	u, _, err := s.UserCreate("alice-" + NewID())
	if err != nil {
		t.Fatalf("UserCreate failed: %v", err)
	}
	tgt, err := s.TargetCreate("default-" + NewID())
	if err != nil {
		t.Fatalf("TargetCreate failed: %v", err)
	}
	j, err := s.JobCreate(u.ID, "test", tgt.Name, tgt.ID,
		[]CreateTask{{Name: "build", Script: "echo hi", Env: map[string]string{}}},
		[]CreateOutputRule{{Rule: "/out/*"}},
		inputs, map[string]string{"kind": "test"}, depends)
	if err != nil {
		t.Fatalf("JobCreate failed: %v", err)
	}
	return j
}

func TestNewIDOrdering(t *testing.T) {
	a := NewID()
	b := NewID()
	if a >= b {
		// UUIDv7 has millisecond granularity plus a monotonic counter;
		// two successive ids must still sort by creation.
		t.Errorf("ids not time-ordered: %q >= %q", a, b)
	}
}

func TestUserAuthRoundTrip(t *testing.T) {
	s := newTestStore(t)

	u, token, err := s.UserCreate("alice")
	if err != nil {
		t.Fatalf("UserCreate failed: %v", err)
	}
	got, err := s.UserAuth(token)
	if err != nil {
		t.Fatalf("UserAuth failed: %v", err)
	}
	if got.ID != u.ID {
		t.Errorf("ID = %q, want %q", got.ID, u.ID)
	}
	if _, err := s.UserAuth("bogus"); !errors.Is(err, ErrNotFound) {
		t.Errorf("UserAuth(bogus) = %v, want ErrNotFound", err)
	}
	if _, _, err := s.UserCreate("alice"); !errors.Is(err, ErrConflict) {
		t.Errorf("duplicate UserCreate = %v, want ErrConflict", err)
	}
}

func TestUserEnsureIdempotent(t *testing.T) {
	s := newTestStore(t)

	u1, err := s.UserEnsure("repo-owner")
	if err != nil {
		t.Fatalf("UserEnsure failed: %v", err)
	}
	u2, err := s.UserEnsure("repo-owner")
	if err != nil {
		t.Fatalf("second UserEnsure failed: %v", err)
	}
	if u1.ID != u2.ID {
		t.Errorf("UserEnsure minted a second user: %q vs %q", u1.ID, u2.ID)
	}
}

func TestTargetResolveRedirects(t *testing.T) {
	s := newTestStore(t)

	a, err := s.TargetCreate("old-name")
	if err != nil {
		t.Fatalf("TargetCreate failed: %v", err)
	}
	b, err := s.TargetCreate("new-name")
	if err != nil {
		t.Fatalf("TargetCreate failed: %v", err)
	}
	if err := s.TargetRedirect(a.ID, &b.ID); err != nil {
		t.Fatalf("TargetRedirect failed: %v", err)
	}

	got, err := s.TargetResolve("old-name")
	if err != nil {
		t.Fatalf("TargetResolve failed: %v", err)
	}
	if got.ID != b.ID {
		t.Errorf("resolved to %q, want %q", got.ID, b.ID)
	}

	if _, err := s.TargetResolve("no-such-target"); !errors.Is(err, ErrNotFound) {
		t.Errorf("unknown target = %v, want ErrNotFound", err)
	}

	// A redirect cycle must terminate with an error, not spin.
	if err := s.TargetRedirect(b.ID, &a.ID); err != nil {
		t.Fatalf("TargetRedirect failed: %v", err)
	}
	if _, err := s.TargetResolve("old-name"); err == nil {
		t.Error("redirect cycle resolved without error")
	}
}

func TestJobStateProjection(t *testing.T) {
	w := "w1"
	cases := []struct {
		job  Job
		want string
	}{
		{Job{Failed: true, Complete: true}, "failed"},
		{Job{Complete: true}, "completed"},
		{Job{Worker: &w}, "running"},
		{Job{Waiting: true}, "waiting"},
		{Job{}, "queued"},
		// Failed wins even over a lingering worker assignment.
		{Job{Failed: true, Worker: &w}, "failed"},
	}
	for _, c := range cases {
		if got := c.job.State(); got != c.want {
			t.Errorf("State() = %q, want %q", got, c.want)
		}
	}
}

func TestJobEventSeqDense(t *testing.T) {
	s := newTestStore(t)
	j := newTestJob(t, s, nil, nil)

	for i := 0; i < 5; i++ {
		if err := s.JobEventAppend(j.ID, nil, "stdout", "line",
			time.Now(), nil); err != nil {
			t.Fatalf("JobEventAppend failed: %v", err)
		}
	}

	events, err := s.JobEvents(j.ID, 0)
	if err != nil {
		t.Fatalf("JobEvents failed: %v", err)
	}
	if len(events) != 5 {
		t.Fatalf("got %d events, want 5", len(events))
	}
	for i, e := range events {
		if e.Seq != i {
			t.Errorf("event %d has seq %d", i, e.Seq)
		}
	}

	tail, err := s.JobEvents(j.ID, 3)
	if err != nil {
		t.Fatalf("JobEvents(minseq=3) failed: %v", err)
	}
	if len(tail) != 2 {
		t.Fatalf("minseq cursor returned %d events, want 2", len(tail))
	}
	if tail[0].Seq != 3 {
		t.Errorf("minseq cursor starts at seq %d, want 3", tail[0].Seq)
	}
}

func TestJobCompleteIdempotent(t *testing.T) {
	s := newTestStore(t)
	j := newTestJob(t, s, nil, nil)

	did, err := s.JobComplete(j.ID, false)
	if err != nil {
		t.Fatalf("JobComplete failed: %v", err)
	}
	if !did {
		t.Error("first JobComplete returned false")
	}
	did, err = s.JobComplete(j.ID, true)
	if err != nil {
		t.Fatalf("second JobComplete failed: %v", err)
	}
	if did {
		t.Error("second JobComplete returned true")
	}

	// The losing call must not flip the terminal state.
	got, err := s.JobGet(j.ID)
	if err != nil {
		t.Fatalf("JobGet failed: %v", err)
	}
	if got.Failed {
		t.Error("second JobComplete changed failed flag")
	}
	if got.State() != "completed" {
		t.Errorf("state = %q, want completed", got.State())
	}
}

func TestJobCancelConflicts(t *testing.T) {
	s := newTestStore(t)
	j := newTestJob(t, s, nil, nil)

	if err := s.JobCancel(j.ID); err != nil {
		t.Fatalf("JobCancel failed: %v", err)
	}
	got, _ := s.JobGet(j.ID)
	if !got.Cancelled {
		t.Error("cancelled flag not set")
	}

	if _, err := s.JobComplete(j.ID, true); err != nil {
		t.Fatalf("JobComplete failed: %v", err)
	}
	if err := s.JobCancel(j.ID); !errors.Is(err, ErrConflict) {
		t.Errorf("cancel after complete = %v, want ErrConflict", err)
	}
}

func TestJobInputCommitTransitions(t *testing.T) {
	s := newTestStore(t)
	j := newTestJob(t, s, []string{"a.tgz", "b.tgz"}, nil)

	if !j.Waiting {
		t.Fatal("job with declared inputs should start waiting")
	}

	if err := s.JobInputCommit(j.ID, "a.tgz", NewID(), 10); err != nil {
		t.Fatalf("first commit failed: %v", err)
	}
	got, _ := s.JobGet(j.ID)
	if !got.Waiting {
		t.Error("job left waiting with an input still missing")
	}

	if err := s.JobInputCommit(j.ID, "b.tgz", NewID(), 20); err != nil {
		t.Fatalf("second commit failed: %v", err)
	}
	got, _ = s.JobGet(j.ID)
	if got.Waiting {
		t.Error("job still waiting after the last input committed")
	}
	if got.State() != "queued" {
		t.Errorf("state = %q, want queued", got.State())
	}

	// A late upload must not land after the transition.
	err := s.JobInputCommit(j.ID, "c.tgz", NewID(), 5)
	if !errors.Is(err, ErrConflict) {
		t.Errorf("commit after waiting = %v, want ErrConflict", err)
	}
}

func TestJobDependSatisfyCopiesOutputs(t *testing.T) {
	s := newTestStore(t)
	prior := newTestJob(t, s, nil, nil)

	if err := s.JobOutputAdd(prior.ID, "/out/artifact.tgz", NewID(), 42); err != nil {
		t.Fatalf("JobOutputAdd failed: %v", err)
	}
	if _, err := s.JobComplete(prior.ID, false); err != nil {
		t.Fatalf("JobComplete failed: %v", err)
	}

	dep := newTestJob(t, s, nil, []CreateDepend{{
		Name:        "build",
		PriorJob:    prior.ID,
		CopyOutputs: true,
		OnCompleted: true,
	}})
	if !dep.Waiting {
		t.Fatal("job with dependency should start waiting")
	}

	depends, err := s.JobDepends(dep.ID)
	if err != nil {
		t.Fatalf("JobDepends failed: %v", err)
	}
	if err := s.JobDependSatisfy(dep.ID, depends[0]); err != nil {
		t.Fatalf("JobDependSatisfy failed: %v", err)
	}

	got, _ := s.JobGet(dep.ID)
	if got.Waiting {
		t.Error("job still waiting after dependency satisfied")
	}

	inputs, err := s.JobInputs(dep.ID)
	if err != nil {
		t.Fatalf("JobInputs failed: %v", err)
	}
	if len(inputs) != 1 {
		t.Fatalf("got %d inputs, want 1", len(inputs))
	}
	in := inputs[0]
	if in.Name != "artifact.tgz" {
		t.Errorf("input name = %q, want artifact.tgz", in.Name)
	}
	if in.OtherJob == nil || *in.OtherJob != prior.ID {
		t.Error("copied input does not reference the prior job")
	}
	if in.ID == nil {
		t.Error("copied input has no file id")
	}
}

func TestJobAssignChecks(t *testing.T) {
	s := newTestStore(t)
	j := newTestJob(t, s, nil, nil)

	f, _, err := s.FactoryCreate("f1")
	if err != nil {
		t.Fatalf("FactoryCreate failed: %v", err)
	}
	w, _, err := s.WorkerCreate(f.ID, j.TargetID)
	if err != nil {
		t.Fatalf("WorkerCreate failed: %v", err)
	}

	if err := s.JobAssign(j.ID, w.ID); err != nil {
		t.Fatalf("JobAssign failed: %v", err)
	}
	got, _ := s.JobGet(j.ID)
	if got.State() != "running" {
		t.Errorf("state = %q, want running", got.State())
	}

	if err := s.JobAssign(j.ID, w.ID); !errors.Is(err, ErrConflict) {
		t.Errorf("double assign = %v, want ErrConflict", err)
	}

	// Assignment leaves an audit trail: control event plus timestamp.
	events, _ := s.JobEvents(j.ID, 0)
	if len(events) == 0 || events[0].Stream != "control" {
		t.Error("assignment did not record a control event")
	}
	times, _ := s.JobTimes(j.ID)
	if _, ok := times["assigned"]; !ok {
		t.Error("assignment did not record the assigned time")
	}
}

func TestJobCompleteKeepsWorker(t *testing.T) {
	s := newTestStore(t)
	j := newTestJob(t, s, nil, nil)

	f, _, err := s.FactoryCreate("f1")
	if err != nil {
		t.Fatalf("FactoryCreate failed: %v", err)
	}
	w, _, err := s.WorkerCreate(f.ID, j.TargetID)
	if err != nil {
		t.Fatalf("WorkerCreate failed: %v", err)
	}
	if err := s.JobAssign(j.ID, w.ID); err != nil {
		t.Fatalf("JobAssign failed: %v", err)
	}
	if _, err := s.JobComplete(j.ID, false); err != nil {
		t.Fatalf("JobComplete failed: %v", err)
	}

	// The final worker stays on the record, so a worker retrying the
	// completion call can still be matched to the job.
	got, err := s.JobGet(j.ID)
	if err != nil {
		t.Fatalf("JobGet failed: %v", err)
	}
	if got.Worker == nil || *got.Worker != w.ID {
		t.Error("completion cleared the assigned worker")
	}
	if got.State() != "completed" {
		t.Errorf("state = %q, want completed", got.State())
	}

	if wj, err := s.WorkerJob(w.ID); err != nil || wj != nil {
		t.Errorf("WorkerJob = %v, %v; want no active job", wj, err)
	}
}

func TestWorkerBootstrapSingleUse(t *testing.T) {
	s := newTestStore(t)

	f, _, err := s.FactoryCreate("f1")
	if err != nil {
		t.Fatalf("FactoryCreate failed: %v", err)
	}
	tgt, err := s.TargetCreate("default")
	if err != nil {
		t.Fatalf("TargetCreate failed: %v", err)
	}
	w, bootstrap, err := s.WorkerCreate(f.ID, tgt.ID)
	if err != nil {
		t.Fatalf("WorkerCreate failed: %v", err)
	}

	got, token, err := s.WorkerBootstrap(bootstrap)
	if err != nil {
		t.Fatalf("WorkerBootstrap failed: %v", err)
	}
	if got.ID != w.ID {
		t.Errorf("bootstrapped %q, want %q", got.ID, w.ID)
	}

	auth, err := s.WorkerAuth(token)
	if err != nil {
		t.Fatalf("WorkerAuth failed: %v", err)
	}
	if auth.ID != w.ID || !auth.Bootstrapped() {
		t.Error("token does not authenticate the bootstrapped worker")
	}

	if _, _, err := s.WorkerBootstrap(bootstrap); !errors.Is(err, ErrConflict) {
		t.Errorf("second bootstrap = %v, want ErrConflict", err)
	}
}

func TestWorkerDestroyRequeues(t *testing.T) {
	s := newTestStore(t)
	j := newTestJob(t, s, nil, nil)

	f, _, _ := s.FactoryCreate("f1")
	w, _, err := s.WorkerCreate(f.ID, j.TargetID)
	if err != nil {
		t.Fatalf("WorkerCreate failed: %v", err)
	}
	if err := s.JobAssign(j.ID, w.ID); err != nil {
		t.Fatalf("JobAssign failed: %v", err)
	}

	requeued, err := s.WorkerDestroy(w.ID)
	if err != nil {
		t.Fatalf("WorkerDestroy failed: %v", err)
	}
	if len(requeued) != 1 || requeued[0] != j.ID {
		t.Errorf("requeued = %v, want [%s]", requeued, j.ID)
	}

	got, _ := s.JobGet(j.ID)
	if got.Worker != nil {
		t.Error("destroyed worker still assigned")
	}
	if got.State() != "queued" {
		t.Errorf("state = %q, want queued", got.State())
	}
}

func TestWorkerEventsFlushIntoJob(t *testing.T) {
	s := newTestStore(t)
	j := newTestJob(t, s, nil, nil)

	f, _, _ := s.FactoryCreate("f1")
	w, _, err := s.WorkerCreate(f.ID, j.TargetID)
	if err != nil {
		t.Fatalf("WorkerCreate failed: %v", err)
	}

	if err := s.WorkerEventAppend(w.ID, "factory", "booting instance",
		time.Now()); err != nil {
		t.Fatalf("WorkerEventAppend failed: %v", err)
	}

	// Without an assigned job the buffer is retained.
	if err := s.WorkerEventsFlush(w.ID); err != nil {
		t.Fatalf("flush without job failed: %v", err)
	}

	if err := s.JobAssign(j.ID, w.ID); err != nil {
		t.Fatalf("JobAssign failed: %v", err)
	}
	if err := s.WorkerEventsFlush(w.ID); err != nil {
		t.Fatalf("flush failed: %v", err)
	}

	events, _ := s.JobEvents(j.ID, 0)
	found := false
	for _, e := range events {
		if e.Payload == "booting instance" {
			found = true
			if e.TimeRemote == nil {
				t.Error("flushed event lost its remote timestamp")
			}
		}
	}
	if !found {
		t.Error("buffered worker event never reached the job log")
	}
}

func TestJobMarkArchivedPurges(t *testing.T) {
	s := newTestStore(t)
	j := newTestJob(t, s, nil, nil)

	if err := s.JobEventAppend(j.ID, nil, "stdout", "hello",
		time.Now(), nil); err != nil {
		t.Fatalf("JobEventAppend failed: %v", err)
	}
	if err := s.JobStorePut(j.ID, "key", "value", false, "worker"); err != nil {
		t.Fatalf("JobStorePut failed: %v", err)
	}
	if _, err := s.JobComplete(j.ID, false); err != nil {
		t.Fatalf("JobComplete failed: %v", err)
	}

	if err := s.JobMarkArchived(j.ID); err != nil {
		t.Fatalf("JobMarkArchived failed: %v", err)
	}

	got, _ := s.JobGet(j.ID)
	if !got.Archived {
		t.Error("archived flag not set")
	}
	events, _ := s.JobEvents(j.ID, 0)
	if len(events) != 0 {
		t.Errorf("%d events survived the purge", len(events))
	}
	values, _ := s.JobStore(j.ID)
	if len(values) != 0 {
		t.Errorf("%d store values survived the purge", len(values))
	}

	// Appends to an archived job must be refused.
	err := s.JobEventAppend(j.ID, nil, "stdout", "late",
		time.Now(), nil)
	if !errors.Is(err, ErrConflict) {
		t.Errorf("append to archived job = %v, want ErrConflict", err)
	}
}

func TestPublishedFileReplaces(t *testing.T) {
	s := newTestStore(t)
	j := newTestJob(t, s, nil, nil)

	f1, f2 := NewID(), NewID()
	if err := s.JobPublishOutput(j.Owner, "rel", "1.0", "x.tgz",
		j.ID, f1); err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	if err := s.JobPublishOutput(j.Owner, "rel", "1.0", "x.tgz",
		j.ID, f2); err != nil {
		t.Fatalf("republish failed: %v", err)
	}

	p, err := s.PublishedFile(j.Owner, "rel", "1.0", "x.tgz")
	if err != nil {
		t.Fatalf("PublishedFile failed: %v", err)
	}
	if p.File != f2 {
		t.Errorf("file = %q, want the republished %q", p.File, f2)
	}
}

func TestOutputRuleString(t *testing.T) {
	cases := []struct {
		rule OutputRule
		want string
	}{
		{OutputRule{Rule: "/out/*"}, "/out/*"},
		{OutputRule{Rule: "/out/*", Ignore: true}, "!/out/*"},
		{OutputRule{Rule: "/a", RequireMatch: true}, "=/a"},
		{OutputRule{Rule: "/a", SizeChangeOK: true}, "%/a"},
		{OutputRule{Rule: "/a", RequireMatch: true, SizeChangeOK: true}, "%=/a"},
	}
	for _, c := range cases {
		if got := c.rule.String(); got != c.want {
			t.Errorf("String() = %q, want %q", got, c.want)
		}
	}
}
