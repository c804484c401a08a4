package server

import (
	"testing"
	"time"

	"buildomat/internal/storage"
)

// newBootedWorker creates a worker and runs it through bootstrap so the
// assignment loop will consider it.
func (ts *testServer) newBootedWorker(factory, target string) *storage.Worker {
	ts.t.Helper()
	_, bootstrap, err := ts.store.WorkerCreate(factory, target)
	if err != nil {
		ts.t.Fatalf("WorkerCreate failed: %v", err)
	}
	w, _, err := ts.store.WorkerBootstrap(bootstrap)
	if err != nil {
		ts.t.Fatalf("WorkerBootstrap failed: %v", err)
	}
	return w
}

func TestDispatchAssignsQueuedJobs(t *testing.T) {
	ts := newTestServer(t)
	_, userTok := ts.newUser("alice")
	tgt := ts.newTarget("default")
	factoryID, _ := ts.newFactory("f1")

	first := ts.submitJob(userTok, basicSubmit("default"))
	second := ts.submitJob(userTok, basicSubmit("default"))
	w := ts.newBootedWorker(factoryID, tgt.ID)

	d := NewDispatcher(ts.central)
	d.pass()

	// One worker, two queued jobs: the older one wins.
	j, err := ts.store.JobGet(first)
	if err != nil {
		t.Fatalf("JobGet failed: %v", err)
	}
	if j.Worker == nil || *j.Worker != w.ID {
		t.Errorf("first job not assigned to the worker")
	}
	j, _ = ts.store.JobGet(second)
	if j.Worker != nil {
		t.Error("second job assigned with no worker free")
	}

	// Completion frees the worker for the next pass.
	if _, err := ts.store.JobComplete(first, false); err != nil {
		t.Fatalf("JobComplete failed: %v", err)
	}
	d.pass()
	j, _ = ts.store.JobGet(second)
	if j.Worker == nil {
		t.Error("second job not assigned after the worker freed up")
	}
}

func TestDispatchSkipsUnsuitableWorkers(t *testing.T) {
	ts := newTestServer(t)
	_, userTok := ts.newUser("alice")
	ts.newTarget("default")
	other := ts.newTarget("other")
	factoryID, _ := ts.newFactory("f1")

	jobID := ts.submitJob(userTok, basicSubmit("default"))

	// Wrong target, not bootstrapped, and recycling workers are all
	// passed over.
	ts.newBootedWorker(factoryID, other.ID)
	if _, _, err := ts.store.WorkerCreate(factoryID,
		ts.newTarget("default2").ID); err != nil {
		t.Fatalf("WorkerCreate failed: %v", err)
	}
	recycled := ts.newBootedWorker(factoryID, other.ID)
	if err := ts.store.WorkerRecycle(recycled.ID); err != nil {
		t.Fatalf("WorkerRecycle failed: %v", err)
	}

	d := NewDispatcher(ts.central)
	d.pass()

	j, _ := ts.store.JobGet(jobID)
	if j.Worker != nil {
		t.Error("job assigned to an unsuitable worker")
	}
}

func TestDispatchSkipsLeasedJobs(t *testing.T) {
	ts := newTestServer(t)
	_, userTok := ts.newUser("alice")
	tgt := ts.newTarget("default")
	factoryID, _ := ts.newFactory("f1")

	jobID := ts.submitJob(userTok, basicSubmit("default"))
	ts.newBootedWorker(factoryID, tgt.ID)

	if ts.central.leaseCreate(jobID, factoryID, time.Minute) == nil {
		t.Fatal("leaseCreate failed")
	}

	d := NewDispatcher(ts.central)
	d.pass()

	j, _ := ts.store.JobGet(jobID)
	if j.Worker != nil {
		t.Error("leased job assigned by the scheduler")
	}

	// Once the lease lapses the scheduler takes over.
	ts.central.leaseClear(jobID)
	d.pass()
	j, _ = ts.store.JobGet(jobID)
	if j.Worker == nil {
		t.Error("job not assigned after the lease cleared")
	}
}

func TestDispatchHonoursHold(t *testing.T) {
	ts := newTestServer(t)
	_, userTok := ts.newUser("alice")
	tgt := ts.newTarget("default")
	factoryID, _ := ts.newFactory("f1")

	jobID := ts.submitJob(userTok, basicSubmit("default"))
	ts.newBootedWorker(factoryID, tgt.ID)

	ts.central.Hold(true)
	d := NewDispatcher(ts.central)
	d.pass()
	j, _ := ts.store.JobGet(jobID)
	if j.Worker != nil {
		t.Error("job assigned while held")
	}

	ts.central.Hold(false)
	d.pass()
	j, _ = ts.store.JobGet(jobID)
	if j.Worker == nil {
		t.Error("job not assigned after resume")
	}
}

func TestDispatchFailsCancelledUnstartedJobs(t *testing.T) {
	ts := newTestServer(t)
	_, userTok := ts.newUser("alice")
	ts.newTarget("default")

	jobID := ts.submitJob(userTok, basicSubmit("default"))
	if err := ts.store.JobCancel(jobID); err != nil {
		t.Fatalf("JobCancel failed: %v", err)
	}

	d := NewDispatcher(ts.central)
	d.pass()

	j, _ := ts.store.JobGet(jobID)
	if j.State() != "failed" {
		t.Errorf("state = %q, want failed", j.State())
	}
	events, _ := ts.store.JobEvents(jobID, 0)
	found := false
	for _, e := range events {
		if e.Stream == "control" &&
			e.Payload == "job cancelled before assignment" {
			found = true
		}
	}
	if !found {
		t.Error("cancellation not explained in the event log")
	}
}

func TestDispatchSettlesDependencies(t *testing.T) {
	ts := newTestServer(t)
	_, userTok := ts.newUser("alice")
	ts.newTarget("default")

	prior := ts.submitJob(userTok, basicSubmit("default"))
	if err := ts.store.JobOutputAdd(prior, "/out/a.tgz",
		storage.NewID(), 3); err != nil {
		t.Fatalf("JobOutputAdd failed: %v", err)
	}
	if _, err := ts.store.JobComplete(prior, false); err != nil {
		t.Fatalf("JobComplete failed: %v", err)
	}

	req := basicSubmit("default")
	req.Depends = map[string]submitDepend{
		"build": {PriorJob: prior, CopyOutputs: true, OnCompleted: true},
	}
	dep := ts.submitJob(userTok, req)

	d := NewDispatcher(ts.central)
	d.pass()

	j, _ := ts.store.JobGet(dep)
	if j.State() != "queued" {
		t.Errorf("state = %q, want queued", j.State())
	}
	inputs, _ := ts.store.JobInputs(dep)
	if len(inputs) != 1 || inputs[0].Name != "a.tgz" {
		t.Errorf("inputs = %+v, want the copied output", inputs)
	}
}

func TestDispatchFailsDisallowedDependency(t *testing.T) {
	ts := newTestServer(t)
	_, userTok := ts.newUser("alice")
	ts.newTarget("default")

	prior := ts.submitJob(userTok, basicSubmit("default"))
	if _, err := ts.store.JobComplete(prior, true); err != nil {
		t.Fatalf("JobComplete failed: %v", err)
	}

	// The dependent only accepts success; the prior job failed.
	req := basicSubmit("default")
	req.Depends = map[string]submitDepend{
		"build": {PriorJob: prior, OnCompleted: true},
	}
	dep := ts.submitJob(userTok, req)

	d := NewDispatcher(ts.central)
	d.pass()

	j, _ := ts.store.JobGet(dep)
	if j.State() != "failed" {
		t.Errorf("state = %q, want failed", j.State())
	}
	events, _ := ts.store.JobEvents(dep, 0)
	if len(events) == 0 || events[0].Stream != "control" {
		t.Error("failure not explained in the event log")
	}
}
