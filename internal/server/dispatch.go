package server

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"buildomat/internal/storage"
)

var (
	jobsAssigned = promauto.NewCounter(prometheus.CounterOpts{
		Name: "buildomat_jobs_assigned_total",
		Help: "Jobs bound to a worker by the assignment loop.",
	})
	jobsFailedDeps = promauto.NewCounter(prometheus.CounterOpts{
		Name: "buildomat_jobs_failed_dependency_total",
		Help: "Jobs failed because a dependency ended in a disallowed state.",
	})
	dispatchPasses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "buildomat_dispatch_passes_total",
		Help: "Completed assignment loop iterations.",
	})
)

const (
	dispatchTick  = 1 * time.Second
	cleanupTick   = 1 * time.Minute
	workerAbsence = 10 * time.Minute
)

// Dispatcher runs the assignment loop and its cleanup siblings.
type Dispatcher struct {
	c *Central

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewDispatcher(c *Central) *Dispatcher {
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{c: c, ctx: ctx, cancel: cancel}
}

func (d *Dispatcher) Start() {
	d.wg.Add(2)
	go d.assignLoop()
	go d.cleanupLoop()
}

func (d *Dispatcher) Stop() {
	d.cancel()
	d.wg.Wait()
}

func (d *Dispatcher) assignLoop() {
	defer d.wg.Done()
	ticker := time.NewTicker(dispatchTick)
	defer ticker.Stop()
	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			d.pass()
		}
	}
}

// pass is one iteration of the assignment loop: expire leases, settle
// dependencies, fail cancelled unstarted jobs, then hand queued jobs
// to idle workers in submission order.
func (d *Dispatcher) pass() {
	c := d.c
	c.leasesExpire()

	jobs, err := c.store.JobsActive()
	if err != nil {
		c.log.Error("dispatch: list jobs", "error", err)
		return
	}

	for _, j := range jobs {
		if j.Waiting {
			d.evaluateDepends(j)
		}
	}

	// Cancelled jobs that never reached a worker finish here.
	for _, j := range jobs {
		if j.Cancelled && j.Worker == nil {
			d.failJob(j, "job cancelled before assignment")
		}
	}

	if !c.held() {
		d.assignQueued()
	}
	dispatchPasses.Inc()
}

// evaluateDepends settles each unsatisfied dependency of a waiting
// job: a prior job in a permitted terminal state satisfies it (copying
// outputs by reference when asked), a disallowed terminal state fails
// the dependent with an explanatory event.
func (d *Dispatcher) evaluateDepends(j *storage.Job) {
	c := d.c
	depends, err := c.store.JobDepends(j.ID)
	if err != nil {
		c.log.Error("dispatch: list depends", "job", j.ID, "error", err)
		return
	}
	for _, dep := range depends {
		if dep.Satisfied {
			continue
		}
		prior, err := c.store.JobGet(dep.PriorJob)
		if err == storage.ErrNotFound {
			d.failJob(j, fmt.Sprintf(
				"Dependency %q did not start a job before finishing",
				dep.Name))
			return
		}
		if err != nil {
			c.log.Error("dispatch: load prior job", "job", j.ID,
				"prior", dep.PriorJob, "error", err)
			return
		}
		if !prior.Complete {
			continue
		}
		allowed := (prior.Failed && dep.OnFailed) ||
			(!prior.Failed && dep.OnCompleted)
		if !allowed {
			d.failJob(j, fmt.Sprintf(
				"Dependency %q ended in state %q, which this job does not accept",
				dep.Name, prior.State()))
			return
		}
		if err := c.store.JobDependSatisfy(j.ID, dep); err != nil {
			c.log.Error("dispatch: satisfy depend", "job", j.ID,
				"depend", dep.Name, "error", err)
			return
		}
		c.log.Info("dependency satisfied", "job", j.ID, "depend", dep.Name,
			"prior", dep.PriorJob)
	}
}

func (d *Dispatcher) failJob(j *storage.Job, msg string) {
	c := d.c
	if err := c.store.JobEventAppend(j.ID, nil, "control", msg,
		time.Now(), nil); err != nil {
		c.log.Error("dispatch: append failure event", "job", j.ID, "error", err)
	}
	if _, err := c.store.JobComplete(j.ID, true); err != nil {
		c.log.Error("dispatch: fail job", "job", j.ID, "error", err)
		return
	}
	c.leaseClear(j.ID)
	jobsFailedDeps.Inc()
	c.log.Info("job failed", "job", j.ID, "reason", msg)
}

// assignQueued pairs queued jobs with idle workers, FIFO by job id.
// Leased jobs are skipped; their factory provisions a dedicated
// worker.
func (d *Dispatcher) assignQueued() {
	c := d.c
	jobs, err := c.store.JobsActive()
	if err != nil {
		c.log.Error("dispatch: list jobs", "error", err)
		return
	}
	workers, err := c.store.WorkersActive()
	if err != nil {
		c.log.Error("dispatch: list workers", "error", err)
		return
	}

	busy := map[string]bool{}
	for _, w := range workers {
		j, err := c.store.WorkerJob(w.ID)
		if err != nil {
			c.log.Error("dispatch: worker job", "worker", w.ID, "error", err)
			return
		}
		if j != nil {
			busy[w.ID] = true
		}
	}

	for _, j := range jobs {
		if j.Waiting || j.Cancelled || j.Worker != nil {
			continue
		}
		if c.leaseForJob(j.ID) != nil {
			continue
		}
		for _, w := range workers {
			if busy[w.ID] || w.Recycle || !w.Bootstrapped() ||
				w.Target != j.TargetID {
				continue
			}
			if err := c.store.JobAssign(j.ID, w.ID); err != nil {
				c.log.Error("dispatch: assign", "job", j.ID,
					"worker", w.ID, "error", err)
				break
			}
			busy[w.ID] = true
			jobsAssigned.Inc()
			c.log.Info("job assigned", "job", j.ID, "worker", w.ID)
			break
		}
	}
}

func (d *Dispatcher) cleanupLoop() {
	defer d.wg.Done()
	ticker := time.NewTicker(cleanupTick)
	defer ticker.Stop()
	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			d.cleanupChunks()
			d.cleanupWorkers()
		}
	}
}

// cleanupChunks removes staged chunk directories left behind by
// completed jobs.
func (d *Dispatcher) cleanupChunks() {
	c := d.c
	jobs, err := c.store.Jobs()
	if err != nil {
		c.log.Error("cleanup: list jobs", "error", err)
		return
	}
	for _, j := range jobs {
		if !j.Complete {
			continue
		}
		if err := c.staging.DeleteChunks(j.ID); err != nil {
			c.log.Warn("cleanup: delete chunks", "job", j.ID, "error", err)
		}
	}
}

// cleanupWorkers destroys workers that have stopped pinging. Their
// incomplete jobs return to the queue.
func (d *Dispatcher) cleanupWorkers() {
	c := d.c
	workers, err := c.store.WorkersActive()
	if err != nil {
		c.log.Error("cleanup: list workers", "error", err)
		return
	}
	cutoff := time.Now().Add(-workerAbsence)
	for _, w := range workers {
		if !w.Bootstrapped() || w.Lastping == nil || w.Lastping.After(cutoff) {
			continue
		}
		requeued, err := c.store.WorkerDestroy(w.ID)
		if err != nil {
			c.log.Error("cleanup: destroy worker", "worker", w.ID, "error", err)
			continue
		}
		for _, job := range requeued {
			c.leaseClear(job)
		}
		c.log.Warn("absent worker destroyed", "worker", w.ID,
			"lastping", w.Lastping, "requeued", len(requeued))
	}
}
