package server

import (
	"net/http"
	"time"

	"buildomat/internal/storage"
)

type leaseRequest struct {
	Target     string `json:"target"`
	TTLSeconds int    `json:"ttl_seconds"`
}

type leaseResponse struct {
	Job    *string    `json:"job"`
	Name   *string    `json:"name"`
	Expire *time.Time `json:"expire"`
}

// handleFactoryLease hands the factory one queued job of its target
// that nobody else is provisioning for. An empty response means there
// is nothing to do.
func (c *Central) handleFactoryLease(w http.ResponseWriter, r *http.Request) {
	f, err := c.factoryAuth(r)
	if err != nil {
		respondError(w, c.log, err)
		return
	}
	var req leaseRequest
	if err := readJSON(r, &req); err != nil {
		respondError(w, c.log, err)
		return
	}
	target, err := c.store.TargetResolve(req.Target)
	if err == storage.ErrNotFound {
		respondError(w, c.log, errBad("target %q does not exist", req.Target))
		return
	}
	if err != nil {
		respondError(w, c.log, err)
		return
	}

	if c.held() {
		respondJSON(w, http.StatusOK, leaseResponse{})
		return
	}

	jobs, err := c.store.JobsActive()
	if err != nil {
		respondError(w, c.log, err)
		return
	}
	for _, j := range jobs {
		if j.Waiting || j.Cancelled || j.Worker != nil ||
			j.TargetID != target.ID {
			continue
		}
		l := c.leaseCreate(j.ID, f.ID,
			time.Duration(req.TTLSeconds)*time.Second)
		if l == nil {
			continue
		}
		c.log.Info("lease granted", "job", j.ID, "factory", f.Name,
			"expire", l.Expires)
		respondJSON(w, http.StatusOK, leaseResponse{
			Job: &j.ID, Name: &j.Name, Expire: &l.Expires,
		})
		return
	}
	respondJSON(w, http.StatusOK, leaseResponse{})
}

type leaseRenewRequest struct {
	TTLSeconds int `json:"ttl_seconds"`
}

func (c *Central) handleFactoryLeaseRenew(w http.ResponseWriter, r *http.Request) {
	f, err := c.factoryAuth(r)
	if err != nil {
		respondError(w, c.log, err)
		return
	}
	var req leaseRenewRequest
	if err := readJSON(r, &req); err != nil {
		respondError(w, c.log, err)
		return
	}
	ok := c.leaseRenew(r.PathValue("job"), f.ID,
		time.Duration(req.TTLSeconds)*time.Second)
	respondJSON(w, http.StatusOK, map[string]bool{"renewed": ok})
}

type factoryWorkerRequest struct {
	Target string  `json:"target"`
	Job    *string `json:"job"`
}

// handleFactoryWorkerCreate allocates a worker row and its single-use
// bootstrap secret. Naming a leased job binds the worker to it so the
// bootstrap path assigns the job directly.
func (c *Central) handleFactoryWorkerCreate(w http.ResponseWriter, r *http.Request) {
	f, err := c.factoryAuth(r)
	if err != nil {
		respondError(w, c.log, err)
		return
	}
	var req factoryWorkerRequest
	if err := readJSON(r, &req); err != nil {
		respondError(w, c.log, err)
		return
	}
	target, err := c.store.TargetResolve(req.Target)
	if err == storage.ErrNotFound {
		respondError(w, c.log, errBad("target %q does not exist", req.Target))
		return
	}
	if err != nil {
		respondError(w, c.log, err)
		return
	}

	worker, bootstrap, err := c.store.WorkerCreate(f.ID, target.ID)
	if err != nil {
		respondError(w, c.log, err)
		return
	}

	if req.Job != nil {
		if !c.leaseBindWorker(*req.Job, f.ID, worker.ID) {
			respondError(w, c.log,
				errForbidden("no live lease on job %s for this factory",
					*req.Job))
			return
		}
	}

	c.log.Info("worker created", "worker", worker.ID, "factory", f.Name,
		"target", req.Target)
	respondJSON(w, http.StatusCreated, map[string]string{
		"id":        worker.ID,
		"bootstrap": bootstrap,
	})
}

type associateRequest struct {
	InstanceID string `json:"instance_id"`
}

func (c *Central) handleFactoryWorkerAssociate(w http.ResponseWriter, r *http.Request) {
	f, err := c.factoryAuth(r)
	if err != nil {
		respondError(w, c.log, err)
		return
	}
	worker, err := c.workerForFactory(f, r.PathValue("worker"))
	if err != nil {
		respondError(w, c.log, err)
		return
	}
	var req associateRequest
	if err := readJSON(r, &req); err != nil {
		respondError(w, c.log, err)
		return
	}
	if err := c.store.WorkerAssociate(worker.ID, req.InstanceID); err != nil {
		respondError(w, c.log, err)
		return
	}
	respondJSON(w, http.StatusOK, nil)
}

type factoryAppendRequest struct {
	Stream  string `json:"stream"`
	Payload string `json:"payload"`
}

// handleFactoryWorkerAppend buffers provisioning output against the
// worker; it lands in the job's event log on flush, once a job exists.
func (c *Central) handleFactoryWorkerAppend(w http.ResponseWriter, r *http.Request) {
	f, err := c.factoryAuth(r)
	if err != nil {
		respondError(w, c.log, err)
		return
	}
	worker, err := c.workerForFactory(f, r.PathValue("worker"))
	if err != nil {
		respondError(w, c.log, err)
		return
	}
	var req factoryAppendRequest
	if err := readJSON(r, &req); err != nil {
		respondError(w, c.log, err)
		return
	}
	stream := req.Stream
	if stream == "" {
		stream = "factory"
	}
	if err := c.store.WorkerEventAppend(worker.ID, stream, req.Payload,
		time.Now()); err != nil {
		respondError(w, c.log, err)
		return
	}
	respondJSON(w, http.StatusOK, nil)
}

func (c *Central) handleFactoryWorkerFlush(w http.ResponseWriter, r *http.Request) {
	f, err := c.factoryAuth(r)
	if err != nil {
		respondError(w, c.log, err)
		return
	}
	worker, err := c.workerForFactory(f, r.PathValue("worker"))
	if err != nil {
		respondError(w, c.log, err)
		return
	}
	if err := c.store.WorkerEventsFlush(worker.ID); err != nil {
		respondError(w, c.log, err)
		return
	}
	respondJSON(w, http.StatusOK, nil)
}

// handleFactoryWorkerDestroy soft-deletes the worker; an incomplete
// assigned job goes back to the queue and any lease is cleared.
func (c *Central) handleFactoryWorkerDestroy(w http.ResponseWriter, r *http.Request) {
	f, err := c.factoryAuth(r)
	if err != nil {
		respondError(w, c.log, err)
		return
	}
	worker, err := c.workerForFactory(f, r.PathValue("worker"))
	if err != nil {
		respondError(w, c.log, err)
		return
	}

	requeued, err := c.store.WorkerDestroy(worker.ID)
	if err != nil {
		respondError(w, c.log, err)
		return
	}
	for _, job := range requeued {
		c.leaseClear(job)
		c.log.Info("job requeued", "job", job, "worker", worker.ID)
	}
	if l := c.leaseForWorker(worker.ID); l != nil {
		c.leaseClear(l.Job)
	}
	respondJSON(w, http.StatusOK, map[string]any{"requeued": requeued})
}

type factoryWorkerView struct {
	ID           string  `json:"id"`
	Target       string  `json:"target"`
	InstanceID   *string `json:"instance_id"`
	Bootstrapped bool    `json:"bootstrapped"`
	Recycle      bool    `json:"recycle"`
	Job          *string `json:"job"`
}

func (c *Central) handleFactoryWorkers(w http.ResponseWriter, r *http.Request) {
	f, err := c.factoryAuth(r)
	if err != nil {
		respondError(w, c.log, err)
		return
	}
	workers, err := c.store.WorkersForFactory(f.ID)
	if err != nil {
		respondError(w, c.log, err)
		return
	}
	views := make([]factoryWorkerView, 0, len(workers))
	for _, worker := range workers {
		v := factoryWorkerView{
			ID:           worker.ID,
			Target:       worker.Target,
			InstanceID:   worker.InstanceID,
			Bootstrapped: worker.Bootstrapped(),
			Recycle:      worker.Recycle,
		}
		if j, err := c.store.WorkerJob(worker.ID); err == nil && j != nil {
			v.Job = &j.ID
		}
		views = append(views, v)
	}
	respondJSON(w, http.StatusOK, views)
}

func (c *Central) handleFactoryPing(w http.ResponseWriter, r *http.Request) {
	f, err := c.factoryAuth(r)
	if err != nil {
		respondError(w, c.log, err)
		return
	}
	if err := c.store.FactoryPing(f.ID); err != nil {
		respondError(w, c.log, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"id": f.ID})
}

func (c *Central) workerForFactory(f *storage.Factory, id string) (*storage.Worker, error) {
	worker, err := c.store.WorkerGet(id)
	if err != nil {
		return nil, err
	}
	if worker.Factory != f.ID {
		return nil, errForbidden("worker %s belongs to another factory", id)
	}
	return worker, nil
}
