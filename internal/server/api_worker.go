package server

import (
	"net/http"
	"path"
	"time"

	"buildomat/internal/files"
	"buildomat/internal/storage"
)

type bootstrapRequest struct {
	Bootstrap string `json:"bootstrap"`
}

// handleWorkerBootstrap exchanges the single-use bootstrap secret for
// the worker's long-lived token. If a factory pre-assigned a job via a
// lease bound to this worker, the assignment happens here and the
// lease is consumed.
func (c *Central) handleWorkerBootstrap(w http.ResponseWriter, r *http.Request) {
	var req bootstrapRequest
	if err := readJSON(r, &req); err != nil {
		respondError(w, c.log, err)
		return
	}
	if req.Bootstrap == "" {
		respondError(w, c.log, errBad("bootstrap secret is required"))
		return
	}

	worker, token, err := c.store.WorkerBootstrap(req.Bootstrap)
	if err == storage.ErrNotFound {
		respondError(w, c.log, errUnauth("invalid bootstrap secret"))
		return
	}
	if err != nil {
		respondError(w, c.log, err)
		return
	}

	if l := c.leaseForWorker(worker.ID); l != nil {
		if err := c.store.JobAssign(l.Job, worker.ID); err != nil {
			c.log.Warn("pre-assignment failed; job left for the scheduler",
				"job", l.Job, "worker", worker.ID, "error", err)
		}
		c.leaseClear(l.Job)
	}

	c.log.Info("worker bootstrapped", "worker", worker.ID,
		"factory", worker.Factory)
	respondJSON(w, http.StatusOK, map[string]string{
		"id":    worker.ID,
		"token": token,
	})
}

type workerTaskView struct {
	Seq      int               `json:"seq"`
	Name     string            `json:"name"`
	Script   string            `json:"script"`
	Env      map[string]string `json:"env"`
	EnvClear bool              `json:"env_clear"`
	UserID   *uint32           `json:"uid"`
	GroupID  *uint32           `json:"gid"`
	Workdir  *string           `json:"workdir"`
}

type workerJobView struct {
	ID        string           `json:"id"`
	Name      string           `json:"name"`
	Cancelled bool             `json:"cancelled"`
	Tasks     []workerTaskView `json:"tasks"`
}

type pingResponse struct {
	Recycle bool           `json:"recycle"`
	Job     *workerJobView `json:"job"`
}

// handleWorkerPing is the worker's heartbeat and work poll. The
// response carries the assigned job, if any, including the cancelled
// flag the worker must observe.
func (c *Central) handleWorkerPing(w http.ResponseWriter, r *http.Request) {
	worker, err := c.workerAuth(r)
	if err != nil {
		respondError(w, c.log, err)
		return
	}
	if err := c.store.WorkerPing(worker.ID); err != nil {
		respondError(w, c.log, err)
		return
	}

	resp := pingResponse{Recycle: worker.Recycle}
	j, err := c.store.WorkerJob(worker.ID)
	if err != nil {
		respondError(w, c.log, err)
		return
	}
	if j != nil {
		tasks, err := c.store.JobTasks(j.ID)
		if err != nil {
			respondError(w, c.log, err)
			return
		}
		jv := &workerJobView{ID: j.ID, Name: j.Name, Cancelled: j.Cancelled}
		for _, t := range tasks {
			jv.Tasks = append(jv.Tasks, workerTaskView{
				Seq:      t.Seq,
				Name:     t.Name,
				Script:   t.Script,
				Env:      t.Env,
				EnvClear: t.EnvClear,
				UserID:   t.UserID,
				GroupID:  t.GroupID,
				Workdir:  t.Workdir,
			})
		}
		resp.Job = jv
	}
	respondJSON(w, http.StatusOK, resp)
}

type appendEvent struct {
	Task    *uint32   `json:"task"`
	Stream  string    `json:"stream"`
	Time    time.Time `json:"time"`
	Payload string    `json:"payload"`
}

type appendRequest struct {
	Events []appendEvent `json:"events"`
}

// handleWorkerJobAppend ingests a batch of worker events. Delivery is
// at-least-once; each event is appended under its own transaction so a
// partial batch failure never reorders what did land.
func (c *Central) handleWorkerJobAppend(w http.ResponseWriter, r *http.Request) {
	worker, err := c.workerAuth(r)
	if err != nil {
		respondError(w, c.log, err)
		return
	}
	j, err := c.jobForWorker(worker, r.PathValue("job"))
	if err != nil {
		respondError(w, c.log, err)
		return
	}
	var req appendRequest
	if err := readJSON(r, &req); err != nil {
		respondError(w, c.log, err)
		return
	}

	for _, e := range req.Events {
		remote := e.Time
		if err := c.store.JobEventAppend(j.ID, e.Task, e.Stream, e.Payload,
			time.Now(), &remote); err != nil {
			respondError(w, c.log, err)
			return
		}
	}
	respondJSON(w, http.StatusOK, nil)
}

type completeRequest struct {
	Failed bool `json:"failed"`
}

func (c *Central) handleWorkerTaskComplete(w http.ResponseWriter, r *http.Request) {
	worker, err := c.workerAuth(r)
	if err != nil {
		respondError(w, c.log, err)
		return
	}
	j, err := c.jobForWorker(worker, r.PathValue("job"))
	if err != nil {
		respondError(w, c.log, err)
		return
	}
	seq, err := pathInt(r, "task")
	if err != nil {
		respondError(w, c.log, err)
		return
	}
	var req completeRequest
	if err := readJSON(r, &req); err != nil {
		respondError(w, c.log, err)
		return
	}
	if err := c.store.TaskComplete(j.ID, seq, req.Failed); err != nil {
		respondError(w, c.log, err)
		return
	}
	respondJSON(w, http.StatusOK, nil)
}

// handleWorkerJobComplete finishes the job. Output uploads must have
// drained first; a commit still in flight turns the request away so no
// output can land after completion.
func (c *Central) handleWorkerJobComplete(w http.ResponseWriter, r *http.Request) {
	worker, err := c.workerAuth(r)
	if err != nil {
		respondError(w, c.log, err)
		return
	}
	j, err := c.jobForWorker(worker, r.PathValue("job"))
	if err != nil {
		respondError(w, c.log, err)
		return
	}
	var req completeRequest
	if err := readJSON(r, &req); err != nil {
		respondError(w, c.log, err)
		return
	}

	if err := c.staging.MarkJobCompleted(j.ID); err != nil {
		respondError(w, c.log,
			&apiError{http.StatusConflict, err.Error()})
		return
	}

	did, err := c.store.JobComplete(j.ID, req.Failed)
	if err != nil {
		respondError(w, c.log, err)
		return
	}
	if did {
		c.log.Info("job complete", "job", j.ID, "worker", worker.ID,
			"failed", req.Failed)
	}
	// Staged chunks are dead weight once no further commits can land.
	if err := c.staging.DeleteChunks(j.ID); err != nil {
		c.log.Warn("delete chunks", "job", j.ID, "error", err)
	}
	c.leaseClear(j.ID)
	respondJSON(w, http.StatusOK, map[string]bool{"first": did})
}

func (c *Central) handleWorkerJobChunk(w http.ResponseWriter, r *http.Request) {
	worker, err := c.workerAuth(r)
	if err != nil {
		respondError(w, c.log, err)
		return
	}
	j, err := c.jobForWorker(worker, r.PathValue("job"))
	if err != nil {
		respondError(w, c.log, err)
		return
	}
	id, err := c.staging.WriteChunk(j.ID, r.Body)
	if err != nil {
		respondError(w, c.log, err)
		return
	}
	respondJSON(w, http.StatusCreated, map[string]string{"id": id})
}

type outputCommitRequest struct {
	Path     string   `json:"path"`
	Size     int64    `json:"size"`
	Chunks   []string `json:"chunks"`
	CommitID string   `json:"commit_id"`
}

func (c *Central) handleWorkerJobOutput(w http.ResponseWriter, r *http.Request) {
	worker, err := c.workerAuth(r)
	if err != nil {
		respondError(w, c.log, err)
		return
	}
	j, err := c.jobForWorker(worker, r.PathValue("job"))
	if err != nil {
		respondError(w, c.log, err)
		return
	}
	var req outputCommitRequest
	if err := readJSON(r, &req); err != nil {
		respondError(w, c.log, err)
		return
	}
	if req.Path == "" || req.CommitID == "" || len(req.Chunks) == 0 {
		respondError(w, c.log,
			errBad("path, commit_id, and chunks are required"))
		return
	}

	p, err := c.staging.CommitFile(files.Commit{
		Job:          j.ID,
		CommitID:     req.CommitID,
		Name:         req.Path,
		Output:       true,
		ExpectedSize: req.Size,
		Chunks:       req.Chunks,
	})
	if err != nil {
		respondError(w, c.log, err)
		return
	}
	respondJSON(w, http.StatusOK, inputResponse{
		Complete: p.Complete, Error: p.Error,
	})
}

type workerInputView struct {
	Name string `json:"name"`
	ID   string `json:"id"`
}

func (c *Central) handleWorkerJobInputs(w http.ResponseWriter, r *http.Request) {
	worker, err := c.workerAuth(r)
	if err != nil {
		respondError(w, c.log, err)
		return
	}
	j, err := c.jobForWorker(worker, r.PathValue("job"))
	if err != nil {
		respondError(w, c.log, err)
		return
	}
	inputs, err := c.store.JobInputs(j.ID)
	if err != nil {
		respondError(w, c.log, err)
		return
	}
	views := make([]workerInputView, 0, len(inputs))
	for _, in := range inputs {
		if in.ID == nil {
			continue
		}
		views = append(views, workerInputView{Name: in.Name, ID: *in.ID})
	}
	respondJSON(w, http.StatusOK, views)
}

// handleWorkerJobInputDownload streams one input to the worker. An
// input copied from a dependency belongs to the prior job, so the
// bytes are looked up there.
func (c *Central) handleWorkerJobInputDownload(w http.ResponseWriter, r *http.Request) {
	worker, err := c.workerAuth(r)
	if err != nil {
		respondError(w, c.log, err)
		return
	}
	j, err := c.jobForWorker(worker, r.PathValue("job"))
	if err != nil {
		respondError(w, c.log, err)
		return
	}
	name := r.PathValue("input")

	inputs, err := c.store.JobInputs(j.ID)
	if err != nil {
		respondError(w, c.log, err)
		return
	}
	for _, in := range inputs {
		if in.Name != name || in.ID == nil {
			continue
		}
		owner := j.ID
		if in.OtherJob != nil {
			owner = *in.OtherJob
		}
		if err := c.serveFile(w, r, owner, *in.ID, path.Base(in.Name)); err != nil {
			respondError(w, c.log, err)
		}
		return
	}
	respondError(w, c.log, storage.ErrNotFound)
}

func (c *Central) handleWorkerJobStorePut(w http.ResponseWriter, r *http.Request) {
	worker, err := c.workerAuth(r)
	if err != nil {
		respondError(w, c.log, err)
		return
	}
	j, err := c.jobForWorker(worker, r.PathValue("job"))
	if err != nil {
		respondError(w, c.log, err)
		return
	}
	name := r.PathValue("name")
	if !tagNameRe.MatchString(name) {
		respondError(w, c.log, errBad("invalid store name %q", name))
		return
	}
	var req storePutRequest
	if err := readJSON(r, &req); err != nil {
		respondError(w, c.log, err)
		return
	}
	if err := c.store.JobStorePut(j.ID, name, req.Value, req.Secret,
		"worker"); err != nil {
		respondError(w, c.log, err)
		return
	}
	respondJSON(w, http.StatusOK, nil)
}

// handleWorkerJobStoreGet returns store values with secrets intact;
// the worker realm is where secrets are consumed.
func (c *Central) handleWorkerJobStoreGet(w http.ResponseWriter, r *http.Request) {
	worker, err := c.workerAuth(r)
	if err != nil {
		respondError(w, c.log, err)
		return
	}
	j, err := c.jobForWorker(worker, r.PathValue("job"))
	if err != nil {
		respondError(w, c.log, err)
		return
	}
	values, err := c.store.JobStore(j.ID)
	if err != nil {
		respondError(w, c.log, err)
		return
	}
	out := map[string]storeView{}
	for name, v := range values {
		val := v.Value
		out[name] = storeView{
			Value:      &val,
			Secret:     v.Secret,
			TimeUpdate: v.TimeUpdate,
			Source:     v.Source,
		}
	}
	respondJSON(w, http.StatusOK, out)
}
