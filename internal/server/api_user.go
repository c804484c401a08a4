package server

import (
	"context"
	"fmt"
	"mime"
	"net/http"
	"os"
	"path"
	"regexp"
	"strconv"
	"time"

	"buildomat/internal/archive"
	"buildomat/internal/blobstore"
	"buildomat/internal/files"
	"buildomat/internal/storage"
)

const (
	maxTasks    = 100
	maxInputs   = 25
	maxTags     = 100
	maxTagBytes = 128 * 1024

	maxSyncInput = int64(1) << 30 // legacy synchronous path
)

var (
	tagNameRe = regexp.MustCompile(`^[0-9a-z._-]+$`)
	publishRe = regexp.MustCompile(`^[A-Za-z0-9._-]{2,48}$`)
)

// parseOutputRule splits the sigil prefix off an output rule. Each of
// '!' (ignore), '=' (require match), '%' (size change ok) may appear
// at most once, '!' may not combine with the others, and the remainder
// must be an absolute path.
func parseOutputRule(s string) (storage.CreateOutputRule, error) {
	var r storage.CreateOutputRule
	i := 0
loop:
	for i < len(s) {
		switch s[i] {
		case '!':
			if r.Ignore || r.RequireMatch || r.SizeChangeOK {
				return r, errBad("invalid output rule %q", s)
			}
			r.Ignore = true
			i++
		case '=':
			if r.RequireMatch || r.Ignore {
				return r, errBad("invalid output rule %q", s)
			}
			r.RequireMatch = true
			i++
		case '%':
			if r.SizeChangeOK || r.Ignore {
				return r, errBad("invalid output rule %q", s)
			}
			r.SizeChangeOK = true
			i++
		default:
			break loop
		}
	}
	rest := s[i:]
	if rest == "" || rest[0] != '/' {
		return r, errBad("output rule %q must use an absolute path", s)
	}
	r.Rule = rest
	return r, nil
}

type submitTask struct {
	Name     string            `json:"name"`
	Script   string            `json:"script"`
	Env      map[string]string `json:"env"`
	EnvClear bool              `json:"env_clear"`
	UserID   *uint32           `json:"uid"`
	GroupID  *uint32           `json:"gid"`
	Workdir  *string           `json:"workdir"`
}

type submitDepend struct {
	PriorJob    string `json:"prior_job"`
	CopyOutputs bool   `json:"copy_outputs"`
	OnFailed    bool   `json:"on_failed"`
	OnCompleted bool   `json:"on_completed"`
}

type submitRequest struct {
	Name        string                  `json:"name"`
	Target      string                  `json:"target"`
	Tasks       []submitTask            `json:"tasks"`
	OutputRules []string                `json:"output_rules"`
	Inputs      []string                `json:"inputs"`
	Tags        map[string]string       `json:"tags"`
	Depends     map[string]submitDepend `json:"depends"`
}

func (c *Central) handleJobSubmit(w http.ResponseWriter, r *http.Request) {
	u, err := c.userAuth(r)
	if err != nil {
		respondError(w, c.log, err)
		return
	}
	var req submitRequest
	if err := readJSON(r, &req); err != nil {
		respondError(w, c.log, err)
		return
	}

	if req.Name == "" {
		respondError(w, c.log, errBad("job name is required"))
		return
	}
	if len(req.Tasks) == 0 || len(req.Tasks) > maxTasks {
		respondError(w, c.log,
			errBad("between 1 and %d tasks are required", maxTasks))
		return
	}
	if len(req.Inputs) > maxInputs {
		respondError(w, c.log, errBad("at most %d inputs", maxInputs))
		return
	}
	if len(req.Tags) > maxTags {
		respondError(w, c.log, errBad("at most %d tags", maxTags))
		return
	}
	tagbytes := 0
	for name, value := range req.Tags {
		if !tagNameRe.MatchString(name) {
			respondError(w, c.log, errBad("invalid tag name %q", name))
			return
		}
		tagbytes += len(name) + len(value)
	}
	if tagbytes >= maxTagBytes {
		respondError(w, c.log, errBad("tags too large"))
		return
	}

	rules := make([]storage.CreateOutputRule, 0, len(req.OutputRules))
	for _, s := range req.OutputRules {
		rule, err := parseOutputRule(s)
		if err != nil {
			respondError(w, c.log, err)
			return
		}
		rules = append(rules, rule)
	}

	tasks := make([]storage.CreateTask, 0, len(req.Tasks))
	for _, t := range req.Tasks {
		if t.Name == "" || t.Script == "" {
			respondError(w, c.log, errBad("task name and script are required"))
			return
		}
		env := t.Env
		if env == nil {
			env = map[string]string{}
		}
		tasks = append(tasks, storage.CreateTask{
			Name:     t.Name,
			Script:   t.Script,
			Env:      env,
			EnvClear: t.EnvClear,
			UserID:   t.UserID,
			GroupID:  t.GroupID,
			Workdir:  t.Workdir,
		})
	}

	depends := make([]storage.CreateDepend, 0, len(req.Depends))
	for name, d := range req.Depends {
		if d.PriorJob == "" {
			respondError(w, c.log,
				errBad("dependency %q must name a prior job", name))
			return
		}
		depends = append(depends, storage.CreateDepend{
			Name:        name,
			PriorJob:    d.PriorJob,
			CopyOutputs: d.CopyOutputs,
			OnFailed:    d.OnFailed,
			OnCompleted: d.OnCompleted,
		})
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
	if target.Privilege != nil && !u.HasPrivilege(*target.Privilege) {
		respondError(w, c.log,
			errForbidden("target %q requires a privilege you do not hold",
				req.Target))
		return
	}

	j, err := c.store.JobCreate(u.ID, req.Name, req.Target, target.ID,
		tasks, rules, req.Inputs, req.Tags, depends)
	if err != nil {
		respondError(w, c.log, err)
		return
	}

	c.log.Info("job submitted", "job", j.ID, "owner", u.Name,
		"target", req.Target, "tasks", len(tasks))
	respondJSON(w, http.StatusCreated, map[string]string{"id": j.ID})
}

type jobView struct {
	ID          string               `json:"id"`
	Name        string               `json:"name"`
	Target      string               `json:"target"`
	TargetReal  string               `json:"target_real"`
	State       string               `json:"state"`
	Cancelled   bool                 `json:"cancelled"`
	Tasks       []taskView           `json:"tasks"`
	OutputRules []string             `json:"output_rules"`
	Tags        map[string]string    `json:"tags"`
	Times       map[string]time.Time `json:"times"`
}

type taskView struct {
	Name  string `json:"name"`
	State string `json:"state"`
}

func (c *Central) jobView(ctx context.Context, j *storage.Job) (*jobView, error) {
	v := &jobView{
		ID:          j.ID,
		Name:        j.Name,
		Target:      j.Target,
		State:       j.State(),
		Cancelled:   j.Cancelled,
		OutputRules: []string{},
	}
	if t, err := c.store.TargetGet(j.TargetID); err == nil {
		v.TargetReal = t.Name
	}

	if j.Archived {
		doc, err := c.arch.Load(ctx, j.ID)
		if err != nil {
			return nil, err
		}
		for _, t := range doc.JobTasks() {
			v.Tasks = append(v.Tasks, taskView{Name: t.Name, State: t.State()})
		}
		for _, r := range doc.JobOutputRules() {
			v.OutputRules = append(v.OutputRules, r.String())
		}
		v.Tags = doc.Tags
		v.Times = doc.Times
		return v, nil
	}

	tasks, err := c.store.JobTasks(j.ID)
	if err != nil {
		return nil, err
	}
	for _, t := range tasks {
		v.Tasks = append(v.Tasks, taskView{Name: t.Name, State: t.State()})
	}
	rules, err := c.store.JobOutputRules(j.ID)
	if err != nil {
		return nil, err
	}
	for _, r := range rules {
		v.OutputRules = append(v.OutputRules, r.String())
	}
	if v.Tags, err = c.store.JobTags(j.ID); err != nil {
		return nil, err
	}
	if v.Times, err = c.store.JobTimes(j.ID); err != nil {
		return nil, err
	}
	return v, nil
}

func (c *Central) handleJobsList(w http.ResponseWriter, r *http.Request) {
	u, err := c.userAuth(r)
	if err != nil {
		respondError(w, c.log, err)
		return
	}
	jobs, err := c.store.JobsForUser(u.ID)
	if err != nil {
		respondError(w, c.log, err)
		return
	}
	views := make([]*jobView, 0, len(jobs))
	for _, j := range jobs {
		v, err := c.jobView(r.Context(), j)
		if err != nil {
			respondError(w, c.log, err)
			return
		}
		views = append(views, v)
	}
	respondJSON(w, http.StatusOK, views)
}

func (c *Central) handleJobGet(w http.ResponseWriter, r *http.Request) {
	u, err := c.userAuth(r)
	if err != nil {
		respondError(w, c.log, err)
		return
	}
	j, err := c.jobForUser(u, r.PathValue("job"))
	if err != nil {
		respondError(w, c.log, err)
		return
	}
	v, err := c.jobView(r.Context(), j)
	if err != nil {
		respondError(w, c.log, err)
		return
	}
	respondJSON(w, http.StatusOK, v)
}

type eventView struct {
	Seq        int        `json:"seq"`
	Task       *uint32    `json:"task"`
	Stream     string     `json:"stream"`
	Time       time.Time  `json:"time"`
	TimeRemote *time.Time `json:"time_remote"`
	Payload    string     `json:"payload"`
}

// jobEvents serves live and archived jobs identically.
func (c *Central) jobEvents(ctx context.Context, j *storage.Job, minseq int) ([]*storage.JobEvent, error) {
	if j.Archived {
		doc, err := c.arch.Load(ctx, j.ID)
		if err != nil {
			return nil, err
		}
		return doc.JobEvents(minseq), nil
	}
	return c.store.JobEvents(j.ID, minseq)
}

func (c *Central) handleJobEvents(w http.ResponseWriter, r *http.Request) {
	u, err := c.userAuth(r)
	if err != nil {
		respondError(w, c.log, err)
		return
	}
	j, err := c.jobForUser(u, r.PathValue("job"))
	if err != nil {
		respondError(w, c.log, err)
		return
	}
	minseq := 0
	if s := r.URL.Query().Get("minseq"); s != "" {
		if minseq, err = strconv.Atoi(s); err != nil || minseq < 0 {
			respondError(w, c.log, errBad("invalid minseq"))
			return
		}
	}
	events, err := c.jobEvents(r.Context(), j, minseq)
	if err != nil {
		respondError(w, c.log, err)
		return
	}
	views := make([]eventView, 0, len(events))
	for _, e := range events {
		views = append(views, eventView{
			Seq:        e.Seq,
			Task:       e.Task,
			Stream:     e.Stream,
			Time:       e.Time,
			TimeRemote: e.TimeRemote,
			Payload:    e.Payload,
		})
	}
	respondJSON(w, http.StatusOK, views)
}

func (c *Central) handleJobChunk(w http.ResponseWriter, r *http.Request) {
	u, err := c.userAuth(r)
	if err != nil {
		respondError(w, c.log, err)
		return
	}
	j, err := c.jobForUser(u, r.PathValue("job"))
	if err != nil {
		respondError(w, c.log, err)
		return
	}
	if !j.Waiting {
		respondError(w, c.log,
			fmt.Errorf("%w: job %s is not waiting for inputs",
				storage.ErrConflict, j.ID))
		return
	}

	body := r.Body
	if max := c.cfg.Job.MaxInputBytes; max > 0 {
		body = http.MaxBytesReader(w, body, max)
	}
	id, err := c.staging.WriteChunk(j.ID, body)
	if err != nil {
		respondError(w, c.log, err)
		return
	}
	respondJSON(w, http.StatusCreated, map[string]string{"id": id})
}

type inputRequest struct {
	Name     string   `json:"name"`
	Size     int64    `json:"size"`
	Chunks   []string `json:"chunks"`
	CommitID string   `json:"commit_id"`
}

type inputResponse struct {
	Complete bool    `json:"complete"`
	Error    *string `json:"error"`
}

// handleJobInput is the chunked, asynchronous input path: the commit
// is enqueued and the client polls with the same request until
// complete.
func (c *Central) handleJobInput(w http.ResponseWriter, r *http.Request) {
	u, err := c.userAuth(r)
	if err != nil {
		respondError(w, c.log, err)
		return
	}
	j, err := c.jobForUser(u, r.PathValue("job"))
	if err != nil {
		respondError(w, c.log, err)
		return
	}
	var req inputRequest
	if err := readJSON(r, &req); err != nil {
		respondError(w, c.log, err)
		return
	}
	if req.Name == "" || req.CommitID == "" || len(req.Chunks) == 0 {
		respondError(w, c.log,
			errBad("name, commit_id, and chunks are required"))
		return
	}
	if max := c.cfg.Job.MaxInputBytes; max > 0 && req.Size > max {
		respondError(w, c.log,
			errBad("input %q exceeds the %d byte limit", req.Name, max))
		return
	}

	p, err := c.staging.CommitFile(files.Commit{
		Job:          j.ID,
		CommitID:     req.CommitID,
		Name:         req.Name,
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

// handleJobInputSync is the legacy one-shot path, capped at 1 GiB. The
// body becomes a single chunk and the handler waits for assembly.
func (c *Central) handleJobInputSync(w http.ResponseWriter, r *http.Request) {
	u, err := c.userAuth(r)
	if err != nil {
		respondError(w, c.log, err)
		return
	}
	j, err := c.jobForUser(u, r.PathValue("job"))
	if err != nil {
		respondError(w, c.log, err)
		return
	}
	name := r.URL.Query().Get("name")
	if name == "" {
		respondError(w, c.log, errBad("name query parameter is required"))
		return
	}

	max := maxSyncInput
	if m := c.cfg.Job.MaxInputBytes; m > 0 && m < max {
		max = m
	}
	chunk, err := c.staging.WriteChunk(j.ID,
		http.MaxBytesReader(w, r.Body, max))
	if err != nil {
		respondError(w, c.log, err)
		return
	}
	size, err := c.staging.ChunkSize(j.ID, chunk)
	if err != nil {
		respondError(w, c.log, err)
		return
	}

	commit := files.Commit{
		Job:          j.ID,
		CommitID:     storage.NewID(),
		Name:         name,
		ExpectedSize: size,
		Chunks:       []string{chunk},
	}
	p, err := c.staging.CommitFile(commit)
	if err != nil {
		respondError(w, c.log, err)
		return
	}
	// Wait out the assembly; sync callers expect a final answer.
	for !p.Complete {
		time.Sleep(50 * time.Millisecond)
		if p, err = c.staging.CommitFile(commit); err != nil {
			respondError(w, c.log, err)
			return
		}
	}
	if p.Error != nil {
		respondError(w, c.log, errBad("%s", *p.Error))
		return
	}
	respondJSON(w, http.StatusOK, inputResponse{Complete: true})
}

type outputView struct {
	ID   string `json:"id"`
	Path string `json:"path"`
	Size int64  `json:"size"`
}

func (c *Central) jobOutputs(ctx context.Context, j *storage.Job) ([]*storage.JobOutput, error) {
	if j.Archived {
		doc, err := c.arch.Load(ctx, j.ID)
		if err != nil {
			return nil, err
		}
		return doc.JobOutputs(), nil
	}
	return c.store.JobOutputs(j.ID)
}

func (c *Central) jobOutput(ctx context.Context, j *storage.Job, fileID string) (*storage.JobOutput, error) {
	if j.Archived {
		doc, err := c.arch.Load(ctx, j.ID)
		if err != nil {
			return nil, err
		}
		return doc.JobOutput(fileID)
	}
	return c.store.JobOutput(j.ID, fileID)
}

func (c *Central) handleJobOutputs(w http.ResponseWriter, r *http.Request) {
	u, err := c.userAuth(r)
	if err != nil {
		respondError(w, c.log, err)
		return
	}
	j, err := c.jobForUser(u, r.PathValue("job"))
	if err != nil {
		respondError(w, c.log, err)
		return
	}
	outputs, err := c.jobOutputs(r.Context(), j)
	if err != nil {
		respondError(w, c.log, err)
		return
	}
	views := make([]outputView, 0, len(outputs))
	for _, o := range outputs {
		views = append(views, outputView{ID: o.ID, Path: o.Path, Size: o.Size})
	}
	respondJSON(w, http.StatusOK, views)
}

// serveFile streams a stored file: from local staging while it exists,
// otherwise by redirect to a presigned blob URL.
func (c *Central) serveFile(w http.ResponseWriter, r *http.Request,
	job, fileID, name string) error {

	local := c.staging.OutputPath(job, fileID)
	if f, err := os.Open(local); err == nil {
		defer f.Close()
		w.Header().Set("Content-Type", contentTypeFor(name))
		w.Header().Set("Content-Disposition",
			fmt.Sprintf("attachment; filename=%q", name))
		http.ServeContent(w, r, name, time.Time{}, f)
		return nil
	}

	url, err := c.blob.Presign(r.Context(),
		archive.FileKey(c.cfg.Storage.Prefix, job, fileID),
		blobstore.PresignOptions{
			ContentType: contentTypeFor(name),
			ContentDisposition: fmt.Sprintf(
				"attachment; filename=%q", name),
		})
	if err != nil {
		return err
	}
	http.Redirect(w, r, url, http.StatusFound)
	return nil
}

func contentTypeFor(name string) string {
	if ct := mime.TypeByExtension(path.Ext(name)); ct != "" {
		return ct
	}
	return "application/octet-stream"
}

func (c *Central) handleJobOutputDownload(w http.ResponseWriter, r *http.Request) {
	u, err := c.userAuth(r)
	if err != nil {
		respondError(w, c.log, err)
		return
	}
	j, err := c.jobForUser(u, r.PathValue("job"))
	if err != nil {
		respondError(w, c.log, err)
		return
	}
	o, err := c.jobOutput(r.Context(), j, r.PathValue("output"))
	if err != nil {
		respondError(w, c.log, err)
		return
	}
	if err := c.serveFile(w, r, j.ID, o.ID, path.Base(o.Path)); err != nil {
		respondError(w, c.log, err)
	}
}

type signRequest struct {
	ExpirySeconds      int    `json:"expiry_seconds"`
	ContentType        string `json:"content_type"`
	ContentDisposition string `json:"content_disposition"`
}

func (c *Central) handleJobOutputSign(w http.ResponseWriter, r *http.Request) {
	u, err := c.userAuth(r)
	if err != nil {
		respondError(w, c.log, err)
		return
	}
	j, err := c.jobForUser(u, r.PathValue("job"))
	if err != nil {
		respondError(w, c.log, err)
		return
	}
	o, err := c.jobOutput(r.Context(), j, r.PathValue("output"))
	if err != nil {
		respondError(w, c.log, err)
		return
	}
	var req signRequest
	if err := readJSON(r, &req); err != nil {
		respondError(w, c.log, err)
		return
	}

	url, err := c.blob.Presign(r.Context(),
		archive.FileKey(c.cfg.Storage.Prefix, j.ID, o.ID),
		blobstore.PresignOptions{
			TTL:                time.Duration(req.ExpirySeconds) * time.Second,
			ContentType:        req.ContentType,
			ContentDisposition: req.ContentDisposition,
		})
	if err != nil {
		respondError(w, c.log, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"url": url})
}

type publishRequest struct {
	Series  string `json:"series"`
	Version string `json:"version"`
	Name    string `json:"name"`
}

func (c *Central) handleJobOutputPublish(w http.ResponseWriter, r *http.Request) {
	u, err := c.userAuth(r)
	if err != nil {
		respondError(w, c.log, err)
		return
	}
	j, err := c.jobForUser(u, r.PathValue("job"))
	if err != nil {
		respondError(w, c.log, err)
		return
	}
	o, err := c.jobOutput(r.Context(), j, r.PathValue("output"))
	if err != nil {
		respondError(w, c.log, err)
		return
	}
	var req publishRequest
	if err := readJSON(r, &req); err != nil {
		respondError(w, c.log, err)
		return
	}
	for _, ident := range []string{req.Series, req.Version, req.Name} {
		if !publishRe.MatchString(ident) {
			respondError(w, c.log, errBad("invalid publish identifier %q", ident))
			return
		}
	}

	if err := c.store.JobPublishOutput(j.Owner, req.Series, req.Version,
		req.Name, j.ID, o.ID); err != nil {
		respondError(w, c.log, err)
		return
	}
	c.log.Info("output published", "job", j.ID, "file", o.ID,
		"series", req.Series, "version", req.Version, "name", req.Name)
	respondJSON(w, http.StatusOK, nil)
}

func (c *Central) handleJobCancel(w http.ResponseWriter, r *http.Request) {
	u, err := c.userAuth(r)
	if err != nil {
		respondError(w, c.log, err)
		return
	}
	j, err := c.jobForUser(u, r.PathValue("job"))
	if err != nil {
		respondError(w, c.log, err)
		return
	}
	if err := c.store.JobCancel(j.ID); err != nil {
		respondError(w, c.log, err)
		return
	}
	if err := c.store.JobEventAppend(j.ID, nil, "control",
		"job cancelled by user", time.Now(), nil); err != nil {
		respondError(w, c.log, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type storeView struct {
	Value      *string   `json:"value"`
	Secret     bool      `json:"secret"`
	TimeUpdate time.Time `json:"time_update"`
	Source     string    `json:"source"`
}

func (c *Central) handleJobStoreGet(w http.ResponseWriter, r *http.Request) {
	u, err := c.userAuth(r)
	if err != nil {
		respondError(w, c.log, err)
		return
	}
	j, err := c.jobForUser(u, r.PathValue("job"))
	if err != nil {
		respondError(w, c.log, err)
		return
	}

	var values map[string]*storage.JobStoreValue
	if j.Archived {
		doc, err := c.arch.Load(r.Context(), j.ID)
		if err != nil {
			respondError(w, c.log, err)
			return
		}
		values = doc.JobStore()
	} else if values, err = c.store.JobStore(j.ID); err != nil {
		respondError(w, c.log, err)
		return
	}

	out := map[string]storeView{}
	for name, v := range values {
		sv := storeView{
			Secret:     v.Secret,
			TimeUpdate: v.TimeUpdate,
			Source:     v.Source,
		}
		// Secret values are write-only through the human API.
		if !v.Secret {
			val := v.Value
			sv.Value = &val
		}
		out[name] = sv
	}
	respondJSON(w, http.StatusOK, out)
}

type storePutRequest struct {
	Value  string `json:"value"`
	Secret bool   `json:"secret"`
}

func (c *Central) handleJobStorePut(w http.ResponseWriter, r *http.Request) {
	u, err := c.userAuth(r)
	if err != nil {
		respondError(w, c.log, err)
		return
	}
	j, err := c.jobForUser(u, r.PathValue("job"))
	if err != nil {
		respondError(w, c.log, err)
		return
	}
	if j.Complete {
		respondError(w, c.log, fmt.Errorf(
			"%w: job %s is complete", storage.ErrConflict, j.ID))
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
		"user"); err != nil {
		respondError(w, c.log, err)
		return
	}
	respondJSON(w, http.StatusOK, nil)
}

func (c *Central) handleWhoami(w http.ResponseWriter, r *http.Request) {
	u, err := c.userAuth(r)
	if err != nil {
		respondError(w, c.log, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"id":         u.ID,
		"name":       u.Name,
		"privileges": u.Privileges,
	})
}

func (c *Central) handleQuota(w http.ResponseWriter, r *http.Request) {
	if _, err := c.userAuth(r); err != nil {
		respondError(w, c.log, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]int64{
		"max_bytes_per_input": c.cfg.Job.MaxInputBytes,
	})
}
