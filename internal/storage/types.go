// Package storage is the durable store for the control plane: users,
// targets, jobs and their tasks, events, inputs, outputs, dependencies,
// workers, and factories. Everything lives in a single SQLite database
// and all multi-row updates happen inside one transaction.
package storage

import (
	"errors"
	"time"
)

var (
	ErrNotFound = errors.New("not found")

	// ErrConflict marks state conflicts that map to HTTP 409, e.g.
	// completing a job twice or appending to an archived job.
	ErrConflict = errors.New("conflict")
)

// User owns jobs and authenticates with an opaque bearer token.
type User struct {
	ID         string
	Name       string
	Privileges []string
	TimeCreate time.Time
}

// HasPrivilege reports whether the user holds the named privilege.
// Privilege names are dotted strings and matching is exact.
func (u *User) HasPrivilege(p string) bool {
	for _, have := range u.Privileges {
		if have == p {
			return true
		}
	}
	return false
}

// Target is a named class of execution environment. A target may
// redirect to another target, which allows renaming without
// invalidating jobs submitted under the old name.
type Target struct {
	ID        string
	Name      string
	Privilege *string
	Redirect  *string
}

// Job is a user-submitted unit of work.
type Job struct {
	ID        string
	Owner     string
	Name      string
	Target    string // name as requested by the user
	TargetID  string // resolved target
	Complete  bool
	Failed    bool
	Cancelled bool
	Waiting   bool
	Worker    *string
	Archived  bool
}

// State projects the job's boolean flags onto the external state
// string. Precedence matters: a failed job is "failed" even though it
// is also complete.
func (j *Job) State() string {
	switch {
	case j.Failed:
		return "failed"
	case j.Complete:
		return "completed"
	case j.Worker != nil:
		return "running"
	case j.Waiting:
		return "waiting"
	default:
		return "queued"
	}
}

// Task is one shell script within a job. Tasks run in seq order on the
// worker; seq is dense starting at 0.
type Task struct {
	Job      string
	Seq      int
	Name     string
	Script   string
	Env      map[string]string
	EnvClear bool
	UserID   *uint32
	GroupID  *uint32
	Workdir  *string
	Complete bool
	Failed   bool
}

func (t *Task) State() string {
	switch {
	case t.Failed:
		return "failed"
	case t.Complete:
		return "completed"
	default:
		return "pending"
	}
}

// OutputRule is a parsed output rule. When rendered back to the user
// the boolean directives become prefix sigils: '!' ignore, '%'
// size_change_ok, '=' require_match.
type OutputRule struct {
	Job          string
	Seq          int
	Rule         string
	Ignore       bool
	RequireMatch bool
	SizeChangeOK bool
}

// String reconstructs the sigil-prefixed form.
func (r *OutputRule) String() string {
	out := ""
	if r.Ignore {
		out += "!"
	}
	if r.SizeChangeOK {
		out += "%"
	}
	if r.RequireMatch {
		out += "="
	}
	return out + r.Rule
}

// JobEvent is one record in a job's append-only event log. Seq values
// are dense from 0 and strictly monotonic per job.
type JobEvent struct {
	Job        string
	Task       *uint32
	Seq        int
	Stream     string
	Time       time.Time
	TimeRemote *time.Time
	Payload    string
}

// JobOutput names a file produced by the job.
type JobOutput struct {
	Job  string
	Path string
	ID   string // file id
	Size int64
}

// JobFile is the underlying stored file for an input or output.
type JobFile struct {
	Job          string
	ID           string
	Size         int64
	TimeArchived *time.Time
}

// JobInput is a declared input. ID is nil until the upload commits.
// OtherJob is set when the input was copied from a dependency's output
// and the bytes belong to that prior job.
type JobInput struct {
	Job      string
	Name     string
	ID       *string
	OtherJob *string
}

// JobDepend requires a prior job to reach a permitted terminal state
// before this job may leave waiting.
type JobDepend struct {
	Job         string
	Name        string
	PriorJob    string
	CopyOutputs bool
	OnFailed    bool
	OnCompleted bool
	Satisfied   bool
}

// JobStoreValue is one entry in the per-job key/value scratch area.
type JobStoreValue struct {
	Job        string
	Name       string
	Value      string
	Secret     bool
	TimeUpdate time.Time
	Source     string
}

// PublishedFile exposes a job output under a stable public name.
type PublishedFile struct {
	Owner   string
	Series  string
	Version string
	Name    string
	Job     string
	File    string
}

// Worker is a remote agent that executes at most one job at a time.
// The bootstrap secret is single-use; successful bootstrap mints the
// long-lived token.
type Worker struct {
	ID         string
	Factory    string
	Target     string
	InstanceID *string
	Deleted    bool
	Recycle    bool
	Lastping   *time.Time
	bootstrapped bool
}

// Bootstrapped reports whether the worker has consumed its bootstrap
// secret and holds a token.
func (w *Worker) Bootstrapped() bool {
	return w.bootstrapped
}

// WorkerEvent buffers factory-side provisioning output until the
// worker's job is known.
type WorkerEvent struct {
	Worker  string
	Seq     int
	Stream  string
	Time    time.Time
	Payload string
}

// Factory provisions workers in response to leased jobs.
type Factory struct {
	ID       string
	Name     string
	Lastping *time.Time
}

// CreateTask, CreateOutputRule, and CreateDepend carry validated
// submission data into JobCreate.
type CreateTask struct {
	Name     string
	Script   string
	Env      map[string]string
	EnvClear bool
	UserID   *uint32
	GroupID  *uint32
	Workdir  *string
}

type CreateOutputRule struct {
	Rule         string
	Ignore       bool
	RequireMatch bool
	SizeChangeOK bool
}

type CreateDepend struct {
	Name        string
	PriorJob    string
	CopyOutputs bool
	OnFailed    bool
	OnCompleted bool
}
