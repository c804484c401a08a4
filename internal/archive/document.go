// Package archive migrates completed jobs to cold storage and serves
// them back. A job's entire read model is serialized into a versioned
// JSON document uploaded to the blob store and cached locally; reads
// for archived jobs dispatch here instead of the database.
package archive

import (
	"fmt"
	"time"

	"buildomat/internal/storage"
)

// DocVersion is bumped when the document shape changes; it is part of
// the blob key so old and new documents never collide.
const DocVersion = "1"

// Key builders. The install prefix isolates multiple deployments
// sharing one bucket.

func FileKey(prefix, job, file string) string {
	return fmt.Sprintf("%s/output/%s/%s", prefix, job, file)
}

func JobKey(prefix, job string) string {
	return fmt.Sprintf("%s/job/%s/%s.json", prefix, DocVersion, job)
}

// ArchivedJob is the cold-storage representation of one completed job.
type ArchivedJob struct {
	Version string `json:"v"`

	ID        string `json:"id"`
	Owner     string `json:"owner"`
	Name      string `json:"name"`
	Target    string `json:"target"`
	TargetID  string `json:"target_id"`
	Complete  bool   `json:"complete"`
	Failed    bool   `json:"failed"`
	Cancelled bool   `json:"cancelled"`

	Tasks       []ArchivedTask       `json:"tasks"`
	OutputRules []ArchivedOutputRule `json:"output_rules"`
	Outputs     []ArchivedOutput     `json:"outputs"`
	Inputs      []ArchivedInput      `json:"inputs"`
	Tags        map[string]string    `json:"tags"`
	Times       map[string]time.Time `json:"times"`
	Events      []ArchivedEvent      `json:"events"`
	Store       []ArchivedStoreValue `json:"store"`
}

type ArchivedTask struct {
	Seq      int               `json:"seq"`
	Name     string            `json:"name"`
	Script   string            `json:"script"`
	Env      map[string]string `json:"env"`
	EnvClear bool              `json:"env_clear"`
	UserID   *uint32           `json:"user_id"`
	GroupID  *uint32           `json:"group_id"`
	Workdir  *string           `json:"workdir"`
	Complete bool              `json:"complete"`
	Failed   bool              `json:"failed"`
}

type ArchivedOutputRule struct {
	Seq          int    `json:"seq"`
	Rule         string `json:"rule"`
	Ignore       bool   `json:"ignore"`
	RequireMatch bool   `json:"require_match"`
	SizeChangeOK bool   `json:"size_change_ok"`
}

type ArchivedOutput struct {
	Path string `json:"path"`
	ID   string `json:"id"`
	Size int64  `json:"size"`
}

type ArchivedInput struct {
	Name     string  `json:"name"`
	ID       *string `json:"id"`
	OtherJob *string `json:"other_job"`
}

type ArchivedEvent struct {
	Seq        int        `json:"seq"`
	Task       *uint32    `json:"task"`
	Stream     string     `json:"stream"`
	Time       time.Time  `json:"time"`
	TimeRemote *time.Time `json:"time_remote"`
	Payload    string     `json:"payload"`
}

type ArchivedStoreValue struct {
	Name       string    `json:"name"`
	Value      string    `json:"value"`
	Secret     bool      `json:"secret"`
	TimeUpdate time.Time `json:"time_update"`
	Source     string    `json:"source"`
}

// Valid guards reads against truncated or foreign documents; an
// invalid cached file is deleted and re-fetched rather than served.
func (a *ArchivedJob) Valid() bool {
	return a != nil && a.Version == DocVersion && a.ID != ""
}

// JobEvents converts back to the live representation so read endpoints
// can serve archived and unarchived jobs identically.
func (a *ArchivedJob) JobEvents(minseq int) []*storage.JobEvent {
	var out []*storage.JobEvent
	for _, e := range a.Events {
		if e.Seq < minseq {
			continue
		}
		out = append(out, &storage.JobEvent{
			Job:        a.ID,
			Seq:        e.Seq,
			Task:       e.Task,
			Stream:     e.Stream,
			Time:       e.Time,
			TimeRemote: e.TimeRemote,
			Payload:    e.Payload,
		})
	}
	return out
}

func (a *ArchivedJob) JobOutputs() []*storage.JobOutput {
	var out []*storage.JobOutput
	for _, o := range a.Outputs {
		out = append(out, &storage.JobOutput{
			Job:  a.ID,
			Path: o.Path,
			ID:   o.ID,
			Size: o.Size,
		})
	}
	return out
}

func (a *ArchivedJob) JobOutput(fileID string) (*storage.JobOutput, error) {
	for _, o := range a.Outputs {
		if o.ID == fileID {
			return &storage.JobOutput{
				Job: a.ID, Path: o.Path, ID: o.ID, Size: o.Size,
			}, nil
		}
	}
	return nil, storage.ErrNotFound
}

func (a *ArchivedJob) JobTasks() []*storage.Task {
	var out []*storage.Task
	for _, t := range a.Tasks {
		out = append(out, &storage.Task{
			Job:      a.ID,
			Seq:      t.Seq,
			Name:     t.Name,
			Script:   t.Script,
			Env:      t.Env,
			EnvClear: t.EnvClear,
			UserID:   t.UserID,
			GroupID:  t.GroupID,
			Workdir:  t.Workdir,
			Complete: t.Complete,
			Failed:   t.Failed,
		})
	}
	return out
}

func (a *ArchivedJob) JobOutputRules() []*storage.OutputRule {
	var out []*storage.OutputRule
	for _, r := range a.OutputRules {
		out = append(out, &storage.OutputRule{
			Job:          a.ID,
			Seq:          r.Seq,
			Rule:         r.Rule,
			Ignore:       r.Ignore,
			RequireMatch: r.RequireMatch,
			SizeChangeOK: r.SizeChangeOK,
		})
	}
	return out
}

func (a *ArchivedJob) JobStore() map[string]*storage.JobStoreValue {
	out := map[string]*storage.JobStoreValue{}
	for _, v := range a.Store {
		out[v.Name] = &storage.JobStoreValue{
			Job:        a.ID,
			Name:       v.Name,
			Value:      v.Value,
			Secret:     v.Secret,
			TimeUpdate: v.TimeUpdate,
			Source:     v.Source,
		}
	}
	return out
}

// Snapshot serializes the live read model of a completed job.
func Snapshot(st *storage.Store, j *storage.Job) (*ArchivedJob, error) {
	a := &ArchivedJob{
		Version:   DocVersion,
		ID:        j.ID,
		Owner:     j.Owner,
		Name:      j.Name,
		Target:    j.Target,
		TargetID:  j.TargetID,
		Complete:  j.Complete,
		Failed:    j.Failed,
		Cancelled: j.Cancelled,
	}

	tasks, err := st.JobTasks(j.ID)
	if err != nil {
		return nil, err
	}
	for _, t := range tasks {
		a.Tasks = append(a.Tasks, ArchivedTask{
			Seq:      t.Seq,
			Name:     t.Name,
			Script:   t.Script,
			Env:      t.Env,
			EnvClear: t.EnvClear,
			UserID:   t.UserID,
			GroupID:  t.GroupID,
			Workdir:  t.Workdir,
			Complete: t.Complete,
			Failed:   t.Failed,
		})
	}

	rules, err := st.JobOutputRules(j.ID)
	if err != nil {
		return nil, err
	}
	for _, r := range rules {
		a.OutputRules = append(a.OutputRules, ArchivedOutputRule{
			Seq:          r.Seq,
			Rule:         r.Rule,
			Ignore:       r.Ignore,
			RequireMatch: r.RequireMatch,
			SizeChangeOK: r.SizeChangeOK,
		})
	}

	outputs, err := st.JobOutputs(j.ID)
	if err != nil {
		return nil, err
	}
	for _, o := range outputs {
		a.Outputs = append(a.Outputs, ArchivedOutput{
			Path: o.Path, ID: o.ID, Size: o.Size,
		})
	}

	inputs, err := st.JobInputs(j.ID)
	if err != nil {
		return nil, err
	}
	for _, in := range inputs {
		a.Inputs = append(a.Inputs, ArchivedInput{
			Name: in.Name, ID: in.ID, OtherJob: in.OtherJob,
		})
	}

	if a.Tags, err = st.JobTags(j.ID); err != nil {
		return nil, err
	}
	if a.Times, err = st.JobTimes(j.ID); err != nil {
		return nil, err
	}

	events, err := st.JobEvents(j.ID, 0)
	if err != nil {
		return nil, err
	}
	for _, e := range events {
		a.Events = append(a.Events, ArchivedEvent{
			Seq:        e.Seq,
			Task:       e.Task,
			Stream:     e.Stream,
			Time:       e.Time,
			TimeRemote: e.TimeRemote,
			Payload:    e.Payload,
		})
	}

	values, err := st.JobStore(j.ID)
	if err != nil {
		return nil, err
	}
	for _, v := range values {
		a.Store = append(a.Store, ArchivedStoreValue{
			Name:       v.Name,
			Value:      v.Value,
			Secret:     v.Secret,
			TimeUpdate: v.TimeUpdate,
			Source:     v.Source,
		})
	}

	return a, nil
}
