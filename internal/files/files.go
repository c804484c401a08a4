// Package files is the local staging area between client uploads and
// either worker delivery or blob storage. Chunks are written under
// chunk/{job}/{chunk} and committed files assembled under
// output/{job}/{file}. Commits are idempotent by commit id and run on
// a small worker pool; callers poll for a three-valued progress.
package files

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"buildomat/internal/storage"
)

// ErrParams means a commit id was reused with different parameters.
var ErrParams = errors.New("commit parameters differ from original request")

// Commit describes one chunk-assembly request. For inputs Name is the
// declared input name; for outputs it is the path reported by the
// worker.
type Commit struct {
	Job          string
	CommitID     string
	Name         string
	Output       bool
	ExpectedSize int64
	Chunks       []string
}

func (c *Commit) same(o *Commit) bool {
	if c.Name != o.Name || c.Output != o.Output ||
		c.ExpectedSize != o.ExpectedSize || len(c.Chunks) != len(o.Chunks) {
		return false
	}
	for i := range c.Chunks {
		if c.Chunks[i] != o.Chunks[i] {
			return false
		}
	}
	return true
}

// Progress is what a poller sees: not yet complete, complete and ok,
// or complete with a terminal error message.
type Progress struct {
	Complete bool
	Error    *string
	FileID   string
}

type commitState struct {
	req      Commit
	fileID   string
	complete bool
	err      error
}

func (cs *commitState) progress() Progress {
	p := Progress{Complete: cs.complete, FileID: cs.fileID}
	if cs.complete && cs.err != nil {
		msg := cs.err.Error()
		p.Error = &msg
	}
	return p
}

// Staging owns the on-disk scratch area and the commit state machine.
type Staging struct {
	dataDir string
	store   *storage.Store
	log     *slog.Logger

	mu        sync.Mutex
	commits   map[string]*commitState // job + "/" + commit id
	inflight  map[string]int          // in-flight commits per job
	completed map[string]bool

	work   chan *commitState
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

const commitWorkers = 4

func New(dataDir string, store *storage.Store, log *slog.Logger) *Staging {
	if log == nil {
		log = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Staging{
		dataDir:   dataDir,
		store:     store,
		log:       log,
		commits:   make(map[string]*commitState),
		inflight:  make(map[string]int),
		completed: make(map[string]bool),
		work:      make(chan *commitState, 64),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start launches the assembly workers.
func (s *Staging) Start() {
	s.wg.Add(commitWorkers)
	for i := 0; i < commitWorkers; i++ {
		go s.worker()
	}
}

// Stop waits for in-flight assemblies to finish.
func (s *Staging) Stop() {
	s.cancel()
	close(s.work)
	s.wg.Wait()
}

func (s *Staging) chunkDir(job string) string {
	return filepath.Join(s.dataDir, "chunk", job)
}

func (s *Staging) chunkPath(job, chunk string) string {
	return filepath.Join(s.chunkDir(job), chunk)
}

// OutputPath is where a committed file lives until archival unlinks it.
func (s *Staging) OutputPath(job, fileID string) string {
	return filepath.Join(s.dataDir, "output", job, fileID)
}

// WriteChunk stores one raw upload chunk and returns its fresh id.
func (s *Staging) WriteChunk(job string, r io.Reader) (string, error) {
	id := storage.NewID()
	dir := s.chunkDir(job)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}

	f, err := os.OpenFile(s.chunkPath(job, id),
		os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return "", err
	}
	if err := f.Close(); err != nil {
		return "", err
	}
	return id, nil
}

// CommitFile begins (or reports on) assembly of staged chunks into one
// immutable file. Idempotent per commit id: repeating a request with
// identical parameters returns the current progress, while different
// parameters under the same id fail with ErrParams. The first call
// enqueues the work and reports pending.
func (s *Staging) CommitFile(req Commit) (Progress, error) {
	key := req.Job + "/" + req.CommitID

	s.mu.Lock()
	defer s.mu.Unlock()

	if cs, ok := s.commits[key]; ok {
		if !cs.req.same(&req) {
			return Progress{}, ErrParams
		}
		return cs.progress(), nil
	}

	if s.completed[req.Job] {
		return Progress{}, fmt.Errorf("job %s is already completed", req.Job)
	}

	cs := &commitState{req: req, fileID: storage.NewID()}
	s.commits[key] = cs
	s.inflight[req.Job]++

	select {
	case s.work <- cs:
	default:
		// Queue is saturated; run inline rather than dropping. Stop
		// must still wait for these.
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.process(cs)
		}()
	}
	return cs.progress(), nil
}

// CommitFileExists reports whether a commit id has been seen for the
// job.
func (s *Staging) CommitFileExists(job, commitID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.commits[job+"/"+commitID]
	return ok
}

// MarkJobCompleted declines while any commit for the job is still in
// flight; once it succeeds no further commits are accepted.
func (s *Staging) MarkJobCompleted(job string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n := s.inflight[job]; n > 0 {
		return fmt.Errorf("job %s has %d uploads in flight", job, n)
	}
	s.completed[job] = true
	return nil
}

// ForgetJob drops in-memory bookkeeping for a completed job. The
// on-disk artifacts remain for the cleanup loop.
func (s *Staging) ForgetJob(job string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prefix := job + "/"
	for k := range s.commits {
		if len(k) > len(prefix) && k[:len(prefix)] == prefix {
			delete(s.commits, k)
		}
	}
	delete(s.inflight, job)
	delete(s.completed, job)
}

// ChunkSize reports the size of a staged chunk.
func (s *Staging) ChunkSize(job, chunk string) (int64, error) {
	fi, err := os.Stat(s.chunkPath(job, chunk))
	if err != nil {
		return 0, err
	}
	return fi.Size(), nil
}

// DeleteChunks removes the staged chunk directory for a job.
func (s *Staging) DeleteChunks(job string) error {
	return os.RemoveAll(s.chunkDir(job))
}

// DeleteOutput unlinks one committed file, after archival.
func (s *Staging) DeleteOutput(job, fileID string) error {
	err := os.Remove(s.OutputPath(job, fileID))
	if err != nil && os.IsNotExist(err) {
		return nil
	}
	return err
}

func (s *Staging) worker() {
	defer s.wg.Done()
	for cs := range s.work {
		if s.ctx.Err() != nil {
			return
		}
		s.process(cs)
	}
}

func (s *Staging) process(cs *commitState) {
	err := s.assemble(cs)
	if err != nil {
		s.log.Error("commit failed", "job", cs.req.Job,
			"commit_id", cs.req.CommitID, "error", err)
	}

	s.mu.Lock()
	cs.complete = true
	cs.err = err
	s.inflight[cs.req.Job]--
	s.mu.Unlock()
}

// assemble concatenates the chunks in order, fsyncs the result, and
// records the file durably. The job-side transition (input complete,
// possibly leaving waiting) happens inside the storage transaction.
func (s *Staging) assemble(cs *commitState) error {
	req := &cs.req

	var total int64
	for _, c := range req.Chunks {
		fi, err := os.Stat(s.chunkPath(req.Job, c))
		if err != nil {
			return fmt.Errorf("chunk %s: %w", c, err)
		}
		total += fi.Size()
	}
	if total != req.ExpectedSize {
		return fmt.Errorf("chunks sum to %d bytes, expected %d",
			total, req.ExpectedSize)
	}

	out := s.OutputPath(req.Job, cs.fileID)
	if err := os.MkdirAll(filepath.Dir(out), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(out, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	for _, c := range req.Chunks {
		cf, err := os.Open(s.chunkPath(req.Job, c))
		if err != nil {
			f.Close()
			os.Remove(out)
			return err
		}
		_, err = io.Copy(f, cf)
		cf.Close()
		if err != nil {
			f.Close()
			os.Remove(out)
			return err
		}
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}

	if req.Output {
		err = s.store.JobOutputAdd(req.Job, req.Name, cs.fileID, total)
	} else {
		err = s.store.JobInputCommit(req.Job, req.Name, cs.fileID, total)
	}
	if err != nil {
		os.Remove(out)
		return err
	}
	return nil
}
