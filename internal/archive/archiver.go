package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"buildomat/internal/blobstore"
	"buildomat/internal/files"
	"buildomat/internal/storage"
)

var (
	filesArchived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "buildomat_files_archived_total",
		Help: "Job files uploaded to the blob store.",
	})
	jobsArchived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "buildomat_jobs_archived_total",
		Help: "Jobs migrated to cold storage.",
	})
	archiveErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "buildomat_archive_errors_total",
		Help: "Failed archive attempts; each is retried on a later pass.",
	})
)

const (
	archiveTick  = 30 * time.Second
	archiveBatch = 50
)

// Archiver runs the two cold-storage loops and serves archived reads.
type Archiver struct {
	store   *storage.Store
	staging *files.Staging
	blob    blobstore.Store
	dataDir string
	prefix  string
	grace   time.Duration
	log     *slog.Logger

	mu        sync.Mutex
	requested map[string]bool // admin-requested early archival

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(store *storage.Store, staging *files.Staging, blob blobstore.Store,
	dataDir, prefix string, grace time.Duration, log *slog.Logger) *Archiver {

	if log == nil {
		log = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Archiver{
		store:     store,
		staging:   staging,
		blob:      blob,
		dataDir:   dataDir,
		prefix:    prefix,
		grace:     grace,
		log:       log,
		requested: make(map[string]bool),
		ctx:       ctx,
		cancel:    cancel,
	}
}

func (a *Archiver) Start() {
	a.wg.Add(2)
	go a.filesLoop()
	go a.jobsLoop()
}

func (a *Archiver) Stop() {
	a.cancel()
	a.wg.Wait()
}

// Request queues a job for archival ahead of the grace period.
func (a *Archiver) Request(job string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.requested[job] = true
}

func (a *Archiver) filesLoop() {
	defer a.wg.Done()
	ticker := time.NewTicker(archiveTick)
	defer ticker.Stop()
	for {
		select {
		case <-a.ctx.Done():
			return
		case <-ticker.C:
			a.archiveFiles()
		}
	}
}

// archiveFiles uploads committed files of completed jobs and unlinks
// the local copies. Each file is idempotent: the upload key is stable
// and a crash between upload and unlink just repeats the upload.
func (a *Archiver) archiveFiles() {
	fs, err := a.store.FilesToArchive(archiveBatch)
	if err != nil {
		a.log.Error("list files to archive", "error", err)
		return
	}
	for _, f := range fs {
		if a.ctx.Err() != nil {
			return
		}
		if err := a.archiveFile(f); err != nil {
			archiveErrors.Inc()
			a.log.Error("archive file", "job", f.Job, "file", f.ID, "error", err)
		}
	}
}

func (a *Archiver) archiveFile(f *storage.JobFile) error {
	path := a.staging.OutputPath(f.Job, f.ID)
	fh, err := os.Open(path)
	if os.IsNotExist(err) {
		// Already uploaded and unlinked; just record it.
		return a.store.JobFileMarkArchived(f.Job, f.ID, time.Now())
	}
	if err != nil {
		return err
	}
	defer fh.Close()

	key := FileKey(a.prefix, f.Job, f.ID)
	if err := a.blob.Put(a.ctx, key, fh, f.Size, "application/octet-stream"); err != nil {
		return err
	}
	if err := a.store.JobFileMarkArchived(f.Job, f.ID, time.Now()); err != nil {
		return err
	}
	if err := a.staging.DeleteOutput(f.Job, f.ID); err != nil {
		a.log.Warn("unlink archived file", "job", f.Job, "file", f.ID, "error", err)
	}

	filesArchived.Inc()
	a.log.Info("file archived", "job", f.Job, "file", f.ID,
		"size", humanize.IBytes(uint64(f.Size)))
	return nil
}

func (a *Archiver) jobsLoop() {
	defer a.wg.Done()
	ticker := time.NewTicker(archiveTick)
	defer ticker.Stop()
	for {
		select {
		case <-a.ctx.Done():
			return
		case <-ticker.C:
			a.archiveJobs()
		}
	}
}

func (a *Archiver) archiveJobs() {
	jobs, err := a.store.JobsToArchive(time.Now().Add(-a.grace), archiveBatch)
	if err != nil {
		a.log.Error("list jobs to archive", "error", err)
		return
	}

	// Requested jobs may also sit in the grace-period batch; process
	// each job at most once per pass.
	seen := make(map[string]bool, len(jobs))
	for _, j := range jobs {
		seen[j.ID] = true
	}

	a.mu.Lock()
	for id := range a.requested {
		delete(a.requested, id)
		if seen[id] {
			continue
		}
		j, err := a.store.JobGet(id)
		if err != nil || !j.Complete || j.Archived {
			continue
		}
		jobs = append(jobs, j)
	}
	a.mu.Unlock()

	for _, j := range jobs {
		if a.ctx.Err() != nil {
			return
		}
		if err := a.archiveJob(j); err != nil {
			archiveErrors.Inc()
			a.log.Error("archive job", "job", j.ID, "error", err)
		}
	}
}

// archiveJob serializes the full read model, uploads it, caches it
// locally, and purges the heavyweight database rows. Files must be
// uploaded first or the document would reference bytes that exist
// nowhere but local disk.
func (a *Archiver) archiveJob(j *storage.Job) error {
	// The caller's view may be stale. Archiving an already-archived job
	// would snapshot the purged event and store tables and overwrite
	// the document with an empty one.
	j, err := a.store.JobGet(j.ID)
	if err != nil {
		return err
	}
	if j.Archived {
		return nil
	}

	fs, err := a.store.JobFiles(j.ID)
	if err != nil {
		return err
	}
	for _, f := range fs {
		if f.TimeArchived == nil {
			// Files loop has not caught up; try again next pass.
			return nil
		}
	}

	doc, err := Snapshot(a.store, j)
	if err != nil {
		return err
	}
	buf, err := json.Marshal(doc)
	if err != nil {
		return err
	}

	key := JobKey(a.prefix, j.ID)
	if err := a.blob.Put(a.ctx, key, bytes.NewReader(buf),
		int64(len(buf)), "application/json"); err != nil {
		return err
	}
	if err := a.writeCache(j.ID, buf); err != nil {
		a.log.Warn("write archive cache", "job", j.ID, "error", err)
	}
	if err := a.store.JobMarkArchived(j.ID); err != nil {
		return err
	}
	a.staging.ForgetJob(j.ID)

	jobsArchived.Inc()
	a.log.Info("job archived", "job", j.ID,
		"doc_size", humanize.IBytes(uint64(len(buf))), "events", len(doc.Events))
	return nil
}

func (a *Archiver) cachePath(job string) string {
	return filepath.Join(a.dataDir, "archive", job+".json")
}

// writeCache persists via temp+rename so a crash can never leave a
// half-written document where Load would find it.
func (a *Archiver) writeCache(job string, buf []byte) error {
	p := a.cachePath(job)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return err
	}
	tmp := p + ".tmp"
	if err := os.WriteFile(tmp, buf, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, p)
}

// Load returns the archive document for a job, cache first. An
// unreadable or invalid cached copy is discarded and re-fetched from
// the blob store.
func (a *Archiver) Load(ctx context.Context, job string) (*ArchivedJob, error) {
	p := a.cachePath(job)
	if buf, err := os.ReadFile(p); err == nil {
		doc := &ArchivedJob{}
		if json.Unmarshal(buf, doc) == nil && doc.Valid() && doc.ID == job {
			return doc, nil
		}
		a.log.Warn("invalid archive cache; refetching", "job", job)
		os.Remove(p)
	}

	rc, err := a.blob.Get(ctx, JobKey(a.prefix, job))
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(rc); err != nil {
		return nil, err
	}
	doc := &ArchivedJob{}
	if err := json.Unmarshal(buf.Bytes(), doc); err != nil {
		return nil, err
	}
	if !doc.Valid() || doc.ID != job {
		return nil, storage.ErrNotFound
	}

	if err := a.writeCache(job, buf.Bytes()); err != nil {
		a.log.Warn("write archive cache", "job", job, "error", err)
	}
	return doc, nil
}
