// Package server is the HTTP surface and coordination core of the
// control plane: authentication realms, the user/worker/factory/admin
// APIs, the assignment loop, factory leases, and the live event tail.
package server

import (
	"log/slog"
	"sync"
	"time"

	"buildomat/internal/archive"
	"buildomat/internal/blobstore"
	"buildomat/internal/config"
	"buildomat/internal/files"
	"buildomat/internal/storage"
)

// Lease grants a factory the exclusive right to provision a worker for
// one queued job. Leases are in-memory only; a restart drops them and
// the affected jobs simply queue again.
type Lease struct {
	Job     string
	Factory string
	Worker  *string // set once the factory allocates a worker
	Expires time.Time
}

const (
	maxLeaseTTL = 10 * time.Minute
	minLeaseTTL = 10 * time.Second
)

// Central owns the mutable in-memory state: the hold flag and the
// lease table. Everything else lives in storage and is synchronized by
// its transactions.
type Central struct {
	cfg     *config.Config
	log     *slog.Logger
	store   *storage.Store
	staging *files.Staging
	blob    blobstore.Store
	arch    *archive.Archiver

	mu     sync.Mutex
	hold   bool
	leases map[string]*Lease // keyed by job
}

func New(cfg *config.Config, store *storage.Store, staging *files.Staging,
	blob blobstore.Store, arch *archive.Archiver, log *slog.Logger) *Central {

	if log == nil {
		log = slog.Default()
	}
	return &Central{
		cfg:     cfg,
		log:     log,
		store:   store,
		staging: staging,
		blob:    blob,
		arch:    arch,
		hold:    cfg.Admin.Hold,
		leases:  make(map[string]*Lease),
	}
}

// Hold suspends new assignments; running jobs are unaffected.
func (c *Central) Hold(on bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hold = on
}

func (c *Central) held() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hold
}

func clampLeaseTTL(ttl time.Duration) time.Duration {
	if ttl < minLeaseTTL {
		return minLeaseTTL
	}
	if ttl > maxLeaseTTL {
		return maxLeaseTTL
	}
	return ttl
}

// leaseCreate grants a lease on a job if none is active. At most one
// lease per job at a time.
func (c *Central) leaseCreate(job, factory string, ttl time.Duration) *Lease {
	c.mu.Lock()
	defer c.mu.Unlock()
	if l, ok := c.leases[job]; ok && time.Now().Before(l.Expires) {
		return nil
	}
	l := &Lease{
		Job:     job,
		Factory: factory,
		Expires: time.Now().Add(clampLeaseTTL(ttl)),
	}
	c.leases[job] = l
	return l
}

// leaseRenew extends a live lease held by the same factory.
func (c *Central) leaseRenew(job, factory string, ttl time.Duration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.leases[job]
	if !ok || l.Factory != factory || time.Now().After(l.Expires) {
		return false
	}
	l.Expires = time.Now().Add(clampLeaseTTL(ttl))
	return true
}

func (c *Central) leaseForJob(job string) *Lease {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.leases[job]
	if !ok || time.Now().After(l.Expires) {
		return nil
	}
	return l
}

func (c *Central) leaseBindWorker(job, factory, worker string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.leases[job]
	if !ok || l.Factory != factory || time.Now().After(l.Expires) {
		return false
	}
	l.Worker = &worker
	return true
}

// leaseForWorker finds the lease bound to a worker, if any.
func (c *Central) leaseForWorker(worker string) *Lease {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, l := range c.leases {
		if l.Worker != nil && *l.Worker == worker &&
			time.Now().Before(l.Expires) {
			return l
		}
	}
	return nil
}

func (c *Central) leaseClear(job string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.leases, job)
}

func (c *Central) leasesExpire() {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	for job, l := range c.leases {
		if now.After(l.Expires) {
			delete(c.leases, job)
		}
	}
}
