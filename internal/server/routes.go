package server

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Handler builds the route table. Paths are versioned by a leading
// /0/ or /1/; the /1/ input path is the chunked asynchronous variant.
func (c *Central) Handler() http.Handler {
	mux := http.NewServeMux()

	// User API.
	mux.HandleFunc("POST /0/jobs", c.handleJobSubmit)
	mux.HandleFunc("GET /0/jobs", c.handleJobsList)
	mux.HandleFunc("GET /0/job/{job}", c.handleJobGet)
	mux.HandleFunc("POST /0/jobs/{job}/chunk", c.handleJobChunk)
	mux.HandleFunc("POST /1/jobs/{job}/input", c.handleJobInput)
	mux.HandleFunc("POST /0/jobs/{job}/input", c.handleJobInputSync)
	mux.HandleFunc("GET /0/jobs/{job}/events", c.handleJobEvents)
	mux.HandleFunc("GET /0/jobs/{job}/events/ws", c.handleJobEventsWS)
	mux.HandleFunc("GET /0/jobs/{job}/outputs", c.handleJobOutputs)
	mux.HandleFunc("GET /0/jobs/{job}/outputs/{output}", c.handleJobOutputDownload)
	mux.HandleFunc("POST /0/jobs/{job}/outputs/{output}/sign", c.handleJobOutputSign)
	mux.HandleFunc("POST /0/jobs/{job}/outputs/{output}/publish", c.handleJobOutputPublish)
	mux.HandleFunc("POST /0/jobs/{job}/cancel", c.handleJobCancel)
	mux.HandleFunc("GET /0/jobs/{job}/store", c.handleJobStoreGet)
	mux.HandleFunc("PUT /0/jobs/{job}/store/{name}", c.handleJobStorePut)
	mux.HandleFunc("GET /0/whoami", c.handleWhoami)
	mux.HandleFunc("GET /0/quota", c.handleQuota)

	// Worker API.
	mux.HandleFunc("POST /0/worker/bootstrap", c.handleWorkerBootstrap)
	mux.HandleFunc("POST /0/worker/ping", c.handleWorkerPing)
	mux.HandleFunc("POST /0/worker/job/{job}/append", c.handleWorkerJobAppend)
	mux.HandleFunc("POST /0/worker/job/{job}/task/{task}/complete", c.handleWorkerTaskComplete)
	mux.HandleFunc("POST /0/worker/job/{job}/complete", c.handleWorkerJobComplete)
	mux.HandleFunc("POST /0/worker/job/{job}/chunk", c.handleWorkerJobChunk)
	mux.HandleFunc("POST /0/worker/job/{job}/output", c.handleWorkerJobOutput)
	mux.HandleFunc("GET /0/worker/job/{job}/inputs", c.handleWorkerJobInputs)
	mux.HandleFunc("GET /0/worker/job/{job}/input/{input}", c.handleWorkerJobInputDownload)
	mux.HandleFunc("PUT /0/worker/job/{job}/store/{name}", c.handleWorkerJobStorePut)
	mux.HandleFunc("GET /0/worker/job/{job}/store", c.handleWorkerJobStoreGet)

	// Factory API.
	mux.HandleFunc("POST /0/factory/lease", c.handleFactoryLease)
	mux.HandleFunc("POST /0/factory/lease/{job}/renew", c.handleFactoryLeaseRenew)
	mux.HandleFunc("POST /0/factory/worker", c.handleFactoryWorkerCreate)
	mux.HandleFunc("POST /0/factory/worker/{worker}/associate", c.handleFactoryWorkerAssociate)
	mux.HandleFunc("POST /0/factory/worker/{worker}/append", c.handleFactoryWorkerAppend)
	mux.HandleFunc("POST /0/factory/worker/{worker}/flush", c.handleFactoryWorkerFlush)
	mux.HandleFunc("POST /0/factory/worker/{worker}/destroy", c.handleFactoryWorkerDestroy)
	mux.HandleFunc("GET /0/factory/workers", c.handleFactoryWorkers)
	mux.HandleFunc("POST /0/factory/ping", c.handleFactoryPing)

	// Admin API.
	mux.HandleFunc("POST /0/control/hold", c.handleControlHold)
	mux.HandleFunc("POST /0/control/resume", c.handleControlResume)
	mux.HandleFunc("GET /0/users", c.handleUsersList)
	mux.HandleFunc("POST /0/users", c.handleUserCreate)
	mux.HandleFunc("PUT /0/users/{user}/privilege/{privilege}", c.handlePrivilegeGrant)
	mux.HandleFunc("DELETE /0/users/{user}/privilege/{privilege}", c.handlePrivilegeRevoke)
	mux.HandleFunc("GET /0/targets", c.handleTargetsList)
	mux.HandleFunc("POST /0/targets", c.handleTargetCreate)
	mux.HandleFunc("POST /0/targets/{target}/rename", c.handleTargetRename)
	mux.HandleFunc("POST /0/targets/{target}/redirect", c.handleTargetRedirect)
	mux.HandleFunc("POST /0/targets/{target}/require", c.handleTargetRequirePrivilege)
	mux.HandleFunc("POST /0/factories", c.handleFactoryCreate)
	mux.HandleFunc("GET /0/workers", c.handleWorkersList)
	mux.HandleFunc("POST /0/workers/{worker}/recycle", c.handleWorkerRecycle)
	mux.HandleFunc("GET /0/admin/jobs", c.handleAdminJobsList)
	mux.HandleFunc("POST /0/admin/jobs/{job}/archive", c.handleAdminJobArchive)

	// Unauthenticated.
	mux.HandleFunc("GET /0/public/file/{username}/{series}/{version}/{name}", c.handlePublicFile)
	mux.Handle("GET /metrics", promhttp.Handler())

	return mux
}

// Serve runs the HTTP server until ctx is cancelled, then drains.
func (c *Central) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              c.cfg.Bind,
		Handler:           c.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	c.log.Info("listening", "bind", c.cfg.Bind)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(),
		15*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
