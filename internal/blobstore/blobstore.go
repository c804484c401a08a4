// Package blobstore wraps the object store that holds archived job
// files and archive documents. Keys are built by callers as
// {prefix}/output/{job}/{file} and {prefix}/job/{version}/{job}.json.
package blobstore

import (
	"context"
	"errors"
	"io"
	"time"
)

// ErrNoSuchKey is returned by Get for a missing object.
var ErrNoSuchKey = errors.New("no such key")

// MaxPresignTTL caps signed URL lifetime.
const MaxPresignTTL = 3600 * time.Second

// PresignOptions override response headers on the signed URL.
type PresignOptions struct {
	TTL                time.Duration
	ContentType        string
	ContentDisposition string
}

// Store is the object store surface the control plane needs. S3Store
// is the production implementation; FSStore serves development and
// tests.
type Store interface {
	Put(ctx context.Context, key string, body io.Reader, size int64, contentType string) error
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Presign(ctx context.Context, key string, opts PresignOptions) (string, error)
}

func clampTTL(ttl time.Duration) time.Duration {
	if ttl <= 0 || ttl > MaxPresignTTL {
		return MaxPresignTTL
	}
	return ttl
}
