// Package storage provides the typed object store adapter backing the run
// registry, result catalog, and case store. The production implementation is
// S3-compatible (MinIO); MemStore serves development mode and tests.
package storage

import (
	"context"
	"math/rand"
	"time"

	"github.com/rosterline/platform/internal/domain"
)

// Default timeouts for store operations.
const (
	DefaultMetadataTimeout = 10 * time.Second // list, head, delete
	DefaultDataTimeout     = 60 * time.Second // get, put (data transfer)
)

// ObjectInfo holds metadata about a stored object.
type ObjectInfo struct {
	Key         string
	Size        int64
	Modified    time.Time
	ContentType string
}

// Listing is the result of a prefix enumeration. With a delimiter, keys
// below the first delimiter occurrence collapse into CommonPrefixes —
// the S3 notion of "folders".
type Listing struct {
	Objects        []ObjectInfo
	CommonPrefixes []string
}

// ObjectStore is the narrow contract every persistence consumer depends on.
// Implementations must be idempotent with respect to retries and classify
// failures with domain error kinds (NotFound, Transient, Permanent).
//
// Consistency contract: read-after-write holds for single keys; listings may
// be eventually consistent, so callers must not base correctness on them.
type ObjectStore interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
	Get(ctx context.Context, key string) ([]byte, error)
	Head(ctx context.Context, key string) (*ObjectInfo, error)
	List(ctx context.Context, prefix, delimiter string) (*Listing, error)
	Delete(ctx context.Context, key string) error
	DeletePrefix(ctx context.Context, prefix string) error
}

// Retry bounds for transient store errors.
const (
	maxRetryAttempts = 5
	baseBackoff      = 250 * time.Millisecond
	maxBackoff       = 8 * time.Second
)

// withRetry runs op, retrying on transient errors with capped exponential
// backoff and jitter. Non-transient errors surface immediately.
func withRetry(ctx context.Context, op func() error) error {
	var err error
	for attempt := 0; attempt < maxRetryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return domain.E(domain.KindTransient, ctx.Err())
			case <-time.After(backoffDelay(attempt)):
			}
		}
		err = op()
		if err == nil || !domain.IsTransient(err) {
			return err
		}
	}
	return err
}

// backoffDelay computes the jittered delay before the given attempt.
func backoffDelay(attempt int) time.Duration {
	d := baseBackoff << (attempt - 1)
	if d > maxBackoff {
		d = maxBackoff
	}
	// Full jitter: uniform in [d/2, d].
	return d/2 + time.Duration(rand.Int63n(int64(d/2)+1))
}
