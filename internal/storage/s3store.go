package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/rosterline/platform/internal/domain"
)

// S3Config holds connection and timeout settings for S3 storage.
type S3Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool

	// MetadataTimeout is the context timeout for metadata operations
	// (list, head, delete). Defaults to 10s if zero.
	MetadataTimeout time.Duration

	// DataTimeout is the context timeout for data-transfer operations
	// (get, put). Defaults to 60s if zero.
	DataTimeout time.Duration
}

// S3Store implements ObjectStore using MinIO / S3-compatible storage.
type S3Store struct {
	client          *minio.Client
	bucket          string
	metadataTimeout time.Duration
	dataTimeout     time.Duration
}

var (
	_ ObjectStore = (*S3Store)(nil)
	_ Swapper     = (*S3Store)(nil)
)

// NewS3Store creates an S3Store connected to the given endpoint.
// It auto-creates the bucket if it doesn't exist.
func NewS3Store(ctx context.Context, cfg S3Config) (*S3Store, error) {
	metadataTimeout := cfg.MetadataTimeout
	if metadataTimeout == 0 {
		metadataTimeout = DefaultMetadataTimeout
	}
	dataTimeout := cfg.DataTimeout
	if dataTimeout == 0 {
		dataTimeout = DefaultDataTimeout
	}

	// Custom transport with explicit dial and TLS timeouts.
	// ResponseHeaderTimeout bounds the wait for the server to start replying,
	// not the full download.
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   5 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   5 * time.Second,
		ResponseHeaderTimeout: metadataTimeout,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   100,
		IdleConnTimeout:       90 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:     credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure:    cfg.UseSSL,
		Transport: transport,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}

	s := &S3Store{
		client:          client,
		bucket:          cfg.Bucket,
		metadataTimeout: metadataTimeout,
		dataTimeout:     dataTimeout,
	}

	if err := s.ensureBucket(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *S3Store) withMetadataTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.metadataTimeout)
}

func (s *S3Store) withDataTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.dataTimeout)
}

// ensureBucket creates the bucket if it doesn't already exist.
func (s *S3Store) ensureBucket(ctx context.Context) error {
	ctx, cancel := s.withMetadataTimeout(ctx)
	defer cancel()

	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", s.bucket, err)
	}
	if !exists {
		if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{}); err != nil {
			return fmt.Errorf("create bucket %s: %w", s.bucket, err)
		}
	}
	return nil
}

// classify maps a minio error to a domain error kind. Timeouts and throttling
// are transient; auth and bucket errors are permanent; everything else is
// transient by default so the retry loop gets a chance.
func classify(op, key string, err error) error {
	if err == nil {
		return nil
	}
	wrapped := fmt.Errorf("%s %s: %w", op, key, err)

	resp := minio.ToErrorResponse(err)
	switch resp.Code {
	case "NoSuchKey", "NoSuchVersion", "NotFound":
		return domain.E(domain.KindNotFound, wrapped)
	case "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch", "NoSuchBucket":
		return domain.E(domain.KindPermanent, wrapped)
	case "PreconditionFailed":
		return domain.E(domain.KindConflict, wrapped)
	case "SlowDown", "RequestTimeout", "InternalError", "ServiceUnavailable":
		return domain.E(domain.KindTransient, wrapped)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return domain.E(domain.KindTransient, wrapped)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return domain.E(domain.KindTransient, wrapped)
	}
	return domain.E(domain.KindTransient, wrapped)
}

// Put creates or overwrites an object. Overwrites are last-writer-wins.
func (s *S3Store) Put(ctx context.Context, key string, data []byte, contentType string) error {
	return withRetry(ctx, func() error {
		opCtx, cancel := s.withDataTimeout(ctx)
		defer cancel()

		if contentType == "" {
			contentType = "application/octet-stream"
		}
		_, err := s.client.PutObject(opCtx, s.bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
			ContentType: contentType,
		})
		return classify("put", key, err)
	})
}

// Get reads a single object's content. Missing keys return a NotFound error.
func (s *S3Store) Get(ctx context.Context, key string) ([]byte, error) {
	var data []byte
	err := withRetry(ctx, func() error {
		opCtx, cancel := s.withDataTimeout(ctx)
		defer cancel()

		obj, err := s.client.GetObject(opCtx, s.bucket, key, minio.GetObjectOptions{})
		if err != nil {
			return classify("get", key, err)
		}
		defer obj.Close()

		data, err = io.ReadAll(obj)
		if err != nil {
			return classify("read", key, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return data, nil
}

// getWithETag reads an object's content together with the etag of the
// version read, taken from the same GET response so the pair is consistent.
func (s *S3Store) getWithETag(ctx context.Context, key string) ([]byte, string, error) {
	var (
		data []byte
		etag string
	)
	err := withRetry(ctx, func() error {
		opCtx, cancel := s.withDataTimeout(ctx)
		defer cancel()

		obj, err := s.client.GetObject(opCtx, s.bucket, key, minio.GetObjectOptions{})
		if err != nil {
			return classify("get", key, err)
		}
		defer obj.Close()

		data, err = io.ReadAll(obj)
		if err != nil {
			return classify("read", key, err)
		}
		stat, err := obj.Stat()
		if err != nil {
			return classify("stat", key, err)
		}
		etag = stat.ETag
		return nil
	})
	if err != nil {
		return nil, "", err
	}
	return data, etag, nil
}

// Swap implements Swapper with S3 conditional writes. Creates PUT with
// If-None-Match: *; replaces read the current content, compare it against
// expected, and PUT with If-Match on the etag observed at read time. A
// writer that lands between the read and the put fails the precondition
// (412) instead of going unnoticed — even when it wrote identical bytes,
// since the etag still changed.
func (s *S3Store) Swap(ctx context.Context, key string, expected, next []byte, contentType string) error {
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	opts := minio.PutObjectOptions{ContentType: contentType}
	if expected == nil {
		opts.SetMatchETagExcept("*")
	} else {
		current, etag, err := s.getWithETag(ctx, key)
		if domain.IsNotFound(err) {
			return domain.Errorf(domain.KindConflict, "cas %s: document vanished", key)
		}
		if err != nil {
			return err
		}
		if !bytes.Equal(current, expected) {
			return domain.Errorf(domain.KindConflict, "cas %s: document changed", key)
		}
		opts.SetMatchETag(etag)
	}

	return withRetry(ctx, func() error {
		opCtx, cancel := s.withDataTimeout(ctx)
		defer cancel()

		_, err := s.client.PutObject(opCtx, s.bucket, key, bytes.NewReader(next), int64(len(next)), opts)
		if minio.ToErrorResponse(err).Code == "PreconditionFailed" {
			if expected == nil {
				return domain.Errorf(domain.KindConflict, "cas %s: document already exists", key)
			}
			return domain.Errorf(domain.KindConflict, "cas %s: lost write race", key)
		}
		return classify("swap", key, err)
	})
}

// Head returns object metadata without reading the content.
func (s *S3Store) Head(ctx context.Context, key string) (*ObjectInfo, error) {
	var info *ObjectInfo
	err := withRetry(ctx, func() error {
		opCtx, cancel := s.withMetadataTimeout(ctx)
		defer cancel()

		stat, err := s.client.StatObject(opCtx, s.bucket, key, minio.StatObjectOptions{})
		if err != nil {
			return classify("head", key, err)
		}
		info = &ObjectInfo{
			Key:         stat.Key,
			Size:        stat.Size,
			Modified:    stat.LastModified,
			ContentType: stat.ContentType,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return info, nil
}

// List enumerates objects under prefix. With a non-empty delimiter, keys are
// grouped S3-style: the portion after the prefix up to the first delimiter
// becomes a common prefix instead of an object entry.
func (s *S3Store) List(ctx context.Context, prefix, delimiter string) (*Listing, error) {
	var listing *Listing
	err := withRetry(ctx, func() error {
		opCtx, cancel := s.withMetadataTimeout(ctx)
		defer cancel()

		opts := minio.ListObjectsOptions{
			Prefix:    prefix,
			Recursive: delimiter == "",
		}

		l := &Listing{Objects: make([]ObjectInfo, 0)}
		for obj := range s.client.ListObjects(opCtx, s.bucket, opts) {
			if obj.Err != nil {
				return classify("list", prefix, obj.Err)
			}
			// Non-recursive listings report folders as zero-size entries
			// whose key ends with the delimiter.
			if delimiter != "" && len(obj.Key) > 0 && obj.Key[len(obj.Key)-1] == '/' {
				l.CommonPrefixes = append(l.CommonPrefixes, obj.Key)
				continue
			}
			l.Objects = append(l.Objects, ObjectInfo{
				Key:         obj.Key,
				Size:        obj.Size,
				Modified:    obj.LastModified,
				ContentType: obj.ContentType,
			})
		}
		listing = l
		return nil
	})
	if err != nil {
		return nil, err
	}
	return listing, nil
}

// Delete removes an object. S3 delete is idempotent — deleting a
// non-existent object is not an error.
func (s *S3Store) Delete(ctx context.Context, key string) error {
	return withRetry(ctx, func() error {
		opCtx, cancel := s.withMetadataTimeout(ctx)
		defer cancel()

		if err := s.client.RemoveObject(opCtx, s.bucket, key, minio.RemoveObjectOptions{}); err != nil {
			return classify("delete", key, err)
		}
		return nil
	})
}

// DeletePrefix removes every object under prefix. Idempotent: an empty
// prefix listing is a successful no-op.
func (s *S3Store) DeletePrefix(ctx context.Context, prefix string) error {
	listing, err := s.List(ctx, prefix, "")
	if err != nil {
		return err
	}
	for _, obj := range listing.Objects {
		if err := s.Delete(ctx, obj.Key); err != nil && !domain.IsNotFound(err) {
			return err
		}
	}
	return nil
}

// HealthChecker verifies S3 connectivity by checking that the configured
// bucket exists and is reachable.
type HealthChecker struct {
	store *S3Store
}

// NewHealthChecker creates an S3 health checker for the given store.
func NewHealthChecker(store *S3Store) *HealthChecker {
	return &HealthChecker{store: store}
}

// HealthCheck implements the api readiness contract.
func (h *HealthChecker) HealthCheck(ctx context.Context) error {
	exists, err := h.store.client.BucketExists(ctx, h.store.bucket)
	if err != nil {
		return fmt.Errorf("s3 bucket check: %w", err)
	}
	if !exists {
		return fmt.Errorf("s3 bucket %q does not exist", h.store.bucket)
	}
	return nil
}
