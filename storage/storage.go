// Package storage provides the S3-compatible archive store.
//
// Before a message is permanently deleted from a mailbox, its raw body can
// be copied to an S3 bucket so the second retention stage remains
// recoverable out-of-band. Objects are keyed by account and message
// fingerprint (a BLAKE3 hash of identity headers), which makes archival
// idempotent: re-archiving the same message is a no-op.
//
// The archive is append-only. Nothing in the service deletes archived
// objects; bucket lifecycle rules are the operator's concern.
package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/mailfold/mailfold/logger"
	"github.com/mailfold/mailfold/pkg/metrics"
)

// ArchiveStore wraps a minio client scoped to a single bucket.
type ArchiveStore struct {
	Client *minio.Client
	Bucket string
}

// New connects to an S3-compatible endpoint. It does not touch the bucket;
// call Verify to confirm the bucket exists before serving traffic.
func New(endpoint, accessKeyID, secretAccessKey, bucket string, useSSL, debug bool) (*ArchiveStore, error) {
	if endpoint == "" || bucket == "" {
		return nil, fmt.Errorf("storage: endpoint and bucket are required")
	}

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKeyID, secretAccessKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("storage: failed to create S3 client: %w", err)
	}

	if debug {
		client.TraceOn(os.Stdout)
	}

	return &ArchiveStore{Client: client, Bucket: bucket}, nil
}

// Verify checks that the configured bucket exists and is reachable.
func (s *ArchiveStore) Verify(ctx context.Context) error {
	exists, err := s.Client.BucketExists(ctx, s.Bucket)
	if err != nil {
		return fmt.Errorf("storage: failed to check bucket %q: %w", s.Bucket, err)
	}
	if !exists {
		return fmt.Errorf("storage: bucket %q does not exist", s.Bucket)
	}
	return nil
}

// Key builds the object key for a message. Fingerprints are hex-encoded
// hashes, so the key is safe without further escaping.
func Key(account, fingerprint string) string {
	return account + "/" + fingerprint
}

// Archive uploads a raw message unless an object with the same key is
// already present. It returns the object key in either case.
func (s *ArchiveStore) Archive(ctx context.Context, account, fingerprint string, size int64, body io.Reader) (string, error) {
	key := Key(account, fingerprint)

	exists, err := s.Exists(ctx, key)
	if err != nil {
		return "", err
	}
	if exists {
		// Content-hash keyed, so the stored bytes are the same message.
		logger.Debug("Storage: object already archived", "key", key)
		metrics.ArchiveOperations.WithLabelValues("put", "skipped").Inc()
		return key, nil
	}

	if err := s.Put(ctx, key, body, size); err != nil {
		return "", err
	}
	return key, nil
}

// Exists reports whether an object is present under key.
func (s *ArchiveStore) Exists(ctx context.Context, key string) (bool, error) {
	start := time.Now()
	_, err := s.Client.StatObject(ctx, s.Bucket, key, minio.StatObjectOptions{})
	elapsed := time.Since(start)

	if err != nil {
		if errResp, ok := err.(minio.ErrorResponse); ok && errResp.StatusCode == 404 {
			metrics.ArchiveOperations.WithLabelValues("stat", "success").Inc()
			return false, nil
		}
		metrics.ArchiveOperations.WithLabelValues("stat", "error").Inc()
		return false, fmt.Errorf("storage: failed to stat object %q: %w", key, err)
	}

	logger.Debug("Storage: stat object", "key", key, "elapsed", elapsed)
	metrics.ArchiveOperations.WithLabelValues("stat", "success").Inc()
	return true, nil
}

// Put uploads an object. Pass size -1 when the length is unknown; minio
// then falls back to multipart streaming.
func (s *ArchiveStore) Put(ctx context.Context, key string, body io.Reader, size int64) error {
	start := time.Now()
	_, err := s.Client.PutObject(ctx, s.Bucket, key, body, size, minio.PutObjectOptions{
		ContentType:    "message/rfc822",
		SendContentMd5: true,
	})
	if err != nil {
		metrics.ArchiveOperations.WithLabelValues("put", "error").Inc()
		return fmt.Errorf("storage: failed to upload object %q: %w", key, err)
	}

	logger.Info("Storage: archived object", "key", key, "size", size, "elapsed", time.Since(start))
	metrics.ArchiveOperations.WithLabelValues("put", "success").Inc()
	return nil
}

// Get streams an archived object. Callers own the returned reader.
func (s *ArchiveStore) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	object, err := s.Client.GetObject(ctx, s.Bucket, key, minio.GetObjectOptions{})
	if err != nil {
		metrics.ArchiveOperations.WithLabelValues("get", "error").Inc()
		return nil, fmt.Errorf("storage: failed to get object %q: %w", key, err)
	}

	// GetObject is lazy; confirm the object exists so callers get a
	// useful error instead of one on first Read.
	if _, err := object.Stat(); err != nil {
		if closeErr := object.Close(); closeErr != nil {
			logger.Warn("Storage: failed to close S3 object", "key", key, "error", closeErr)
		}
		metrics.ArchiveOperations.WithLabelValues("get", "error").Inc()
		return nil, fmt.Errorf("storage: failed to get object %q: %w", key, err)
	}

	metrics.ArchiveOperations.WithLabelValues("get", "success").Inc()
	return object, nil
}

// ArchiveObject describes one archived message in list results.
type ArchiveObject struct {
	Key          string
	Size         int64
	LastModified time.Time
	ETag         string
}

// List streams objects under prefix. Both channels close when the listing
// completes; an error on the error channel ends the stream.
func (s *ArchiveStore) List(ctx context.Context, prefix string) (<-chan ArchiveObject, <-chan error) {
	objectCh := make(chan ArchiveObject)
	errCh := make(chan error, 1)

	go func() {
		defer close(objectCh)
		defer close(errCh)

		opts := minio.ListObjectsOptions{
			Prefix:    prefix,
			Recursive: true,
		}

		for object := range s.Client.ListObjects(ctx, s.Bucket, opts) {
			if object.Err != nil {
				metrics.ArchiveOperations.WithLabelValues("list", "error").Inc()
				errCh <- object.Err
				return
			}

			select {
			case objectCh <- ArchiveObject{
				Key:          object.Key,
				Size:         object.Size,
				LastModified: object.LastModified,
				ETag:         object.ETag,
			}:
			case <-ctx.Done():
				errCh <- ctx.Err()
				return
			}
		}
		metrics.ArchiveOperations.WithLabelValues("list", "success").Inc()
	}()

	return objectCh, errCh
}
