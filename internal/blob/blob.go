// Package blob stores uploaded document files.
//
// Two backends: the local filesystem for single-node deployments, and any
// S3-compatible service for cloud mode. Object keys are tenant-prefixed
// (`user_{user_id}/...`) so isolation holds even if a filter is forgotten
// upstream.
package blob

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"path/filepath"
	"time"

	"github.com/lorekeep/lorekeep/internal/config"
)

// Store is the blob backend contract.
type Store interface {
	// Put writes an object. size must match the reader's length.
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error

	// Get reads a whole object into memory. Documents are bounded by
	// MAX_FILE_SIZE, so whole-object reads are fine.
	Get(ctx context.Context, key string) ([]byte, error)

	// Delete removes an object. Deleting a missing object is not an error.
	Delete(ctx context.Context, key string) error

	// Exists reports whether the object is present.
	Exists(ctx context.Context, key string) (bool, error)

	// PresignPut returns a direct-upload URL when the backend supports
	// one, or "" when uploads must go through the gateway.
	PresignPut(ctx context.Context, key, contentType string, expiry time.Duration) (string, error)
}

// Open builds the configured blob store. Cloud mode talks to an
// S3-compatible bucket; credentials come from config or the SDK default
// chain. Local mode writes under the upload directory.
func Open(ctx context.Context, cfg *config.Config) (Store, error) {
	if cfg.Storage.Mode == config.ModeCloud {
		return NewS3(ctx, S3Config{
			Bucket:   cfg.Storage.S3Bucket,
			Region:   cfg.Storage.S3Region,
			Endpoint: cfg.Storage.S3Endpoint,
		})
	}
	return NewLocal(cfg.UploadDir())
}

// ObjectKey builds the tenant-scoped key for an upload:
// user_{user_id}/{unix_ts}_{md5(filename)[:8]}{ext}. Hashing the original
// name sidesteps every filename-encoding problem while keeping keys
// traceable in logs.
func ObjectKey(userID, filename string) string {
	return ObjectKeyAt(userID, filename, time.Now())
}

// ObjectKeyAt is ObjectKey with an explicit timestamp for tests.
func ObjectKeyAt(userID, filename string, at time.Time) string {
	sum := md5.Sum([]byte(filename))
	ext := filepath.Ext(filename)
	return fmt.Sprintf("user_%s/%d_%s%s", userID, at.Unix(), hex.EncodeToString(sum[:])[:8], ext)
}
