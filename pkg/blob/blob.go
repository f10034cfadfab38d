package blob

import (
	"context"
	"errors"
	"io"
	"time"
)

// ErrNotFound is returned when the requested key does not exist.
var ErrNotFound = errors.New("blob: object not found")

// Store is the object storage surface the ingestion pipeline needs.
type Store interface {
	// Put uploads content under key. Size must be the exact content length;
	// S3 needs it up front for streaming uploads.
	Put(ctx context.Context, key string, content io.Reader, size int64, contentType string) error

	// Get retrieves the object. The caller closes the reader.
	Get(ctx context.Context, key string) (io.ReadCloser, error)

	// PresignGet returns a time-limited download URL for a private object.
	PresignGet(ctx context.Context, key string, ttl time.Duration) (string, error)

	// Exists reports whether the key is present.
	Exists(ctx context.Context, key string) (bool, error)

	// Delete removes the object. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// HealthCheck verifies the backend is reachable.
	HealthCheck(ctx context.Context) error
}
