// Package storage provides object storage for raw telemetry, feature outputs and
// model artifacts.
//
// Three backends share the ObjectStore interface: a local filesystem store with
// atomic writes for development, an S3 store, and a MinIO store for self-hosted
// deployments. Backend failures are reported as ErrIOUnavailable so callers can
// let the trigger redeliver; missing objects are reported as ErrNotFound.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
)

var (
	// ErrIOUnavailable marks a transient backend failure. Callers should retry.
	ErrIOUnavailable = errors.New("object storage unavailable")
	// ErrNotFound is returned when the requested object does not exist.
	ErrNotFound = errors.New("object not found")
)

// ObjectStore reads and writes whole objects addressed by bucket and key.
type ObjectStore interface {
	Open(ctx context.Context, bucket, key string) (io.ReadCloser, error)
	Put(ctx context.Context, bucket, key string, data []byte, contentType string) error
}

// ReadAll reads an entire object into memory.
func ReadAll(ctx context.Context, store ObjectStore, bucket, key string) ([]byte, error) {
	rc, err := store.Open(ctx, bucket, key)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read %s/%s: %v", ErrIOUnavailable, bucket, key, err)
	}
	return data, nil
}
