// Package storage defines the blob store used to archive finished operation
// reports. Implementations live in the local, gcs and memory sub-packages.
package storage

import (
	"context"
	"io"
)

// BlobStore writes a single object and returns a URI describing where it lives.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// NoOpStore discards every object. It is used when archiving is disabled.
type NoOpStore struct{}

// PutObject drains nothing and returns an empty URI.
func (NoOpStore) PutObject(context.Context, string, string, io.Reader) (string, error) {
	return "", nil
}
