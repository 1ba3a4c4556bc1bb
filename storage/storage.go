// Package storage abstracts the raw file storage collaborator. The
// workflow core holds opaque storage handles only; bytes live behind
// this interface.
package storage

import (
	"context"
	"errors"
	"io"
)

// ErrNotFound is returned when a storage handle does not resolve.
var ErrNotFound = errors.New("storage: handle not found")

// Metadata describes a stored blob.
type Metadata struct {
	Filename    string
	ContentType string
}

// BlobStore stores and retrieves document payloads. Implementations
// must generate opaque handles; callers never interpret them.
type BlobStore interface {
	// Put stores the blob and returns its handle.
	Put(ctx context.Context, r io.Reader, meta Metadata) (handle string, err error)

	// Open returns a reader for the blob. The caller closes it.
	Open(ctx context.Context, handle string) (io.ReadCloser, error)
}
