package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// LocalStore is a filesystem-backed BlobStore. Handles are opaque
// UUIDs mapping to files under the root directory.
type LocalStore struct {
	root string
}

// NewLocalStore creates the root directory if needed.
func NewLocalStore(root string) (*LocalStore, error) {
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("create storage root: %w", err)
	}
	return &LocalStore{root: root}, nil
}

// Put implements BlobStore.
func (s *LocalStore) Put(ctx context.Context, r io.Reader, _ Metadata) (string, error) {
	if ctx.Err() != nil {
		return "", ctx.Err()
	}
	handle := uuid.NewString()
	path := filepath.Join(s.root, handle)

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o640)
	if err != nil {
		return "", fmt.Errorf("create blob: %w", err)
	}
	if _, err := io.Copy(f, r); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return "", fmt.Errorf("write blob: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("close blob: %w", err)
	}
	return handle, nil
}

// Open implements BlobStore.
func (s *LocalStore) Open(ctx context.Context, handle string) (io.ReadCloser, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	// Handles are UUIDs we issued; reject anything path-like.
	if handle != filepath.Base(handle) {
		return nil, ErrNotFound
	}
	f, err := os.Open(filepath.Join(s.root, handle))
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("open blob: %w", err)
	}
	return f, nil
}
