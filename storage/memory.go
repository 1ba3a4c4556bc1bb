package storage

import (
	"bytes"
	"context"
	"io"
	"sync"

	"github.com/google/uuid"
)

// MemStore is an in-memory BlobStore for tests.
type MemStore struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

// NewMemStore creates an empty in-memory blob store.
func NewMemStore() *MemStore {
	return &MemStore{blobs: make(map[string][]byte)}
}

// Put implements BlobStore.
func (s *MemStore) Put(ctx context.Context, r io.Reader, _ Metadata) (string, error) {
	if ctx.Err() != nil {
		return "", ctx.Err()
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	handle := uuid.NewString()
	s.mu.Lock()
	s.blobs[handle] = data
	s.mu.Unlock()
	return handle, nil
}

// Open implements BlobStore.
func (s *MemStore) Open(ctx context.Context, handle string) (io.ReadCloser, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	s.mu.RLock()
	data, ok := s.blobs[handle]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}
