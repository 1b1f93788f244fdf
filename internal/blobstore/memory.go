package blobstore

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store used by tests and local development. It
// mirrors the Move semantics of the MinIO store, including the tolerant
// already-moved case.
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

// NewMemory constructs an empty MemoryStore.
func NewMemory() *MemoryStore {
	return &MemoryStore{objects: make(map[string][]byte)}
}

// Put writes data under loc/name.
func (m *MemoryStore) Put(ctx context.Context, loc Location, name string, data []byte, contentType string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	m.objects[Key(loc, name)] = cp
	return nil
}

// Get reads loc/name in full.
func (m *MemoryStore) Get(ctx context.Context, loc Location, name string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.objects[Key(loc, name)]
	if !ok {
		return nil, fmt.Errorf("get %s: %w", Key(loc, name), ErrNotExist)
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	return cp, nil
}

// Exists reports whether loc/name is present.
func (m *MemoryStore) Exists(ctx context.Context, loc Location, name string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.objects[Key(loc, name)]
	return ok, nil
}

// Move relocates name from src to dst.
func (m *MemoryStore) Move(ctx context.Context, src, dst Location, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	srcKey, dstKey := Key(src, name), Key(dst, name)
	data, ok := m.objects[srcKey]
	if !ok {
		if _, done := m.objects[dstKey]; done {
			return nil
		}
		return fmt.Errorf("move %s -> %s: %w", srcKey, dstKey, ErrNotExist)
	}
	m.objects[dstKey] = data
	delete(m.objects, srcKey)
	return nil
}

// Presign returns a synthetic URL; there is nothing to sign in memory.
func (m *MemoryStore) Presign(ctx context.Context, loc Location, name string, expiry time.Duration) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.objects[Key(loc, name)]; !ok {
		return "", fmt.Errorf("presign %s: %w", Key(loc, name), ErrNotExist)
	}
	return "memory://" + Key(loc, name), nil
}

// Location reports where name currently lives, for test assertions. The bool
// is false when the object is in no location at all.
func (m *MemoryStore) Location(name string) (Location, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, loc := range []Location{Incoming, Processing, Importing, Completed, Rejected, Archive, Templates} {
		if _, ok := m.objects[Key(loc, name)]; ok {
			return loc, true
		}
	}
	return "", false
}
