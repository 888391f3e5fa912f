package testutils

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"sync"
)

// MemoryArchive is an in-process stand-in for the S3 archive store. It
// satisfies the Archiver interface retention consumes and keeps objects in
// memory, with per-key error injection for failure-path tests.
type MemoryArchive struct {
	mu      sync.RWMutex
	objects map[string][]byte
	errors  map[string]error // key -> error to simulate failures
}

// NewMemoryArchive creates an empty archive mock.
func NewMemoryArchive() *MemoryArchive {
	return &MemoryArchive{
		objects: make(map[string][]byte),
		errors:  make(map[string]error),
	}
}

// Archive stores a raw message under account/fingerprint. Like the real
// store, re-archiving an existing key is a no-op.
func (m *MemoryArchive) Archive(ctx context.Context, account, fingerprint string, size int64, body io.Reader) (string, error) {
	key := account + "/" + fingerprint

	m.mu.RLock()
	injected, hasError := m.errors[key]
	_, exists := m.objects[key]
	m.mu.RUnlock()

	if hasError {
		return "", injected
	}
	if exists {
		return key, nil
	}

	data, err := io.ReadAll(body)
	if err != nil {
		return "", fmt.Errorf("failed to read body: %w", err)
	}
	if size >= 0 && int64(len(data)) != size {
		return "", fmt.Errorf("size mismatch: expected %d, read %d", size, len(data))
	}

	m.mu.Lock()
	m.objects[key] = data
	m.mu.Unlock()
	return key, nil
}

// Get retrieves a stored object.
func (m *MemoryArchive) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	m.mu.RLock()
	injected, hasError := m.errors[key]
	data, exists := m.objects[key]
	m.mu.RUnlock()

	if hasError {
		return nil, injected
	}
	if !exists {
		return nil, fmt.Errorf("object not found: %s", key)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

// Exists reports whether a key is stored.
func (m *MemoryArchive) Exists(ctx context.Context, key string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if err, ok := m.errors[key]; ok {
		return false, err
	}
	_, exists := m.objects[key]
	return exists, nil
}

// SetError makes operations on key fail with err.
func (m *MemoryArchive) SetError(key string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errors[key] = err
}

// ClearError removes any injected error for key.
func (m *MemoryArchive) ClearError(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.errors, key)
}

// StoredKeys returns all stored keys, sorted.
func (m *MemoryArchive) StoredKeys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	keys := make([]string, 0, len(m.objects))
	for key := range m.objects {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// StoredData returns the bytes stored under key.
func (m *MemoryArchive) StoredData(key string) ([]byte, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	data, ok := m.objects[key]
	return data, ok
}

// ObjectCount returns the number of stored objects.
func (m *MemoryArchive) ObjectCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.objects)
}

// Clear removes all stored objects and injected errors.
func (m *MemoryArchive) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects = make(map[string][]byte)
	m.errors = make(map[string]error)
}
