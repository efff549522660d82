package store

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory Store used for tests and the "memory" driver.
// A single mutex serializes all record access, which trivially satisfies the
// per-key atomicity requirement.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]LicenseRecord
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]LicenseRecord)}
}

// Get returns the record for key, or ErrNotFound.
func (s *MemoryStore) Get(ctx context.Context, key string) (*LicenseRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[key]
	if !ok {
		return nil, ErrNotFound
	}
	out := rec
	return &out, nil
}

// Update applies mutate to the record for key under the store lock.
func (s *MemoryStore) Update(ctx context.Context, key string, mutate func(*LicenseRecord) error) (*LicenseRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[key]
	if !ok {
		return nil, ErrNotFound
	}

	working := rec
	if err := mutate(&working); err != nil {
		return nil, err
	}

	s.records[key] = working
	out := working
	return &out, nil
}

// Put inserts or replaces a record.
func (s *MemoryStore) Put(ctx context.Context, rec *LicenseRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.records[rec.Key] = *rec
	return nil
}

// Restore resets a record to ACTIVE with a cleared tamper counter.
func (s *MemoryStore) Restore(ctx context.Context, key string) (*LicenseRecord, error) {
	return s.Update(ctx, key, func(rec *LicenseRecord) error {
		rec.Status = StatusActive
		rec.TamperCount = 0
		rec.LastHeartbeatToken = ""
		return nil
	})
}

// Close is a no-op for the in-memory store.
func (s *MemoryStore) Close() error {
	return nil
}
