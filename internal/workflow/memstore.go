package workflow

import (
	"context"
	"sync"

	"github.com/pitabwire/qms/model"
)

// MemoryRecordStore is an in-memory RecordStore. Records are deep-copied on
// the way in and out so callers never share state with the store.
type MemoryRecordStore struct {
	mu          sync.RWMutex
	collections map[model.RecordType][]model.Record
}

// NewMemoryRecordStore creates a new in-memory record store.
func NewMemoryRecordStore() *MemoryRecordStore {
	return &MemoryRecordStore{
		collections: make(map[model.RecordType][]model.Record),
	}
}

// Load returns a copy of the collection of type t.
func (s *MemoryRecordStore) Load(_ context.Context, t model.RecordType) ([]model.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return cloneAll(s.collections[t]), nil
}

// SaveAll replaces the collection of type t.
func (s *MemoryRecordStore) SaveAll(_ context.Context, t model.RecordType, records []model.Record) error {
	if err := checkUnique(records); err != nil {
		return err
	}
	cp := cloneAll(records)

	s.mu.Lock()
	s.collections[t] = cp
	s.mu.Unlock()
	return nil
}

// Len returns the number of stored records of type t.
func (s *MemoryRecordStore) Len(t model.RecordType) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.collections[t])
}

func cloneAll(records []model.Record) []model.Record {
	out := make([]model.Record, len(records))
	for i, r := range records {
		out[i] = r.Clone()
	}
	return out
}
