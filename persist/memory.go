package persist

import (
	"context"
	"sort"
	"sync"
)

type recordKey struct {
	streamID string
	sequence uint64
	kind     Kind
}

// NewMemoryStore returns a Store backed by an in-memory map.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[recordKey]Record)}
}

// MemoryStore implements Store for tests and ephemeral sessions.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[recordKey]Record
}

// Put inserts or replaces the record identified by its composite key.
func (s *MemoryStore) Put(_ context.Context, rec Record) error {
	s.mu.Lock()
	s.records[recordKey{rec.StreamID, rec.Sequence, rec.Kind}] = rec
	s.mu.Unlock()
	return nil
}

// List returns every stored record ordered by stream, kind, and ascending sequence.
func (s *MemoryStore) List(_ context.Context) ([]Record, error) {
	s.mu.RLock()
	records := make([]Record, 0, len(s.records))
	for _, rec := range s.records {
		records = append(records, rec)
	}
	s.mu.RUnlock()

	sort.Slice(records, func(i, j int) bool {
		a, b := records[i], records[j]
		if a.StreamID != b.StreamID {
			return a.StreamID < b.StreamID
		}
		if a.Kind != b.Kind {
			return a.Kind < b.Kind
		}
		return a.Sequence < b.Sequence
	})
	return records, nil
}

// DeleteStream removes all records belonging to the stream.
func (s *MemoryStore) DeleteStream(_ context.Context, streamID string) error {
	s.mu.Lock()
	for key := range s.records {
		if key.streamID == streamID {
			delete(s.records, key)
		}
	}
	s.mu.Unlock()
	return nil
}

// Close is a no-op for the in-memory store.
func (s *MemoryStore) Close() error { return nil }

// Get returns the stored record and whether it exists. Useful for tests.
func (s *MemoryStore) Get(streamID string, sequence uint64, kind Kind) (Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[recordKey{streamID, sequence, kind}]
	return rec, ok
}
