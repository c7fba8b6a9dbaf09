package idempotency

import (
	"context"
	"sync"
	"time"
)

type MemoryStore struct {
	mu      sync.RWMutex
	records map[recordKey]Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[recordKey]Record)}
}

func (s *MemoryStore) Get(_ context.Context, key, operation string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[recordKey{key: key, operation: operation}]
	if !ok {
		return nil, nil
	}
	rec.Outcome.Body = append([]byte(nil), rec.Outcome.Body...)
	return &rec, nil
}

func (s *MemoryStore) Put(_ context.Context, rec Record) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rk := recordKey{key: rec.Key, operation: rec.Operation}
	if existing, ok := s.records[rk]; ok {
		return existing, nil
	}
	rec.Outcome.Body = append([]byte(nil), rec.Outcome.Body...)
	rec.Outcome.Replayed = false
	s.records[rk] = rec
	return rec, nil
}

func (s *MemoryStore) DeleteBefore(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for k, rec := range s.records {
		if rec.CreatedAt.Before(cutoff) {
			delete(s.records, k)
			n++
		}
	}
	return n, nil
}
