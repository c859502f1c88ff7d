package stats

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// InMemoryStore is the default ledger when no database is configured.
type InMemoryStore struct {
	mu      sync.RWMutex
	records []Record
	byID    map[string]int
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{byID: make(map[string]int)}
}

func (s *InMemoryStore) Record(_ context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	rec = normalize(rec)
	if i, ok := s.byID[rec.ID]; ok {
		s.records[i] = rec
		return nil
	}
	s.byID[rec.ID] = len(s.records)
	s.records = append(s.records, rec)
	return nil
}

func (s *InMemoryStore) Get(_ context.Context, id string) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i, ok := s.byID[id]
	if !ok {
		return Record{}, ErrNotFound
	}
	return s.records[i], nil
}

func (s *InMemoryStore) Recent(_ context.Context, limit int) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if limit <= 0 || limit > len(s.records) {
		limit = len(s.records)
	}
	out := make([]Record, 0, limit)
	for i := len(s.records) - 1; i >= len(s.records)-limit; i-- {
		out = append(out, s.records[i])
	}
	return out, nil
}

func (s *InMemoryStore) Summary(_ context.Context) (Summary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sum := Summary{ByReason: make(map[string]int)}
	for _, r := range s.records {
		sum.Total++
		if r.Successful {
			sum.Successful++
		}
		sum.ByReason[r.Reason]++
	}
	return sum, nil
}

func (s *InMemoryStore) Close() error { return nil }
