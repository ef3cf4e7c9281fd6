package storage

import (
	"context"
	"sync"
	"time"
)

// memStore is a bounded ring of records, oldest first.
type memStore struct {
	mu     sync.Mutex
	max    int
	recs   []CycleRecord
	closed bool
}

func newMemory(maxEntries int) *memStore {
	return &memStore{max: maxEntries}
}

func (s *memStore) Append(_ context.Context, r CycleRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.appendLocked(r)
	return nil
}

func (s *memStore) appendLocked(r CycleRecord) {
	s.recs = append(s.recs, r)
	if over := len(s.recs) - s.max; over > 0 {
		s.recs = append([]CycleRecord(nil), s.recs[over:]...)
	}
}

func (s *memStore) List(_ context.Context, q Query) ([]CycleRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	return filterRecords(s.recs, q), nil
}

func (s *memStore) Clear(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.recs = nil
	return nil
}

func (s *memStore) Prune(_ context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}
	return s.pruneLocked(before), nil
}

func (s *memStore) pruneLocked(before time.Time) int {
	kept := s.recs[:0]
	for _, r := range s.recs {
		if !r.EndedAt.Before(before) {
			kept = append(kept, r)
		}
	}
	n := len(s.recs) - len(kept)
	s.recs = kept
	return n
}

func (s *memStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

// filterRecords keeps matches of q.Status, then the newest q.Limit of them.
func filterRecords(recs []CycleRecord, q Query) []CycleRecord {
	out := make([]CycleRecord, 0, len(recs))
	for _, r := range recs {
		if q.Status == "" || r.Status == q.Status {
			out = append(out, r)
		}
	}
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[len(out)-q.Limit:]
	}
	return out
}
