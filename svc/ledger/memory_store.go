package ledger

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore implements Store for tests.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[uuid.UUID]*Entry
	keys    map[string]uuid.UUID
	now     func() time.Time
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[uuid.UUID]*Entry),
		keys:    make(map[string]uuid.UUID),
		now:     time.Now,
	}
}

func copyEntry(e *Entry) *Entry {
	cp := *e
	cp.Payload = slices.Clone(e.Payload)
	return &cp
}

func (s *MemoryStore) Insert(_ context.Context, e *Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e.Key != "" {
		if _, ok := s.keys[e.Key]; ok {
			return ErrDuplicateKey
		}
	}
	now := s.now().UTC()
	e.CreatedAt, e.UpdatedAt = now, now
	s.entries[e.ID] = copyEntry(e)
	if e.Key != "" {
		s.keys[e.Key] = e.ID
	}
	return nil
}

func (s *MemoryStore) GetByKey(_ context.Context, key string) (*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.keys[key]
	if !ok {
		return nil, ErrEntryNotFound
	}
	return copyEntry(s.entries[id]), nil
}

func (s *MemoryStore) Reclaim(_ context.Context, key string, staleBefore time.Time) (*Entry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.keys[key]
	if !ok {
		return nil, false, nil
	}
	e := s.entries[id]
	stale := e.Status == StatusReceived && e.UpdatedAt.Before(staleBefore)
	if e.Status != StatusFailed && !stale {
		return nil, false, nil
	}
	e.Status = StatusReceived
	e.Error = ""
	e.Attempts++
	e.UpdatedAt = s.now().UTC()
	return copyEntry(e), true, nil
}

func (s *MemoryStore) Finish(_ context.Context, id uuid.UUID, status Status, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]
	if !ok {
		return ErrEntryNotFound
	}
	now := s.now().UTC()
	e.Status = status
	e.Error = errMsg
	e.UpdatedAt = now
	if status == StatusProcessed || status == StatusIgnored {
		e.ProcessedAt = &now
	}
	return nil
}

func (s *MemoryStore) ListByStatus(_ context.Context, status Status, updatedBefore time.Time, limit int) ([]*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*Entry
	for _, e := range s.entries {
		if e.Status == status && !e.UpdatedAt.After(updatedBefore) {
			out = append(out, copyEntry(e))
		}
	}
	slices.SortFunc(out, func(a, b *Entry) int { return a.UpdatedAt.Compare(b.UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Len returns the number of stored entries.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// All returns a snapshot of every entry.
func (s *MemoryStore) All() []*Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*Entry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, copyEntry(e))
	}
	return out
}
