package entitlement

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrymomot/billsync/svc/users"
)

// MemoryStore implements Store for tests. IssueGrant and ExpireGrant move
// counters through the given CounterStore while holding the store lock.
type MemoryStore struct {
	mu       sync.Mutex
	grants   map[uuid.UUID]*Grant
	keys     map[string]uuid.UUID
	counters CounterStore
}

// NewMemoryStore returns an empty store moving counters through counters.
func NewMemoryStore(counters CounterStore) *MemoryStore {
	return &MemoryStore{
		grants:   make(map[uuid.UUID]*Grant),
		keys:     make(map[string]uuid.UUID),
		counters: counters,
	}
}

// IssueGrant increments the counter before storing the grant, both under the
// store lock, so a failed increment leaves nothing behind.
func (s *MemoryStore) IssueGrant(ctx context.Context, g *Grant) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.keys[g.IdempotencyKey]; ok && g.IdempotencyKey != "" {
		return ErrDuplicateGrant
	}
	if _, err := s.counters.IncrementCounter(ctx, g.UserID, g.Counter, g.Quantity); err != nil {
		return errors.Join(ErrCounterNotApplied, err)
	}
	if g.IdempotencyKey != "" {
		s.keys[g.IdempotencyKey] = g.ID
	}
	cp := *g
	s.grants[g.ID] = &cp
	return nil
}

func (s *MemoryStore) GetByKey(_ context.Context, key string) (*Grant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.keys[key]
	if !ok {
		return nil, ErrGrantNotFound
	}
	cp := *s.grants[id]
	return &cp, nil
}

func (s *MemoryStore) ListExpirable(_ context.Context, now time.Time, limit int) ([]*Grant, error) {
	return s.list(limit, func(g *Grant) bool { return !g.ValidUntil.After(now) }), nil
}

func (s *MemoryStore) ListActiveBySubscription(_ context.Context, gateway, subscriptionID string) ([]*Grant, error) {
	return s.list(0, func(g *Grant) bool {
		return g.Gateway == gateway && g.ExternalSubscriptionID == subscriptionID
	}), nil
}

func (s *MemoryStore) list(limit int, match func(*Grant) bool) []*Grant {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*Grant
	for _, g := range s.grants {
		if g.Status == GrantActive && match(g) {
			cp := *g
			out = append(out, &cp)
		}
	}
	slices.SortFunc(out, func(a, b *Grant) int { return a.ValidUntil.Compare(b.ValidUntil) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (s *MemoryStore) ExpireGrant(ctx context.Context, id uuid.UUID, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	g, ok := s.grants[id]
	if !ok || g.Status != GrantActive {
		return false, nil
	}
	if _, err := s.counters.IncrementCounter(ctx, g.UserID, g.Counter, -g.Quantity); err != nil {
		return false, err
	}
	g.Status = GrantExpired
	g.ExpiredAt = &at
	return true, nil
}

// Get returns a grant by id.
func (s *MemoryStore) Get(id uuid.UUID) (*Grant, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	g, ok := s.grants[id]
	if !ok {
		return nil, false
	}
	cp := *g
	return &cp, true
}

// SumActive returns the total quantity of a user's active grants for a counter.
func (s *MemoryStore) SumActive(userID uuid.UUID, c users.Counter) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	var sum int64
	for _, g := range s.grants {
		if g.UserID == userID && g.Counter == c && g.Status == GrantActive {
			sum += g.Quantity
		}
	}
	return sum
}
