package subscription

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore implements Store in memory.
type MemoryStore struct {
	mu   sync.Mutex
	subs map[string]*Subscription
	now  func() time.Time
}

// NewMemoryStore returns an empty in-memory Store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{subs: make(map[string]*Subscription), now: time.Now}
}

func (s *MemoryStore) Upsert(_ context.Context, sub *Subscription) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	if cur, ok := s.subs[sub.ExternalID]; ok {
		if !cur.Accepts(sub.LastEventAt) {
			return false, ErrStaleEvent
		}
		if !sub.LastEventAt.IsZero() {
			cur.LastEventAt = sub.LastEventAt
		}
		cur.PlanSlug = sub.PlanSlug
		cur.Status = sub.Status
		cur.ExternalPlanCode = sub.ExternalPlanCode
		cur.CurrentPeriodStart = sub.CurrentPeriodStart
		cur.CurrentPeriodEnd = sub.CurrentPeriodEnd
		cur.CancelAtPeriodEnd = sub.CancelAtPeriodEnd
		cur.UpdatedAt = now
		*sub = *cur
		return false, nil
	}

	if sub.ID == uuid.Nil {
		sub.ID = uuid.New()
	}
	sub.CreatedAt, sub.UpdatedAt = now, now
	cp := *sub
	s.subs[sub.ExternalID] = &cp
	return true, nil
}

func (s *MemoryStore) SetStatus(_ context.Context, externalID string, status Status, at time.Time) (*Subscription, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.subs[externalID]
	if !ok {
		return nil, false, ErrSubscriptionNotFound
	}
	if cur.Status == status || !cur.Accepts(at) {
		cp := *cur
		return &cp, false, nil
	}
	cur.Status = status
	if !at.IsZero() {
		cur.LastEventAt = at
	}
	cur.UpdatedAt = s.now().UTC()
	cp := *cur
	return &cp, true, nil
}

func (s *MemoryStore) GetByExternalID(_ context.Context, externalID string) (*Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.subs[externalID]
	if !ok {
		return nil, ErrSubscriptionNotFound
	}
	cp := *cur
	return &cp, nil
}

func (s *MemoryStore) FindActiveByUser(_ context.Context, userID uuid.UUID) (*Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var best *Subscription
	for _, sub := range s.subs {
		if sub.UserID != userID || (sub.Status != StatusActive && sub.Status != StatusTrialing) {
			continue
		}
		if best == nil || sub.UpdatedAt.After(best.UpdatedAt) {
			best = sub
		}
	}
	if best == nil {
		return nil, ErrSubscriptionNotFound
	}
	cp := *best
	return &cp, nil
}
