package plans

import (
	"context"
	"slices"
	"strings"
	"sync"
)

// MemoryStore implements Store in memory.
type MemoryStore struct {
	mu    sync.RWMutex
	plans map[string]*Plan
}

// NewMemoryStore creates a store preloaded with plans.
func NewMemoryStore(plans ...Plan) *MemoryStore {
	s := &MemoryStore{plans: make(map[string]*Plan)}
	for i := range plans {
		p := plans[i]
		s.plans[p.Slug] = clonePlan(&p)
	}
	return s
}

func clonePlan(p *Plan) *Plan {
	cp := *p
	cp.Codes = slices.Clone(p.Codes)
	return &cp
}

func (s *MemoryStore) GetBySlug(_ context.Context, slug string) (*Plan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.plans[slug]
	if !ok {
		return nil, ErrPlanNotFound
	}
	return clonePlan(p), nil
}

func (s *MemoryStore) GetByCode(_ context.Context, gateway, code string) (*Plan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, p := range s.plans {
		for _, c := range p.Codes {
			if strings.EqualFold(c.Gateway, gateway) && c.Code == code {
				return clonePlan(p), nil
			}
		}
	}
	return nil, ErrPlanNotFound
}

func (s *MemoryStore) Upsert(_ context.Context, p *Plan) error {
	if err := p.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.plans[p.Slug] = clonePlan(p)
	return nil
}

func (s *MemoryStore) List(_ context.Context) ([]*Plan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Plan, 0, len(s.plans))
	for _, p := range s.plans {
		out = append(out, clonePlan(p))
	}
	slices.SortFunc(out, func(a, b *Plan) int { return strings.Compare(a.Slug, b.Slug) })
	return out, nil
}
