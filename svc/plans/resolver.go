package plans

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/dmitrymomot/billsync/pkg/billing"
	"github.com/dmitrymomot/billsync/pkg/logger"
)

// Ref identifies a plan either by internal slug or by gateway code.
type Ref struct {
	Slug    string
	Gateway string
	Code    string
}

// Resolver looks plans up through an optional cache.
type Resolver struct {
	store  Store
	cache  Cache
	logger *slog.Logger
}

// ResolverOption configures a Resolver.
type ResolverOption func(*Resolver)

// WithCache puts a read-through cache in front of the plan store.
func WithCache(c Cache) ResolverOption {
	return func(r *Resolver) {
		if c != nil {
			r.cache = c
		}
	}
}

// WithLogger sets the resolver logger.
func WithLogger(l *slog.Logger) ResolverOption {
	return func(r *Resolver) {
		if l != nil {
			r.logger = l
		}
	}
}

// NewResolver creates a Resolver.
func NewResolver(store Store, opts ...ResolverOption) *Resolver {
	r := &Resolver{store: store, cache: NoOpCache{}, logger: slog.Default()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve tries the slug first and falls back to the gateway code.
// Unknown plans yield an error of kind billing.ErrResolution.
func (r *Resolver) Resolve(ctx context.Context, ref Ref) (*Plan, error) {
	slug := strings.TrimSpace(ref.Slug)
	if slug != "" {
		p, err := r.lookup(ctx, slugKey(slug), func() (*Plan, error) {
			return r.store.GetBySlug(ctx, slug)
		})
		if err == nil {
			return p, nil
		}
		if !errors.Is(err, ErrPlanNotFound) {
			return nil, errors.Join(billing.ErrPersistence, err)
		}
	}

	gateway, code := strings.ToLower(ref.Gateway), strings.TrimSpace(ref.Code)
	if code != "" {
		p, err := r.lookup(ctx, codeKey(gateway, code), func() (*Plan, error) {
			return r.store.GetByCode(ctx, gateway, code)
		})
		if err == nil {
			return p, nil
		}
		if !errors.Is(err, ErrPlanNotFound) {
			return nil, errors.Join(billing.ErrPersistence, err)
		}
	}

	return nil, errors.Join(billing.ErrResolution, ErrPlanNotFound,
		fmt.Errorf("slug=%q gateway=%q code=%q", slug, gateway, code))
}

func (r *Resolver) lookup(ctx context.Context, key string, load func() (*Plan, error)) (*Plan, error) {
	if p, ok := r.cache.Get(ctx, key); ok {
		return p, nil
	}
	p, err := load()
	if err != nil {
		return nil, err
	}
	if err := r.cache.Set(ctx, key, p); err != nil {
		r.logger.WarnContext(ctx, "plan cache write failed", logger.Plan(p.Slug), logger.Error(err))
	}
	return p, nil
}

// Invalidate drops every cached key of p.
func (r *Resolver) Invalidate(ctx context.Context, p *Plan) error {
	keys := []string{slugKey(p.Slug)}
	for _, c := range p.Codes {
		keys = append(keys, codeKey(strings.ToLower(c.Gateway), c.Code))
	}
	return r.cache.Delete(ctx, keys...)
}
