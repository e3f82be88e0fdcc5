package entitlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrymomot/billsync/pkg/billing"
	"github.com/dmitrymomot/billsync/pkg/events"
	"github.com/dmitrymomot/billsync/pkg/logger"
	"github.com/dmitrymomot/billsync/pkg/metrics"
	"github.com/dmitrymomot/billsync/svc/users"
)

// Owners resolves the user a grant belongs to.
type Owners interface {
	Resolve(ctx context.Context, email, planSlug string) (uuid.UUID, error)
	ResolveByID(ctx context.Context, id uuid.UUID) (uuid.UUID, error)
}

type options struct {
	logger    *slog.Logger
	now       func() time.Time
	publisher events.Publisher
	metrics   *metrics.Metrics
}

// Option configures Grants and Sweeper.
type Option func(*options)

// WithLogger sets the logger used for grant and sweep events.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithClock overrides time.Now for validity and expiry checks.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// WithPublisher emits grant.issued and grant.expired events.
func WithPublisher(p events.Publisher) Option {
	return func(o *options) {
		if p != nil {
			o.publisher = p
		}
	}
}

// WithMetrics records issued and expired grants.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

func newOptions(opts []Option) options {
	o := options{logger: slog.Default(), now: time.Now, publisher: events.Noop{}}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// IssueRequest describes one grant. Either UserID or Email identifies the owner.
type IssueRequest struct {
	UserID                 uuid.UUID
	Email                  string
	Counter                users.Counter
	Quantity               int64
	ValidDays              int
	ValidUntil             time.Time
	Gateway                string
	ExternalOrderID        string
	ExternalSubscriptionID string
	IssuedBy               string
	IdempotencyKey         string
}

// Key returns the explicit idempotency key, or gateway:order when both are set.
func (r IssueRequest) Key() string {
	if k := strings.TrimSpace(r.IdempotencyKey); k != "" {
		return k
	}
	if r.Gateway != "" && r.ExternalOrderID != "" {
		return r.Gateway + ":" + r.ExternalOrderID
	}
	return ""
}

// IssueResult is the grant plus the owner's counters after issuing it.
type IssueResult struct {
	UserID  uuid.UUID
	GrantID uuid.UUID
	Grant   *Grant
	// Created is false when an existing grant was returned for the key.
	Created bool
	Snapshot
}

// Grants issues and revokes add-on grants.
type Grants struct {
	store    Store
	counters *Counters
	owners   Owners
	options
}

// NewGrants returns Grants backed by store, counters and the owner resolver.
func NewGrants(store Store, counters *Counters, owners Owners, opts ...Option) *Grants {
	return &Grants{store: store, counters: counters, owners: owners, options: newOptions(opts)}
}

// Issue records a grant and increments its counter as one store unit. A
// failed increment leaves no grant row and returns ErrPartialApplication.
func (g *Grants) Issue(ctx context.Context, req IssueRequest) (*IssueResult, error) {
	if req.Quantity <= 0 {
		return nil, errors.Join(billing.ErrMalformedPayload, ErrInvalidQuantity)
	}
	counter := req.Counter
	if counter == "" {
		counter = users.CounterMemberSeats
	}
	if !counter.Valid() {
		return nil, errors.Join(billing.ErrMalformedPayload, users.ErrInvalidCounter)
	}

	now := g.now().UTC()
	validUntil := req.ValidUntil.UTC()
	if req.ValidUntil.IsZero() {
		days := req.ValidDays
		if days <= 0 {
			days = DefaultValidDays
		}
		validUntil = now.AddDate(0, 0, days)
	}
	if !validUntil.After(now) {
		return nil, errors.Join(billing.ErrMalformedPayload, ErrInvalidValidity)
	}

	userID, err := g.owner(ctx, req)
	if err != nil {
		return nil, err
	}

	key := req.Key()
	if key != "" {
		existing, err := g.store.GetByKey(ctx, key)
		if err == nil {
			return g.existing(ctx, existing)
		}
		if !errors.Is(err, ErrGrantNotFound) {
			return nil, errors.Join(billing.ErrPersistence, fmt.Errorf("lookup grant %q: %w", key, err))
		}
	}

	grant := &Grant{
		ID:                     uuid.New(),
		UserID:                 userID,
		Counter:                counter,
		Quantity:               req.Quantity,
		Status:                 GrantActive,
		GrantedAt:              now,
		ValidUntil:             validUntil,
		Gateway:                req.Gateway,
		ExternalOrderID:        req.ExternalOrderID,
		ExternalSubscriptionID: req.ExternalSubscriptionID,
		IssuedBy:               req.IssuedBy,
		IdempotencyKey:         key,
	}
	if err := g.store.IssueGrant(ctx, grant); err != nil {
		switch {
		case errors.Is(err, ErrDuplicateGrant) && key != "":
			winner, gerr := g.store.GetByKey(ctx, key)
			if gerr != nil {
				return nil, errors.Join(billing.ErrPersistence, gerr)
			}
			return g.existing(ctx, winner)
		case errors.Is(err, ErrCounterNotApplied):
			g.logger.WarnContext(ctx, "grant rolled back", logger.UserID(userID), logger.Error(err))
			return nil, errors.Join(billing.ErrPartialApplication, err)
		default:
			return nil, errors.Join(billing.ErrPersistence, fmt.Errorf("issue grant: %w", err))
		}
	}

	snap, err := g.counters.Snapshot(ctx, userID)
	if err != nil {
		return nil, err
	}

	g.metrics.GrantIssued(string(counter))
	g.logger.InfoContext(ctx, "grant issued",
		logger.GrantID(grant.ID), logger.UserID(userID), logger.Counter(string(counter)),
		slog.Int64("quantity", grant.Quantity), slog.Time("valid_until", validUntil))
	events.Safe(ctx, g.publisher, g.logger, events.Event{
		Type:       events.GrantIssued,
		UserID:     userID.String(),
		OccurredAt: now,
		Data:       grant,
	})

	return &IssueResult{UserID: userID, GrantID: grant.ID, Grant: grant, Created: true, Snapshot: snap}, nil
}

func (g *Grants) owner(ctx context.Context, req IssueRequest) (uuid.UUID, error) {
	switch {
	case req.UserID != uuid.Nil:
		return g.owners.ResolveByID(ctx, req.UserID)
	case strings.TrimSpace(req.Email) != "":
		return g.owners.Resolve(ctx, req.Email, "")
	default:
		return uuid.Nil, errors.Join(billing.ErrMalformedPayload, ErrMissingOwner)
	}
}

func (g *Grants) existing(ctx context.Context, grant *Grant) (*IssueResult, error) {
	snap, err := g.counters.Snapshot(ctx, grant.UserID)
	if err != nil {
		return nil, err
	}
	return &IssueResult{UserID: grant.UserID, GrantID: grant.ID, Grant: grant, Snapshot: snap}, nil
}

// RevokeBySubscription expires the active grants tied to an external
// subscription, reversing their counter increments. It returns how many were expired.
func (g *Grants) RevokeBySubscription(ctx context.Context, gateway, subscriptionID string) (int, error) {
	if subscriptionID == "" {
		return 0, nil
	}
	grants, err := g.store.ListActiveBySubscription(ctx, gateway, subscriptionID)
	if err != nil {
		return 0, errors.Join(billing.ErrPersistence, fmt.Errorf("list grants for %s: %w", subscriptionID, err))
	}

	var (
		revoked int
		errs    []error
	)
	for _, grant := range grants {
		ok, err := expire(ctx, g.store, grant, g.options)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if ok {
			revoked++
		}
	}
	if len(errs) > 0 {
		return revoked, errors.Join(append([]error{billing.ErrPersistence}, errs...)...)
	}
	return revoked, nil
}

// expire runs the store unit for one grant and reports the expiry.
func expire(ctx context.Context, store Store, grant *Grant, o options) (bool, error) {
	at := o.now().UTC()
	ok, err := store.ExpireGrant(ctx, grant.ID, at)
	if err != nil {
		o.logger.ErrorContext(ctx, "failed to expire grant",
			logger.GrantID(grant.ID), logger.UserID(grant.UserID), logger.Error(err))
		return false, fmt.Errorf("expire grant %s: %w", grant.ID, err)
	}
	if !ok {
		return false, nil
	}
	o.logger.InfoContext(ctx, "grant expired",
		logger.GrantID(grant.ID), logger.UserID(grant.UserID),
		logger.Counter(string(grant.Counter)), slog.Int64("quantity", grant.Quantity))
	expired := *grant
	expired.Status = GrantExpired
	expired.ExpiredAt = &at
	events.Safe(ctx, o.publisher, o.logger, events.Event{
		Type:       events.GrantExpired,
		UserID:     grant.UserID.String(),
		OccurredAt: at,
		Data:       expired,
	})
	return true, nil
}
