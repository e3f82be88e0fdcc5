package subscription

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrymomot/billsync/pkg/billing"
	"github.com/dmitrymomot/billsync/pkg/logger"
	"github.com/dmitrymomot/billsync/svc/plans"
)

// DefaultPeriod is assumed when a paid event carries no billing period.
const DefaultPeriod = 30 * 24 * time.Hour

// Outcome describes what Apply did.
type Outcome string

const (
	OutcomeActivated           Outcome = "activated"
	OutcomeRenewed             Outcome = "renewed"
	OutcomeCanceled            Outcome = "canceled"
	OutcomeUnknownSubscription Outcome = "unknown_subscription"
	OutcomeIgnored             Outcome = "ignored"
	// OutcomeStale means the row already reflects a newer event.
	OutcomeStale Outcome = "stale"
	// OutcomeUnchanged means a cancellation found the row already canceled.
	OutcomeUnchanged Outcome = "unchanged"
)

// Change is one event to reconcile for a resolved user and plan.
type Change struct {
	UserID uuid.UUID
	Plan   *plans.Plan
	Event  *billing.Event
}

// Result reports the outcome and the affected subscription, if any.
type Result struct {
	Outcome         Outcome
	Subscription    *Subscription
	PeriodDefaulted bool
}

// PlanSetter records the user's current base plan.
type PlanSetter interface {
	SetPlan(ctx context.Context, userID uuid.UUID, planID string) error
}

// Reconciler applies paid and canceled events to the subscription mirror.
type Reconciler struct {
	store  Store
	users  PlanSetter
	logger *slog.Logger
	now    func() time.Time
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithLogger sets the reconciler logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Reconciler) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithClock overrides time.Now for defaulted billing periods.
func WithClock(now func() time.Time) Option {
	return func(r *Reconciler) {
		if now != nil {
			r.now = now
		}
	}
}

// NewReconciler returns a Reconciler writing to store and recording base
// plans through users.
func NewReconciler(store Store, users PlanSetter, opts ...Option) *Reconciler {
	r := &Reconciler{store: store, users: users, logger: slog.Default(), now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ExternalRef is the upsert key of an event: the subscription id, or the
// order id for one-time purchases.
func ExternalRef(ev *billing.Event) string {
	if ev.SubscriptionID != "" {
		return ev.SubscriptionID
	}
	if ev.OrderID != "" {
		return "order:" + ev.OrderID
	}
	return ""
}

// Apply reconciles one event. Add-on plans are never upserted here.
func (r *Reconciler) Apply(ctx context.Context, ch Change) (Result, error) {
	ev := ch.Event
	switch ev.Class {
	case billing.ClassPaid:
		if ch.Plan == nil || ch.Plan.IsAddon() {
			return Result{Outcome: OutcomeIgnored}, nil
		}
		return r.activate(ctx, ch)
	case billing.ClassCanceled:
		return r.cancel(ctx, ev)
	default:
		return Result{Outcome: OutcomeIgnored}, nil
	}
}

func (r *Reconciler) activate(ctx context.Context, ch Change) (Result, error) {
	ev := ch.Event
	ref := ExternalRef(ev)
	if ref == "" {
		return Result{}, errors.Join(billing.ErrMalformedPayload, ErrMissingReference)
	}

	res := Result{}
	start, end := ev.PeriodStart, ev.PeriodEnd
	if !ev.HasPeriod() {
		now := r.now().UTC()
		start, end = now, now.Add(DefaultPeriod)
		res.PeriodDefaulted = true
		r.logger.WarnContext(ctx, "billing event has no period, assuming 30 days",
			logger.Gateway(ev.Gateway), logger.EventType(ev.Type), logger.SubscriptionID(ref))
	}

	status := StatusActive
	if ev.Status == "trialing" || ev.Status == "on_trial" {
		status = StatusTrialing
	}

	sub := &Subscription{
		ID:                 uuid.New(),
		UserID:             ch.UserID,
		PlanSlug:           ch.Plan.Slug,
		Status:             status,
		Gateway:            ev.Gateway,
		ExternalID:         ref,
		ExternalCustomerID: ev.CustomerID,
		ExternalPlanCode:   ev.PlanCode,
		CurrentPeriodStart: start,
		CurrentPeriodEnd:   end,
		CancelAtPeriodEnd:  ev.CancelAtPeriodEnd,
		LastEventAt:        ev.OccurredAt,
	}
	created, err := r.store.Upsert(ctx, sub)
	if errors.Is(err, ErrStaleEvent) {
		r.logger.InfoContext(ctx, "stale billing event skipped",
			logger.Gateway(ev.Gateway), logger.EventType(ev.Type), logger.SubscriptionID(ref))
		return Result{Outcome: OutcomeStale}, nil
	}
	if err != nil {
		return Result{}, errors.Join(billing.ErrPersistence, fmt.Errorf("upsert subscription %s: %w", ref, err))
	}
	if err := r.users.SetPlan(ctx, ch.UserID, ch.Plan.Slug); err != nil {
		return Result{}, errors.Join(billing.ErrPersistence, fmt.Errorf("set user plan: %w", err))
	}

	res.Subscription = sub
	res.Outcome = OutcomeRenewed
	if created {
		res.Outcome = OutcomeActivated
	}
	return res, nil
}

func (r *Reconciler) cancel(ctx context.Context, ev *billing.Event) (Result, error) {
	ref := ExternalRef(ev)
	if ref == "" {
		r.logger.InfoContext(ctx, "cancellation without subscription reference",
			logger.Gateway(ev.Gateway), logger.EventType(ev.Type))
		return Result{Outcome: OutcomeUnknownSubscription}, nil
	}

	sub, changed, err := r.store.SetStatus(ctx, ref, StatusCanceled, ev.OccurredAt)
	if errors.Is(err, ErrSubscriptionNotFound) {
		r.logger.InfoContext(ctx, "cancellation for unknown subscription",
			logger.Gateway(ev.Gateway), logger.SubscriptionID(ref))
		return Result{Outcome: OutcomeUnknownSubscription}, nil
	}
	if err != nil {
		return Result{}, errors.Join(billing.ErrPersistence, fmt.Errorf("cancel subscription %s: %w", ref, err))
	}
	if !changed {
		if sub.Status == StatusCanceled {
			return Result{Outcome: OutcomeUnchanged, Subscription: sub}, nil
		}
		return Result{Outcome: OutcomeStale, Subscription: sub}, nil
	}
	return Result{Outcome: OutcomeCanceled, Subscription: sub}, nil
}
