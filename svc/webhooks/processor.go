// Package webhooks runs the inbound billing pipeline: verify, parse, reserve
// the idempotency key, resolve user and plan, apply the change and finalize
// the ledger entry.
package webhooks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrymomot/billsync/pkg/billing"
	"github.com/dmitrymomot/billsync/pkg/events"
	"github.com/dmitrymomot/billsync/pkg/logger"
	"github.com/dmitrymomot/billsync/pkg/metrics"
	"github.com/dmitrymomot/billsync/svc/entitlement"
	"github.com/dmitrymomot/billsync/svc/ledger"
	"github.com/dmitrymomot/billsync/svc/plans"
	"github.com/dmitrymomot/billsync/svc/subscription"
)

// Outcome is the terminal state of one delivery.
type Outcome string

const (
	OutcomeProcessed Outcome = "processed"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeIgnored   Outcome = "ignored"
	OutcomeFailed    Outcome = "failed"
	OutcomeRejected  Outcome = "rejected"
)

var (
	ErrMissingCustomer = errors.New("webhook carries no user id or email")
	ErrMissingOrder    = errors.New("add-on event carries no order reference")
)

// Delivery is one inbound webhook request.
type Delivery struct {
	Gateway        string
	Header         http.Header
	Body           []byte
	IdempotencyKey string
}

// Result describes what Handle did.
type Result struct {
	Outcome Outcome
	EntryID uuid.UUID
	UserID  uuid.UUID
	GrantID uuid.UUID
	// GrantIDs lists every grant issued for the event; GrantID is the first.
	GrantIDs []uuid.UUID
	Event    *billing.Event
}

type (
	Identity interface {
		Resolve(ctx context.Context, email, planSlug string) (uuid.UUID, error)
		ResolveByID(ctx context.Context, id uuid.UUID) (uuid.UUID, error)
	}
	Plans interface {
		Resolve(ctx context.Context, ref plans.Ref) (*plans.Plan, error)
	}
	Reconciler interface {
		Apply(ctx context.Context, ch subscription.Change) (subscription.Result, error)
	}
	Grants interface {
		Issue(ctx context.Context, req entitlement.IssueRequest) (*entitlement.IssueResult, error)
		RevokeBySubscription(ctx context.Context, gateway, subscriptionID string) (int, error)
	}
)

// Processor wires the pipeline stages together.
type Processor struct {
	registry   *billing.Registry
	ledger     *ledger.Ledger
	identity   Identity
	plans      Plans
	reconciler Reconciler
	grants     Grants
	publisher  events.Publisher
	metrics    *metrics.Metrics
	logger     *slog.Logger
}

// Option configures a Processor.
type Option func(*Processor)

// WithLogger sets the pipeline logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Processor) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithPublisher emits subscription lifecycle events.
func WithPublisher(pub events.Publisher) Option {
	return func(p *Processor) {
		if pub != nil {
			p.publisher = pub
		}
	}
}

// WithMetrics records webhook outcomes and latency.
func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Processor) { p.metrics = m }
}

// NewProcessor wires the pipeline stages. Publisher defaults to a no-op.
func NewProcessor(
	registry *billing.Registry,
	l *ledger.Ledger,
	identity Identity,
	pl Plans,
	reconciler Reconciler,
	grants Grants,
	opts ...Option,
) *Processor {
	p := &Processor{
		registry:   registry,
		ledger:     l,
		identity:   identity,
		plans:      pl,
		reconciler: reconciler,
		grants:     grants,
		publisher:  events.Noop{},
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Registry returns the enabled gateway adapters.
func (p *Processor) Registry() *billing.Registry {
	return p.registry
}

// Handle runs one delivery through the pipeline. Duplicates and ignored
// events return a nil error. Signature failures return before anything is
// recorded.
func (p *Processor) Handle(ctx context.Context, d Delivery) (res Result, err error) {
	started := time.Now()
	defer func() {
		outcome := res.Outcome
		if err != nil && outcome == "" {
			outcome = OutcomeRejected
		}
		p.metrics.ObserveWebhook(d.Gateway, string(outcome), time.Since(started))
	}()

	adapter, err := p.registry.Lookup(d.Gateway)
	if err != nil {
		return Result{}, err
	}
	if err := adapter.Verify(d.Header, d.Body); err != nil {
		p.logger.WarnContext(ctx, "webhook rejected", logger.Gateway(adapter.Name()), logger.Error(err))
		return Result{}, err
	}

	base := ledger.Entry{Gateway: adapter.Name(), Payload: d.Body}
	ev, err := adapter.Parse(d.Body)
	if err != nil {
		if _, rerr := p.ledger.Record(ctx, base, err); rerr != nil {
			p.logger.ErrorContext(ctx, "failed to record malformed webhook", logger.Errors(err, rerr))
		}
		return Result{Outcome: OutcomeFailed}, err
	}

	key := strings.TrimSpace(d.IdempotencyKey)
	if key == "" {
		key = ev.IdempotencyKey()
	}
	base.EventType = ev.Type
	base.ExternalID = ev.ID
	base.Key = key

	log := p.logger.With(logger.Gateway(ev.Gateway), logger.EventType(ev.Type), logger.IdempotencyKey(key))

	rsv, err := p.ledger.Reserve(ctx, base)
	if err != nil {
		return Result{}, err
	}
	res = Result{EntryID: rsv.Entry.ID, Event: ev}
	if rsv.Duplicate {
		log.InfoContext(ctx, "duplicate webhook acknowledged", slog.String("status", string(rsv.Entry.Status)))
		res.Outcome = OutcomeDuplicate
		return res, nil
	}

	ignored, err := p.apply(ctx, ev, &res)
	switch {
	case err != nil:
		res.Outcome = OutcomeFailed
		if merr := p.ledger.MarkFailed(ctx, rsv.Entry, err); merr != nil {
			log.ErrorContext(ctx, "failed to mark webhook failed", logger.Error(merr))
		}
		log.ErrorContext(ctx, "webhook processing failed", logger.Error(err))
		return res, err
	case ignored != "":
		res.Outcome = OutcomeIgnored
		if err := p.ledger.MarkIgnored(ctx, rsv.Entry, ignored); err != nil {
			return res, err
		}
		log.InfoContext(ctx, "webhook ignored", slog.String("reason", ignored))
		return res, nil
	default:
		res.Outcome = OutcomeProcessed
		if err := p.ledger.MarkProcessed(ctx, rsv.Entry); err != nil {
			return res, err
		}
		log.InfoContext(ctx, "webhook processed", logger.UserID(res.UserID))
		return res, nil
	}
}

// apply performs the state change. A non-empty reason means nothing had to change.
func (p *Processor) apply(ctx context.Context, ev *billing.Event, res *Result) (string, error) {
	switch ev.Class {
	case billing.ClassPaid:
		return p.applyPaid(ctx, ev, res)
	case billing.ClassCanceled:
		return p.applyCanceled(ctx, ev, res)
	default:
		return fmt.Sprintf("status %q requires no change", ev.Status), nil
	}
}

// paidLine is a billed line with its resolved plan.
type paidLine struct {
	line billing.LineItem
	plan *plans.Plan
}

// applyPaid reconciles the first base plan line and issues one grant per
// add-on line.
func (p *Processor) applyPaid(ctx context.Context, ev *billing.Event, res *Result) (string, error) {
	lines, err := p.resolveLines(ctx, ev)
	if err != nil {
		return "", err
	}

	var (
		base   *paidLine
		addons []paidLine
	)
	for i, l := range lines {
		switch {
		case l.plan.IsAddon():
			addons = append(addons, l)
		case base == nil:
			base = &lines[i]
		default:
			p.logger.WarnContext(ctx, "extra base plan line skipped",
				logger.Gateway(ev.Gateway), logger.Plan(l.plan.Slug), slog.String("line_id", l.line.ID))
		}
	}
	if ev.OrderID == "" {
		addons = nil
	}
	if base == nil && len(addons) == 0 {
		if len(lines) == 0 {
			return "event carries only credit lines", nil
		}
		return "add-on event without order reference, settled by its order event", nil
	}

	var slug string
	if base != nil {
		slug = base.plan.Slug
	} else {
		slug = addons[0].plan.Slug
	}
	userID, err := p.resolveUser(ctx, ev, slug)
	if err != nil {
		return "", err
	}
	res.UserID = userID

	multi := len(ev.Items) > 1
	scope := func(l billing.LineItem) *billing.Event {
		if multi {
			return ev.ForLine(l)
		}
		return ev
	}

	if base != nil {
		out, err := p.reconciler.Apply(ctx, subscription.Change{UserID: userID, Plan: base.plan, Event: scope(base.line)})
		if err != nil {
			return "", err
		}
		if out.Outcome == subscription.OutcomeStale {
			return "subscription already reflects a newer event", nil
		}
		if out.Outcome == subscription.OutcomeActivated {
			events.Safe(ctx, p.publisher, p.logger, events.Event{
				Type:   events.SubscriptionActivated,
				UserID: userID.String(),
				Data:   out.Subscription,
			})
		}
	}

	for _, a := range addons {
		if err := p.grantAddon(ctx, scope(a.line), a.line.ID, a.plan, res); err != nil {
			return "", err
		}
	}
	return "", nil
}

// resolveLines maps billed lines to plans. A single line resolves by slug
// then code. With several lines the slug in metadata belongs to the whole
// subscription, so each line resolves by its code and uses the slug only as
// a fallback. Credit lines are skipped.
func (p *Processor) resolveLines(ctx context.Context, ev *billing.Event) ([]paidLine, error) {
	if len(ev.Items) <= 1 {
		plan, err := p.plans.Resolve(ctx, plans.Ref{Slug: ev.PlanSlug, Gateway: ev.Gateway, Code: ev.PlanCode})
		if err != nil {
			return nil, err
		}
		var line billing.LineItem
		if len(ev.Items) == 1 {
			line = ev.Items[0]
		}
		return []paidLine{{line: line, plan: plan}}, nil
	}

	out := make([]paidLine, 0, len(ev.Items))
	for _, l := range ev.Items {
		if l.Credit {
			continue
		}
		plan, err := p.plans.Resolve(ctx, plans.Ref{Gateway: ev.Gateway, Code: l.PlanCode})
		if err != nil && l.PlanSlug != "" && errors.Is(err, billing.ErrResolution) {
			plan, err = p.plans.Resolve(ctx, plans.Ref{Slug: l.PlanSlug})
		}
		if err != nil {
			return nil, fmt.Errorf("line %s: %w", l.ID, err)
		}
		out = append(out, paidLine{line: l, plan: plan})
	}
	return out, nil
}

// grantAddon issues the grant for one add-on line. The key is
// gateway:order:line so every line of an invoice grants once.
func (p *Processor) grantAddon(ctx context.Context, ev *billing.Event, lineID string, plan *plans.Plan, res *Result) error {
	quantity := int64(max(ev.Quantity, 1)) * plan.AddonQuantity
	req := entitlement.IssueRequest{
		UserID:                 res.UserID,
		Counter:                plan.AddonCounter,
		Quantity:               quantity,
		ValidDays:              plan.GrantDays,
		Gateway:                ev.Gateway,
		ExternalOrderID:        ev.OrderID,
		ExternalSubscriptionID: ev.SubscriptionID,
		IssuedBy:               "webhook:" + ev.Gateway,
	}
	if lineID != "" {
		req.IdempotencyKey = ev.Gateway + ":" + ev.OrderID + ":" + lineID
	}
	// Recurring add-ons without a fixed grant length follow the paid period.
	if plan.GrantDays == 0 && ev.HasPeriod() && ev.PeriodEnd.After(time.Now()) {
		req.ValidUntil = ev.PeriodEnd
	}

	issued, err := p.grants.Issue(ctx, req)
	if err != nil {
		return err
	}
	if res.GrantID == uuid.Nil {
		res.GrantID = issued.GrantID
	}
	res.GrantIDs = append(res.GrantIDs, issued.GrantID)
	return nil
}

func (p *Processor) applyCanceled(ctx context.Context, ev *billing.Event, res *Result) (string, error) {
	out, err := p.reconciler.Apply(ctx, subscription.Change{Event: ev})
	if err != nil {
		return "", err
	}
	if out.Outcome == subscription.OutcomeStale {
		return "cancellation older than the subscription state", nil
	}

	var revoked int
	if ev.SubscriptionID != "" {
		revoked, err = p.grants.RevokeBySubscription(ctx, ev.Gateway, ev.SubscriptionID)
		if err != nil {
			return "", err
		}
	}

	if out.Outcome == subscription.OutcomeCanceled && out.Subscription != nil {
		res.UserID = out.Subscription.UserID
		events.Safe(ctx, p.publisher, p.logger, events.Event{
			Type:   events.SubscriptionCanceled,
			UserID: out.Subscription.UserID.String(),
			Data:   out.Subscription,
		})
	}
	if revoked == 0 {
		switch out.Outcome {
		case subscription.OutcomeUnknownSubscription:
			return "cancellation for unknown subscription", nil
		case subscription.OutcomeUnchanged:
			return "subscription already canceled", nil
		}
	}
	return "", nil
}

// resolveUser prefers the user id from checkout metadata and falls back to
// the customer email.
func (p *Processor) resolveUser(ctx context.Context, ev *billing.Event, planSlug string) (uuid.UUID, error) {
	if id, err := uuid.Parse(ev.UserID); err == nil {
		uid, rerr := p.identity.ResolveByID(ctx, id)
		if rerr == nil {
			return uid, nil
		}
		if ev.Email == "" || !errors.Is(rerr, billing.ErrResolution) {
			return uuid.Nil, rerr
		}
		p.logger.WarnContext(ctx, "metadata user id unknown, resolving by email", logger.UserID(id))
	}
	if ev.Email == "" {
		return uuid.Nil, errors.Join(billing.ErrResolution, ErrMissingCustomer)
	}
	return p.identity.Resolve(ctx, ev.Email, planSlug)
}
