// Package checkout creates gateway-hosted checkout sessions. Add-on purchases
// are attached to the buyer's existing base subscription when it can be found,
// so the customer is not billed through a second parallel subscription.
package checkout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrymomot/billsync/pkg/billing"
	"github.com/dmitrymomot/billsync/pkg/logger"
	"github.com/dmitrymomot/billsync/pkg/metrics"
	"github.com/dmitrymomot/billsync/svc/plans"
	"github.com/dmitrymomot/billsync/svc/subscription"
)

// Supported billing intervals.
const (
	IntervalMonth = "month"
	IntervalYear  = "year"
)

// Session modes.
const (
	ModeSubscription = "subscription"
	ModePayment      = "payment"
)

var (
	ErrInvalidRequest  = errors.New("invalid checkout request")
	ErrInvalidInterval = errors.New("interval must be month or year")
	ErrNoCheckoutURL   = errors.New("gateway returned no checkout url")
)

// Config selects the checkout gateway and its credentials.
type Config struct {
	Gateway           string        `env:"CHECKOUT_GATEWAY" envDefault:"stripe"`
	GatewayTimeout    time.Duration `env:"CHECKOUT_GATEWAY_TIMEOUT" envDefault:"5s"`
	StripeSecretKey   string        `env:"STRIPE_SECRET_KEY"`
	PaddleAPIKey      string        `env:"PADDLE_API_KEY"`
	PaddleEnvironment string        `env:"PADDLE_ENVIRONMENT" envDefault:"production"`
}

// SessionParams is what a gateway needs to open a hosted checkout.
type SessionParams struct {
	PriceCode     string
	Quantity      int64
	Mode          string
	SuccessURL    string
	CancelURL     string
	CustomerEmail string
	Metadata      map[string]string
}

// RemoteSubscription is a subscription as the gateway reports it.
type RemoteSubscription struct {
	ID         string
	CustomerID string
	Status     string
	Active     bool
}

// Session is the result of Create. Attached sessions have no hosted page;
// URL then points back at the caller's success URL.
type Session struct {
	ID             string `json:"session_id,omitempty"`
	URL            string `json:"url"`
	Attached       bool   `json:"attached"`
	SubscriptionID string `json:"subscription_id,omitempty"`
}

// Gateway is the outbound side of a billing provider. Methods a provider
// cannot serve return billing.ErrNotSupported.
type Gateway interface {
	Name() string
	CreateSession(ctx context.Context, p SessionParams) (*Session, error)
	GetSubscription(ctx context.Context, id string) (*RemoteSubscription, error)
	FindSubscriptionByEmail(ctx context.Context, email string) (*RemoteSubscription, error)
	AttachItem(ctx context.Context, subscriptionID, priceCode string, quantity int64, metadata map[string]string) error
}

// PlanLookup resolves plans.
type PlanLookup interface {
	Resolve(ctx context.Context, ref plans.Ref) (*plans.Plan, error)
}

// SubscriptionLookup finds the stored base subscription of a user.
type SubscriptionLookup interface {
	FindActiveByUser(ctx context.Context, userID uuid.UUID) (*subscription.Subscription, error)
}

// Request is a checkout request from the application.
type Request struct {
	UserID        uuid.UUID `json:"user_id"`
	PlanSlug      string    `json:"plan_slug"`
	Interval      string    `json:"interval"`
	SuccessURL    string    `json:"success_url"`
	CancelURL     string    `json:"cancel_url"`
	CustomerEmail string    `json:"customer_email"`
}

// Validate checks required fields and normalizes the interval.
func (r *Request) Validate() error {
	r.PlanSlug = strings.TrimSpace(r.PlanSlug)
	r.Interval = strings.ToLower(strings.TrimSpace(r.Interval))
	r.CustomerEmail = strings.TrimSpace(r.CustomerEmail)
	if r.Interval == "" {
		r.Interval = IntervalMonth
	}

	switch {
	case r.PlanSlug == "":
		return errors.Join(ErrInvalidRequest, errors.New("plan_slug is required"))
	case r.Interval != IntervalMonth && r.Interval != IntervalYear:
		return errors.Join(ErrInvalidRequest, ErrInvalidInterval)
	case r.UserID == uuid.Nil && r.CustomerEmail == "":
		return errors.Join(ErrInvalidRequest, errors.New("user_id or customer_email is required"))
	}
	for _, raw := range []string{r.SuccessURL, r.CancelURL} {
		u, err := url.Parse(raw)
		if err != nil || !u.IsAbs() {
			return errors.Join(ErrInvalidRequest, fmt.Errorf("invalid redirect url %q", raw))
		}
	}
	return nil
}

// Builder creates checkout sessions.
type Builder struct {
	gateway Gateway
	plans   PlanLookup
	subs    SubscriptionLookup
	timeout time.Duration
	logger  *slog.Logger
	metrics *metrics.Metrics
}

type Option func(*Builder)

// WithTimeout bounds every gateway lookup and attach call.
func WithTimeout(d time.Duration) Option {
	return func(b *Builder) {
		if d > 0 {
			b.timeout = d
		}
	}
}

// WithLogger sets the builder logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Builder) {
		if l != nil {
			b.logger = l
		}
	}
}

// WithMetrics records checkout outcomes.
func WithMetrics(m *metrics.Metrics) Option {
	return func(b *Builder) { b.metrics = m }
}

// NewBuilder returns a Builder creating sessions through gateway.
func NewBuilder(gateway Gateway, pl PlanLookup, subs SubscriptionLookup, opts ...Option) *Builder {
	b := &Builder{
		gateway: gateway,
		plans:   pl,
		subs:    subs,
		timeout: 5 * time.Second,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Create opens a checkout for a base plan, or attaches an add-on to the
// buyer's base subscription and falls back to a standalone session.
func (b *Builder) Create(ctx context.Context, req Request) (*Session, error) {
	if err := req.Validate(); err != nil {
		return nil, errors.Join(billing.ErrMalformedPayload, err)
	}

	plan, err := b.plans.Resolve(ctx, plans.Ref{Slug: req.PlanSlug})
	if err != nil {
		return nil, err
	}
	code, err := plan.CodeFor(b.gateway.Name(), req.Interval)
	if err != nil {
		return nil, errors.Join(billing.ErrResolution, billing.ErrMissingPriceCode,
			fmt.Errorf("plan %s on %s/%s: %w", plan.Slug, b.gateway.Name(), req.Interval, err))
	}

	meta := map[string]string{
		billing.MetaPlanSlug: plan.Slug,
		billing.MetaInterval: req.Interval,
	}
	if req.UserID != uuid.Nil {
		meta[billing.MetaUserID] = req.UserID.String()
	}
	if req.CustomerEmail != "" {
		meta[billing.MetaEmail] = req.CustomerEmail
	}

	params := SessionParams{
		PriceCode:     code,
		Quantity:      1,
		Mode:          ModeSubscription,
		SuccessURL:    req.SuccessURL,
		CancelURL:     req.CancelURL,
		CustomerEmail: req.CustomerEmail,
		Metadata:      meta,
	}
	if !plan.IsAddon() {
		return b.newSession(ctx, params, "session")
	}

	if subID := b.locateBase(ctx, req); subID != "" {
		actx, cancel := context.WithTimeout(ctx, b.timeout)
		err := b.gateway.AttachItem(actx, subID, code, 1, meta)
		cancel()
		if err == nil {
			b.metrics.CheckoutCreated(b.gateway.Name(), "attached")
			b.logger.InfoContext(ctx, "add-on attached to base subscription",
				logger.SubscriptionID(subID), logger.Plan(plan.Slug))
			return &Session{URL: req.SuccessURL, Attached: true, SubscriptionID: subID}, nil
		}
		b.logger.WarnContext(ctx, "add-on attach failed, opening standalone checkout",
			logger.SubscriptionID(subID), logger.Error(err))
	}

	params.Mode = ModePayment
	return b.newSession(ctx, params, "fallback")
}

func (b *Builder) newSession(ctx context.Context, p SessionParams, mode string) (*Session, error) {
	s, err := b.gateway.CreateSession(ctx, p)
	if err != nil {
		return nil, errors.Join(billing.ErrGatewayRequest, err)
	}
	if s.URL == "" {
		return nil, errors.Join(billing.ErrGatewayRequest, ErrNoCheckoutURL)
	}
	b.metrics.CheckoutCreated(b.gateway.Name(), mode)
	return s, nil
}

// locateBase finds a live base subscription: the stored mapping first, verified
// at the gateway, then a gateway lookup by email. Every failure means "none".
func (b *Builder) locateBase(ctx context.Context, req Request) string {
	if req.UserID != uuid.Nil && b.subs != nil {
		sub, err := b.subs.FindActiveByUser(ctx, req.UserID)
		switch {
		case err != nil && !errors.Is(err, subscription.ErrSubscriptionNotFound):
			b.logger.WarnContext(ctx, "stored subscription lookup failed", logger.UserID(req.UserID), logger.Error(err))
		case err == nil && sub.Gateway == b.gateway.Name():
			remote, rerr := b.lookup(ctx, func(c context.Context) (*RemoteSubscription, error) {
				return b.gateway.GetSubscription(c, sub.ExternalID)
			})
			if rerr == nil && remote.Active {
				return remote.ID
			}
			b.logger.InfoContext(ctx, "stored subscription mapping is stale",
				logger.SubscriptionID(sub.ExternalID), logger.Error(rerr))
		}
	}

	if req.CustomerEmail != "" {
		remote, err := b.lookup(ctx, func(c context.Context) (*RemoteSubscription, error) {
			return b.gateway.FindSubscriptionByEmail(c, req.CustomerEmail)
		})
		if err == nil && remote.Active {
			return remote.ID
		}
		if err != nil && !errors.Is(err, billing.ErrNotSupported) {
			b.logger.InfoContext(ctx, "subscription lookup by email failed", logger.Error(err))
		}
	}
	return ""
}

func (b *Builder) lookup(ctx context.Context, fn func(context.Context) (*RemoteSubscription, error)) (*RemoteSubscription, error) {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()
	remote, err := fn(ctx)
	if err != nil {
		return nil, err
	}
	if remote == nil {
		return nil, subscription.ErrSubscriptionNotFound
	}
	return remote, nil
}

// NewGateway builds the gateway named in cfg.
func NewGateway(cfg Config) (Gateway, error) {
	switch strings.ToLower(cfg.Gateway) {
	case billing.GatewayStripe:
		return NewStripeGateway(cfg.StripeSecretKey)
	case billing.GatewayPaddle:
		return NewPaddleGateway(cfg.PaddleAPIKey, cfg.PaddleEnvironment)
	default:
		return nil, errors.Join(billing.ErrConfiguration, billing.ErrUnknownGateway, fmt.Errorf("checkout gateway %q", cfg.Gateway))
	}
}
