package checkout

import (
	"context"
	"errors"

	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"

	"github.com/dmitrymomot/billsync/pkg/billing"
	"github.com/dmitrymomot/billsync/svc/subscription"
)

// StripeGateway talks to the Stripe API through the stripe-go client.
type StripeGateway struct {
	api *client.API
}

type StripeOption func(*stripeOptions)

type stripeOptions struct {
	url string
}

// WithStripeURL points the client at another API host.
func WithStripeURL(u string) StripeOption {
	return func(o *stripeOptions) { o.url = u }
}

// NewStripeGateway returns a Gateway backed by the Stripe API.
func NewStripeGateway(secretKey string, opts ...StripeOption) (*StripeGateway, error) {
	if secretKey == "" {
		return nil, errors.Join(billing.ErrConfiguration, errors.New("stripe secret key is not configured"))
	}
	var o stripeOptions
	for _, opt := range opts {
		opt(&o)
	}

	var backends *stripe.Backends
	if o.url != "" {
		backend := stripe.GetBackendWithConfig(stripe.APIBackend, &stripe.BackendConfig{
			URL:               stripe.String(o.url),
			MaxNetworkRetries: stripe.Int64(0),
			LeveledLogger:     &stripe.LeveledLogger{Level: stripe.LevelNull},
		})
		backends = &stripe.Backends{API: backend, Connect: backend, Uploads: backend}
	}
	return &StripeGateway{api: client.New(secretKey, backends)}, nil
}

func (g *StripeGateway) Name() string { return billing.GatewayStripe }

func (g *StripeGateway) CreateSession(ctx context.Context, p SessionParams) (*Session, error) {
	params := &stripe.CheckoutSessionParams{
		Mode:       stripe.String(p.Mode),
		SuccessURL: stripe.String(p.SuccessURL),
		CancelURL:  stripe.String(p.CancelURL),
		LineItems: []*stripe.CheckoutSessionLineItemParams{{
			Price:    stripe.String(p.PriceCode),
			Quantity: stripe.Int64(p.Quantity),
		}},
		Metadata: p.Metadata,
	}
	params.Context = ctx
	if p.CustomerEmail != "" {
		params.CustomerEmail = stripe.String(p.CustomerEmail)
	}
	if p.Mode == ModeSubscription {
		params.SubscriptionData = &stripe.CheckoutSessionSubscriptionDataParams{Metadata: p.Metadata}
	} else {
		params.PaymentIntentData = &stripe.CheckoutSessionPaymentIntentDataParams{Metadata: p.Metadata}
	}

	s, err := g.api.CheckoutSessions.New(params)
	if err != nil {
		return nil, err
	}
	return &Session{ID: s.ID, URL: s.URL}, nil
}

func (g *StripeGateway) GetSubscription(ctx context.Context, id string) (*RemoteSubscription, error) {
	params := &stripe.SubscriptionParams{}
	params.Context = ctx
	sub, err := g.api.Subscriptions.Get(id, params)
	if err != nil {
		return nil, err
	}
	return remoteStripe(sub), nil
}

// FindSubscriptionByEmail returns the first active subscription of any
// customer registered under email.
func (g *StripeGateway) FindSubscriptionByEmail(ctx context.Context, email string) (*RemoteSubscription, error) {
	cp := &stripe.CustomerListParams{Email: stripe.String(email)}
	cp.Context = ctx
	cp.Limit = stripe.Int64(10)

	customers := g.api.Customers.List(cp)
	for customers.Next() {
		sp := &stripe.SubscriptionListParams{
			Customer: stripe.String(customers.Customer().ID),
			Status:   stripe.String(string(stripe.SubscriptionStatusActive)),
		}
		sp.Context = ctx
		subs := g.api.Subscriptions.List(sp)
		if subs.Next() {
			return remoteStripe(subs.Subscription()), nil
		}
		if err := subs.Err(); err != nil {
			return nil, err
		}
	}
	if err := customers.Err(); err != nil {
		return nil, err
	}
	return nil, subscription.ErrSubscriptionNotFound
}

// AttachItem adds the price as a new item on an existing subscription.
func (g *StripeGateway) AttachItem(ctx context.Context, subscriptionID, priceCode string, quantity int64, metadata map[string]string) error {
	params := &stripe.SubscriptionItemParams{
		Subscription:      stripe.String(subscriptionID),
		Price:             stripe.String(priceCode),
		Quantity:          stripe.Int64(quantity),
		ProrationBehavior: stripe.String("create_prorations"),
		Metadata:          metadata,
	}
	params.Context = ctx
	_, err := g.api.SubscriptionItems.New(params)
	return err
}

func remoteStripe(sub *stripe.Subscription) *RemoteSubscription {
	r := &RemoteSubscription{
		ID:     sub.ID,
		Status: string(sub.Status),
		Active: sub.Status == stripe.SubscriptionStatusActive || sub.Status == stripe.SubscriptionStatusTrialing,
	}
	if sub.Customer != nil {
		r.CustomerID = sub.Customer.ID
	}
	return r
}
