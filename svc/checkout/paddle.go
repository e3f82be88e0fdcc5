package checkout

import (
	"context"
	"errors"
	"fmt"
	"strings"

	paddle "github.com/PaddleHQ/paddle-go-sdk/v4"

	"github.com/dmitrymomot/billsync/pkg/billing"
	"github.com/dmitrymomot/billsync/svc/subscription"
)

// PaddleGateway opens checkouts as Paddle transactions and attaches add-ons
// by rewriting the subscription item list.
type PaddleGateway struct {
	client *paddle.SDK
}

// NewPaddleGateway creates the gateway. Options are passed to the SDK, so
// paddle.WithBaseURL points it at another host.
func NewPaddleGateway(apiKey, environment string, opts ...paddle.Option) (*PaddleGateway, error) {
	if apiKey == "" {
		return nil, errors.Join(billing.ErrConfiguration, errors.New("paddle api key is not configured"))
	}

	var (
		client *paddle.SDK
		err    error
	)
	switch strings.ToLower(environment) {
	case "sandbox":
		client, err = paddle.NewSandbox(apiKey, opts...)
	case "production", "":
		client, err = paddle.New(apiKey, opts...)
	default:
		return nil, errors.Join(billing.ErrConfiguration, fmt.Errorf("invalid paddle environment: %s", environment))
	}
	if err != nil {
		return nil, fmt.Errorf("create paddle client: %w", err)
	}
	return &PaddleGateway{client: client}, nil
}

func (g *PaddleGateway) Name() string { return billing.GatewayPaddle }

func (g *PaddleGateway) CreateSession(ctx context.Context, p SessionParams) (*Session, error) {
	item := paddle.NewCreateTransactionItemsTransactionItemFromCatalog(&paddle.TransactionItemFromCatalog{
		PriceID:  p.PriceCode,
		Quantity: int(p.Quantity),
	})

	custom := paddle.CustomData{}
	for k, v := range p.Metadata {
		custom[k] = v
	}
	req := &paddle.CreateTransactionRequest{
		Items:      []paddle.CreateTransactionItems{*item},
		CustomData: custom,
	}
	if p.SuccessURL != "" {
		req.Checkout = &paddle.TransactionCheckout{URL: paddle.PtrTo(p.SuccessURL)}
	}

	txn, err := g.client.TransactionsClient.CreateTransaction(ctx, req)
	if err != nil {
		return nil, err
	}
	if txn.Checkout == nil || txn.Checkout.URL == nil {
		return nil, ErrNoCheckoutURL
	}
	return &Session{ID: txn.ID, URL: *txn.Checkout.URL}, nil
}

func (g *PaddleGateway) GetSubscription(ctx context.Context, id string) (*RemoteSubscription, error) {
	sub, err := g.client.SubscriptionsClient.GetSubscription(ctx, &paddle.GetSubscriptionRequest{SubscriptionID: id})
	if err != nil {
		return nil, err
	}
	return remotePaddle(sub), nil
}

// FindSubscriptionByEmail returns the first active subscription of the
// customer registered under email.
func (g *PaddleGateway) FindSubscriptionByEmail(ctx context.Context, email string) (*RemoteSubscription, error) {
	customers, err := g.client.CustomersClient.ListCustomers(ctx, &paddle.ListCustomersRequest{Email: []string{email}})
	if err != nil {
		return nil, err
	}

	var found *RemoteSubscription
	err = customers.Iter(ctx, func(c *paddle.Customer) (bool, error) {
		subs, err := g.client.SubscriptionsClient.ListSubscriptions(ctx, &paddle.ListSubscriptionsRequest{
			CustomerID: []string{c.ID},
			Status:     []string{string(paddle.SubscriptionStatusActive), string(paddle.SubscriptionStatusTrialing)},
		})
		if err != nil {
			return false, err
		}
		r := subs.Next(ctx)
		if err := r.Err(); err != nil {
			return false, err
		}
		if r.Ok() {
			found = remotePaddle(r.Value())
			return false, nil
		}
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, subscription.ErrSubscriptionNotFound
	}
	return found, nil
}

// AttachItem adds the price to the subscription, or raises its quantity when
// the price is already billed. Paddle replaces the whole item list on update,
// so existing items are sent back unchanged. Metadata is not sent: Paddle
// carries the plan on the price itself.
func (g *PaddleGateway) AttachItem(ctx context.Context, subscriptionID, priceCode string, quantity int64, _ map[string]string) error {
	sub, err := g.client.SubscriptionsClient.GetSubscription(ctx, &paddle.GetSubscriptionRequest{SubscriptionID: subscriptionID})
	if err != nil {
		return err
	}

	items := make([]paddle.UpdateSubscriptionItems, 0, len(sub.Items)+1)
	attached := false
	for _, it := range sub.Items {
		qty := it.Quantity
		if it.Price.ID == priceCode {
			qty += int(quantity)
			attached = true
		}
		items = append(items, *paddle.NewUpdateSubscriptionItemsSubscriptionUpdateItemFromCatalog(
			&paddle.SubscriptionUpdateItemFromCatalog{PriceID: it.Price.ID, Quantity: qty},
		))
	}
	if !attached {
		items = append(items, *paddle.NewUpdateSubscriptionItemsSubscriptionUpdateItemFromCatalog(
			&paddle.SubscriptionUpdateItemFromCatalog{PriceID: priceCode, Quantity: int(quantity)},
		))
	}

	_, err = g.client.SubscriptionsClient.UpdateSubscription(ctx, &paddle.UpdateSubscriptionRequest{
		SubscriptionID:       subscriptionID,
		Items:                paddle.NewPatchField(items),
		ProrationBillingMode: paddle.NewPatchField(paddle.ProrationBillingModeProratedImmediately),
	})
	return err
}

func remotePaddle(sub *paddle.Subscription) *RemoteSubscription {
	status := string(sub.Status)
	return &RemoteSubscription{
		ID:         sub.ID,
		CustomerID: sub.CustomerID,
		Status:     status,
		Active:     status == "active" || status == "trialing",
	}
}
