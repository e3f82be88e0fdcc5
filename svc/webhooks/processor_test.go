package webhooks_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	stripewebhook "github.com/stripe/stripe-go/v76/webhook"

	"github.com/dmitrymomot/billsync/pkg/billing"
	"github.com/dmitrymomot/billsync/pkg/queue"
	"github.com/dmitrymomot/billsync/pkg/webhook"
	"github.com/dmitrymomot/billsync/svc/entitlement"
	"github.com/dmitrymomot/billsync/svc/identity"
	"github.com/dmitrymomot/billsync/svc/ledger"
	"github.com/dmitrymomot/billsync/svc/plans"
	"github.com/dmitrymomot/billsync/svc/subscription"
	"github.com/dmitrymomot/billsync/svc/users"
	"github.com/dmitrymomot/billsync/svc/webhooks"
)

const (
	secret       = "whsec_generic"
	stripeSecret = "whsec_stripe"
)

type pipeline struct {
	proc   *webhooks.Processor
	ledger *ledger.MemoryStore
	users  *users.MemoryStore
	subs   *subscription.MemoryStore
	grants *entitlement.MemoryStore
	tasks  *queue.MemoryStorage
}

func newPipeline(t *testing.T) *pipeline {
	t.Helper()

	us := users.NewMemoryStore()
	tasks := queue.NewMemoryStorage()
	enq, err := queue.NewEnqueuer(tasks)
	require.NoError(t, err)
	ident := identity.NewResolver(us, enq, identity.WithBcryptCost(4))

	catalog := plans.NewResolver(plans.NewMemoryStore(
		plans.Plan{Slug: "pro", Kind: plans.KindBase, Codes: []plans.Code{
			{Gateway: "generic", Code: "PRO"}, {Gateway: "stripe", Code: "price_pro"},
		}},
		plans.Plan{
			Slug: "seats-5", Kind: plans.KindAddon, AddonCounter: users.CounterMemberSeats, AddonQuantity: 5, GrantDays: 30,
			Codes: []plans.Code{{Gateway: "generic", Code: "SEATS5"}, {Gateway: "stripe", Code: "price_seats"}},
		},
	))

	subs := subscription.NewMemoryStore()
	grantStore := entitlement.NewMemoryStore(us)
	grants := entitlement.NewGrants(grantStore, entitlement.NewCounters(us), ident)
	ledgerStore := ledger.NewMemoryStore()

	proc := webhooks.NewProcessor(
		billing.NewRegistry(
			billing.NewGenericAdapter(secret),
			billing.NewLemonSqueezyAdapter(""),
			billing.NewStripeAdapter(stripeSecret, 0),
		),
		ledger.New(ledgerStore),
		ident,
		catalog,
		subscription.NewReconciler(subs, us),
		grants,
	)
	return &pipeline{proc: proc, ledger: ledgerStore, users: us, subs: subs, grants: grantStore, tasks: tasks}
}

func signed(t *testing.T, payload map[string]any) webhooks.Delivery {
	t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(t, err)
	h := http.Header{}
	h.Set(billing.GenericSignatureHeader, webhook.Sign(secret, body))
	return webhooks.Delivery{Gateway: billing.GatewayGeneric, Header: h, Body: body}
}

func stripeSigned(t *testing.T, payload string) webhooks.Delivery {
	t.Helper()
	sp := stripewebhook.GenerateTestSignedPayload(&stripewebhook.UnsignedPayload{
		Payload:   []byte(payload),
		Secret:    stripeSecret,
		Timestamp: time.Now(),
	})
	h := http.Header{}
	h.Set(billing.StripeSignatureHeader, sp.Header)
	return webhooks.Delivery{Gateway: billing.GatewayStripe, Header: h, Body: sp.Payload}
}

// stripeInvoice renders an invoice.paid event for sub_1 with a base line and
// a seats add-on line. Both lines carry the subscription metadata.
func stripeInvoice(eventID, eventType, invoiceID string, seats int) string {
	start := time.Now().Add(-time.Hour).Unix()
	end := time.Now().Add(30 * 24 * time.Hour).Unix()
	return fmt.Sprintf(`{
		"id": %q, "object": "event", "type": %q, "created": %d,
		"data": {"object": {
			"id": %q, "object": "invoice", "status": "paid",
			"customer": "cus_1", "customer_email": "multi@example.com", "subscription": "sub_1",
			"lines": {"object": "list", "data": [
				{"id": "il_base", "object": "line_item", "amount": 2900, "quantity": 1,
				 "metadata": {"plan_slug": "pro"}, "period": {"start": %d, "end": %d},
				 "price": {"id": "price_pro", "object": "price", "recurring": {"interval": "month"}}},
				{"id": "il_seats", "object": "line_item", "amount": 1000, "quantity": %d,
				 "metadata": {"plan_slug": "pro"}, "period": {"start": %d, "end": %d},
				 "price": {"id": "price_seats", "object": "price", "recurring": {"interval": "month"}}},
				{"id": "il_credit", "object": "line_item", "amount": -500, "quantity": 1,
				 "metadata": {"plan_slug": "pro"}, "period": {"start": %d, "end": %d},
				 "price": {"id": "price_seats", "object": "price"}}
			]}
		}}
	}`, eventID, eventType, start, invoiceID, start, end, seats, start, end, start, end)
}

func paid(id, subID string) map[string]any {
	return map[string]any{
		"id":              id,
		"event":           "subscription.paid",
		"status":          "paid",
		"email":           "Buyer@Example.com",
		"product_code":    "PRO",
		"subscription_id": subID,
		"period_start":    "2026-01-01T00:00:00Z",
		"period_end":      "2026-02-01T00:00:00Z",
	}
}

func TestTamperedSignatureHasNoSideEffects(t *testing.T) {
	t.Parallel()
	p := newPipeline(t)

	d := signed(t, paid("evt_1", "sub_1"))
	d.Body = append(d.Body[:len(d.Body)-1], []byte(`,"x":1}`)...)

	_, err := p.proc.Handle(context.Background(), d)
	require.Error(t, err)
	assert.ErrorIs(t, err, billing.ErrAuthentication)
	assert.Zero(t, p.ledger.Len())
	_, err = p.subs.GetByExternalID(context.Background(), "sub_1")
	assert.ErrorIs(t, err, subscription.ErrSubscriptionNotFound)
}

func TestMissingSecretIsConfigurationError(t *testing.T) {
	t.Parallel()
	p := newPipeline(t)
	_, err := p.proc.Handle(context.Background(), webhooks.Delivery{Gateway: billing.GatewayLemonSqueezy, Header: http.Header{}, Body: []byte(`{}`)})
	assert.ErrorIs(t, err, billing.ErrConfiguration)
	assert.Zero(t, p.ledger.Len())
}

func TestUnknownGateway(t *testing.T) {
	t.Parallel()
	p := newPipeline(t)
	_, err := p.proc.Handle(context.Background(), webhooks.Delivery{Gateway: "paypal"})
	assert.ErrorIs(t, err, billing.ErrUnknownGateway)
}

func TestPaidCreatesSubscriptionAndProvisionsUser(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	p := newPipeline(t)

	res, err := p.proc.Handle(ctx, signed(t, paid("evt_1", "sub_1")))
	require.NoError(t, err)
	assert.Equal(t, webhooks.OutcomeProcessed, res.Outcome)

	u, err := p.users.GetByEmail(ctx, "buyer@example.com")
	require.NoError(t, err)
	assert.Equal(t, u.ID, res.UserID)
	assert.Equal(t, "pro", u.PlanID)
	assert.NotNil(t, u.EmailConfirmedAt)

	tasks := p.tasks.Tasks()
	require.Len(t, tasks, 1)
	assert.Equal(t, identity.WelcomeEmail{}.TaskName(), tasks[0].TaskName)

	sub, err := p.subs.GetByExternalID(ctx, "sub_1")
	require.NoError(t, err)
	assert.Equal(t, subscription.StatusActive, sub.Status)
	assert.Equal(t, "pro", sub.PlanSlug)

	entries := p.ledger.All()
	require.Len(t, entries, 1)
	assert.Equal(t, ledger.StatusProcessed, entries[0].Status)
	assert.Equal(t, "generic:evt_1", entries[0].Key)
}

func TestSameKeyTwiceAppliesOnce(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	p := newPipeline(t)

	d := signed(t, paid("evt_1", "sub_1"))
	d.IdempotencyKey = "delivery-1"

	first, err := p.proc.Handle(ctx, d)
	require.NoError(t, err)
	assert.Equal(t, webhooks.OutcomeProcessed, first.Outcome)

	second, err := p.proc.Handle(ctx, d)
	require.NoError(t, err)
	assert.Equal(t, webhooks.OutcomeDuplicate, second.Outcome)
	assert.Equal(t, first.EntryID, second.EntryID)
	assert.Equal(t, 1, p.ledger.Len())
	assert.Len(t, p.tasks.Tasks(), 1)
}

func TestRenewalAndCancel(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	p := newPipeline(t)

	_, err := p.proc.Handle(ctx, signed(t, paid("evt_1", "sub_1")))
	require.NoError(t, err)

	renewal := paid("evt_2", "sub_1")
	renewal["period_start"] = "2026-02-01T00:00:00Z"
	renewal["period_end"] = "2026-03-01T00:00:00Z"
	_, err = p.proc.Handle(ctx, signed(t, renewal))
	require.NoError(t, err)

	sub, err := p.subs.GetByExternalID(ctx, "sub_1")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), sub.CurrentPeriodEnd)

	res, err := p.proc.Handle(ctx, signed(t, map[string]any{
		"id": "evt_3", "event": "subscription.canceled", "status": "canceled", "subscription_id": "sub_1",
	}))
	require.NoError(t, err)
	assert.Equal(t, webhooks.OutcomeProcessed, res.Outcome)

	canceled, err := p.subs.GetByExternalID(ctx, "sub_1")
	require.NoError(t, err)
	assert.Equal(t, subscription.StatusCanceled, canceled.Status)
	assert.Equal(t, "pro", canceled.PlanSlug)
	assert.Equal(t, sub.CurrentPeriodEnd, canceled.CurrentPeriodEnd)
}

func TestCancelUnknownSubscriptionIsIgnored(t *testing.T) {
	t.Parallel()
	p := newPipeline(t)
	res, err := p.proc.Handle(context.Background(), signed(t, map[string]any{
		"id": "evt_9", "status": "refunded", "subscription_id": "sub_never_seen",
	}))
	require.NoError(t, err)
	assert.Equal(t, webhooks.OutcomeIgnored, res.Outcome)
	assert.Equal(t, ledger.StatusIgnored, p.ledger.All()[0].Status)
}

func TestOtherStatusIsIgnored(t *testing.T) {
	t.Parallel()
	p := newPipeline(t)
	res, err := p.proc.Handle(context.Background(), signed(t, map[string]any{"id": "evt_p", "status": "pending"}))
	require.NoError(t, err)
	assert.Equal(t, webhooks.OutcomeIgnored, res.Outcome)
}

func TestUnknownPlanFailsAndCanBeRetried(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	p := newPipeline(t)

	ev := paid("evt_x", "sub_x")
	ev["product_code"] = "UNKNOWN"
	_, err := p.proc.Handle(ctx, signed(t, ev))
	require.Error(t, err)
	assert.ErrorIs(t, err, billing.ErrResolution)

	entries := p.ledger.All()
	require.Len(t, entries, 1)
	assert.Equal(t, ledger.StatusFailed, entries[0].Status)
	assert.NotEmpty(t, entries[0].Error)

	ev["product_code"] = "PRO"
	res, err := p.proc.Handle(ctx, signed(t, ev))
	require.NoError(t, err)
	assert.Equal(t, webhooks.OutcomeProcessed, res.Outcome)
	assert.Equal(t, 1, p.ledger.Len())
	assert.Equal(t, 2, p.ledger.All()[0].Attempts)
}

func TestMalformedPayloadIsRecorded(t *testing.T) {
	t.Parallel()
	p := newPipeline(t)

	body := []byte(`{"status":"paid"}`)
	h := http.Header{}
	h.Set(billing.GenericSignatureHeader, webhook.Sign(secret, body))
	_, err := p.proc.Handle(context.Background(), webhooks.Delivery{Gateway: "generic", Header: h, Body: body})
	assert.ErrorIs(t, err, billing.ErrMalformedPayload)

	entries := p.ledger.All()
	require.Len(t, entries, 1)
	assert.Equal(t, ledger.StatusFailed, entries[0].Status)
	assert.Empty(t, entries[0].Key)
}

func TestMissingEmailFails(t *testing.T) {
	t.Parallel()
	p := newPipeline(t)
	ev := paid("evt_m", "sub_m")
	delete(ev, "email")
	_, err := p.proc.Handle(context.Background(), signed(t, ev))
	assert.ErrorIs(t, err, webhooks.ErrMissingCustomer)
}

func TestAddonIssuesGrantWithoutTouchingBasePlan(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	p := newPipeline(t)

	_, err := p.proc.Handle(ctx, signed(t, paid("evt_1", "sub_base")))
	require.NoError(t, err)

	addon := map[string]any{
		"id": "evt_a", "status": "paid", "email": "buyer@example.com",
		"product_code": "SEATS5", "quantity": 2, "order_id": "ord_1", "subscription_id": "sub_addon",
	}
	res, err := p.proc.Handle(ctx, signed(t, addon))
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, res.GrantID)

	u, err := p.users.GetByEmail(ctx, "buyer@example.com")
	require.NoError(t, err)
	assert.Equal(t, "pro", u.PlanID)
	assert.EqualValues(t, 10, u.MemberSeatsExtra)

	_, err = p.subs.GetByExternalID(ctx, "sub_addon")
	assert.ErrorIs(t, err, subscription.ErrSubscriptionNotFound)

	// Same order through a different delivery does not grant twice.
	addon["id"] = "evt_b"
	_, err = p.proc.Handle(ctx, signed(t, addon))
	require.NoError(t, err)
	u, _ = p.users.GetByEmail(ctx, "buyer@example.com")
	assert.EqualValues(t, 10, u.MemberSeatsExtra)

	res, err = p.proc.Handle(ctx, signed(t, map[string]any{
		"id": "evt_c", "status": "canceled", "subscription_id": "sub_addon",
	}))
	require.NoError(t, err)
	assert.Equal(t, webhooks.OutcomeProcessed, res.Outcome)
	u, _ = p.users.GetByEmail(ctx, "buyer@example.com")
	assert.Zero(t, u.MemberSeatsExtra)
	assert.Equal(t, "pro", u.PlanID)
}

func TestAddonWithoutOrderIsIgnored(t *testing.T) {
	t.Parallel()
	p := newPipeline(t)
	res, err := p.proc.Handle(context.Background(), signed(t, map[string]any{
		"id": "evt_s", "status": "paid", "email": "buyer@example.com", "product_code": "SEATS5",
	}))
	require.NoError(t, err)
	assert.Equal(t, webhooks.OutcomeIgnored, res.Outcome)
}

func TestStripeInvoiceGrantsEveryAddonLine(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	p := newPipeline(t)

	res, err := p.proc.Handle(ctx, stripeSigned(t, stripeInvoice("evt_1", "invoice.paid", "in_1", 2)))
	require.NoError(t, err)
	assert.Equal(t, webhooks.OutcomeProcessed, res.Outcome)
	require.Len(t, res.GrantIDs, 1, "credit lines grant nothing")
	assert.Equal(t, res.GrantIDs[0], res.GrantID)

	u, err := p.users.GetByEmail(ctx, "multi@example.com")
	require.NoError(t, err)
	assert.Equal(t, "pro", u.PlanID)
	assert.EqualValues(t, 10, u.MemberSeatsExtra)

	sub, err := p.subs.GetByExternalID(ctx, "sub_1")
	require.NoError(t, err)
	assert.Equal(t, "pro", sub.PlanSlug)
	assert.Equal(t, "price_pro", sub.ExternalPlanCode)

	g, ok := p.grants.Get(res.GrantID)
	require.True(t, ok)
	assert.Equal(t, "stripe:in_1:il_seats", g.IdempotencyKey)
	assert.Equal(t, "sub_1", g.ExternalSubscriptionID)

	// The sibling event for the same invoice grants nothing new.
	_, err = p.proc.Handle(ctx, stripeSigned(t, stripeInvoice("evt_2", "invoice.payment_succeeded", "in_1", 2)))
	require.NoError(t, err)
	u, _ = p.users.GetByEmail(ctx, "multi@example.com")
	assert.EqualValues(t, 10, u.MemberSeatsExtra)
	assert.EqualValues(t, 10, p.grants.SumActive(u.ID, users.CounterMemberSeats))

	_, err = p.proc.Handle(ctx, stripeSigned(t, fmt.Sprintf(`{
		"id": "evt_3", "object": "event", "type": "customer.subscription.deleted", "created": %d,
		"data": {"object": {"id": "sub_1", "object": "subscription", "status": "canceled", "customer": "cus_1"}}
	}`, time.Now().Unix())))
	require.NoError(t, err)
	u, _ = p.users.GetByEmail(ctx, "multi@example.com")
	assert.Zero(t, u.MemberSeatsExtra, "add-on lines are revoked with the subscription")
}

func TestLatePaidEventDoesNotReactivate(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	p := newPipeline(t)

	first := paid("evt_1", "sub_1")
	first["created_at"] = "2026-01-01T00:00:00Z"
	_, err := p.proc.Handle(ctx, signed(t, first))
	require.NoError(t, err)

	cancel := map[string]any{
		"id": "evt_3", "status": "canceled", "subscription_id": "sub_1", "created_at": "2026-01-03T00:00:00Z",
	}
	res, err := p.proc.Handle(ctx, signed(t, cancel))
	require.NoError(t, err)
	assert.Equal(t, webhooks.OutcomeProcessed, res.Outcome)

	late := paid("evt_2", "sub_1")
	late["created_at"] = "2026-01-02T00:00:00Z"
	res, err = p.proc.Handle(ctx, signed(t, late))
	require.NoError(t, err)
	assert.Equal(t, webhooks.OutcomeIgnored, res.Outcome)

	sub, err := p.subs.GetByExternalID(ctx, "sub_1")
	require.NoError(t, err)
	assert.Equal(t, subscription.StatusCanceled, sub.Status)

	cancel["id"] = "evt_4"
	res, err = p.proc.Handle(ctx, signed(t, cancel))
	require.NoError(t, err)
	assert.Equal(t, webhooks.OutcomeIgnored, res.Outcome, "a repeated cancel is not reapplied")
}
