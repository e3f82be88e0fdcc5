package billing

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/webhook"
)

// StripeSignatureHeader is the header Stripe signs deliveries with.
const StripeSignatureHeader = "Stripe-Signature"

// StripeAdapter handles Stripe webhooks.
type StripeAdapter struct {
	secret    string
	tolerance time.Duration
}

// NewStripeAdapter creates the adapter. A zero tolerance uses the stripe-go default.
func NewStripeAdapter(secret string, tolerance time.Duration) *StripeAdapter {
	if tolerance <= 0 {
		tolerance = webhook.DefaultTolerance
	}
	return &StripeAdapter{secret: secret, tolerance: tolerance}
}

func (a *StripeAdapter) Name() string            { return GatewayStripe }
func (a *StripeAdapter) SignatureHeader() string { return StripeSignatureHeader }

// Verify validates the timestamped v1 signature.
func (a *StripeAdapter) Verify(header http.Header, payload []byte) error {
	if a.secret == "" {
		return errors.Join(ErrConfiguration, errors.New("stripe webhook secret is not configured"))
	}
	if err := webhook.ValidatePayloadWithTolerance(payload, header.Get(StripeSignatureHeader), a.secret, a.tolerance); err != nil {
		return errors.Join(ErrAuthentication, err)
	}
	return nil
}

// Parse decodes the event envelope and the object it carries.
func (a *StripeAdapter) Parse(payload []byte) (*Event, error) {
	var se stripe.Event
	if err := json.Unmarshal(payload, &se); err != nil {
		return nil, errors.Join(ErrMalformedPayload, err)
	}
	if se.ID == "" {
		return nil, errors.Join(ErrMalformedPayload, ErrMissingEventID)
	}
	if se.Data == nil {
		return nil, malformed("stripe: event %s has no data", se.ID)
	}

	ev := &Event{
		Gateway:    GatewayStripe,
		ID:         se.ID,
		Type:       string(se.Type),
		OccurredAt: unixTime(se.Created),
		Quantity:   1,
	}

	var err error
	switch se.Type {
	case "checkout.session.completed", "checkout.session.async_payment_succeeded":
		err = a.fromCheckoutSession(se.Data.Raw, ev)
	case "invoice.paid", "invoice.payment_succeeded":
		err = a.fromInvoice(se.Data.Raw, ev)
	case "customer.subscription.created", "customer.subscription.updated", "customer.subscription.deleted":
		err = a.fromSubscription(se.Data.Raw, ev)
		if se.Type == "customer.subscription.deleted" {
			ev.Status = string(stripe.SubscriptionStatusCanceled)
		}
	case "charge.refunded":
		err = a.fromCharge(se.Data.Raw, ev)
		ev.Status = "refunded"
	case "charge.dispute.created":
		err = a.fromDispute(se.Data.Raw, ev)
		ev.Status = "chargeback"
	default:
		ev.Status = string(se.Type)
	}
	if err != nil {
		return nil, errors.Join(ErrMalformedPayload, err)
	}

	ev.Class = stripeStatuses.Classify(ev.Status)
	return ev, nil
}

func (a *StripeAdapter) fromCheckoutSession(raw json.RawMessage, ev *Event) error {
	var s stripe.CheckoutSession
	if err := json.Unmarshal(raw, &s); err != nil {
		return err
	}
	ev.Status = string(s.PaymentStatus)
	// Subscription checkouts are settled by their first invoice, which is the order.
	if s.Mode != stripe.CheckoutSessionModeSubscription {
		ev.OrderID = s.ID
	}
	applyMetadata(ev, s.Metadata)
	ev.Email = normalizeEmail(firstNonEmpty(customerDetailsEmail(s.CustomerDetails), s.CustomerEmail, ev.Email))
	if s.Customer != nil {
		ev.CustomerID = s.Customer.ID
	}
	if s.Subscription != nil {
		ev.SubscriptionID = s.Subscription.ID
	}
	if s.LineItems != nil {
		for _, item := range s.LineItems.Data {
			line := LineItem{ID: item.ID, Quantity: int(item.Quantity), Credit: item.AmountTotal < 0}
			if item.Price != nil {
				line.PlanCode = item.Price.ID
				line.Interval = priceInterval(item.Price)
			}
			ev.Items = append(ev.Items, line)
		}
	}
	applyFirstLine(ev)
	return nil
}

func (a *StripeAdapter) fromInvoice(raw json.RawMessage, ev *Event) error {
	var inv stripe.Invoice
	if err := json.Unmarshal(raw, &inv); err != nil {
		return err
	}
	ev.Status = string(inv.Status)
	ev.OrderID = inv.ID
	ev.Email = normalizeEmail(inv.CustomerEmail)
	if inv.Customer != nil {
		ev.CustomerID = inv.Customer.ID
	}
	if inv.Subscription != nil {
		ev.SubscriptionID = inv.Subscription.ID
	}
	applyMetadata(ev, inv.Metadata)
	if inv.Lines != nil {
		for _, item := range inv.Lines.Data {
			line := LineItem{
				ID:       item.ID,
				PlanSlug: item.Metadata[MetaPlanSlug],
				Quantity: int(item.Quantity),
				Credit:   item.Amount < 0,
			}
			if item.Price != nil {
				line.PlanCode = item.Price.ID
				line.Interval = priceInterval(item.Price)
			}
			if item.Period != nil {
				line.PeriodStart = unixTime(item.Period.Start)
				line.PeriodEnd = unixTime(item.Period.End)
			}
			ev.Items = append(ev.Items, line)
		}
		if len(inv.Lines.Data) > 0 {
			applyMetadata(ev, inv.Lines.Data[0].Metadata)
		}
	}
	applyFirstLine(ev)
	return nil
}

func (a *StripeAdapter) fromSubscription(raw json.RawMessage, ev *Event) error {
	var sub stripe.Subscription
	if err := json.Unmarshal(raw, &sub); err != nil {
		return err
	}
	ev.Status = string(sub.Status)
	ev.SubscriptionID = sub.ID
	ev.CancelAtPeriodEnd = sub.CancelAtPeriodEnd
	ev.PeriodStart = unixTime(sub.CurrentPeriodStart)
	ev.PeriodEnd = unixTime(sub.CurrentPeriodEnd)
	if sub.Customer != nil {
		ev.CustomerID = sub.Customer.ID
		ev.Email = normalizeEmail(sub.Customer.Email)
	}
	applyMetadata(ev, sub.Metadata)
	if sub.Items != nil {
		for _, item := range sub.Items.Data {
			line := LineItem{
				ID:          item.ID,
				PlanSlug:    item.Metadata[MetaPlanSlug],
				Quantity:    int(item.Quantity),
				PeriodStart: ev.PeriodStart,
				PeriodEnd:   ev.PeriodEnd,
			}
			if item.Price != nil {
				line.PlanCode = item.Price.ID
				line.Interval = priceInterval(item.Price)
			}
			ev.Items = append(ev.Items, line)
		}
	}
	applyFirstLine(ev)
	return nil
}

func (a *StripeAdapter) fromCharge(raw json.RawMessage, ev *Event) error {
	var ch stripe.Charge
	if err := json.Unmarshal(raw, &ch); err != nil {
		return err
	}
	ev.OrderID = ch.ID
	if ch.Invoice != nil {
		ev.OrderID = ch.Invoice.ID
	}
	if ch.Customer != nil {
		ev.CustomerID = ch.Customer.ID
	}
	email := ch.ReceiptEmail
	if ch.BillingDetails != nil {
		email = firstNonEmpty(email, ch.BillingDetails.Email)
	}
	ev.Email = normalizeEmail(email)
	applyMetadata(ev, ch.Metadata)
	ev.SubscriptionID = ch.Metadata["subscription_id"]
	return nil
}

func (a *StripeAdapter) fromDispute(raw json.RawMessage, ev *Event) error {
	var d stripe.Dispute
	if err := json.Unmarshal(raw, &d); err != nil {
		return err
	}
	ev.OrderID = d.ID
	if d.Charge != nil {
		ev.OrderID = d.Charge.ID
		if d.Charge.Invoice != nil {
			ev.OrderID = d.Charge.Invoice.ID
		}
	}
	applyMetadata(ev, d.Metadata)
	ev.SubscriptionID = d.Metadata["subscription_id"]
	return nil
}

func customerDetailsEmail(d *stripe.CheckoutSessionCustomerDetails) string {
	if d == nil {
		return ""
	}
	return d.Email
}

func priceInterval(p *stripe.Price) string {
	if p == nil || p.Recurring == nil {
		return ""
	}
	return string(p.Recurring.Interval)
}

// applyMetadata copies the keys written at checkout time, keeping values already set.
func applyMetadata(ev *Event, md map[string]string) {
	if len(md) == 0 {
		return
	}
	ev.UserID = firstNonEmpty(ev.UserID, md[MetaUserID])
	ev.PlanSlug = firstNonEmpty(ev.PlanSlug, md[MetaPlanSlug])
	ev.Interval = firstNonEmpty(ev.Interval, md[MetaInterval])
	ev.Email = firstNonEmpty(ev.Email, md[MetaEmail])
}
