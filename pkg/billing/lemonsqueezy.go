package billing

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
)

// LemonSqueezySignatureHeader carries the hex HMAC-SHA256 of the body.
const LemonSqueezySignatureHeader = "X-Signature"

// LemonSqueezyAdapter handles Lemon Squeezy webhooks.
type LemonSqueezyAdapter struct {
	secret string
}

// NewLemonSqueezyAdapter creates the adapter.
func NewLemonSqueezyAdapter(secret string) *LemonSqueezyAdapter {
	return &LemonSqueezyAdapter{secret: secret}
}

func (a *LemonSqueezyAdapter) Name() string            { return GatewayLemonSqueezy }
func (a *LemonSqueezyAdapter) SignatureHeader() string { return LemonSqueezySignatureHeader }

func (a *LemonSqueezyAdapter) Verify(header http.Header, payload []byte) error {
	return verifyHMAC(a.secret, payload, header.Get(LemonSqueezySignatureHeader))
}

type lemonSqueezyPayload struct {
	Meta struct {
		EventName  string         `json:"event_name"`
		CustomData map[string]any `json:"custom_data"`
	} `json:"meta"`
	Data struct {
		ID         string `json:"id"`
		Type       string `json:"type"`
		Attributes struct {
			Status         string          `json:"status"`
			UserEmail      string          `json:"user_email"`
			CustomerID     json.Number     `json:"customer_id"`
			OrderID        json.Number     `json:"order_id"`
			SubscriptionID json.Number     `json:"subscription_id"`
			VariantID      json.Number     `json:"variant_id"`
			Refunded       bool            `json:"refunded"`
			Cancelled      bool            `json:"cancelled"`
			BillingReason  string          `json:"billing_reason"`
			RenewsAt       string          `json:"renews_at"`
			EndsAt         string          `json:"ends_at"`
			CreatedAt      string          `json:"created_at"`
			UpdatedAt      string          `json:"updated_at"`
			FirstOrderItem *lemonOrderItem `json:"first_order_item"`
		} `json:"attributes"`
	} `json:"data"`
}

type lemonOrderItem struct {
	OrderID   json.Number `json:"order_id"`
	VariantID json.Number `json:"variant_id"`
	Quantity  int         `json:"quantity"`
}

// Parse translates order, subscription and subscription invoice events.
func (a *LemonSqueezyAdapter) Parse(payload []byte) (*Event, error) {
	var p lemonSqueezyPayload
	dec := json.NewDecoder(strings.NewReader(string(payload)))
	dec.UseNumber()
	if err := dec.Decode(&p); err != nil {
		return nil, errors.Join(ErrMalformedPayload, err)
	}
	if p.Meta.EventName == "" || p.Data.ID == "" {
		return nil, malformed("lemonsqueezy: missing event name or data id")
	}

	attrs := p.Data.Attributes
	custom := stringMap(p.Meta.CustomData)

	status := attrs.Status
	switch p.Meta.EventName {
	case "order_refunded", "subscription_payment_refunded":
		status = "refunded"
	case "subscription_cancelled":
		status = "cancelled"
	case "subscription_expired":
		status = "expired"
	}

	ev := &Event{
		Gateway:    GatewayLemonSqueezy,
		Type:       p.Meta.EventName,
		Status:     status,
		Class:      lemonSqueezyStatuses.Classify(status),
		Email:      normalizeEmail(firstNonEmpty(attrs.UserEmail, custom[MetaEmail])),
		UserID:     custom[MetaUserID],
		PlanSlug:   custom[MetaPlanSlug],
		Interval:   custom[MetaInterval],
		PlanCode:   attrs.VariantID.String(),
		CustomerID: attrs.CustomerID.String(),
		OrderID:    attrs.OrderID.String(),
		Quantity:   1,
		OccurredAt: parseTime(firstNonEmpty(attrs.UpdatedAt, attrs.CreatedAt)),
	}

	switch p.Data.Type {
	case "subscriptions":
		ev.SubscriptionID = p.Data.ID
		ev.PeriodEnd = parseTime(firstNonEmpty(attrs.RenewsAt, attrs.EndsAt))
		ev.CancelAtPeriodEnd = attrs.Cancelled
	case "subscription-invoices":
		ev.SubscriptionID = attrs.SubscriptionID.String()
		ev.OrderID = p.Data.ID
		// The initial invoice duplicates the order_created delivery.
		if attrs.BillingReason == "initial" {
			ev.OrderID = ""
		}
	case "orders":
		ev.OrderID = p.Data.ID
		if item := attrs.FirstOrderItem; item != nil {
			ev.PlanCode = firstNonEmpty(item.VariantID.String(), ev.PlanCode)
			if item.Quantity > 0 {
				ev.Quantity = item.Quantity
			}
		}
		if attrs.Refunded {
			ev.Status = "refunded"
			ev.Class = ClassCanceled
		}
	}

	// Lemon Squeezy has no delivery id; the resource version identifies the event.
	ev.ID = strings.Join([]string{p.Meta.EventName, p.Data.ID, firstNonEmpty(attrs.UpdatedAt, attrs.CreatedAt)}, ":")
	return ev, nil
}

// stringMap flattens custom data, which Lemon Squeezy passes through untyped.
func stringMap(in map[string]any) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		switch val := v.(type) {
		case string:
			out[k] = val
		case json.Number:
			out[k] = val.String()
		case float64:
			out[k] = strconv.FormatFloat(val, 'f', -1, 64)
		case bool:
			out[k] = strconv.FormatBool(val)
		}
	}
	return out
}
