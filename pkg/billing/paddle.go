package billing

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	paddle "github.com/PaddleHQ/paddle-go-sdk/v4"
)

// PaddleSignatureHeader is the header Paddle signs deliveries with.
const PaddleSignatureHeader = "Paddle-Signature"

// PaddleAdapter handles Paddle Billing webhooks.
type PaddleAdapter struct {
	verifier *paddle.WebhookVerifier
}

// NewPaddleAdapter creates the adapter. An empty secret is reported on Verify.
func NewPaddleAdapter(secret string) *PaddleAdapter {
	a := &PaddleAdapter{}
	if secret != "" {
		a.verifier = paddle.NewWebhookVerifier(secret)
	}
	return a
}

func (a *PaddleAdapter) Name() string            { return GatewayPaddle }
func (a *PaddleAdapter) SignatureHeader() string { return PaddleSignatureHeader }

// Verify runs the SDK verifier against a synthetic request carrying the raw body.
func (a *PaddleAdapter) Verify(header http.Header, payload []byte) error {
	if a.verifier == nil {
		return errors.Join(ErrConfiguration, errors.New("paddle webhook secret is not configured"))
	}

	req, err := http.NewRequest(http.MethodPost, "/", bytes.NewReader(payload))
	if err != nil {
		return errors.Join(ErrAuthentication, err)
	}
	req.Header.Set(PaddleSignatureHeader, header.Get(PaddleSignatureHeader))

	ok, err := a.verifier.Verify(req)
	if err != nil {
		return errors.Join(ErrAuthentication, err)
	}
	if !ok {
		return errors.Join(ErrAuthentication, errors.New("paddle signature mismatch"))
	}
	return nil
}

type paddlePayload struct {
	EventID    string `json:"event_id"`
	EventType  string `json:"event_type"`
	OccurredAt string `json:"occurred_at"`
	Data       struct {
		ID             string         `json:"id"`
		Status         string         `json:"status"`
		Action         string         `json:"action"`
		CustomerID     string         `json:"customer_id"`
		SubscriptionID string         `json:"subscription_id"`
		TransactionID  string         `json:"transaction_id"`
		CustomData     map[string]any `json:"custom_data"`
		Items          []struct {
			Quantity int `json:"quantity"`
			Price    struct {
				ID           string         `json:"id"`
				CustomData   map[string]any `json:"custom_data"`
				BillingCycle *struct {
					Interval string `json:"interval"`
				} `json:"billing_cycle"`
			} `json:"price"`
		} `json:"items"`
		CurrentBillingPeriod *paddlePeriod `json:"current_billing_period"`
		BillingPeriod        *paddlePeriod `json:"billing_period"`
		ScheduledChange      *struct {
			Action string `json:"action"`
		} `json:"scheduled_change"`
	} `json:"data"`
}

type paddlePeriod struct {
	StartsAt string `json:"starts_at"`
	EndsAt   string `json:"ends_at"`
}

// Parse handles transaction, subscription and adjustment notifications.
func (a *PaddleAdapter) Parse(payload []byte) (*Event, error) {
	var p paddlePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, errors.Join(ErrMalformedPayload, err)
	}
	if p.EventID == "" {
		return nil, errors.Join(ErrMalformedPayload, ErrMissingEventID)
	}

	d := p.Data
	custom := stringMap(d.CustomData)
	ev := &Event{
		Gateway:    GatewayPaddle,
		ID:         p.EventID,
		Type:       p.EventType,
		Status:     d.Status,
		CustomerID: d.CustomerID,
		Email:      normalizeEmail(custom[MetaEmail]),
		UserID:     custom[MetaUserID],
		PlanSlug:   custom[MetaPlanSlug],
		Interval:   custom[MetaInterval],
		Quantity:   1,
		OccurredAt: parseTime(p.OccurredAt),
	}

	period := d.CurrentBillingPeriod
	if period == nil {
		period = d.BillingPeriod
	}
	if period != nil {
		ev.PeriodStart = parseTime(period.StartsAt)
		ev.PeriodEnd = parseTime(period.EndsAt)
	}

	// A price appears at most once per transaction, so its id keys the line.
	for _, item := range d.Items {
		line := LineItem{
			ID:          item.Price.ID,
			PlanCode:    item.Price.ID,
			PlanSlug:    stringMap(item.Price.CustomData)[MetaPlanSlug],
			Quantity:    item.Quantity,
			PeriodStart: ev.PeriodStart,
			PeriodEnd:   ev.PeriodEnd,
		}
		if bc := item.Price.BillingCycle; bc != nil {
			line.Interval = bc.Interval
		}
		ev.Items = append(ev.Items, line)
	}
	applyFirstLine(ev)

	switch {
	case strings.HasPrefix(p.EventType, "subscription."):
		ev.SubscriptionID = d.ID
		ev.OrderID = d.TransactionID
		if d.ScheduledChange != nil && d.ScheduledChange.Action == "cancel" {
			ev.CancelAtPeriodEnd = true
		}
		if p.EventType == "subscription.canceled" {
			ev.Status = "canceled"
		}
	case strings.HasPrefix(p.EventType, "transaction."):
		ev.SubscriptionID = d.SubscriptionID
		ev.OrderID = d.ID
	case strings.HasPrefix(p.EventType, "adjustment."):
		ev.SubscriptionID = d.SubscriptionID
		ev.OrderID = d.TransactionID
		// Only approved refunds and chargebacks take entitlement away.
		if d.Status == "approved" || d.Action == "chargeback" {
			ev.Status = d.Action
		}
	}

	ev.Class = paddleStatuses.Classify(ev.Status)
	return ev, nil
}
