package billing

import (
	"strings"
	"time"
)

// Gateway names.
const (
	GatewayStripe       = "stripe"
	GatewayPaddle       = "paddle"
	GatewayLemonSqueezy = "lemonsqueezy"
	GatewayGeneric      = "generic"
)

// Metadata keys written into checkout sessions and read back from webhooks.
const (
	MetaUserID   = "user_id"
	MetaPlanSlug = "plan_slug"
	MetaInterval = "interval"
	MetaEmail    = "email"
)

// Event is a gateway webhook translated into gateway independent terms.
type Event struct {
	Gateway string
	// ID identifies the delivery at the gateway and is stable across redeliveries.
	ID     string
	Type   string
	Status string
	Class  StatusClass

	Email    string
	UserID   string
	PlanSlug string
	PlanCode string
	Interval string
	Quantity int

	SubscriptionID    string
	CustomerID        string
	OrderID           string
	PeriodStart       time.Time
	PeriodEnd         time.Time
	CancelAtPeriodEnd bool
	OccurredAt        time.Time

	// Items holds every billed line. The plan fields above mirror the first one.
	Items []LineItem
}

// LineItem is one priced line of an invoice, transaction or subscription.
type LineItem struct {
	// ID is the gateway line id, stable across redeliveries of the same order.
	ID          string
	PlanCode    string
	PlanSlug    string
	Interval    string
	Quantity    int
	PeriodStart time.Time
	PeriodEnd   time.Time
	// Credit marks proration credits and other negative lines.
	Credit bool
}

// HasPeriod reports whether the line carries both period bounds.
func (l LineItem) HasPeriod() bool {
	return !l.PeriodStart.IsZero() && !l.PeriodEnd.IsZero()
}

// ForLine returns a copy of the event scoped to one line.
func (e *Event) ForLine(l LineItem) *Event {
	cp := *e
	cp.Items = []LineItem{l}
	cp.PlanCode = l.PlanCode
	cp.PlanSlug = firstNonEmpty(l.PlanSlug, e.PlanSlug)
	cp.Interval = firstNonEmpty(l.Interval, e.Interval)
	cp.Quantity = max(l.Quantity, 1)
	if l.HasPeriod() {
		cp.PeriodStart, cp.PeriodEnd = l.PeriodStart, l.PeriodEnd
	}
	return &cp
}

// IdempotencyKey derives a ledger key when the caller did not send one.
func (e *Event) IdempotencyKey() string {
	if e == nil || e.ID == "" {
		return ""
	}
	return e.Gateway + ":" + e.ID
}

// HasPeriod reports whether the gateway supplied both period bounds.
func (e *Event) HasPeriod() bool {
	return !e.PeriodStart.IsZero() && !e.PeriodEnd.IsZero()
}

// applyFirstLine mirrors the first line into the event level plan fields,
// keeping values the metadata already set.
func applyFirstLine(ev *Event) {
	if len(ev.Items) == 0 {
		return
	}
	first := ev.Items[0]
	ev.PlanCode = first.PlanCode
	ev.Interval = firstNonEmpty(ev.Interval, first.Interval)
	if first.Quantity > 0 {
		ev.Quantity = first.Quantity
	}
	if !ev.HasPeriod() && first.HasPeriod() {
		ev.PeriodStart, ev.PeriodEnd = first.PeriodStart, first.PeriodEnd
	}
}

// normalizeEmail lowercases and trims an address.
func normalizeEmail(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// firstNonEmpty returns the first non blank value.
func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

func unixTime(sec int64) time.Time {
	if sec <= 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0).UTC()
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}
