// Package subscription keeps the local mirror of gateway subscriptions in
// step with verified billing events.
package subscription

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusActive   Status = "active"
	StatusTrialing Status = "trialing"
	StatusPastDue  Status = "past_due"
	StatusCanceled Status = "canceled"
)

var (
	ErrSubscriptionNotFound = errors.New("subscription not found")
	ErrMissingReference     = errors.New("event carries neither subscription nor order id")
	ErrStaleEvent           = errors.New("subscription already reflects a newer event")
)

// Subscription mirrors one gateway subscription. ExternalID is the upsert key.
type Subscription struct {
	ID                 uuid.UUID
	UserID             uuid.UUID
	PlanSlug           string
	Status             Status
	Gateway            string
	ExternalID         string
	ExternalCustomerID string
	ExternalPlanCode   string
	CurrentPeriodStart time.Time
	CurrentPeriodEnd   time.Time
	CancelAtPeriodEnd  bool
	// LastEventAt is the gateway time of the last event applied to the row.
	LastEventAt time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Accepts reports whether an event that occurred at t may change the row.
// Events without a time always apply. A canceled row yields only to a
// strictly newer event.
func (s *Subscription) Accepts(t time.Time) bool {
	if t.IsZero() || s.LastEventAt.IsZero() {
		return true
	}
	if s.Status == StatusCanceled {
		return t.After(s.LastEventAt)
	}
	return !t.Before(s.LastEventAt)
}

// Store persists subscriptions.
type Store interface {
	// Upsert inserts by ExternalID or overwrites status, plan, period and
	// cancel flag of the existing row. It reports whether a row was created
	// and returns ErrStaleEvent when the row does not accept s.LastEventAt.
	Upsert(ctx context.Context, s *Subscription) (bool, error)
	// SetStatus changes only the status of the row with externalID. It
	// reports false when the row already had the status or does not accept at.
	SetStatus(ctx context.Context, externalID string, status Status, at time.Time) (*Subscription, bool, error)
	GetByExternalID(ctx context.Context, externalID string) (*Subscription, error)
	// FindActiveByUser returns the most recently updated active or trialing subscription.
	FindActiveByUser(ctx context.Context, userID uuid.UUID) (*Subscription, error)
}
