package entitlement

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrymomot/billsync/svc/users"
)

// GrantStatus is the lifecycle state of a grant.
type GrantStatus string

const (
	GrantActive  GrantStatus = "active"
	GrantExpired GrantStatus = "expired"
)

// DefaultValidDays applies when a grant request has neither valid_until nor valid_days.
const DefaultValidDays = 180

var (
	ErrGrantNotFound     = errors.New("grant not found")
	ErrDuplicateGrant    = errors.New("grant with this idempotency key already exists")
	ErrInvalidQuantity   = errors.New("grant quantity must be positive")
	ErrMissingOwner      = errors.New("grant needs a user id or an email")
	ErrInvalidValidity   = errors.New("grant validity must end in the future")
	ErrCounterNotApplied = errors.New("grant counter increment failed")
)

// Grant is one add-on allocation backing a counter increment.
type Grant struct {
	ID                     uuid.UUID     `json:"id"`
	UserID                 uuid.UUID     `json:"user_id"`
	Counter                users.Counter `json:"counter"`
	Quantity               int64         `json:"quantity"`
	Status                 GrantStatus   `json:"status"`
	GrantedAt              time.Time     `json:"granted_at"`
	ValidUntil             time.Time     `json:"valid_until"`
	ExpiredAt              *time.Time    `json:"expired_at,omitempty"`
	Gateway                string        `json:"gateway,omitempty"`
	ExternalOrderID        string        `json:"external_order_id,omitempty"`
	ExternalSubscriptionID string        `json:"external_subscription_id,omitempty"`
	IssuedBy               string        `json:"issued_by,omitempty"`
	IdempotencyKey         string        `json:"idempotency_key,omitempty"`
}

// Store persists grants.
type Store interface {
	// IssueGrant inserts an active grant and increments its counter as one
	// unit. It returns ErrDuplicateGrant when the idempotency key is taken and
	// ErrCounterNotApplied when the increment fails; neither leaves a row behind.
	IssueGrant(ctx context.Context, g *Grant) error
	GetByKey(ctx context.Context, key string) (*Grant, error)
	// ListExpirable returns active grants with valid_until at or before now.
	ListExpirable(ctx context.Context, now time.Time, limit int) ([]*Grant, error)
	// ListActiveBySubscription returns active grants tied to an external subscription.
	ListActiveBySubscription(ctx context.Context, gateway, subscriptionID string) ([]*Grant, error)
	// ExpireGrant flips an active grant to expired and decrements its counter
	// as one unit. It reports false when the grant was no longer active.
	ExpireGrant(ctx context.Context, id uuid.UUID, at time.Time) (bool, error)
}
