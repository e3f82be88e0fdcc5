// Package entitlement owns the add-on counters on user records and the grants
// that back them.
//
// Counters change only through a single atomic update statement; there is no
// read-modify-write path. Every grant increments its counter once on issue and
// decrements it once on expiry, so after a sweep the sum of active grant
// quantities equals the counter.
package entitlement

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/dmitrymomot/billsync/pkg/billing"
	"github.com/dmitrymomot/billsync/svc/users"
)

// CounterStore is the part of the user store that carries counters.
type CounterStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*users.User, error)
	IncrementCounter(ctx context.Context, id uuid.UUID, c users.Counter, delta int64) (int64, error)
}

// Snapshot is the current value of every counter of a user.
type Snapshot struct {
	MemberSeatsExtra   int64 `json:"member_seats_extra"`
	OrganizationsExtra int64 `json:"organizations_extra"`
}

// Counters increments and reads entitlement counters.
type Counters struct {
	store CounterStore
}

// NewCounters wraps the user store that holds the counter columns.
func NewCounters(store CounterStore) *Counters {
	return &Counters{store: store}
}

// Increment adds delta to the counter and returns the new value. Negative
// results are clamped to zero by the store.
func (c *Counters) Increment(ctx context.Context, userID uuid.UUID, counter users.Counter, delta int64) (int64, error) {
	if !counter.Valid() {
		return 0, errors.Join(billing.ErrMalformedPayload, users.ErrInvalidCounter)
	}
	v, err := c.store.IncrementCounter(ctx, userID, counter, delta)
	if err != nil {
		return 0, classify(err, fmt.Sprintf("increment %s by %d", counter, delta))
	}
	return v, nil
}

// Get returns the current value of one counter.
func (c *Counters) Get(ctx context.Context, userID uuid.UUID, counter users.Counter) (int64, error) {
	if !counter.Valid() {
		return 0, errors.Join(billing.ErrMalformedPayload, users.ErrInvalidCounter)
	}
	s, err := c.Snapshot(ctx, userID)
	if err != nil {
		return 0, err
	}
	if counter == users.CounterOrganizations {
		return s.OrganizationsExtra, nil
	}
	return s.MemberSeatsExtra, nil
}

// Snapshot returns both counters.
func (c *Counters) Snapshot(ctx context.Context, userID uuid.UUID) (Snapshot, error) {
	u, err := c.store.GetByID(ctx, userID)
	if err != nil {
		return Snapshot{}, classify(err, "read counters")
	}
	return Snapshot{
		MemberSeatsExtra:   u.MemberSeatsExtra,
		OrganizationsExtra: u.OrganizationsExtra,
	}, nil
}

func classify(err error, op string) error {
	if errors.Is(err, users.ErrUserNotFound) {
		return errors.Join(billing.ErrResolution, fmt.Errorf("%s: %w", op, err))
	}
	return errors.Join(billing.ErrPersistence, fmt.Errorf("%s: %w", op, err))
}
