// Package users stores the account record shared by identity provisioning,
// subscription reconciliation and entitlement counters.
package users

import (
	"context"
	"errors"
	"maps"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Counter names an add-on entitlement column on the user record.
type Counter string

const (
	CounterMemberSeats   Counter = "member_seats_extra"
	CounterOrganizations Counter = "organizations_extra"
)

// Valid reports whether c is a known counter column.
func (c Counter) Valid() bool {
	return c == CounterMemberSeats || c == CounterOrganizations
}

var (
	ErrUserNotFound   = errors.New("user not found")
	ErrEmailTaken     = errors.New("email already registered")
	ErrInvalidCounter = errors.New("unknown entitlement counter")
	ErrInvalidEmail   = errors.New("invalid email address")
)

// User is the minimal account record.
type User struct {
	ID                 uuid.UUID
	Email              string
	PasswordHash       []byte
	EmailConfirmedAt   *time.Time
	PlanID             string
	OrganizationsExtra int64
	MemberSeatsExtra   int64
	Metadata           map[string]string
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// Counter returns the current value of an entitlement counter.
func (u *User) Counter(c Counter) int64 {
	switch c {
	case CounterMemberSeats:
		return u.MemberSeatsExtra
	case CounterOrganizations:
		return u.OrganizationsExtra
	}
	return 0
}

func (u *User) clone() *User {
	cp := *u
	cp.PasswordHash = append([]byte(nil), u.PasswordHash...)
	cp.Metadata = maps.Clone(u.Metadata)
	if u.EmailConfirmedAt != nil {
		t := *u.EmailConfirmedAt
		cp.EmailConfirmedAt = &t
	}
	return &cp
}

// Store persists users.
type Store interface {
	GetByID(ctx context.Context, id uuid.UUID) (*User, error)
	GetByEmail(ctx context.Context, email string) (*User, error)
	// Create returns ErrEmailTaken when the address already exists.
	Create(ctx context.Context, u *User) error
	SetPlan(ctx context.Context, id uuid.UUID, planID string) error
	// IncrementCounter adds delta in a single atomic statement, clamping at zero,
	// and returns the new value.
	IncrementCounter(ctx context.Context, id uuid.UUID, c Counter, delta int64) (int64, error)
}

// NormalizeEmail lowercases and trims an address and checks its basic shape.
func NormalizeEmail(email string) (string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	at := strings.LastIndex(email, "@")
	if at < 1 || at == len(email)-1 || strings.ContainsAny(email, " \t\r\n") {
		return "", ErrInvalidEmail
	}
	return email, nil
}
