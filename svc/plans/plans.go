// Package plans maps internal plan slugs to gateway product and price codes.
package plans

import (
	"context"
	"errors"
	"strings"

	"github.com/dmitrymomot/billsync/svc/users"
)

// Kind distinguishes base subscriptions from add-on packs.
type Kind string

const (
	KindBase  Kind = "base"
	KindAddon Kind = "addon"
)

var (
	ErrPlanNotFound  = errors.New("plan not found")
	ErrInvalidPlan   = errors.New("invalid plan definition")
	ErrCodeNotMapped = errors.New("plan has no code for this gateway and interval")
)

// Code is a gateway-specific price or product identifier for a plan.
// An empty Interval matches any requested interval.
type Code struct {
	Gateway  string `json:"gateway" yaml:"gateway"`
	Interval string `json:"interval,omitempty" yaml:"interval"`
	Code     string `json:"code" yaml:"code"`
}

// Plan is a sellable plan. Add-on plans increase an entitlement counter by
// AddonQuantity per purchased unit for GrantDays.
type Plan struct {
	Slug          string        `json:"slug" yaml:"slug"`
	Name          string        `json:"name" yaml:"name"`
	Kind          Kind          `json:"kind" yaml:"kind"`
	AddonCounter  users.Counter `json:"addon_counter,omitempty" yaml:"addon_counter"`
	AddonQuantity int64         `json:"addon_quantity,omitempty" yaml:"addon_quantity"`
	GrantDays     int           `json:"grant_days,omitempty" yaml:"grant_days"`
	Codes         []Code        `json:"codes" yaml:"codes"`
}

// IsAddon reports whether the plan grants counters rather than a base subscription.
func (p *Plan) IsAddon() bool {
	return p.Kind == KindAddon
}

// CodeFor returns the gateway code for an interval. An exact interval match wins
// over an interval-agnostic code.
func (p *Plan) CodeFor(gateway, interval string) (string, error) {
	fallback := ""
	for _, c := range p.Codes {
		if !strings.EqualFold(c.Gateway, gateway) {
			continue
		}
		if strings.EqualFold(c.Interval, interval) {
			return c.Code, nil
		}
		if c.Interval == "" {
			fallback = c.Code
		}
	}
	if fallback != "" {
		return fallback, nil
	}
	return "", ErrCodeNotMapped
}

// Validate checks structural consistency.
func (p *Plan) Validate() error {
	switch {
	case p.Slug == "":
		return errors.Join(ErrInvalidPlan, errors.New("slug is required"))
	case p.Kind != KindBase && p.Kind != KindAddon:
		return errors.Join(ErrInvalidPlan, errors.New("kind must be base or addon"))
	case p.Kind == KindAddon && !p.AddonCounter.Valid():
		return errors.Join(ErrInvalidPlan, errors.New("addon plan needs a known counter"))
	case p.Kind == KindAddon && p.AddonQuantity <= 0:
		return errors.Join(ErrInvalidPlan, errors.New("addon quantity must be positive"))
	case p.GrantDays < 0:
		return errors.Join(ErrInvalidPlan, errors.New("grant days cannot be negative"))
	}
	for _, c := range p.Codes {
		if c.Gateway == "" || c.Code == "" {
			return errors.Join(ErrInvalidPlan, errors.New("gateway code needs gateway and code"))
		}
	}
	return nil
}

// Store persists plans and their gateway codes.
type Store interface {
	GetBySlug(ctx context.Context, slug string) (*Plan, error)
	GetByCode(ctx context.Context, gateway, code string) (*Plan, error)
	Upsert(ctx context.Context, p *Plan) error
	List(ctx context.Context) ([]*Plan, error)
}
