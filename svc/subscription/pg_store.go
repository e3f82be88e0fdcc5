package subscription

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/dmitrymomot/billsync/pkg/pg"
)

// PGStore implements Store on the subscriptions table.
type PGStore struct {
	db pg.DBTX
}

// NewPGStore returns a Store on the subscriptions table.
func NewPGStore(db pg.DBTX) *PGStore {
	return &PGStore{db: db}
}

const subColumns = `id, user_id, plan_slug, status, gateway, external_subscription_id, external_customer_id,
	external_plan_code, current_period_start, current_period_end, cancel_at_period_end,
	last_event_at, created_at, updated_at`

func scanSub(row pgx.Row) (*Subscription, error) {
	var (
		s    Subscription
		last *time.Time
	)
	err := row.Scan(&s.ID, &s.UserID, &s.PlanSlug, &s.Status, &s.Gateway, &s.ExternalID, &s.ExternalCustomerID,
		&s.ExternalPlanCode, &s.CurrentPeriodStart, &s.CurrentPeriodEnd, &s.CancelAtPeriodEnd, &last,
		&s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		if pg.IsNotFoundError(err) {
			return nil, ErrSubscriptionNotFound
		}
		return nil, err
	}
	if last != nil {
		s.LastEventAt = last.UTC()
	}
	return &s, nil
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

// acceptsEvent mirrors Subscription.Accepts for a row aliased as subscriptions
// and an event time in $1.
const acceptsEvent = `($1::timestamptz IS NULL OR subscriptions.last_event_at IS NULL
	OR (subscriptions.status = 'canceled' AND $1 > subscriptions.last_event_at)
	OR (subscriptions.status <> 'canceled' AND $1 >= subscriptions.last_event_at))`

func (s *PGStore) Upsert(ctx context.Context, sub *Subscription) (bool, error) {
	if sub.ID == uuid.Nil {
		sub.ID = uuid.New()
	}
	var inserted bool
	err := s.db.QueryRow(ctx, `
		INSERT INTO subscriptions (last_event_at, id, user_id, plan_slug, status, gateway, external_subscription_id,
			external_customer_id, external_plan_code, current_period_start, current_period_end, cancel_at_period_end)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (external_subscription_id) DO UPDATE SET
			plan_slug = EXCLUDED.plan_slug,
			status = EXCLUDED.status,
			external_plan_code = EXCLUDED.external_plan_code,
			current_period_start = EXCLUDED.current_period_start,
			current_period_end = EXCLUDED.current_period_end,
			cancel_at_period_end = EXCLUDED.cancel_at_period_end,
			last_event_at = COALESCE(EXCLUDED.last_event_at, subscriptions.last_event_at),
			updated_at = NOW()
		WHERE `+acceptsEvent+`
		RETURNING id, user_id, created_at, updated_at, (xmax = 0)`,
		nullableTime(sub.LastEventAt), sub.ID, sub.UserID, sub.PlanSlug, sub.Status, sub.Gateway, sub.ExternalID,
		sub.ExternalCustomerID, sub.ExternalPlanCode, sub.CurrentPeriodStart, sub.CurrentPeriodEnd, sub.CancelAtPeriodEnd,
	).Scan(&sub.ID, &sub.UserID, &sub.CreatedAt, &sub.UpdatedAt, &inserted)
	if pg.IsNotFoundError(err) {
		return false, ErrStaleEvent
	}
	return inserted, err
}

func (s *PGStore) SetStatus(ctx context.Context, externalID string, status Status, at time.Time) (*Subscription, bool, error) {
	sub, err := scanSub(s.db.QueryRow(ctx, `
		UPDATE subscriptions SET status = $3,
			last_event_at = COALESCE($1, subscriptions.last_event_at),
			updated_at = NOW()
		WHERE external_subscription_id = $2 AND status <> $3 AND `+acceptsEvent+`
		RETURNING `+subColumns, nullableTime(at), externalID, status))
	if err == nil {
		return sub, true, nil
	}
	if !errors.Is(err, ErrSubscriptionNotFound) {
		return nil, false, err
	}
	cur, err := s.GetByExternalID(ctx, externalID)
	if err != nil {
		return nil, false, err
	}
	return cur, false, nil
}

func (s *PGStore) GetByExternalID(ctx context.Context, externalID string) (*Subscription, error) {
	return scanSub(s.db.QueryRow(ctx,
		`SELECT `+subColumns+` FROM subscriptions WHERE external_subscription_id = $1`, externalID))
}

func (s *PGStore) FindActiveByUser(ctx context.Context, userID uuid.UUID) (*Subscription, error) {
	return scanSub(s.db.QueryRow(ctx, `
		SELECT `+subColumns+` FROM subscriptions
		WHERE user_id = $1 AND status IN ('active', 'trialing')
		ORDER BY updated_at DESC LIMIT 1`, userID))
}
