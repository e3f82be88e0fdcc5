package entitlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dmitrymomot/billsync/pkg/pg"
	"github.com/dmitrymomot/billsync/svc/users"
)

// PGStore implements Store on the grants table.
type PGStore struct {
	pool *pgxpool.Pool
}

// NewPGStore returns a Store on the grants table.
func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

const grantColumns = `id, user_id, counter, quantity, status, granted_at, valid_until, expired_at,
	gateway, external_order_id, external_subscription_id, issued_by, COALESCE(idempotency_key, '')`

func scanGrant(row pgx.Row) (*Grant, error) {
	var g Grant
	err := row.Scan(&g.ID, &g.UserID, &g.Counter, &g.Quantity, &g.Status, &g.GrantedAt, &g.ValidUntil, &g.ExpiredAt,
		&g.Gateway, &g.ExternalOrderID, &g.ExternalSubscriptionID, &g.IssuedBy, &g.IdempotencyKey)
	if err != nil {
		if pg.IsNotFoundError(err) {
			return nil, ErrGrantNotFound
		}
		return nil, err
	}
	return &g, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// IssueGrant inserts the grant and increments its counter in one transaction.
func (s *PGStore) IssueGrant(ctx context.Context, g *Grant) error {
	return pg.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO grants (id, user_id, counter, quantity, status, granted_at, valid_until,
				gateway, external_order_id, external_subscription_id, issued_by, idempotency_key)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
			g.ID, g.UserID, g.Counter, g.Quantity, g.Status, g.GrantedAt, g.ValidUntil,
			g.Gateway, g.ExternalOrderID, g.ExternalSubscriptionID, g.IssuedBy, nullable(g.IdempotencyKey))
		if pg.IsDuplicateKeyError(err) {
			return ErrDuplicateGrant
		}
		if err != nil {
			return err
		}
		if _, err := users.NewPGStore(tx).IncrementCounter(ctx, g.UserID, g.Counter, g.Quantity); err != nil {
			return errors.Join(ErrCounterNotApplied, fmt.Errorf("increment %s: %w", g.Counter, err))
		}
		return nil
	})
}

func (s *PGStore) GetByKey(ctx context.Context, key string) (*Grant, error) {
	return scanGrant(s.pool.QueryRow(ctx, `SELECT `+grantColumns+` FROM grants WHERE idempotency_key = $1`, key))
}

func (s *PGStore) ListExpirable(ctx context.Context, now time.Time, limit int) ([]*Grant, error) {
	return s.list(ctx, `SELECT `+grantColumns+` FROM grants
		WHERE status = 'active' AND valid_until <= $1
		ORDER BY valid_until LIMIT $2`, now, limit)
}

func (s *PGStore) ListActiveBySubscription(ctx context.Context, gateway, subscriptionID string) ([]*Grant, error) {
	return s.list(ctx, `SELECT `+grantColumns+` FROM grants
		WHERE status = 'active' AND gateway = $1 AND external_subscription_id = $2
		ORDER BY granted_at`, gateway, subscriptionID)
}

func (s *PGStore) list(ctx context.Context, query string, args ...any) ([]*Grant, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Grant
	for rows.Next() {
		g, err := scanGrant(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

// ExpireGrant flips the status and decrements the counter in one transaction.
func (s *PGStore) ExpireGrant(ctx context.Context, id uuid.UUID, at time.Time) (bool, error) {
	var expired bool
	err := pg.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		var (
			userID   uuid.UUID
			counter  users.Counter
			quantity int64
		)
		err := tx.QueryRow(ctx, `
			UPDATE grants SET status = 'expired', expired_at = $2
			WHERE id = $1 AND status = 'active'
			RETURNING user_id, counter, quantity`, id, at,
		).Scan(&userID, &counter, &quantity)
		if pg.IsNotFoundError(err) {
			return nil
		}
		if err != nil {
			return err
		}
		if _, err := users.NewPGStore(tx).IncrementCounter(ctx, userID, counter, -quantity); err != nil {
			return fmt.Errorf("decrement %s: %w", counter, err)
		}
		expired = true
		return nil
	})
	return expired, err
}
