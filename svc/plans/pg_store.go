package plans

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dmitrymomot/billsync/pkg/pg"
	"github.com/dmitrymomot/billsync/svc/users"
)

// PGStore implements Store on the plans and plan_gateway_codes tables.
type PGStore struct {
	pool *pgxpool.Pool
}

// NewPGStore creates a PostgreSQL-backed store.
func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

const planColumns = `slug, name, kind, COALESCE(addon_counter, ''), addon_quantity, grant_days`

func (s *PGStore) scan(ctx context.Context, row pgx.Row) (*Plan, error) {
	var (
		p       Plan
		counter string
	)
	if err := row.Scan(&p.Slug, &p.Name, &p.Kind, &counter, &p.AddonQuantity, &p.GrantDays); err != nil {
		if pg.IsNotFoundError(err) {
			return nil, ErrPlanNotFound
		}
		return nil, err
	}
	p.AddonCounter = users.Counter(counter)

	rows, err := s.pool.Query(ctx,
		`SELECT gateway, interval, code FROM plan_gateway_codes WHERE plan_slug = $1 ORDER BY gateway, interval`, p.Slug)
	if err != nil {
		return nil, err
	}
	codes, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Code, error) {
		var c Code
		err := row.Scan(&c.Gateway, &c.Interval, &c.Code)
		return c, err
	})
	if err != nil {
		return nil, err
	}
	p.Codes = codes
	return &p, nil
}

func (s *PGStore) GetBySlug(ctx context.Context, slug string) (*Plan, error) {
	return s.scan(ctx, s.pool.QueryRow(ctx, `SELECT `+planColumns+` FROM plans WHERE slug = $1`, slug))
}

func (s *PGStore) GetByCode(ctx context.Context, gateway, code string) (*Plan, error) {
	return s.scan(ctx, s.pool.QueryRow(ctx, `
		SELECT `+planColumns+` FROM plans
		WHERE slug = (SELECT plan_slug FROM plan_gateway_codes WHERE gateway = $1 AND code = $2)`,
		gateway, code))
}

// Upsert replaces the plan row and its full code set in one transaction.
func (s *PGStore) Upsert(ctx context.Context, p *Plan) error {
	if err := p.Validate(); err != nil {
		return err
	}
	return pg.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO plans (slug, name, kind, addon_counter, addon_quantity, grant_days)
			VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6)
			ON CONFLICT (slug) DO UPDATE SET
				name = EXCLUDED.name, kind = EXCLUDED.kind, addon_counter = EXCLUDED.addon_counter,
				addon_quantity = EXCLUDED.addon_quantity, grant_days = EXCLUDED.grant_days`,
			p.Slug, p.Name, p.Kind, string(p.AddonCounter), p.AddonQuantity, p.GrantDays)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `DELETE FROM plan_gateway_codes WHERE plan_slug = $1`, p.Slug); err != nil {
			return err
		}
		for _, c := range p.Codes {
			_, err := tx.Exec(ctx,
				`INSERT INTO plan_gateway_codes (plan_slug, gateway, interval, code) VALUES ($1, $2, $3, $4)`,
				p.Slug, c.Gateway, c.Interval, c.Code)
			if err != nil {
				if pg.IsDuplicateKeyError(err) {
					return errors.Join(ErrInvalidPlan, err)
				}
				return err
			}
		}
		return nil
	})
}

func (s *PGStore) List(ctx context.Context) ([]*Plan, error) {
	rows, err := s.pool.Query(ctx, `SELECT slug FROM plans ORDER BY slug`)
	if err != nil {
		return nil, err
	}
	slugs, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, err
	}
	out := make([]*Plan, 0, len(slugs))
	for _, slug := range slugs {
		p, err := s.GetBySlug(ctx, slug)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}
