package users

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/dmitrymomot/billsync/pkg/pg"
)

// PGStore implements Store on PostgreSQL.
type PGStore struct {
	db pg.DBTX
}

// NewPGStore creates a store over a pool or transaction.
func NewPGStore(db pg.DBTX) *PGStore {
	return &PGStore{db: db}
}

const userColumns = `id, email, password_hash, email_confirmed_at, COALESCE(plan_id, ''),
	organizations_extra, member_seats_extra, metadata, created_at, updated_at`

func scanUser(row pgx.Row) (*User, error) {
	var (
		u        User
		metadata []byte
	)
	err := row.Scan(&u.ID, &u.Email, &u.PasswordHash, &u.EmailConfirmedAt, &u.PlanID,
		&u.OrganizationsExtra, &u.MemberSeatsExtra, &metadata, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		if pg.IsNotFoundError(err) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &u.Metadata); err != nil {
			return nil, fmt.Errorf("decode user metadata: %w", err)
		}
	}
	return &u, nil
}

func (s *PGStore) GetByID(ctx context.Context, id uuid.UUID) (*User, error) {
	return scanUser(s.db.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id))
}

func (s *PGStore) GetByEmail(ctx context.Context, email string) (*User, error) {
	return scanUser(s.db.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE email = $1`, email))
}

func (s *PGStore) Create(ctx context.Context, u *User) error {
	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	metadata, err := json.Marshal(u.Metadata)
	if err != nil {
		return fmt.Errorf("encode user metadata: %w", err)
	}
	if u.Metadata == nil {
		metadata = []byte(`{}`)
	}

	err = s.db.QueryRow(ctx, `
		INSERT INTO users (id, email, password_hash, email_confirmed_at, plan_id, metadata)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6)
		RETURNING created_at, updated_at`,
		u.ID, u.Email, u.PasswordHash, u.EmailConfirmedAt, u.PlanID, metadata,
	).Scan(&u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		if pg.IsDuplicateKeyError(err) {
			return ErrEmailTaken
		}
		return err
	}
	return nil
}

func (s *PGStore) SetPlan(ctx context.Context, id uuid.UUID, planID string) error {
	tag, err := s.db.Exec(ctx, `UPDATE users SET plan_id = $2, updated_at = NOW() WHERE id = $1`, id, planID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrUserNotFound
	}
	return nil
}

// counterQueries holds one statement per counter so no column name is ever built from input.
var counterQueries = map[Counter]string{
	CounterMemberSeats: `UPDATE users SET member_seats_extra = GREATEST(member_seats_extra + $2, 0), updated_at = NOW()
		WHERE id = $1 RETURNING member_seats_extra`,
	CounterOrganizations: `UPDATE users SET organizations_extra = GREATEST(organizations_extra + $2, 0), updated_at = NOW()
		WHERE id = $1 RETURNING organizations_extra`,
}

func (s *PGStore) IncrementCounter(ctx context.Context, id uuid.UUID, c Counter, delta int64) (int64, error) {
	query, ok := counterQueries[c]
	if !ok {
		return 0, ErrInvalidCounter
	}

	var value int64
	if err := s.db.QueryRow(ctx, query, id, delta).Scan(&value); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrUserNotFound
		}
		return 0, err
	}
	return value, nil
}
