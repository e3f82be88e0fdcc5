package ledger

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/dmitrymomot/billsync/pkg/pg"
)

// PGStore implements Store on the webhook_logs table.
type PGStore struct {
	db pg.DBTX
}

// NewPGStore creates a PostgreSQL-backed store.
func NewPGStore(db pg.DBTX) *PGStore {
	return &PGStore{db: db}
}

const entryColumns = `id, gateway, event_type, external_id, COALESCE(idempotency_key, ''), status,
	payload, COALESCE(error, ''), attempts, created_at, updated_at, processed_at`

func scanEntry(row pgx.Row) (*Entry, error) {
	var e Entry
	err := row.Scan(&e.ID, &e.Gateway, &e.EventType, &e.ExternalID, &e.Key, &e.Status,
		&e.Payload, &e.Error, &e.Attempts, &e.CreatedAt, &e.UpdatedAt, &e.ProcessedAt)
	if err != nil {
		if pg.IsNotFoundError(err) {
			return nil, ErrEntryNotFound
		}
		return nil, err
	}
	return &e, nil
}

func (s *PGStore) Insert(ctx context.Context, e *Entry) error {
	err := s.db.QueryRow(ctx, `
		INSERT INTO webhook_logs (id, gateway, event_type, external_id, idempotency_key, status, payload, error, attempts)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6, $7, NULLIF($8, ''), $9)
		RETURNING created_at, updated_at`,
		e.ID, e.Gateway, e.EventType, e.ExternalID, e.Key, e.Status, e.Payload, e.Error, e.Attempts,
	).Scan(&e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		if pg.IsDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return err
	}
	return nil
}

func (s *PGStore) GetByKey(ctx context.Context, key string) (*Entry, error) {
	return scanEntry(s.db.QueryRow(ctx,
		`SELECT `+entryColumns+` FROM webhook_logs WHERE idempotency_key = $1`, key))
}

func (s *PGStore) Reclaim(ctx context.Context, key string, staleBefore time.Time) (*Entry, bool, error) {
	e, err := scanEntry(s.db.QueryRow(ctx, `
		UPDATE webhook_logs
		SET status = 'received', error = NULL, attempts = attempts + 1, updated_at = NOW()
		WHERE idempotency_key = $1
		  AND (status = 'failed' OR (status = 'received' AND updated_at < $2))
		RETURNING `+entryColumns, key, staleBefore))
	if err != nil {
		if err == ErrEntryNotFound {
			return nil, false, nil
		}
		return nil, false, err
	}
	return e, true, nil
}

func (s *PGStore) Finish(ctx context.Context, id uuid.UUID, status Status, errMsg string) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE webhook_logs
		SET status = $2, error = NULLIF($3, ''), updated_at = NOW(),
		    processed_at = CASE WHEN $2 IN ('processed', 'ignored') THEN NOW() ELSE processed_at END
		WHERE id = $1`, id, status, errMsg)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrEntryNotFound
	}
	return nil
}

func (s *PGStore) ListByStatus(ctx context.Context, status Status, updatedBefore time.Time, limit int) ([]*Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(ctx, `
		SELECT `+entryColumns+` FROM webhook_logs
		WHERE status = $1 AND updated_at <= $2
		ORDER BY updated_at
		LIMIT $3`, status, updatedBefore, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
