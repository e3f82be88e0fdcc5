// Package ledger records every inbound webhook delivery and arbitrates
// exactly-once processing through the unique idempotency key.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrymomot/billsync/pkg/billing"
	"github.com/dmitrymomot/billsync/pkg/logger"
)

// Status is the processing state of a ledger entry.
type Status string

const (
	StatusReceived  Status = "received"
	StatusProcessed Status = "processed"
	StatusFailed    Status = "failed"
	StatusIgnored   Status = "ignored"
)

var (
	ErrDuplicateKey  = errors.New("idempotency key already recorded")
	ErrEntryNotFound = errors.New("ledger entry not found")
	ErrListEntries   = errors.New("failed to list ledger entries")
)

// Entry is one recorded delivery. Entries are never deleted.
type Entry struct {
	ID          uuid.UUID
	Gateway     string
	EventType   string
	ExternalID  string
	Key         string
	Status      Status
	Payload     []byte
	Error       string
	Attempts    int
	CreatedAt   time.Time
	UpdatedAt   time.Time
	ProcessedAt *time.Time
}

// Store persists ledger entries.
type Store interface {
	// Insert returns ErrDuplicateKey when a non-empty key already exists.
	Insert(ctx context.Context, e *Entry) error
	GetByKey(ctx context.Context, key string) (*Entry, error)
	// Reclaim moves a failed entry, or a received entry last touched before
	// staleBefore, back to received and bumps its attempts. It reports false
	// when another caller got there first or the entry is not reclaimable.
	Reclaim(ctx context.Context, key string, staleBefore time.Time) (*Entry, bool, error)
	Finish(ctx context.Context, id uuid.UUID, status Status, errMsg string) error
	ListByStatus(ctx context.Context, status Status, updatedBefore time.Time, limit int) ([]*Entry, error)
}

// Reservation is the result of Reserve.
type Reservation struct {
	Entry *Entry
	// Duplicate means the key was already handled or is being handled now.
	Duplicate bool
	// Reclaimed means a failed or abandoned entry was taken over for reprocessing.
	Reclaimed bool
}

// Ledger wraps a Store with reservation semantics.
type Ledger struct {
	store        Store
	reclaimAfter time.Duration
	now          func() time.Time
	logger       *slog.Logger
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithReclaimAfter sets how long a received entry may stay unfinished before
// another delivery may take it over.
func WithReclaimAfter(d time.Duration) Option {
	return func(l *Ledger) {
		if d > 0 {
			l.reclaimAfter = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) Option {
	return func(l *Ledger) {
		if log != nil {
			l.logger = log
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) {
		if now != nil {
			l.now = now
		}
	}
}

// New creates a Ledger.
func New(store Store, opts ...Option) *Ledger {
	l := &Ledger{
		store:        store,
		reclaimAfter: 10 * time.Minute,
		now:          time.Now,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Reserve records a received delivery. The unique key decides concurrent races:
// the loser sees Duplicate unless the existing entry is reclaimable.
func (l *Ledger) Reserve(ctx context.Context, e Entry) (Reservation, error) {
	entry := e
	entry.ID = uuid.New()
	entry.Status = StatusReceived
	entry.Attempts = 1

	err := l.store.Insert(ctx, &entry)
	if err == nil {
		return Reservation{Entry: &entry}, nil
	}
	if !errors.Is(err, ErrDuplicateKey) {
		return Reservation{}, errors.Join(billing.ErrPersistence, fmt.Errorf("reserve %q: %w", e.Key, err))
	}

	reclaimed, ok, err := l.store.Reclaim(ctx, e.Key, l.now().Add(-l.reclaimAfter))
	if err != nil {
		return Reservation{}, errors.Join(billing.ErrPersistence, fmt.Errorf("reclaim %q: %w", e.Key, err))
	}
	if ok {
		l.logger.InfoContext(ctx, "reclaimed ledger entry",
			logger.IdempotencyKey(e.Key),
			slog.Int("attempts", reclaimed.Attempts))
		return Reservation{Entry: reclaimed, Reclaimed: true}, nil
	}

	existing, err := l.store.GetByKey(ctx, e.Key)
	if err != nil {
		return Reservation{}, errors.Join(billing.ErrPersistence, fmt.Errorf("load %q: %w", e.Key, err))
	}
	return Reservation{Entry: existing, Duplicate: true}, nil
}

// Record stores a delivery that never reached reservation, such as a payload
// that failed to parse. It carries no key and is never deduplicated.
func (l *Ledger) Record(ctx context.Context, e Entry, cause error) (*Entry, error) {
	entry := e
	entry.ID = uuid.New()
	entry.Key = ""
	entry.Status = StatusFailed
	entry.Attempts = 1
	if cause != nil {
		entry.Error = cause.Error()
	}
	if err := l.store.Insert(ctx, &entry); err != nil {
		return nil, errors.Join(billing.ErrPersistence, err)
	}
	return &entry, nil
}

// MarkProcessed finalizes a reserved entry as applied.
func (l *Ledger) MarkProcessed(ctx context.Context, e *Entry) error {
	return l.finish(ctx, e, StatusProcessed, "")
}

// MarkIgnored finalizes a verified entry that required no state change.
func (l *Ledger) MarkIgnored(ctx context.Context, e *Entry, reason string) error {
	return l.finish(ctx, e, StatusIgnored, reason)
}

// MarkFailed finalizes a reserved entry as failed so a later redelivery can reclaim it.
func (l *Ledger) MarkFailed(ctx context.Context, e *Entry, cause error) error {
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}
	return l.finish(ctx, e, StatusFailed, msg)
}

func (l *Ledger) finish(ctx context.Context, e *Entry, status Status, msg string) error {
	if e == nil {
		return ErrEntryNotFound
	}
	if err := l.store.Finish(ctx, e.ID, status, msg); err != nil {
		return errors.Join(billing.ErrPersistence, fmt.Errorf("finish %s as %s: %w", e.ID, status, err))
	}
	e.Status = status
	e.Error = msg
	return nil
}

// ListFailed returns failed entries, oldest first.
func (l *Ledger) ListFailed(ctx context.Context, limit int) ([]*Entry, error) {
	return l.store.ListByStatus(ctx, StatusFailed, l.now(), limit)
}

// ListStale returns received entries not touched for longer than olderThan.
func (l *Ledger) ListStale(ctx context.Context, olderThan time.Duration, limit int) ([]*Entry, error) {
	return l.store.ListByStatus(ctx, StatusReceived, l.now().Add(-olderThan), limit)
}
