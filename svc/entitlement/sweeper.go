package entitlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dmitrymomot/billsync/pkg/billing"
	"github.com/dmitrymomot/billsync/pkg/queue"
)

// SweepTaskName is the scheduled task that runs Sweep.
const SweepTaskName = "entitlement.sweep_grants"

const defaultSweepBatch = 500

// SweepResult summarizes one sweep run.
type SweepResult struct {
	// Processed counts grants expired by this run.
	Processed int `json:"processed"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
}

// Sweeper expires grants past their validity window.
type Sweeper struct {
	store Store
	batch int
	options
}

// NewSweeper returns a Sweeper that expires grants in batches.
func NewSweeper(store Store, opts ...Option) *Sweeper {
	return &Sweeper{store: store, batch: defaultSweepBatch, options: newOptions(opts)}
}

// Sweep expires every active grant with valid_until in the past. Grants are
// handled one by one; a failed grant stays active for the next run.
func (s *Sweeper) Sweep(ctx context.Context) (SweepResult, error) {
	grants, err := s.store.ListExpirable(ctx, s.now().UTC(), s.batch)
	if err != nil {
		return SweepResult{}, errors.Join(billing.ErrPersistence, fmt.Errorf("list expirable grants: %w", err))
	}

	var res SweepResult
	for _, grant := range grants {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		ok, err := expire(ctx, s.store, grant, s.options)
		switch {
		case err != nil:
			res.Failed++
		case ok:
			res.Processed++
		default:
			res.Skipped++
		}
	}

	s.metrics.SweepResult(res.Processed, res.Failed)
	if len(grants) > 0 {
		s.logger.InfoContext(ctx, "grant sweep finished",
			slog.Int("processed", res.Processed),
			slog.Int("failed", res.Failed),
			slog.Int("skipped", res.Skipped))
	}
	return res, nil
}

// Handler returns the queue handler for the scheduled sweep.
func (s *Sweeper) Handler() queue.Handler {
	return queue.NewPeriodicTaskHandler(SweepTaskName, func(ctx context.Context) error {
		_, err := s.Sweep(ctx)
		return err
	})
}
