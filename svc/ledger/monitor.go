package ledger

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/dmitrymomot/billsync/pkg/logger"
	"github.com/dmitrymomot/billsync/pkg/queue"
)

// MonitorTaskName is the scheduled task reporting stuck deliveries.
const MonitorTaskName = "ledger.monitor"

const monitorLimit = 100

// Backlog counts entries that need attention.
type Backlog struct {
	Failed int
	Stale  int
}

// Backlog lists failed entries and received entries untouched for longer
// than the reclaim window. Counts are capped at 100 each.
func (l *Ledger) Backlog(ctx context.Context) (Backlog, error) {
	failed, ferr := l.ListFailed(ctx, monitorLimit)
	stale, serr := l.ListStale(ctx, l.reclaimAfter, monitorLimit)
	if err := errors.Join(ferr, serr); err != nil {
		return Backlog{}, errors.Join(ErrListEntries, err)
	}
	return Backlog{Failed: len(failed), Stale: len(stale)}, nil
}

// MonitorHandler logs the backlog on every scheduled run so operators see
// deliveries waiting for a gateway retry.
func (l *Ledger) MonitorHandler() queue.Handler {
	return queue.NewPeriodicTaskHandler(MonitorTaskName, func(ctx context.Context) error {
		started := time.Now()
		b, err := l.Backlog(ctx)
		if err != nil {
			return err
		}
		level := slog.LevelDebug
		if b.Failed > 0 || b.Stale > 0 {
			level = slog.LevelWarn
		}
		l.logger.Log(ctx, level, "webhook ledger backlog",
			slog.Int("failed", b.Failed),
			slog.Int("stale", b.Stale),
			logger.Duration(time.Since(started)),
		)
		return nil
	})
}
