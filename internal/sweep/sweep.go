package sweep

import (
	"context"
	"log/slog"
	"time"

	"giftrelay/internal/observability"
)

type Store interface {
	RequeueStuckProcessing(ctx context.Context, now time.Time, staleAfter time.Duration) (int, error)
	PurgeOrphanTasks(ctx context.Context) (int, error)
	PurgeOrphanTimers(ctx context.Context) (int, error)
}

// Sweeper handles the two periodic integrity passes: returning tasks
// abandoned by a crashed worker to the pending pool, and purging tasks
// and timers whose order has been deleted.
type Sweeper struct {
	Store        Store
	StuckTimeout time.Duration
	Now          func() time.Time
}

func (s *Sweeper) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now().UTC()
}

func (s *Sweeper) Tick(ctx context.Context) {
	if n, err := s.Store.RequeueStuckProcessing(ctx, s.now(), s.StuckTimeout); err != nil {
		slog.Error("stuck processing sweep failed", "err", err)
	} else if n > 0 {
		observability.SweepActions.WithLabelValues("requeued_stuck").Add(float64(n))
		slog.Warn("requeued stuck processing tasks", "count", n)
	}

	if n, err := s.Store.PurgeOrphanTasks(ctx); err != nil {
		slog.Error("orphan task sweep failed", "err", err)
	} else if n > 0 {
		observability.SweepActions.WithLabelValues("purged_tasks").Add(float64(n))
		slog.Info("purged orphan tasks", "count", n)
	}

	if n, err := s.Store.PurgeOrphanTimers(ctx); err != nil {
		slog.Error("orphan timer sweep failed", "err", err)
	} else if n > 0 {
		observability.SweepActions.WithLabelValues("deactivated_timers").Add(float64(n))
		slog.Info("deactivated orphan timers", "count", n)
	}
}
