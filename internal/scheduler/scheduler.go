package scheduler

import (
	"context"
	"log/slog"
	"time"

	"giftrelay/internal/domain"
	"giftrelay/internal/observability"
	"giftrelay/internal/store"
	"giftrelay/internal/util"
)

type Store interface {
	DueFirings(ctx context.Context, limit int) ([]store.Firing, error)
	FireTemplate(ctx context.Context, in store.FiringInsert) (bool, error)
}

// Scheduler turns elapsed step timers into delivery tasks. Each tick
// scans the active timer x active template join; the dedup ledger
// guarantees a (timer, template) pair fires at most once no matter how
// many ticks or replicas run.
type Scheduler struct {
	Store      Store
	BatchSize  int
	MaxRetries int
	IDGen      func() string
	Now        func() time.Time
}

func (s *Scheduler) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now().UTC()
}

// Tick fires every overdue unfired pair, oldest timer first and
// shortest delay first within a timer, so a user who missed several
// thresholds gets the reminders in logical order.
func (s *Scheduler) Tick(ctx context.Context) {
	firings, err := s.Store.DueFirings(ctx, s.BatchSize)
	if err != nil {
		slog.Error("due firings query failed", "err", err)
		return
	}

	fired := 0
	for _, f := range firings {
		if ctx.Err() != nil {
			return
		}
		ok, err := s.fire(ctx, f)
		if err != nil {
			observability.TimerFirings.WithLabelValues("error").Inc()
			slog.Error("template firing failed",
				"timer_id", f.TimerID,
				"template_id", f.TemplateID,
				"err", err,
			)
			continue
		}
		if ok {
			fired++
			observability.TimerFirings.WithLabelValues("fired").Inc()
		} else {
			observability.TimerFirings.WithLabelValues("dedup_skip").Inc()
		}
	}

	if len(firings) > 0 {
		slog.Info("scheduler tick", "due", len(firings), "fired", fired)
	}
}

func (s *Scheduler) fire(ctx context.Context, f store.Firing) (bool, error) {
	content := util.RenderTemplate(f.Content, map[string]string{
		"user_name":      f.UserName,
		"recipient_name": f.RecipientName,
	})
	return s.Store.FireTemplate(ctx, store.FiringInsert{
		TimerID:    f.TimerID,
		TemplateID: f.TemplateID,
		Task: store.TaskInsert{
			ID:         s.IDGen(),
			OrderID:    f.OrderID,
			UserID:     f.UserID,
			Kind:       domain.KindText,
			Payload:    domain.TaskPayload{Text: content},
			MaxRetries: s.MaxRetries,
			Now:        s.now(),
		},
	})
}
