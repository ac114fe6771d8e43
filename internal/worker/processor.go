package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"giftrelay/internal/channel"
	"giftrelay/internal/domain"
	"giftrelay/internal/observability"
	"giftrelay/internal/store"
)

type Store interface {
	ClaimPendingTasks(ctx context.Context, now time.Time, limit int) ([]domain.DeliveryTask, error)
	MarkTaskSent(ctx context.Context, taskID string, now time.Time) error
	MarkTaskFailed(ctx context.Context, taskID, reason string, now time.Time) error
	ScheduleTaskRetry(ctx context.Context, taskID, reason string, nextAttempt, now time.Time) error
	ReleaseTask(ctx context.Context, taskID string, nextAttempt, now time.Time) error
	EnqueueTask(ctx context.Context, in store.TaskInsert) error
}

// Processor drains the outbox: it claims pending tasks, dispatches each
// to the channel client by kind, and applies the retry policy. Safe to
// run from several replicas; claiming is the only coordination point.
type Processor struct {
	Store   Store
	Channel channel.Client
	Limiter *rate.Limiter
	Breaker *gobreaker.CircuitBreaker

	SendTimeout time.Duration
	BackoffBase time.Duration
	BackoffCap  time.Duration
	Concurrency int

	AdminChatID int64
	MaxRetries  int
	IDGen       func() string
	Now         func() time.Time
}

func (p *Processor) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now().UTC()
}

// RunBatch claims up to limit due tasks and processes them. Returns the
// number of tasks claimed.
func (p *Processor) RunBatch(ctx context.Context, limit int) int {
	tasks, err := p.Store.ClaimPendingTasks(ctx, p.now(), limit)
	if err != nil {
		slog.Error("claim pending tasks failed", "err", err)
		return 0
	}
	if len(tasks) == 0 {
		return 0
	}

	workers := p.Concurrency
	if workers <= 1 {
		for _, t := range tasks {
			p.Process(ctx, t)
		}
		return len(tasks)
	}

	jobs := make(chan domain.DeliveryTask)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for t := range jobs {
				p.Process(ctx, t)
			}
		}()
	}
	for _, t := range tasks {
		jobs <- t
	}
	close(jobs)
	wg.Wait()
	return len(tasks)
}

// Process dispatches one claimed task and settles its status.
func (p *Processor) Process(ctx context.Context, task domain.DeliveryTask) {
	if task.Status != domain.StatusProcessing {
		return
	}

	if p.Limiter != nil {
		if err := p.Limiter.Wait(ctx); err != nil {
			// Could not even acquire a send slot; give the task back
			// without burning a retry.
			_ = p.Store.ReleaseTask(ctx, task.ID, p.now().Add(p.BackoffBase), p.now())
			return
		}
	}

	start := p.now()
	err := p.dispatchWithBreaker(ctx, task)
	if err == nil {
		observability.Sends.WithLabelValues("ok", "").Inc()
		observability.SendLatency.Observe(time.Since(start).Seconds())
		if err := p.Store.MarkTaskSent(ctx, task.ID, p.now()); err != nil {
			slog.Error("mark task sent failed", "task_id", task.ID, "err", err)
		}
		return
	}

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		// Provider protection tripped; not this task's fault.
		observability.Sends.WithLabelValues("cb_open", "").Inc()
		_ = p.Store.ReleaseTask(ctx, task.ID, p.now().Add(p.BackoffBase), p.now())
		return
	}

	ce := channel.Classify(err)
	observability.Sends.WithLabelValues("error", string(ce.Code)).Inc()

	if ce.Permanent() {
		p.fail(ctx, task, ce)
		return
	}

	if task.RetryCount+1 > task.MaxRetries {
		p.fail(ctx, task, ce)
		return
	}

	delay := p.backoff(task.RetryCount)
	if ce.RetryAfter > delay {
		delay = ce.RetryAfter
	}
	nextAttempt := p.now().Add(delay)
	if err := p.Store.ScheduleTaskRetry(ctx, task.ID, ce.Error(), nextAttempt, p.now()); err != nil {
		slog.Error("schedule retry failed", "task_id", task.ID, "err", err)
		return
	}
	slog.Info("task retry scheduled",
		"task_id", task.ID,
		"retry", task.RetryCount+1,
		"next_attempt_at", nextAttempt,
		"code", string(ce.Code),
	)
}

func (p *Processor) dispatchWithBreaker(ctx context.Context, task domain.DeliveryTask) error {
	call := func() (any, error) {
		sendCtx := ctx
		if p.SendTimeout > 0 {
			var cancel context.CancelFunc
			sendCtx, cancel = context.WithTimeout(ctx, p.SendTimeout)
			defer cancel()
		}
		return nil, p.dispatch(sendCtx, task)
	}
	if p.Breaker == nil {
		_, err := call()
		return err
	}
	_, err := p.Breaker.Execute(call)
	return err
}

// dispatch maps a task kind to the channel call. The kind set is
// closed; anything else is a permanently failing payload.
func (p *Processor) dispatch(ctx context.Context, task domain.DeliveryTask) error {
	pl := task.Payload
	switch task.Kind {
	case domain.KindText:
		return p.Channel.SendText(ctx, task.UserID, pl.Text, nil)
	case domain.KindTextWithButtons:
		return p.Channel.SendText(ctx, task.UserID, pl.Text, buttons(pl))
	case domain.KindFile:
		return p.Channel.SendFile(ctx, task.UserID, pl.Path, pl.FileType, pl.Comment, nil)
	case domain.KindMultiFileWithButton:
		return p.Channel.SendMulti(ctx, task.UserID, pl.Paths, pl.Text, buttons(pl))
	case domain.KindPageSelection:
		return p.Channel.SendFile(ctx, task.UserID, pl.Path, "photo", pl.PageLabel, buttons(pl))
	case domain.KindCoversSelection:
		if len(pl.Paths) > 0 {
			return p.Channel.SendMulti(ctx, task.UserID, pl.Paths, pl.Text, buttons(pl))
		}
		return p.Channel.SendText(ctx, task.UserID, pl.Text, buttons(pl))
	default:
		return &channel.Error{
			Code: channel.CodePayloadTooLarge,
			Err:  fmt.Errorf("unhandled task kind %q", task.Kind),
		}
	}
}

func (p *Processor) fail(ctx context.Context, task domain.DeliveryTask, ce *channel.Error) {
	if err := p.Store.MarkTaskFailed(ctx, task.ID, ce.Error(), p.now()); err != nil {
		slog.Error("mark task failed failed", "task_id", task.ID, "err", err)
		return
	}
	slog.Warn("task failed",
		"task_id", task.ID,
		"order_id", task.OrderID,
		"code", string(ce.Code),
		"retries", task.RetryCount,
	)
	p.notifyAdmin(ctx, task, ce)
}

// notifyAdmin enqueues a plain text task to the admin chat. It is just
// another delivery task; nothing special downstream.
func (p *Processor) notifyAdmin(ctx context.Context, task domain.DeliveryTask, ce *channel.Error) {
	if p.AdminChatID == 0 || task.IsGeneralMessage {
		return
	}
	in := store.TaskInsert{
		ID:      p.IDGen(),
		OrderID: task.OrderID,
		UserID:  p.AdminChatID,
		Kind:    domain.KindText,
		Payload: domain.TaskPayload{
			Text: fmt.Sprintf("Delivery failed for order %d (task %s): %s", task.OrderID, task.ID, ce.Error()),
		},
		MaxRetries:       p.MaxRetries,
		IsGeneralMessage: true,
		Now:              p.now(),
	}
	if err := p.Store.EnqueueTask(ctx, in); err != nil {
		slog.Error("admin notification enqueue failed", "task_id", task.ID, "err", err)
	}
}

func (p *Processor) backoff(retryCount int) time.Duration {
	d := p.BackoffBase << uint(retryCount)
	if p.BackoffCap > 0 && (d > p.BackoffCap || d <= 0) {
		d = p.BackoffCap
	}
	return d
}

func buttons(pl domain.TaskPayload) []channel.Button {
	if pl.ButtonText == "" {
		return nil
	}
	return []channel.Button{{Text: pl.ButtonText, Callback: pl.ButtonCallback}}
}
