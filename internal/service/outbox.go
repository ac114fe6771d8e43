package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"giftrelay/internal/cache"
	"giftrelay/internal/domain"
	"giftrelay/internal/observability"
	"giftrelay/internal/store"
)

type Store interface {
	EnqueueTask(ctx context.Context, in store.TaskInsert) error
	GetTask(ctx context.Context, taskID string) (domain.DeliveryTask, bool, error)
	StartTimer(ctx context.Context, in store.TimerInsert) (string, bool, error)
	CancelTimers(ctx context.Context, userID, orderID int64, orderStep string) (int, error)
	ListTemplates(ctx context.Context, activeOnly bool) ([]domain.MessageTemplate, error)
}

// Outbox is the producer-facing API. Producers (conversation engine,
// admin handlers, payment webhook) only ever touch the store through
// it; the channel is never called here.
type Outbox struct {
	Store      Store
	Inflight   cache.Inflight
	MaxRetries int

	InflightTTL time.Duration
	TaskIDGen   func() string
	TimerIDGen  func() string
	Now         func() time.Time
}

// ErrDuplicateInflight marks an identical request already being
// processed; callers should treat it as accepted, not as a failure.
var ErrDuplicateInflight = fmt.Errorf("duplicate in-flight request")

func (o *Outbox) now() time.Time {
	if o.Now != nil {
		return o.Now()
	}
	return time.Now().UTC()
}

// EnqueueTask validates and durably queues one outbound message. It is
// synchronous and fast; delivery happens later in the worker.
func (o *Outbox) EnqueueTask(ctx context.Context, req domain.EnqueueTaskRequest) (string, error) {
	if err := req.Validate(); err != nil {
		return "", err
	}

	if o.Inflight != nil {
		ok, err := o.Inflight.Acquire(ctx, fingerprint(req), o.InflightTTL)
		if err == nil && !ok {
			observability.InflightDropped.Inc()
			return "", ErrDuplicateInflight
		}
		// A cache error is not a reason to drop work; fall through.
	}

	in := store.TaskInsert{
		ID:               o.TaskIDGen(),
		OrderID:          req.OrderID,
		UserID:           req.UserID,
		Kind:             req.Kind,
		Payload:          req.Payload,
		MaxRetries:       o.MaxRetries,
		IsGeneralMessage: req.IsGeneralMessage,
		Now:              o.now(),
	}
	if err := o.Store.EnqueueTask(ctx, in); err != nil {
		observability.Enqueues.WithLabelValues("error").Inc()
		return "", err
	}
	observability.Enqueues.WithLabelValues("ok").Inc()
	return in.ID, nil
}

func (o *Outbox) GetTask(ctx context.Context, taskID string) (domain.DeliveryTask, bool, error) {
	return o.Store.GetTask(ctx, taskID)
}

// StartTimer is idempotent: a second call for an active
// (user, order, step) returns the existing timer and does not reset
// its started_at.
func (o *Outbox) StartTimer(ctx context.Context, req domain.StartTimerRequest) (string, bool, error) {
	if err := req.Validate(); err != nil {
		return "", false, err
	}
	return o.Store.StartTimer(ctx, store.TimerInsert{
		ID:          o.TimerIDGen(),
		UserID:      req.UserID,
		OrderID:     req.OrderID,
		OrderStep:   req.OrderStep,
		ProductType: req.ProductType,
		Now:         o.now(),
	})
}

// CancelTimers deactivates timers for the order; with an empty step it
// cancels every active timer of that order.
func (o *Outbox) CancelTimers(ctx context.Context, req domain.CancelTimersRequest) (int, error) {
	if err := req.Validate(); err != nil {
		return 0, err
	}
	return o.Store.CancelTimers(ctx, req.UserID, req.OrderID, req.OrderStep)
}

func (o *Outbox) ListTemplates(ctx context.Context, activeOnly bool) ([]domain.MessageTemplate, error) {
	return o.Store.ListTemplates(ctx, activeOnly)
}

func fingerprint(req domain.EnqueueTaskRequest) string {
	b, _ := json.Marshal(req)
	sum := sha256.Sum256(b)
	return "enqueue:" + hex.EncodeToString(sum[:16])
}
