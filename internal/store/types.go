package store

import (
	"fmt"
	"time"

	"giftrelay/internal/domain"
)

// StorageError wraps database failures so producers can tell "the
// store is down" apart from validation problems. Enqueue and timer
// calls fail loudly with it rather than dropping work.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string { return fmt.Sprintf("storage: %s: %v", e.Op, e.Err) }
func (e *StorageError) Unwrap() error { return e.Err }

func WrapStorage(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StorageError{Op: op, Err: err}
}

type TaskInsert struct {
	ID               string
	OrderID          int64
	UserID           int64
	Kind             domain.TaskKind
	Payload          domain.TaskPayload
	MaxRetries       int
	IsGeneralMessage bool
	Now              time.Time
}

type TimerInsert struct {
	ID          string
	UserID      int64
	OrderID     int64
	OrderStep   string
	ProductType string
	Now         time.Time
}

// Firing is one due (timer, template) pair produced by the scheduler
// join, carrying the order fields needed to render the template.
type Firing struct {
	TimerID       string
	TemplateID    int64
	UserID        int64
	OrderID       int64
	OrderStep     string
	DelayMinutes  int
	Content       string
	MessageType   string
	UserName      string
	RecipientName string
	StartedAt     time.Time
}

// FiringInsert is the atomic dedup-write + enqueue performed per due
// pair. Task holds the already-rendered payload.
type FiringInsert struct {
	TimerID    string
	TemplateID int64
	Task       TaskInsert
}
