package domain

import (
	"errors"
	"time"
)

type TaskStatus string

const (
	StatusPending    TaskStatus = "pending"
	StatusProcessing TaskStatus = "processing"
	StatusSent       TaskStatus = "sent"
	StatusFailed     TaskStatus = "failed"
)

// Terminal reports whether a status is absorbing: once a task is sent
// or failed its status never changes again.
func (s TaskStatus) Terminal() bool {
	return s == StatusSent || s == StatusFailed
}

// TaskKind is a closed set. The worker dispatches on it exhaustively;
// a kind outside this set fails the task permanently.
type TaskKind string

const (
	KindText                TaskKind = "text"
	KindFile                TaskKind = "file"
	KindTextWithButtons     TaskKind = "text_with_buttons"
	KindMultiFileWithButton TaskKind = "multi_file_with_button"
	KindPageSelection       TaskKind = "page_selection"
	KindCoversSelection     TaskKind = "covers_selection"
)

func (k TaskKind) Valid() bool {
	switch k {
	case KindText, KindFile, KindTextWithButtons, KindMultiFileWithButton,
		KindPageSelection, KindCoversSelection:
		return true
	}
	return false
}

// TaskPayload carries the variant-specific fields for a task kind.
// Only the fields relevant to the kind are populated.
type TaskPayload struct {
	Text           string   `json:"text,omitempty"`
	Path           string   `json:"path,omitempty"`
	Paths          []string `json:"paths,omitempty"`
	FileType       string   `json:"fileType,omitempty"`
	Comment        string   `json:"comment,omitempty"`
	ButtonText     string   `json:"buttonText,omitempty"`
	ButtonCallback string   `json:"buttonCallback,omitempty"`
	PageLabel      string   `json:"pageLabel,omitempty"`
}

type DeliveryTask struct {
	ID               string
	OrderID          int64
	UserID           int64
	Kind             TaskKind
	Payload          TaskPayload
	Status           TaskStatus
	RetryCount       int
	MaxRetries       int
	NextAttemptAt    time.Time
	IsGeneralMessage bool
	LastError        string
	CreatedAt        time.Time
	UpdatedAt        time.Time
	SentAt           *time.Time
}

type StepTimer struct {
	ID          string
	UserID      int64
	OrderID     int64
	OrderStep   string
	ProductType string
	StartedAt   time.Time
	IsActive    bool
}

// MessageTemplate is owned by the admin backend; the scheduler only
// reads it.
type MessageTemplate struct {
	ID           int64  `json:"id"`
	MessageType  string `json:"messageType"`
	Content      string `json:"content"`
	OrderStep    string `json:"orderStep"`
	DelayMinutes int    `json:"delayMinutes"`
	IsActive     bool   `json:"isActive"`
}

type EnqueueTaskRequest struct {
	OrderID          int64       `json:"orderId"`
	UserID           int64       `json:"userId"`
	Kind             TaskKind    `json:"kind"`
	Payload          TaskPayload `json:"payload"`
	IsGeneralMessage bool        `json:"isGeneralMessage,omitempty"`
}

func (r EnqueueTaskRequest) Validate() error {
	if r.OrderID == 0 || r.UserID == 0 {
		return ErrMissingFields
	}
	if !r.Kind.Valid() {
		return ErrUnknownKind
	}
	switch r.Kind {
	case KindText, KindTextWithButtons:
		if r.Payload.Text == "" {
			return ErrMissingFields
		}
	case KindFile, KindPageSelection:
		if r.Payload.Path == "" {
			return ErrMissingFields
		}
	case KindMultiFileWithButton:
		if len(r.Payload.Paths) == 0 {
			return ErrMissingFields
		}
	}
	return nil
}

type StartTimerRequest struct {
	UserID      int64  `json:"userId"`
	OrderID     int64  `json:"orderId"`
	OrderStep   string `json:"orderStep"`
	ProductType string `json:"productType"`
}

func (r StartTimerRequest) Validate() error {
	if r.UserID == 0 || r.OrderID == 0 || r.OrderStep == "" {
		return ErrMissingFields
	}
	return nil
}

type CancelTimersRequest struct {
	UserID    int64  `json:"userId"`
	OrderID   int64  `json:"orderId"`
	OrderStep string `json:"orderStep,omitempty"`
}

func (r CancelTimersRequest) Validate() error {
	if r.UserID == 0 || r.OrderID == 0 {
		return ErrMissingFields
	}
	return nil
}

var (
	ErrMissingFields = errors.New("missing required fields")
	ErrUnknownKind   = errors.New("unknown task kind")
)

type EnqueueResponse struct {
	TaskID string `json:"taskId"`
	Status string `json:"status"`
}

type TimerResponse struct {
	TimerID string `json:"timerId"`
	Started bool   `json:"started"`
}

type CancelResponse struct {
	Canceled int `json:"canceled"`
}
