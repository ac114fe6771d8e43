package channel

import (
	"context"
	"errors"
	"net"
	"time"
)

// Button is an inline keyboard button attached to an outgoing message.
type Button struct {
	Text     string
	Callback string
}

// Client is the only boundary where the core touches the live
// messaging platform. Implementations must bound each call with the
// provided context.
type Client interface {
	SendText(ctx context.Context, userID int64, text string, buttons []Button) error
	SendFile(ctx context.Context, userID int64, fileRef, fileType, caption string, buttons []Button) error
	SendMulti(ctx context.Context, userID int64, fileRefs []string, caption string, buttons []Button) error
}

type ErrorCode string

const (
	CodeBlocked         ErrorCode = "blocked"
	CodeRateLimited     ErrorCode = "rate_limited"
	CodePayloadTooLarge ErrorCode = "payload_too_large"
	CodeTimeout         ErrorCode = "timeout"
	CodeUnknown         ErrorCode = "unknown"
)

// Error classifies a failed send. RetryAfter is only set for
// rate_limited and comes straight from the platform.
type Error struct {
	Code       ErrorCode
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return string(e.Code) + ": " + e.Err.Error()
	}
	return string(e.Code)
}

func (e *Error) Unwrap() error { return e.Err }

// Permanent reports whether retrying can ever succeed.
func (e *Error) Permanent() bool {
	return e.Code == CodeBlocked || e.Code == CodePayloadTooLarge
}

// Classify maps an arbitrary send error to a channel Error. Errors that
// are not recognizably permanent are treated as transient.
func Classify(err error) *Error {
	var ce *Error
	if errors.As(err, &ce) {
		return ce
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Code: CodeTimeout, Err: err}
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return &Error{Code: CodeTimeout, Err: err}
	}
	return &Error{Code: CodeUnknown, Err: err}
}
