package notify

import (
	"context"
	"errors"
	"fmt"
	"net"
)

var (
	ErrEmptyFeed      = errors.New("no incidents to report")
	ErrNoRecipient    = errors.New("no recipient configured")
	ErrSendInProgress = errors.New("a notification is already being sent")
	ErrClosed         = errors.New("notification trigger closed")
	ErrBadRecipient   = errors.New("invalid recipient address")
)

// SendError is returned by transports. Retryable separates transient
// failures (timeouts, 5xx, rate limiting) from definitive rejections such
// as an invalid recipient or bad credentials.
type SendError struct {
	StatusCode int
	Message    string
	Retryable  bool
	Err        error
}

func (e *SendError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.StatusCode != 0 {
		return fmt.Sprintf("send failed (HTTP %d): %s", e.StatusCode, msg)
	}
	return "send failed: " + msg
}

func (e *SendError) Unwrap() error {
	return e.Err
}

// IsRetryable classifies err. Timeouts and network errors are retryable
// even when the transport did not wrap them.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var se *SendError
	if errors.As(err, &se) {
		return se.Retryable
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne)
}
