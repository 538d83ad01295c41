package transport

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ChatTarget is a delivery destination: a chat plus an optional forum topic.
type ChatTarget struct {
	ChatID   int64 `json:"chat_id"`
	ThreadID int   `json:"thread_id,omitempty"`
}

func (t ChatTarget) IsZero() bool { return t.ChatID == 0 }

type MessageRef struct {
	ChatID    int64
	ThreadID  int
	MessageID int
}

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
}

// TextSender is the narrow send capability (used by the log sink).
type TextSender interface {
	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
}

// Sender is the delivery collaborator.
//
// Ping performs the endpoint identity check. It is a critical operation and
// callers never gate it behind a circuit breaker.
type Sender interface {
	TextSender
	Ping(ctx context.Context) error
}

// Operation names used for breaker and backoff decisions.
const (
	OpSendMessage = "sendMessage"
	OpGetMe       = "getMe"
)

// SendError is the structured failure returned by a Sender.
//
// Code is the endpoint status (HTTP-style); 0 means the request never got a
// response (connection level failure, see Err).
type SendError struct {
	Op          string
	Code        int
	Description string
	After       time.Duration
	Err         error
}

func (e *SendError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Code == 0 && e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s: %s (%d)", e.Op, e.Description, e.Code)
}

func (e *SendError) Unwrap() error { return e.Err }

// StatusCode exposes the numeric code for classification.
func (e *SendError) StatusCode() int { return e.Code }

// RetryAfter is the provider hint (zero when absent).
func (e *SendError) RetryAfter() time.Duration { return e.After }

func (e *SendError) Describe() string { return e.Description }

// AsSendError unwraps err into a *SendError when possible.
func AsSendError(err error) (*SendError, bool) {
	var se *SendError
	if errors.As(err, &se) {
		return se, true
	}
	return nil, false
}
