// Package delivery owns outbound notifications: typed job payloads, the
// durable at-least-once queue, rendering, and the single drain loop that
// sends through the delivery collaborator.
package delivery

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"feedrelay/internal/feed"
	kit "feedrelay/internal/transport"
)

var (
	ErrInvalidPayload = errors.New("delivery: invalid payload")
	ErrQueueFull      = errors.New("delivery: queue full")
	ErrStopped        = errors.New("delivery: stopped")
	ErrNotFound       = errors.New("delivery: message not found")
)

type Kind string

const (
	KindFeedItems Kind = "feed_items"
	KindText      Kind = "text"
)

// Job is one outbound delivery. Every queued message decodes to exactly one
// concrete Job type.
type Job interface {
	Kind() Kind
	Destination() kit.ChatTarget
	Validate() error
}

// FeedItemsJob announces new items of one feed, newest first.
type FeedItemsJob struct {
	FeedID    string         `json:"feed_id"`
	FeedTitle string         `json:"feed_title,omitempty"`
	FeedURL   string         `json:"feed_url,omitempty"`
	To        kit.ChatTarget `json:"to"`
	Items     []feed.Item    `json:"items"`
}

func (FeedItemsJob) Kind() Kind { return KindFeedItems }
func (j FeedItemsJob) Destination() kit.ChatTarget { return j.To }

func (j FeedItemsJob) Validate() error {
	if j.To.IsZero() {
		return fmt.Errorf("%w: feed_items without destination", ErrInvalidPayload)
	}
	if strings.TrimSpace(j.FeedID) == "" {
		return fmt.Errorf("%w: feed_items without feed id", ErrInvalidPayload)
	}
	if len(j.Items) == 0 {
		return fmt.Errorf("%w: feed_items without items", ErrInvalidPayload)
	}
	for i, it := range j.Items {
		if it.ID == "" {
			return fmt.Errorf("%w: item %d has no id", ErrInvalidPayload, i)
		}
	}
	return nil
}

// TextJob is a preformatted message (operator notices, alerts).
type TextJob struct {
	To        kit.ChatTarget `json:"to"`
	Text      string         `json:"text"`
	ParseMode string         `json:"parse_mode,omitempty"`
}

func (TextJob) Kind() Kind { return KindText }
func (j TextJob) Destination() kit.ChatTarget { return j.To }

func (j TextJob) Validate() error {
	if j.To.IsZero() {
		return fmt.Errorf("%w: text without destination", ErrInvalidPayload)
	}
	if strings.TrimSpace(j.Text) == "" {
		return fmt.Errorf("%w: empty text", ErrInvalidPayload)
	}
	return nil
}

// Encode validates job and returns its kind tag and JSON payload.
func Encode(job Job) (Kind, []byte, error) {
	if job == nil {
		return "", nil, fmt.Errorf("%w: nil job", ErrInvalidPayload)
	}
	if err := job.Validate(); err != nil {
		return "", nil, err
	}
	b, err := json.Marshal(job)
	if err != nil {
		return "", nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return job.Kind(), b, nil
}

// Decode is the inverse of Encode. Unknown kinds and payloads that fail
// validation report ErrInvalidPayload.
func Decode(kind Kind, payload []byte) (Job, error) {
	var (
		job Job
		err error
	)
	switch kind {
	case KindFeedItems:
		var j FeedItemsJob
		err = json.Unmarshal(payload, &j)
		job = j
	case KindText:
		var j TextJob
		err = json.Unmarshal(payload, &j)
		job = j
	default:
		return nil, fmt.Errorf("%w: unknown kind %q", ErrInvalidPayload, kind)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if err := job.Validate(); err != nil {
		return nil, err
	}
	return job, nil
}
