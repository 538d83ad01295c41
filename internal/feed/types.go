// Package feed retrieves and normalizes feed items.
//
// Layers, outermost first:
//   - Fetcher: response cache, watermark diff
//   - Guard: per-domain rate limit and circuit breaker
//   - Source: the transport (HTTPSource: safeurl client + gofeed)
package feed

import (
	"context"
	"time"
)

// Item is one normalized feed entry.
type Item struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Link        string    `json:"link,omitempty"`
	Summary     string    `json:"summary,omitempty"`
	Author      string    `json:"author,omitempty"`
	PublishedAt time.Time `json:"published_at,omitempty"`
}

// Request is one fetch of one URL.
type Request struct {
	URL     string
	Headers map[string]string

	// Conditional GET validators from the previous response.
	ETag         string
	LastModified string
}

// Result is the parsed response. Items keep feed order (newest first).
type Result struct {
	Title        string
	Items        []Item
	ETag         string
	LastModified string
	NotModified  bool
	Status       int
	FetchedAt    time.Time
	Duration     time.Duration
	FromCache    bool
}

// Source is the feed source collaborator.
//
// Non-2xx responses are returned as *classify.HTTPStatusError so callers
// can classify them.
type Source interface {
	Fetch(ctx context.Context, req Request) (Result, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context, req Request) (Result, error)

func (f SourceFunc) Fetch(ctx context.Context, req Request) (Result, error) { return f(ctx, req) }
