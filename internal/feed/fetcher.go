package feed

import (
	"context"

	"feedrelay/internal/ratelimit"
	logx "feedrelay/pkg/logx"
)

// Fetcher is the FeedFetcher: cache, guard, source, watermark diff.
type Fetcher struct {
	src   Source
	guard *Guard
	cache *Cache
	log   logx.Logger
}

func NewFetcher(src Source, guard *Guard, cache *Cache, log logx.Logger) *Fetcher {
	return &Fetcher{src: src, guard: guard, cache: cache, log: log.With(logx.String("comp", "feed.fetcher"))}
}

// Fetched is a fetch result plus the items preceding the watermark.
type Fetched struct {
	Result
	// New holds the items newer than the watermark, newest first.
	New []Item
	// WatermarkFound is false when the watermark was empty or missing from
	// the fetched list; New then holds only the newest item.
	WatermarkFound bool
}

// Fetch retrieves req.URL and diffs it against watermark.
func (f *Fetcher) Fetch(ctx context.Context, req Request, watermark string) (Fetched, error) {
	res, err := f.fetch(ctx, req)
	if err != nil {
		return Fetched{}, err
	}
	if res.NotModified {
		return Fetched{Result: res, WatermarkFound: true}, nil
	}
	items, found := ItemsSince(res.Items, watermark)
	return Fetched{Result: res, New: items, WatermarkFound: found}, nil
}

func (f *Fetcher) fetch(ctx context.Context, req Request) (Result, error) {
	if res, ok := f.cache.Get(req.URL); ok {
		f.log.Trace("feed cache hit", logx.String("url", req.URL), logx.Int("items", len(res.Items)))
		return res, nil
	}

	var res Result
	call := func(ctx context.Context) error {
		var err error
		res, err = f.src.Fetch(ctx, req)
		return err
	}
	var err error
	if f.guard != nil {
		err = f.guard.Do(ctx, ratelimit.DomainOf(req.URL), call)
	} else {
		err = call(ctx)
	}
	if err != nil {
		return Result{}, err
	}
	f.cache.Put(req.URL, res)
	return res, nil
}

// ItemsSince returns the items preceding watermark in newest-first items.
//
// An empty or unmatched watermark is a discontinuity: only the newest item
// is returned and found is false.
func ItemsSince(items []Item, watermark string) (out []Item, found bool) {
	if len(items) == 0 {
		return nil, watermark != ""
	}
	if watermark != "" {
		for i, it := range items {
			if it.ID == watermark {
				return append([]Item(nil), items[:i]...), true
			}
		}
	}
	return []Item{items[0]}, false
}
