package feed

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/doyensec/safeurl"
	"github.com/mmcdole/gofeed"

	"feedrelay/internal/resilience/classify"
)

const (
	DefaultUserAgent    = "feedrelay/1.0 (+feed notifications)"
	DefaultTimeout      = 20 * time.Second
	DefaultMaxBodyBytes = 8 << 20
	acceptHeader        = "application/rss+xml, application/atom+xml, application/feed+json, application/xml;q=0.9, text/xml;q=0.9, */*;q=0.5"
)

type HTTPConfig struct {
	Timeout      time.Duration
	UserAgent    string
	Headers      map[string]string
	MaxBodyBytes int64
	// AllowPrivateNetworks swaps the SSRF-safe client for a plain one.
	AllowPrivateNetworks bool
}

// HTTPSource fetches feeds over HTTP and parses them with gofeed.
type HTTPSource struct {
	client  *http.Client
	ua      string
	headers map[string]string
	maxBody int64
}

func NewHTTPSource(cfg HTTPConfig) *HTTPSource {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if strings.TrimSpace(cfg.UserAgent) == "" {
		cfg.UserAgent = DefaultUserAgent
	}

	var client *http.Client
	if cfg.AllowPrivateNetworks {
		client = &http.Client{Timeout: cfg.Timeout}
	} else {
		sc := safeurl.GetConfigBuilder().
			SetTimeout(cfg.Timeout).
			SetAllowedSchemes("http", "https").
			SetAllowedPorts(80, 443).
			Build()
		client = safeurl.Client(sc).Client
	}
	return &HTTPSource{client: client, ua: cfg.UserAgent, headers: cfg.Headers, maxBody: cfg.MaxBodyBytes}
}

func (s *HTTPSource) Fetch(ctx context.Context, req Request) (Result, error) {
	start := time.Now()
	hr, err := http.NewRequestWithContext(ctx, http.MethodGet, req.URL, nil)
	if err != nil {
		return Result{}, classify.NoRetry(fmt.Errorf("build request: %w", err))
	}
	hr.Header.Set("User-Agent", s.ua)
	hr.Header.Set("Accept", acceptHeader)
	for k, v := range s.headers {
		hr.Header.Set(k, v)
	}
	for k, v := range req.Headers {
		hr.Header.Set(k, v)
	}
	if req.ETag != "" {
		hr.Header.Set("If-None-Match", req.ETag)
	}
	if req.LastModified != "" {
		hr.Header.Set("If-Modified-Since", req.LastModified)
	}

	resp, err := s.client.Do(hr)
	if err != nil {
		return Result{}, fmt.Errorf("GET %s: %w", req.URL, err)
	}
	defer resp.Body.Close()

	res := Result{Status: resp.StatusCode, FetchedAt: start}
	switch {
	case resp.StatusCode == http.StatusNotModified:
		res.NotModified = true
		res.ETag = req.ETag
		res.LastModified = req.LastModified
		res.Duration = time.Since(start)
		return res, nil
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		return Result{}, &classify.HTTPStatusError{
			Code:   resp.StatusCode,
			Status: resp.Status,
			URL:    req.URL,
			After:  parseRetryAfter(resp.Header.Get("Retry-After"), time.Now()),
		}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, s.maxBody+1))
	if err != nil {
		return Result{}, fmt.Errorf("read %s: %w", req.URL, err)
	}
	if int64(len(body)) > s.maxBody {
		return Result{}, classify.NoRetry(fmt.Errorf("read %s: body exceeds %d bytes", req.URL, s.maxBody))
	}

	parsed, err := gofeed.NewParser().Parse(bytes.NewReader(body))
	if err != nil {
		return Result{}, classify.NoRetry(fmt.Errorf("parse %s: %w", req.URL, err))
	}

	res.Title = strings.TrimSpace(parsed.Title)
	res.ETag = resp.Header.Get("ETag")
	res.LastModified = resp.Header.Get("Last-Modified")
	res.Items = convertItems(parsed.Items)
	res.Duration = time.Since(start)
	return res, nil
}

func convertItems(in []*gofeed.Item) []Item {
	out := make([]Item, 0, len(in))
	for _, it := range in {
		if it == nil {
			continue
		}
		item := Item{
			Title:   strings.TrimSpace(it.Title),
			Link:    strings.TrimSpace(it.Link),
			Summary: it.Description,
		}
		if item.Summary == "" {
			item.Summary = it.Content
		}
		if it.Author != nil {
			item.Author = it.Author.Name
		}
		if item.Author == "" && len(it.Authors) > 0 && it.Authors[0] != nil {
			item.Author = it.Authors[0].Name
		}
		if it.PublishedParsed != nil {
			item.PublishedAt = it.PublishedParsed.UTC()
		} else if it.UpdatedParsed != nil {
			item.PublishedAt = it.UpdatedParsed.UTC()
		}
		if item.Link == "" && (strings.HasPrefix(it.GUID, "http://") || strings.HasPrefix(it.GUID, "https://")) {
			item.Link = it.GUID
		}
		item.ID = itemID(it.GUID, item)
		out = append(out, item)
	}
	return out
}

// itemID prefers the GUID, then the link, then a hash of title and date.
func itemID(guid string, it Item) string {
	if g := strings.TrimSpace(guid); g != "" {
		return g
	}
	if it.Link != "" {
		return it.Link
	}
	sum := sha256.Sum256([]byte(it.Title + "|" + it.PublishedAt.Format(time.RFC3339)))
	return "sha256:" + hex.EncodeToString(sum[:16])
}

func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if n, err := strconv.Atoi(v); err == nil {
		if n < 0 {
			return 0
		}
		return time.Duration(n) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
