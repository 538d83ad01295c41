package feed

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"feedrelay/internal/ratelimit"
)

var ErrInvalidURL = errors.New("invalid feed url")

// NormalizeURL trims rawURL, defaults the scheme to https, lowercases the
// host, drops default ports and the fragment.
func NormalizeURL(rawURL string) (string, error) {
	s := strings.TrimSpace(rawURL)
	if s == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidURL)
	}
	if !strings.Contains(s, "://") {
		s = "https://" + strings.TrimPrefix(s, "//")
	}
	u, err := url.Parse(s)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	u.Scheme = strings.ToLower(u.Scheme)
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("%w: scheme %q", ErrInvalidURL, u.Scheme)
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return "", fmt.Errorf("%w: missing host", ErrInvalidURL)
	}
	port := u.Port()
	if (u.Scheme == "https" && port == "443") || (u.Scheme == "http" && port == "80") {
		port = ""
	}
	if port != "" {
		host = host + ":" + port
	}
	u.Host = host
	u.Fragment = ""
	u.RawFragment = ""
	u.User = nil
	if u.Path == "" {
		u.Path = "/"
	}
	return u.String(), nil
}

// DefaultDomainIntervals are built-in check intervals by host suffix.
var DefaultDomainIntervals = map[string]time.Duration{
	"reddit.com":  10 * time.Minute,
	"youtube.com": 15 * time.Minute,
	"github.com":  30 * time.Minute,
	"medium.com":  30 * time.Minute,
}

// IntervalTable derives a feed's check interval from its domain. A nil
// Domains map means DefaultDomainIntervals.
type IntervalTable struct {
	Default time.Duration
	Min     time.Duration
	Domains map[string]time.Duration
}

// For returns explicit when set, otherwise the entry for the longest
// matching host suffix of rawURL, otherwise Default. The result is never
// below Min.
func (t IntervalTable) For(rawURL string, explicit time.Duration) time.Duration {
	d := explicit
	if d <= 0 {
		d = t.lookup(ratelimit.DomainOf(rawURL))
	}
	if d <= 0 {
		d = t.Default
	}
	if d <= 0 {
		d = 30 * time.Minute
	}
	if t.Min > 0 && d < t.Min {
		d = t.Min
	}
	return d
}

func (t IntervalTable) lookup(host string) time.Duration {
	domains := t.Domains
	if domains == nil {
		domains = DefaultDomainIntervals
	}
	for host != "" {
		if d, ok := domains[host]; ok {
			return d
		}
		i := strings.IndexByte(host, '.')
		if i < 0 {
			break
		}
		host = host[i+1:]
	}
	return 0
}
