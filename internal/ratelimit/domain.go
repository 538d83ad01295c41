// Package ratelimit provides per-source-domain admission for outbound fetches.
package ratelimit

import (
	"context"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limit bounds requests against one domain: at most MaxRequests per Window
// (token bucket refilled evenly, burst MaxRequests) and at least MinDelay
// between consecutive requests.
type Limit struct {
	MaxRequests int
	Window      time.Duration
	MinDelay    time.Duration
}

// DefaultLimit applies to domains with no explicit entry.
var DefaultLimit = Limit{MaxRequests: 30, Window: time.Minute, MinDelay: time.Second}

// DefaultDomains are the built-in per-domain limits. Config entries take
// precedence.
var DefaultDomains = map[string]Limit{
	"reddit.com":  {MaxRequests: 10, Window: time.Minute, MinDelay: 6 * time.Second},
	"youtube.com": {MaxRequests: 20, Window: time.Minute, MinDelay: 3 * time.Second},
	"github.com":  {MaxRequests: 30, Window: time.Minute, MinDelay: 2 * time.Second},
}

type Config struct {
	Default Limit
	Domains map[string]Limit
}

// DomainLimiter keeps one limiter per domain. The map lock is held for
// lookups only; waiting happens under the domain's own state.
type DomainLimiter struct {
	def     Limit
	domains map[string]Limit
	now     func() time.Time

	mu sync.Mutex
	m  map[string]*domainState
}

type domainState struct {
	lim      *rate.Limiter
	minDelay time.Duration

	mu       sync.Mutex
	next     time.Time
	lastUsed time.Time
}

func New(cfg Config) *DomainLimiter {
	def := DefaultLimit
	if cfg.Default != (Limit{}) {
		def = fill(cfg.Default, DefaultLimit)
	}
	domains := make(map[string]Limit, len(DefaultDomains)+len(cfg.Domains))
	for k, v := range DefaultDomains {
		domains[k] = v
	}
	for k, v := range cfg.Domains {
		domains[normalizeDomain(k)] = fill(v, def)
	}
	return &DomainLimiter{def: def, domains: domains, now: time.Now, m: map[string]*domainState{}}
}

// LimitFor returns the effective limit for domain, matching host suffixes
// ("old.reddit.com" uses the "reddit.com" entry).
func (l *DomainLimiter) LimitFor(domain string) Limit {
	d := normalizeDomain(domain)
	for d != "" {
		if lim, ok := l.domains[d]; ok {
			return lim
		}
		i := strings.IndexByte(d, '.')
		if i < 0 {
			break
		}
		d = d[i+1:]
	}
	return l.def
}

// Wait blocks until a request against domain is admitted by both the
// window budget and the minimum spacing, or ctx is done.
func (l *DomainLimiter) Wait(ctx context.Context, domain string) error {
	st := l.state(domain)
	if err := st.lim.Wait(ctx); err != nil {
		return err
	}

	st.mu.Lock()
	now := l.now()
	at := now
	if st.next.After(at) {
		at = st.next
	}
	st.next = at.Add(st.minDelay)
	st.lastUsed = at
	st.mu.Unlock()

	wait := at.Sub(now)
	if wait <= 0 {
		return nil
	}
	t := time.NewTimer(wait)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Sweep drops domain state unused for longer than idle.
func (l *DomainLimiter) Sweep(now time.Time, idle time.Duration) int {
	if idle <= 0 {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for k, st := range l.m {
		st.mu.Lock()
		stale := now.Sub(st.lastUsed) > idle && !st.next.After(now)
		st.mu.Unlock()
		if stale {
			delete(l.m, k)
			n++
		}
	}
	return n
}

func (l *DomainLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.m)
}

func (l *DomainLimiter) state(domain string) *domainState {
	d := normalizeDomain(domain)
	l.mu.Lock()
	defer l.mu.Unlock()
	st := l.m[d]
	if st == nil {
		lim := l.LimitFor(d)
		every := lim.Window / time.Duration(lim.MaxRequests)
		st = &domainState{
			lim:      rate.NewLimiter(rate.Every(every), lim.MaxRequests),
			minDelay: lim.MinDelay,
			lastUsed: l.now(),
		}
		l.m[d] = st
	}
	return st
}

// DomainOf extracts the lowercased host (no port, no "www.") from rawURL.
func DomainOf(rawURL string) string {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || u.Host == "" {
		return normalizeDomain(rawURL)
	}
	return normalizeDomain(u.Hostname())
}

func normalizeDomain(d string) string {
	d = strings.ToLower(strings.TrimSpace(d))
	d = strings.TrimSuffix(d, ".")
	return strings.TrimPrefix(d, "www.")
}

func fill(l, def Limit) Limit {
	if l.MaxRequests <= 0 {
		l.MaxRequests = def.MaxRequests
	}
	if l.Window <= 0 {
		l.Window = def.Window
	}
	if l.MinDelay < 0 {
		l.MinDelay = 0
	}
	return l
}
