package feed

import (
	"context"
	"fmt"
	"time"

	"feedrelay/internal/ratelimit"
	"feedrelay/internal/resilience/breaker"
	"feedrelay/internal/resilience/classify"
)

// DefaultNetworkPenalty is the failure count recorded for one
// network/gateway error.
const DefaultNetworkPenalty = 3

// Guard is the per-domain admission layer in front of a Source: the
// circuit breaker decides first, then the rate limiter paces the request.
type Guard struct {
	Limiter  *ratelimit.DomainLimiter
	Breakers *breaker.Registry
	// Penalty is recorded instead of 1 for network/gateway failures.
	Penalty int
}

func NewGuard(lim *ratelimit.DomainLimiter, reg *breaker.Registry, penalty int) *Guard {
	if penalty <= 0 {
		penalty = DefaultNetworkPenalty
	}
	return &Guard{Limiter: lim, Breakers: reg, Penalty: penalty}
}

// Do runs fn for domain under the domain's breaker and limiter.
func (g *Guard) Do(ctx context.Context, domain string, fn func(ctx context.Context) error) error {
	b := g.Breakers.Get(domain)
	if !b.CanExecute() {
		return fmt.Errorf("%s: %w", domain, breaker.ErrOpen)
	}
	if g.Limiter != nil {
		if err := g.Limiter.Wait(ctx, domain); err != nil {
			b.ReleaseProbe()
			return err
		}
	}

	start := time.Now()
	err := fn(ctx)
	rt := time.Since(start)
	if err == nil {
		b.RecordSuccess(rt)
		return nil
	}
	if ctx.Err() != nil {
		b.ReleaseProbe()
		return err
	}

	ce := classify.Classify(err, "fetch")
	switch {
	case !ce.Recoverable:
		// The origin answered definitively (404, parse error): the domain is up.
		b.RecordSuccess(rt)
	case ce.Kind.Gateway():
		b.RecordFailures(g.Penalty, rt)
	default:
		b.RecordFailure(rt)
	}
	return err
}
