package delivery

import (
	"context"
	"sync"
	"time"

	"feedrelay/internal/eventbus"
	"feedrelay/internal/resilience/backoff"
	"feedrelay/internal/resilience/breaker"
	"feedrelay/internal/resilience/classify"
	"feedrelay/internal/storage"
	kit "feedrelay/internal/transport"
	logx "feedrelay/pkg/logx"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// DrainLockKey serializes queue draining across processes.
const DrainLockKey = "delivery:drain"

type ProcessorConfig struct {
	Interval    time.Duration
	BatchSize   int
	PerMinute   int
	SendSpacing time.Duration
	SendTimeout time.Duration
	// BatchTimeout bounds one tick; unattempted messages are released.
	BatchTimeout time.Duration
	DrainLockTTL time.Duration
	// DisablePreview turns off link previews for rendered feed items.
	DisablePreview bool

	Backoff backoff.Config
}

func (c ProcessorConfig) withDefaults() ProcessorConfig {
	if c.Interval <= 0 {
		c.Interval = 2 * time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 10
	}
	if c.PerMinute <= 0 {
		c.PerMinute = 20
	}
	if c.SendSpacing < 0 {
		c.SendSpacing = 0
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 15 * time.Second
	}
	if c.BatchTimeout <= 0 {
		c.BatchTimeout = 30 * time.Second
	}
	if c.DrainLockTTL <= 0 {
		c.DrainLockTTL = 30 * time.Second
	}
	if c.DrainLockTTL < 3*c.Interval {
		c.DrainLockTTL = 3 * c.Interval
	}
	return c
}

// Observer receives delivery outcomes (health monitor, metrics).
type Observer interface {
	ObserveSend(op string, err error, rt time.Duration)
	ObserveConnection(err error, rt time.Duration)
	ObserveDrop(reason string)
}

// HealthGate halves the batch budget while the endpoint looks degraded.
type HealthGate interface {
	Degraded() bool
}

// Event payload for delivery.* events.
type DeliveryEvent struct {
	MessageID  string `json:"message_id"`
	Kind       Kind   `json:"kind"`
	ChatID     int64  `json:"chat_id"`
	RetryCount int    `json:"retry_count"`
	Reason     string `json:"reason,omitempty"`
	Error      string `json:"error,omitempty"`
}

type ProcessorDeps struct {
	Queue    *Queue
	Sender   kit.Sender
	Breaker  *breaker.DeliveryBreaker
	Renderer *Renderer
	// Locker is optional; without it the process assumes it is the only drainer.
	Locker    storage.Locker
	Gate      HealthGate
	Observers []Observer
	Bus       eventbus.Bus
	Log       logx.Logger
}

// TickResult summarizes one drain pass.
type TickResult struct {
	Skipped  string
	Claimed  int
	Sent     int
	Failed   int
	Dropped  int
	Released int
}

// Processor is the single queue drainer.
type Processor struct {
	d     ProcessorDeps
	log   logx.Logger
	token string
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	mu          sync.Mutex
	cfg         ProcessorConfig
	limiter     *rate.Limiter
	backoff     *backoff.Backoff
	pausedUntil time.Time
	holding     bool
	wake        chan struct{}
}

func NewProcessor(cfg ProcessorConfig, deps ProcessorDeps) *Processor {
	if deps.Renderer == nil {
		deps.Renderer = NewRenderer(RenderConfig{})
	}
	if deps.Breaker == nil {
		deps.Breaker = breaker.NewDelivery(breaker.DeliveryConfig{CriticalOps: []string{kit.OpGetMe}})
	}
	p := &Processor{
		d:     deps,
		log:   deps.Log.With(logx.String("comp", "delivery.processor")),
		token: uuid.NewString(),
		now:   time.Now,
		sleep: sleepCtx,
		wake:  make(chan struct{}, 1),
	}
	p.mu.Lock()
	p.applyLocked(cfg)
	p.mu.Unlock()
	return p
}

// Apply swaps rate, batch and backoff settings. The token bucket is
// rebuilt only when the per-minute budget changes.
func (p *Processor) Apply(cfg ProcessorConfig) {
	p.mu.Lock()
	p.applyLocked(cfg)
	p.mu.Unlock()
	p.Kick()
}

func (p *Processor) applyLocked(cfg ProcessorConfig) {
	cfg = cfg.withDefaults()
	if p.limiter == nil || p.cfg.PerMinute != cfg.PerMinute {
		p.limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.PerMinute)), cfg.PerMinute)
	}
	p.backoff = backoff.New(cfg.Backoff)
	p.cfg = cfg
}

func (p *Processor) config() (ProcessorConfig, *rate.Limiter, *backoff.Backoff) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cfg, p.limiter, p.backoff
}

// Kick runs the next tick without waiting for the interval.
func (p *Processor) Kick() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// PausedUntil reports the rate-limit pause deadline (zero when not paused).
func (p *Processor) PausedUntil() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.now().After(p.pausedUntil) {
		return time.Time{}
	}
	return p.pausedUntil
}

// Run drains until ctx is done, then releases the drain lock.
func (p *Processor) Run(ctx context.Context) error {
	defer p.releaseLock()
	for {
		if _, err := p.Tick(ctx); err != nil && ctx.Err() == nil {
			p.log.Warn("delivery tick failed", logx.Err(err))
		}
		cfg, _, _ := p.config()
		t := time.NewTimer(cfg.Interval)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-p.wake:
			t.Stop()
		case <-t.C:
		}
	}
}

// Tick performs one drain pass.
func (p *Processor) Tick(ctx context.Context) (TickResult, error) {
	var res TickResult
	cfg, lim, bo := p.config()

	if ok, err := p.holdLock(ctx, cfg.DrainLockTTL); err != nil {
		return res, err
	} else if !ok {
		res.Skipped = "lock"
		return res, nil
	}

	p.d.Queue.PurgeExpired(ctx)

	now := p.now()
	p.mu.Lock()
	paused := now.Before(p.pausedUntil)
	p.mu.Unlock()
	if paused {
		res.Skipped = "paused"
		return res, nil
	}

	if p.d.Breaker.State() == breaker.Open {
		p.probe(ctx, cfg.SendTimeout)
	}

	budget := min(cfg.BatchSize, int(lim.TokensAt(now)))
	if p.d.Gate != nil && p.d.Gate.Degraded() && budget > 1 {
		budget /= 2
	}
	if budget <= 0 {
		res.Skipped = "budget"
		return res, nil
	}

	msgs, err := p.d.Queue.Dequeue(ctx, budget)
	if err != nil {
		return res, err
	}
	res.Claimed = len(msgs)
	if len(msgs) == 0 {
		return res, nil
	}

	deadline := now.Add(cfg.BatchTimeout)
	for i, m := range msgs {
		if i > 0 && cfg.SendSpacing > 0 {
			if err := p.sleep(ctx, cfg.SendSpacing); err != nil {
				res.Released += p.releaseAll(msgs[i:])
				break
			}
		}
		if ctx.Err() != nil || !p.now().Before(deadline) {
			res.Released += p.releaseAll(msgs[i:])
			break
		}

		r := lim.ReserveN(p.now(), 1)
		if !r.OK() || r.DelayFrom(p.now()) > 0 {
			r.CancelAt(p.now())
			res.Released += p.releaseAll(msgs[i:])
			break
		}
		if !p.d.Breaker.Allow(kit.OpSendMessage) {
			r.CancelAt(p.now())
			res.Released += p.releaseAll(msgs[i:])
			break
		}

		stop := p.attempt(ctx, cfg, bo, m, &res)
		if stop {
			res.Released += p.releaseAll(msgs[i+1:])
			break
		}
	}
	return res, nil
}

// attempt sends one message and settles it. It reports true when the rest
// of the batch must not be attempted (rate limit, shutdown).
func (p *Processor) attempt(ctx context.Context, cfg ProcessorConfig, bo *backoff.Backoff, m Message, res *TickResult) bool {
	chunks, mode, err := p.d.Renderer.Render(m.Job)
	if err != nil {
		p.drop(ctx, m, "render", err)
		res.Dropped++
		return false
	}

	start := p.now()
	err = p.send(ctx, cfg, m.Job.Destination(), chunks, mode)
	rt := p.now().Sub(start)

	if err != nil && ctx.Err() != nil {
		// Shutdown mid-send: no verdict on the endpoint, retry later.
		p.d.Breaker.Abort(kit.OpSendMessage)
		if err := p.d.Queue.Release(context.WithoutCancel(ctx), m.ID); err != nil {
			p.log.Warn("release failed", logx.String("id", m.ID), logx.Err(err))
		}
		res.Released++
		return true
	}

	p.d.Breaker.Record(kit.OpSendMessage, err, rt)
	for _, o := range p.d.Observers {
		o.ObserveSend(kit.OpSendMessage, err, rt)
	}

	ev := DeliveryEvent{MessageID: m.ID, Kind: m.Job.Kind(), ChatID: m.Job.Destination().ChatID, RetryCount: m.RetryCount}
	if err == nil {
		if e := p.d.Queue.MarkSent(ctx, m.ID); e != nil {
			p.log.Warn("mark sent failed", logx.String("id", m.ID), logx.Err(e))
		}
		res.Sent++
		eventbus.Publish(p.d.Bus, eventbus.DeliverySent, ev)
		return false
	}

	ce := classify.Classify(err, kit.OpSendMessage)
	ev.Error = ce.Error()
	switch {
	case ce.Kind == classify.RateLimited:
		delay := bo.DelayFor(kit.OpSendMessage, m.RetryCount+1, ce)
		p.mu.Lock()
		p.pausedUntil = p.now().Add(delay)
		p.mu.Unlock()
		p.log.Warn("endpoint rate limited; pausing delivery", logx.Duration("pause", delay))
		p.fail(ctx, m, err, delay, ev, res)
		return true
	case !ce.Recoverable:
		p.drop(ctx, m, string(ce.Kind), err)
		res.Dropped++
		return false
	default:
		p.fail(ctx, m, err, bo.DelayFor(kit.OpSendMessage, m.RetryCount+1, ce), ev, res)
		return false
	}
}

func (p *Processor) send(ctx context.Context, cfg ProcessorConfig, to kit.ChatTarget, chunks []string, mode string) error {
	opt := &kit.SendOptions{ParseMode: mode, DisablePreview: cfg.DisablePreview}
	for _, c := range chunks {
		cctx, cancel := context.WithTimeout(ctx, cfg.SendTimeout)
		_, err := p.d.Sender.SendText(cctx, to, c, opt)
		cancel()
		if err != nil {
			return err
		}
	}
	return nil
}

func (p *Processor) fail(ctx context.Context, m Message, err error, delay time.Duration, ev DeliveryEvent, res *TickResult) {
	dropped, e := p.d.Queue.MarkFailed(ctx, m.ID, err, delay)
	if e != nil {
		p.log.Warn("mark failed failed", logx.String("id", m.ID), logx.Err(e))
	}
	ev.RetryCount = m.RetryCount + 1
	if dropped {
		res.Dropped++
		ev.Reason = "max_retries"
		p.observeDrop(ev.Reason)
		p.log.Warn("message dropped after retries", logx.String("id", m.ID), logx.Int("retries", ev.RetryCount), logx.Err(err))
		eventbus.Publish(p.d.Bus, eventbus.DeliveryDropped, ev)
		return
	}
	res.Failed++
	p.log.Debug("delivery failed; retry scheduled", logx.String("id", m.ID), logx.Duration("retry_in", delay), logx.Err(err))
	eventbus.Publish(p.d.Bus, eventbus.DeliveryFailed, ev)
}

func (p *Processor) drop(ctx context.Context, m Message, reason string, err error) {
	if e := p.d.Queue.Drop(ctx, m.ID, reason); e != nil {
		p.log.Warn("drop failed", logx.String("id", m.ID), logx.Err(e))
	}
	p.observeDrop(reason)
	p.log.Warn("message dropped", logx.String("id", m.ID), logx.String("reason", reason), logx.Err(err))
	eventbus.Publish(p.d.Bus, eventbus.DeliveryDropped, DeliveryEvent{
		MessageID: m.ID, Kind: m.Job.Kind(), ChatID: m.Job.Destination().ChatID,
		RetryCount: m.RetryCount, Reason: reason, Error: errorText(err),
	})
}

func (p *Processor) observeDrop(reason string) {
	for _, o := range p.d.Observers {
		o.ObserveDrop(reason)
	}
}

// probe runs the critical identity check while the breaker is open.
func (p *Processor) probe(ctx context.Context, timeout time.Duration) {
	cctx, cancel := context.WithTimeout(ctx, timeout)
	start := p.now()
	err := p.d.Sender.Ping(cctx)
	cancel()
	rt := p.now().Sub(start)
	p.d.Breaker.Record(kit.OpGetMe, err, rt)
	for _, o := range p.d.Observers {
		o.ObserveConnection(err, rt)
	}
	if err != nil {
		p.log.Debug("connectivity probe failed", logx.Err(err))
	}
}

func (p *Processor) releaseAll(msgs []Message) int {
	n := 0
	for _, m := range msgs {
		if err := p.d.Queue.Release(context.Background(), m.ID); err != nil {
			p.log.Warn("release failed", logx.String("id", m.ID), logx.Err(err))
			continue
		}
		n++
	}
	return n
}

func (p *Processor) holdLock(ctx context.Context, ttl time.Duration) (bool, error) {
	if p.d.Locker == nil {
		return true, nil
	}
	ok, err := p.d.Locker.AcquireLock(ctx, DrainLockKey, p.token, ttl)
	if err != nil {
		return false, err
	}
	p.mu.Lock()
	was := p.holding
	p.holding = ok
	p.mu.Unlock()
	if ok != was {
		if ok {
			p.log.Info("drain lock acquired")
		} else {
			p.log.Info("drain lock held elsewhere; standing by")
		}
	}
	return ok, nil
}

func (p *Processor) releaseLock() {
	p.mu.Lock()
	holding := p.holding
	p.holding = false
	p.mu.Unlock()
	if p.d.Locker == nil || !holding {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := p.d.Locker.ReleaseLock(ctx, DrainLockKey, p.token); err != nil {
		p.log.Warn("release drain lock failed", logx.Err(err))
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
