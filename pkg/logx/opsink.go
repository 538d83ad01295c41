package logx

import (
	"context"
	"encoding/json"
	"fmt"
	"html"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	kit "feedrelay/internal/transport"
)

const (
	opsQueueLen    = 256
	opsSendTimeout = 10 * time.Second
	opsMaxMessage  = 3500
	opsMaxValue    = 600

	// senderComp is the comp field of the Telegram adapter. Its lines are
	// never forwarded so a failing endpoint cannot feed the sink.
	senderComp = "telegram.adapter"
)

type opsLine struct {
	to   kit.ChatTarget
	text string
}

// opsSink is a zerolog LevelWriter forwarding selected lines to the ops
// chat. Writes never block.
type opsSink struct {
	sender  kit.TextSender
	queue   chan opsLine
	dropped atomic.Uint64

	mu       sync.Mutex
	enabled  bool
	target   kit.ChatTarget
	minLevel Level
	limiter  *rate.Limiter
	cancel   context.CancelFunc
	done     chan struct{}
}

func newOpsSink(sender kit.TextSender) *opsSink {
	return &opsSink{sender: sender, queue: make(chan opsLine, opsQueueLen), minLevel: LevelWarn}
}

func (o *opsSink) configure(cfg TelegramConfig) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.enabled = cfg.Enabled
	o.target = kit.ChatTarget{ChatID: cfg.ChatID, ThreadID: cfg.ThreadID}
	o.minLevel = parseLevel(cfg.MinLevel, LevelWarn)
	rps := max(1, cfg.RatePerSec)
	if o.limiter == nil || o.limiter.Limit() != rate.Limit(rps) {
		o.limiter = rate.NewLimiter(rate.Limit(rps), rps)
	}
	if cfg.Enabled && o.sender != nil && o.cancel == nil {
		ctx, cancel := context.WithCancel(context.Background())
		o.cancel, o.done = cancel, make(chan struct{})
		go o.run(ctx, o.done)
	}
}

func (o *opsSink) stop() {
	o.mu.Lock()
	cancel, done := o.cancel, o.done
	o.cancel, o.done = nil, nil
	o.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
}

func (o *opsSink) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case l := <-o.queue:
			sctx, cancel := context.WithTimeout(ctx, opsSendTimeout)
			_, _ = o.sender.SendText(sctx, l.to, l.text, &kit.SendOptions{ParseMode: "HTML", DisablePreview: true})
			cancel()
		}
	}
}

func (o *opsSink) Write(p []byte) (int, error) { return o.WriteLevel(LevelInfo, p) }

func (o *opsSink) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	o.mu.Lock()
	ok := o.enabled && o.sender != nil && !o.target.IsZero() && level >= o.minLevel
	to, lim := o.target, o.limiter
	o.mu.Unlock()
	if !ok {
		return len(p), nil
	}
	text, forward := renderOps(p)
	if !forward || text == "" {
		return len(p), nil
	}
	if !lim.Allow() {
		o.dropped.Add(1)
		return len(p), nil
	}
	select {
	case o.queue <- opsLine{to: to, text: text}:
	default:
		o.dropped.Add(1)
	}
	return len(p), nil
}

// renderOps turns one JSON line into Telegram HTML:
//
//	<b>WARN</b> queue backlog
//	<code>backlog</code> 120
//
// It reports false for lines that must not be forwarded.
func renderOps(p []byte) (string, bool) {
	raw := strings.TrimSpace(string(p))
	var m map[string]any
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return html.EscapeString(clip(raw, opsMaxMessage)), true
	}
	if comp, _ := m["comp"].(string); comp == senderComp {
		return "", false
	}

	var b strings.Builder
	if lvl, _ := m[zerolog.LevelFieldName].(string); lvl != "" {
		b.WriteString("<b>" + strings.ToUpper(lvl) + "</b> ")
	}
	msg, _ := m[zerolog.MessageFieldName].(string)
	b.WriteString(html.EscapeString(msg))

	keys := make([]string, 0, len(m))
	for k := range m {
		switch k {
		case zerolog.TimestampFieldName, zerolog.LevelFieldName, zerolog.MessageFieldName, zerolog.CallerFieldName:
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		line := "\n<code>" + html.EscapeString(k) + "</code> " + html.EscapeString(clip(fmt.Sprint(m[k]), opsMaxValue))
		if b.Len()+len(line) > opsMaxMessage {
			b.WriteString("\n…")
			break
		}
		b.WriteString(line)
	}
	return b.String(), true
}

// clip cuts s to at most n runes.
func clip(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n-1]) + "…"
}
