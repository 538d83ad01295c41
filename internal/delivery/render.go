package delivery

import (
	"fmt"
	"html"
	"net/url"
	"strings"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
)

const (
	ParseModeHTML = "HTML"

	// MessageLimit is the Telegram text limit in characters.
	MessageLimit        = 4096
	defaultSummaryRunes = 300
	defaultMaxItems     = 20
)

type RenderConfig struct {
	// SummaryRunes truncates item summaries; negative disables summaries.
	SummaryRunes int
	// MaxItems caps the items listed in one job; the rest are counted.
	MaxItems int
	// ChunkRunes is the per-message budget (default MessageLimit).
	ChunkRunes int
}

// Renderer turns jobs into Telegram HTML chunks.
//
// Item summaries are reduced to plain text with a strict policy; operator
// text in HTML mode keeps only the tags Telegram understands.
type Renderer struct {
	cfg    RenderConfig
	strict *bluemonday.Policy
	tg     *bluemonday.Policy
}

func NewRenderer(cfg RenderConfig) *Renderer {
	if cfg.SummaryRunes == 0 {
		cfg.SummaryRunes = defaultSummaryRunes
	}
	if cfg.MaxItems <= 0 {
		cfg.MaxItems = defaultMaxItems
	}
	if cfg.ChunkRunes <= 0 || cfg.ChunkRunes > MessageLimit {
		cfg.ChunkRunes = MessageLimit
	}

	tg := bluemonday.NewPolicy()
	tg.AllowElements("b", "strong", "i", "em", "u", "ins", "s", "strike", "del", "code", "pre", "blockquote")
	tg.AllowAttrs("href").OnElements("a")
	tg.AllowURLSchemes("http", "https", "tg")
	tg.RequireParseableURLs(true)
	tg.AllowRelativeURLs(false)

	return &Renderer{cfg: cfg, strict: bluemonday.StrictPolicy(), tg: tg}
}

// Render returns the message chunks for job and the parse mode to send them with.
func (r *Renderer) Render(job Job) ([]string, string, error) {
	switch j := job.(type) {
	case FeedItemsJob:
		return r.feedItems(j), ParseModeHTML, nil
	case TextJob:
		text := j.Text
		if strings.EqualFold(j.ParseMode, ParseModeHTML) {
			text = r.tg.Sanitize(text)
		}
		return []string{text}, j.ParseMode, nil
	default:
		return nil, "", fmt.Errorf("%w: cannot render %T", ErrInvalidPayload, job)
	}
}

func (r *Renderer) feedItems(j FeedItemsJob) []string {
	title := strings.TrimSpace(j.FeedTitle)
	if title == "" {
		title = j.FeedURL
	}
	if title == "" {
		title = j.FeedID
	}
	header := "<b>" + html.EscapeString(title) + "</b>"

	items := j.Items
	extra := 0
	if len(items) > r.cfg.MaxItems {
		extra = len(items) - r.cfg.MaxItems
		items = items[:r.cfg.MaxItems]
	}

	blocks := make([]string, 0, len(items)+1)
	for _, it := range items {
		blocks = append(blocks, r.itemBlock(it.Title, it.Link, it.Summary))
	}
	if extra > 0 {
		blocks = append(blocks, fmt.Sprintf("<i>+%d more</i>", extra))
	}
	return pack(header, blocks, r.cfg.ChunkRunes)
}

func (r *Renderer) itemBlock(title, link, summary string) string {
	title = strings.TrimSpace(title)
	if title == "" {
		title = link
	}
	if title == "" {
		title = "(untitled)"
	}

	var b strings.Builder
	if safeLink(link) {
		fmt.Fprintf(&b, "• <a href=\"%s\">%s</a>", html.EscapeString(link), html.EscapeString(title))
	} else {
		b.WriteString("• " + html.EscapeString(title))
	}
	if r.cfg.SummaryRunes > 0 {
		if s := r.plain(summary); s != "" {
			b.WriteString("\n")
			b.WriteString(html.EscapeString(truncateRunes(s, r.cfg.SummaryRunes)))
		}
	}
	return b.String()
}

// plain strips markup and collapses whitespace.
func (r *Renderer) plain(s string) string {
	if s == "" {
		return ""
	}
	s = html.UnescapeString(r.strict.Sanitize(s))
	return strings.Join(strings.Fields(s), " ")
}

// pack joins blocks under header, starting a new chunk whenever the next
// block would exceed limit. A single oversize block is emitted alone and
// left to the transport to split.
func pack(header string, blocks []string, limit int) []string {
	var (
		out []string
		cur strings.Builder
		n   int
	)
	start := func(h string) {
		cur.Reset()
		cur.WriteString(h)
		n = utf8.RuneCountInString(h)
	}
	start(header)
	for _, blk := range blocks {
		bn := utf8.RuneCountInString(blk)
		if n > 0 && n+2+bn > limit {
			out = append(out, cur.String())
			start("")
		}
		if n > 0 {
			cur.WriteString("\n\n")
			n += 2
		}
		cur.WriteString(blk)
		n += bn
	}
	if n > 0 {
		out = append(out, cur.String())
	}
	return out
}

func safeLink(raw string) bool {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" {
		return false
	}
	return u.Scheme == "http" || u.Scheme == "https"
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	rs := []rune(s)
	return strings.TrimRight(string(rs[:n]), " ") + "…"
}
