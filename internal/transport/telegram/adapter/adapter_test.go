package adapter

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	kit "feedrelay/internal/transport"
	logx "feedrelay/pkg/logx"
)

type botAPI struct {
	mu    sync.Mutex
	calls []string
	texts []string
	// reply overrides the sendMessage response body.
	reply string
}

func (b *botAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	method := r.URL.Path[strings.LastIndexByte(r.URL.Path, '/')+1:]
	body, _ := io.ReadAll(r.Body)
	b.mu.Lock()
	b.calls = append(b.calls, method)
	reply := b.reply
	if method == "sendMessage" {
		var p map[string]any
		_ = json.Unmarshal(body, &p)
		if s, ok := p["text"].(string); ok {
			b.texts = append(b.texts, s)
		}
	}
	n := len(b.calls)
	b.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	switch {
	case method == "getMe":
		_, _ = io.WriteString(w, `{"ok":true,"result":{"id":1,"is_bot":true,"first_name":"relay","username":"relay_bot"}}`)
	case reply != "":
		_, _ = io.WriteString(w, reply)
	default:
		_, _ = io.WriteString(w, `{"ok":true,"result":{"message_id":`+strconv.Itoa(n)+`,"date":0,"chat":{"id":-100123,"type":"supergroup"}}}`)
	}
}

func newTestAdapter(t *testing.T, api *botAPI) *Adapter {
	t.Helper()
	srv := httptest.NewServer(api)
	t.Cleanup(srv.Close)
	a, err := New(Config{Token: "123:abc", APIURL: srv.URL, RequestTimeout: 2 * time.Second}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	return a
}

func TestSplitText(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		in    string
		limit int
		mode  string
		want  int
	}{
		{"short", "hello", 10, "", 1},
		{"hard split", strings.Repeat("a", 25), 10, "", 3},
		{"newline boundary", strings.Repeat("a", 6) + "\n" + strings.Repeat("b", 6), 10, "", 2},
		{"html tag kept whole", strings.Repeat("a", 8) + "<b>x</b>", 10, "HTML", 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := splitText(tt.in, tt.limit, tt.mode)
			if len(got) != tt.want {
				t.Fatalf("splitText = %q, want %d chunks", got, tt.want)
			}
			for _, c := range got {
				if utf8.RuneCountInString(c) > tt.limit {
					t.Fatalf("chunk %q over limit", c)
				}
				if tt.mode == "HTML" && strings.Count(c, "<") != strings.Count(c, ">") {
					t.Fatalf("tag split across chunks: %q", got)
				}
			}
		})
	}
}

func TestSendTextAndPing(t *testing.T) {
	t.Parallel()
	api := &botAPI{}
	a := newTestAdapter(t, api)
	ctx := context.Background()

	ref, err := a.SendText(ctx, kit.ChatTarget{ChatID: -100123, ThreadID: 7}, "<b>hi</b>", &kit.SendOptions{ParseMode: "HTML"})
	if err != nil {
		t.Fatal(err)
	}
	if ref.ChatID != -100123 || ref.ThreadID != 7 || ref.MessageID == 0 {
		t.Fatalf("ref = %+v", ref)
	}
	if err := a.Ping(ctx); err != nil {
		t.Fatalf("Ping: %v", err)
	}

	_, _ = a.SendText(ctx, kit.ChatTarget{ChatID: -100123}, strings.Repeat("x", TextLimit+10), nil)
	api.mu.Lock()
	defer api.mu.Unlock()
	if len(api.texts) != 3 || api.calls[1] != "getMe" {
		t.Fatalf("calls = %v, texts %d", api.calls, len(api.texts))
	}
}

func TestSendErrorsAreStructured(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		reply string
		code  int
		after time.Duration
	}{
		{
			name:  "flood",
			reply: `{"ok":false,"error_code":429,"description":"Too Many Requests: retry after 7","parameters":{"retry_after":7}}`,
			code:  429,
			after: 7 * time.Second,
		},
		{
			name:  "known api error",
			reply: `{"ok":false,"error_code":400,"description":"Bad Request: chat not found"}`,
			code:  400,
		},
		{
			name:  "unknown api error",
			reply: `{"ok":false,"error_code":502,"description":"Bad Gateway"}`,
			code:  502,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			a := newTestAdapter(t, &botAPI{reply: tt.reply})
			_, err := a.SendText(context.Background(), kit.ChatTarget{ChatID: 1}, "x", nil)
			se, ok := kit.AsSendError(err)
			if !ok {
				t.Fatalf("err = %T %v", err, err)
			}
			if se.Op != kit.OpSendMessage || se.Code != tt.code || se.After != tt.after || se.Description == "" {
				t.Fatalf("SendError = %+v", se)
			}
		})
	}
}

func TestPingConnectionFailure(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()
	a, err := New(Config{Token: "123:abc", APIURL: url, RequestTimeout: time.Second}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	se, ok := kit.AsSendError(a.Ping(context.Background()))
	if !ok || se.Code != 0 || se.Op != kit.OpGetMe || se.Err == nil {
		t.Fatalf("Ping error = %+v", se)
	}
}
