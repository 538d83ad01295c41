// Package adminapi is the optional HTTP admin surface over the relay
// service.
package adminapi

import (
	"context"
	"crypto/subtle"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"feedrelay/internal/check"
	"feedrelay/internal/relay"
	logx "feedrelay/pkg/logx"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Config controls the listener. Zero values take defaults.
type Config struct {
	Enabled bool
	Addr    string // default: "127.0.0.1:8089"
	// Token is the bearer token; empty disables auth.
	Token string
	// Pprof mounts /debug/pprof.
	Pprof bool
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.Addr) == "" {
		c.Addr = "127.0.0.1:8089"
	}
	return c
}

// Relay is the subset of *relay.Service the handlers call.
type Relay interface {
	RegisterFeed(ctx context.Context, spec relay.FeedSpec) (relay.FeedView, error)
	DeregisterFeed(ctx context.Context, feedID string) error
	CheckFeedNow(ctx context.Context, feedID string) (check.Result, error)
	GetFeed(ctx context.Context, feedID string) (relay.FeedView, error)
	ListFeeds(ctx context.Context) ([]relay.FeedView, error)
	GetHealthStatus(ctx context.Context) (relay.HealthStatus, error)
	GetQueueStats() relay.QueueStatus
	ResetCircuitBreaker(ctx context.Context, key string) error
}

// Server manages the admin listener lifecycle.
type Server struct {
	relay   Relay
	metrics http.Handler
	log     logx.Logger

	mu   sync.Mutex
	cfg  Config
	srv  *http.Server
	ln   net.Listener
	addr string
}

// New builds a stopped server. metrics may be nil.
func New(r Relay, metrics http.Handler, log logx.Logger) *Server {
	return &Server{relay: r, metrics: metrics, log: log.With(logx.String("comp", "adminapi"))}
}

// Handler returns the router for cfg.
func (s *Server) Handler(cfg Config) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLog)
	r.Use(middleware.Recoverer)

	r.Group(func(r chi.Router) {
		r.Use(bearerAuth(cfg.Token))

		r.Route("/feeds", func(r chi.Router) {
			r.Post("/", s.registerFeed)
			r.Get("/", s.listFeeds)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.getFeed)
				r.Delete("/", s.deregisterFeed)
				r.Post("/check", s.checkFeed)
			})
		})
		r.Get("/health", s.health)
		r.Get("/queue", s.queue)
		r.Post("/breakers/{key}/reset", s.resetBreaker)
		if s.metrics != nil {
			r.Method(http.MethodGet, "/metrics", s.metrics)
		}
		if cfg.Pprof {
			r.Mount("/debug", middleware.Profiler())
		}
	})
	return r
}

// Apply starts, restarts or stops the listener according to cfg.
func (s *Server) Apply(ctx context.Context, cfg Config) error {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	defer s.mu.Unlock()

	if !cfg.Enabled {
		s.stopLocked(ctx)
		s.cfg = cfg
		return nil
	}
	if s.srv != nil && s.cfg == cfg {
		return nil
	}
	s.stopLocked(ctx)
	if err := s.startLocked(cfg); err != nil {
		return err
	}
	s.cfg = cfg
	return nil
}

func (s *Server) startLocked(cfg Config) error {
	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:           s.Handler(cfg),
		ReadHeaderTimeout: 5 * time.Second,
		// A manual check can take a full fetch timeout.
		WriteTimeout: 2 * time.Minute,
	}
	s.srv, s.ln, s.addr = srv, ln, ln.Addr().String()

	addr := s.addr
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Warn("admin server error", logx.String("addr", addr), logx.Err(err))
		}
	}()
	if cfg.Token == "" && !loopback(addr) {
		s.log.Warn("admin api listening without a token on a non-loopback address", logx.String("addr", addr))
	}
	s.log.Info("admin api enabled", logx.String("addr", addr), logx.Bool("auth", cfg.Token != ""))
	return nil
}

// Stop gracefully shuts the listener down.
func (s *Server) Stop(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked(ctx)
}

func (s *Server) stopLocked(ctx context.Context) {
	if s.srv == nil {
		return
	}
	srv, ln, addr := s.srv, s.ln, s.addr
	s.srv, s.ln, s.addr = nil, nil, ""

	if ctx == nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
	}
	if err := srv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.log.Warn("admin shutdown error", logx.String("addr", addr), logx.Err(err))
	}
	_ = ln.Close()
	s.log.Info("admin api disabled", logx.String("addr", addr))
}

// Addr reports the actual listen address if running.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

func bearerAuth(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if token == "" {
			return next
		}
		want := []byte("Bearer " + token)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := []byte(r.Header.Get("Authorization"))
			if subtle.ConstantTimeCompare(got, want) != 1 {
				w.Header().Set("WWW-Authenticate", `Bearer realm="feedrelay"`)
				writeError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid bearer token")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (s *Server) requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Debug("admin request",
			logx.String("method", r.Method),
			logx.String("path", r.URL.Path),
			logx.Int("status", ww.Status()),
			logx.Duration("took", time.Since(start)),
			logx.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func loopback(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	ip := net.ParseIP(host)
	return host == "localhost" || (ip != nil && ip.IsLoopback())
}
