package adminapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"feedrelay/internal/check"
	"feedrelay/internal/relay"
	"feedrelay/internal/storage"

	"github.com/go-chi/chi/v5"
)

// maxBody bounds request bodies.
const maxBody = 64 << 10

type feedRequest struct {
	ID       string            `json:"id,omitempty"`
	URL      string            `json:"url"`
	ChatID   int64             `json:"chat_id"`
	ThreadID int               `json:"thread_id,omitempty"`
	Interval string            `json:"interval,omitempty"`
	Headers  map[string]string `json:"headers,omitempty"`
	Title    string            `json:"title,omitempty"`
	Disabled bool              `json:"disabled,omitempty"`
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type checkResponse struct {
	check.Result
	Error string `json:"error,omitempty"`
}

func (s *Server) registerFeed(w http.ResponseWriter, r *http.Request) {
	var req feedRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "request body is not valid JSON: "+err.Error())
		return
	}
	var interval time.Duration
	if v := strings.TrimSpace(req.Interval); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_feed", fmt.Sprintf("interval %q: %v", v, err))
			return
		}
		interval = d
	}

	fv, err := s.relay.RegisterFeed(actorCtx(r), relay.FeedSpec{
		ID:       strings.TrimSpace(req.ID),
		URL:      req.URL,
		ChatID:   req.ChatID,
		ThreadID: req.ThreadID,
		Interval: interval,
		Headers:  req.Headers,
		Title:    req.Title,
		Disabled: req.Disabled,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, fv)
}

func (s *Server) listFeeds(w http.ResponseWriter, r *http.Request) {
	feeds, err := s.relay.ListFeeds(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"feeds": feeds, "count": len(feeds)})
}

func (s *Server) getFeed(w http.ResponseWriter, r *http.Request) {
	fv, err := s.relay.GetFeed(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, fv)
}

func (s *Server) deregisterFeed(w http.ResponseWriter, r *http.Request) {
	if err := s.relay.DeregisterFeed(actorCtx(r), chi.URLParam(r, "id")); err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) checkFeed(w http.ResponseWriter, r *http.Request) {
	res, err := s.relay.CheckFeedNow(actorCtx(r), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	out := checkResponse{Result: res}
	if res.Err != nil {
		out.Error = res.Err.Error()
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	st, err := s.relay.GetHealthStatus(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) queue(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.relay.GetQueueStats())
}

func (s *Server) resetBreaker(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	if err := s.relay.ResetCircuitBreaker(actorCtx(r), key); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"reset": key})
}

// actorCtx tags the request context with the operator for audit entries.
func actorCtx(r *http.Request) context.Context {
	actor := strings.TrimSpace(r.Header.Get("X-Actor"))
	if actor == "" {
		actor = "admin"
	}
	return relay.WithActor(r.Context(), actor)
}

func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, relay.ErrUnknownKey):
		writeError(w, http.StatusNotFound, "unknown_breaker", err.Error())
	case errors.Is(err, relay.ErrInvalidFeed):
		writeError(w, http.StatusBadRequest, "invalid_feed", err.Error())
	case errors.Is(err, check.ErrNotRunning):
		writeError(w, http.StatusServiceUnavailable, "not_running", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
	}
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorResponse{Code: code, Message: msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
