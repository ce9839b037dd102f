// Package server is the HTTP shell: a thin JSON surface over the
// orchestrator and the session manager. It owns no domain logic; every
// request is decoded, handed to the owning component, and the result
// encoded back.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/medulla-ai/medulla/internal/agent"
	"github.com/medulla-ai/medulla/internal/config"
	"github.com/medulla-ai/medulla/internal/observability"
	"github.com/medulla-ai/medulla/internal/sessions"
	"github.com/medulla-ai/medulla/pkg/models"
)

// TurnHandler runs one orchestrated turn. *agent.Orchestrator is the real
// implementation; tests substitute fakes.
type TurnHandler interface {
	Handle(ctx context.Context, req agent.Request) agent.Result
}

// ModeReader reports the current operating mode for /healthz.
type ModeReader interface {
	Current() models.Mode
}

// Server is the HTTP shell.
type Server struct {
	cfg      config.ServerConfig
	handler  TurnHandler
	sessions *sessions.Manager
	modeMgr  ModeReader
	logger   *observability.Logger
	metrics  *observability.Metrics

	httpServer *http.Server
}

// Option configures the server.
type Option func(*Server)

// WithMetrics attaches the Prometheus surface for per-request metrics.
func WithMetrics(m *observability.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// New builds the server and its route table.
func New(cfg config.ServerConfig, handler TurnHandler, mgr *sessions.Manager, modeMgr ModeReader, logger *observability.Logger, opts ...Option) *Server {
	s := &Server{
		cfg:      cfg,
		handler:  handler,
		sessions: mgr,
		modeMgr:  modeMgr,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.httpServer = &http.Server{
		Addr:              net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler exposes the route table; tests mount it on httptest servers.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /chat", s.instrument("/chat", s.handleChat))
	mux.HandleFunc("POST /sessions", s.instrument("/sessions", s.handleCreateSession))
	mux.HandleFunc("GET /sessions", s.instrument("/sessions", s.handleListSessions))
	mux.HandleFunc("GET /sessions/{id}", s.instrument("/sessions/{id}", s.handleGetSession))
	mux.HandleFunc("DELETE /sessions/{id}", s.instrument("/sessions/{id}", s.handleDeleteSession))
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.Handle("GET /metrics", promhttp.Handler())
	return mux
}

// Start begins serving and blocks until the listener fails or Shutdown runs.
func (s *Server) Start() error {
	s.logger.Info(context.Background(), "http server listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests up to the configured grace period.
func (s *Server) Shutdown(ctx context.Context) error {
	grace := time.Duration(s.cfg.ShutdownGraceSeconds) * time.Second
	if grace <= 0 {
		grace = 10 * time.Second
	}
	drainCtx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()
	return s.httpServer.Shutdown(drainCtx)
}

type chatRequest struct {
	Message   string `json:"message"`
	SessionID string `json:"session_id,omitempty"`
	Channel   string `json:"channel,omitempty"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	// Query parameters carry the same fields for body-less callers; a body
	// field wins over its query counterpart.
	q := r.URL.Query()
	if req.Message == "" {
		req.Message = q.Get("message")
	}
	if req.SessionID == "" {
		req.SessionID = q.Get("session_id")
	}
	if req.Channel == "" {
		req.Channel = q.Get("channel")
	}

	if req.Message == "" {
		s.writeError(w, http.StatusBadRequest, "message is required")
		return
	}

	channel := models.ChannelChat
	if req.Channel != "" {
		parsed, err := models.ParseChannel(req.Channel)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		channel = parsed
	}

	result := s.handler.Handle(r.Context(), agent.Request{
		SessionID: req.SessionID,
		Message:   req.Message,
		Channel:   channel,
	})
	s.writeJSON(w, http.StatusOK, map[string]any{
		"session_id": result.SessionID,
		"response":   result.Reply,
		"trace_id":   result.TraceID,
	})
}

type createSessionRequest struct {
	Mode    string `json:"mode,omitempty"`
	Channel string `json:"channel"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	channel, err := models.ParseChannel(req.Channel)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	mode := s.modeMgr.Current()
	if req.Mode != "" {
		parsed, err := models.ParseMode(req.Mode)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		mode = parsed
	}

	session, err := s.sessions.Create(r.Context(), mode, channel, "")
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "session create failed")
		return
	}
	s.writeJSON(w, http.StatusCreated, session)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	session, err := s.sessions.Get(r.Context(), id)
	if errors.Is(err, sessions.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "session not found")
		return
	}
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "session read failed")
		return
	}
	s.writeJSON(w, http.StatusOK, session)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			s.writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"sessions": s.sessions.ListActive(limit),
	})
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	err := s.sessions.Delete(r.Context(), id)
	if errors.Is(err, sessions.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "session not found")
		return
	}
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "session delete failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"mode":     s.modeMgr.Current(),
		"sessions": s.sessions.Len(),
	})
}

// instrument wraps a handler with request metrics. The path label is the
// route pattern, not the raw URL, to keep cardinality bounded.
func (s *Server) instrument(path string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.metrics == nil {
			next(w, r)
			return
		}
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next(rec, r)
		code := strconv.Itoa(rec.status)
		s.metrics.HTTPRequestCounter.WithLabelValues(r.Method, path, code).Inc()
		s.metrics.HTTPRequestDuration.WithLabelValues(r.Method, path, code).Observe(time.Since(start).Seconds())
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Warn(context.Background(), "response encode failed", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
