package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/harun/cropadvisor/internal/observability"
	"github.com/harun/cropadvisor/pkg/commandqueue"
	"github.com/harun/cropadvisor/pkg/orchestrator"
	"github.com/harun/cropadvisor/pkg/session"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
)

const (
	maxEventBodySize = 1 << 20
	shutdownTimeout  = 10 * time.Second
)

// Advisor is the conversation service the HTTP API fronts.
// *orchestrator.Service implements it.
type Advisor interface {
	Submit(ctx context.Context, ev orchestrator.Event) (orchestrator.Response, error)
	Session(ctx context.Context, userID string) (*session.Session, error)
	Reset(ctx context.Context, userID string) error
}

// Options configures the server.
type Options struct {
	Addr               string
	RateLimitPerMinute int
	Metrics            bool // mount /metrics
	Logger             zerolog.Logger
}

// Server is the HTTP ingress for channels other than Telegram.
type Server struct {
	options Options
	advisor Advisor
	limiter *RateLimiter
	logger  zerolog.Logger
	router  chi.Router
}

// New creates a server. Call Serve to listen.
func New(opts Options, advisor Advisor) (*Server, error) {
	if advisor == nil {
		return nil, fmt.Errorf("advisor is required")
	}
	if opts.Addr == "" {
		opts.Addr = ":8080"
	}

	s := &Server{
		options: opts,
		advisor: advisor,
		limiter: NewRateLimiter(opts.RateLimitPerMinute),
		logger:  opts.Logger.With().Str("component", "server").Logger(),
	}
	s.router = s.routes()
	return s, nil
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/healthz"))

	if s.options.Metrics {
		r.Handle("/metrics", observability.MetricsHandler())
	}

	r.Route("/v1", func(r chi.Router) {
		r.Post("/events", s.handleEvent)
		r.Get("/sessions/{userID}", s.handleGetSession)
		r.Delete("/sessions/{userID}", s.handleResetSession)
	})
	return r
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Serve listens until ctx is done, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context) error {
	defer s.limiter.Stop()

	srv := &http.Server{
		Addr:              s.options.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.options.Addr).Msg("HTTP server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("failed to start HTTP server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	s.logger.Info().Msg("Shutting down HTTP server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}
	s.logger.Info().Msg("HTTP server stopped")
	return nil
}

type eventRequest struct {
	ID          string   `json:"id"`
	UserID      string   `json:"user_id"`
	Kind        string   `json:"kind"`
	Text        string   `json:"text,omitempty"`
	Lat         *float64 `json:"lat,omitempty"`
	Lon         *float64 `json:"lon,omitempty"`
	Action      string   `json:"action,omitempty"`
	PhotoFileID string   `json:"photo_file_id,omitempty"`
}

func (r eventRequest) event() orchestrator.Event {
	return orchestrator.Event{
		ID:          r.ID,
		UserID:      r.UserID,
		Kind:        orchestrator.EventKind(r.Kind),
		Text:        r.Text,
		Lat:         r.Lat,
		Lon:         r.Lon,
		Action:      r.Action,
		PhotoFileID: r.PhotoFileID,
	}
}

type eventResponse struct {
	EventID  string                `json:"event_id"`
	Response orchestrator.Response `json:"response"`
	Error    *apiError             `json:"error,omitempty"`
}

type apiError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request) {
	client := clientIP(r)
	if !s.limiter.Allow(client) {
		w.Header().Set("Retry-After", strconv.Itoa(s.limiter.RetryAfter(client)))
		writeError(w, http.StatusTooManyRequests, "rate_limited", "too many requests")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxEventBodySize)
	defer r.Body.Close()

	var req eventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", fmt.Sprintf("invalid request body: %v", err))
		return
	}
	if req.ID == "" {
		id, err := gonanoid.New()
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal", "failed to assign event id")
			return
		}
		req.ID = id
	}

	resp, err := s.advisor.Submit(r.Context(), req.event())
	out := eventResponse{EventID: req.ID, Response: resp}
	if err == nil {
		writeJSON(w, http.StatusOK, out)
		return
	}

	status, errType := classify(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error().
			Err(err).
			Str("event_id", req.ID).
			Str("request_id", chiMiddleware.GetReqID(r.Context())).
			Msg("Turn failed")
	}
	out.Error = &apiError{Type: errType, Message: err.Error()}
	writeJSON(w, status, out)
}

// classify maps a turn error to an HTTP status.
func classify(err error) (int, string) {
	switch {
	case errors.Is(err, orchestrator.ErrMalformedEvent), errors.Is(err, session.ErrInvalidUserID):
		return http.StatusBadRequest, "invalid_event"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "timeout"
	case errors.Is(err, context.Canceled):
		return 499, "canceled"
	case errors.Is(err, commandqueue.ErrQueueClosed), errors.Is(err, commandqueue.ErrLaneReset):
		return http.StatusServiceUnavailable, "unavailable"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	sess, err := s.advisor.Session(r.Context(), userID)
	if err != nil {
		if errors.Is(err, session.ErrInvalidUserID) {
			writeError(w, http.StatusBadRequest, "invalid_user", err.Error())
			return
		}
		s.logger.Error().Err(err).Str("user_id", userID).Msg("Failed to load session")
		writeError(w, http.StatusInternalServerError, "internal", "failed to load session")
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleResetSession(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	if err := s.advisor.Reset(r.Context(), userID); err != nil {
		if errors.Is(err, session.ErrInvalidUserID) {
			writeError(w, http.StatusBadRequest, "invalid_user", err.Error())
			return
		}
		s.logger.Error().Err(err).Str("user_id", userID).Msg("Failed to reset session")
		writeError(w, http.StatusInternalServerError, "internal", "failed to reset session")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// requestLogger logs each request once it completes.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chiMiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.logger.Debug().
			Str("request_id", chiMiddleware.GetReqID(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("duration", time.Since(start)).
			Msg("HTTP request")
	})
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, errType, msg string) {
	writeJSON(w, status, map[string]any{
		"error": apiError{Type: errType, Message: msg},
	})
}
