package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/harun/cropadvisor/pkg/commandqueue"
	"github.com/harun/cropadvisor/pkg/orchestrator"
	"github.com/harun/cropadvisor/pkg/session"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAdvisor struct {
	mu        sync.Mutex
	events    []orchestrator.Event
	resp      orchestrator.Response
	submitErr error
	resets    []string
	resetErr  error
}

func (f *fakeAdvisor) Submit(ctx context.Context, ev orchestrator.Event) (orchestrator.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
	if err := ev.Validate(); err != nil {
		return orchestrator.Response{Text: "bad input"}, err
	}
	return f.resp, f.submitErr
}

func (f *fakeAdvisor) Session(ctx context.Context, userID string) (*session.Session, error) {
	if err := session.ValidateUserID(userID); err != nil {
		return nil, err
	}
	s := session.New(userID)
	s.Profile.Crop = "wheat"
	return s, nil
}

func (f *fakeAdvisor) Reset(ctx context.Context, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resets = append(f.resets, userID)
	return f.resetErr
}

func newTestServer(t *testing.T, advisor *fakeAdvisor, perMinute int) *Server {
	t.Helper()
	s, err := New(Options{RateLimitPerMinute: perMinute, Logger: zerolog.Nop()}, advisor)
	require.NoError(t, err)
	t.Cleanup(s.limiter.Stop)
	return s
}

func postEvent(t *testing.T, s *Server, body string) (*httptest.ResponseRecorder, eventResponse) {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/v1/events", strings.NewReader(body))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	var out eventResponse
	if rec.Header().Get("Content-Type") == "application/json" {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	}
	return rec, out
}

func TestNew_RequiresAdvisor(t *testing.T) {
	_, err := New(Options{}, nil)
	assert.Error(t, err)
}

func TestHandleEvent(t *testing.T) {
	advisor := &fakeAdvisor{resp: orchestrator.Response{
		Text:    "Which crop are you growing?",
		Buttons: []orchestrator.Button{{Label: "Schemes", Data: orchestrator.ActionSchemes}},
	}}
	s := newTestServer(t, advisor, 0)

	rec, out := postEvent(t, s, `{"id":"e1","user_id":"web-1","kind":"text","text":"hello"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "e1", out.EventID)
	assert.Equal(t, "Which crop are you growing?", out.Response.Text)
	assert.Len(t, out.Response.Buttons, 1)
	assert.Nil(t, out.Error)

	require.Len(t, advisor.events, 1)
	assert.Equal(t, orchestrator.EventText, advisor.events[0].Kind)
	assert.Equal(t, "web-1", advisor.events[0].UserID)
}

func TestHandleEvent_AssignsID(t *testing.T) {
	advisor := &fakeAdvisor{resp: orchestrator.Response{Text: "ok"}}
	s := newTestServer(t, advisor, 0)

	rec, out := postEvent(t, s, `{"user_id":"web-1","kind":"location","lat":18.52,"lon":73.85}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, out.EventID, 21)
	require.Len(t, advisor.events, 1)
	assert.Equal(t, out.EventID, advisor.events[0].ID)
	require.NotNil(t, advisor.events[0].Lat)
	assert.InDelta(t, 18.52, *advisor.events[0].Lat, 1e-9)
}

func TestHandleEvent_Errors(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		submitErr  error
		wantStatus int
		wantType   string
	}{
		{
			name:       "malformed event",
			body:       `{"user_id":"web-1","kind":"text","text":"  "}`,
			wantStatus: http.StatusBadRequest,
			wantType:   "invalid_event",
		},
		{
			name:       "turn timeout",
			body:       `{"user_id":"web-1","kind":"text","text":"hi"}`,
			submitErr:  context.DeadlineExceeded,
			wantStatus: http.StatusGatewayTimeout,
			wantType:   "timeout",
		},
		{
			name:       "queue closed",
			body:       `{"user_id":"web-1","kind":"text","text":"hi"}`,
			submitErr:  commandqueue.ErrQueueClosed,
			wantStatus: http.StatusServiceUnavailable,
			wantType:   "unavailable",
		},
		{
			name:       "panicked turn",
			body:       `{"user_id":"web-1","kind":"text","text":"hi"}`,
			submitErr:  fmt.Errorf("lane web-1: %w", commandqueue.ErrTaskPanicked),
			wantStatus: http.StatusInternalServerError,
			wantType:   "internal",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t, &fakeAdvisor{submitErr: tt.submitErr}, 0)
			rec, out := postEvent(t, s, tt.body)
			assert.Equal(t, tt.wantStatus, rec.Code)
			require.NotNil(t, out.Error)
			assert.Equal(t, tt.wantType, out.Error.Type)
		})
	}
}

func TestHandleEvent_InvalidBody(t *testing.T) {
	s := newTestServer(t, &fakeAdvisor{}, 0)
	req := httptest.NewRequest(http.MethodPost, "/v1/events", strings.NewReader("{not json"))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "invalid_request")
}

func TestHandleEvent_RateLimited(t *testing.T) {
	s := newTestServer(t, &fakeAdvisor{resp: orchestrator.Response{Text: "ok"}}, 2)
	body := `{"user_id":"web-1","kind":"text","text":"hi"}`

	for i := 0; i < 2; i++ {
		rec, _ := postEvent(t, s, body)
		require.Equal(t, http.StatusOK, rec.Code)
	}
	rec, _ := postEvent(t, s, body)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
}

func TestSessions(t *testing.T) {
	advisor := &fakeAdvisor{}
	s := newTestServer(t, advisor, 0)

	t.Run("get", func(t *testing.T) {
		rec := httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/sessions/web-1", nil))
		require.Equal(t, http.StatusOK, rec.Code)

		var sess session.Session
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sess))
		assert.Equal(t, "web-1", sess.UserID)
		assert.Equal(t, "wheat", sess.Profile.Crop)
	})

	t.Run("get invalid user", func(t *testing.T) {
		rec := httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/sessions/..", nil))
		assert.NotEqual(t, http.StatusOK, rec.Code)
	})

	t.Run("reset", func(t *testing.T) {
		rec := httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/v1/sessions/web-1", nil))
		assert.Equal(t, http.StatusNoContent, rec.Code)
		assert.Equal(t, []string{"web-1"}, advisor.resets)
	})

	t.Run("reset failure", func(t *testing.T) {
		failing := newTestServer(t, &fakeAdvisor{resetErr: errors.New("disk full")}, 0)
		rec := httptest.NewRecorder()
		failing.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/v1/sessions/web-1", nil))
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
	})
}

func TestHealthAndMetrics(t *testing.T) {
	s := newTestServer(t, &fakeAdvisor{}, 0)

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	withMetrics, err := New(Options{Metrics: true, Logger: zerolog.Nop()}, &fakeAdvisor{})
	require.NoError(t, err)
	t.Cleanup(withMetrics.limiter.Stop)

	rec = httptest.NewRecorder()
	withMetrics.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestServe_StopsOnCancel(t *testing.T) {
	s, err := New(Options{Addr: "127.0.0.1:0", Logger: zerolog.Nop()}, &fakeAdvisor{})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}

func TestRateLimiter(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	rl := NewRateLimiter(2)
	defer rl.Stop()
	rl.now = func() time.Time { return now }

	assert.True(t, rl.Allow("a"))
	now = now.Add(10 * time.Second)
	assert.True(t, rl.Allow("a"))
	assert.False(t, rl.Allow("a"))
	assert.True(t, rl.Allow("b"), "clients are limited independently")
	assert.Equal(t, 50, rl.RetryAfter("a"))

	now = now.Add(51 * time.Second)
	assert.True(t, rl.Allow("a"), "first request left the window")
	assert.Zero(t, rl.RetryAfter("nobody"))

	rl.cleanup()
	_, tracked := rl.requests["b"]
	assert.True(t, tracked)
	now = now.Add(2 * time.Minute)
	rl.cleanup()
	assert.Empty(t, rl.requests)
}

func TestRateLimiter_Disabled(t *testing.T) {
	rl := NewRateLimiter(0)
	defer rl.Stop()
	for i := 0; i < 100; i++ {
		require.True(t, rl.Allow("a"))
	}
}
