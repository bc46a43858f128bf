package tracing

import (
	"context"

	"github.com/google/uuid"
)

// ContextKey is the type for context keys
type ContextKey string

const (
	// TraceIDKey is the context key for trace ID
	TraceIDKey ContextKey = "trace_id"
	// TurnIDKey is the context key for the orchestrator turn ID
	TurnIDKey ContextKey = "turn_id"
	// UserIDKey is the context key for the user the turn belongs to
	UserIDKey ContextKey = "user_id"
	// EventIDKey is the context key for the inbound event ID (for dedup)
	EventIDKey ContextKey = "event_id"
)

// TraceContext holds tracing information
type TraceContext struct {
	TraceID string
	TurnID  string
	UserID  string
	EventID string
}

// NewTraceID generates a new trace ID
func NewTraceID() string {
	return uuid.New().String()
}

// NewTurnID generates a new turn ID
func NewTurnID() string {
	return uuid.New().String()
}

// WithTraceID adds a trace ID to the context
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, TraceIDKey, traceID)
}

// WithTurnID adds a turn ID to the context
func WithTurnID(ctx context.Context, turnID string) context.Context {
	return context.WithValue(ctx, TurnIDKey, turnID)
}

// WithUserID adds a user ID to the context
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, UserIDKey, userID)
}

// WithEventID adds an inbound event ID to the context
func WithEventID(ctx context.Context, eventID string) context.Context {
	return context.WithValue(ctx, EventIDKey, eventID)
}

func getString(ctx context.Context, key ContextKey) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(key).(string); ok {
		return v
	}
	return ""
}

// GetTraceID retrieves the trace ID from the context
func GetTraceID(ctx context.Context) string {
	return getString(ctx, TraceIDKey)
}

// GetTurnID retrieves the turn ID from the context
func GetTurnID(ctx context.Context) string {
	return getString(ctx, TurnIDKey)
}

// GetUserID retrieves the user ID from the context
func GetUserID(ctx context.Context) string {
	return getString(ctx, UserIDKey)
}

// GetEventID retrieves the event ID from the context
func GetEventID(ctx context.Context) string {
	return getString(ctx, EventIDKey)
}

// FromContext extracts all tracing information from the context
func FromContext(ctx context.Context) *TraceContext {
	return &TraceContext{
		TraceID: GetTraceID(ctx),
		TurnID:  GetTurnID(ctx),
		UserID:  GetUserID(ctx),
		EventID: GetEventID(ctx),
	}
}

// NewTurnContext starts a turn for userID. A trace ID is created when the
// context does not carry one yet.
func NewTurnContext(ctx context.Context, userID string) context.Context {
	if GetTraceID(ctx) == "" {
		ctx = WithTraceID(ctx, NewTraceID())
	}
	ctx = WithTurnID(ctx, NewTurnID())
	return WithUserID(ctx, userID)
}

// Detach copies tracing values onto a fresh background context, for work
// that must finish even if the caller goes away.
func Detach(ctx context.Context) context.Context {
	tc := FromContext(ctx)
	out := context.Background()
	if tc.TraceID != "" {
		out = WithTraceID(out, tc.TraceID)
	}
	if tc.TurnID != "" {
		out = WithTurnID(out, tc.TurnID)
	}
	if tc.UserID != "" {
		out = WithUserID(out, tc.UserID)
	}
	if tc.EventID != "" {
		out = WithEventID(out, tc.EventID)
	}
	return out
}
