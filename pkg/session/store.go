package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/harun/cropadvisor/internal/observability"
	"github.com/harun/cropadvisor/internal/tracing"
	"go.opentelemetry.io/otel/attribute"
)

// ErrPersistenceFailure wraps every storage fault surfaced by a Store.
var ErrPersistenceFailure = errors.New("session persistence failure")

// ErrInvalidUserID is returned for user IDs that are empty or not path-safe.
var ErrInvalidUserID = errors.New("invalid user id")

// Store persists one Session per user ID.
type Store interface {
	// Load returns the stored Session, or a default one when none exists.
	Load(ctx context.Context, userID string) (*Session, error)
	// Save overwrites the whole stored Session for userID.
	Save(ctx context.Context, userID string, s *Session) error
	// Reset replaces the stored Session with a default one. Idempotent.
	Reset(ctx context.Context, userID string) error
	// List returns every stored user ID.
	List(ctx context.Context) ([]string, error)
	Close() error
}

// ValidateUserID rejects keys that could escape a storage namespace.
func ValidateUserID(userID string) error {
	switch {
	case userID == "":
		return fmt.Errorf("%w: cannot be empty", ErrInvalidUserID)
	case strings.Contains(userID, ".."):
		return fmt.Errorf("%w: cannot contain '..'", ErrInvalidUserID)
	case strings.ContainsAny(userID, "/\\"):
		return fmt.Errorf("%w: cannot contain path separators", ErrInvalidUserID)
	case strings.Contains(userID, "\x00"):
		return fmt.Errorf("%w: cannot contain null bytes", ErrInvalidUserID)
	case len(userID) > 128:
		return fmt.Errorf("%w: longer than 128 bytes", ErrInvalidUserID)
	}
	return nil
}

// persistenceError tags err as a persistence failure unless it is a
// validation problem.
func persistenceError(op string, err error) error {
	if err == nil || errors.Is(err, ErrInvalidUserID) {
		return err
	}
	return fmt.Errorf("%w: failed to %s session: %w", ErrPersistenceFailure, op, err)
}

// instrument wraps a store operation with a span and metrics.
func instrument(ctx context.Context, backend, op, userID string, fn func(ctx context.Context) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, span := tracing.StartSpan(ctx, "cropadvisor.session", "session."+op,
		attribute.String("backend", backend),
		attribute.String("user_id", userID),
	)
	defer span.End()

	start := time.Now()
	err := fn(ctx)
	observability.RecordSessionOp(op, time.Since(start), err == nil)
	tracing.FailSpan(span, err)
	return err
}

// stamp sets the identity and update time Save persists, so the caller's
// copy stays equal to what a later Load returns.
func stamp(userID string, s *Session, now time.Time) {
	s.UserID = userID
	s.UpdatedAt = now.UTC().Truncate(time.Microsecond)
}
