package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/harun/cropadvisor/internal/observability"
	"github.com/harun/cropadvisor/pkg/commandqueue"
	"github.com/harun/cropadvisor/pkg/session"
)

// Handler runs one turn. *Orchestrator implements it.
type Handler interface {
	HandleEvent(ctx context.Context, ev Event) (Response, error)
}

// Service serializes turns per user on a commandqueue lane. Every adapter
// submits events through it.
type Service struct {
	handler     Handler
	store       session.Store
	queue       *commandqueue.Queue
	turnTimeout time.Duration
}

// NewService wraps handler. A zero turnTimeout leaves turns bounded only by
// the caller's context.
func NewService(handler Handler, store session.Store, queue *commandqueue.Queue, turnTimeout time.Duration) *Service {
	return &Service{
		handler:     handler,
		store:       store,
		queue:       queue,
		turnTimeout: turnTimeout,
	}
}

// Submit queues ev on the user's lane and waits for its response. Events
// with an ID are processed at most once while the queue remembers them.
func (s *Service) Submit(ctx context.Context, ev Event) (Response, error) {
	if err := validateEvent(ev); err != nil {
		return Response{Text: ui(session.DefaultLanguage, "malformed")}, err
	}

	value, err := s.queue.EnqueueOnce(ctx, ev.UserID, ev.ID, func(ctx context.Context) (any, error) {
		if s.turnTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, s.turnTimeout)
			defer cancel()
		}
		return s.handler.HandleEvent(ctx, ev)
	})
	if err != nil {
		return Response{Text: ui(session.DefaultLanguage, "err_generic")}, err
	}
	resp, ok := value.(Response)
	if !ok {
		return Response{}, fmt.Errorf("unexpected turn result %T", value)
	}
	return resp, nil
}

// Reset clears a user's session on their lane, so it cannot interleave
// with a running turn. Queued turns for the user are dropped.
func (s *Service) Reset(ctx context.Context, userID string) error {
	if err := session.ValidateUserID(userID); err != nil {
		return err
	}
	if dropped := s.queue.ResetLane(userID); dropped > 0 {
		observability.RecordSessionAudit(ctx, userID, "reset_lane", fmt.Sprintf("dropped_%d", dropped))
	}
	_, err := s.queue.Enqueue(ctx, userID, func(ctx context.Context) (any, error) {
		return nil, s.store.Reset(ctx, userID)
	})
	status := "success"
	if err != nil {
		status = "failed"
	}
	observability.RecordSessionAudit(ctx, userID, "reset", status)
	return err
}

// Session returns the stored session for userID.
func (s *Service) Session(ctx context.Context, userID string) (*session.Session, error) {
	if err := session.ValidateUserID(userID); err != nil {
		return nil, err
	}
	return s.store.Load(ctx, userID)
}

// Users lists every user with a stored session.
func (s *Service) Users(ctx context.Context) ([]string, error) {
	return s.store.List(ctx)
}
