package cron

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/harun/cropadvisor/internal/observability"
	"github.com/harun/cropadvisor/pkg/orchestrator"
	"github.com/harun/cropadvisor/pkg/session"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// ErrRunInProgress is returned by Run while another run is active.
var ErrRunInProgress = errors.New("digest run already in progress")

// Service sends the daily digest to every opted-in user with a complete
// profile.
type Service struct {
	schedule *Schedule
	options  ServiceOptions

	mu      sync.Mutex
	state   RunState
	timer   *time.Timer
	running atomic.Bool
	stopped bool
	ctx     context.Context
	cancel  context.CancelFunc
}

// NewService creates a digest service. Call Start to arm the timer.
func NewService(opts ServiceOptions) (*Service, error) {
	if opts.Advisor == nil {
		return nil, fmt.Errorf("advisor is required")
	}
	if opts.Sender == nil {
		return nil, fmt.Errorf("sender is required")
	}
	if opts.Schedule == "" {
		opts.Schedule = DefaultSchedule
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	sched, err := ParseSchedule(opts.Schedule, opts.Timezone)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Service{
		schedule: sched,
		options:  opts,
		ctx:      ctx,
		cancel:   cancel,
	}

	if err := s.loadState(); err != nil {
		log.Warn().Err(err).Msg("Failed to load digest state, starting fresh")
	}
	return s, nil
}

// Start arms the timer for the next scheduled run.
func (s *Service) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	s.scheduleLocked()
	log.Info().Str("schedule", s.schedule.String()).Msg("Digest scheduler started")
}

// Stop cancels the timer and any run in flight.
func (s *Service) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return nil
	}
	s.stopped = true
	s.cancel()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	if err := s.persist(); err != nil {
		log.Error().Err(err).Msg("Failed to persist digest state on shutdown")
		return err
	}
	log.Info().Msg("Digest scheduler stopped")
	return nil
}

// State returns a copy of the run state.
func (s *Service) State() RunState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// scheduleLocked sets the timer for the next activation (must hold lock)
func (s *Service) scheduleLocked() {
	next := s.schedule.Next(s.options.Now())
	s.state.NextRunAt = &next

	delay := next.Sub(s.options.Now())
	if delay < 0 {
		delay = 0
	}
	if s.timer != nil {
		s.timer.Stop()
	}
	s.timer = time.AfterFunc(delay, func() {
		if _, err := s.Run(s.ctx, RunModeDue); err != nil && !errors.Is(err, context.Canceled) {
			log.Error().Err(err).Msg("Scheduled digest run failed")
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		if !s.stopped {
			s.scheduleLocked()
		}
	})

	log.Debug().Dur("delay", delay).Time("nextRun", next).Msg("Digest scheduled")
}

// Run sends today's digest. In RunModeDue a day that already completed is
// skipped. Users already served today are deduplicated by event ID while
// the queue remembers them.
func (s *Service) Run(ctx context.Context, mode RunMode) (Report, error) {
	if !s.running.CompareAndSwap(false, true) {
		return Report{}, ErrRunInProgress
	}
	defer s.running.Store(false)

	start := s.options.Now()
	date := s.schedule.Date(start)
	report := Report{RunID: uuid.New().String(), Date: date}

	s.mu.Lock()
	done := s.state.LastRunDate == date && s.state.LastStatus == StatusOK
	s.mu.Unlock()
	if mode == RunModeDue && done {
		report.Status = StatusSkipped
		log.Info().Str("date", date).Msg("Digest already sent today, skipping")
		return report, nil
	}

	logger := log.With().Str("runId", report.RunID).Str("date", date).Logger()
	logger.Info().Str("mode", string(mode)).Msg("Running daily digest")

	users, err := s.options.Advisor.Users(ctx)
	if err != nil {
		report.Status = StatusError
		s.finish(report, start, err)
		return report, fmt.Errorf("failed to list users: %w", err)
	}

	var mu sync.Mutex
	var errs []error
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.options.Concurrency)
	for _, userID := range users {
		g.Go(func() error {
			result, err := s.deliver(gctx, userID, date)
			observability.RecordDigestDelivery(result)
			mu.Lock()
			defer mu.Unlock()
			switch result {
			case "delivered":
				report.Eligible++
				report.Delivered++
			case "skipped":
				report.Skipped++
			default:
				report.Eligible++
				report.Failed++
				errs = append(errs, fmt.Errorf("%s: %w", userID, err))
				logger.Warn().Err(err).Str("userId", userID).Msg("Digest delivery failed")
			}
			return nil
		})
	}
	_ = g.Wait()

	runErr := errors.Join(errs...)
	switch {
	case ctx.Err() != nil:
		report.Status = StatusError
		runErr = errors.Join(runErr, ctx.Err())
	case report.Failed == 0:
		report.Status = StatusOK
	case report.Delivered > 0:
		report.Status = StatusPartial
	default:
		report.Status = StatusError
	}
	s.finish(report, start, runErr)

	logger.Info().
		Int("eligible", report.Eligible).
		Int("delivered", report.Delivered).
		Int("skipped", report.Skipped).
		Int("failed", report.Failed).
		Str("status", report.Status).
		Msg("Digest run completed")

	if ctx.Err() != nil {
		return report, ctx.Err()
	}
	return report, nil
}

// deliver runs one user's digest turn and sends it. The result is
// "delivered", "skipped" or "failed".
func (s *Service) deliver(ctx context.Context, userID, date string) (string, error) {
	sess, err := s.options.Advisor.Session(ctx, userID)
	if err != nil {
		return "failed", fmt.Errorf("load session: %w", err)
	}
	if !Eligible(sess) {
		return "skipped", nil
	}

	resp, err := s.options.Advisor.Submit(ctx, orchestrator.Event{
		ID:     DigestEventID(userID, date),
		UserID: userID,
		Kind:   orchestrator.EventButton,
		Action: orchestrator.ActionDigest,
	})
	if err != nil {
		return "failed", fmt.Errorf("digest turn: %w", err)
	}
	if err := s.options.Sender.Send(ctx, userID, resp); err != nil {
		return "failed", fmt.Errorf("send: %w", err)
	}
	return "delivered", nil
}

// Eligible reports whether a session should receive the digest.
func Eligible(s *session.Session) bool {
	return s != nil && s.DigestEnabled && len(s.Profile.MissingFields()) == 0
}

// DigestEventID is the idempotency key of one user's digest for a day.
func DigestEventID(userID, date string) string {
	return "digest-" + userID + "-" + date
}

func (s *Service) finish(report Report, start time.Time, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.state.LastRunID = report.RunID
	s.state.LastRunDate = report.Date
	s.state.LastRunAt = &start
	s.state.LastStatus = report.Status
	s.state.LastDuration = s.options.Now().Sub(start)
	if err != nil {
		s.state.LastError = err.Error()
		s.state.ConsecutiveErrors++
	} else {
		s.state.LastError = ""
		s.state.ConsecutiveErrors = 0
	}

	if persistErr := s.persist(); persistErr != nil {
		log.Error().Err(persistErr).Msg("Failed to persist digest state")
	}
}

// loadState reads the run state from storage
func (s *Service) loadState() error {
	if s.options.StatePath == "" {
		return nil
	}
	data, err := os.ReadFile(s.options.StatePath)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read digest state: %w", err)
	}
	if err := json.Unmarshal(data, &s.state); err != nil {
		return fmt.Errorf("failed to parse digest state: %w", err)
	}
	return nil
}

// persist saves the run state (must hold lock)
func (s *Service) persist() error {
	if s.options.StatePath == "" {
		return nil
	}
	data, err := json.MarshalIndent(s.state, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal digest state: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.options.StatePath), 0o755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	tempFile := s.options.StatePath + ".tmp"
	if err := os.WriteFile(tempFile, data, 0o644); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := os.Rename(tempFile, s.options.StatePath); err != nil {
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}
