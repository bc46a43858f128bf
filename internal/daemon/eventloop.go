package daemon

import (
	"context"
	"time"
)

// EventLoop handles periodic maintenance while the daemon runs
type EventLoop struct {
	daemon   *Daemon
	interval time.Duration
	grace    time.Duration
}

// NewEventLoop creates a new event loop
func NewEventLoop(d *Daemon) *EventLoop {
	return &EventLoop{
		daemon:   d,
		interval: 30 * time.Second,
		grace:    5 * time.Second,
	}
}

// Run runs the event loop with periodic maintenance tasks
func (e *EventLoop) Run(ctx context.Context) {
	log := e.daemon.logger.Zerolog()
	log.Info().Msg("Event loop started")

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Event loop stopping")
			return

		case <-ticker.C:
			e.processTasks()
		}
	}
}

// processTasks logs queue and provider health for monitoring.
func (e *EventLoop) processTasks() {
	log := e.daemon.logger.Zerolog()

	if lanes := e.daemon.queue.Lanes(); lanes > 0 {
		log.Debug().Int("lanes", lanes).Msg("Queue stats")
	}

	now := time.Now()
	for _, p := range e.daemon.agentRunner.Profiles() {
		if p.InCooldown(now) {
			log.Warn().
				Str("profile", p.ID).
				Int("failures", p.FailureCount).
				Time("until", p.CooldownUntil).
				Msg("Model profile cooling down")
		}
	}
}

// HandleShutdown gives in-flight turns a grace period to finish before the
// queue is closed and their contexts are cancelled.
func (e *EventLoop) HandleShutdown() {
	log := e.daemon.logger.Zerolog()
	log.Info().Msg("Handling graceful shutdown")

	deadline := time.Now().Add(e.grace)
	for e.daemon.queue.Lanes() > 0 && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}

	if lanes := e.daemon.queue.Lanes(); lanes > 0 {
		log.Warn().Int("lanes", lanes).Msg("Grace period over, cancelling remaining turns")
		return
	}
	log.Info().Msg("All active turns completed")
}
