package telegram

import (
	"context"
	"sync"
	"time"
)

// throttle spaces out messages to the same chat. Telegram rejects bursts
// above roughly one message per second per chat.
type throttle struct {
	mu       sync.Mutex
	interval time.Duration
	next     map[int64]time.Time
	now      func() time.Time
}

func newThrottle(interval time.Duration) *throttle {
	return &throttle{
		interval: interval,
		next:     make(map[int64]time.Time),
		now:      time.Now,
	}
}

// reserve claims the next send slot for chatID and returns how long the
// caller must wait for it.
func (t *throttle) reserve(chatID int64) time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	slot := t.next[chatID]
	if slot.Before(now) {
		slot = now
	}
	t.next[chatID] = slot.Add(t.interval)
	return slot.Sub(now)
}

// wait blocks until chatID may be sent to again.
func (t *throttle) wait(ctx context.Context, chatID int64) error {
	if t.interval <= 0 {
		return ctx.Err()
	}
	delay := t.reserve(chatID)
	if delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
