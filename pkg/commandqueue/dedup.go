package commandqueue

import (
	"context"
	"sync"
	"time"
)

const defaultDedupTTL = 10 * time.Minute

type dedupEntry struct {
	result    taskResult
	timestamp time.Time
}

// dedupCache remembers completed request IDs for a bounded time so a
// redelivered event does not run a second turn.
type dedupCache struct {
	entries map[string]*dedupEntry
	ttl     time.Duration
	mu      sync.RWMutex

	cancel context.CancelFunc
	done   chan struct{}
}

func newDedupCache(ctx context.Context, ttl time.Duration) *dedupCache {
	if ttl <= 0 {
		ttl = defaultDedupTTL
	}
	ctx, cancel := context.WithCancel(ctx)
	dc := &dedupCache{
		entries: make(map[string]*dedupEntry),
		ttl:     ttl,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go dc.cleanup(ctx)
	return dc
}

func (dc *dedupCache) Stop() {
	dc.cancel()
	<-dc.done
}

func (dc *dedupCache) Get(key string) (taskResult, bool) {
	dc.mu.RLock()
	defer dc.mu.RUnlock()

	entry, ok := dc.entries[key]
	if !ok || time.Since(entry.timestamp) > dc.ttl {
		return taskResult{}, false
	}
	return entry.result, true
}

func (dc *dedupCache) Set(key string, result taskResult) {
	dc.mu.Lock()
	defer dc.mu.Unlock()
	dc.entries[key] = &dedupEntry{result: result, timestamp: time.Now()}
}

func (dc *dedupCache) Size() int {
	dc.mu.RLock()
	defer dc.mu.RUnlock()
	return len(dc.entries)
}

func (dc *dedupCache) cleanup(ctx context.Context) {
	defer close(dc.done)

	interval := dc.ttl / 2
	if interval > time.Minute {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			dc.mu.Lock()
			now := time.Now()
			for key, entry := range dc.entries {
				if now.Sub(entry.timestamp) > dc.ttl {
					delete(dc.entries, key)
				}
			}
			dc.mu.Unlock()
		}
	}
}
