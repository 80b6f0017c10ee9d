package commandqueue

import (
	"context"
	"sync"
	"time"
)

// dedupCache remembers request ids for a bounded window.
type dedupCache struct {
	entries map[string]time.Time
	ttl     time.Duration
	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
}

func newDedupCache(ctx context.Context, ttl time.Duration) *dedupCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}

	ctx, cancel := context.WithCancel(ctx)
	cache := &dedupCache{
		entries: make(map[string]time.Time),
		ttl:     ttl,
		ctx:     ctx,
		cancel:  cancel,
	}

	go cache.cleanup()

	return cache
}

func (dc *dedupCache) Stop() {
	if dc.cancel != nil {
		dc.cancel()
	}
}

// Claim records requestID and reports whether it was not already present.
// An empty id is always accepted.
func (dc *dedupCache) Claim(requestID string) bool {
	if requestID == "" {
		return true
	}
	dc.mu.Lock()
	defer dc.mu.Unlock()

	if seen, ok := dc.entries[requestID]; ok && time.Since(seen) <= dc.ttl {
		return false
	}
	dc.entries[requestID] = time.Now()
	return true
}

// Forget drops requestID so it can be claimed again.
func (dc *dedupCache) Forget(requestID string) {
	dc.mu.Lock()
	defer dc.mu.Unlock()
	delete(dc.entries, requestID)
}

func (dc *dedupCache) cleanup() {
	interval := dc.ttl
	if interval > time.Minute {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-dc.ctx.Done():
			return
		case <-ticker.C:
			dc.mu.Lock()
			now := time.Now()
			for requestID, seen := range dc.entries {
				if now.Sub(seen) > dc.ttl {
					delete(dc.entries, requestID)
				}
			}
			dc.mu.Unlock()
		}
	}
}

// Size returns the number of remembered ids.
func (dc *dedupCache) Size() int {
	dc.mu.Lock()
	defer dc.mu.Unlock()
	return len(dc.entries)
}
