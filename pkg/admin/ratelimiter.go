package admin

import (
	"sync"
	"time"
)

const window = time.Minute

// RateLimiter is a per-client sliding window limiter.
type RateLimiter struct {
	mu       sync.Mutex
	requests map[string][]time.Time
	max      int
	now      func() time.Time

	stop     chan struct{}
	stopOnce sync.Once
}

// NewRateLimiter allows maxPerMinute requests per client per minute.
// maxPerMinute < 0 disables limiting.
func NewRateLimiter(maxPerMinute int) *RateLimiter {
	rl := &RateLimiter{
		requests: make(map[string][]time.Time),
		max:      maxPerMinute,
		now:      time.Now,
		stop:     make(chan struct{}),
	}
	go rl.sweepLoop(5 * time.Minute)
	return rl
}

// CheckLimit records a request from client and reports whether it is allowed.
func (rl *RateLimiter) CheckLimit(client string) bool {
	if rl.max < 0 {
		return true
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	recent := trim(rl.requests[client], now)
	if len(recent) >= rl.max {
		rl.requests[client] = recent
		return false
	}
	rl.requests[client] = append(recent, now)
	return true
}

// RetryAfter is the number of whole seconds until client may retry.
func (rl *RateLimiter) RetryAfter(client string) int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	recent := trim(rl.requests[client], now)
	if rl.max < 0 || len(recent) < rl.max || len(recent) == 0 {
		return 0
	}
	wait := recent[0].Add(window).Sub(now)
	return int((wait + time.Second - 1) / time.Second)
}

// Stop ends the background sweep.
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stop) })
}

func (rl *RateLimiter) sweepLoop(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			rl.sweep()
		case <-rl.stop:
			return
		}
	}
}

func (rl *RateLimiter) sweep() {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	now := rl.now()
	for client, reqs := range rl.requests {
		if recent := trim(reqs, now); len(recent) == 0 {
			delete(rl.requests, client)
		} else {
			rl.requests[client] = recent
		}
	}
}

// trim drops timestamps outside the window. reqs is in arrival order.
func trim(reqs []time.Time, now time.Time) []time.Time {
	cutoff := now.Add(-window)
	i := 0
	for i < len(reqs) && !reqs[i].After(cutoff) {
		i++
	}
	return reqs[i:]
}
