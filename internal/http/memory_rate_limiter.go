package httpx

import (
	"sync"
	"time"
)

const memorySweepInterval = 5 * time.Minute

// fixedWindow counts hits until resetAt.
type fixedWindow struct {
	hits    int
	resetAt time.Time
}

func (fw *fixedWindow) expired(now time.Time) bool {
	return !now.Before(fw.resetAt)
}

// memoryRateLimiter keeps one fixed window per key in process memory. It is
// only accurate for a single replica; see NewRedisRateLimiter otherwise.
type memoryRateLimiter struct {
	mu        sync.Mutex
	windows   map[string]*fixedWindow
	now       func() time.Time
	done      chan struct{}
	closeOnce sync.Once
}

// NewMemoryRateLimiter returns a process-local limiter. Expired windows are
// evicted in the background until Close is called.
func NewMemoryRateLimiter() RateLimiter {
	return newMemoryRateLimiter(time.Now, memorySweepInterval)
}

func newMemoryRateLimiter(now func() time.Time, sweep time.Duration) *memoryRateLimiter {
	rl := &memoryRateLimiter{
		windows: make(map[string]*fixedWindow),
		now:     now,
		done:    make(chan struct{}),
	}
	if sweep > 0 {
		go rl.evictLoop(sweep)
	}
	return rl
}

func (rl *memoryRateLimiter) Allow(key string, limit int, window time.Duration) rateDecision {
	if limit <= 0 {
		return rateDecision{allowed: true}
	}
	if window <= 0 {
		window = time.Minute
	}
	now := rl.now()

	rl.mu.Lock()
	defer rl.mu.Unlock()
	fw, ok := rl.windows[key]
	if !ok || fw.expired(now) {
		fw = &fixedWindow{resetAt: now.Add(window)}
		rl.windows[key] = fw
	}
	if fw.hits >= limit {
		return rateDecision{allowed: false, count: fw.hits, windowEnd: fw.resetAt}
	}
	fw.hits++
	return rateDecision{allowed: true, count: fw.hits, windowEnd: fw.resetAt}
}

func (rl *memoryRateLimiter) evictLoop(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			rl.evict()
		case <-rl.done:
			return
		}
	}
}

func (rl *memoryRateLimiter) evict() {
	now := rl.now()
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for key, fw := range rl.windows {
		if fw.expired(now) {
			delete(rl.windows, key)
		}
	}
}

func (rl *memoryRateLimiter) Close() {
	rl.closeOnce.Do(func() { close(rl.done) })
}
