package webhook

import (
	"sync"
	"time"
)

// rateLimiter is a token bucket per provider. Deliveries over the limit are
// refused rather than queued: providers redeliver on 429.
type rateLimiter struct {
	mu      sync.Mutex
	max     float64
	rate    float64 // tokens per second
	now     func() time.Time
	buckets map[string]*bucket
}

type bucket struct {
	tokens   float64
	lastTime time.Time
}

func newRateLimiter(maxBurst int, ratePerMinute float64, now func() time.Time) *rateLimiter {
	if maxBurst <= 0 {
		maxBurst = 10
	}
	return &rateLimiter{
		max:     float64(maxBurst),
		rate:    ratePerMinute / 60.0, // Convert to per-second
		now:     now,
		buckets: make(map[string]*bucket),
	}
}

// Allow takes a token for key. When none is left it reports how long until
// the next one.
func (rl *rateLimiter) Allow(key string) (bool, time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	b, ok := rl.buckets[key]
	if !ok {
		b = &bucket{tokens: rl.max, lastTime: now}
		rl.buckets[key] = b
	}
	b.tokens += now.Sub(b.lastTime).Seconds() * rl.rate
	if b.tokens > rl.max {
		b.tokens = rl.max
	}
	b.lastTime = now

	if b.tokens >= 1.0 {
		b.tokens -= 1.0
		return true, 0
	}
	waitSec := (1.0 - b.tokens) / rl.rate
	return false, time.Duration(waitSec * float64(time.Second))
}
