package api

import (
	"context"
	"sync"
	"time"
)

// RateLimiter counts requests per key in fixed minute and hour windows
type RateLimiter struct {
	mu       sync.Mutex
	counters map[string]*rateLimitCounter
	now      func() time.Time

	stopOnce sync.Once
	stopCh   chan struct{}
}

type rateLimitCounter struct {
	minuteCount int
	hourCount   int
	minuteReset time.Time
	hourReset   time.Time
}

// RateLimitResult is the outcome of Allow
type RateLimitResult struct {
	Allowed    bool
	Window     string // "minute" or "hour" when denied
	RetryAfter time.Duration
}

// NewRateLimiter creates a new rate limiter
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{
		counters: make(map[string]*rateLimitCounter),
		now:      time.Now,
		stopCh:   make(chan struct{}),
	}
}

// Allow checks if a request is allowed and increments counters.
// A limit of 0 disables that window.
func (rl *RateLimiter) Allow(key string, limitMinute, limitHour int) RateLimitResult {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	counter, exists := rl.counters[key]
	if !exists {
		counter = &rateLimitCounter{
			minuteReset: now.Add(time.Minute),
			hourReset:   now.Add(time.Hour),
		}
		rl.counters[key] = counter
	}

	if !now.Before(counter.minuteReset) {
		counter.minuteCount = 0
		counter.minuteReset = now.Add(time.Minute)
	}
	if !now.Before(counter.hourReset) {
		counter.hourCount = 0
		counter.hourReset = now.Add(time.Hour)
	}

	if limitMinute > 0 && counter.minuteCount >= limitMinute {
		return RateLimitResult{Window: "minute", RetryAfter: counter.minuteReset.Sub(now)}
	}
	if limitHour > 0 && counter.hourCount >= limitHour {
		return RateLimitResult{Window: "hour", RetryAfter: counter.hourReset.Sub(now)}
	}

	counter.minuteCount++
	counter.hourCount++
	return RateLimitResult{Allowed: true}
}

// Run drops expired counters every few minutes until ctx ends or Stop
func (rl *RateLimiter) Run(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-rl.stopCh:
			return
		case <-ticker.C:
			rl.prune()
		}
	}
}

// Stop ends Run
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stopCh) })
}

func (rl *RateLimiter) prune() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	for key, counter := range rl.counters {
		if !now.Before(counter.minuteReset) && !now.Before(counter.hourReset) {
			delete(rl.counters, key)
		}
	}
}
