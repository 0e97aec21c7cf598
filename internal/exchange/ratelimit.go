// ratelimit.go implements multi-bucket token-bucket rate limiting for the
// CLOB API, plus an adaptive exponential backoff driven by recent error
// responses (§4.4).
//
// Every POST consumes one token from each of {global, burst, sustained};
// DELETE analogously, from its own three buckets. Before returning from any
// acquire, if the adaptive error streak is positive, the limiter additionally
// sleeps min(max_ms, base_ms * 2^(streak-1)).
package exchange

import (
	"context"
	"sync"
	"time"

	"polymarket-mm/internal/config"
)

// TokenBucket implements a token-bucket rate limiter with continuous refill.
// Callers block in Wait() until a token is available or the context is cancelled.
type TokenBucket struct {
	mu       sync.Mutex
	tokens   float64   // current available tokens (fractional allowed)
	capacity float64   // maximum burst size
	rate     float64   // tokens refilled per second
	lastTime time.Time // last time tokens were calculated
}

// NewTokenBucket creates a rate limiter with the given capacity and refill rate.
func NewTokenBucket(capacity, ratePerSecond float64) *TokenBucket {
	return &TokenBucket{
		tokens:   capacity,
		capacity: capacity,
		rate:     ratePerSecond,
		lastTime: time.Now(),
	}
}

// Wait blocks until a token is available or ctx is cancelled.
func (tb *TokenBucket) Wait(ctx context.Context) error {
	for {
		tb.mu.Lock()
		now := time.Now()
		elapsed := now.Sub(tb.lastTime).Seconds()
		tb.tokens += elapsed * tb.rate
		if tb.tokens > tb.capacity {
			tb.tokens = tb.capacity
		}
		tb.lastTime = now

		if tb.tokens >= 1 {
			tb.tokens--
			tb.mu.Unlock()
			return nil
		}

		// Calculate wait time for next token
		wait := time.Duration((1 - tb.tokens) / tb.rate * float64(time.Second))
		tb.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
			// retry
		}
	}
}

// direction groups the three buckets (global, burst, sustained) that every
// request of a given HTTP method must draw a token from.
type direction struct {
	global    *TokenBucket
	burst     *TokenBucket
	sustained *TokenBucket
}

func newDirection(global, burst, sustained config.BucketConfig) *direction {
	toRate := func(b config.BucketConfig) (float64, float64) {
		window := b.Window
		if window <= 0 {
			window = time.Second
		}
		return float64(b.Tokens), float64(b.Tokens) / window.Seconds()
	}
	gc, gr := toRate(global)
	bc, br := toRate(burst)
	sc, sr := toRate(sustained)
	return &direction{
		global:    NewTokenBucket(gc, gr),
		burst:     NewTokenBucket(bc, br),
		sustained: NewTokenBucket(sc, sr),
	}
}

func (d *direction) acquire(ctx context.Context) error {
	if err := d.global.Wait(ctx); err != nil {
		return err
	}
	if err := d.burst.Wait(ctx); err != nil {
		return err
	}
	return d.sustained.Wait(ctx)
}

// RateLimiter is the execution-path rate limiter: three buckets per HTTP
// method plus an adaptive error-streak backoff. The order state machine
// calls Acquire before every place/cancel call and RecordResponse after
// every response.
type RateLimiter struct {
	post   *direction
	delete *direction

	mu         sync.Mutex
	errStreak  int
	baseMs     int64
	maxMs      int64
}

// NewRateLimiter builds a rate limiter from config (§4.4).
func NewRateLimiter(cfg config.RateLimitConfig) *RateLimiter {
	base := cfg.BackoffBaseMs
	if base <= 0 {
		base = 250
	}
	max := cfg.BackoffMaxMs
	if max <= 0 {
		max = 30000
	}
	return &RateLimiter{
		post:   newDirection(cfg.PostGlobal, cfg.PostBurst, cfg.PostSustained),
		delete: newDirection(cfg.DeleteGlobal, cfg.DeleteBurst, cfg.DeleteSustained),
		baseMs: base,
		maxMs:  max,
	}
}

// AcquirePost blocks until a POST token is available across all three POST
// buckets, then applies the current adaptive backoff delay.
func (rl *RateLimiter) AcquirePost(ctx context.Context) error {
	if err := rl.post.acquire(ctx); err != nil {
		return err
	}
	return rl.applyBackoff(ctx)
}

// AcquireDelete blocks until a DELETE token is available across all three
// DELETE buckets, then applies the current adaptive backoff delay.
func (rl *RateLimiter) AcquireDelete(ctx context.Context) error {
	if err := rl.delete.acquire(ctx); err != nil {
		return err
	}
	return rl.applyBackoff(ctx)
}

// RecordResponse feeds a venue HTTP status code into the adaptive backoff
// streak: 429/5xx increments it, anything else decrements it (floor 0).
func (rl *RateLimiter) RecordResponse(statusCode int) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	if statusCode == 429 || statusCode >= 500 {
		rl.errStreak++
	} else if rl.errStreak > 0 {
		rl.errStreak--
	}
}

// ErrorStreak returns the current adaptive-backoff error streak (for
// observability/tests).
func (rl *RateLimiter) ErrorStreak() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return rl.errStreak
}

func (rl *RateLimiter) applyBackoff(ctx context.Context) error {
	rl.mu.Lock()
	streak := rl.errStreak
	rl.mu.Unlock()
	if streak <= 0 {
		return nil
	}

	delay := rl.baseMs
	for i := 1; i < streak; i++ {
		delay *= 2
		if delay >= rl.maxMs {
			delay = rl.maxMs
			break
		}
	}
	if delay > rl.maxMs {
		delay = rl.maxMs
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(time.Duration(delay) * time.Millisecond):
		return nil
	}
}
