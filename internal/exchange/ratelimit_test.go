package exchange

import (
	"context"
	"testing"
	"time"

	"polymarket-mm/internal/config"
)

func testRateLimitConfig() config.RateLimitConfig {
	bucket := config.BucketConfig{Tokens: 100, Window: time.Second}
	return config.RateLimitConfig{
		PostGlobal: bucket, PostBurst: bucket, PostSustained: bucket,
		DeleteGlobal: bucket, DeleteBurst: bucket, DeleteSustained: bucket,
		BackoffBaseMs: 20,
		BackoffMaxMs:  200,
	}
}

func TestRateLimiterAcquireNoBackoffWhenHealthy(t *testing.T) {
	t.Parallel()
	rl := NewRateLimiter(testRateLimitConfig())

	start := time.Now()
	if err := rl.AcquirePost(context.Background()); err != nil {
		t.Fatalf("AcquirePost: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 30*time.Millisecond {
		t.Errorf("expected immediate acquire, took %v", elapsed)
	}
}

func TestRateLimiterAdaptiveBackoffGrows(t *testing.T) {
	t.Parallel()
	rl := NewRateLimiter(testRateLimitConfig())

	rl.RecordResponse(500)
	rl.RecordResponse(429)

	if streak := rl.ErrorStreak(); streak != 2 {
		t.Fatalf("errStreak = %d, want 2", streak)
	}

	start := time.Now()
	if err := rl.AcquirePost(context.Background()); err != nil {
		t.Fatalf("AcquirePost: %v", err)
	}
	elapsed := time.Since(start)
	// base=20ms, streak=2 -> delay = 20*2^(2-1) = 40ms
	if elapsed < 20*time.Millisecond {
		t.Errorf("expected backoff delay, got %v", elapsed)
	}
}

func TestRateLimiterRecordResponseDecrementsOnSuccess(t *testing.T) {
	t.Parallel()
	rl := NewRateLimiter(testRateLimitConfig())

	rl.RecordResponse(500)
	rl.RecordResponse(500)
	rl.RecordResponse(200)

	if streak := rl.ErrorStreak(); streak != 1 {
		t.Errorf("errStreak = %d, want 1", streak)
	}

	rl.RecordResponse(200)
	rl.RecordResponse(200) // floors at 0, does not go negative
	if streak := rl.ErrorStreak(); streak != 0 {
		t.Errorf("errStreak = %d, want 0 (floored)", streak)
	}
}

func TestNewTokenBucketStartsFull(t *testing.T) {
	t.Parallel()
	tb := NewTokenBucket(10, 1)
	if tb.tokens != 10 {
		t.Errorf("tokens = %v, want 10", tb.tokens)
	}
}

func TestTokenBucketWaitImmediate(t *testing.T) {
	t.Parallel()
	tb := NewTokenBucket(5, 1)

	// Should consume tokens without blocking
	for i := 0; i < 5; i++ {
		start := time.Now()
		if err := tb.Wait(context.Background()); err != nil {
			t.Fatalf("Wait() returned error: %v", err)
		}
		if elapsed := time.Since(start); elapsed > 50*time.Millisecond {
			t.Errorf("Wait() took %v, expected immediate (token %d)", elapsed, i)
		}
	}
}

func TestTokenBucketWaitBlocks(t *testing.T) {
	t.Parallel()
	// 1 token capacity, refills at 10/sec → ~100ms per token
	tb := NewTokenBucket(1, 10)

	// Consume the single token
	if err := tb.Wait(context.Background()); err != nil {
		t.Fatal(err)
	}

	// Next Wait should block ~100ms
	start := time.Now()
	if err := tb.Wait(context.Background()); err != nil {
		t.Fatal(err)
	}
	elapsed := time.Since(start)

	if elapsed < 50*time.Millisecond {
		t.Errorf("expected blocking ~100ms, got %v", elapsed)
	}
	if elapsed > 300*time.Millisecond {
		t.Errorf("blocked too long: %v", elapsed)
	}
}

func TestTokenBucketContextCancelled(t *testing.T) {
	t.Parallel()
	tb := NewTokenBucket(1, 0.1) // very slow refill

	// Exhaust the token
	_ = tb.Wait(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := tb.Wait(ctx)
	if err == nil {
		t.Error("expected context error, got nil")
	}
}
