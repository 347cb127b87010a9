package ratelimit

import (
	"context"
	"testing"
	"time"
)

func TestTokenBucket_DisabledWhenRPSNonPositive(t *testing.T) {
	tb := New(Config{RPS: 0, BurstSize: 1})
	ctx := context.Background()
	for i := 0; i < 100; i++ {
		if err := tb.Acquire(ctx, "provider-a"); err != nil {
			t.Fatalf("Acquire() with disabled bucket should never error, got %v", err)
		}
	}
}

func TestTokenBucket_BurstThenThrottles(t *testing.T) {
	tb := New(Config{RPS: 1, BurstSize: 2})
	ctx := context.Background()

	if !tb.Allow("provider-a") {
		t.Fatal("expected first call within burst to be allowed")
	}
	if !tb.Allow("provider-a") {
		t.Fatal("expected second call within burst to be allowed")
	}
	if tb.Allow("provider-a") {
		t.Fatal("expected third call to exceed burst and be denied")
	}
}

func TestTokenBucket_KeysAreIndependent(t *testing.T) {
	tb := New(Config{RPS: 1, BurstSize: 1})

	if !tb.Allow("provider-a") {
		t.Fatal("expected provider-a's first call to be allowed")
	}
	if !tb.Allow("provider-b") {
		t.Fatal("provider-b should have its own bucket, unaffected by provider-a")
	}
}

func TestTokenBucket_AcquireRespectsContextCancellation(t *testing.T) {
	tb := New(Config{RPS: 1, BurstSize: 1})
	tb.Allow("provider-a") // drain the single burst token

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	if err := tb.Acquire(ctx, "provider-a"); err == nil {
		t.Fatal("expected Acquire() to fail once ctx deadline is exceeded")
	}
}
