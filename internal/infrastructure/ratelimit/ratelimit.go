// Package ratelimit provides per-key token-bucket throttling for outbound
// calls that a remote endpoint would otherwise rate-limit on its own (LLM
// providers, in particular).
package ratelimit

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// Config is RPS/BurstSize pair backing a TokenBucket.
type Config struct {
	RPS       float64
	BurstSize int
}

// TokenBucket holds one token bucket per key (e.g. provider name) and
// creates buckets lazily on first use.
type TokenBucket struct {
	mu      sync.Mutex
	buckets map[string]*rate.Limiter
	rps     rate.Limit
	burst   int
}

// New creates a TokenBucket where each key is allowed cfg.RPS requests per
// second, with burst capacity cfg.BurstSize. A non-positive RPS disables
// throttling: Acquire always returns immediately.
func New(cfg Config) *TokenBucket {
	burst := cfg.BurstSize
	if burst <= 0 {
		burst = 1
	}
	return &TokenBucket{
		buckets: make(map[string]*rate.Limiter),
		rps:     rate.Limit(cfg.RPS),
		burst:   burst,
	}
}

// Acquire blocks until a token for key is available or ctx is cancelled.
// A disabled bucket (RPS <= 0) never blocks.
func (t *TokenBucket) Acquire(ctx context.Context, key string) error {
	if t == nil || t.rps <= 0 {
		return nil
	}
	return t.bucketFor(key).Wait(ctx)
}

// Allow reports whether a request for key may proceed right now, consuming
// a token if so. It never blocks.
func (t *TokenBucket) Allow(key string) bool {
	if t == nil || t.rps <= 0 {
		return true
	}
	return t.bucketFor(key).Allow()
}

func (t *TokenBucket) bucketFor(key string) *rate.Limiter {
	t.mu.Lock()
	defer t.mu.Unlock()
	b, ok := t.buckets[key]
	if !ok {
		b = rate.NewLimiter(t.rps, t.burst)
		t.buckets[key] = b
	}
	return b
}
