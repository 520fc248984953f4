package ratelimit

import (
	"context"
	"sync"
	"time"
)

// TokenBucket refills at RequestsPerSec up to Burst tokens.
type TokenBucket struct {
	mu       sync.Mutex
	cfg      Config
	tokens   float64
	refilled time.Time
	now      func() time.Time
}

// NewTokenBucket returns a full bucket.
func NewTokenBucket(cfg Config) *TokenBucket {
	cfg = cfg.WithDefaults()
	return &TokenBucket{
		cfg:      cfg,
		tokens:   float64(cfg.Burst),
		refilled: time.Now(),
		now:      time.Now,
	}
}

// Wait takes a token, sleeping until one is available or ctx ends.
func (tb *TokenBucket) Wait(ctx context.Context) error {
	for {
		wait := tb.take()
		if wait == 0 {
			return nil
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// Allow takes a token if one is available right now.
func (tb *TokenBucket) Allow() bool {
	return tb.take() == 0
}

// take consumes a token and returns 0, or returns the wait until the next token.
func (tb *TokenBucket) take() time.Duration {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.refill()
	if tb.tokens >= 1 {
		tb.tokens--
		return 0
	}
	return tb.deficit()
}

// deficit must be called with mu held.
func (tb *TokenBucket) deficit() time.Duration {
	if tb.tokens >= 1 {
		return 0
	}
	return time.Duration((1-tb.tokens)/tb.cfg.RequestsPerSec*float64(time.Second)) + time.Millisecond
}

// refill must be called with mu held.
func (tb *TokenBucket) refill() {
	now := tb.now()
	elapsed := now.Sub(tb.refilled)
	if elapsed <= 0 {
		return
	}
	tb.tokens += elapsed.Seconds() * tb.cfg.RequestsPerSec
	if limit := float64(tb.cfg.Burst); tb.tokens > limit {
		tb.tokens = limit
	}
	tb.refilled = now
}
