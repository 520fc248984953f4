package ratelimit

import "context"

// Limiter gates outbound requests to a rate-limited service.
type Limiter interface {
	Wait(ctx context.Context) error
}

// NewLimiter creates the limiter for cfg.
func NewLimiter(cfg Config) Limiter {
	return NewTokenBucket(cfg)
}
