package ratelimit

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"time"
)

// CalculateBackoff computes exponential backoff with +/-25% jitter.
func CalculateBackoff(attempt int, cfg Config) time.Duration {
	if attempt <= 0 {
		return 0
	}
	if attempt > cfg.MaxRetries {
		return cfg.MaxBackoff
	}

	base := float64(cfg.InitialBackoff) * math.Pow(cfg.BackoffMultiplier, float64(attempt-1))
	base = math.Min(base, float64(cfg.MaxBackoff))

	backoff := base + base*0.25*(2*rand.Float64()-1)
	backoff = math.Max(0, math.Min(backoff, float64(cfg.MaxBackoff)))
	return time.Duration(backoff)
}

type permanentError struct{ err error }

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// Retry runs fn until it succeeds, returns a Permanent error, ctx ends or
// cfg.MaxRetries retries are exhausted. It is the single retry policy used for
// database round-trips and network readiness checks.
func Retry(ctx context.Context, cfg Config, fn func(ctx context.Context) error) error {
	cfg = cfg.WithDefaults()
	var err error
	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			timer := time.NewTimer(CalculateBackoff(attempt, cfg))
			select {
			case <-ctx.Done():
				timer.Stop()
				return errors.Join(ctx.Err(), err)
			case <-timer.C:
			}
		}

		err = fn(ctx)
		switch {
		case err == nil:
			return nil
		case IsPermanent(err):
			var p *permanentError
			errors.As(err, &p)
			return p.err
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return err
		case attempt >= cfg.MaxRetries:
			return err
		}
	}
}
