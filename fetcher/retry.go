package fetcher

import (
	"context"
	"time"
)

// RetryPolicy bounds the attempts made for one fetch inside a single run.
type RetryPolicy struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`

	// Linear grows the delay by BaseDelay per attempt; otherwise it stays fixed.
	Linear bool `yaml:"linear"`

	// AttemptTimeout caps each attempt. An attempt that times out counts as failed.
	AttemptTimeout time.Duration `yaml:"attempt_timeout"`
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    3,
		BaseDelay:      5 * time.Second,
		MaxDelay:       30 * time.Second,
		Linear:         true,
		AttemptTimeout: 5 * time.Minute,
	}
}

// Delay returns the wait after the given failed attempt (1-based).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	d := p.BaseDelay
	if p.Linear {
		d = p.BaseDelay * time.Duration(attempt)
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

// Do runs op until it succeeds or attempts run out and returns how many
// attempts were made. Cancelling ctx stops immediately with ctx's error.
func (p RetryPolicy) Do(ctx context.Context, op func(ctx context.Context) error) (int, error) {
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var last error
	for attempt := 1; attempt <= attempts; attempt++ {
		attemptCtx, cancel := ctx, context.CancelFunc(func() {})
		if p.AttemptTimeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, p.AttemptTimeout)
		}
		last = op(attemptCtx)
		cancel()
		if last == nil {
			return attempt, nil
		}
		if err := ctx.Err(); err != nil {
			return attempt, err
		}
		if attempt == attempts {
			break
		}

		timer := time.NewTimer(p.Delay(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return attempt, ctx.Err()
		case <-timer.C:
		}
	}
	return attempts, last
}
