package scheduler

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/docstream/workgate/pkg/store"
)

// RetryConfig tunes the backoff applied to transient store failures on the
// scheduling path.
type RetryConfig struct {
	// MaxAttempts bounds the total number of tries, including the first.
	MaxAttempts int

	// InitialBackoff is the first pause between tries.
	InitialBackoff time.Duration

	// MaxBackoff caps the pause after repeated doubling.
	MaxBackoff time.Duration

	// Multiplier grows the pause after each failed try.
	Multiplier float64

	// JitterFraction randomizes each pause by up to this fraction either
	// way, so many schedulers do not hammer a recovering database in step.
	JitterFraction float64
}

// DefaultRetryConfig returns the storage retry tuning used when none is
// configured.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:    5,
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     5 * time.Second,
		Multiplier:     2.0,
		JitterFraction: 0.1,
	}
}

// permanent reports errors that must never be retried: context ends and the
// store's domain errors, where a retry would just repeat the same answer.
func permanent(err error) bool {
	return errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, store.ErrConflict) ||
		errors.Is(err, store.ErrNotFound) ||
		errors.Is(err, store.ErrDuplicate) ||
		errors.Is(err, store.ErrInvalidTransition)
}

// retryStore runs op with exponential backoff, giving up early on permanent
// errors.
func retryStore(ctx context.Context, cfg RetryConfig, op func() error) error {
	var lastErr error
	backoff := cfg.InitialBackoff

	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		lastErr = op()
		if lastErr == nil || permanent(lastErr) {
			return lastErr
		}
		if attempt >= cfg.MaxAttempts {
			break
		}

		jitter := time.Duration(float64(backoff) * cfg.JitterFraction * (rand.Float64()*2 - 1))
		sleep := backoff + jitter
		if sleep < 0 {
			sleep = backoff
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sleep):
		}

		backoff = time.Duration(float64(backoff) * cfg.Multiplier)
		if backoff > cfg.MaxBackoff {
			backoff = cfg.MaxBackoff
		}
	}
	return lastErr
}
