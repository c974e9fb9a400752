package customfit

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy controls how failed network operations are reattempted.
// MaxAttempts counts retries after the initial attempt, so zero means
// a single attempt with no sleep.
type RetryPolicy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.InitialDelay <= 0 {
		p.InitialDelay = DefaultInitialRetryDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = DefaultMaxRetryDelay
	}
	if p.Multiplier <= 1 {
		p.Multiplier = DefaultRetryMultiplier
	}
	if p.MaxAttempts < 0 {
		p.MaxAttempts = 0
	}
	return p
}

func (p RetryPolicy) validate() error {
	if p.InitialDelay <= 0 {
		return newError(CategoryValidation, "retry initial delay must be positive")
	}
	if p.MaxDelay <= p.InitialDelay {
		return newError(CategoryValidation, "retry max delay must exceed the initial delay")
	}
	if p.Multiplier <= 1 {
		return newError(CategoryValidation, "retry backoff multiplier must be greater than 1")
	}
	if p.MaxAttempts < 0 {
		return newError(CategoryValidation, "retry max attempts must not be negative")
	}
	return nil
}

func (p RetryPolicy) newBackOff(ctx context.Context) backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = p.InitialDelay
	bo.MaxInterval = p.MaxDelay
	bo.Multiplier = p.Multiplier
	bo.RandomizationFactor = 0.2
	bo.MaxElapsedTime = 0
	bo.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(bo, uint64(p.MaxAttempts)), ctx)
}

// retryOperation runs op under the retry policy. Only retriable error
// categories trigger another attempt; anything else is returned as is.
// On exhaustion the last error is returned.
func retryOperation[T any](ctx context.Context, logger *leveledLogger, policy RetryPolicy, name string, op func() Result[T]) Result[T] {
	var last Result[T]
	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		last = op()
		if last.err == nil {
			return nil
		}
		if !last.err.retriable() {
			return backoff.Permanent(last.err)
		}
		if logger.enabled(LogLevelDebug) {
			logger.Debugf("%s attempt %d failed, will retry: %v", name, attempt, last.err)
		}
		return last.err
	}, policy.newBackOff(ctx))
	if err != nil && last.err == nil {
		// Context cancellation before the first attempt.
		last = Fail[T](asError(err))
	}
	return last
}
