package customfit

import (
	"context"
	"testing"
	"time"

	qt "github.com/frankban/quicktest"
)

func fastRetryPolicy(maxAttempts int) RetryPolicy {
	return RetryPolicy{
		MaxAttempts:  maxAttempts,
		InitialDelay: time.Millisecond,
		MaxDelay:     10 * time.Millisecond,
		Multiplier:   2,
	}
}

func TestRetry_ZeroMaxAttemptsMeansSingleTry(t *testing.T) {
	c := qt.New(t)
	calls := 0
	start := time.Now()
	res := retryOperation(context.Background(), testLeveled(t), fastRetryPolicy(0), "op", func() Result[int] {
		calls++
		return Fail[int](newError(CategoryNetwork, "down"))
	})
	c.Assert(calls, qt.Equals, 1)
	c.Assert(res.err, qt.IsNotNil)
	c.Assert(time.Since(start) < 100*time.Millisecond, qt.IsTrue, qt.Commentf("no backoff sleep on a single attempt"))
}

func TestRetry_RetriableErrorsAreRetried(t *testing.T) {
	c := qt.New(t)
	calls := 0
	res := retryOperation(context.Background(), testLeveled(t), fastRetryPolicy(3), "op", func() Result[string] {
		calls++
		if calls < 3 {
			return Fail[string](newError(CategoryTimeout, "slow"))
		}
		return Ok("done")
	})
	c.Assert(res.IsSuccess(), qt.IsTrue)
	c.Assert(res.GetOrDefault(""), qt.Equals, "done")
	c.Assert(calls, qt.Equals, 3)
}

func TestRetry_NonRetriableErrorStopsImmediately(t *testing.T) {
	c := qt.New(t)
	for _, category := range []ErrorCategory{CategoryValidation, CategoryAuthentication, CategorySerialization} {
		calls := 0
		res := retryOperation(context.Background(), testLeveled(t), fastRetryPolicy(3), "op", func() Result[int] {
			calls++
			return Fail[int](newError(category, "nope"))
		})
		c.Assert(calls, qt.Equals, 1, qt.Commentf("category %s", category))
		c.Assert(res.err.Category, qt.Equals, category)
	}
}

func TestRetry_ExhaustionReturnsLastError(t *testing.T) {
	c := qt.New(t)
	calls := 0
	res := retryOperation(context.Background(), testLeveled(t), fastRetryPolicy(2), "op", func() Result[int] {
		calls++
		return Fail[int](newError(CategoryNetwork, "failure %d", calls))
	})
	c.Assert(calls, qt.Equals, 3)
	c.Assert(res.err, qt.IsNotNil)
	c.Assert(res.err.Error(), qt.Contains, "failure 3")
}

func TestRetry_ContextCancellationStopsRetries(t *testing.T) {
	c := qt.New(t)
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	res := retryOperation(ctx, testLeveled(t), fastRetryPolicy(100), "op", func() Result[int] {
		calls++
		cancel()
		return Fail[int](newError(CategoryNetwork, "down"))
	})
	c.Assert(res.err, qt.IsNotNil)
	c.Assert(calls < 5, qt.IsTrue)
}

func TestRetryPolicy_Validate(t *testing.T) {
	c := qt.New(t)
	c.Assert(fastRetryPolicy(3).validate(), qt.IsNil)

	bad := fastRetryPolicy(3)
	bad.MaxDelay = bad.InitialDelay
	c.Assert(bad.validate(), qt.IsNotNil)

	bad = fastRetryPolicy(3)
	bad.Multiplier = 1
	c.Assert(bad.validate(), qt.IsNotNil)

	bad = fastRetryPolicy(-1)
	c.Assert(bad.validate(), qt.IsNotNil)
}

func TestRetryPolicy_WithDefaults(t *testing.T) {
	c := qt.New(t)
	p := RetryPolicy{}.withDefaults()
	c.Assert(p.InitialDelay, qt.Equals, DefaultInitialRetryDelay)
	c.Assert(p.MaxDelay, qt.Equals, DefaultMaxRetryDelay)
	c.Assert(p.Multiplier, qt.Equals, DefaultRetryMultiplier)
	c.Assert(p.MaxAttempts, qt.Equals, 0)
}
