package resilience

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	jperrors "github.com/JohnPlummer/jp-go-errors"
	"github.com/sethvargo/go-retry"
)

// minRetryDelay is the floor applied to every computed delay so that a
// misconfigured schedule can never spin against a remote host.
const minRetryDelay = 100 * time.Millisecond

// maxRetriesCap bounds runaway MaxRetries values.
const maxRetriesCap = 1000

// RetryStats is a snapshot of a wrapper's cumulative retry activity across
// all executions.
type RetryStats struct {
	// TotalAttempts counts every invocation of the underlying client.
	TotalAttempts int64

	// TotalRetries counts attempts beyond the first of each execution.
	TotalRetries int64

	// TotalSuccesses counts executions that eventually succeeded.
	TotalSuccesses int64

	// TotalFailures counts executions that gave up.
	TotalFailures int64

	// LastError is the error from the most recent execution, nil if it
	// succeeded.
	LastError error

	// LastAttemptTime is when the underlying client was last invoked.
	LastAttemptTime time.Time
}

// RetryWrapper retries failed operations according to its RetryConfig.
// Only errors the configured classifier reports as retryable are retried;
// everything else propagates unchanged after the first attempt.
type RetryWrapper[Req, Resp any] struct {
	client ResilientClient[Req, Resp]
	config *RetryConfig

	attempts  atomic.Int64
	retries   atomic.Int64
	successes atomic.Int64
	failures  atomic.Int64

	mu          sync.Mutex
	lastErr     error
	lastAttempt time.Time
}

// NewRetryWrapper wraps client with retry behavior.
//
// Example:
//
//	wrapper := resilience.NewRetryWrapper[*SearchRequest, *SearchResult](
//	    entrezClient,
//	    resilience.WithMaxRetries(5),
//	    resilience.WithExponentialBackoff(time.Second, time.Minute),
//	)
func NewRetryWrapper[Req, Resp any](client ResilientClient[Req, Resp], opts ...RetryOption) *RetryWrapper[Req, Resp] {
	config := DefaultRetryConfig()
	for _, opt := range opts {
		opt(config)
	}
	normalizeRetryConfig(config)

	return &RetryWrapper[Req, Resp]{
		client: client,
		config: config,
	}
}

func normalizeRetryConfig(c *RetryConfig) {
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.MaxRetries > maxRetriesCap {
		c.MaxRetries = maxRetriesCap
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = time.Second
	}
	if c.MaxDelay < c.BaseDelay {
		c.MaxDelay = c.BaseDelay
	}
	if c.ExponentialBase <= 1 {
		c.ExponentialBase = 2.0
	}
	if c.ErrorClassifier == nil {
		c.ErrorClassifier = DefaultErrorClassifier()
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Execute runs the operation, retrying classifier-approved failures until
// the retry budget is spent. The error returned after exhaustion is the
// final attempt's own error, so callers can still inspect it.
func (rw *RetryWrapper[Req, Resp]) Execute(ctx context.Context, req Req) (Resp, error) {
	cfg := rw.config
	start := time.Now()

	var resp Resp
	var lastErr error
	attemptsThisExec := 0

	onWait := func(retryNum int, delay time.Duration) {
		cfg.Logger.Warn("attempt failed, retrying",
			"attempt", retryNum,
			"max_attempts", cfg.MaxRetries+1,
			"delay", delay,
			"error", lastErr,
		)
	}

	err := retry.Do(ctx, cfg.backoff(onWait), func(ctx context.Context) error {
		attemptsThisExec++
		rw.attempts.Add(1)
		if attemptsThisExec > 1 {
			rw.retries.Add(1)
		}
		rw.mu.Lock()
		rw.lastAttempt = time.Now()
		rw.mu.Unlock()

		r, execErr := rw.client.Execute(ctx, req)
		if execErr != nil {
			lastErr = execErr
			if cfg.ErrorClassifier.IsRetryable(execErr) {
				return retry.RetryableError(execErr)
			}
			cfg.Logger.Debug("error not retryable, failing fast", "error", execErr)
			return execErr
		}
		resp = r
		return nil
	})
	if err != nil {
		rw.failures.Add(1)
		rw.mu.Lock()
		rw.lastErr = err
		rw.mu.Unlock()

		if ctx.Err() != nil && errors.Is(err, context.DeadlineExceeded) {
			var zero Resp
			return zero, jperrors.NewTimeoutError(
				"deadline exceeded while retrying", "retry", time.Since(start))
		}
		if lastErr != nil && errors.Is(err, lastErr) && cfg.ErrorClassifier.IsRetryable(err) {
			cfg.Logger.Error("all attempts failed",
				"attempts", cfg.MaxRetries+1,
				"error", err,
			)
		}
		var zero Resp
		return zero, err
	}

	rw.successes.Add(1)
	rw.mu.Lock()
	rw.lastErr = nil
	rw.mu.Unlock()

	if attemptsThisExec > 1 {
		cfg.Logger.Info("succeeded after retrying",
			"attempts", attemptsThisExec)
	}
	return resp, nil
}

// GetRetryStats returns a snapshot of the wrapper's cumulative activity.
func (rw *RetryWrapper[Req, Resp]) GetRetryStats() RetryStats {
	rw.mu.Lock()
	lastErr := rw.lastErr
	lastAttempt := rw.lastAttempt
	rw.mu.Unlock()

	return RetryStats{
		TotalAttempts:   rw.attempts.Load(),
		TotalRetries:    rw.retries.Load(),
		TotalSuccesses:  rw.successes.Load(),
		TotalFailures:   rw.failures.Load(),
		LastError:       lastErr,
		LastAttemptTime: lastAttempt,
	}
}

// DelayFor returns the scheduled delay after the zero-indexed attempt,
// before jitter: min(BaseDelay * ExponentialBase^attempt, MaxDelay) for the
// exponential strategy, floored at 100ms. Useful for sizing timeouts around
// a wrapped call.
func (c *RetryConfig) DelayFor(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	base := c.BaseDelay
	if base <= 0 {
		base = time.Second
	}
	maxDelay := c.MaxDelay
	if maxDelay < base {
		maxDelay = base
	}

	var d time.Duration
	switch c.Strategy {
	case RetryStrategyConstant:
		d = base
	case RetryStrategyFibonacci:
		// Matches retry.NewFibonacci: base, 2b, 3b, 5b, 8b, ...
		prev, curr := base, base
		for i := 0; i < attempt; i++ {
			prev, curr = curr, prev+curr
			if curr > maxDelay || curr < 0 {
				curr = maxDelay
				break
			}
		}
		d = curr
	default:
		growth := c.ExponentialBase
		if growth <= 1 {
			growth = 2.0
		}
		scaled := float64(base) * math.Pow(growth, float64(attempt))
		if scaled >= float64(maxDelay) {
			d = maxDelay
		} else {
			d = time.Duration(scaled)
		}
	}
	if d > maxDelay {
		d = maxDelay
	}
	if d < minRetryDelay {
		d = minRetryDelay
	}
	return d
}

// Backoff returns a fresh delay schedule honoring the config's strategy,
// cap, jitter, and floor. Each call returns independent state, so one
// schedule must not be shared across executions.
func (c *RetryConfig) Backoff() retry.Backoff {
	return c.backoff(nil)
}

func (c *RetryConfig) backoff(onWait func(retryNum int, delay time.Duration)) retry.Backoff {
	inner := c.strategyBackoff()
	retryNum := 0

	b := retry.BackoffFunc(func() (time.Duration, bool) {
		d, stop := inner.Next()
		if stop {
			return 0, true
		}
		if c.MaxDelay > 0 && d > c.MaxDelay {
			d = c.MaxDelay
		}
		if c.Jitter {
			d = jitterDelay(d)
		}
		if d < minRetryDelay {
			d = minRetryDelay
		}
		retryNum++
		if onWait != nil {
			onWait(retryNum, d)
		}
		return d, false
	})

	maxRetries := c.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}
	return retry.WithMaxRetries(uint64(maxRetries), b)
}

func (c *RetryConfig) strategyBackoff() retry.Backoff {
	switch c.Strategy {
	case RetryStrategyConstant:
		delay := c.BaseDelay
		if delay <= 0 {
			delay = time.Second
		}
		return retry.BackoffFunc(func() (time.Duration, bool) {
			return delay, false
		})
	case RetryStrategyFibonacci:
		base := c.BaseDelay
		if base <= 0 {
			base = time.Second
		}
		return retry.NewFibonacci(base)
	default:
		base := c.BaseDelay
		if base <= 0 {
			base = time.Second
		}
		growth := c.ExponentialBase
		if growth <= 1 {
			growth = 2.0
		}
		maxDelay := c.MaxDelay
		if maxDelay < base {
			maxDelay = base
		}
		attempt := 0
		return retry.BackoffFunc(func() (time.Duration, bool) {
			scaled := float64(base) * math.Pow(growth, float64(attempt))
			attempt++
			if scaled >= float64(maxDelay) {
				return maxDelay, false
			}
			return time.Duration(scaled), false
		})
	}
}

// jitterDelay perturbs d by a uniform amount within ±10%.
func jitterDelay(d time.Duration) time.Duration {
	if d <= 0 {
		return d
	}
	span := int64(d) / 5
	if span <= 0 {
		return d
	}
	return time.Duration(int64(d) - int64(d)/10 + rand.Int64N(span+1))
}
