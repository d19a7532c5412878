package resilience

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter enforces a minimum interval between calls to a shared
// resource. It never allows bursts: with a one second interval, the second
// call waits a full second even if the first returned instantly. Create one
// limiter per guarded host and share it across every client of that host.
type RateLimiter struct {
	limiter  *rate.Limiter
	logger   *slog.Logger
	interval time.Duration
}

// NewRateLimiter creates a rate limiter from the given options.
//
// Example:
//
//	limiter := resilience.NewRateLimiter(
//	    resilience.WithRequestsPerSecond(2.0),
//	)
func NewRateLimiter(opts ...RateLimiterOption) *RateLimiter {
	config := DefaultRateLimiterConfig()
	for _, opt := range opts {
		opt(config)
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	interval := config.MinInterval
	if interval <= 0 {
		rps := config.RequestsPerSecond
		if rps <= 0 {
			rps = 1.0
		}
		interval = time.Duration(float64(time.Second) / rps)
	}

	return &RateLimiter{
		// Burst of one turns the token bucket into strict spacing.
		limiter:  rate.NewLimiter(rate.Every(interval), 1),
		logger:   config.Logger,
		interval: interval,
	}
}

// MinInterval returns the enforced spacing between calls.
func (r *RateLimiter) MinInterval() time.Duration {
	return r.interval
}

// Wait blocks until the next call is allowed or ctx is done. The first call
// proceeds immediately; later calls wait out the remainder of the interval.
func (r *RateLimiter) Wait(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	res := r.limiter.Reserve()
	if !res.OK() {
		// Unreachable with a positive burst, but Reserve's contract
		// requires the check.
		return context.DeadlineExceeded
	}

	delay := res.Delay()
	if delay <= 0 {
		return nil
	}

	r.logger.Debug("rate limit reached, waiting",
		"delay", delay,
		"interval", r.interval)

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		res.Cancel()
		return ctx.Err()
	}
}

// RateLimiterWrapper paces calls to the wrapped client through a shared
// RateLimiter. Place it outermost when combining with retry and circuit
// breaker layers so that waiting for a slot happens before any attempt is
// spent.
type RateLimiterWrapper[Req, Resp any] struct {
	client  ResilientClient[Req, Resp]
	limiter *RateLimiter
}

// NewRateLimiterWrapper wraps client so every Execute first waits for
// limiter. A nil limiter gets the one-request-per-second default.
func NewRateLimiterWrapper[Req, Resp any](
	client ResilientClient[Req, Resp],
	limiter *RateLimiter,
) *RateLimiterWrapper[Req, Resp] {
	if limiter == nil {
		limiter = NewRateLimiter()
	}
	return &RateLimiterWrapper[Req, Resp]{
		client:  client,
		limiter: limiter,
	}
}

// Execute waits for the limiter, then runs the request.
func (w *RateLimiterWrapper[Req, Resp]) Execute(ctx context.Context, req Req) (Resp, error) {
	if err := w.limiter.Wait(ctx); err != nil {
		var zero Resp
		return zero, err
	}
	return w.client.Execute(ctx, req)
}
