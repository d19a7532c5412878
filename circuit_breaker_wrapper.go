package resilience

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	jperrors "github.com/JohnPlummer/jp-go-errors"
	"github.com/sony/gobreaker/v2"
)

// CircuitBreakerWrapper guards a ResilientClient against a failing research
// source. After FailureThreshold consecutive guarded failures the circuit
// opens and calls are rejected without reaching the source; after
// RecoveryTimeout a single trial call probes whether the source recovered.
type CircuitBreakerWrapper[Req, Resp any] struct {
	source     ResilientClient[Req, Resp]
	cb         *gobreaker.CircuitBreaker[Resp]
	config     *CircuitBreakerConfig
	classifier CircuitBreakerErrorClassifier

	mu          sync.Mutex
	failures    uint32
	lastFailure time.Time
}

// NewCircuitBreakerWrapper creates a circuit breaker around a ResilientClient.
//
// Example:
//
//	wrapper := resilience.NewCircuitBreakerWrapper[*FetchRequest, *Page](
//	    catalogClient,
//	    resilience.WithCircuitBreakerName("catalog"),
//	    resilience.WithFailureThreshold(5),
//	    resilience.WithRecoveryTimeout(60*time.Second),
//	)
func NewCircuitBreakerWrapper[Req, Resp any](
	source ResilientClient[Req, Resp],
	opts ...CircuitBreakerOption,
) *CircuitBreakerWrapper[Req, Resp] {
	config := DefaultCircuitBreakerConfig()
	for _, opt := range opts {
		opt(config)
	}
	normalizeCircuitBreakerConfig(config)

	w := &CircuitBreakerWrapper[Req, Resp]{
		source:     source,
		config:     config,
		classifier: config.ErrorClassifier,
	}

	settings := gobreaker.Settings{
		Name: config.Name,
		// Exactly one trial call is allowed through a half-open circuit.
		MaxRequests: 1,
		// Interval stays zero so closed-state counts never decay; only a
		// success clears the consecutive failure streak.
		Interval: 0,
		Timeout:  config.RecoveryTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= config.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			config.Logger.Warn("circuit state changed",
				"name", name,
				"from", from.String(),
				"to", to.String())

			if config.OnStateChange != nil {
				config.OnStateChange(name, convertGobreakerState(from), convertGobreakerState(to))
			}
		},
		IsSuccessful: func(err error) bool {
			if err == nil || !w.classifier.ShouldTripCircuit(err) {
				w.recordSuccess()
				return true
			}
			w.recordFailure()
			return false
		},
	}

	w.cb = gobreaker.NewCircuitBreaker[Resp](settings)
	return w
}

func normalizeCircuitBreakerConfig(c *CircuitBreakerConfig) {
	if c.Name == "" {
		c.Name = "research-source"
	}
	if c.FailureThreshold == 0 {
		c.FailureThreshold = 5
	}
	if c.RecoveryTimeout <= 0 {
		c.RecoveryTimeout = 60 * time.Second
	}
	if c.ErrorClassifier == nil {
		c.ErrorClassifier = DefaultCircuitBreakerErrorClassifier()
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

func (w *CircuitBreakerWrapper[Req, Resp]) recordFailure() {
	w.mu.Lock()
	w.failures++
	w.lastFailure = time.Now()
	w.mu.Unlock()
}

func (w *CircuitBreakerWrapper[Req, Resp]) recordSuccess() {
	w.mu.Lock()
	w.failures = 0
	w.mu.Unlock()
}

// Execute runs the request through the circuit breaker. While the circuit
// is open, requests are rejected without reaching the source. Breaker
// rejections are wrapped in jperrors circuit breaker errors with the
// gobreaker sentinel preserved in the cause chain:
//   - gobreaker.ErrOpenState while the circuit is open
//   - gobreaker.ErrTooManyRequests when a trial call is already in flight
//
// Errors the classifier does not guard propagate unchanged and leave
// breaker state alone.
func (w *CircuitBreakerWrapper[Req, Resp]) Execute(ctx context.Context, req Req) (Resp, error) {
	var zero Resp

	resp, err := w.cb.Execute(func() (Resp, error) {
		return w.source.Execute(ctx, req)
	})
	if err != nil {
		switch {
		case errors.Is(err, gobreaker.ErrOpenState):
			counts := w.cb.Counts()
			w.config.Logger.Warn("circuit open, source call rejected",
				"name", w.config.Name,
				"error", err,
				"last_failure", w.LastFailureTime(),
				"counts", counts)
			return zero, jperrors.NewCircuitBreakerError(
				"source call rejected",
				"execute",
				"open",
				jperrors.WithCause(err),
				jperrors.WithCounts(toCircuitCounts(counts)),
			)
		case errors.Is(err, gobreaker.ErrTooManyRequests):
			counts := w.cb.Counts()
			w.config.Logger.Debug("trial call already in flight, request rejected",
				"name", w.config.Name,
				"error", err)
			return zero, jperrors.NewCircuitBreakerError(
				"trial call already in flight",
				"execute",
				"half-open",
				jperrors.WithCause(err),
				jperrors.WithCounts(toCircuitCounts(counts)),
			)
		default:
			w.config.Logger.Debug("source call failed",
				"name", w.config.Name,
				"error", err,
				"guarded", w.classifier.ShouldTripCircuit(err))
		}
		return zero, err
	}

	return resp, nil
}

// State reports where the breaker currently sits.
func (w *CircuitBreakerWrapper[Req, Resp]) State() CircuitBreakerState {
	return convertGobreakerState(w.cb.State())
}

// Counts returns the breaker's raw request counters for the current
// generation. Counters reset whenever the breaker changes state.
func (w *CircuitBreakerWrapper[Req, Resp]) Counts() CircuitBreakerCounts {
	counts := w.cb.Counts()
	return CircuitBreakerCounts{
		Requests:             counts.Requests,
		TotalSuccesses:       counts.TotalSuccesses,
		TotalFailures:        counts.TotalFailures,
		ConsecutiveFailures:  counts.ConsecutiveFailures,
		ConsecutiveSuccesses: counts.ConsecutiveSuccesses,
	}
}

// toCircuitCounts copies a gobreaker snapshot into the jp-go-errors shape
// attached to rejection errors.
func toCircuitCounts(c gobreaker.Counts) jperrors.CircuitCounts {
	return jperrors.CircuitCounts{
		Requests:             c.Requests,
		TotalSuccesses:       c.TotalSuccesses,
		TotalFailures:        c.TotalFailures,
		ConsecutiveFailures:  c.ConsecutiveFailures,
		ConsecutiveSuccesses: c.ConsecutiveSuccesses,
	}
}

// FailureCount returns the consecutive guarded failures since the last
// success. Unlike Counts, this survives state transitions, so an open
// breaker still reports the streak that tripped it.
func (w *CircuitBreakerWrapper[Req, Resp]) FailureCount() uint32 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.failures
}

// LastFailureTime returns when the most recent guarded failure occurred.
// The zero time means no guarded failure has been recorded yet.
func (w *CircuitBreakerWrapper[Req, Resp]) LastFailureTime() time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastFailure
}

// GetHealth snapshots the breaker for status pages and run logs. A
// half-open breaker still reports healthy: it is degraded but accepting
// the trial call.
func (w *CircuitBreakerWrapper[Req, Resp]) GetHealth() HealthStatus {
	state := w.State()
	counts := w.Counts()

	return HealthStatus{
		Healthy:              state == StateClosed || state == StateHalfOpen,
		Status:               state.String(),
		State:                state.String(),
		Name:                 w.config.Name,
		Requests:             counts.Requests,
		TotalSuccesses:       counts.TotalSuccesses,
		TotalFailures:        counts.TotalFailures,
		ConsecutiveFailures:  counts.ConsecutiveFailures,
		ConsecutiveSuccesses: counts.ConsecutiveSuccesses,
		FailureCount:         w.FailureCount(),
		FailureThreshold:     w.config.FailureThreshold,
		RecoveryTimeout:      w.config.RecoveryTimeout,
		LastFailureTime:      w.LastFailureTime(),
	}
}

// convertGobreakerState maps gobreaker's state enum onto ours.
func convertGobreakerState(state gobreaker.State) CircuitBreakerState {
	switch state {
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateClosed
	}
}

// CombineRetryAndCircuitBreaker layers both behaviors around a client. The
// circuit breaker sits inside, so its state reflects real source outcomes,
// and retry sits outside so each retry attempt passes the breaker's gate. A
// rejection from an open circuit is not retryable, so callers fail fast
// until the recovery timeout lets a trial call through.
func CombineRetryAndCircuitBreaker[Req, Resp any](
	source ResilientClient[Req, Resp],
	retryConfig *RetryConfig,
	cbConfig *CircuitBreakerConfig,
	logger *slog.Logger,
) ResilientClient[Req, Resp] {
	if retryConfig != nil && logger != nil {
		retryConfig.Logger = logger
	}
	if cbConfig != nil && logger != nil {
		cbConfig.Logger = logger
	}

	guarded := NewCircuitBreakerWrapper(source, func(c *CircuitBreakerConfig) {
		if cbConfig != nil {
			*c = *cbConfig
		}
	})

	return NewRetryWrapper(guarded, func(c *RetryConfig) {
		if retryConfig != nil {
			*c = *retryConfig
		}
	})
}
