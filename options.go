package resilience

import (
	"log/slog"
	"time"
)

// RetryStrategy selects how retry delays grow between attempts.
type RetryStrategy string

const (
	// RetryStrategyExponential grows the delay by ExponentialBase per attempt.
	RetryStrategyExponential RetryStrategy = "exponential"

	// RetryStrategyConstant keeps the same delay between attempts.
	RetryStrategyConstant RetryStrategy = "constant"

	// RetryStrategyFibonacci grows the delay along the fibonacci sequence.
	RetryStrategyFibonacci RetryStrategy = "fibonacci"
)

// RetryConfig holds the retry policy. A config is treated as immutable once a
// wrapper has been constructed from it; build a new one to change behavior.
type RetryConfig struct {
	// ErrorClassifier decides which errors are transient enough to retry.
	// Default: HTTPStatusClassifier with the standard retryable codes.
	ErrorClassifier ErrorClassifier

	// Logger receives retry warnings and exhaustion errors.
	// Default: slog.Default()
	Logger *slog.Logger

	// Strategy selects the delay progression.
	// Default: RetryStrategyExponential
	Strategy RetryStrategy

	// BaseDelay is the starting delay, before any growth or jitter.
	// Default: 1s
	BaseDelay time.Duration

	// MaxDelay caps the computed delay. Must be at least BaseDelay.
	// Default: 60s
	MaxDelay time.Duration

	// ExponentialBase is the per-attempt growth factor for the exponential
	// strategy. Values at or below 1 fall back to the default.
	// Default: 2.0
	ExponentialBase float64

	// Jitter perturbs each delay by a uniform ±10% so that agents retrying
	// against the same host do not fall into lockstep.
	// Default: true
	Jitter bool

	// MaxRetries is the number of re-invocations after the first attempt,
	// so an operation runs at most MaxRetries+1 times. Zero means a single
	// attempt with no retry.
	// Default: 3
	MaxRetries int
}

// RetryOption mutates a RetryConfig during construction.
type RetryOption func(*RetryConfig)

// WithMaxRetries sets how many times a failed operation is re-invoked.
// The total number of attempts is retries+1.
//
// Example:
//
//	resilience.WithMaxRetries(5) // 1 attempt + up to 5 retries
func WithMaxRetries(retries int) RetryOption {
	return func(c *RetryConfig) {
		c.MaxRetries = retries
	}
}

// WithExponentialBackoff selects the exponential strategy with the given
// starting delay and cap. With the default growth factor 2.0 the delays run
// ~1s, ~2s, ~4s, ... up to maxDelay.
//
// Example:
//
//	resilience.WithExponentialBackoff(time.Second, time.Minute)
func WithExponentialBackoff(baseDelay, maxDelay time.Duration) RetryOption {
	return func(c *RetryConfig) {
		c.Strategy = RetryStrategyExponential
		c.BaseDelay = baseDelay
		c.MaxDelay = maxDelay
	}
}

// WithExponentialBase sets the growth factor for the exponential strategy.
// The delay after the zero-indexed attempt n is BaseDelay * base^n, capped
// at MaxDelay.
//
// Example:
//
//	resilience.WithExponentialBase(1.5) // 50% growth per retry
func WithExponentialBase(base float64) RetryOption {
	return func(c *RetryConfig) {
		c.ExponentialBase = base
	}
}

// WithConstantBackoff selects a fixed delay between attempts.
//
// Example:
//
//	resilience.WithConstantBackoff(500 * time.Millisecond)
func WithConstantBackoff(delay time.Duration) RetryOption {
	return func(c *RetryConfig) {
		c.Strategy = RetryStrategyConstant
		c.BaseDelay = delay
		c.MaxDelay = delay
	}
}

// WithFibonacciBackoff selects fibonacci delay growth up to maxDelay.
//
// Example:
//
//	resilience.WithFibonacciBackoff(500*time.Millisecond, 10*time.Second)
//	// Delays: ~0.5s, ~0.5s, ~1s, ~1.5s, ~2.5s, ... capped at 10s
func WithFibonacciBackoff(baseDelay, maxDelay time.Duration) RetryOption {
	return func(c *RetryConfig) {
		c.Strategy = RetryStrategyFibonacci
		c.BaseDelay = baseDelay
		c.MaxDelay = maxDelay
	}
}

// WithJitter enables or disables the ±10% delay perturbation.
//
// Example:
//
//	resilience.WithJitter(false) // deterministic delays, e.g. in tests
func WithJitter(enabled bool) RetryOption {
	return func(c *RetryConfig) {
		c.Jitter = enabled
	}
}

// WithErrorClassifier sets a custom classifier for retry decisions.
//
// Example:
//
//	recovery := resilience.NewErrorRecovery()
//	resilience.WithErrorClassifier(recovery) // retry per the recovery table
func WithErrorClassifier(classifier ErrorClassifier) RetryOption {
	return func(c *RetryConfig) {
		c.ErrorClassifier = classifier
	}
}

// WithRetryLogger sets the logger used for retry operations.
//
// Example:
//
//	logger := slog.New(tint.NewHandler(os.Stderr, nil))
//	resilience.WithRetryLogger(logger)
func WithRetryLogger(logger *slog.Logger) RetryOption {
	return func(c *RetryConfig) {
		c.Logger = logger
	}
}

// DefaultRetryConfig returns the retry policy the research agent ships with:
// three retries starting at one second, doubling up to a minute, jittered.
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxRetries:      3,
		Strategy:        RetryStrategyExponential,
		BaseDelay:       time.Second,
		MaxDelay:        60 * time.Second,
		ExponentialBase: 2.0,
		Jitter:          true,
		ErrorClassifier: DefaultErrorClassifier(),
		Logger:          slog.Default(),
	}
}

// CircuitBreakerConfig holds circuit breaker settings.
type CircuitBreakerConfig struct {
	// ErrorClassifier decides which errors count against the failure
	// threshold. Errors it rejects pass through without touching breaker
	// state. Default: TripAllClassifier (every failure is guarded).
	ErrorClassifier CircuitBreakerErrorClassifier

	// OnStateChange is invoked whenever the breaker changes state.
	OnStateChange func(name string, from, to CircuitBreakerState)

	// Logger receives state-change warnings and rejection logs.
	// Default: slog.Default()
	Logger *slog.Logger

	// Name identifies the guarded operation class in logs and callbacks,
	// typically the upstream host or API ("entrez", "crossref", ...).
	// Default: "research-source"
	Name string

	// RecoveryTimeout is how long an open breaker rejects calls before a
	// single trial call is allowed through.
	// Default: 60s
	RecoveryTimeout time.Duration

	// FailureThreshold is the number of consecutive guarded failures that
	// opens the circuit.
	// Default: 5
	FailureThreshold uint32
}

// CircuitBreakerOption mutates a CircuitBreakerConfig during construction.
type CircuitBreakerOption func(*CircuitBreakerConfig)

// CircuitBreakerCounts is a snapshot of the breaker's request counters.
// ConsecutiveFailures is the failure count the threshold is measured
// against; it resets to zero on any successful guarded call.
type CircuitBreakerCounts struct {
	Requests             uint32
	TotalSuccesses       uint32
	TotalFailures        uint32
	ConsecutiveSuccesses uint32
	ConsecutiveFailures  uint32
}

// CircuitBreakerState enumerates the breaker's three positions.
type CircuitBreakerState int

const (
	// StateClosed means calls flow through normally.
	StateClosed CircuitBreakerState = iota

	// StateHalfOpen means the breaker is probing whether the source recovered.
	StateHalfOpen

	// StateOpen means calls are rejected without reaching the source.
	StateOpen
)

var stateNames = [...]string{
	StateClosed:   "closed",
	StateHalfOpen: "half-open",
	StateOpen:     "open",
}

// String returns the lowercase state name, "unknown" for values outside
// the enum.
func (s CircuitBreakerState) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// WithCircuitBreakerName names the guarded operation class.
//
// Example:
//
//	resilience.WithCircuitBreakerName("crossref")
func WithCircuitBreakerName(name string) CircuitBreakerOption {
	return func(c *CircuitBreakerConfig) {
		c.Name = name
	}
}

// WithFailureThreshold sets how many consecutive guarded failures open the
// circuit.
//
// Example:
//
//	resilience.WithFailureThreshold(5)
func WithFailureThreshold(threshold uint32) CircuitBreakerOption {
	return func(c *CircuitBreakerConfig) {
		c.FailureThreshold = threshold
	}
}

// WithRecoveryTimeout sets how long the breaker stays open before allowing
// a trial call.
//
// Example:
//
//	resilience.WithRecoveryTimeout(90 * time.Second)
func WithRecoveryTimeout(timeout time.Duration) CircuitBreakerOption {
	return func(c *CircuitBreakerConfig) {
		c.RecoveryTimeout = timeout
	}
}

// WithCircuitBreakerErrorClassifier sets which failure kinds the breaker
// guards. Failures outside the classifier propagate untouched.
//
// Example:
//
//	resilience.WithCircuitBreakerErrorClassifier(resilience.NewHTTPStatusClassifier())
func WithCircuitBreakerErrorClassifier(classifier CircuitBreakerErrorClassifier) CircuitBreakerOption {
	return func(c *CircuitBreakerConfig) {
		c.ErrorClassifier = classifier
	}
}

// WithStateChangeHandler registers a callback for breaker state changes.
//
// Example:
//
//	resilience.WithStateChangeHandler(func(name string, from, to resilience.CircuitBreakerState) {
//	    metricsStateChange(name, to.String())
//	})
func WithStateChangeHandler(fn func(name string, from, to CircuitBreakerState)) CircuitBreakerOption {
	return func(c *CircuitBreakerConfig) {
		c.OnStateChange = fn
	}
}

// WithCircuitBreakerLogger sets the logger used for circuit breaker operations.
func WithCircuitBreakerLogger(logger *slog.Logger) CircuitBreakerOption {
	return func(c *CircuitBreakerConfig) {
		c.Logger = logger
	}
}

// DefaultCircuitBreakerConfig returns the breaker settings the research
// agent ships with: open after five consecutive failures, try again after
// a minute.
func DefaultCircuitBreakerConfig() *CircuitBreakerConfig {
	return &CircuitBreakerConfig{
		Name:             "research-source",
		FailureThreshold: 5,
		RecoveryTimeout:  60 * time.Second,
		ErrorClassifier:  DefaultCircuitBreakerErrorClassifier(),
		Logger:           slog.Default(),
	}
}

// RateLimiterConfig holds rate limiter settings. Exactly one spacing applies:
// MinInterval when set, otherwise the interval derived from RequestsPerSecond.
type RateLimiterConfig struct {
	// Logger receives a debug line for every enforced wait.
	// Default: slog.Default()
	Logger *slog.Logger

	// MinInterval is the minimum spacing between permitted calls. When
	// zero it is derived as 1/RequestsPerSecond.
	MinInterval time.Duration

	// RequestsPerSecond is the sustained call rate for the guarded
	// resource. Ignored when MinInterval is set explicitly.
	// Default: 1.0
	RequestsPerSecond float64
}

// RateLimiterOption is a functional option for configuring the rate limiter.
type RateLimiterOption func(*RateLimiterConfig)

// WithRequestsPerSecond sets the sustained call rate.
//
// Example:
//
//	resilience.WithRequestsPerSecond(2.0) // one call per 500ms
func WithRequestsPerSecond(rps float64) RateLimiterOption {
	return func(c *RateLimiterConfig) {
		c.RequestsPerSecond = rps
		c.MinInterval = 0
	}
}

// WithMinInterval sets the spacing between calls directly.
//
// Example:
//
//	resilience.WithMinInterval(350 * time.Millisecond)
func WithMinInterval(interval time.Duration) RateLimiterOption {
	return func(c *RateLimiterConfig) {
		c.MinInterval = interval
	}
}

// WithRateLimiterLogger sets the logger used for rate limiter waits.
func WithRateLimiterLogger(logger *slog.Logger) RateLimiterOption {
	return func(c *RateLimiterConfig) {
		c.Logger = logger
	}
}

// DefaultRateLimiterConfig returns the courteous default of one request per
// second against a shared host.
func DefaultRateLimiterConfig() *RateLimiterConfig {
	return &RateLimiterConfig{
		RequestsPerSecond: 1.0,
		Logger:            slog.Default(),
	}
}
