package resilience

import (
	"context"
	"errors"
	"fmt"
	"slices"

	jperrors "github.com/JohnPlummer/jp-go-errors"
	"github.com/sony/gobreaker/v2"
)

// ErrorClassifier decides which failures are worth another attempt. The
// retry wrapper consults it before every backoff.
type ErrorClassifier interface {
	// IsRetryable reports whether the failure is transient.
	IsRetryable(err error) bool
}

// CircuitBreakerErrorClassifier determines whether an error counts against the
// circuit breaker's failure threshold. Errors it rejects pass through the
// breaker without touching its state.
type CircuitBreakerErrorClassifier interface {
	// ShouldTripCircuit returns true if the error represents a failure serious
	// enough to count toward opening the circuit.
	ShouldTripCircuit(err error) bool
}

// HTTPError exposes the status code behind a failure. Client libraries that
// tag their errors with a response status satisfy it.
type HTTPError interface {
	error
	StatusCode() int
}

// StatusCodeError tags an error with the HTTP status that produced it, for
// sources whose client libraries return bare errors.
type StatusCodeError struct {
	Err  error
	Code int
}

// Error includes the status code in the message so keyword-based
// classification sees it.
func (e *StatusCodeError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("status %d", e.Code)
	}
	return fmt.Sprintf("status %d: %v", e.Code, e.Err)
}

// Unwrap returns the wrapped error.
func (e *StatusCodeError) Unwrap() error {
	return e.Err
}

// StatusCode satisfies HTTPError.
func (e *StatusCodeError) StatusCode() int {
	return e.Code
}

// NewStatusCodeError wraps err with the response status so classifiers can
// see it.
//
// Example:
//
//	resp, err := fetchRecord(ctx, id)
//	if resp != nil && resp.StatusCode >= 400 {
//	    return resilience.NewStatusCodeError(resp.StatusCode, err)
//	}
func NewStatusCodeError(statusCode int, err error) error {
	return &StatusCodeError{
		Code: statusCode,
		Err:  err,
	}
}

var (
	defaultRetryableStatuses   = []int{429, 500, 502, 503, 504}
	defaultCircuitTripStatuses = []int{401, 403, 500, 502, 503, 504}
)

// HTTPStatusClassifier classifies errors by HTTP status code. Transient
// statuses are retried; hard client errors (400, 401, 403, 404 and friends)
// fail fast so the agent does not hammer a source that already said no.
type HTTPStatusClassifier struct {
	// RetryableStatuses overrides the statuses treated as transient.
	// Nil means 429, 500, 502, 503, 504.
	RetryableStatuses []int

	// CircuitTripStatuses overrides the statuses a guarded breaker counts.
	// Nil means 401, 403, 500, 502, 503, 504.
	CircuitTripStatuses []int
}

// NewHTTPStatusClassifier builds the default mapping: 429 and the 5xx family
// retry, while auth failures (401, 403) and the 5xx family count against the
// breaker.
func NewHTTPStatusClassifier() *HTTPStatusClassifier {
	return &HTTPStatusClassifier{
		RetryableStatuses:   slices.Clone(defaultRetryableStatuses),
		CircuitTripStatuses: slices.Clone(defaultCircuitTripStatuses),
	}
}

// IsRetryable implements ErrorClassifier.
func (c *HTTPStatusClassifier) IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	// Context errors are NOT retryable - if the parent context is exceeded or
	// canceled, retrying with the same context will fail immediately.
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return false
	}

	// A rejection from an open circuit must not be retried; the breaker's
	// recovery timeout decides when the source gets another chance.
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return false
	}

	// jp-go-errors sentinels carry their own verdicts
	if errors.Is(err, jperrors.ErrRateLimited) {
		return true
	}
	if jperrors.IsTimeout(err) {
		return true
	}

	status := statusCodeOf(err)
	if status == 0 {
		// Errors with no status are usually transport trouble, worth retrying
		return true
	}

	return slices.Contains(c.retryable(), status)
}

// ShouldTripCircuit implements CircuitBreakerErrorClassifier.
func (c *HTTPStatusClassifier) ShouldTripCircuit(err error) bool {
	if err == nil {
		return false
	}

	// Rate limits and timeouts are transient and say nothing about whether
	// the source itself is down, so they never count against the breaker.
	if errors.Is(err, jperrors.ErrRateLimited) {
		return false
	}
	if jperrors.IsTimeout(err) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return false
	}

	status := statusCodeOf(err)
	if status == 0 {
		// Unknown errors count against the breaker to be safe
		return true
	}

	return slices.Contains(c.circuitTrip(), status)
}

func (c *HTTPStatusClassifier) retryable() []int {
	if c.RetryableStatuses != nil {
		return c.RetryableStatuses
	}
	return defaultRetryableStatuses
}

func (c *HTTPStatusClassifier) circuitTrip() []int {
	if c.CircuitTripStatuses != nil {
		return c.CircuitTripStatuses
	}
	return defaultCircuitTripStatuses
}

// statusCodeOf digs an HTTP status out of the error chain. Zero means no
// status was found.
func statusCodeOf(err error) int {
	var httpErr HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode()
	}
	return 0
}

// DefaultErrorClassifier is what the retry wrapper falls back to when no
// classifier is configured. Transient statuses and transport errors retry;
// hard client errors fail fast.
func DefaultErrorClassifier() ErrorClassifier {
	return NewHTTPStatusClassifier()
}

// TripAllClassifier counts every failure against the breaker except caller
// cancellation, which says nothing about source health. This mirrors how
// the research agent treats scraped sources: any real failure, whatever its
// shape, is evidence the source is struggling.
type TripAllClassifier struct{}

// NewTripAllClassifier returns a classifier that guards every failure.
func NewTripAllClassifier() *TripAllClassifier {
	return &TripAllClassifier{}
}

// ShouldTripCircuit implements CircuitBreakerErrorClassifier.
func (c *TripAllClassifier) ShouldTripCircuit(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return false
	}
	return true
}

// DefaultCircuitBreakerErrorClassifier returns the classifier circuit
// breakers use when none is configured.
func DefaultCircuitBreakerErrorClassifier() CircuitBreakerErrorClassifier {
	return NewTripAllClassifier()
}
