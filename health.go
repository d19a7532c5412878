package resilience

import "time"

// HealthStatus describes a circuit breaker's view of its research source.
// It provides a strongly-typed alternative to map[string]interface{} for
// health checks and agent status pages.
type HealthStatus struct {
	// Healthy indicates whether calls can currently reach the source,
	// which holds for the closed and half-open states.
	Healthy bool `json:"healthy"`

	// Status is the state name: "closed", "half-open" or "open".
	Status string `json:"status"`

	// State repeats Status for dashboards that key on this field.
	State string `json:"state"`

	// Name identifies which guarded source this status describes.
	Name string `json:"name"`

	// Requests is the number of requests in the current breaker generation.
	Requests uint32 `json:"requests"`

	// TotalSuccesses is the number of successful requests in the current generation.
	TotalSuccesses uint32 `json:"total_successes"`

	// TotalFailures is the number of failed requests in the current generation.
	TotalFailures uint32 `json:"total_failures"`

	// ConsecutiveFailures is the failure streak within the current generation.
	ConsecutiveFailures uint32 `json:"consecutive_failures"`

	// ConsecutiveSuccesses is the success streak within the current generation.
	ConsecutiveSuccesses uint32 `json:"consecutive_successes"`

	// FailureCount is the guarded failure streak since the last success,
	// preserved across state transitions.
	FailureCount uint32 `json:"failure_count"`

	// FailureThreshold is the streak length that opens the circuit.
	FailureThreshold uint32 `json:"failure_threshold"`

	// RecoveryTimeout is how long an open circuit waits before a trial call.
	RecoveryTimeout time.Duration `json:"recovery_timeout"`

	// LastFailureTime is when the most recent guarded failure occurred.
	// Zero when no guarded failure has been recorded.
	LastFailureTime time.Time `json:"last_failure_time"`
}
