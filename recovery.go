package resilience

import (
	"log/slog"
	"strings"
	"time"
)

// ErrorCategory names a class of research-source failure.
type ErrorCategory string

const (
	// CategoryRateLimited means the source throttled us.
	CategoryRateLimited ErrorCategory = "rate_limited"

	// CategoryBlocked means the source refused us outright.
	CategoryBlocked ErrorCategory = "blocked"

	// CategoryNotFound means the resource does not exist.
	CategoryNotFound ErrorCategory = "not_found"

	// CategoryServerError means the source itself is failing.
	CategoryServerError ErrorCategory = "server_error"

	// CategoryNetworkError means we could not reach the source.
	CategoryNetworkError ErrorCategory = "network_error"

	// CategoryParsingError means the fetched page did not look as expected.
	CategoryParsingError ErrorCategory = "parsing_error"

	// CategoryUnknown is the fallback when nothing else matches.
	CategoryUnknown ErrorCategory = "unknown"
)

// RecoveryAction describes how the agent should react to an error category.
// DelayMultiplier scales the current retry delay when Retry is true; a
// category with no particular backoff pressure carries 1.0.
type RecoveryAction struct {
	Action          string  `json:"action"`
	Suggestion      string  `json:"suggestion"`
	Retry           bool    `json:"retry"`
	DelayMultiplier float64 `json:"delay_multiplier"`
}

// ErrorReport is a structured record of a single failure, suitable for the
// agent's run logs and manual review queues.
type ErrorReport struct {
	Timestamp    time.Time      `json:"timestamp"`
	ErrorMessage string         `json:"error"`
	Category     ErrorCategory  `json:"category"`
	Recovery     RecoveryAction `json:"recovery"`
	Context      map[string]any `json:"context"`
}

// categoryRule maps message keywords to a category. Rules are checked in
// order and the first match wins, so the more specific statuses come before
// the broad network bucket.
type categoryRule struct {
	category ErrorCategory
	keywords []string
}

var defaultCategoryRules = []categoryRule{
	{CategoryRateLimited, []string{"429", "too many requests", "rate limit"}},
	{CategoryBlocked, []string{"403", "forbidden", "access denied", "blocked"}},
	{CategoryNotFound, []string{"404", "not found"}},
	{CategoryServerError, []string{"500", "502", "503", "504", "server error"}},
	{CategoryNetworkError, []string{"connection", "timeout", "network"}},
	{CategoryParsingError, []string{"parse", "html", "selector", "goquery"}},
}

var defaultRecoveryStrategies = map[ErrorCategory]RecoveryAction{
	CategoryRateLimited: {
		Action:          "increase_delay",
		Suggestion:      "Increase delay between requests or switch to a headless browser",
		Retry:           true,
		DelayMultiplier: 3.0,
	},
	CategoryBlocked: {
		Action:          "change_headers",
		Suggestion:      "Rotate User-Agent or use a proxy",
		Retry:           true,
		DelayMultiplier: 2.0,
	},
	CategoryNotFound: {
		Action:          "check_url",
		Suggestion:      "Verify URL structure and catalog path",
		Retry:           false,
		DelayMultiplier: 1.0,
	},
	CategoryServerError: {
		Action:          "wait_and_retry",
		Suggestion:      "Wait longer between requests",
		Retry:           true,
		DelayMultiplier: 2.0,
	},
	CategoryNetworkError: {
		Action:          "check_connection",
		Suggestion:      "Check internet connection and target server availability",
		Retry:           true,
		DelayMultiplier: 1.5,
	},
	CategoryParsingError: {
		Action:          "update_selectors",
		Suggestion:      "Update CSS selectors or use a different parsing strategy",
		Retry:           false,
		DelayMultiplier: 1.0,
	},
	CategoryUnknown: {
		Action:          "manual_review",
		Suggestion:      "Manual investigation required",
		Retry:           false,
		DelayMultiplier: 1.0,
	},
}

// ErrorRecovery classifies failures by message and suggests what to do
// next. Classification is advisory: the recovery table's Retry flag feeds
// the retry layer when the recovery is installed as its classifier, while
// Action and Suggestion are for the agent's operators.
type ErrorRecovery struct {
	logger     *slog.Logger
	rules      []categoryRule
	strategies map[ErrorCategory]RecoveryAction
}

// RecoveryOption is a functional option for configuring error recovery.
type RecoveryOption func(*ErrorRecovery)

// WithRecoveryLogger sets the logger used when reports are created.
func WithRecoveryLogger(logger *slog.Logger) RecoveryOption {
	return func(r *ErrorRecovery) {
		r.logger = logger
	}
}

// NewErrorRecovery returns a recovery classifier with the standard category
// rules and strategy table.
func NewErrorRecovery(opts ...RecoveryOption) *ErrorRecovery {
	r := &ErrorRecovery{
		logger:     slog.Default(),
		rules:      defaultCategoryRules,
		strategies: defaultRecoveryStrategies,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	return r
}

// Classify maps an error to a category by scanning its message for known
// keywords, first match wins. A nil error or an unrecognized message is
// CategoryUnknown.
func (r *ErrorRecovery) Classify(err error) ErrorCategory {
	if err == nil {
		return CategoryUnknown
	}
	msg := strings.ToLower(err.Error())
	for _, rule := range r.rules {
		for _, kw := range rule.keywords {
			if strings.Contains(msg, kw) {
				return rule.category
			}
		}
	}
	return CategoryUnknown
}

// SuggestRecovery returns the recovery action for the error's category.
func (r *ErrorRecovery) SuggestRecovery(err error) RecoveryAction {
	return r.strategies[r.Classify(err)]
}

// IsRetryable implements ErrorClassifier using the recovery table, so an
// ErrorRecovery can drive a retry wrapper directly.
func (r *ErrorRecovery) IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	return r.SuggestRecovery(err).Retry
}

// Report builds a structured report for the failure. The context map is for
// caller details such as the source name and URL.
func (r *ErrorRecovery) Report(err error, context map[string]any) ErrorReport {
	category := r.Classify(err)
	action := r.strategies[category]

	msg := ""
	if err != nil {
		msg = err.Error()
	}
	if context == nil {
		context = map[string]any{}
	}

	report := ErrorReport{
		Timestamp:    time.Now(),
		ErrorMessage: msg,
		Category:     category,
		Recovery:     action,
		Context:      context,
	}

	r.logger.Error("source error",
		"category", category,
		"error", msg,
		"suggestion", action.Suggestion,
		"retry", action.Retry,
		"context", context)

	return report
}
