package execution

import (
	"fmt"
	"math"
	"math/rand"
	"strings"
	"time"
)

// ErrorTag is the machine-readable failure class persisted with a failed
// block or job, so operators can tell "model logic failed" from "storage
// failed" at a glance.
type ErrorTag string

const (
	// TagModelTimeout - the completion service did not answer within the
	// deadline; retried at the invocation layer first.
	TagModelTimeout ErrorTag = "model_timeout"

	// TagMalformedOutput - response received but not parseable as JSON even
	// after fallback extraction; retrying the same prompt rarely fixes
	// formatting, so the invocation layer does not retry these.
	TagMalformedOutput ErrorTag = "malformed_output"

	// TagDependencyUnavailable - a block input references a source block
	// whose result is absent from the registry. Checked defensively; the
	// sequential order_index execution should make this impossible.
	TagDependencyUnavailable ErrorTag = "dependency_unavailable"

	// TagPersistenceFailure - writing the final output to the result store
	// failed after its own narrower retry loop.
	TagPersistenceFailure ErrorTag = "persistence_failure"
)

// BlockError wraps errors with classification for retry decisions.
type BlockError struct {
	Tag        ErrorTag
	Message    string
	StatusCode int   // HTTP status code if applicable
	Retryable  bool  // Explicit retryable flag
	Cause      error // Original error
}

func (e *BlockError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("[%d] %s", e.StatusCode, e.Message)
	}
	return e.Message
}

func (e *BlockError) Unwrap() error {
	return e.Cause
}

// IsRetryable determines if an error should be retried
func (e *BlockError) IsRetryable() bool {
	return e.Retryable
}

// ClassifyInvocationError classifies an error from a model invocation attempt.
func ClassifyInvocationError(err error) *BlockError {
	if err == nil {
		return nil
	}

	// If already a BlockError, return as-is
	if blockErr, ok := err.(*BlockError); ok {
		return blockErr
	}

	errStr := err.Error()

	// Context timeout/cancellation
	if strings.Contains(errStr, "context deadline exceeded") ||
		strings.Contains(errStr, "Client.Timeout") ||
		strings.Contains(errStr, "context canceled") {
		return &BlockError{
			Tag:       TagModelTimeout,
			Message:   "Model request timed out",
			Retryable: true,
			Cause:     err,
		}
	}

	// Network errors - connection issues
	if strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "connection reset") ||
		strings.Contains(errStr, "no such host") ||
		strings.Contains(errStr, "network is unreachable") ||
		strings.Contains(errStr, "i/o timeout") ||
		strings.Contains(errStr, "EOF") {
		return &BlockError{
			Tag:       TagModelTimeout,
			Message:   fmt.Sprintf("Network error: %s", truncateString(errStr, 100)),
			Retryable: true,
			Cause:     err,
		}
	}

	// Default: unknown, not retryable
	return &BlockError{
		Message:   truncateString(errStr, 200),
		Retryable: false,
		Cause:     err,
	}
}

// ClassifyHTTPStatus classifies a non-200 completion service response.
// 5xx and 429 are transient and retryable; 4xx are not.
func ClassifyHTTPStatus(statusCode int, body string) *BlockError {
	err := &BlockError{
		StatusCode: statusCode,
		Message:    fmt.Sprintf("HTTP %d: %s", statusCode, truncateString(body, 200)),
	}
	if statusCode == 429 || (statusCode >= 500 && statusCode < 600) {
		err.Tag = TagModelTimeout
		err.Retryable = true
	}
	return err
}

// BackoffCalculator computes retry delays with exponential backoff and jitter
type BackoffCalculator struct {
	initialDelay  time.Duration
	maxDelay      time.Duration
	multiplier    float64
	jitterPercent int
}

// NewBackoffCalculator creates a calculator with specified parameters
func NewBackoffCalculator(initialDelayMs, maxDelayMs int, multiplier float64, jitterPercent int) *BackoffCalculator {
	if initialDelayMs <= 0 {
		initialDelayMs = 1000
	}
	if maxDelayMs <= 0 {
		maxDelayMs = 30000
	}
	if multiplier <= 0 {
		multiplier = 2.0
	}
	if jitterPercent < 0 {
		jitterPercent = 20
	}

	return &BackoffCalculator{
		initialDelay:  time.Duration(initialDelayMs) * time.Millisecond,
		maxDelay:      time.Duration(maxDelayMs) * time.Millisecond,
		multiplier:    multiplier,
		jitterPercent: jitterPercent,
	}
}

// NextDelay calculates the delay for the given attempt number (0-indexed)
func (b *BackoffCalculator) NextDelay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}

	delay := float64(b.initialDelay) * math.Pow(b.multiplier, float64(attempt))

	if delay > float64(b.maxDelay) {
		delay = float64(b.maxDelay)
	}

	// Jitter prevents thundering herd on shared model capacity
	if b.jitterPercent > 0 {
		jitterRange := delay * float64(b.jitterPercent) / 100.0
		jitter := (rand.Float64()*2 - 1) * jitterRange
		delay += jitter
	}

	if delay < 0 {
		delay = float64(b.initialDelay)
	}

	return time.Duration(delay)
}

// truncateString truncates a string to maxLen characters
func truncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
