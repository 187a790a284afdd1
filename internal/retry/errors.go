package retry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Failure classes the executor distinguishes when deciding whether and how to
// retry an attempt.
const (
	ClassTransient   = "transient"
	ClassRateLimited = "rate_limited"
	ClassCancelled   = "cancelled"
	ClassTimeout     = "timeout"
)

// UpstreamError is a structured failure reported by the external API.
type UpstreamError struct {
	Status     int
	Message    string
	RetryAfter time.Duration
}

func (e *UpstreamError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("upstream error (status %d): %s", e.Status, e.Message)
	}
	return fmt.Sprintf("upstream error: %s", e.Message)
}

// RateLimited reports whether the upstream explicitly asked us to back off.
func (e *UpstreamError) RateLimited() bool {
	return e.Status == 429
}

// ExhaustedError is the terminal failure after maxAttempts, carrying the last
// underlying error for the caller-facing reason string.
type ExhaustedError struct {
	Attempts int
	LastErr  error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("retries exhausted after %d attempts: %v", e.Attempts, e.LastErr)
}

func (e *ExhaustedError) Unwrap() error { return e.LastErr }

// Classify maps an attempt error to a failure class.
func Classify(err error) string {
	if errors.Is(err, context.Canceled) {
		return ClassCancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTimeout
	}
	var ue *UpstreamError
	if errors.As(err, &ue) && ue.RateLimited() {
		return ClassRateLimited
	}
	return ClassTransient
}
