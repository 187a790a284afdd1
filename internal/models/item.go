package models

import (
	"time"
)

// ItemPhase enumerates per-item lifecycle states tracked by the scheduler.
const (
	PhaseQueued       = "queued"
	PhaseProcessing   = "processing"
	PhaseWaitingRetry = "waiting_retry"
	PhaseCompleted    = "completed"
	PhaseFailed       = "failed"
	PhaseCancelled    = "cancelled"
)

// TerminalPhase reports whether a phase admits no further transitions
// (short of an explicit caller-initiated retry).
func TerminalPhase(phase string) bool {
	return phase == PhaseCompleted || phase == PhaseFailed || phase == PhaseCancelled
}

// WorkItem is one opaque unit of work submitted by the caller. The engine
// never interprets the payload; Operation is forwarded to the runner as-is.
type WorkItem struct {
	ID         string `json:"id"`
	Payload    []byte `json:"payload,omitempty"`
	PayloadRef string `json:"payload_ref,omitempty"`
	Operation  string `json:"operation"`
	Priority   int    `json:"priority"`
	// Cheaper hints that this operation reuses a prior result and costs
	// less quota than a first-pass call.
	Cheaper    bool `json:"cheaper,omitempty"`
	RetryCount int  `json:"retry_count"`
}

// ItemState is the engine-owned mutable record for one item.
type ItemState struct {
	ID              string    `json:"id"`
	Phase           string    `json:"phase"`
	Error           string    `json:"error,omitempty"`
	RetryCount      int       `json:"retry_count"`
	FromCache       bool      `json:"from_cache"`
	ProgressPercent int       `json:"progress_percent"`
	Result          []byte    `json:"result,omitempty"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// QuotaSnapshot mirrors the most recent upstream quota feedback. Absence of a
// snapshot means "assume generous defaults, proceed cautiously".
type QuotaSnapshot struct {
	Remaining             int       `json:"remaining"`
	ResetAt               time.Time `json:"reset_at"`
	ObservedRatePerMinute float64   `json:"observed_rate_per_minute"`
	LastUpdated           time.Time `json:"last_updated"`
}

// CircuitState is a point-in-time view of the breaker for callers.
type CircuitState struct {
	IsOpen              bool      `json:"is_open"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastFailureAt       time.Time `json:"last_failure_at,omitempty"`
	NextRetryAt         time.Time `json:"next_retry_at,omitempty"`
}
