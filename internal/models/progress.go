package models

import (
	"time"
)

// BatchPhase enumerates the scheduler's per-batch state machine.
const (
	BatchIdle       = "idle"
	BatchPlanning   = "planning"
	BatchProcessing = "processing"
	BatchPaused     = "paused"
	BatchComplete   = "complete"
)

// BatchProgress is an aggregate snapshot derived from the item states. It is
// recomputed on demand and safe to hand out by value.
type BatchProgress struct {
	BatchID             string        `json:"batch_id"`
	Phase               string        `json:"phase"`
	Profile             string        `json:"profile"`
	TotalFrames         int           `json:"total_frames"`
	CompletedFrames     int           `json:"completed_frames"`
	FailedFrames        int           `json:"failed_frames"`
	CancelledFrames     int           `json:"cancelled_frames"`
	CachedFrames        int           `json:"cached_frames"`
	InFlight            int           `json:"in_flight"`
	ThroughputPerMinute float64       `json:"throughput_per_minute"`
	ETA                 time.Duration `json:"eta"`
	StartedAt           time.Time     `json:"started_at,omitempty"`
	UpdatedAt           time.Time     `json:"updated_at"`
}

// Settled reports how many items have reached a terminal phase.
func (p BatchProgress) Settled() int {
	return p.CompletedFrames + p.FailedFrames + p.CancelledFrames
}
