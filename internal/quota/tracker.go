package quota

import (
	"sync"
	"time"

	"github.com/Hunafi/framesnap/internal/models"
	"github.com/Hunafi/framesnap/internal/telemetry"
)

// Options tune the tracker. Cost constants are defaults, not truths; callers
// should recalibrate them against observed usage.
type Options struct {
	// SafetyBuffer is held back from the reported remaining budget.
	SafetyBuffer int
	// RateCeilingPerMinute caps projected per-minute consumption even when
	// the absolute remaining budget would allow a burst.
	RateCeilingPerMinute float64
	// FullCost / CheapCost are the per-item token estimates for first-pass
	// and follow-up operations.
	FullCost  int
	CheapCost int
	// DefaultBatchSize is recommended while no upstream feedback exists.
	DefaultBatchSize int
}

// DefaultOptions mirror a mid-tier vision API quota.
func DefaultOptions() Options {
	return Options{
		SafetyBuffer:         2,
		RateCeilingPerMinute: 60,
		FullCost:             1000,
		CheapCost:            300,
		DefaultBatchSize:     8,
	}
}

// Advice is the tracker's recommendation for a planned slice of work. The
// tracker never blocks; the scheduler enforces the advice.
type Advice struct {
	CanProceed           bool          `json:"can_proceed"`
	SuggestedDelay       time.Duration `json:"suggested_delay"`
	RecommendedBatchSize int           `json:"recommended_batch_size"`
	Reason               string        `json:"reason"`
}

// Tracker keeps the latest upstream quota feedback plus a rolling window of
// completed-request timestamps for the observed consumption rate.
type Tracker struct {
	mu       sync.Mutex
	opts     Options
	now      func() time.Time
	snapshot *models.QuotaSnapshot
	recent   []time.Time // completion times inside the rolling minute
}

// NewTracker builds a tracker with no snapshot: generous defaults, proceed
// cautiously.
func NewTracker(opts Options) *Tracker {
	if opts.FullCost <= 0 {
		opts.FullCost = DefaultOptions().FullCost
	}
	if opts.CheapCost <= 0 || opts.CheapCost >= opts.FullCost {
		opts.CheapCost = opts.FullCost / 3
	}
	if opts.DefaultBatchSize <= 0 {
		opts.DefaultBatchSize = DefaultOptions().DefaultBatchSize
	}
	if opts.RateCeilingPerMinute <= 0 {
		opts.RateCeilingPerMinute = DefaultOptions().RateCeilingPerMinute
	}
	return &Tracker{opts: opts, now: time.Now}
}

// RecordFeedback ingests upstream-reported remaining quota and a reset hint.
// It also counts the completed request toward the observed rate.
func (t *Tracker) RecordFeedback(remaining int, resetAfter time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	t.recent = append(t.recent, now)
	t.pruneLocked(now)

	if remaining < 0 {
		// No quota headers on this response; keep the rate observation only.
		if t.snapshot != nil {
			t.snapshot.ObservedRatePerMinute = float64(len(t.recent))
		}
		return
	}

	resetAt := now.Add(resetAfter)
	if resetAfter <= 0 {
		resetAt = now.Add(time.Minute)
	}
	t.snapshot = &models.QuotaSnapshot{
		Remaining:             remaining,
		ResetAt:               resetAt,
		ObservedRatePerMinute: float64(len(t.recent)),
		LastUpdated:           now,
	}
	telemetry.QuotaRemaining.Set(float64(remaining))
}

// EstimateCost returns the token estimate for itemCount operations. Cheaper
// operations (follow-ups reusing a prior result) are charged less; the
// asymmetry is what makes batch sizing meaningful.
func (t *Tracker) EstimateCost(itemCount int, cheaper bool) int {
	if itemCount <= 0 {
		return 0
	}
	per := t.opts.FullCost
	if cheaper {
		per = t.opts.CheapCost
	}
	return itemCount * per
}

// CheckBudget compares a requested cost against the remaining budget and the
// per-minute rate ceiling, recommending the largest affordable batch and a
// delay when the budget or the window is tight.
func (t *Tracker) CheckBudget(requested int) Advice {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	t.pruneLocked(now)

	if t.snapshot == nil {
		return Advice{
			CanProceed:           true,
			RecommendedBatchSize: t.opts.DefaultBatchSize,
			Reason:               "no quota feedback yet",
		}
	}

	// Past the reset point the upstream window has rolled over.
	if !now.Before(t.snapshot.ResetAt) {
		return Advice{
			CanProceed:           true,
			RecommendedBatchSize: t.opts.DefaultBatchSize,
			Reason:               "quota window reset",
		}
	}

	usable := t.snapshot.Remaining - t.opts.SafetyBuffer
	if requested > usable {
		affordable := usable / t.maxUnitCostLocked(requested)
		if affordable <= 0 {
			return Advice{
				CanProceed:     false,
				SuggestedDelay: t.snapshot.ResetAt.Sub(now),
				Reason:         "remaining budget below safety buffer, wait for reset",
			}
		}
		return Advice{
			CanProceed:           true,
			RecommendedBatchSize: affordable,
			Reason:               "partial budget, shrink batch",
		}
	}

	// Burst guard: absolute budget is fine, but projected usage inside the
	// rolling minute would exceed the rate ceiling. Spread instead of block.
	projected := float64(len(t.recent)) + float64(requested)/float64(t.maxUnitCostLocked(requested))
	if projected > t.opts.RateCeilingPerMinute {
		return Advice{
			CanProceed:           true,
			SuggestedDelay:       t.spreadDelayLocked(),
			RecommendedBatchSize: t.opts.DefaultBatchSize,
			Reason:               "approaching rate ceiling, spread out",
		}
	}

	return Advice{
		CanProceed:           true,
		RecommendedBatchSize: t.opts.DefaultBatchSize,
		Reason:               "within budget",
	}
}

// maxUnitCostLocked derives the per-item cost implied by a requested total,
// never below the cheap cost so division stays sane.
func (t *Tracker) maxUnitCostLocked(requested int) int {
	if requested >= t.opts.FullCost {
		return t.opts.FullCost
	}
	if requested >= t.opts.CheapCost {
		return t.opts.CheapCost
	}
	if requested > 0 {
		return requested
	}
	return t.opts.CheapCost
}

// spreadDelayLocked spaces requests evenly across the ceiling window.
func (t *Tracker) spreadDelayLocked() time.Duration {
	perMinute := t.opts.RateCeilingPerMinute
	if perMinute <= 0 {
		return time.Second
	}
	return time.Duration(float64(time.Minute) / perMinute)
}

// RemainingBudget reports the last known remaining quota and time to reset.
// Without feedback it reports a zero duration and a negative amount, meaning
// unknown.
func (t *Tracker) RemainingBudget() (int, time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.snapshot == nil {
		return -1, 0
	}
	ttr := t.snapshot.ResetAt.Sub(t.now())
	if ttr < 0 {
		ttr = 0
	}
	return t.snapshot.Remaining, ttr
}

// ShouldThrottle reports whether the observed per-minute rate has reached the
// ceiling and the scheduler should sleep before dispatching more work.
func (t *Tracker) ShouldThrottle() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pruneLocked(t.now())
	return float64(len(t.recent)) >= t.opts.RateCeilingPerMinute
}

// Snapshot returns a copy of the current quota view, or nil before feedback.
func (t *Tracker) Snapshot() *models.QuotaSnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.snapshot == nil {
		return nil
	}
	cp := *t.snapshot
	return &cp
}

// Reset discards all feedback, returning to the no-snapshot defaults.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.snapshot = nil
	t.recent = nil
}

// pruneLocked drops rate observations older than the rolling minute.
func (t *Tracker) pruneLocked(now time.Time) {
	cutoff := now.Add(-time.Minute)
	keep := t.recent[:0]
	for _, ts := range t.recent {
		if ts.After(cutoff) {
			keep = append(keep, ts)
		}
	}
	t.recent = keep
}
