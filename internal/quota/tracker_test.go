package quota

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newClockedTracker(opts Options) (*Tracker, *time.Time) {
	t := NewTracker(opts)
	current := time.Date(2026, 8, 27, 12, 0, 0, 0, time.UTC)
	t.now = func() time.Time { return current }
	return t, &current
}

func TestNoSnapshotMeansGenerousDefaults(t *testing.T) {
	tr, _ := newClockedTracker(DefaultOptions())

	advice := tr.CheckBudget(tr.EstimateCost(10, false))
	assert.True(t, advice.CanProceed)
	assert.Equal(t, DefaultOptions().DefaultBatchSize, advice.RecommendedBatchSize)

	remaining, _ := tr.RemainingBudget()
	assert.Equal(t, -1, remaining, "absence of feedback reports unknown")
	assert.False(t, tr.ShouldThrottle())
}

func TestCheapOperationsCostLess(t *testing.T) {
	tr := NewTracker(Options{FullCost: 1000, CheapCost: 300})
	full := tr.EstimateCost(5, false)
	cheap := tr.EstimateCost(5, true)
	require.Less(t, cheap, full)
	assert.Equal(t, 5000, full)
	assert.Equal(t, 1500, cheap)
}

func TestPartialBudgetShrinksBatch(t *testing.T) {
	tr, _ := newClockedTracker(Options{SafetyBuffer: 0, FullCost: 1000, CheapCost: 300, DefaultBatchSize: 10, RateCeilingPerMinute: 1000})
	tr.RecordFeedback(4200, time.Minute)

	// Ten full-cost items requested, budget covers four.
	advice := tr.CheckBudget(tr.EstimateCost(10, false))
	require.True(t, advice.CanProceed)
	assert.Equal(t, 4, advice.RecommendedBatchSize)
}

func TestExhaustedBudgetRecommendsWaitingForReset(t *testing.T) {
	tr, _ := newClockedTracker(Options{SafetyBuffer: 2, FullCost: 1000, CheapCost: 300, DefaultBatchSize: 10, RateCeilingPerMinute: 1000})
	tr.RecordFeedback(500, 45*time.Second)

	advice := tr.CheckBudget(tr.EstimateCost(3, false))
	assert.False(t, advice.CanProceed)
	assert.Equal(t, 45*time.Second, advice.SuggestedDelay)
}

func TestResetRollsTheWindowOver(t *testing.T) {
	tr, clock := newClockedTracker(Options{SafetyBuffer: 0, FullCost: 1000, CheapCost: 300, DefaultBatchSize: 6, RateCeilingPerMinute: 1000})
	tr.RecordFeedback(0, 30*time.Second)

	advice := tr.CheckBudget(tr.EstimateCost(2, false))
	require.False(t, advice.CanProceed)

	*clock = clock.Add(31 * time.Second)
	advice = tr.CheckBudget(tr.EstimateCost(2, false))
	assert.True(t, advice.CanProceed)
	assert.Equal(t, 6, advice.RecommendedBatchSize)
}

func TestBurstGuardSuggestsSpreading(t *testing.T) {
	tr, _ := newClockedTracker(Options{SafetyBuffer: 0, FullCost: 100, CheapCost: 30, DefaultBatchSize: 10, RateCeilingPerMinute: 5})
	tr.RecordFeedback(1_000_000, time.Hour)
	for i := 0; i < 5; i++ {
		tr.RecordFeedback(-1, 0)
	}

	advice := tr.CheckBudget(tr.EstimateCost(3, false))
	assert.True(t, advice.CanProceed, "burst guard spreads, never blocks")
	assert.Equal(t, 12*time.Second, advice.SuggestedDelay)
	assert.True(t, tr.ShouldThrottle())
}

func TestThrottleWindowSlides(t *testing.T) {
	tr, clock := newClockedTracker(Options{FullCost: 100, CheapCost: 30, RateCeilingPerMinute: 3, DefaultBatchSize: 5})
	for i := 0; i < 3; i++ {
		tr.RecordFeedback(-1, 0)
	}
	require.True(t, tr.ShouldThrottle())

	*clock = clock.Add(61 * time.Second)
	assert.False(t, tr.ShouldThrottle())
}

func TestResetDiscardsFeedback(t *testing.T) {
	tr, _ := newClockedTracker(DefaultOptions())
	tr.RecordFeedback(10, time.Minute)
	require.NotNil(t, tr.Snapshot())

	tr.Reset()
	assert.Nil(t, tr.Snapshot())
	remaining, _ := tr.RemainingBudget()
	assert.Equal(t, -1, remaining)
}
