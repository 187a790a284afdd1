package breaker

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newClockedBreaker(threshold int, coolDown time.Duration) (*Breaker, *time.Time) {
	b := New(threshold, coolDown)
	current := time.Date(2026, 8, 27, 12, 0, 0, 0, time.UTC)
	b.now = func() time.Time { return current }
	return b, &current
}

func TestOpensExactlyAtThreshold(t *testing.T) {
	b, _ := newClockedBreaker(5, time.Minute)

	for i := 0; i < 4; i++ {
		require.NoError(t, b.Allow())
		b.OnResult(false)
		require.False(t, b.State().IsOpen, "breaker opened before threshold at failure %d", i+1)
	}

	require.NoError(t, b.Allow())
	b.OnResult(false)

	st := b.State()
	require.True(t, st.IsOpen)
	require.Equal(t, 5, st.ConsecutiveFailures)

	var openErr *OpenError
	err := b.Allow()
	require.Error(t, err)
	require.True(t, errors.As(err, &openErr))
	require.Equal(t, st.NextRetryAt, openErr.RetryAt)
}

func TestRejectsUntilCoolDownElapses(t *testing.T) {
	b, clock := newClockedBreaker(2, time.Minute)
	b.OnResult(false)
	b.OnResult(false)
	require.True(t, b.State().IsOpen)

	*clock = clock.Add(59 * time.Second)
	require.Error(t, b.Allow())

	*clock = clock.Add(2 * time.Second)
	require.NoError(t, b.Allow(), "expected half-open probe past cool-down")
}

func TestHalfOpenProbeSuccessCloses(t *testing.T) {
	b, clock := newClockedBreaker(2, time.Minute)
	b.OnResult(false)
	b.OnResult(false)

	*clock = clock.Add(61 * time.Second)
	require.NoError(t, b.Allow())

	// A second caller must not slip in alongside the probe.
	require.Error(t, b.Allow())

	b.OnResult(true)
	st := b.State()
	require.False(t, st.IsOpen)
	require.Equal(t, 0, st.ConsecutiveFailures)
	require.NoError(t, b.Allow())
}

func TestHalfOpenProbeFailureReopens(t *testing.T) {
	b, clock := newClockedBreaker(2, time.Minute)
	b.OnResult(false)
	b.OnResult(false)

	*clock = clock.Add(61 * time.Second)
	require.NoError(t, b.Allow())
	b.OnResult(false)

	st := b.State()
	require.True(t, st.IsOpen)
	require.Equal(t, clock.Add(time.Minute), st.NextRetryAt)
	require.Error(t, b.Allow())
}

func TestCancelledProbeFreesTheHalfOpenSlot(t *testing.T) {
	b, clock := newClockedBreaker(2, time.Minute)
	b.OnResult(false)
	b.OnResult(false)

	*clock = clock.Add(61 * time.Second)
	require.NoError(t, b.Allow())

	// The probe is cancelled mid-flight and never reports an outcome.
	b.ReleaseProbe()

	st := b.State()
	require.True(t, st.IsOpen)
	require.Equal(t, 2, st.ConsecutiveFailures, "releasing a probe must not record an outcome")

	require.NoError(t, b.Allow(), "a fresh probe must be admitted after the cancelled one")
	b.OnResult(true)
	require.False(t, b.State().IsOpen)
}

func TestManualReset(t *testing.T) {
	b, _ := newClockedBreaker(1, time.Hour)
	b.OnResult(false)
	require.True(t, b.State().IsOpen)

	b.Reset()
	require.False(t, b.State().IsOpen)
	require.NoError(t, b.Allow())
}
