package breaker

import (
	"fmt"
	"sync"
	"time"

	"github.com/Hunafi/framesnap/internal/models"
)

// OpenError is returned by Allow while the circuit is shedding load.
type OpenError struct {
	RetryAt time.Time
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit open until %s", e.RetryAt.UTC().Format(time.RFC3339))
}

// Breaker trips after a run of consecutive failures and sheds load until a
// cool-down elapses, then admits a single half-open probe.
type Breaker struct {
	mu sync.Mutex

	threshold int
	coolDown  time.Duration
	now       func() time.Time

	consecutiveFailures int
	open                bool
	lastFailureAt       time.Time
	nextRetryAt         time.Time
	probing             bool
}

// New builds a closed breaker. threshold is the consecutive-failure count that
// opens it; coolDown is how long it stays open before a probe is admitted.
func New(threshold int, coolDown time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if coolDown <= 0 {
		coolDown = time.Minute
	}
	return &Breaker{
		threshold: threshold,
		coolDown:  coolDown,
		now:       time.Now,
	}
}

// Allow decides whether a request may proceed. While open and before the
// cool-down deadline it returns an OpenError carrying the earliest retry time.
// Past the deadline exactly one caller is admitted as the half-open probe;
// concurrent callers keep getting rejected until that probe settles.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.open {
		return nil
	}
	if b.now().Before(b.nextRetryAt) || b.probing {
		return &OpenError{RetryAt: b.nextRetryAt}
	}
	b.probing = true
	return nil
}

// OnResult reports the outcome of an admitted request. A success closes the
// circuit and clears the failure run; a failure increments it and opens the
// circuit at the threshold, or re-opens with a fresh cool-down after a failed
// half-open probe.
func (b *Breaker) OnResult(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	wasProbe := b.probing
	b.probing = false

	if success {
		b.consecutiveFailures = 0
		b.open = false
		b.nextRetryAt = time.Time{}
		return
	}

	b.consecutiveFailures++
	b.lastFailureAt = b.now()
	if wasProbe || b.consecutiveFailures >= b.threshold {
		b.open = true
		b.nextRetryAt = b.now().Add(b.coolDown)
	}
}

// ReleaseProbe frees the half-open probe slot without recording an outcome.
// The executor calls it when an admitted attempt is cancelled mid-flight:
// cancellation says nothing about upstream health, so the failure count is
// untouched and the next Allow past the deadline admits a fresh probe.
func (b *Breaker) ReleaseProbe() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.probing = false
}

// Reset is the manual override exposed to operators.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.consecutiveFailures = 0
	b.open = false
	b.probing = false
	b.nextRetryAt = time.Time{}
}

// State returns a point-in-time snapshot for inspection.
func (b *Breaker) State() models.CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return models.CircuitState{
		IsOpen:              b.open,
		ConsecutiveFailures: b.consecutiveFailures,
		LastFailureAt:       b.lastFailureAt,
		NextRetryAt:         b.nextRetryAt,
	}
}
