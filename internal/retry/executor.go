package retry

import (
	"context"
	"errors"
	"log"
	"math"
	"math/rand"
	"time"

	"github.com/Hunafi/framesnap/internal/breaker"
	"github.com/Hunafi/framesnap/internal/limiter"
	"github.com/Hunafi/framesnap/internal/telemetry"
)

// UnitOfWork is one opaque attempt against the upstream API.
type UnitOfWork func(ctx context.Context) ([]byte, error)

// Executor drives a unit of work through the breaker and the concurrency
// limiter, retrying transient failures with backoff.
type Executor struct {
	breaker *breaker.Breaker
	limiter *limiter.Limiter

	backoffInitial time.Duration
	backoffMax     time.Duration

	// sleep is swappable for tests; the default honors ctx cancellation.
	sleep func(ctx context.Context, d time.Duration) error

	// OnRetryWait, when set, observes each failed attempt that will be
	// retried, before the backoff sleep. The scheduler uses it to surface
	// waiting-retry item states and honor batch-wide rate-limit hints.
	OnRetryWait func(id string, attempt int, err error, delay time.Duration)
}

// NewExecutor wires an executor against shared breaker/limiter instances.
func NewExecutor(br *breaker.Breaker, lim *limiter.Limiter, backoffInitial, backoffMax time.Duration) *Executor {
	if backoffInitial <= 0 {
		backoffInitial = time.Second
	}
	if backoffMax <= 0 {
		backoffMax = 30 * time.Second
	}
	return &Executor{
		breaker:        br,
		limiter:        lim,
		backoffInitial: backoffInitial,
		backoffMax:     backoffMax,
		sleep:          sleepCtx,
	}
}

// Run executes fn with a per-attempt timeout, up to maxAttempts attempts.
// It fails fast with a breaker OpenError without consuming an attempt, maps
// parent-context cancellation to context.Canceled, and surfaces an
// ExhaustedError once attempts run out.
func (e *Executor) Run(ctx context.Context, id string, timeout time.Duration, maxAttempts int, fn UnitOfWork) ([]byte, error) {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	var lastErr error

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, context.Canceled
		}
		if err := e.breaker.Allow(); err != nil {
			return nil, err
		}
		if err := e.limiter.Acquire(ctx); err != nil {
			// Acquire only fails on cancellation; nothing reached the
			// upstream, so the breaker hears nothing.
			return nil, context.Canceled
		}

		result, err := e.attempt(ctx, timeout, fn)
		class := ""
		if err != nil {
			class = Classify(err)
		}
		e.limiter.Release()
		if class != ClassCancelled {
			e.breaker.OnResult(err == nil)
		} else {
			// A cancelled attempt reports no outcome, but it may have been
			// holding the half-open probe slot.
			e.breaker.ReleaseProbe()
		}

		if err == nil {
			return result, nil
		}
		if class == ClassCancelled {
			return nil, context.Canceled
		}

		lastErr = err
		telemetry.RetriesTotal.Inc()
		if attempt == maxAttempts {
			break
		}

		delay := e.delayFor(err, attempt)
		if e.OnRetryWait != nil {
			e.OnRetryWait(id, attempt, err, delay)
		}
		log.Printf("item %s attempt %d/%d failed (%s), retrying in %s: %v", id, attempt, maxAttempts, class, delay, err)
		if sleepErr := e.sleep(ctx, delay); sleepErr != nil {
			return nil, context.Canceled
		}
	}

	return nil, &ExhaustedError{Attempts: maxAttempts, LastErr: lastErr}
}

// attempt runs fn racing against the per-attempt timeout.
func (e *Executor) attempt(ctx context.Context, timeout time.Duration, fn UnitOfWork) ([]byte, error) {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result, err := fn(attemptCtx)
	if err != nil {
		// Distinguish the attempt deadline from parent cancellation: only
		// the latter is terminal.
		if errors.Is(err, context.Canceled) && ctx.Err() == nil {
			err = context.DeadlineExceeded
		}
		if errors.Is(attemptCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			err = context.DeadlineExceeded
		}
	}
	return result, err
}

// delayFor computes the wait before the next attempt. Rate-limit failures
// honor the advertised retry-after; everything else backs off exponentially.
// Both get jitter so concurrently failing items do not retry in lockstep.
func (e *Executor) delayFor(err error, attempt int) time.Duration {
	var ue *UpstreamError
	if errors.As(err, &ue) && ue.RateLimited() && ue.RetryAfter > 0 {
		return ue.RetryAfter + time.Duration(rand.Int63n(int64(500*time.Millisecond)))
	}
	return backoffWithJitter(e.backoffInitial, e.backoffMax, attempt)
}

func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if wait > max {
		wait = max
	}
	jitter := time.Duration(rand.Int63n(int64(wait / 2)))
	return wait/2 + jitter
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
