package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/Hunafi/framesnap/internal/breaker"
	"github.com/Hunafi/framesnap/internal/cache"
	"github.com/Hunafi/framesnap/internal/models"
	"github.com/Hunafi/framesnap/internal/retry"
	"github.com/Hunafi/framesnap/internal/telemetry"
)

// Batch is the caller's progress handle for one submitted set of items. All
// methods are safe for concurrent use and never panic out of queries.
type Batch struct {
	ID     string
	engine *Engine

	mu             sync.Mutex
	profile        models.Profile
	items          []models.WorkItem
	states         map[string]*models.ItemState
	fps            map[string]string   // item ID -> fingerprint
	followers      map[string][]string // leader item ID -> duplicate item IDs
	phase          string
	paused         bool
	running        bool
	inFlight       int
	startedAt      time.Time
	settledAtStart int
	rateLimitWait  time.Duration
	cancel         context.CancelFunc
	done           chan struct{}
}

// run drives one pass over pending items: cache pre-check, quota-sized
// chunks, bounded concurrent dispatch with a wait-for-all join, and
// inter-batch pacing. Chunk N+1 never starts before chunk N fully settles.
func (b *Batch) run(ctx context.Context, pending []models.WorkItem) {
	defer b.finishRun()

	b.setPhase(ctx, models.BatchPlanning)
	pending = b.planCache(ctx, pending)

	sort.SliceStable(pending, func(i, j int) bool {
		return pending[i].Priority > pending[j].Priority
	})

	b.mu.Lock()
	b.startedAt = time.Now()
	b.settledAtStart = b.settledLocked()
	b.mu.Unlock()

	if len(pending) == 0 {
		b.setPhase(ctx, models.BatchComplete)
		return
	}
	b.setPhase(ctx, models.BatchProcessing)

	for len(pending) > 0 {
		if ctx.Err() != nil {
			b.abort(pending)
			return
		}

		if b.isPaused() {
			b.setPhase(ctx, models.BatchPaused)
			for b.isPaused() {
				if err := b.engine.sleep(ctx, b.engine.cfg.PausePollInterval); err != nil {
					b.abort(pending)
					return
				}
			}
			b.setPhase(ctx, models.BatchProcessing)
		}

		profile := b.currentProfile()
		want := profile.MaxBatchSize
		if want > len(pending) {
			want = len(pending)
		}

		advice := b.engine.tracker.CheckBudget(b.estimate(pending[:want]))
		if !advice.CanProceed {
			telemetry.ThrottleSleeps.Inc()
			delay := advice.SuggestedDelay
			if delay <= 0 {
				delay = time.Second
			}
			log.Printf("batch %s: quota exhausted (%s), sleeping %s", b.ID, advice.Reason, delay)
			if err := b.engine.sleep(ctx, delay); err != nil {
				b.abort(pending)
				return
			}
			continue
		}
		size := want
		if advice.RecommendedBatchSize > 0 && advice.RecommendedBatchSize < size {
			size = advice.RecommendedBatchSize
		}

		if b.engine.tracker.ShouldThrottle() {
			telemetry.ThrottleSleeps.Inc()
			delay := advice.SuggestedDelay
			if delay <= 0 {
				delay = time.Second
			}
			if err := b.engine.sleep(ctx, delay); err != nil {
				b.abort(pending)
				return
			}
		}

		chunk := pending[:size]
		pending = pending[size:]
		b.dispatch(ctx, chunk)

		if ctx.Err() != nil {
			b.abort(pending)
			return
		}
		if len(pending) == 0 {
			break
		}

		// Between chunks: an upstream retry-after hint outranks the
		// profile's fixed delay.
		delay := profile.InterBatchDelay
		if rl := b.takeRateLimit(); rl > delay {
			telemetry.ThrottleSleeps.Inc()
			delay = rl
		}
		if err := b.engine.sleep(ctx, delay); err != nil {
			b.abort(pending)
			return
		}
	}

	b.setPhase(ctx, models.BatchComplete)
}

// planCache settles cache hits immediately and deduplicates identical
// fingerprints so at most one upstream call happens per distinct payload.
func (b *Batch) planCache(ctx context.Context, items []models.WorkItem) []models.WorkItem {
	leaders := make(map[string]string, len(items)) // fingerprint -> leader item ID
	var pending []models.WorkItem

	for _, item := range items {
		fp := b.fingerprintFor(item)
		b.mu.Lock()
		b.fps[item.ID] = fp
		b.mu.Unlock()

		if b.engine.cache != nil {
			if val, found, err := b.engine.cache.Lookup(ctx, fp); err != nil {
				log.Printf("batch %s: cache lookup for %s failed: %v", b.ID, item.ID, err)
			} else if found {
				b.settleCompleted(item.ID, val, true)
				continue
			}
		}

		if leaderID, dup := leaders[fp]; dup {
			b.mu.Lock()
			b.followers[leaderID] = append(b.followers[leaderID], item.ID)
			b.mu.Unlock()
			continue
		}
		leaders[fp] = item.ID
		pending = append(pending, item)
	}
	return pending
}

// dispatch runs one chunk concurrently and waits for every item to settle.
// A failing item never aborts its siblings.
func (b *Batch) dispatch(ctx context.Context, chunk []models.WorkItem) {
	var wg sync.WaitGroup
	for _, item := range chunk {
		item := item
		b.markProcessing(item.ID)
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.runItem(ctx, item)
		}()
	}
	wg.Wait()
}

func (b *Batch) runItem(ctx context.Context, item models.WorkItem) {
	b.engine.inflight.Store(item.ID, &itemSlot{batch: b})
	defer b.engine.inflight.Delete(item.ID)

	b.mu.Lock()
	b.inFlight++
	b.mu.Unlock()
	telemetry.InFlightGauge.Inc()
	defer func() {
		b.mu.Lock()
		b.inFlight--
		b.mu.Unlock()
		telemetry.InFlightGauge.Dec()
	}()

	payload, err := b.resolvePayload(ctx, item)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			b.settleCancelled(item.ID)
			return
		}
		b.settleFailed(item.ID, fmt.Sprintf("payload unavailable: %v", err))
		return
	}

	cfg := b.engine.cfg
	result, err := b.engine.executor.Run(ctx, item.ID, cfg.ItemTimeout, cfg.MaxAttempts, func(attemptCtx context.Context) ([]byte, error) {
		return b.engine.runner(attemptCtx, item, payload)
	})
	if err == nil {
		b.storeResult(item.ID, result)
		b.settleCompleted(item.ID, result, false)
		return
	}

	switch {
	case errors.Is(err, context.Canceled):
		b.settleCancelled(item.ID)
	default:
		var openErr *breaker.OpenError
		if errors.As(err, &openErr) {
			telemetry.CircuitRejections.Inc()
			b.settleFailed(item.ID, "circuit open")
			return
		}
		var exhausted *retry.ExhaustedError
		if errors.As(err, &exhausted) {
			if ra := rateLimitDelay(exhausted.LastErr); ra > 0 {
				b.noteRateLimit(ra)
			}
			b.settleFailed(item.ID, shortReason(err))
			return
		}
		b.settleFailed(item.ID, shortReason(err))
	}
}

// resolvePayload materializes the item's bytes, preferring inline payloads.
func (b *Batch) resolvePayload(ctx context.Context, item models.WorkItem) ([]byte, error) {
	if len(item.Payload) > 0 {
		return item.Payload, nil
	}
	if b.engine.resolver == nil {
		return nil, fmt.Errorf("no payload resolver configured for reference %q", item.PayloadRef)
	}
	return b.engine.resolver.Resolve(ctx, item)
}

// fingerprintFor derives the item's identity. The operation is part of it:
// identical bytes sent through describe and prompt produce different results.
// Reference-only items hash the reference itself, which is stable for
// identical sources.
func (b *Batch) fingerprintFor(item models.WorkItem) string {
	if len(item.Payload) > 0 {
		payloadFp := cache.Fingerprint(item.Payload, b.engine.cfg.FingerprintPrefix)
		return cache.Fingerprint([]byte(item.Operation+"\x00"+payloadFp), 0)
	}
	return cache.Fingerprint([]byte(item.Operation+"\x00"+item.PayloadRef), 0)
}

// storeResult writes the computed result back to the content cache. A store
// failure is logged and ignored: caching is an optimization, never a
// correctness dependency.
func (b *Batch) storeResult(itemID string, result []byte) {
	if b.engine.cache == nil {
		return
	}
	b.mu.Lock()
	fp := b.fps[itemID]
	b.mu.Unlock()
	if fp == "" {
		return
	}
	if err := b.engine.cache.Store(context.Background(), fp, result, b.engine.cfg.CacheTTL); err != nil {
		log.Printf("batch %s: cache store for %s failed (ignored): %v", b.ID, itemID, err)
	}
}

// --- caller-facing controls ---

// Pause stops new chunks from starting; in-flight items still settle.
func (b *Batch) Pause() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.paused = true
}

// Resume lets a paused batch continue from the next unprocessed chunk.
func (b *Batch) Resume() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.paused = false
}

// Stop aborts in-flight work, discards queued work, and returns the batch to
// Idle. It is responsive within one scheduling tick.
func (b *Batch) Stop() {
	b.mu.Lock()
	b.paused = false
	cancel := b.cancel
	b.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// RetryFailed re-submits only items currently in the Failed phase as a fresh
// run, preserving their accumulated retry counts. With zero failed items it
// is a no-op. It is rejected while a run is still active.
func (b *Batch) RetryFailed() error {
	b.mu.Lock()
	if b.running {
		b.mu.Unlock()
		return fmt.Errorf("batch %s is still running", b.ID)
	}
	var failed []models.WorkItem
	for _, item := range b.items {
		st := b.states[item.ID]
		if st == nil || st.Phase != models.PhaseFailed {
			continue
		}
		it := item
		it.RetryCount = st.RetryCount
		if !b.engine.cfg.RequeueFailedAtFront {
			// Requeued work goes to the back of the line.
			it.Priority = 0
		}
		failed = append(failed, it)
	}
	if len(failed) == 0 {
		b.mu.Unlock()
		return nil
	}
	now := time.Now()
	for _, it := range failed {
		st := b.states[it.ID]
		st.Phase = models.PhaseQueued
		st.Error = ""
		st.ProgressPercent = 0
		st.UpdatedAt = now
	}
	ctx, cancel := context.WithCancel(context.Background())
	b.cancel = cancel
	b.running = true
	b.done = make(chan struct{})
	b.mu.Unlock()

	b.audit(ctx, "retry_failed", fmt.Sprintf("requeued %d failed items", len(failed)))
	go b.run(ctx, failed)
	return nil
}

// SetProfile switches the quality preset. Rejected while Processing so an
// active chunk is never resized under itself. The concurrency limiter is
// engine-wide — one upstream, one budget — so the new ceiling applies to every
// batch sharing this engine, not just this one.
func (b *Batch) SetProfile(name string) error {
	profile, err := models.LookupProfile(name)
	if err != nil {
		return err
	}
	b.mu.Lock()
	if b.phase == models.BatchProcessing || b.phase == models.BatchPlanning {
		b.mu.Unlock()
		return fmt.Errorf("profile change rejected while %s", b.phase)
	}
	b.profile = profile
	b.mu.Unlock()
	b.engine.limiter.SetLimit(profile.Concurrency)
	return nil
}

// ItemState returns a copy of one item's state. It never fails; unknown IDs
// report ok=false.
func (b *Batch) ItemState(id string) (models.ItemState, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	st, ok := b.states[id]
	if !ok {
		return models.ItemState{}, false
	}
	return *st, true
}

// Progress recomputes the aggregate snapshot from the item states.
func (b *Batch) Progress() models.BatchProgress {
	b.mu.Lock()
	defer b.mu.Unlock()

	p := models.BatchProgress{
		BatchID:     b.ID,
		Phase:       b.phase,
		Profile:     b.profile.Name,
		TotalFrames: len(b.items),
		InFlight:    b.inFlight,
		StartedAt:   b.startedAt,
		UpdatedAt:   time.Now(),
	}
	for _, st := range b.states {
		switch st.Phase {
		case models.PhaseCompleted:
			p.CompletedFrames++
			if st.FromCache {
				p.CachedFrames++
			}
		case models.PhaseFailed:
			p.FailedFrames++
		case models.PhaseCancelled:
			p.CancelledFrames++
		}
	}

	if !b.startedAt.IsZero() {
		elapsed := time.Since(b.startedAt)
		settledThisRun := b.settledLocked() - b.settledAtStart
		if elapsed > 0 && settledThisRun > 0 {
			p.ThroughputPerMinute = float64(settledThisRun) / elapsed.Minutes()
			remaining := len(b.items) - b.settledLocked()
			if remaining > 0 {
				perItem := elapsed / time.Duration(settledThisRun)
				p.ETA = perItem * time.Duration(remaining)
			}
		}
	}
	return p
}

// Done exposes the current run's completion signal, mainly for tests and the
// API layer's synchronous endpoints.
func (b *Batch) Done() <-chan struct{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.done
}

// --- state transitions ---

func (b *Batch) setPhase(ctx context.Context, phase string) {
	b.mu.Lock()
	if b.phase == phase {
		b.mu.Unlock()
		return
	}
	b.phase = phase
	b.mu.Unlock()
	if b.engine.journal != nil {
		if err := b.engine.journal.BatchPhaseChanged(context.WithoutCancel(ctx), b.ID, phase); err != nil {
			logJournalErr("batch_phase", err)
		}
	}
}

func (b *Batch) markProcessing(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if st, ok := b.states[id]; ok && !models.TerminalPhase(st.Phase) {
		st.Phase = models.PhaseProcessing
		st.ProgressPercent = 25
		st.UpdatedAt = time.Now()
	}
}

// markWaitingRetry is invoked from the executor's retry observer.
func (b *Batch) markWaitingRetry(id string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if st, ok := b.states[id]; ok && !models.TerminalPhase(st.Phase) {
		st.Phase = models.PhaseWaitingRetry
		st.Error = shortReason(err)
		st.RetryCount++
		st.ProgressPercent = 50
		st.UpdatedAt = time.Now()
	}
}

func (b *Batch) settleCompleted(id string, result []byte, fromCache bool) {
	b.mu.Lock()
	st, ok := b.states[id]
	if !ok || models.TerminalPhase(st.Phase) {
		b.mu.Unlock()
		return
	}
	st.Phase = models.PhaseCompleted
	st.Error = ""
	st.FromCache = fromCache
	st.Result = result
	st.ProgressPercent = 100
	st.UpdatedAt = time.Now()
	followers := b.followers[id]
	delete(b.followers, id)
	settled := *st
	b.mu.Unlock()

	if fromCache {
		telemetry.ItemsCached.Inc()
	}
	telemetry.ItemsCompleted.Inc()
	b.journalSettled(settled)

	// Duplicates of this fingerprint are served from the just-computed
	// result instead of a second upstream call.
	for _, fid := range followers {
		b.settleCompleted(fid, result, true)
	}
}

func (b *Batch) settleFailed(id, reason string) {
	b.mu.Lock()
	st, ok := b.states[id]
	if !ok || models.TerminalPhase(st.Phase) {
		b.mu.Unlock()
		return
	}
	st.Phase = models.PhaseFailed
	st.Error = reason
	st.UpdatedAt = time.Now()
	followers := b.followers[id]
	delete(b.followers, id)
	settled := *st
	b.mu.Unlock()

	telemetry.ItemsFailed.Inc()
	b.journalSettled(settled)
	for _, fid := range followers {
		b.settleFailed(fid, reason)
	}
}

func (b *Batch) settleCancelled(id string) {
	b.mu.Lock()
	st, ok := b.states[id]
	if !ok || models.TerminalPhase(st.Phase) {
		b.mu.Unlock()
		return
	}
	st.Phase = models.PhaseCancelled
	st.UpdatedAt = time.Now()
	followers := b.followers[id]
	delete(b.followers, id)
	settled := *st
	b.mu.Unlock()

	b.journalSettled(settled)
	for _, fid := range followers {
		b.settleCancelled(fid)
	}
}

// abort cancels every item that has not settled and parks the batch in Idle.
func (b *Batch) abort(pending []models.WorkItem) {
	for _, item := range pending {
		b.settleCancelled(item.ID)
	}
	b.mu.Lock()
	for _, st := range b.states {
		if !models.TerminalPhase(st.Phase) {
			st.Phase = models.PhaseCancelled
			st.UpdatedAt = time.Now()
		}
	}
	b.phase = models.BatchIdle
	b.mu.Unlock()
	b.audit(context.Background(), "stopped", "batch aborted; queued work discarded")
}

func (b *Batch) finishRun() {
	b.mu.Lock()
	b.running = false
	done := b.done
	b.mu.Unlock()
	close(done)
}

func (b *Batch) isPaused() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.paused
}

func (b *Batch) currentProfile() models.Profile {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.profile
}

func (b *Batch) estimate(chunk []models.WorkItem) int {
	total := 0
	for _, item := range chunk {
		total += b.engine.tracker.EstimateCost(1, item.Cheaper)
	}
	return total
}

func (b *Batch) noteRateLimit(d time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if d > b.rateLimitWait {
		b.rateLimitWait = d
	}
}

func (b *Batch) takeRateLimit() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	d := b.rateLimitWait
	b.rateLimitWait = 0
	return d
}

func (b *Batch) settledLocked() int {
	n := 0
	for _, st := range b.states {
		if models.TerminalPhase(st.Phase) {
			n++
		}
	}
	return n
}

func (b *Batch) journalSettled(st models.ItemState) {
	if b.engine.journal == nil {
		return
	}
	if err := b.engine.journal.ItemSettled(context.Background(), b.ID, st); err != nil {
		logJournalErr("item_settled", err)
	}
}

func (b *Batch) audit(ctx context.Context, event, detail string) {
	if b.engine.journal == nil {
		return
	}
	if err := b.engine.journal.AppendAudit(context.WithoutCancel(ctx), b.ID, event, detail); err != nil {
		logJournalErr("audit", err)
	}
}

func logJournalErr(event string, err error) {
	log.Printf("journal %s failed: %v", event, err)
}

// shortReason renders a failure as a short, human-readable classification.
func shortReason(err error) string {
	if err == nil {
		return ""
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "cancelled"
	}
	var ue *retry.UpstreamError
	if errors.As(err, &ue) {
		if ue.RateLimited() {
			return "rate limited by upstream"
		}
		return fmt.Sprintf("upstream error (status %d)", ue.Status)
	}
	var exhausted *retry.ExhaustedError
	if errors.As(err, &exhausted) {
		return "retries exhausted: " + shortReason(exhausted.LastErr)
	}
	msg := err.Error()
	if len(msg) > 120 {
		msg = msg[:117] + "..."
	}
	return msg
}
