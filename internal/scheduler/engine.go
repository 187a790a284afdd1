package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Hunafi/framesnap/internal/breaker"
	"github.com/Hunafi/framesnap/internal/cache"
	"github.com/Hunafi/framesnap/internal/limiter"
	"github.com/Hunafi/framesnap/internal/models"
	"github.com/Hunafi/framesnap/internal/quota"
	"github.com/Hunafi/framesnap/internal/retry"
	"github.com/Hunafi/framesnap/internal/telemetry"
)

// Runner executes one opaque unit of work against the upstream API.
type Runner func(ctx context.Context, item models.WorkItem, payload []byte) ([]byte, error)

// Resolver materializes an item's payload bytes before dispatch.
type Resolver interface {
	Resolve(ctx context.Context, item models.WorkItem) ([]byte, error)
}

// Journal persists batch lifecycle events. All methods are best-effort: the
// engine logs journal failures and keeps going. A nil Journal disables
// persistence entirely.
type Journal interface {
	BatchCreated(ctx context.Context, batchID, profile string, total int) error
	BatchPhaseChanged(ctx context.Context, batchID, phase string) error
	ItemSettled(ctx context.Context, batchID string, state models.ItemState) error
	AppendAudit(ctx context.Context, batchID, event, detail string) error
}

// Config tunes the engine. Zero values fall back to the recommended defaults.
type Config struct {
	// ItemTimeout is the hard per-attempt deadline.
	ItemTimeout time.Duration
	// MaxAttempts bounds retries per item.
	MaxAttempts int
	// BackoffInitial / BackoffMax shape the retry backoff curve.
	BackoffInitial time.Duration
	BackoffMax     time.Duration
	// BreakerThreshold / BreakerCoolDown configure the circuit breaker.
	BreakerThreshold int
	BreakerCoolDown  time.Duration
	// CacheTTL is how long computed results stay reusable.
	CacheTTL time.Duration
	// FingerprintPrefix limits payload hashing to a leading slice; zero
	// hashes the full payload.
	FingerprintPrefix int
	// RequeueFailedAtFront re-queues retried items ahead of the line instead
	// of at the back.
	RequeueFailedAtFront bool
	// PausePollInterval is how often a paused batch checks for resume.
	PausePollInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.ItemTimeout <= 0 {
		c.ItemTimeout = 30 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.BackoffInitial <= 0 {
		c.BackoffInitial = time.Second
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 30 * time.Second
	}
	if c.BreakerThreshold <= 0 {
		c.BreakerThreshold = 5
	}
	if c.BreakerCoolDown <= 0 {
		c.BreakerCoolDown = time.Minute
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = 24 * time.Hour
	}
	if c.PausePollInterval <= 0 {
		c.PausePollInterval = 100 * time.Millisecond
	}
	return c
}

// Engine is the top-level orchestrator. It owns the breaker, limiter, and
// retry executor; the quota tracker and content cache are injected so they
// can outlive and be shared across engines.
type Engine struct {
	cfg      Config
	cache    cache.Store
	tracker  *quota.Tracker
	breaker  *breaker.Breaker
	limiter  *limiter.Limiter
	executor *retry.Executor
	runner   Runner
	resolver Resolver
	journal  Journal
	profiles map[string]models.Profile

	mu      sync.Mutex
	batches map[string]*Batch
	// inflight maps item IDs to their live slots so executor callbacks can
	// update states mid-run.
	inflight sync.Map

	// sleep is swappable for tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewEngine wires an engine. runner is required; resolver and journal may be
// nil (inline payloads only, no persistence).
func NewEngine(cfg Config, store cache.Store, tracker *quota.Tracker, runner Runner, resolver Resolver, journal Journal) *Engine {
	cfg = cfg.withDefaults()
	br := breaker.New(cfg.BreakerThreshold, cfg.BreakerCoolDown)
	lim := limiter.New(models.DefaultProfiles()[models.ProfileBalanced].Concurrency)
	exec := retry.NewExecutor(br, lim, cfg.BackoffInitial, cfg.BackoffMax)

	e := &Engine{
		cfg:      cfg,
		cache:    store,
		tracker:  tracker,
		breaker:  br,
		limiter:  lim,
		executor: exec,
		runner:   runner,
		resolver: resolver,
		journal:  journal,
		profiles: models.DefaultProfiles(),
		batches:  make(map[string]*Batch),
		sleep:    sleepCtx,
	}
	exec.OnRetryWait = e.onRetryWait
	return e
}

// Breaker exposes the shared circuit breaker for inspection and manual reset.
func (e *Engine) Breaker() *breaker.Breaker { return e.breaker }

// Tracker exposes the shared quota tracker.
func (e *Engine) Tracker() *quota.Tracker { return e.tracker }

// Limiter exposes the shared concurrency limiter.
func (e *Engine) Limiter() *limiter.Limiter { return e.limiter }

// Submit validates the items, seeds their states, and starts the batch run.
// The returned handle supports pause/resume/stop/retry-failed and progress
// queries for the batch lifetime.
func (e *Engine) Submit(ctx context.Context, items []models.WorkItem, profileName string) (*Batch, error) {
	if len(items) == 0 {
		return nil, fmt.Errorf("empty batch")
	}
	profile, ok := e.profiles[profileName]
	if !ok {
		return nil, fmt.Errorf("unknown profile %q", profileName)
	}

	seen := make(map[string]struct{}, len(items))
	work := make([]models.WorkItem, len(items))
	copy(work, items)
	for i := range work {
		if work[i].ID == "" {
			work[i].ID = uuid.New().String()
		}
		if _, dup := seen[work[i].ID]; dup {
			return nil, fmt.Errorf("duplicate item id %q", work[i].ID)
		}
		seen[work[i].ID] = struct{}{}
		if len(work[i].Payload) == 0 && work[i].PayloadRef == "" {
			return nil, fmt.Errorf("item %s has no payload", work[i].ID)
		}
		if work[i].Operation == "" {
			return nil, fmt.Errorf("item %s has no operation", work[i].ID)
		}
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	b := &Batch{
		ID:        uuid.New().String(),
		engine:    e,
		profile:   profile,
		items:     work,
		states:    make(map[string]*models.ItemState, len(work)),
		fps:       make(map[string]string, len(work)),
		followers: make(map[string][]string),
		phase:     models.BatchIdle,
		running:   true,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	now := time.Now()
	for _, it := range work {
		b.states[it.ID] = &models.ItemState{
			ID:         it.ID,
			Phase:      models.PhaseQueued,
			RetryCount: it.RetryCount,
			UpdatedAt:  now,
		}
	}

	e.mu.Lock()
	e.batches[b.ID] = b
	e.mu.Unlock()

	e.limiter.SetLimit(profile.Concurrency)
	telemetry.BatchesSubmitted.Inc()
	e.journalBatchCreated(runCtx, b)

	go b.run(runCtx, work)
	return b, nil
}

// Batch returns a previously submitted batch handle.
func (e *Engine) Batch(id string) (*Batch, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	b, ok := e.batches[id]
	return b, ok
}

// onRetryWait is the executor's observer: it flips the item to WaitingRetry,
// bumps its retry count, and propagates explicit rate-limit hints to the
// owning batch so the next chunk is delayed too.
func (e *Engine) onRetryWait(id string, attempt int, err error, delay time.Duration) {
	v, ok := e.inflight.Load(id)
	if !ok {
		return
	}
	slot := v.(*itemSlot)
	slot.batch.markWaitingRetry(id, err)
	if ra := rateLimitDelay(err); ra > 0 {
		slot.batch.noteRateLimit(ra)
	}
}

type itemSlot struct {
	batch *Batch
}

// rateLimitDelay extracts an advertised retry-after from a classified error
// chain, or zero.
func rateLimitDelay(err error) time.Duration {
	var ue *retry.UpstreamError
	if errors.As(err, &ue) && ue.RateLimited() {
		return ue.RetryAfter
	}
	return 0
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) journalBatchCreated(ctx context.Context, b *Batch) {
	if e.journal == nil {
		return
	}
	if err := e.journal.BatchCreated(ctx, b.ID, b.profile.Name, len(b.items)); err != nil {
		logJournalErr("batch_created", err)
	}
}
