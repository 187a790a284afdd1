package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	api "github.com/Hunafi/framesnap/internal/api"
	"github.com/Hunafi/framesnap/internal/cache"
	"github.com/Hunafi/framesnap/internal/config"
	"github.com/Hunafi/framesnap/internal/models"
	"github.com/Hunafi/framesnap/internal/payload"
	"github.com/Hunafi/framesnap/internal/quota"
	"github.com/Hunafi/framesnap/internal/ratelimit"
	"github.com/Hunafi/framesnap/internal/scheduler"
	"github.com/Hunafi/framesnap/internal/store"
	"github.com/Hunafi/framesnap/internal/telemetry"
	"github.com/Hunafi/framesnap/internal/upstream"
)

func main() {
	cfg := config.Load()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	contentCache := cache.NewRedisCache(redisClient, cfg.CacheTTL)

	var st *store.Store
	var journal scheduler.Journal
	if cfg.PostgresDSN != "" {
		var err error
		st, err = store.New(ctx, cfg.PostgresDSN)
		if err != nil {
			log.Fatalf("connect postgres: %v", err)
		}
		defer st.Close()
		if err := st.RunMigrations(ctx); err != nil {
			log.Fatalf("migrations: %v", err)
		}
		journal = st
	}

	var resolver scheduler.Resolver
	if cfg.S3Region != "" {
		r, err := payload.NewResolver(ctx, cfg.S3Region, cfg.S3Endpoint, cfg.S3PathStyle)
		if err != nil {
			log.Fatalf("init payload resolver: %v", err)
		}
		resolver = r
	}

	tracker := quota.NewTracker(quota.Options{
		SafetyBuffer:         cfg.QuotaSafetyBuffer,
		RateCeilingPerMinute: cfg.QuotaRateCeiling,
		FullCost:             cfg.QuotaFullCost,
		CheapCost:            cfg.QuotaCheapCost,
		DefaultBatchSize:     cfg.QuotaDefaultBatchSize,
	})

	client := upstream.NewClient(cfg.UpstreamURL, cfg.UpstreamAPIKey, cfg.UpstreamModel, cfg.UpstreamTimeout)
	runner := func(ctx context.Context, item models.WorkItem, data []byte) ([]byte, error) {
		result, fb, err := client.Analyze(ctx, item.Operation, data)
		tracker.RecordFeedback(fb.QuotaRemaining(cfg.QuotaFullCost), fb.ResetAfter)
		return result, err
	}

	engine := scheduler.NewEngine(scheduler.Config{
		ItemTimeout:          cfg.ItemTimeout,
		MaxAttempts:          cfg.MaxAttempts,
		BackoffInitial:       cfg.BackoffInitial,
		BackoffMax:           cfg.BackoffMax,
		BreakerThreshold:     cfg.BreakerThreshold,
		BreakerCoolDown:      cfg.BreakerCoolDown,
		CacheTTL:             cfg.CacheTTL,
		FingerprintPrefix:    cfg.FingerprintPrefix,
		RequeueFailedAtFront: cfg.RequeueFailedAtFront,
	}, contentCache, tracker, runner, resolver, journal)

	submitLimiter := ratelimit.NewSubmissionLimiter(redisClient, cfg.SubmitRateCapacity, cfg.SubmitRefillPerSec, time.Hour)

	go sweepCache(ctx, contentCache, cfg.CacheSweepInterval)

	server := api.New(cfg, engine, st, submitLimiter)
	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: server.Router(),
	}

	log.Printf("framesnap api listening on :%s (upstream=%s model=%s)", cfg.HTTPPort, cfg.UpstreamURL, cfg.UpstreamModel)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}

// sweepCache periodically purges expired cache entries so the expiry index
// does not grow without bound.
func sweepCache(ctx context.Context, c cache.Store, interval time.Duration) {
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := c.SweepExpired(ctx)
			if err != nil {
				log.Printf("cache sweep failed: %v", err)
				continue
			}
			if n > 0 {
				telemetry.CacheSweeps.Add(float64(n))
				log.Printf("cache sweep removed %d expired entries", n)
			}
		}
	}
}
