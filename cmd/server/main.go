package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ignite/direct-optimizer/internal/aicontent"
	"github.com/ignite/direct-optimizer/internal/api"
	"github.com/ignite/direct-optimizer/internal/config"
	"github.com/ignite/direct-optimizer/internal/domain"
	"github.com/ignite/direct-optimizer/internal/landing"
	"github.com/ignite/direct-optimizer/internal/optimizer"
	"github.com/ignite/direct-optimizer/internal/planner"
	"github.com/ignite/direct-optimizer/internal/platform"
	"github.com/ignite/direct-optimizer/internal/repository/postgres"
	"github.com/ignite/direct-optimizer/internal/storage"

	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/redis/go-redis/v9"
)

func main() {
	log.Println("Direct Optimizer — PPC campaign optimization engine")

	cfg, err := config.LoadFromEnv("config/config.yaml")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid config: %v", err)
	}
	if os.Getenv("DATABASE_URL") != "" {
		log.Println("[Config] DATABASE_URL env override active")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Database
	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()
	if cfg.Database.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	}
	if cfg.Database.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	}

	pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
	if err := db.PingContext(pingCtx); err != nil {
		pingCancel()
		log.Fatalf("Database unreachable: %v", err)
	}
	pingCancel()

	repo := postgres.NewCampaignRepo(db)
	if err := repo.EnsureSchema(ctx); err != nil {
		log.Fatalf("Failed to ensure schema: %v", err)
	}
	log.Println("[Main] Database ready")

	// Redis tick lock and metrics cache (optional; single-instance
	// deployments run without them)
	var locker optimizer.Locker = optimizer.NopLocker{}
	var metricsCache *storage.MetricsCache
	if cfg.Redis.Enabled {
		redisClient := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, DB: cfg.Redis.DB})
		pingCtx, pingCancel := context.WithTimeout(ctx, 3*time.Second)
		err := redisClient.Ping(pingCtx).Err()
		pingCancel()
		if err != nil {
			log.Printf("[Main] Redis unreachable, falling back to in-process locking: %v", err)
		} else {
			locker = storage.NewRedisLock(redisClient)
			metricsCache = storage.NewMetricsCache(redisClient, cfg.Optimizer.TickInterval())
			log.Println("[Main] Redis tick lock and metrics cache active")
		}
	}

	// Snapshot store (local JSON, optional S3 archive)
	snapshots, err := storage.NewSnapshotStore(ctx, cfg.Storage)
	if err != nil {
		log.Fatalf("Failed to initialize snapshot storage: %v", err)
	}

	// External collaborators
	ai := aicontent.NewOpenAIClient(cfg.OpenAI)
	pages := landing.NewPageAnalyzer(cfg.Landing, ai)
	direct := platform.NewYandexClient(cfg.Direct)
	if cfg.Direct.Sandbox {
		log.Println("[Main] Yandex.Direct sandbox mode")
	}

	// Core engine
	plans := planner.New(cfg, pages, ai)
	manager := optimizer.NewManager(cfg, direct, &persistence{repo: repo, snapshots: snapshots, cache: metricsCache}, locker)

	adoptCampaigns(ctx, manager, repo)

	// HTTP server
	var metricsStore api.MetricsStore = repo
	if metricsCache != nil {
		metricsStore = storage.NewCachedMetrics(repo, metricsCache)
	}
	handler := api.NewRouter(api.NewHandlers(plans, manager, metricsStore))
	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.GetHost(), cfg.Server.Port),
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
	}

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		log.Printf("Starting server on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	log.Println("All services initialized — engine is ready")

	<-done
	log.Println("Shutting down...")

	cancel()
	manager.StopAll()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server shutdown error: %v", err)
	}

	log.Println("Server stopped")
}

// adoptCampaigns restores loops for every non-failed campaign on record so a
// restart never orphans a live campaign.
func adoptCampaigns(ctx context.Context, manager *optimizer.Manager, repo *postgres.CampaignRepo) {
	states, err := repo.ListActiveStates(ctx)
	if err != nil {
		log.Printf("[Main] Loading persisted campaigns: %v", err)
		return
	}
	for _, state := range states {
		plan, refs, err := repo.GetPlan(ctx, state.CampaignID)
		if err != nil {
			log.Printf("[Main] Campaign %s has state but no plan, skipping: %v", state.CampaignID, err)
			continue
		}
		manager.Adopt(plan, refs, state)
	}
	if len(states) > 0 {
		log.Printf("[Main] Adopted %d persisted campaigns", len(states))
	}
}

// persistence fans loop output to the database, the snapshot store, and the
// metrics cache.
type persistence struct {
	repo      *postgres.CampaignRepo
	snapshots *storage.SnapshotStore
	cache     *storage.MetricsCache
}

func (p *persistence) SavePlan(ctx context.Context, plan domain.CampaignPlan, refs platform.Refs) error {
	if err := p.repo.SavePlan(ctx, plan, refs); err != nil {
		return err
	}
	if err := p.snapshots.SavePlanSnapshot(ctx, plan); err != nil {
		log.Printf("[Main] Plan snapshot failed: %v", err)
	}
	return nil
}

func (p *persistence) SaveState(ctx context.Context, state domain.CampaignState) error {
	if err := p.repo.SaveState(ctx, state); err != nil {
		return err
	}
	if err := p.snapshots.SaveStateSnapshot(ctx, state); err != nil {
		log.Printf("[Main] State snapshot failed: %v", err)
	}
	return nil
}

func (p *persistence) AppendMetrics(ctx context.Context, campaignID string, metrics []domain.PerformanceMetric) error {
	if err := p.repo.AppendMetrics(ctx, campaignID, metrics); err != nil {
		return err
	}
	if p.cache != nil {
		if err := p.cache.Store(ctx, campaignID, metrics); err != nil {
			log.Printf("[Main] Metrics cache update for %s failed: %v", campaignID, err)
		}
	}
	return nil
}
