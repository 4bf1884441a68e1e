// Command worker runs every background maintenance loop: transactional
// outbox dispatch, inbox SMS polling, notification delivery, reservation
// cleanup (all driven by the master-worker tick), plus the independently
// scheduled provider catalogue sync.
package main

import (
	"context"
	"flag"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/jmoiron/sqlx"
	"github.com/joho/godotenv"

	"github.com/R3E-Network/numhub/applications/fanout"
	"github.com/R3E-Network/numhub/applications/masterworker"
	"github.com/R3E-Network/numhub/applications/poller"
	"github.com/R3E-Network/numhub/domain/activation"
	"github.com/R3E-Network/numhub/domain/catalogue"
	"github.com/R3E-Network/numhub/domain/events"
	"github.com/R3E-Network/numhub/domain/ledger"
	"github.com/R3E-Network/numhub/domain/outbox"
	"github.com/R3E-Network/numhub/domain/provider"
	"github.com/R3E-Network/numhub/infrastructure/cache"
	"github.com/R3E-Network/numhub/infrastructure/config"
	"github.com/R3E-Network/numhub/infrastructure/database"
	"github.com/R3E-Network/numhub/infrastructure/database/migrations"
	"github.com/R3E-Network/numhub/infrastructure/lock"
	"github.com/R3E-Network/numhub/infrastructure/logging"
	"github.com/R3E-Network/numhub/infrastructure/middleware"
	"github.com/R3E-Network/numhub/infrastructure/queue"
)

// providerSyncInterval is how often the worker loops the provider table and
// runs a full catalogue sync for each active provider, independent of the
// cron-driven scheduled-sync queue tick that only marks the timer.
const providerSyncInterval = 15 * time.Minute

func main() {
	_ = godotenv.Load(".env")

	configPath := flag.String("providers-config", config.GetEnv("PROVIDERS_CONFIG_PATH", "config/providers.yaml"), "path to the declarative providers.yaml")
	runMigrations := flag.Bool("migrate", config.GetEnvBool("MIGRATE_ON_BOOT", true), "apply embedded database migrations on startup")
	flag.Parse()

	logger := logging.NewFromEnv("numhub-worker")
	rootCtx, cancel := context.WithCancel(context.Background())

	db, err := database.Open(rootCtx, config.RequireEnv("DATABASE_URL"), database.DefaultPoolConfig())
	if err != nil {
		logger.Fatal(rootCtx, "connect to postgres", err)
	}
	defer db.Close()

	if *runMigrations {
		if err := migrations.Run(db); err != nil {
			logger.Fatal(rootCtx, "apply migrations", err)
		}
	}
	sqlxDB := sqlx.NewDb(db, "postgres")

	redisClient := redis.NewClient(&redis.Options{Addr: config.GetEnv("REDIS_ADDR", "localhost:6379")})
	if err := redisClient.Ping(rootCtx).Err(); err != nil {
		logger.Fatal(rootCtx, "connect to redis", err)
	}
	defer redisClient.Close()

	respCache := cache.NewCache(cache.DefaultConfig())
	registry := events.DefaultRegistry()
	publisher := fanout.NewPublisher(redisClient, registry, respCache, logger)

	ledgerSvc := ledger.New(ledger.NewPostgresRepository(sqlxDB))
	activationRepo := activation.NewPostgresRepository(db)
	activationSvc := activation.New(activationRepo, ledgerSvc)
	providerRepo := provider.NewPostgresRepository(db)
	outboxRepo := outbox.NewPostgresRepository(db)
	aggregateRepo := catalogue.NewPostgresAggregateRepository(db)
	q := queue.NewPostgresQueue(db)
	locker := lock.NewLocker(redisClient)

	engines, err := loadEngines(rootCtx, *configPath, providerRepo)
	if err != nil {
		logger.Fatal(rootCtx, "load provider config", err)
	}
	engineResolver := func(_ context.Context, providerID string) (*provider.Engine, error) {
		engine, ok := engines[providerID]
		if !ok {
			return nil, fmt.Errorf("no engine configured for provider %s", providerID)
		}
		return engine, nil
	}

	syncer := catalogue.NewSyncer(providerRepo, aggregateRepo, outboxRepo, logger)
	dispatcher := outbox.NewDispatcher(outboxRepo, 100)
	dispatcher.Register(outbox.EventOfferUpdated, func(ctx context.Context, _ outbox.Event) error {
		if err := aggregateRepo.RefreshServiceAggregates(ctx); err != nil {
			return err
		}
		return aggregateRepo.RefreshCountryAggregates(ctx)
	})

	inboxPoller := poller.New(activationRepo, activationSvc, engineResolver, publisher, locker, logger, poller.DefaultConfig())

	notify := func(ctx context.Context, job queue.Job) error {
		logger.Info(ctx, "worker: notification delivered", map[string]interface{}{"jobId": job.ID, "queue": job.QueueName})
		return nil
	}

	masterWorker := masterworker.New(dispatcher, inboxPoller, q, notify, providerRepo, logger, masterworker.DefaultConfig())
	scheduler := queue.NewScheduler(q)
	scheduler.Start()

	go runProviderSyncLoop(rootCtx, providerRepo, syncer, engines, logger)
	go inboxPoller.Run(rootCtx)
	go masterWorker.Run(rootCtx)

	shutdown := middleware.NewGracefulShutdown(nil, 30*time.Second)
	shutdown.OnShutdown(func() {
		cancel()
		scheduler.Stop()
		_ = db.Close()
		_ = redisClient.Close()
	})
	shutdown.ListenForSignals()

	logger.Info(rootCtx, "worker started", nil)
	<-rootCtx.Done()
}

// runProviderSyncLoop periodically runs the full catalogue sync pipeline for
// every active provider, independent of the cron-driven scheduled-sync
// queue tick which only marks that a sync is due.
func runProviderSyncLoop(ctx context.Context, repo provider.Repository, syncer *catalogue.Syncer, engines map[string]*provider.Engine, logger *logging.Logger) {
	ticker := time.NewTicker(providerSyncInterval)
	defer ticker.Stop()

	syncOnce := func() {
		providers, err := repo.ListProviders(ctx)
		if err != nil {
			logger.Error(ctx, "worker: list providers failed", err, nil)
			return
		}
		for _, p := range providers {
			if !p.Active {
				continue
			}
			engine, ok := engines[p.ID]
			if !ok {
				continue
			}
			if err := syncer.SyncProvider(ctx, p, engine); err != nil {
				logger.Error(ctx, "worker: provider sync failed", err, map[string]interface{}{"provider": p.Slug})
			}
		}
	}

	syncOnce()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			syncOnce()
		}
	}
}

func loadEngines(ctx context.Context, path string, repo provider.Repository) (map[string]*provider.Engine, error) {
	cfg, err := provider.LoadProvidersConfig(path)
	if err != nil {
		return nil, err
	}

	engines := make(map[string]*provider.Engine, len(cfg.Providers))
	for _, pc := range cfg.Providers {
		id, err := repo.UpsertProvider(ctx, pc)
		if err != nil {
			return nil, fmt.Errorf("upsert provider %s: %w", pc.Slug, err)
		}
		credentials := make([]string, 0, len(pc.CredentialEnvVars))
		for _, envVar := range pc.CredentialEnvVars {
			credentials = append(credentials, config.GetEnv(envVar, ""))
		}
		engines[id] = provider.NewEngine(pc, credentials)
	}
	return engines, nil
}
