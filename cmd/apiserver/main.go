// Command apiserver runs the public HTTP API: wallet, search, number
// purchase/lifecycle, SMS polling, and provider webhook ingestion.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/jmoiron/sqlx"
	"github.com/joho/godotenv"

	"github.com/R3E-Network/numhub/applications/fanout"
	"github.com/R3E-Network/numhub/applications/httpapi"
	"github.com/R3E-Network/numhub/domain/activation"
	"github.com/R3E-Network/numhub/domain/events"
	"github.com/R3E-Network/numhub/domain/ledger"
	"github.com/R3E-Network/numhub/domain/provider"
	"github.com/R3E-Network/numhub/infrastructure/cache"
	"github.com/R3E-Network/numhub/infrastructure/config"
	"github.com/R3E-Network/numhub/infrastructure/database"
	"github.com/R3E-Network/numhub/infrastructure/database/migrations"
	"github.com/R3E-Network/numhub/infrastructure/logging"
	"github.com/R3E-Network/numhub/infrastructure/metrics"
	"github.com/R3E-Network/numhub/infrastructure/middleware"
	"github.com/R3E-Network/numhub/infrastructure/search"
)

func main() {
	_ = godotenv.Load(".env")

	configPath := flag.String("providers-config", config.GetEnv("PROVIDERS_CONFIG_PATH", "config/providers.yaml"), "path to the declarative providers.yaml")
	runMigrations := flag.Bool("migrate", config.GetEnvBool("MIGRATE_ON_BOOT", true), "apply embedded database migrations on startup")
	flag.Parse()

	logger := logging.NewFromEnv("numhub-apiserver")
	rootCtx := context.Background()

	db, err := database.Open(rootCtx, config.RequireEnv("DATABASE_URL"), database.DefaultPoolConfig())
	if err != nil {
		log.Fatalf("connect to postgres: %v", err)
	}
	defer db.Close()

	if *runMigrations {
		if err := migrations.Run(db); err != nil {
			log.Fatalf("apply migrations: %v", err)
		}
	}
	sqlxDB := sqlx.NewDb(db, "postgres")

	redisClient := redis.NewClient(&redis.Options{Addr: config.GetEnv("REDIS_ADDR", "localhost:6379")})
	if err := redisClient.Ping(rootCtx).Err(); err != nil {
		log.Fatalf("connect to redis: %v", err)
	}
	defer redisClient.Close()

	respCache := cache.NewCache(cache.DefaultConfig())
	registry := events.DefaultRegistry()
	publisher := fanout.NewPublisher(redisClient, registry, respCache, logger)
	searchStore := search.NewStore(search.NewInMemoryIndex(), nil)

	ledgerSvc := ledger.New(ledger.NewPostgresRepository(sqlxDB))
	activationRepo := activation.NewPostgresRepository(db)
	activationSvc := activation.New(activationRepo, ledgerSvc)
	providerRepo := provider.NewPostgresRepository(db)

	engines, secrets, err := loadProviders(rootCtx, *configPath, providerRepo)
	if err != nil {
		log.Fatalf("load provider config: %v", err)
	}

	engineResolver := func(_ context.Context, providerID string) (*provider.Engine, error) {
		engine, ok := engines[providerID]
		if !ok {
			return nil, fmt.Errorf("no engine configured for provider %s", providerID)
		}
		return engine, nil
	}
	secretResolver := func(_ context.Context, providerID string) ([]byte, error) {
		secret, ok := secrets[providerID]
		if !ok {
			return nil, fmt.Errorf("no webhook secret configured for provider %s", providerID)
		}
		return secret, nil
	}

	met := metrics.New("numhub-apiserver")
	deps := &httpapi.Deps{
		Wallet:   httpapi.NewWalletHandlers(ledgerSvc, publisher, logger),
		Search:   httpapi.NewSearchHandlers(searchStore, logger),
		Numbers:  httpapi.NewNumberHandlers(activationSvc, activationRepo, providerRepo, engineResolver, publisher, logger),
		Sms:      httpapi.NewSmsHandlers(activationRepo, logger),
		Webhooks: httpapi.NewWebhookHandlers(providerRepo, engineResolver, secretResolver, activationSvc, activationRepo, publisher, logger),
		Logger:   logger,
		Metrics:  met,
	}

	routerCfg := httpapi.Config{
		JWTSecret:        []byte(config.RequireEnv("JWT_SECRET")),
		CSRFCookieSecure: config.GetEnvBool("CSRF_COOKIE_SECURE", true),
		CORS: &middleware.CORSConfig{
			AllowedOrigins:   config.SplitAndTrimCSV(config.GetEnv("CORS_ALLOWED_ORIGINS", "*")),
			AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
			AllowedHeaders:   []string{"Authorization", "Content-Type", "X-CSRF-Token"},
			AllowCredentials: true,
			MaxAgeSeconds:    600,
		},
		RateLimitRPS:   config.GetEnvInt("RATE_LIMIT_RPS", 50),
		RateLimitBurst: config.GetEnvInt("RATE_LIMIT_BURST", 100),
		RequestTimeout: config.ParseDurationOrDefault(config.GetEnv("REQUEST_TIMEOUT", ""), 30*time.Second),
	}
	router := httpapi.NewRouter(deps, routerCfg)

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", config.GetPort("apiserver", 8080)),
		Handler: router,
	}

	shutdown := middleware.NewGracefulShutdown(server, 10*time.Second)
	shutdown.OnShutdown(func() {
		_ = db.Close()
		_ = redisClient.Close()
	})
	shutdown.ListenForSignals()

	logger.Info(rootCtx, "apiserver listening", map[string]interface{}{"addr": server.Addr})
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("apiserver: %v", err)
	}
}

// loadProviders reads the declarative providers.yaml, upserts each entry
// into the providers table to obtain its stable id, and builds the Engine
// and webhook secret every handler resolves by that id. Credentials are
// resolved from the env vars each provider declares rather than stored in
// the file itself.
func loadProviders(ctx context.Context, path string, repo provider.Repository) (map[string]*provider.Engine, map[string][]byte, error) {
	cfg, err := provider.LoadProvidersConfig(path)
	if err != nil {
		return nil, nil, err
	}

	engines := make(map[string]*provider.Engine, len(cfg.Providers))
	secrets := make(map[string][]byte, len(cfg.Providers))
	for _, pc := range cfg.Providers {
		id, err := repo.UpsertProvider(ctx, pc)
		if err != nil {
			return nil, nil, fmt.Errorf("upsert provider %s: %w", pc.Slug, err)
		}

		credentials := make([]string, 0, len(pc.CredentialEnvVars))
		for _, envVar := range pc.CredentialEnvVars {
			credentials = append(credentials, config.GetEnv(envVar, ""))
		}
		engines[id] = provider.NewEngine(pc, credentials)

		secretEnvVar := strings.ToUpper(strings.ReplaceAll(pc.Slug, "-", "_")) + "_WEBHOOK_SECRET"
		secrets[id] = []byte(config.GetEnv(secretEnvVar, ""))
	}
	return engines, secrets, nil
}
