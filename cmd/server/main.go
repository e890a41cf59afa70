package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/gabrielkendy/agenciabase-sub002/internal/breaker"
	"github.com/gabrielkendy/agenciabase-sub002/internal/client"
	"github.com/gabrielkendy/agenciabase-sub002/internal/config"
	"github.com/gabrielkendy/agenciabase-sub002/internal/handler"
	"github.com/gabrielkendy/agenciabase-sub002/internal/ledger"
	"github.com/gabrielkendy/agenciabase-sub002/internal/middleware"
	"github.com/gabrielkendy/agenciabase-sub002/internal/model"
	"github.com/gabrielkendy/agenciabase-sub002/internal/pricing"
	"github.com/gabrielkendy/agenciabase-sub002/internal/provider"
	"github.com/gabrielkendy/agenciabase-sub002/internal/queue"
	"github.com/gabrielkendy/agenciabase-sub002/internal/ratelimit"
	"github.com/gabrielkendy/agenciabase-sub002/internal/service"
	"github.com/gabrielkendy/agenciabase-sub002/internal/storage"
	"github.com/gabrielkendy/agenciabase-sub002/internal/store"
	"github.com/gabrielkendy/agenciabase-sub002/internal/webhook"
	ws "github.com/gabrielkendy/agenciabase-sub002/internal/websocket"
	"github.com/gabrielkendy/agenciabase-sub002/internal/worker"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("Server error: %v", err)
	}
}

func run() error {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	log.SetLevel(parseLogLevel(cfg.Server.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize Redis client
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer redisClient.Close()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		log.Warnf("Redis not available: %v", err)
	}

	// Relational stores
	db, err := store.Open(cfg.Database)
	if err != nil {
		return err
	}
	if cfg.Database.AutoMigrate {
		if err := store.Migrate(db); err != nil {
			return err
		}
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	// Ledger and pricing share a pgx pool when Postgres is configured
	var (
		credits     ledger.Ledger = ledger.NewMemory()
		priceSource pricing.Source
	)
	if cfg.Database.URL != "" {
		pool, err := pgxpool.New(ctx, cfg.Database.URL)
		if err != nil {
			return fmt.Errorf("failed to create pgx pool: %w", err)
		}
		defer pool.Close()

		pg := ledger.NewPostgres(pool, ledger.WithTablePrefix(cfg.Database.TablePrefix))
		prices := pricing.NewPostgresSource(pool, cfg.Database.TablePrefix)
		if cfg.Database.AutoMigrate {
			if err := pg.EnsureSchema(ctx); err != nil {
				return err
			}
			if err := prices.EnsureSchema(ctx); err != nil {
				return err
			}
		}
		credits, priceSource = pg, prices
	} else {
		log.Warn("DATABASE_URL not set, credit balances are kept in memory")
	}
	calculator := pricing.New(priceSource, pricing.WithTTL(cfg.Pricing.CacheTTL))

	guard := breaker.New(redisClient,
		breaker.WithThreshold(cfg.Breaker.Threshold),
		breaker.WithCooldown(cfg.Breaker.Cooldown),
		breaker.WithKeyPrefix(cfg.Breaker.KeyPrefix),
	)

	registry, err := buildProviders(cfg.Providers)
	if err != nil {
		return err
	}
	objects, err := buildStorage(cfg.Storage)
	if err != nil {
		return err
	}

	// Job queue
	pools := queue.PoolsFromConfig(cfg.Queue)
	var broker queue.Broker
	switch cfg.Queue.Driver {
	case "memory":
		broker = queue.NewMemoryBroker(queue.WithPools(pools), queue.WithLease(cfg.Queue.LeaseTimeout))
	default:
		ab := queue.NewAsynqBroker(asynq.RedisClientOpt{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		}, queue.WithLogLevel(cfg.Server.LogLevel))
		defer ab.Close()
		broker = ab
	}
	jobQueue := queue.New(store.NewJobStore(db), broker, pools, queue.WithLeaseTimeout(cfg.Queue.LeaseTimeout))

	// Webhooks
	webhookStore := store.NewWebhookStore(db)
	deliveryStore := store.NewDeliveryStore(db)
	dispatcher := webhook.NewDispatcher(webhookStore, jobQueue)
	deliveryWorker := webhook.NewDeliveryWorker(jobQueue, deliveryStore, guard, webhook.WithTimeout(cfg.Webhook.Timeout))

	// Initialize WebSocket hub
	hub := ws.NewHub()

	generationWorker := worker.NewGenerationWorker(worker.Deps{
		Queue:       jobQueue,
		Providers:   registry,
		Storage:     objects,
		Pricing:     calculator,
		Ledger:      credits,
		Generations: store.NewGenerationStore(db),
		Notifier:    hub,
		Events:      dispatcher,
		Guard:       guard,
	})

	// Initialize services
	creditService := service.NewCreditService(credits, cfg.Database.InitialGrant)
	jobService := service.NewJobService(jobQueue, store.NewOrganizationStore(db), registry, calculator, creditService)

	app := handler.NewApp()
	handler.Routes{
		Jobs:     handler.NewJobHandler(jobService),
		Credits:  handler.NewCreditHandler(creditService),
		Webhooks: handler.NewWebhookHandler(webhook.NewService(webhookStore, deliveryStore)),
		Health: handler.NewHealthHandler(map[string]handler.Check{
			"redis":    func(ctx context.Context) error { return redisClient.Ping(ctx).Err() },
			"database": sqlDB.PingContext,
		}),
		Realtime:        handler.NewRealtimeHandler(hub, jobService),
		RateLimiter:     middleware.NewRateLimiter(ratelimit.New(redisClient)),
		SubmitPerMinute: cfg.RateLimit.SubmitPerMinute,
		ReadPerMinute:   cfg.RateLimit.ReadPerMinute,
		RequireIdentity: cfg.Gateway.Enabled,
	}.Mount(app)

	handlers := map[model.JobKind]queue.Handler{model.JobKindWebhook: deliveryWorker}
	for _, kind := range model.GenerationKinds {
		handlers[kind] = generationWorker
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		hub.Run(gctx)
		return nil
	})
	g.Go(func() error {
		return broker.Run(gctx, pools, handlers)
	})
	g.Go(func() error {
		return jobQueue.RunRecovery(gctx, cfg.Queue.LeaseTimeout)
	})
	g.Go(func() error {
		addr := ":" + cfg.Server.Port
		log.Infof("Server starting on %s", addr)
		return app.Listen(addr)
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("Shutting down server...")
		return app.ShutdownWithTimeout(10 * time.Second)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func buildProviders(configs []config.ProviderConfig) (*provider.Registry, error) {
	providers := make([]provider.Provider, 0, len(configs))
	for _, pc := range configs {
		if pc.Mock {
			providers = append(providers, provider.NewMock(provider.WithName(pc.Name)))
			continue
		}
		c := client.NewGenerationClient(pc)
		if !c.IsConfigured() {
			log.Warnf("Provider %s has no base URL or API key, skipping", pc.Name)
			continue
		}
		providers = append(providers, c)
	}
	if len(providers) == 0 {
		return nil, errors.New("no usable provider configured")
	}
	return provider.NewRegistry(providers...)
}

func buildStorage(cfg config.StorageConfig) (storage.Storage, error) {
	if cfg.Driver == "r2" || cfg.Driver == "s3" {
		return storage.NewS3(cfg)
	}
	log.Warn("Object storage driver is memory, generated assets are not persisted")
	return storage.NewMemory(cfg.BucketName, cfg.PublicURL), nil
}

func parseLogLevel(level string) log.Level {
	switch strings.ToLower(level) {
	case "trace":
		return log.LevelTrace
	case "debug":
		return log.LevelDebug
	case "warn", "warning":
		return log.LevelWarn
	case "error":
		return log.LevelError
	}
	return log.LevelInfo
}
