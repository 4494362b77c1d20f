package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/kursadbilgin/delivery-router/internal/config"
	"github.com/kursadbilgin/delivery-router/internal/events"
	"github.com/kursadbilgin/delivery-router/internal/handler"
	"github.com/kursadbilgin/delivery-router/internal/infra/postgresql"
	"github.com/kursadbilgin/delivery-router/internal/infra/postgresql/migrations"
	infraredis "github.com/kursadbilgin/delivery-router/internal/infra/redis"
	"github.com/kursadbilgin/delivery-router/internal/observability"
	"github.com/kursadbilgin/delivery-router/internal/provider"
	"github.com/kursadbilgin/delivery-router/internal/queue"
	"github.com/kursadbilgin/delivery-router/internal/ratelimit"
	"github.com/kursadbilgin/delivery-router/internal/registry"
	"github.com/kursadbilgin/delivery-router/internal/render"
	"github.com/kursadbilgin/delivery-router/internal/repository"
	"github.com/kursadbilgin/delivery-router/internal/router"
	"github.com/kursadbilgin/delivery-router/internal/service"
	"github.com/kursadbilgin/delivery-router/internal/suppression"
	"github.com/kursadbilgin/delivery-router/internal/transport"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const memoryLaneBuffer = 4096

type broker struct {
	publisher queue.Publisher
	consumer  queue.Consumer
	ready     handler.ReadinessCheck
	close     func() error
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger, err := observability.NewLogger(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		log.Fatalf("failed to initialize logger: %v", err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	catalog, err := config.LoadProviderCatalog(cfg.ProvidersFile)
	if err != nil {
		logger.Fatal("provider catalog load failed", zap.Error(err))
	}

	db, err := postgresql.NewPostgres(ctx, cfg.DatabaseDSN, postgresql.DefaultPoolConfig())
	if err != nil {
		logger.Fatal("postgres initialization failed", zap.Error(err))
	}
	if err := migrations.Migrate(db); err != nil {
		logger.Fatal("database migrations failed", zap.Error(err))
	}
	sqlDB, err := db.DB()
	if err != nil {
		logger.Fatal("postgres underlying db init failed", zap.Error(err))
	}
	defer sqlDB.Close()

	readiness := []handler.ReadinessCheck{handler.PostgresCheck(sqlDB)}

	var rdb *redis.Client
	if cfg.RedisURL != "" {
		rdb, err = infraredis.NewRedis(ctx, cfg.RedisURL)
		if err != nil {
			logger.Fatal("redis initialization failed", zap.Error(err))
		}
		defer rdb.Close()
		readiness = append(readiness, handler.RedisCheck(rdb))
	}

	messageRepo := repository.NewGormMessageRepo(db)
	eventRepo := repository.NewGormEventRepo(db)
	suppressionRepo := repository.NewGormSuppressionRepo(db)
	providerStateRepo := repository.NewGormProviderStateRepo(db)

	var limiter ratelimit.RateLimiter = ratelimit.NewLocalLimiter()
	var suppressionCache suppression.Cache
	if rdb != nil {
		redisLimiter, err := infraredis.NewRedisRateLimiter(rdb)
		if err != nil {
			logger.Fatal("redis rate limiter init failed", zap.Error(err))
		}
		limiter = redisLimiter

		cache, err := infraredis.NewSuppressionCache(rdb)
		if err != nil {
			logger.Fatal("suppression cache init failed", zap.Error(err))
		}
		suppressionCache = cache
	}

	suppressions, err := suppression.NewService(suppressionRepo, suppressionCache, logger)
	if err != nil {
		logger.Fatal("suppression service init failed", zap.Error(err))
	}
	if err := suppressions.Warm(ctx); err != nil {
		logger.Fatal("suppression cache warm-up failed", zap.Error(err))
	}

	providers, err := registry.New(catalog, registry.Policy{
		BreakerThreshold: cfg.BreakerThreshold,
		BreakerTimeout:   cfg.BreakerTimeout,
		DegradedBelow:    cfg.DegradedBelow,
		SafetyMargin:     cfg.CapacitySafetyMargin,
		DegradedTopN:     cfg.DegradedTopN,
	})
	if err != nil {
		logger.Fatal("provider registry init failed", zap.Error(err))
	}

	providerSync, err := service.NewProviderSync(providerStateRepo, providers, cfg.SyncInterval, logger)
	if err != nil {
		logger.Fatal("provider sync init failed", zap.Error(err))
	}
	if err := providerSync.Restore(ctx); err != nil {
		logger.Fatal("provider state restore failed", zap.Error(err))
	}

	selector, err := router.NewSelector(providers, logger)
	if err != nil {
		logger.Fatal("provider selector init failed", zap.Error(err))
	}

	adapters, err := provider.NewSet(catalog, logger)
	if err != nil {
		logger.Fatal("provider adapters init failed", zap.Error(err))
	}

	templates, err := render.LoadDir(cfg.TemplatesDir)
	if err != nil {
		logger.Fatal("template load failed", zap.Error(err))
	}

	b, err := newBroker(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("broker initialization failed", zap.Error(err))
	}
	defer b.close() //nolint:errcheck
	if b.ready.Check != nil {
		readiness = append(readiness, b.ready)
	}

	sink, err := newEventSink(ctx, cfg)
	if err != nil {
		logger.Fatal("event sink initialization failed", zap.Error(err))
	}
	recorder, err := events.NewRecorder(eventRepo, sink, logger)
	if err != nil {
		logger.Fatal("event recorder init failed", zap.Error(err))
	}
	defer recorder.Close() //nolint:errcheck

	metrics := observability.NewMetrics()
	if err := metrics.WatchProviders(providers); err != nil {
		logger.Fatal("provider metrics registration failed", zap.Error(err))
	}

	deliveryService, err := service.NewDeliveryService(
		messageRepo,
		recorder,
		suppressions,
		b.publisher,
		providers,
		cfg.DefaultMaxRetries,
		logger,
	)
	if err != nil {
		logger.Fatal("delivery service init failed", zap.Error(err))
	}

	dispatcher, err := service.NewDispatcher(service.DispatcherDeps{
		Messages:     messageRepo,
		Consumer:     b.consumer,
		Health:       providers,
		Selector:     selector,
		Adapters:     adapters,
		Renderer:     templates,
		Suppressions: suppressions,
		Limiter:      limiter,
		Recorder:     recorder,
	}, service.DispatcherConfig{
		Workers:         cfg.Workers(),
		SendTimeout:     cfg.SendTimeout,
		NoProviderDelay: cfg.NoProviderDelay,
		MaxDeferAge:     cfg.MaxDeferAge,
	}, logger)
	if err != nil {
		logger.Fatal("dispatcher init failed", zap.Error(err))
	}
	dispatcher.SetMetrics(metrics)

	scanCfg := service.ScanConfig{
		Interval:     cfg.ScanInterval,
		Limit:        cfg.ScanLimit,
		RequeueAfter: cfg.RequeueAfter,
	}
	scheduler, err := service.NewScheduler(messageRepo, b.publisher, scanCfg, cfg.StaleAfter, logger)
	if err != nil {
		logger.Fatal("scheduler init failed", zap.Error(err))
	}
	scheduler.SetMetrics(metrics)

	retryScanner, err := service.NewRetryScanner(messageRepo, b.publisher, scanCfg, logger)
	if err != nil {
		logger.Fatal("retry scanner init failed", zap.Error(err))
	}
	retryScanner.SetMetrics(metrics)

	healthMonitor, err := service.NewHealthMonitor(providers, adapters, cfg.HealthCheckInterval, cfg.HealthCheckTimeout, logger)
	if err != nil {
		logger.Fatal("health monitor init failed", zap.Error(err))
	}
	healthMonitor.SetMetrics(metrics)

	counterResetter := service.NewCounterResetter(providers, logger)

	app := fiber.New(fiber.Config{
		AppName:               "delivery-router",
		DisableStartupMessage: true,
		ErrorHandler:          transport.ErrorHandler(logger),
	})
	app.Use(recover.New())
	app.Use(requestid.New())
	app.Use(metrics.HTTPMiddleware())

	handler.RegisterHealthRoutes(app, readiness...)
	handler.RegisterMetricsRoute(app, metrics.Handler())
	if err := handler.RegisterMessageRoutes(app, deliveryService); err != nil {
		logger.Fatal("route registration failed", zap.Error(err))
	}

	g, groupCtx := errgroup.WithContext(ctx)
	g.Go(func() error { return dispatcher.Start(groupCtx) })
	g.Go(func() error { return scheduler.Start(groupCtx) })
	g.Go(func() error { return retryScanner.Start(groupCtx) })
	g.Go(func() error { return healthMonitor.Start(groupCtx) })
	g.Go(func() error { return counterResetter.Start(groupCtx) })
	g.Go(func() error { return providerSync.Start(groupCtx) })
	g.Go(func() error {
		addr := fmt.Sprintf(":%d", cfg.APIPort)
		logger.Info("delivery-router api listening", zap.String("addr", addr))
		return app.Listen(addr)
	})
	g.Go(func() error {
		<-groupCtx.Done()
		logger.Info("shutting down delivery-router")
		return app.ShutdownWithTimeout(cfg.ShutdownTimeout)
	})

	logger.Info("delivery-router started",
		zap.Int("providers", len(catalog)),
		zap.String("broker", cfg.Broker),
		zap.String("eventSink", cfg.EventSink),
	)

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("delivery-router stopped with error", zap.Error(err))
		return
	}
	logger.Info("delivery-router stopped")
}

func newBroker(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*broker, error) {
	switch cfg.Broker {
	case config.BrokerRabbitMQ:
		client, err := queue.NewRabbitMQ(ctx, cfg.RabbitMQURL, logger)
		if err != nil {
			return nil, err
		}
		publisher := queue.NewRabbitMQPublisher(client)
		consumer := queue.NewRabbitMQConsumer(client, 1, logger)
		return &broker{
			publisher: publisher,
			consumer:  consumer,
			ready:     handler.ReadinessCheck{Name: "rabbitmq", Check: client.Ready},
			close: func() error {
				_ = consumer.Close()
				_ = publisher.Close()
				return client.Close()
			},
		}, nil
	default:
		memory := queue.NewMemoryBroker(memoryLaneBuffer, logger)
		return &broker{
			publisher: memory,
			consumer:  memory,
			close:     memory.Close,
		}, nil
	}
}

// newEventSink returns a nil Sink when EVENT_SINK=none.
func newEventSink(ctx context.Context, cfg *config.Config) (events.Sink, error) {
	switch cfg.EventSink {
	case config.EventSinkSQS:
		return events.NewSQSSink(ctx, cfg.SQSQueueURL, cfg.AWSRegion)
	case config.EventSinkKafka:
		return events.NewKafkaSink(cfg.KafkaBrokerList(), cfg.KafkaTopic)
	default:
		return nil, nil
	}
}
