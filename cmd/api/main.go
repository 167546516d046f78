package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/kursadbilgin/notify-dispatch/internal/config"
	"github.com/kursadbilgin/notify-dispatch/internal/handler"
	"github.com/kursadbilgin/notify-dispatch/internal/infra/postgresql"
	"github.com/kursadbilgin/notify-dispatch/internal/infra/postgresql/migrations"
	infraredis "github.com/kursadbilgin/notify-dispatch/internal/infra/redis"
	"github.com/kursadbilgin/notify-dispatch/internal/observability"
	"github.com/kursadbilgin/notify-dispatch/internal/queue"
	"github.com/kursadbilgin/notify-dispatch/internal/repository"
	"github.com/kursadbilgin/notify-dispatch/internal/service"
	"github.com/kursadbilgin/notify-dispatch/internal/transport"
	"go.uber.org/zap"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal("failed to load config", zap.Error(err))
	}

	logger, err := observability.NewLogger(cfg.LogLevel, "api")
	if err != nil {
		log.Fatal("failed to initialize logger", zap.Error(err))
	}
	defer logger.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := postgresql.NewPostgres(cfg.DatabaseDSN, postgresql.PoolConfig{
		MaxOpenConns: cfg.DBMaxOpenConns,
		MaxIdleConns: cfg.DBMaxIdleConns,
	})
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

	providerDetails := repository.NewGormProviderDetailsRepo(db)
	if err := seedProviderCatalog(ctx, cfg.ProviderCatalogPath, providerDetails, logger); err != nil {
		logger.Fatal("provider catalog seed failed", zap.Error(err))
	}

	rdb, err := infraredis.NewRedis(ctx, cfg.RedisURL, cfg.RedisPoolSize)
	if err != nil {
		logger.Fatal("redis initialization failed", zap.Error(err))
	}
	defer rdb.Close()

	rabbit, err := queue.NewRabbitMQ(cfg.RabbitMQURL)
	if err != nil {
		logger.Fatal("rabbitmq initialization failed", zap.Error(err))
	}
	defer rabbit.Close()

	publisher := queue.NewRabbitMQPublisher(rabbit)
	defer publisher.Close()

	notifications, err := service.NewNotificationService(
		repository.NewGormNotificationRepo(db),
		repository.NewGormServiceRepo(db),
		publisher,
		logger,
	)
	if err != nil {
		logger.Fatal("notification service init failed", zap.Error(err))
	}

	ingest, err := service.NewStatusIngestService(publisher, logger)
	if err != nil {
		logger.Fatal("status ingest service init failed", zap.Error(err))
	}

	metrics := observability.NewMetrics()

	app := fiber.New(fiber.Config{
		AppName:               "notify-dispatch-api",
		DisableStartupMessage: true,
		ErrorHandler:          transport.ErrorHandler(logger),
	})
	app.Use(recover.New())
	app.Use(transport.RequestID(), transport.Correlation())
	app.Use(metrics.HTTPMiddleware())

	handler.RegisterHealthRoutes(app, sqlDB, rdb, rabbit)
	handler.RegisterMetricsRoute(app, metrics)
	if err := handler.RegisterCallbackRoutes(app, ingest, cfg.FirehoseAccessKey); err != nil {
		logger.Fatal("callback routes init failed", zap.Error(err))
	}
	if err := handler.RegisterNotificationRoutes(app, notifications); err != nil {
		logger.Fatal("notification routes init failed", zap.Error(err))
	}
	if err := handler.RegisterProviderDetailsRoutes(app, providerDetails); err != nil {
		logger.Fatal("provider details routes init failed", zap.Error(err))
	}

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- app.Listen(fmt.Sprintf(":%d", cfg.APIPort))
	}()

	logger.Info("notify-dispatch api started", zap.Int("port", cfg.APIPort))

	select {
	case <-ctx.Done():
		logger.Info("shutting down api")
	case err := <-serverErr:
		if err != nil {
			logger.Error("api server stopped", zap.Error(err))
		}
	}

	if err := app.ShutdownWithTimeout(cfg.ShutdownTimeout()); err != nil {
		logger.Error("api shutdown failed", zap.Error(err))
	}
}

// seedProviderCatalog inserts catalogue providers that are not in
// provider_details yet. Without a catalogue path seeding is skipped.
func seedProviderCatalog(ctx context.Context, path string, repo repository.ProviderDetailsRepository, logger *zap.Logger) error {
	if strings.TrimSpace(path) == "" {
		return nil
	}

	catalog, err := config.LoadProviderCatalog(path)
	if err != nil {
		return err
	}
	details, err := catalog.Details()
	if err != nil {
		return err
	}

	for i := range details {
		inserted, err := repo.Seed(ctx, &details[i])
		if err != nil {
			return fmt.Errorf("seed provider %s: %w", details[i].Identifier, err)
		}
		if inserted {
			logger.Info("provider seeded",
				zap.String("provider", details[i].Identifier),
				zap.String("notification_type", details[i].NotificationType.String()),
			)
		}
	}
	return nil
}
