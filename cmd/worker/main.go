package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/pinpoint"
	"github.com/aws/aws-sdk-go-v2/service/pinpointsmsvoicev2"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/gofiber/fiber/v2"
	"github.com/kursadbilgin/notify-dispatch/internal/config"
	"github.com/kursadbilgin/notify-dispatch/internal/domain"
	"github.com/kursadbilgin/notify-dispatch/internal/handler"
	"github.com/kursadbilgin/notify-dispatch/internal/infra/postgresql"
	infraredis "github.com/kursadbilgin/notify-dispatch/internal/infra/redis"
	"github.com/kursadbilgin/notify-dispatch/internal/observability"
	"github.com/kursadbilgin/notify-dispatch/internal/provider"
	"github.com/kursadbilgin/notify-dispatch/internal/queue"
	"github.com/kursadbilgin/notify-dispatch/internal/repository"
	"github.com/kursadbilgin/notify-dispatch/internal/secret"
	"github.com/kursadbilgin/notify-dispatch/internal/service"
	"github.com/kursadbilgin/notify-dispatch/internal/transport"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal("failed to load config", zap.Error(err))
	}

	logger, err := observability.NewLogger(cfg.LogLevel, "worker")
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

	sqlDB, err := db.DB()
	if err != nil {
		logger.Fatal("postgres underlying db init failed", zap.Error(err))
	}
	defer sqlDB.Close()

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

	metrics := observability.NewMetrics()

	clients, err := buildProviderClients(ctx, cfg, metrics, logger)
	if err != nil {
		logger.Fatal("provider clients init failed", zap.Error(err))
	}
	registry, err := provider.NewRegistry(clients...)
	if err != nil {
		logger.Fatal("provider registry init failed", zap.Error(err))
	}

	rateLimitOverrides, err := cfg.RateLimitOverrides()
	if err != nil {
		logger.Fatal("invalid provider rate limits", zap.Error(err))
	}
	rateLimiter, err := infraredis.NewRedisRateLimiter(rdb, cfg.RateLimitPerSec, rateLimitOverrides)
	if err != nil {
		logger.Fatal("rate limiter init failed", zap.Error(err))
	}
	retryCounter, err := infraredis.NewRetryCounter(rdb)
	if err != nil {
		logger.Fatal("retry counter init failed", zap.Error(err))
	}
	statusRecords, err := infraredis.NewStatusRecordGuard(rdb)
	if err != nil {
		logger.Fatal("status record guard init failed", zap.Error(err))
	}

	notifications := repository.NewGormNotificationRepo(db)
	services := repository.NewGormServiceRepo(db)
	providerDetails := repository.NewGormProviderDetailsRepo(db)
	policy := service.NewRetryPolicy(cfg.CarrierSMSMaxRetries, cfg.CarrierSMSRetryWindow())

	selector, err := service.NewProviderSelector(providerDetails, cfg.ProviderStrategy)
	if err != nil {
		logger.Fatal("provider selector init failed", zap.Error(err))
	}

	delivery, err := service.NewDeliveryService(service.DeliveryDeps{
		Notifications:         notifications,
		Services:              services,
		Selector:              selector,
		Registry:              registry,
		Renderer:              service.PlaceholderRenderer{},
		RateLimiter:           rateLimiter,
		Retries:               retryCounter,
		Policy:                policy,
		Publisher:             publisher,
		Metrics:               metrics,
		ResearchCallbackDelay: cfg.ResearchCallbackDelay(),
	}, logger)
	if err != nil {
		logger.Fatal("delivery service init failed", zap.Error(err))
	}

	carrierRetry, err := service.NewCarrierRetryService(notifications, retryCounter, policy, publisher, metrics, logger)
	if err != nil {
		logger.Fatal("carrier retry service init failed", zap.Error(err))
	}

	var box *secret.Box
	if strings.TrimSpace(cfg.CallbackEncryptionKey) != "" {
		box, err = secret.NewBox(cfg.CallbackEncryptionKey)
		if err != nil {
			logger.Fatal("callback encryption key invalid", zap.Error(err))
		}
	}

	callbacks, err := service.NewCallbackService(
		repository.NewGormCallbackRepo(db),
		publisher,
		box,
		provider.NewHTTPClient(cfg.CallbackTimeout()),
		metrics,
		logger,
	)
	if err != nil {
		logger.Fatal("callback service init failed", zap.Error(err))
	}

	statusEvents, err := service.NewStatusEventPublisher(publisher)
	if err != nil {
		logger.Fatal("status event publisher init failed", zap.Error(err))
	}

	reconciler, err := service.NewStatusReconciler(service.ReconcilerDeps{
		Registry:           registry,
		Notifications:      notifications,
		CarrierRetry:       carrierRetry,
		Callbacks:          callbacks,
		StatusEvents:       statusEvents,
		Records:            statusRecords,
		Metrics:            metrics,
		NotFoundRaceWindow: cfg.NotFoundRaceWindow(),
	}, logger)
	if err != nil {
		logger.Fatal("status reconciler init failed", zap.Error(err))
	}

	consumer := queue.NewRabbitMQConsumer(rabbit, cfg.WorkerConcurrency, cfg.TaskMaxAttempts, logger)
	consumer.SetMetrics(metrics)
	defer consumer.Close()

	worker, err := service.NewWorkerService(consumer, delivery, reconciler, callbacks, cfg.WorkerConcurrency, logger)
	if err != nil {
		logger.Fatal("worker service init failed", zap.Error(err))
	}

	scanner, err := service.NewReplayScanner(
		notifications,
		publisher,
		cfg.ReplayScanInterval(),
		cfg.ReplayStaleAfter(),
		cfg.ReplayBatchSize,
		logger,
	)
	if err != nil {
		logger.Fatal("replay scanner init failed", zap.Error(err))
	}

	app := fiber.New(fiber.Config{
		AppName:               "notify-dispatch-worker",
		DisableStartupMessage: true,
		ErrorHandler:          transport.ErrorHandler(logger),
	})
	handler.RegisterHealthRoutes(app, sqlDB, rdb, rabbit)
	handler.RegisterMetricsRoute(app, metrics)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return worker.Start(gctx) })
	g.Go(func() error { return scanner.Start(gctx) })

	if brokers := cfg.KafkaBrokerList(); len(brokers) > 0 && cfg.KafkaStatusTopic != "" {
		stream, err := queue.NewKafkaStatusStream(queue.StatusStreamConfig{
			Brokers:  brokers,
			Topic:    cfg.KafkaStatusTopic,
			GroupID:  cfg.KafkaGroupID,
			Provider: provider.NamePinpointV2,
		}, publisher, logger)
		if err != nil {
			logger.Fatal("kafka status stream init failed", zap.Error(err))
		}
		defer stream.Close()
		g.Go(func() error { return stream.Run(gctx) })
	}

	g.Go(func() error {
		return app.Listen(fmt.Sprintf(":%d", cfg.WorkerMetricsPort))
	})
	g.Go(func() error {
		<-gctx.Done()
		return app.ShutdownWithTimeout(cfg.ShutdownTimeout())
	})

	logger.Info("notify-dispatch worker started",
		zap.Int("concurrency", cfg.WorkerConcurrency),
		zap.Strings("providers", registryNames(registry)),
	)

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker stopped with error", zap.Error(err))
		return
	}
	logger.Info("worker stopped")
}

// buildProviderClients constructs every provider with configuration present
// and wraps each with metrics instrumentation.
func buildProviderClients(ctx context.Context, cfg *config.Config, metrics *observability.Metrics, logger *zap.Logger) ([]provider.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWSRegion))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	var clients []provider.Client
	add := func(client provider.Client, err error) error {
		if err != nil {
			return err
		}
		clients = append(clients, provider.Instrument(client, metrics, logger))
		return nil
	}

	if cfg.SESFromAddress != "" {
		if err := add(provider.NewSESClient(ses.NewFromConfig(awsCfg), cfg.SESFromAddress, cfg.SESConfigurationSet)); err != nil {
			return nil, err
		}
	}
	if err := add(provider.NewSNSClient(sns.NewFromConfig(awsCfg), cfg.SNSSenderID)); err != nil {
		return nil, err
	}
	if cfg.PinpointApplicationID != "" {
		if err := add(provider.NewPinpointClient(
			pinpoint.NewFromConfig(awsCfg),
			cfg.PinpointApplicationID,
			cfg.PinpointOriginationNumber,
		)); err != nil {
			return nil, err
		}
	}
	if cfg.PinpointV2OriginationIdentity != "" {
		if err := add(provider.NewPinpointV2Client(
			pinpointsmsvoicev2.NewFromConfig(awsCfg),
			cfg.PinpointV2OriginationIdentity,
			cfg.PinpointV2ConfigurationSet,
		)); err != nil {
			return nil, err
		}
	}

	timeout := cfg.ProviderTimeout()
	if cfg.TwilioAccountSID != "" {
		statusCallbackURL := ""
		if base := strings.TrimRight(cfg.PublicBaseURL, "/"); base != "" {
			statusCallbackURL = base + "/v1/callbacks/twilio"
		}
		if err := add(provider.NewTwilioClient(provider.TwilioConfig{
			AccountSID:          cfg.TwilioAccountSID,
			AuthToken:           cfg.TwilioAuthToken,
			FromNumber:          cfg.TwilioFromNumber,
			MessagingServiceSID: cfg.TwilioMessagingServiceSID,
			StatusCallbackURL:   statusCallbackURL,
		}, provider.NewHTTPClient(timeout))); err != nil {
			return nil, err
		}
	}
	if cfg.MMGURL != "" {
		if err := add(provider.NewMMGClient(cfg.MMGURL, cfg.MMGAPIKey, cfg.MMGSender, provider.NewHTTPClient(timeout))); err != nil {
			return nil, err
		}
	}
	if cfg.FiretextURL != "" {
		if err := add(provider.NewFiretextClient(cfg.FiretextURL, cfg.FiretextAPIKey, cfg.FiretextSender, provider.NewHTTPClient(timeout))); err != nil {
			return nil, err
		}
	}
	if cfg.GovDeliveryURL != "" {
		if err := add(provider.NewGovDeliveryClient(
			cfg.GovDeliveryURL,
			cfg.GovDeliveryToken,
			cfg.GovDeliveryFromAddress,
			provider.NewHTTPClient(timeout),
		)); err != nil {
			return nil, err
		}
	}
	if cfg.VETextURL != "" {
		if err := add(provider.NewVETextClient(
			cfg.VETextURL,
			cfg.VETextUsername,
			cfg.VETextPassword,
			cfg.VETextAppSID,
			provider.NewHTTPClient(timeout),
			logger,
		)); err != nil {
			return nil, err
		}
	}

	return clients, nil
}

func registryNames(registry *provider.Registry) []string {
	var names []string
	for _, notificationType := range []domain.NotificationType{
		domain.NotificationTypeSMS,
		domain.NotificationTypeEmail,
		domain.NotificationTypePush,
	} {
		names = append(names, registry.Names(notificationType)...)
	}
	return names
}
