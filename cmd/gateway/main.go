package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/beaconhq/beacon/internal/api"
	"github.com/beaconhq/beacon/internal/circuitbreaker"
	"github.com/beaconhq/beacon/internal/cleanup"
	"github.com/beaconhq/beacon/internal/config"
	"github.com/beaconhq/beacon/internal/db"
	"github.com/beaconhq/beacon/internal/gateway"
	"github.com/beaconhq/beacon/internal/metrics"
	"github.com/beaconhq/beacon/internal/observ"
	"github.com/beaconhq/beacon/internal/queue"
	"github.com/beaconhq/beacon/internal/redis"
	"github.com/beaconhq/beacon/internal/retry"
	"github.com/beaconhq/beacon/internal/sender"
	"github.com/beaconhq/beacon/internal/worker"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting beacon gateway",
		zap.String("env", cfg.Env),
		zap.Int("port", cfg.Port),
	)

	ctx := context.Background()

	database, err := db.New(ctx, db.Config{
		Host:     cfg.DBHost,
		Port:     cfg.DBPort,
		User:     cfg.DBUser,
		Password: cfg.DBPassword,
		Database: cfg.DBName,
		SSLMode:  cfg.DBSSLMode,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	repo := db.NewRepository(database, logger)

	redisClient, err := redis.New(ctx, redis.Config{
		Host:     cfg.RedisHost,
		Port:     cfg.RedisPort,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to redis: %w", err)
	}
	defer redisClient.Close()

	// Protective subsystems around the send path.
	limiter := redis.NewRateLimiter(redisClient, logger)
	channelLimits := redis.NewChannelRateLimit(limiter, channelPolicies(cfg), logger)
	idem := redis.NewIdempotencyCache(redisClient, cfg.IdempotencyTTL, cfg.SendLockTTL, logger)
	registry := redis.NewConnectionRegistry(redisClient, cfg.ConnectionTTL, cfg.ReconcileScanCap, logger)

	breaker := circuitbreaker.New(redisClient, circuitbreaker.Config{
		ErrorThreshold: cfg.BreakerErrorThreshold,
		Window:         cfg.BreakerWindow,
		ResetTimeout:   cfg.BreakerResetTimeout,
	}, logger)

	sink := metrics.NewRedisSink(redisClient, logger)
	batcher := metrics.NewBatcher(sink, cfg.MetricsFlushInterval, cfg.MetricsFlushSize, logger)
	batcherCtx, batcherCancel := context.WithCancel(context.Background())
	defer batcherCancel()
	batcher.Start(batcherCtx)
	defer batcher.Stop()

	strategy := retryStrategy(cfg)

	hub := gateway.NewHub(16, logger)
	gw := gateway.New(registry, channelLimits, hub, nil, strategy, batcher, logger)

	adapters, err := buildAdapters(ctx, cfg, gw, logger)
	if err != nil {
		return err
	}

	sendService := sender.NewService(
		adapters, breaker, idem, channelLimits, batcher, repo,
		channelTimeouts(cfg), logger,
	)

	var jobQueue *queue.Queue
	if cfg.SQSQueueURL != "" {
		jobQueue, err = queue.New(ctx, queue.Config{
			Region:   cfg.SQSRegion,
			QueueURL: cfg.SQSQueueURL,
		}, logger)
		if err != nil {
			return fmt.Errorf("failed to initialize queue: %w", err)
		}

		proc := worker.New(jobQueue, sendService, repo, strategy, batcher, worker.Config{
			Concurrency:     cfg.WorkerConcurrency,
			RetryThreshold:  cfg.RetryThreshold,
			BacklogWarning:  cfg.BacklogWarning,
			BacklogCritical: cfg.BacklogCritical,
		}, logger)

		workerCtx, workerCancel := context.WithCancel(context.Background())
		defer workerCancel()
		go func() {
			if err := proc.Start(workerCtx); err != nil {
				logger.Error("processor stopped", zap.Error(err))
			}
		}()
	} else {
		logger.Warn("SQS_QUEUE_URL not set, queue consumer disabled")
	}

	sweeper := cleanup.New(registry, redisClient, hub, repo, cleanup.Config{
		Schedule:      cfg.CleanupSchedule,
		ScanCap:       cfg.ReconcileScanCap,
		LeakThreshold: cfg.LeakWarnThreshold,
		Retention:     time.Duration(cfg.DLQRetentionDays) * 24 * time.Hour,
		StaleAfter:    cfg.CleanupStaleAfter,
	}, logger)
	if err := sweeper.Start(); err != nil {
		return fmt.Errorf("failed to start cleanup sweeper: %w", err)
	}
	defer sweeper.Stop()

	// Seed the last-run stamp so health does not report the sweep overdue
	// before the first scheduled tick.
	go func() {
		sweepCtx, sweepCancel := context.WithTimeout(context.Background(), time.Minute)
		defer sweepCancel()
		sweeper.Sweep(sweepCtx)
	}()

	// Router
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("duration_ms", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	})

	checks := map[string]api.HealthChecker{
		"postgres": database.Health,
		"redis":    redisClient.Ping,
		"cleanup": func(ctx context.Context) error {
			if !sweeper.Healthy(ctx) {
				return fmt.Errorf("cleanup sweep overdue")
			}
			return nil
		},
	}

	var producer api.Enqueuer
	if jobQueue != nil {
		producer = jobQueue
	}
	handler := api.NewHandler(logger, repo, producer, breaker, sink, checks)

	r.Route("/v1", func(r chi.Router) {
		r.Use(api.RateLimitMiddleware(limiter, api.RateLimitPolicy{
			Limit:  100,
			Window: time.Minute,
		}, logger, api.UserKeyFunc))

		r.Post("/notifications", handler.CreateNotification)
		r.Get("/notifications", handler.ListNotifications)
		r.Get("/notifications/{id}", handler.GetNotification)

		r.Get("/dlq", handler.ListDeadLetterQueue)
		r.Post("/dlq/{id}/retry", handler.RetryDeadLetterItem)
		r.Post("/dlq/{id}/discard", handler.DiscardDeadLetterItem)

		r.Get("/circuits", handler.ListCircuits)
		r.Post("/circuits/{channel}/reset", handler.ResetCircuit)

		r.Get("/metrics/summary", handler.MetricsSummary)
	})

	r.Get("/healthz", handler.Health)
	r.Handle("/metrics", metrics.Handler())

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("server listening", zap.String("addr", srv.Addr))
		serverErrors <- srv.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)
	case sig := <-shutdown:
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			srv.Close()
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}

		logger.Info("server stopped gracefully")
	}

	return nil
}

// buildAdapters assembles the per-channel delivery adapters. Provider
// adapters whose credentials are absent are skipped rather than fatal, so
// a partial deployment still serves its configured channels.
func buildAdapters(ctx context.Context, cfg *config.Config, gw *gateway.Gateway, logger *zap.Logger) ([]sender.Adapter, error) {
	var adapters []sender.Adapter

	emailAdapter, err := sender.NewSESAdapter(ctx, sender.SESConfig{
		Region:    cfg.AWSRegion,
		FromEmail: cfg.SESFromEmail,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create SES email adapter: %w", err)
	}
	adapters = append(adapters, emailAdapter)

	smsAdapter, err := sender.NewSMSAdapter(ctx, sender.SNSConfig{Region: cfg.SNSRegion}, logger)
	if err != nil {
		logger.Warn("SNS unavailable, sms channel disabled", zap.Error(err))
	} else {
		adapters = append(adapters, smsAdapter)
	}

	pushAdapter, err := sender.NewPushAdapter(ctx, sender.SNSConfig{Region: cfg.SNSRegion}, logger)
	if err != nil {
		logger.Warn("SNS unavailable, push channel disabled", zap.Error(err))
	} else {
		adapters = append(adapters, pushAdapter)
	}

	if cfg.WhatsAppToken != "" && cfg.WhatsAppSender != "" {
		adapters = append(adapters, sender.NewWhatsAppAdapter(sender.WhatsAppConfig{
			APIURL:   cfg.WhatsAppAPIURL,
			Token:    cfg.WhatsAppToken,
			SenderID: cfg.WhatsAppSender,
			Timeout:  cfg.WhatsAppTimeout,
		}, logger))
	} else {
		logger.Warn("whatsapp credentials not set, whatsapp channel disabled")
	}

	adapters = append(adapters, sender.NewInAppAdapter(gw))

	names := make([]string, 0, len(adapters))
	for _, a := range adapters {
		names = append(names, a.Channel())
	}
	logger.Info("delivery channels initialized", zap.Strings("channels", names))

	return adapters, nil
}

func channelTimeouts(cfg *config.Config) map[string]time.Duration {
	timeouts := sender.DefaultTimeouts()
	timeouts[db.ChannelEmail] = cfg.EmailTimeout
	timeouts[db.ChannelSMS] = cfg.SMSTimeout
	timeouts[db.ChannelPush] = cfg.PushTimeout
	timeouts[db.ChannelWhatsApp] = cfg.WhatsAppTimeout
	return timeouts
}

func channelPolicies(cfg *config.Config) map[string]redis.ChannelPolicy {
	policies := redis.DefaultChannelPolicies()
	inApp := policies[db.ChannelInApp]
	inApp.PerUserLimit = cfg.InAppUserLimit
	inApp.PerUserWindow = cfg.InAppUserWindow
	policies[db.ChannelInApp] = inApp
	return policies
}

func retryStrategy(cfg *config.Config) *retry.Strategy {
	s := retry.DefaultStrategy()
	s.SetPolicy(db.ChannelInApp, retry.Policy{
		MaxAttempts: cfg.InAppMaxAttempts,
		BaseDelay:   cfg.InAppBaseDelay,
		MaxDelay:    cfg.InAppMaxDelay,
	})
	return s
}
