/**
 * @description
 * Entry point for the payment service. Wires the ledger store, the event bus, the
 * recomputation dispatcher, the payout scheduler and the HTTP API, then runs until a
 * termination signal arrives.
 */
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/taas/payment-service/internal/api"
	"github.com/taas/payment-service/internal/app"
	"github.com/taas/payment-service/internal/config"
	"github.com/taas/payment-service/internal/domain"
	"github.com/taas/payment-service/internal/store"
	"github.com/taas/payment-service/pkg/challengeclient"
	"github.com/taas/payment-service/pkg/logger"
	"github.com/taas/payment-service/pkg/rabbitmq"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.LoadConfig(".")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(logger.Config{Level: cfg.LogLevel, Pretty: cfg.LogPretty, Service: "payment-service"})
	logger.SetGlobalLogger(log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	repository, closeStore, err := openStore(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("unable to open ledger store")
	}
	defer closeStore()

	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			log.Warn().Err(err).Msg("invalid redis url, pacing and job lease disabled")
		} else {
			redisClient = redis.NewClient(opts)
			if err := redisClient.Ping(ctx).Err(); err != nil {
				log.Warn().Err(err).Msg("redis unreachable at startup, commands will retry per call")
			}
			defer redisClient.Close()
		}
	}

	// The fallback forwards into the event handler, which is only built once the
	// dispatcher exists.
	fallback := &rabbitmq.EventProducerFallback{Originator: domain.EventOriginator, Log: log}
	var publisher app.EventPublisher = fallback
	busConnected := false
	if cfg.RabbitMQURL != "" {
		if producer, err := rabbitmq.NewEventProducer(cfg.RabbitMQURL, cfg.EventExchange, domain.EventOriginator, log); err == nil {
			publisher = producer
			busConnected = true
			defer producer.Close()
		} else {
			log.Warn().Err(err).Msg("failed to connect to RabbitMQ, using fallback publisher")
		}
	}

	rules := domain.DefaultRules()
	aggregator := app.NewAggregator(repository, rules, publisher, log)
	dispatcher := app.NewRecomputeDispatcher(aggregator, log)
	go dispatcher.Run(ctx)

	eventHandler := app.NewEventHandler(dispatcher, 30*time.Second, log)
	fallback.Forward = eventHandler.Loopback

	if busConnected {
		consumer, err := rabbitmq.NewConsumer(cfg.RabbitMQURL, 10, log)
		if err != nil {
			log.Warn().Err(err).Msg("failed to start event consumer, relying on the recompute sweep")
		} else {
			defer consumer.Close()
			go func() {
				if err := consumer.ConsumeWithBindings(ctx, cfg.EventExchange, cfg.PaymentEventQueue, eventHandler.Bindings()); err != nil && !errors.Is(err, context.Canceled) {
					log.Error().Err(err).Msg("event consumer stopped")
				}
			}()
		}
	}

	challenges := challengeclient.NewClient(challengeclient.Config{
		BaseURL:            cfg.ChallengeAPIBaseURL,
		Token:              cfg.ChallengeAPIToken,
		TypeID:             cfg.ChallengeTypeID,
		TrackID:            cfg.ChallengeTrackID,
		TimelineTemplateID: cfg.ChallengeTimelineTemplateID,
		SubmitterRoleID:    cfg.ChallengeSubmitterRoleID,
	})

	payments := app.NewPaymentService(repository, rules, aggregator, publisher, challenges, app.PaymentServiceConfig{
		ChallengeUpdateTimeout: cfg.ChallengeUpdateTimeout(),
		BulkConcurrency:        cfg.BulkConcurrency,
	}, log)
	workPeriods := app.NewWorkPeriodService(repository, rules, aggregator, publisher, log)

	var limiter app.RateLimiter
	var lease app.Lease
	if redisClient != nil {
		limiter = app.NewRedisRateLimiter(redisClient, cfg.RedisKeyPrefix)
		lease = app.NewRedisLease(redisClient, cfg.RedisKeyPrefix, log)
	}
	paymentScheduler := app.NewPaymentScheduler(repository, rules, aggregator, publisher, challenges, limiter, app.PaymentSchedulerConfig{
		BatchSize:                    cfg.PaymentSchedulerBatchSize,
		StaleAfter:                   cfg.SchedulerStaleAfter(),
		PerMinutePaymentMax:          cfg.PerMinutePaymentMaxCount,
		PerMinuteChallengeRequestMax: cfg.PerMinuteChallengeRequestMax,
	}, log)

	jobs := app.NewJobs(repository, paymentScheduler, dispatcher, lease, app.JobsConfig{
		SweepLookback: cfg.RecomputeSweepLookback(),
	}, log)
	scheduler := app.NewScheduler(jobs, log)
	if err := scheduler.Start(app.ScheduleConfig{
		PaymentScheduler: cfg.PaymentSchedulerSchedule,
		RecomputeSweep:   cfg.RecomputeSweepSchedule,
	}); err != nil {
		log.Fatal().Err(err).Msg("failed to start scheduler")
	}
	log.Info().Msg("scheduler started")

	handler := api.NewHandler(payments, workPeriods, paymentScheduler, dispatcher, log)
	router := api.NewRouter(handler, cfg.InternalAPIKey, log)

	server := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.ServerPort),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info().Str("port", cfg.ServerPort).Msg("starting server")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server failed to start")
		}
	}()

	<-sigCh
	log.Info().Msg("shutdown signal received, gracefully shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server shutdown failed")
	}

	<-scheduler.Stop().Done()
	cancel()
	<-dispatcher.Done()

	log.Info().Msg("server stopped")
}

func openStore(ctx context.Context, cfg config.Config, log zerolog.Logger) (store.Repository, func(), error) {
	if cfg.StoreDriver == config.StoreDriverMemory {
		log.Warn().Msg("using in-memory ledger store, data is not persisted")
		return store.NewMemoryRepository(), func() {}, nil
	}

	pgConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("unable to parse database URL: %w", err)
	}
	pgConfig.MaxConns = 50
	pgConfig.MinConns = 5
	pgConfig.MaxConnLifetime = 30 * time.Minute
	pgConfig.MaxConnIdleTime = 5 * time.Minute
	pgConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	dbpool, err := pgxpool.NewWithConfig(ctx, pgConfig)
	if err != nil {
		return nil, nil, fmt.Errorf("unable to connect to database: %w", err)
	}
	log.Info().Msg("database connection established")
	return store.NewPostgresRepository(dbpool), dbpool.Close, nil
}
