package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/tibatrust/payment-service/internal/config"
	"github.com/tibatrust/payment-service/internal/daraja"
	"github.com/tibatrust/payment-service/internal/database"
	"github.com/tibatrust/payment-service/internal/handlers"
	"github.com/tibatrust/payment-service/internal/lock"
	"github.com/tibatrust/payment-service/internal/metrics"
	"github.com/tibatrust/payment-service/internal/payment"
	"github.com/tibatrust/payment-service/internal/poller"
	"github.com/tibatrust/payment-service/internal/queue"
	"github.com/tibatrust/payment-service/internal/server"
	"github.com/tibatrust/payment-service/internal/store"
	"github.com/tibatrust/payment-service/internal/worker"
)

func main() {
	// Optional .env for local development
	_ = godotenv.Load()

	logger := zerolog.New(os.Stdout).With().Timestamp().Str("service", "payment-api").Logger()
	logger.Info().Msg("TibaTrust payment service starting")

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load configuration")
	}
	cfg.LogSafeConfig(&logger)

	ctx := context.Background()

	// Initialize database
	db, err := database.NewDatabase(ctx, cfg.DatabaseURL, cfg.DBMinConns, cfg.DBMaxConns, &logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer db.Close()

	// Redis client for ledger commit locks
	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to parse redis URL")
	}
	redisClient := redis.NewClient(redisOpts)
	defer redisClient.Close()

	// Initialize queue
	q, err := queue.NewQueue(cfg.RedisURL, &logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize queue")
	}
	defer q.Close()

	// Gateway client
	tokenService := daraja.NewTokenService(
		cfg.DarajaConsumerKey,
		cfg.DarajaConsumerSecret,
		cfg.DarajaAuthURL,
	)
	gateway := daraja.NewClient(tokenService, daraja.Config{
		ShortCode:   cfg.DarajaShortCode,
		Passkey:     cfg.DarajaPasskey,
		STKPushURL:  cfg.DarajaSTKPushURL,
		STKQueryURL: cfg.DarajaSTKQueryURL,
		CallbackURL: cfg.DarajaCallbackURL,
	})

	// Storage and metrics
	sessions := store.NewPostgresSessions(db.Pool)
	ledgerStore := store.NewPostgresLedger(db.Pool)
	registry := prometheus.NewRegistry()
	m := metrics.New(registry)

	// Payment orchestration
	svc := payment.NewService(
		sessions,
		ledgerStore,
		gateway,
		lock.NewRedisLocker(redisClient),
		poller.SystemClock(),
		poller.Config{
			GracePeriod: cfg.PollGracePeriod,
			Interval:    cfg.PollInterval,
			MaxAttempts: cfg.PollMaxAttempts,
		},
		m,
		&logger,
	)

	// Register callback processor
	processor := worker.NewProcessor(svc, m, &logger)
	q.Mux.HandleFunc(worker.TypeProcessCallback, processor.ProcessCallback)

	// Run the asynq worker inline with the API
	redisOpt, serverConfig, err := queue.ServerConfig(cfg.RedisURL, cfg.WorkerConcurrency)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create worker config")
	}
	asynqServer := asynq.NewServer(redisOpt, serverConfig)

	go func() {
		logger.Info().Msg("starting asynq worker")
		if err := asynqServer.Run(q.Mux); err != nil {
			logger.Fatal().Err(err).Msg("asynq worker failed")
		}
	}()

	// HTTP server
	httpHandlers := handlers.NewHandler(db.Pool, svc, ledgerStore, q.Client, &logger)
	httpServer := server.NewServer(cfg, httpHandlers, registry, &logger)

	go func() {
		if err := httpServer.Start(); err != nil {
			logger.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down gracefully")

	asynqServer.Shutdown()

	// Give in-flight session watches a moment to resolve
	time.Sleep(2 * time.Second)

	logger.Info().Msg("shutdown complete")
}
