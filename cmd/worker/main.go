package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/tibatrust/payment-service/internal/config"
	"github.com/tibatrust/payment-service/internal/daraja"
	"github.com/tibatrust/payment-service/internal/database"
	"github.com/tibatrust/payment-service/internal/lock"
	"github.com/tibatrust/payment-service/internal/metrics"
	"github.com/tibatrust/payment-service/internal/payment"
	"github.com/tibatrust/payment-service/internal/poller"
	"github.com/tibatrust/payment-service/internal/queue"
	"github.com/tibatrust/payment-service/internal/store"
	"github.com/tibatrust/payment-service/internal/worker"
)

func main() {
	_ = godotenv.Load()

	logger := zerolog.New(os.Stdout).With().Timestamp().Str("service", "payment-worker").Logger()
	logger.Info().Msg("TibaTrust payment worker starting")

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load configuration")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := database.NewDatabase(ctx, cfg.DatabaseURL, cfg.DBMinConns, cfg.DBMaxConns, &logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer db.Close()

	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to parse redis URL")
	}
	redisClient := redis.NewClient(redisOpts)
	defer redisClient.Close()

	q, err := queue.NewQueue(cfg.RedisURL, &logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize queue")
	}
	defer q.Close()

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

	m := metrics.New(prometheus.NewRegistry())

	svc := payment.NewService(
		store.NewPostgresSessions(db.Pool),
		store.NewPostgresLedger(db.Pool),
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

	processor := worker.NewProcessor(svc, m, &logger)
	q.Mux.HandleFunc(worker.TypeProcessCallback, processor.ProcessCallback)

	// Sweep for sessions the poll loop and callbacks both missed
	reconciler := worker.NewReconciler(svc, cfg.ReconcileEvery, cfg.SessionStaleAge, &logger)
	go reconciler.Start(ctx)

	redisOpt, serverConfig, err := queue.ServerConfig(cfg.RedisURL, cfg.WorkerConcurrency)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create worker config")
	}
	asynqServer := asynq.NewServer(redisOpt, serverConfig)

	// Handle shutdown signals
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-quit
		logger.Info().Msg("shutting down worker")
		cancel()
		asynqServer.Shutdown()
	}()

	logger.Info().Msg("worker started, processing tasks")
	if err := asynqServer.Run(q.Mux); err != nil {
		logger.Fatal().Err(err).Msg("worker failed")
	}

	logger.Info().Msg("worker shutdown complete")
}
