package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Config holds all application configuration. It is built once at startup and
// passed down explicitly; business logic never reads the process environment.
type Config struct {
	// Server settings
	ServerPort string

	// Database configuration
	DatabaseURL string
	DBMaxConns  int
	DBMinConns  int

	// Redis configuration (asynq queue + ledger commit locks)
	RedisURL string

	// Safaricom Daraja credentials
	DarajaConsumerKey    string
	DarajaConsumerSecret string
	DarajaPasskey        string
	DarajaShortCode      string
	DarajaAuthURL        string
	DarajaSTKPushURL     string
	DarajaSTKQueryURL    string
	DarajaCallbackURL    string

	// Security settings
	InternalSecret string
	SafaricomIPs   []string

	// Request limits
	MaxRequestSize int64

	// Polling protocol settings
	PollGracePeriod time.Duration
	PollInterval    time.Duration
	PollMaxAttempts int
	SessionStaleAge time.Duration
	ReconcileEvery  time.Duration

	// Worker settings
	WorkerConcurrency int
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{
		// Server
		ServerPort: getEnv("TIBA_SERVER_PORT", "8080"),

		// Database
		DatabaseURL: getEnv("TIBA_DATABASE_URL", ""),
		DBMaxConns:  getEnvInt("TIBA_DB_MAX_CONNS", 25),
		DBMinConns:  getEnvInt("TIBA_DB_MIN_CONNS", 5),

		// Redis
		RedisURL: getEnv("TIBA_REDIS_URL", ""),

		// Daraja
		DarajaConsumerKey:    getEnv("TIBA_DARAJA_CONSUMER_KEY", ""),
		DarajaConsumerSecret: getEnv("TIBA_DARAJA_CONSUMER_SECRET", ""),
		DarajaPasskey:        getEnv("TIBA_DARAJA_PASSKEY", ""),
		DarajaShortCode:      getEnv("TIBA_DARAJA_SHORT_CODE", ""),
		DarajaAuthURL:        getEnv("TIBA_DARAJA_AUTH_URL", "https://sandbox.safaricom.co.ke/oauth/v1/generate?grant_type=client_credentials"),
		DarajaSTKPushURL:     getEnv("TIBA_DARAJA_STK_PUSH_URL", "https://sandbox.safaricom.co.ke/mpesa/stkpush/v1/processrequest"),
		DarajaSTKQueryURL:    getEnv("TIBA_DARAJA_STK_QUERY_URL", "https://sandbox.safaricom.co.ke/mpesa/stkpushquery/v1/query"),
		DarajaCallbackURL:    getEnv("TIBA_DARAJA_CALLBACK_URL", ""),

		// Security
		InternalSecret: getEnv("TIBA_INTERNAL_SECRET", ""),
		MaxRequestSize: getEnvInt64("TIBA_MAX_REQUEST_SIZE", 1<<20), // 1MB

		// Polling
		PollGracePeriod: getEnvDuration("TIBA_POLL_GRACE_PERIOD", 15*time.Second),
		PollInterval:    getEnvDuration("TIBA_POLL_INTERVAL", 5*time.Second),
		PollMaxAttempts: getEnvInt("TIBA_POLL_MAX_ATTEMPTS", 12),
		SessionStaleAge: getEnvDuration("TIBA_SESSION_STALE_AGE", 10*time.Minute),
		ReconcileEvery:  getEnvDuration("TIBA_RECONCILE_EVERY", time.Minute),

		// Worker
		WorkerConcurrency: getEnvInt("TIBA_WORKER_CONCURRENCY", 10),
	}

	// Parse IP allowlist
	ipList := getEnv("TIBA_SAFARICOM_IPS", "")
	if ipList != "" {
		cfg.SafaricomIPs = strings.Split(ipList, ",")
		for i := range cfg.SafaricomIPs {
			cfg.SafaricomIPs[i] = strings.TrimSpace(cfg.SafaricomIPs[i])
		}
	}

	// Validation
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate ensures all required configuration is present. Missing gateway
// credentials are a startup failure, never a per-request one.
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("TIBA_DATABASE_URL is required")
	}
	if c.RedisURL == "" {
		return fmt.Errorf("TIBA_REDIS_URL is required")
	}
	if c.InternalSecret == "" {
		return fmt.Errorf("TIBA_INTERNAL_SECRET is required")
	}
	if c.DarajaConsumerKey == "" {
		return fmt.Errorf("TIBA_DARAJA_CONSUMER_KEY is required")
	}
	if c.DarajaConsumerSecret == "" {
		return fmt.Errorf("TIBA_DARAJA_CONSUMER_SECRET is required")
	}
	if c.DarajaPasskey == "" {
		return fmt.Errorf("TIBA_DARAJA_PASSKEY is required")
	}
	if c.DarajaShortCode == "" {
		return fmt.Errorf("TIBA_DARAJA_SHORT_CODE is required")
	}
	if c.DarajaCallbackURL == "" {
		return fmt.Errorf("TIBA_DARAJA_CALLBACK_URL is required (public URL for callbacks)")
	}
	if c.PollMaxAttempts <= 0 {
		return fmt.Errorf("TIBA_POLL_MAX_ATTEMPTS must be positive")
	}

	return nil
}

// LogSafeConfig logs configuration without secrets
func (c *Config) LogSafeConfig(log *zerolog.Logger) {
	log.Info().
		Str("server_port", c.ServerPort).
		Str("database_url", maskConnectionString(c.DatabaseURL)).
		Str("redis_url", maskConnectionString(c.RedisURL)).
		Int("db_min_conns", c.DBMinConns).
		Int("db_max_conns", c.DBMaxConns).
		Int("worker_concurrency", c.WorkerConcurrency).
		Str("daraja_short_code", c.DarajaShortCode).
		Strs("safaricom_ips", c.SafaricomIPs).
		Dur("poll_grace_period", c.PollGracePeriod).
		Dur("poll_interval", c.PollInterval).
		Int("poll_max_attempts", c.PollMaxAttempts).
		Int64("max_request_size", c.MaxRequestSize).
		Msg("configuration loaded")
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func maskConnectionString(connStr string) string {
	if strings.Contains(connStr, "@") {
		parts := strings.Split(connStr, "@")
		if len(parts) == 2 {
			return "***@" + parts[1]
		}
	}
	return "***"
}
