package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Store drivers.
const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
	StoreSQLite   = "sqlite"
)

// Queue backends.
const (
	QueueRedis  = "redis"
	QueueMemory = "memory"
)

// Bus drivers.
const (
	BusRedis  = "redis"
	BusNATS   = "nats"
	BusMemory = "memory"
)

// Config aggregates runtime configuration for the service.
type Config struct {
	App      AppConfig
	Store    StoreConfig
	Postgres PostgresConfig
	SQLite   SQLiteConfig
	Redis    RedisConfig
	Queue    QueueConfig
	Bus      BusConfig
	Provider ProviderConfig
	Gateway  GatewayConfig
	Kafka    KafkaConfig
	Observer ObserverConfig
	Logger   LoggerConfig
}

// AppConfig controls server level behavior.
type AppConfig struct {
	Name                  string
	Env                   string
	Host                  string
	Port                  string
	Version               string
	RequestTimeoutSeconds int
	CORSAllowOrigins      string
}

// StoreConfig selects the record store implementation.
type StoreConfig struct {
	Driver string
}

// PostgresConfig holds DB connection values.
type PostgresConfig struct {
	DSN            string
	MaxConns       int32
	MinConns       int32
	RunMigrations  bool
	ConnMaxIdleSec int32
	ConnMaxLifeSec int32
}

// SQLiteConfig holds the embedded database location.
type SQLiteConfig struct {
	Path     string
	PoolSize int
}

// RedisConfig holds Redis connection values.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// QueueConfig configures the analysis job queue.
type QueueConfig struct {
	Backend           string
	Name              string
	Attempts          int
	BackoffDelayMs    int
	BackoffMultiplier float64
	BackoffMaxMs      int
	Concurrency       int
	PollIntervalMs    int
	LeaseSeconds      int
}

// BusConfig configures the event bus transport.
type BusConfig struct {
	Driver  string
	Channel string
	NATSURL string
}

// ProviderConfig configures the generative-text provider.
type ProviderConfig struct {
	Mock                    bool
	APIKey                  string
	BaseURL                 string
	Model                   string
	ClassifyTimeoutSeconds  int
	ClassifyAttempts        int
	RetryBaseMs             int
	DraftIdleTimeoutSeconds int
	MockChunkDelayMs        int
}

// GatewayConfig configures the observer push channel.
type GatewayConfig struct {
	HeartbeatSeconds int
}

// KafkaConfig configures the lifecycle event mirror. Empty brokers disable it.
type KafkaConfig struct {
	Brokers []string
	Topic   string
}

// ObserverConfig configures the watch client.
type ObserverConfig struct {
	URL           string
	BaseDelayMs   int
	MaxDelayMs    int
	BufferSize    int
	TypingDelayMs int
}

// LoggerConfig configures logging behavior.
type LoggerConfig struct {
	Level string
}

// Load reads configuration from environment variables, applying defaults where possible.
func Load() (*Config, error) {
	_ = godotenv.Load()

	redisDB, err := strconv.Atoi(getEnv("REDIS_DB", "0"))
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_DB: %w", err)
	}
	multiplier, err := strconv.ParseFloat(getEnv("QUEUE_BACKOFF_MULTIPLIER", "2"), 64)
	if err != nil {
		return nil, fmt.Errorf("invalid QUEUE_BACKOFF_MULTIPLIER: %w", err)
	}

	dsn := os.Getenv("POSTGRES_DSN")
	defaultStore := StoreMemory
	if dsn != "" {
		defaultStore = StorePostgres
	}

	cfg := &Config{
		App: AppConfig{
			Name:                  getEnv("APP_NAME", "support-triage-service"),
			Env:                   getEnv("APP_ENV", "development"),
			Host:                  getEnv("APP_HOST", "0.0.0.0"),
			Port:                  getEnv("APP_PORT", "3001"),
			Version:               getEnv("APP_VERSION", "dev"),
			RequestTimeoutSeconds: getEnvAsInt("HTTP_REQUEST_TIMEOUT_SECONDS", 30),
			CORSAllowOrigins:      getEnv("CORS_ALLOW_ORIGINS", "*"),
		},
		Store: StoreConfig{
			Driver: strings.ToLower(getEnv("STORE_DRIVER", defaultStore)),
		},
		Postgres: PostgresConfig{
			DSN:            dsn,
			MaxConns:       int32(getEnvAsInt("POSTGRES_MAX_CONNS", 10)),
			MinConns:       int32(getEnvAsInt("POSTGRES_MIN_CONNS", 2)),
			RunMigrations:  getEnvAsBool("POSTGRES_RUN_MIGRATIONS", true),
			ConnMaxIdleSec: int32(getEnvAsInt("POSTGRES_CONN_MAX_IDLE_SECONDS", 30)),
			ConnMaxLifeSec: int32(getEnvAsInt("POSTGRES_CONN_MAX_LIFE_SECONDS", 300)),
		},
		SQLite: SQLiteConfig{
			Path:     getEnv("SQLITE_PATH", "triage.db"),
			PoolSize: getEnvAsInt("SQLITE_POOL_SIZE", 4),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "127.0.0.1:6379"),
			Password: os.Getenv("REDIS_PASSWORD"),
			DB:       redisDB,
		},
		Queue: QueueConfig{
			Backend:           strings.ToLower(getEnv("QUEUE_BACKEND", QueueRedis)),
			Name:              getEnv("QUEUE_NAME", "ticket-processing"),
			Attempts:          getEnvAsInt("QUEUE_ATTEMPTS", 3),
			BackoffDelayMs:    getEnvAsInt("QUEUE_BACKOFF_DELAY_MS", 1000),
			BackoffMultiplier: multiplier,
			BackoffMaxMs:      getEnvAsInt("QUEUE_BACKOFF_MAX_MS", 60000),
			Concurrency:       getEnvAsInt("QUEUE_CONCURRENCY", 1),
			PollIntervalMs:    getEnvAsInt("QUEUE_POLL_INTERVAL_MS", 250),
			LeaseSeconds:      getEnvAsInt("QUEUE_LEASE_SECONDS", 30),
		},
		Bus: BusConfig{
			Driver:  strings.ToLower(getEnv("BUS_DRIVER", BusRedis)),
			Channel: getEnv("BUS_CHANNEL", "ticket-updates"),
			NATSURL: getEnv("NATS_URL", "nats://127.0.0.1:4222"),
		},
		Provider: ProviderConfig{
			Mock:                    getEnvAsBool("LLM_MOCK", true),
			APIKey:                  os.Getenv("OPENAI_API_KEY"),
			BaseURL:                 getEnv("OPENAI_BASE_URL", "https://api.openai.com"),
			Model:                   getEnv("OPENAI_MODEL", "gpt-3.5-turbo"),
			ClassifyTimeoutSeconds:  getEnvAsInt("LLM_CLASSIFY_TIMEOUT_SECONDS", 30),
			ClassifyAttempts:        getEnvAsInt("LLM_CLASSIFY_ATTEMPTS", 3),
			RetryBaseMs:             getEnvAsInt("LLM_RETRY_BASE_MS", 1000),
			DraftIdleTimeoutSeconds: getEnvAsInt("LLM_DRAFT_IDLE_TIMEOUT_SECONDS", 30),
			MockChunkDelayMs:        getEnvAsInt("LLM_MOCK_CHUNK_DELAY_MS", 60),
		},
		Gateway: GatewayConfig{
			HeartbeatSeconds: getEnvAsInt("GATEWAY_HEARTBEAT_SECONDS", 15),
		},
		Kafka: KafkaConfig{
			Brokers: ParseList(os.Getenv("KAFKA_BROKERS")),
			Topic:   getEnv("KAFKA_TOPIC", "ticket-events"),
		},
		Observer: ObserverConfig{
			URL:           getEnv("OBSERVER_URL", "http://localhost:3001"),
			BaseDelayMs:   getEnvAsInt("OBSERVER_BASE_DELAY_MS", 1000),
			MaxDelayMs:    getEnvAsInt("OBSERVER_MAX_DELAY_MS", 30000),
			BufferSize:    getEnvAsInt("OBSERVER_BUFFER_SIZE", 256),
			TypingDelayMs: getEnvAsInt("OBSERVER_TYPING_DELAY_MS", 90),
		},
		Logger: LoggerConfig{
			Level: getEnv("LOG_LEVEL", "info"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects combinations the runtime cannot build.
func (c *Config) Validate() error {
	var errs []error
	switch c.Store.Driver {
	case StoreMemory, StoreSQLite:
	case StorePostgres:
		if c.Postgres.DSN == "" {
			errs = append(errs, errors.New("STORE_DRIVER=postgres requires POSTGRES_DSN"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown STORE_DRIVER %q", c.Store.Driver))
	}
	switch c.Queue.Backend {
	case QueueRedis, QueueMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown QUEUE_BACKEND %q", c.Queue.Backend))
	}
	switch c.Bus.Driver {
	case BusRedis, BusNATS, BusMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown BUS_DRIVER %q", c.Bus.Driver))
	}
	if c.Queue.Attempts < 1 {
		errs = append(errs, errors.New("QUEUE_ATTEMPTS must be at least 1"))
	}
	if c.Queue.BackoffMultiplier < 1 {
		errs = append(errs, errors.New("QUEUE_BACKOFF_MULTIPLIER must be at least 1"))
	}
	if c.Provider.ClassifyAttempts < 1 {
		errs = append(errs, errors.New("LLM_CLASSIFY_ATTEMPTS must be at least 1"))
	}
	if !c.Provider.Mock && c.Provider.APIKey == "" {
		errs = append(errs, errors.New("OPENAI_API_KEY is required when LLM_MOCK=false"))
	}
	return errors.Join(errs...)
}

// CheckStandaloneWorker reports the backends a separate worker process could
// not share with the API process.
func (c *Config) CheckStandaloneWorker() error {
	var errs []error
	if c.Queue.Backend == QueueMemory {
		errs = append(errs, fmt.Errorf("QUEUE_BACKEND=%s is private to one process; use %s", QueueMemory, QueueRedis))
	}
	if c.Store.Driver == StoreMemory {
		errs = append(errs, fmt.Errorf("STORE_DRIVER=%s is private to one process; use %s or %s", StoreMemory, StorePostgres, StoreSQLite))
	}
	if c.Bus.Driver == BusMemory {
		errs = append(errs, fmt.Errorf("BUS_DRIVER=%s is private to one process; use %s or %s", BusMemory, BusRedis, BusNATS))
	}
	return errors.Join(errs...)
}

// NeedsEmbeddedWorker is true when tickets can only be processed inside the
// API process.
func (c *Config) NeedsEmbeddedWorker() bool {
	return c.CheckStandaloneWorker() != nil
}

// Addr returns the HTTP bind address.
func (a AppConfig) Addr() string {
	return fmt.Sprintf("%s:%s", a.Host, a.Port)
}

// RequestTimeout returns the configured request timeout duration.
func (a AppConfig) RequestTimeout() time.Duration {
	if a.RequestTimeoutSeconds <= 0 {
		return 0
	}
	return time.Duration(a.RequestTimeoutSeconds) * time.Second
}

// PollInterval returns how often idle queue runners look for work.
func (q QueueConfig) PollInterval() time.Duration {
	return millis(q.PollIntervalMs, 250*time.Millisecond)
}

// Lease returns how long a claimed job is held before it may be reclaimed.
func (q QueueConfig) Lease() time.Duration {
	return seconds(q.LeaseSeconds, 30*time.Second)
}

// ClassifyTimeout bounds a single classify attempt.
func (p ProviderConfig) ClassifyTimeout() time.Duration {
	return seconds(p.ClassifyTimeoutSeconds, 30*time.Second)
}

// DraftIdleTimeout bounds the gap between draft increments.
func (p ProviderConfig) DraftIdleTimeout() time.Duration {
	return seconds(p.DraftIdleTimeoutSeconds, 30*time.Second)
}

// RetryBase is the first delay of the classify retry schedule.
func (p ProviderConfig) RetryBase() time.Duration {
	return millis(p.RetryBaseMs, time.Second)
}

// Heartbeat returns the gateway keep-alive interval.
func (g GatewayConfig) Heartbeat() time.Duration {
	return seconds(g.HeartbeatSeconds, 15*time.Second)
}

// ParseList splits a comma-separated list, dropping blanks.
func ParseList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func millis(v int, fallback time.Duration) time.Duration {
	if v <= 0 {
		return fallback
	}
	return time.Duration(v) * time.Millisecond
}

func seconds(v int, fallback time.Duration) time.Duration {
	if v <= 0 {
		return fallback
	}
	return time.Duration(v) * time.Second
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(val)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvAsBool(key string, fallback bool) bool {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(val)
	if err != nil {
		return fallback
	}
	return parsed
}
