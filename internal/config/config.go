package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ServerConfig captures all tunable parameters for the HTTP API process.
// Values are primarily loaded from environment variables with sane defaults
// so the binary can run locally without excessive setup.
type ServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	RedisAddr     string
	RedisPassword string
	RedisGeoKey   string

	KafkaBrokers []string
	KafkaTopic   string

	AMQPURL      string
	AMQPExchange string

	WebhookURL string
	WebhookKey string

	PGDSN         string
	MigrationsDir string

	JWTSecret   string
	TokenExpiry time.Duration

	LogLevel      string
	RunMigrations bool
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:        ":8080",
		ReadTimeout:     5 * time.Second,
		WriteTimeout:    10 * time.Second,
		IdleTimeout:     120 * time.Second,
		ShutdownTimeout: 15 * time.Second,
		RedisGeoKey:     "trips_live",
		KafkaTopic:      "trip-positions",
		AMQPExchange:    "trip.events",
		MigrationsDir:   "migrations",
		TokenExpiry:     12 * time.Hour,
		LogLevel:        "info",
	}
}

func LoadServerConfig() (ServerConfig, error) {
	cfg := defaultServerConfig()
	var errs []error

	setStringFromEnv(&cfg.HTTPAddr, "HTTP_ADDR")
	setDurationFromEnv(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)

	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisGeoKey, "REDIS_GEO_KEY")

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")

	cfg.AMQPURL = strings.TrimSpace(os.Getenv("AMQP_URL"))
	setStringFromEnv(&cfg.AMQPExchange, "AMQP_EXCHANGE")

	cfg.WebhookURL = strings.TrimSpace(os.Getenv("STATUS_WEBHOOK_URL"))
	cfg.WebhookKey = os.Getenv("STATUS_WEBHOOK_KEY")

	cfg.PGDSN = os.Getenv("PG_DSN")
	setStringFromEnv(&cfg.MigrationsDir, "MIGRATIONS_DIR")

	cfg.JWTSecret = os.Getenv("JWT_SECRET")
	setDurationFromEnv(&cfg.TokenExpiry, "TRACKING_TOKEN_EXPIRY", &errs)

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")

	if cfg.JWTSecret == "" {
		errs = append(errs, fmt.Errorf("JWT_SECRET must be set"))
	}
	if cfg.TokenExpiry <= 0 {
		errs = append(errs, fmt.Errorf("TRACKING_TOKEN_EXPIRY must be > 0"))
	}

	return cfg, errors.Join(errs...)
}

// AgentConfig drives the device-side tracker.
type AgentConfig struct {
	BaseURL       string
	HTTPTimeout   time.Duration
	AuthCachePath string

	RideAuthTTL     time.Duration
	DeliveryAuthTTL time.Duration

	InitialFixTimeout time.Duration
	WatchFixTimeout   time.Duration
	WatchMaxAge       time.Duration

	StopAckTimeout    time.Duration
	IdleTimeout       time.Duration
	KeepAliveInterval time.Duration
	BackgroundPush    time.Duration

	// MetricsAddr serves the agent's metrics when set.
	MetricsAddr string
	LogLevel    string
}

func defaultAgentConfig() AgentConfig {
	return AgentConfig{
		BaseURL:           "http://localhost:8080",
		HTTPTimeout:       15 * time.Second,
		AuthCachePath:     "tracker-auth.db",
		RideAuthTTL:       2 * time.Hour,
		DeliveryAuthTTL:   2 * time.Hour,
		InitialFixTimeout: 10 * time.Second,
		WatchFixTimeout:   8 * time.Second,
		WatchMaxAge:       10 * time.Second,
		StopAckTimeout:    2 * time.Second,
		IdleTimeout:       5 * time.Minute,
		KeepAliveInterval: time.Minute,
		LogLevel:          "info",
	}
}

func LoadAgentConfig() (AgentConfig, error) {
	cfg := defaultAgentConfig()
	var errs []error

	setStringFromEnv(&cfg.BaseURL, "TRACKING_BASE_URL")
	setDurationFromEnv(&cfg.HTTPTimeout, "TRACKING_HTTP_TIMEOUT", &errs)
	setStringFromEnv(&cfg.AuthCachePath, "AUTH_CACHE_PATH")

	setDurationFromEnv(&cfg.RideAuthTTL, "RIDE_AUTH_TTL", &errs)
	setDurationFromEnv(&cfg.DeliveryAuthTTL, "DELIVERY_AUTH_TTL", &errs)

	setDurationFromEnv(&cfg.InitialFixTimeout, "INITIAL_FIX_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WatchFixTimeout, "WATCH_FIX_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WatchMaxAge, "WATCH_MAX_AGE", &errs)

	setDurationFromEnv(&cfg.StopAckTimeout, "STOP_ACK_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.IdleTimeout, "BACKGROUND_IDLE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.KeepAliveInterval, "BACKGROUND_KEEPALIVE", &errs)
	setDurationFromEnv(&cfg.BackgroundPush, "BACKGROUND_PUSH_INTERVAL", &errs)
	setStringFromEnv(&cfg.MetricsAddr, "TRACKER_METRICS_ADDR")

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	if cfg.WatchFixTimeout < 5*time.Second || cfg.WatchFixTimeout > 10*time.Second {
		errs = append(errs, fmt.Errorf("WATCH_FIX_TIMEOUT must be between 5s and 10s"))
	}
	if cfg.StopAckTimeout <= 0 {
		errs = append(errs, fmt.Errorf("STOP_ACK_TIMEOUT must be > 0"))
	}
	if cfg.IdleTimeout <= 0 {
		errs = append(errs, fmt.Errorf("BACKGROUND_IDLE_TIMEOUT must be > 0"))
	}
	if cfg.KeepAliveInterval >= cfg.IdleTimeout {
		errs = append(errs, fmt.Errorf("BACKGROUND_KEEPALIVE must be shorter than BACKGROUND_IDLE_TIMEOUT"))
	}

	return cfg, errors.Join(errs...)
}

// ConsumerConfig drives the position stream projector.
type ConsumerConfig struct {
	MetricsAddr   string
	KafkaBrokers  []string
	KafkaTopic    string
	KafkaGroup    string
	RedisAddr     string
	RedisGeoKey   string
	RetryAttempts int
	RetryDelay    time.Duration
	LogLevel      string
}

func LoadConsumerConfig() (ConsumerConfig, error) {
	cfg := ConsumerConfig{
		MetricsAddr:   ":2112",
		KafkaBrokers:  []string{"localhost:9092"},
		KafkaTopic:    "trip-positions",
		KafkaGroup:    "trip-tracking-consumer",
		RedisAddr:     "localhost:6379",
		RedisGeoKey:   "trips_live",
		RetryAttempts: 3,
		RetryDelay:    200 * time.Millisecond,
		LogLevel:      "info",
	}
	var errs []error

	setStringFromEnv(&cfg.MetricsAddr, "METRICS_ADDR")
	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")
	setStringFromEnv(&cfg.KafkaGroup, "KAFKA_GROUP")
	setStringFromEnv(&cfg.RedisAddr, "REDIS_ADDR")
	setStringFromEnv(&cfg.RedisGeoKey, "REDIS_GEO_KEY")
	setIntFromEnv(&cfg.RetryAttempts, "REDIS_RETRY_ATTEMPTS", &errs)
	setDurationFromEnv(&cfg.RetryDelay, "REDIS_RETRY_DELAY", &errs)
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	if cfg.RetryAttempts <= 0 {
		errs = append(errs, fmt.Errorf("REDIS_RETRY_ATTEMPTS must be > 0"))
	}
	return cfg, errors.Join(errs...)
}

func setDurationFromEnv(target *time.Duration, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = d
	}
}

func setIntFromEnv(target *int, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = i
	}
}

func setStringFromEnv(target *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*target = v
	}
}

func splitAndTrim(v string) []string {
	raw := strings.Split(v, ",")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}
