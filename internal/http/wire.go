package httpapi

import (
	"fmt"
	"log/slog"

	"github.com/example/trip-tracking/internal/auth"
	"github.com/example/trip-tracking/internal/config"
	"github.com/example/trip-tracking/internal/dispatch"
	"github.com/example/trip-tracking/internal/geo"
	"github.com/example/trip-tracking/internal/ingest"
	"github.com/example/trip-tracking/internal/storage"
)

// NewServerFromConfig wires the API from configuration, falling back to
// in-memory components for anything not configured. The returned func
// releases external connections.
func NewServerFromConfig(cfg config.ServerConfig, logger *slog.Logger) (*Server, func(), error) {
	var closers []func() error
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i](); err != nil {
				logger.Warn("shutdown_close_failed", "error", err)
			}
		}
	}

	d := Deps{
		Tokens: auth.NewTokenService(cfg.JWTSecret, cfg.TokenExpiry),
		WSReg:  dispatch.NewWSRegistry(),
		Logger: logger,
	}

	if cfg.RedisAddr != "" {
		rg := geo.NewRedisGeo(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisGeoKey)
		d.Live = rg
		closers = append(closers, rg.Close)
		logger.Info("live_index_redis", "addr", cfg.RedisAddr, "key", cfg.RedisGeoKey)
	} else {
		d.Live = geo.NewIndex()
	}

	if cfg.PGDSN != "" {
		if cfg.RunMigrations {
			if err := storage.Migrate(cfg.PGDSN, cfg.MigrationsDir, logger); err != nil {
				cleanup()
				return nil, nil, err
			}
		}
		ps, err := storage.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("connect postgres: %w", err)
		}
		d.Store = ps
		closers = append(closers, ps.Close)
	} else {
		d.Store = storage.NewMemoryStore()
		logger.Warn("trip_store_in_memory")
	}

	if len(cfg.KafkaBrokers) > 0 {
		kp := ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
		d.Positions = kp
		closers = append(closers, kp.Close)
	}

	if cfg.AMQPURL != "" {
		pub, err := ingest.NewAMQPPublisher(cfg.AMQPURL, cfg.AMQPExchange)
		if err != nil {
			logger.Warn("status_events_disabled", "error", err)
		} else {
			d.Statuses = pub
			closers = append(closers, pub.Close)
		}
	}

	if cfg.WebhookURL != "" {
		d.Notifier = dispatch.Filter(dispatch.NewWebhookNotifier(cfg.WebhookURL, cfg.WebhookKey), dispatch.EventStatusChanged)
	}

	return NewServer(d), cleanup, nil
}
