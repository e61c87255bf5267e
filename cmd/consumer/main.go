package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"

	"github.com/example/trip-tracking/internal/config"
	"github.com/example/trip-tracking/internal/geo"
	"github.com/example/trip-tracking/internal/ingest"
	"github.com/example/trip-tracking/internal/logging"
	"github.com/example/trip-tracking/internal/models"
)

var (
	msgsConsumed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_messages_consumed_total",
		Help: "Total trip position messages consumed",
	})
	msgsInvalid = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_messages_invalid_total",
		Help: "Total invalid messages received",
	})
	redisUpdates = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_redis_updates_total",
		Help: "Total positions applied to the live index",
	})
	redisStale = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_redis_stale_total",
		Help: "Total positions skipped because a newer one was already indexed",
	})
	redisErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_redis_errors_total",
		Help: "Total redis errors",
	})
)

func init() {
	prometheus.MustRegister(msgsConsumed, msgsInvalid, redisUpdates, redisStale, redisErrors)
}

func main() {
	_ = godotenv.Load()

	cfg, err := config.LoadConsumerConfig()
	logger := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		logger.Error("invalid_config", "error", err)
		os.Exit(1)
	}

	rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	live := geo.NewRedisGeoFromClient(rc, cfg.RedisGeoKey)

	// start metrics and health server
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) })
		mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
			if err := live.Ping(r.Context()); err != nil {
				http.Error(w, "redis not ready", 503)
				return
			}
			w.WriteHeader(200)
			w.Write([]byte("ready"))
		})
		logger.Info("metrics_listening", "addr", cfg.MetricsAddr)
		if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
			logger.Warn("metrics_server_stopped", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	r := kafka.NewReader(kafka.ReaderConfig{Brokers: cfg.KafkaBrokers, Topic: cfg.KafkaTopic, GroupID: cfg.KafkaGroup, MinBytes: 10e3, MaxBytes: 10e6})
	defer func() {
		_ = r.Close()
		_ = live.Close()
	}()

	logger.Info("consumer_listening", "topic", cfg.KafkaTopic, "brokers", cfg.KafkaBrokers, "group", cfg.KafkaGroup)
	consume(ctx, r, live, cfg, logger)
}

type messageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
}

func consume(ctx context.Context, r messageReader, live geo.Store, cfg config.ConsumerConfig, logger *slog.Logger) {
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		m, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				logger.Info("consumer_shutting_down")
				return
			}
			logger.Warn("kafka_read_failed", "error", err, "backoff", backoff.String())
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		// reset backoff on success
		backoff = time.Second
		msgsConsumed.Inc()

		var ev ingest.PositionEvent
		if err := json.Unmarshal(m.Value, &ev); err != nil || ev.TripID == "" {
			msgsInvalid.Inc()
			logger.Warn("invalid_position_message", "error", err, "key", string(m.Key))
			continue
		}

		applied, err := upsertWithRetry(ctx, live, ev.TripID, ev.LiveLocation, cfg.RetryAttempts, cfg.RetryDelay)
		if err != nil {
			redisErrors.Inc()
			logger.Error("live_index_update_failed", "trip_id", ev.TripID, "error", err)
			continue
		}
		if !applied {
			redisStale.Inc()
			continue
		}
		redisUpdates.Inc()
	}
}

// upsertWithRetry writes one position to the live index, retrying with
// doubling delay.
func upsertWithRetry(ctx context.Context, live geo.Store, tripID string, loc models.LiveLocation, attempts int, delay time.Duration) (bool, error) {
	var lastErr error
	for i := 0; i < attempts; i++ {
		applied, err := live.Upsert(ctx, tripID, loc)
		if err == nil {
			return applied, nil
		}
		lastErr = err
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return false, errors.Join(lastErr, ctx.Err())
		case <-time.After(delay):
		}
		delay *= 2
	}
	return false, lastErr
}
