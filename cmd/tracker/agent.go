package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/example/trip-tracking/internal/api"
	"github.com/example/trip-tracking/internal/config"
	"github.com/example/trip-tracking/internal/coordinator"
	"github.com/example/trip-tracking/internal/location"
	"github.com/example/trip-tracking/internal/models"
	"github.com/example/trip-tracking/internal/otp"
	"github.com/example/trip-tracking/internal/tracking"
)

// agent is the device side: gate, pipeline, coordinator and session wired
// against the tracking API.
type agent struct {
	cfg      config.AgentConfig
	logger   *slog.Logger
	client   *api.Client
	cache    *otp.SQLiteCache
	gate     *otp.Gate
	pipeline *location.Pipeline
	bg       *coordinator.Coordinator
	session  *tracking.Session
}

func newGate(cfg config.AgentConfig, logger *slog.Logger) (*otp.Gate, *otp.SQLiteCache, *api.Client, error) {
	cache, err := otp.OpenSQLiteCache(cfg.AuthCachePath)
	if err != nil {
		return nil, nil, nil, err
	}
	client := api.NewClient(cfg.BaseURL, cfg.HTTPTimeout)
	policy := otp.Policy{TTL: map[models.TripKind]time.Duration{
		models.KindRide:     cfg.RideAuthTTL,
		models.KindDelivery: cfg.DeliveryAuthTTL,
	}}
	return otp.NewGate(client, cache, policy, logger), cache, client, nil
}

func newAgent(cfg config.AgentConfig, provider location.Provider, hooks tracking.Hooks, logger *slog.Logger) (*agent, error) {
	gate, cache, client, err := newGate(cfg, logger)
	if err != nil {
		return nil, err
	}
	pipeline := location.NewPipeline(provider, location.NewStaticPermissions(location.PermissionGranted), client, logger,
		location.WithOnceOptions(location.Options{HighAccuracy: true, Timeout: cfg.InitialFixTimeout}),
		location.WithWatchOptions(location.Options{HighAccuracy: true, Timeout: cfg.WatchFixTimeout, MaximumAge: cfg.WatchMaxAge}),
		location.WithReporter(func(r location.PushReport) {
			if r.Err != nil {
				logger.Warn("position_report", "trip_id", r.Target.ID, "origin", r.Sample.Origin, "error", r.Err)
			}
		}),
	)
	bg := coordinator.New(pipeline, coordinator.Config{IdleTimeout: cfg.IdleTimeout}, logger)
	session := tracking.NewSession(gate, client, pipeline, client, bg, tracking.Config{
		StopAckTimeout:     cfg.StopAckTimeout,
		KeepAliveInterval:  cfg.KeepAliveInterval,
		BackgroundInterval: cfg.BackgroundPush,
	}, hooks, logger)
	return &agent{cfg: cfg, logger: logger, client: client, cache: cache, gate: gate, pipeline: pipeline, bg: bg, session: session}, nil
}

// run starts the coordinator and tracks until ctx is done, then stops
// sharing with a fresh context so the stop handshake can complete.
func (a *agent) run(ctx context.Context, req tracking.StartRequest) error {
	bgCtx, cancelBG := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelBG()
	go func() {
		if err := a.bg.Run(bgCtx); err != nil && bgCtx.Err() == nil {
			a.logger.Warn("background_exited", "error", err)
		}
	}()

	auth, err := a.session.Start(ctx, req)
	if err != nil {
		return fmt.Errorf("start tracking: %w", err)
	}
	a.logger.Info("sharing_location", "trip_id", auth.TripID, "kind", auth.Kind)

	<-ctx.Done()
	stopCtx, cancel := context.WithTimeout(context.Background(), a.cfg.StopAckTimeout+time.Second)
	defer cancel()
	if err := a.session.Stop(stopCtx); err != nil {
		a.logger.Warn("stop_incomplete", "error", err)
	}
	return nil
}

func (a *agent) Close() error { return a.cache.Close() }
