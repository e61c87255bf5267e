package main

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/example/trip-tracking/internal/config"
	"github.com/example/trip-tracking/internal/location"
	"github.com/example/trip-tracking/internal/logging"
	"github.com/example/trip-tracking/internal/models"
	"github.com/example/trip-tracking/internal/otp"
	"github.com/example/trip-tracking/internal/tracking"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "tracker",
		Short:        "Share a device's live position with a ride or delivery",
		SilenceUsage: true,
	}
	root.AddCommand(newTrackCmd(), newVerifyCmd(), newForgetCmd())
	return root
}

func loadAgentConfig() (config.AgentConfig, error) {
	cfg, err := config.LoadAgentConfig()
	if err != nil {
		return cfg, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

func parseKind(s string) (models.TripKind, error) {
	k := models.TripKind(strings.ToLower(strings.TrimSpace(s)))
	if !k.Valid() {
		return "", fmt.Errorf("kind must be %q or %q", models.KindRide, models.KindDelivery)
	}
	return k, nil
}

func newTrackCmd() *cobra.Command {
	var (
		kind, trip, code, route string
		metricsAddr             string
		lat, lon, accuracy      float64
		step                    time.Duration
		background              bool
	)
	cmd := &cobra.Command{
		Use:   "track",
		Short: "Verify the trip code and report position until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadAgentConfig()
			if err != nil {
				return err
			}
			k, err := parseKind(kind)
			if err != nil {
				return err
			}
			logger := logging.NewLoggerTo(os.Stderr, cfg.LogLevel)
			if metricsAddr == "" {
				metricsAddr = cfg.MetricsAddr
			}
			if metricsAddr != "" {
				if _, err := serveMetrics(cmd.Context(), metricsAddr, logger); err != nil {
					return fmt.Errorf("metrics: %w", err)
				}
			}

			points := []models.Coord{{Lat: lat, Lon: lon}}
			if route != "" {
				if points, err = location.LoadRoute(route); err != nil {
					return err
				}
			}
			provider, err := location.NewSimulatedProvider(points, step, accuracy)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			hooks := tracking.Hooks{
				OnSample: func(s models.PositionSample) {
					fmt.Fprintf(out, "%s %s %.6f,%.6f\n", s.CapturedAt.Format(time.RFC3339), s.Origin, s.Latitude, s.Longitude)
				},
				OnStatus: func(st models.TripStatus) { fmt.Fprintf(out, "status %s\n", st) },
			}
			a, err := newAgent(cfg, provider, hooks, logger)
			if err != nil {
				return err
			}
			defer a.Close()

			err = a.run(cmd.Context(), tracking.StartRequest{Kind: k, TripID: trip, Code: code, Background: background})
			if errors.Is(err, otp.ErrCodeRequired) {
				return fmt.Errorf("%w: pass --code", err)
			}
			if errors.Is(err, location.ErrPermissionDenied) {
				return fmt.Errorf("%w: enable location access and retry", err)
			}
			return err
		},
	}
	f := cmd.Flags()
	f.StringVar(&kind, "kind", string(models.KindRide), "ride or delivery")
	f.StringVar(&trip, "trip", "", "trip or delivery id")
	f.StringVar(&code, "code", "", "one-time code; overrides any cached authorization")
	f.StringVar(&route, "route", "", "JSON file of waypoints to replay")
	f.Float64Var(&lat, "lat", 0, "fixed latitude when no route is given")
	f.Float64Var(&lon, "lon", 0, "fixed longitude when no route is given")
	f.Float64Var(&accuracy, "accuracy", 5, "reported accuracy in meters")
	f.DurationVar(&step, "step", 2*time.Second, "time between simulated fixes")
	f.BoolVar(&background, "background", true, "also run the background coordinator")
	f.StringVar(&metricsAddr, "metrics-addr", "", "serve agent metrics on this address (default $TRACKER_METRICS_ADDR)")
	_ = cmd.MarkFlagRequired("trip")
	return cmd
}

func newVerifyCmd() *cobra.Command {
	var kind, trip, code string
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Verify a trip code and cache the authorization",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadAgentConfig()
			if err != nil {
				return err
			}
			k, err := parseKind(kind)
			if err != nil {
				return err
			}
			gate, cache, _, err := newGate(cfg, logging.NewLoggerTo(os.Stderr, cfg.LogLevel))
			if err != nil {
				return err
			}
			defer cache.Close()

			auth, err := gate.Verify(cmd.Context(), k, trip, code)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "verified %s %s at %s\n", auth.Kind, auth.TripID, auth.IssuedAt.Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().StringVar(&kind, "kind", string(models.KindRide), "ride or delivery")
	cmd.Flags().StringVar(&trip, "trip", "", "trip or delivery id")
	cmd.Flags().StringVar(&code, "code", "", "one-time code")
	_ = cmd.MarkFlagRequired("trip")
	_ = cmd.MarkFlagRequired("code")
	return cmd
}

func newForgetCmd() *cobra.Command {
	var trip string
	cmd := &cobra.Command{
		Use:   "forget",
		Short: "Drop the cached authorization for a trip",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadAgentConfig()
			if err != nil {
				return err
			}
			gate, cache, _, err := newGate(cfg, logging.NewLoggerTo(os.Stderr, cfg.LogLevel))
			if err != nil {
				return err
			}
			defer cache.Close()
			return gate.Invalidate(cmd.Context(), trip)
		},
	}
	cmd.Flags().StringVar(&trip, "trip", "", "trip or delivery id")
	_ = cmd.MarkFlagRequired("trip")
	return cmd
}
