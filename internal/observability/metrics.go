package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Backend side.
	PositionUpdatesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "trip_tracking", Name: "position_updates_total", Help: "Position updates received, by outcome"},
		[]string{"kind", "outcome"},
	)
	StatusChangesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "trip_tracking", Name: "status_changes_total", Help: "Trip status changes applied, by new status"},
		[]string{"status"},
	)
	OTPVerificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "trip_tracking", Name: "otp_verifications_total", Help: "OTP verification attempts, by kind and result"},
		[]string{"kind", "result"},
	)
	LiveSubscribers = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "trip_tracking", Name: "live_subscribers", Help: "Connected dashboard websocket subscribers"})

	// Agent side.
	SamplesPushedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "trip_tracking", Name: "agent_samples_pushed_total", Help: "Position samples pushed by the agent, by origin and outcome"},
		[]string{"origin", "outcome"},
	)
	GeofenceProposalsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "trip_tracking", Name: "agent_geofence_proposals_total", Help: "Status transitions proposed by the geofence, by target and outcome"},
		[]string{"status", "outcome"},
	)
	StopAckTimeoutsTotal = promauto.NewCounter(prometheus.CounterOpts{Namespace: "trip_tracking", Name: "agent_stop_ack_timeouts_total", Help: "Background stops that proceeded without an acknowledgement"})
	PushLatency          = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: "trip_tracking", Name: "agent_push_latency_seconds", Help: "Position push latency seconds"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "trip_tracking", Name: "http_requests_total", Help: "HTTP requests handled, by route and trip kind"},
		[]string{"method", "route", "kind", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "trip_tracking",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "route", "kind", "status"},
	)
)
