package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "driver_dispatch"

var (
	DriverState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{Namespace: namespace, Name: "driver_state", Help: "1 for the current driver state, 0 otherwise"},
		[]string{"state"},
	)
	OffersTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "offers_total", Help: "Inbound ride offers by outcome"},
		[]string{"outcome"},
	)
	AcceptAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "accept_attempts_total", Help: "Accept attempts by result"},
		[]string{"result"},
	)
	AcceptLatency = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: namespace, Name: "accept_latency_seconds", Help: "Time from accept request to backend answer"})

	TelemetrySamplesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "telemetry_samples_total", Help: "Location samples by outcome"},
		[]string{"outcome"},
	)
	TelemetryEmitsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "telemetry_emits_total", Help: "Location updates emitted by trigger"},
		[]string{"trigger"},
	)
	TelemetryPushesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "telemetry_pushes_total", Help: "Backend location pushes by result"},
		[]string{"result"},
	)

	ChannelConnected = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "channel_connected", Help: "1 while the realtime channel is connected"})
	ChannelEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "channel_events_total", Help: "Realtime channel events by direction and name"},
		[]string{"direction", "event"},
	)

	BackendRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "backend_requests_total", Help: "Backend REST calls by operation and status"},
		[]string{"op", "status"},
	)
	BackendRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "backend_request_duration_seconds",
			Help:      "Backend REST latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"op"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "http_requests_total", Help: "Total control API requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Control API latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)

var allStates = []string{"offline", "available", "considering", "busy"}

// SetDriverState flips the state gauge so exactly one label reads 1.
func SetDriverState(state string) {
	for _, s := range allStates {
		v := 0.0
		if s == state {
			v = 1
		}
		DriverState.WithLabelValues(s).Set(v)
	}
}
