package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ConnectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "relay_connections_active",
		Help: "Currently open WebSocket connections",
	})

	ConnectionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_connections_total",
		Help: "Total WebSocket connections accepted",
	})

	RoomsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "relay_rooms_active",
		Help: "Rooms with at least one member",
	})

	RecognizerReady = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "recognizer_ready",
		Help: "1 when the recognition model is loaded",
	})

	BootstrapAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "recognizer_load_attempts_total",
		Help: "Recognition model load attempts by model and result",
	}, []string{"model", "result"})

	StageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "pipeline_stage_duration_seconds",
		Help:    "Per-stage latency",
		Buckets: []float64{0.05, 0.1, 0.2, 0.3, 0.5, 0.8, 1.0, 2.0, 5.0},
	}, []string{"stage"})

	E2EDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "pipeline_e2e_duration_seconds",
		Help:    "Latency from audio event to broadcast",
		Buckets: []float64{0.2, 0.5, 0.8, 1.0, 1.5, 2.0, 3.0, 5.0, 10.0},
	})

	Errors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pipeline_errors_total",
		Help: "Error counts by stage",
	}, []string{"stage", "error_type"})

	Requests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_requests_total",
		Help: "Translation requests by outcome",
	}, []string{"outcome"})

	ResultsDelivered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_results_delivered_total",
		Help: "translation_result events written to recipients",
	})
)
