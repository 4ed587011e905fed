package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Gauges
var (
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "voice_relay_active_sessions",
		Help: "Number of active relay sessions",
	})
)

// Counters
var (
	SessionsCreatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voice_relay_sessions_created_total",
		Help: "Total relay sessions created",
	})
	SessionsSupersededTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voice_relay_sessions_superseded_total",
		Help: "Sessions evicted because a new connection reused their id",
	})
	AuthFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voice_relay_auth_failures_total",
		Help: "Client connections rejected for bad credentials",
	})
	FramesForwardedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_relay_frames_forwarded_total",
		Help: "Frames forwarded by direction",
	}, []string{"direction"})
	SessionConfigInjectionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voice_relay_session_config_injections_total",
		Help: "session.update messages injected on upstream session start",
	})
	UpstreamRedialsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voice_relay_upstream_redials_total",
		Help: "Upstream connection redial attempts after abnormal closes",
	})
	UpstreamTerminalClosesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voice_relay_upstream_terminal_closes_total",
		Help: "Upstream closes with non-retryable codes",
	})
	AudioDecodeErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voice_relay_audio_decode_errors_total",
		Help: "Inbound audio delta frames dropped for malformed base64",
	})
	WebhooksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_relay_webhooks_total",
		Help: "Payment webhook notifications by outcome",
	}, []string{"outcome"})
)

// Histograms
var (
	UpstreamConnectLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "voice_relay_upstream_connect_duration_ms",
		Help:    "Upstream dial duration in milliseconds",
		Buckets: []float64{50, 100, 250, 500, 1000, 2000, 5000, 15000},
	})
)
