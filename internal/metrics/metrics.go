package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains the Prometheus metrics exposed by the relay server.
type Metrics struct {
	ActiveSessions  prometheus.Gauge
	SessionsStarted prometheus.Counter
	SessionDuration prometheus.Histogram

	AuthRejections       prometheus.Counter
	UpstreamDialFailures prometheus.Counter

	// Frames forwarded per direction; diagnostic only.
	ClientFramesForwarded   prometheus.Counter
	UpstreamFramesForwarded prometheus.Counter
}

// New creates and registers the relay metrics on reg. Passing a fresh
// registry keeps tests independent of global registration state.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "relay_active_sessions",
			Help: "Current number of live relay sessions",
		}),
		SessionsStarted: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_sessions_started_total",
			Help: "Total number of relay sessions started",
		}),
		SessionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "relay_session_duration_seconds",
			Help:    "Duration of relay sessions in seconds",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1s to ~1 hour
		}),
		AuthRejections: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_auth_rejections_total",
			Help: "Total number of WebSocket connections rejected at the auth gate",
		}),
		UpstreamDialFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_upstream_dial_failures_total",
			Help: "Total number of failed upstream connection attempts",
		}),
		ClientFramesForwarded: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_client_frames_forwarded_total",
			Help: "Total number of frames forwarded from clients to the upstream",
		}),
		UpstreamFramesForwarded: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_upstream_frames_forwarded_total",
			Help: "Total number of frames forwarded from the upstream to clients",
		}),
	}
}
