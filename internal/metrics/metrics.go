// Package metrics exposes Prometheus collectors for the run-session runtime.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles the runtime's collectors.
type Metrics struct {
	SessionsActive prometheus.Gauge
	EventsAppended *prometheus.CounterVec
	AppendRetries  prometheus.Counter
	SpawnFailures  *prometheus.CounterVec
	Connections    prometheus.Gauge
	Subscribers    prometheus.Gauge
}

// New registers the runtime collectors with reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		SessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "dispatch",
			Name:      "sessions_active",
			Help:      "Number of live run sessions.",
		}),
		EventsAppended: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dispatch",
			Name:      "events_appended_total",
			Help:      "Events appended to the session event log.",
		}, []string{"type"}),
		AppendRetries: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "dispatch",
			Name:      "event_append_retries_total",
			Help:      "Retried event log appends after a persistence failure.",
		}),
		SpawnFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dispatch",
			Name:      "adapter_spawn_failures_total",
			Help:      "Adapter starts that failed before the session ran.",
		}, []string{"kind"}),
		Connections: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "dispatch",
			Name:      "websocket_connections",
			Help:      "Open realtime transport connections.",
		}),
		Subscribers: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "dispatch",
			Name:      "session_subscribers",
			Help:      "Live event subscriptions across all sessions.",
		}),
	}
}
