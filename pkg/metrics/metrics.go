// Package metrics exposes the engine's Prometheus counters.
// prometheus/client_golang is declared in the teacher's go.mod but never
// exercised by the retrieved slice of its source; it is wired here against
// the reconnect/heartbeat/decode concerns spec.md §4.5-§4.6 call out as
// worth observing, using the standard promauto registration idiom.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry bundles the engine's metrics so tests can construct an isolated
// instance instead of racing on the global default registry.
type Registry struct {
	Reconnects        prometheus.Counter
	HeartbeatFailures prometheus.Counter
	AudioDrops        prometheus.Counter
	ActivationPolls   prometheus.Counter
}

// New registers the engine's metrics against reg. Pass prometheus.NewRegistry()
// in tests, or prometheus.DefaultRegisterer in production.
func New(reg prometheus.Registerer) *Registry {
	factory := promauto.With(reg)
	return &Registry{
		Reconnects: factory.NewCounter(prometheus.CounterOpts{
			Name: "xiaozhi_client_reconnects_total",
			Help: "Total WebSocket reconnect attempts.",
		}),
		HeartbeatFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "xiaozhi_client_heartbeat_failures_total",
			Help: "Total consecutive-pong-miss events that tripped a reconnect.",
		}),
		AudioDrops: factory.NewCounter(prometheus.CounterOpts{
			Name: "xiaozhi_client_audio_drops_total",
			Help: "Total Opus packets dropped due to decode failure or a full queue.",
		}),
		ActivationPolls: factory.NewCounter(prometheus.CounterOpts{
			Name: "xiaozhi_client_activation_polls_total",
			Help: "Total poll_activate requests issued during Branch A activation.",
		}),
	}
}
