package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dkeye/liveview/internal/core"
)

// Metrics groups all Prometheus instruments used by the viewer.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	ConnectionState    *prometheus.GaugeVec
	ReconnectAttempts  prometheus.Counter
	ConnectLatency     prometheus.Histogram
	LiveEvents         *prometheus.CounterVec
	ReactionsRendered  *prometheus.CounterVec
	ReactionsDeduped   prometheus.Counter
	EventChannelJoins  prometheus.Counter
	SignalingFailures  *prometheus.CounterVec
	TrackedReactionIDs prometheus.Gauge
}

func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		ConnectionState: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "media_connection_state",
			Help:      "1 for the current media connection state, 0 otherwise.",
		}, []string{"state"}),
		ReconnectAttempts: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "media_reconnect_attempts_total",
			Help:      "Scheduled media reconnect attempts.",
		}),
		ConnectLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "media_connect_latency_ms",
			Help:      "Time to establish a media room connection in milliseconds.",
			Buckets:   []float64{100, 250, 500, 1000, 2000, 5000, 10000, 20000},
		}),
		LiveEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "live_events_total",
			Help:      "Live event channel events by name and outcome.",
		}, []string{"event", "outcome"}),
		ReactionsRendered: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reactions_rendered_total",
			Help:      "Floating reactions rendered by source.",
		}, []string{"source"}),
		ReactionsDeduped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reactions_echo_suppressed_total",
			Help:      "Reaction echoes suppressed as duplicates of local reactions.",
		}),
		EventChannelJoins: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "event_channel_joins_total",
			Help:      "Join frames sent on the live event channel.",
		}),
		SignalingFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "signaling_failures_total",
			Help:      "Failed REST calls by operation.",
		}, []string{"op"}),
		TrackedReactionIDs: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "reaction_tracking_entries",
			Help:      "Entries held by reaction dedup tracking stores.",
		}),
	}
}

var allStates = []core.ConnectionState{
	core.StateDisconnected, core.StateConnecting, core.StateConnected, core.StateError,
}

func (m *Metrics) SetConnectionState(s core.ConnectionState) {
	if m == nil {
		return
	}
	for _, st := range allStates {
		v := 0.0
		if st == s {
			v = 1
		}
		m.ConnectionState.WithLabelValues(string(st)).Set(v)
	}
}

func (m *Metrics) IncReconnect() {
	if m == nil {
		return
	}
	m.ReconnectAttempts.Inc()
}

func (m *Metrics) ObserveConnectLatency(d time.Duration) {
	if m == nil {
		return
	}
	m.ConnectLatency.Observe(float64(d.Milliseconds()))
}

func (m *Metrics) CountEvent(event, outcome string) {
	if m == nil {
		return
	}
	m.LiveEvents.WithLabelValues(event, outcome).Inc()
}

func (m *Metrics) CountReaction(source string) {
	if m == nil {
		return
	}
	m.ReactionsRendered.WithLabelValues(source).Inc()
}

func (m *Metrics) CountSuppressed() {
	if m == nil {
		return
	}
	m.ReactionsDeduped.Inc()
}

func (m *Metrics) CountJoin() {
	if m == nil {
		return
	}
	m.EventChannelJoins.Inc()
}

func (m *Metrics) CountSignalingFailure(op string) {
	if m == nil {
		return
	}
	m.SignalingFailures.WithLabelValues(op).Inc()
}

func (m *Metrics) SetTracked(n int) {
	if m == nil {
		return
	}
	m.TrackedReactionIDs.Set(float64(n))
}

// Handler serves the registry reg.
func Handler(reg prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
