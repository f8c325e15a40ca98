// Package metrics wraps the Prometheus client (github.com/prometheus/
// client_golang) so every peer exposes the same counters: packets
// sent/received/dropped per message type, and a hold-back queue depth
// gauge. The core never calls HoldBackDepth, so that gauge stays at zero.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Recorder is the metrics surface the coordinator writes to.
// A nil-safe NoopRecorder is available for tests that don't want to
// register collectors against the default registry.
type Recorder interface {
	Sent(messageType string)
	Received(messageType string)
	Dropped(reason string)
	HoldBackDepth(n int)
}

// PrometheusRecorder registers its collectors against the provided
// registerer, defaulting to prometheus.DefaultRegisterer.
type PrometheusRecorder struct {
	sent     *prometheus.CounterVec
	received *prometheus.CounterVec
	dropped  *prometheus.CounterVec
	holdBack prometheus.Gauge
}

// NewPrometheusRecorder creates and registers the groupcast collectors
// under namespace "groupcast", labeled by peer name.
func NewPrometheusRecorder(registerer prometheus.Registerer, peerName string) *PrometheusRecorder {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	constLabels := prometheus.Labels{"peer": peerName}

	r := &PrometheusRecorder{
		sent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "groupcast",
			Name:        "packets_sent_total",
			Help:        "Packets originated by this peer, by message type.",
			ConstLabels: constLabels,
		}, []string{"type"}),
		received: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "groupcast",
			Name:        "packets_received_total",
			Help:        "Packets accepted past validation, by message type.",
			ConstLabels: constLabels,
		}, []string{"type"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "groupcast",
			Name:        "packets_dropped_total",
			Help:        "Packets rejected by validation, by reason.",
			ConstLabels: constLabels,
		}, []string{"reason"}),
		holdBack: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "groupcast",
			Name:        "hold_back_queue_depth",
			Help:        "Packets currently waiting in the causal hold-back queue.",
			ConstLabels: constLabels,
		}),
	}

	registerer.MustRegister(r.sent, r.received, r.dropped, r.holdBack)
	return r
}

func (r *PrometheusRecorder) Sent(messageType string)     { r.sent.WithLabelValues(messageType).Inc() }
func (r *PrometheusRecorder) Received(messageType string) { r.received.WithLabelValues(messageType).Inc() }
func (r *PrometheusRecorder) Dropped(reason string)       { r.dropped.WithLabelValues(reason).Inc() }
func (r *PrometheusRecorder) HoldBackDepth(n int)          { r.holdBack.Set(float64(n)) }

// NoopRecorder discards every observation; used by tests that assemble a
// Coordinator without wiring a Prometheus registry.
type NoopRecorder struct{}

func (NoopRecorder) Sent(string)          {}
func (NoopRecorder) Received(string)      {}
func (NoopRecorder) Dropped(string)       {}
func (NoopRecorder) HoldBackDepth(int)    {}

var (
	_ Recorder = (*PrometheusRecorder)(nil)
	_ Recorder = NoopRecorder{}
)
