// Package metrics exports realm activity as prometheus series.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "realm"

// Recorder implements realm.Metrics.
type Recorder struct {
	connections       prometheus.Gauge
	connectionsOpened *prometheus.CounterVec
	connectionsClosed *prometheus.CounterVec
	messages          *prometheus.CounterVec
	decodeFailures    prometheus.Counter
	broadcastFrames   *prometheus.CounterVec
	evictions         *prometheus.CounterVec
}

// New registers the series on reg. Pass prometheus.DefaultRegisterer to
// expose them through promhttp.Handler.
func New(reg prometheus.Registerer) *Recorder {
	f := promauto.With(reg)
	return &Recorder{
		connections: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections",
			Help:      "Currently open peer connections",
		}),
		connectionsOpened: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_opened_total",
			Help:      "Peer connections accepted",
		}, []string{"mode"}),
		connectionsClosed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_closed_total",
			Help:      "Peer connections terminated, by outcome",
		}, []string{"outcome"}),
		messages: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_received_total",
			Help:      "Protocol messages received from peers",
		}, []string{"kind"}),
		decodeFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decode_failures_total",
			Help:      "Inbound frames that failed to decode",
		}),
		broadcastFrames: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broadcast_frames_total",
			Help:      "Frames queued to subscriber outboxes",
		}, []string{"kind"}),
		evictions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "subscriber_evictions_total",
			Help:      "Subscribers dropped from the broadcast group",
		}, []string{"reason"}),
	}
}

func mode(readOnly bool) string {
	if readOnly {
		return "read_only"
	}
	return "read_write"
}

func (r *Recorder) ConnectionOpened(readOnly bool) {
	r.connectionsOpened.WithLabelValues(mode(readOnly)).Inc()
	r.connections.Inc()
}

func (r *Recorder) ConnectionClosed(outcome string) {
	r.connectionsClosed.WithLabelValues(outcome).Inc()
	r.connections.Dec()
}

func (r *Recorder) MessageReceived(kind string) {
	r.messages.WithLabelValues(kind).Inc()
}

func (r *Recorder) DecodeFailed() {
	r.decodeFailures.Inc()
}

func (r *Recorder) FramesBroadcast(kind string, n int) {
	r.broadcastFrames.WithLabelValues(kind).Add(float64(n))
}

func (r *Recorder) SubscriberEvicted(reason string) {
	r.evictions.WithLabelValues(reason).Inc()
}
