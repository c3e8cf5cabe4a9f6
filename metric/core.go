// Package metric wraps prometheus registration for the concentrator and
// serves the scrape endpoint.
package metric

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics contains the platform-level metric families shared across
// components; per-component metrics register their own series through the
// Registry.
type Metrics struct {
	ReceiverState     *prometheus.GaugeVec
	FramesReceived    *prometheus.CounterVec
	FramesRejected    *prometheus.CounterVec
	MeasurementsSent  *prometheus.CounterVec
	MeasurementsDrops *prometheus.CounterVec
	PublishDuration   *prometheus.HistogramVec
	LastFrameTime     *prometheus.GaugeVec

	NATSConnected  prometheus.Gauge
	NATSReconnects prometheus.Counter
}

// NewMetrics creates the platform metric families.
func NewMetrics() *Metrics {
	return &Metrics{
		ReceiverState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "smartpdc",
				Subsystem: "receiver",
				Name:      "state",
				Help:      "Receiver lifecycle state (0=stopped, 1=connecting, 2=running, 3=faulted)",
			},
			[]string{"source"},
		),
		FramesReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "smartpdc",
				Subsystem: "receiver",
				Name:      "frames_received_total",
				Help:      "Frames accepted and dispatched per source",
			},
			[]string{"source", "type"},
		),
		FramesRejected: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "smartpdc",
				Subsystem: "receiver",
				Name:      "frames_rejected_total",
				Help:      "Frames rejected during framing or decode per source",
			},
			[]string{"source", "reason"},
		),
		MeasurementsSent: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "smartpdc",
				Subsystem: "sink",
				Name:      "measurements_published_total",
				Help:      "Measurements delivered to the sink per source",
			},
			[]string{"source"},
		),
		MeasurementsDrops: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "smartpdc",
				Subsystem: "sink",
				Name:      "measurements_dropped_total",
				Help:      "Measurements dropped by the backpressure policy per source",
			},
			[]string{"source"},
		),
		PublishDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "smartpdc",
				Subsystem: "sink",
				Name:      "publish_duration_seconds",
				Help:      "Sink publish latency",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2},
			},
			[]string{"source"},
		),
		LastFrameTime: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "smartpdc",
				Subsystem: "receiver",
				Name:      "last_frame_timestamp_seconds",
				Help:      "Unix timestamp of the last accepted frame per source",
			},
			[]string{"source"},
		),
		NATSConnected: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "smartpdc",
				Subsystem: "nats",
				Name:      "connected",
				Help:      "NATS connection status (0=disconnected, 1=connected)",
			},
		),
		NATSReconnects: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "smartpdc",
				Subsystem: "nats",
				Name:      "reconnects_total",
				Help:      "NATS reconnect events",
			},
		),
	}
}
