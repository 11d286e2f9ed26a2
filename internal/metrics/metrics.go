// Package metrics exposes the broadcaster's Prometheus metrics. Unlike the
// teacher's package-level var+init()-MustRegister globals, these are built
// by a constructor against a caller-supplied prometheus.Registerer, so a
// test (or a second broadcaster instance in the same process) can use its
// own registry instead of panicking on a duplicate global registration —
// the rest of the metric surface (names, help text, bucket choices) keeps
// the teacher's "ws_*" naming convention, renamed to this domain's nouns.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every Prometheus collector the broadcaster updates while
// driving sessions.
type Metrics struct {
	SessionsTotal   prometheus.Counter
	SessionsActive  prometheus.Gauge
	SessionsFailed  prometheus.Counter
	SessionDuration *prometheus.HistogramVec // label: close_reason

	FramesSent     *prometheus.CounterVec // label: type
	FramesReceived *prometheus.CounterVec // label: type
	BytesSent      prometheus.Counter
	BytesReceived  prometheus.Counter

	NotificationsDelivered prometheus.Counter
	NotificationsDropped   *prometheus.CounterVec // label: reason
	SubscribersGauge       *prometheus.GaugeVec   // label: kind (exact, glob)

	CompressionRatio  prometheus.Histogram
	TrainingRuns      *prometheus.CounterVec // label: watermark
	TrainingDuration  prometheus.Histogram

	CPUUsagePercent    prometheus.Gauge
	MemoryUsageBytes   prometheus.Gauge
	GoroutinesActive   prometheus.Gauge
	CapacityRejections *prometheus.CounterVec // label: reason

	ErrorsTotal *prometheus.CounterVec // label: kind, severity
}

// New registers every collector against reg and returns the bundle.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		SessionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "broadcaster_sessions_total",
			Help: "Total number of sessions accepted",
		}),
		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "broadcaster_sessions_active",
			Help: "Current number of open sessions",
		}),
		SessionsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "broadcaster_sessions_failed_total",
			Help: "Total number of sessions that ended with a fatal error",
		}),
		SessionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "broadcaster_session_duration_seconds",
			Help:    "Session lifetime from accept to close",
			Buckets: []float64{1, 5, 10, 30, 60, 300, 600, 1800, 3600},
		}, []string{"close_reason"}),

		FramesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "broadcaster_frames_sent_total",
			Help: "Total frames written to sessions, by type",
		}, []string{"type"}),
		FramesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "broadcaster_frames_received_total",
			Help: "Total frames read from sessions, by type",
		}, []string{"type"}),
		BytesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "broadcaster_bytes_sent_total",
			Help: "Total bytes written to sessions",
		}),
		BytesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "broadcaster_bytes_received_total",
			Help: "Total bytes read from sessions",
		}),

		NotificationsDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "broadcaster_notifications_delivered_total",
			Help: "Total notifications successfully fanned out",
		}),
		NotificationsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "broadcaster_notifications_dropped_total",
			Help: "Total notifications dropped, by reason",
		}, []string{"reason"}),
		SubscribersGauge: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "broadcaster_subscribers",
			Help: "Current subscriber registrations, by kind",
		}, []string{"kind"}),

		CompressionRatio: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "broadcaster_compression_ratio",
			Help:    "compressed_size / decompressed_size for notification bodies",
			Buckets: []float64{0.05, 0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1.0},
		}),
		TrainingRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "broadcaster_dictionary_training_runs_total",
			Help: "Total dictionary training runs, by watermark that triggered them",
		}, []string{"watermark"}),
		TrainingDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "broadcaster_dictionary_training_duration_seconds",
			Help:    "Wall time spent training a dictionary",
			Buckets: prometheus.DefBuckets,
		}),

		CPUUsagePercent: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "broadcaster_cpu_usage_percent",
			Help: "Current container-relative CPU usage percentage",
		}),
		MemoryUsageBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "broadcaster_memory_usage_bytes",
			Help: "Current process memory usage in bytes",
		}),
		GoroutinesActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "broadcaster_goroutines_active",
			Help: "Current number of live goroutines",
		}),
		CapacityRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "broadcaster_capacity_rejections_total",
			Help: "Total new-session rejections, by reason",
		}, []string{"reason"}),

		ErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "broadcaster_errors_total",
			Help: "Total errors, by kind and severity",
		}, []string{"kind", "severity"}),
	}

	reg.MustRegister(
		m.SessionsTotal, m.SessionsActive, m.SessionsFailed, m.SessionDuration,
		m.FramesSent, m.FramesReceived, m.BytesSent, m.BytesReceived,
		m.NotificationsDelivered, m.NotificationsDropped, m.SubscribersGauge,
		m.CompressionRatio, m.TrainingRuns, m.TrainingDuration,
		m.CPUUsagePercent, m.MemoryUsageBytes, m.GoroutinesActive, m.CapacityRejections,
		m.ErrorsTotal,
	)
	return m
}

// Handler returns the HTTP handler Prometheus scrapes.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
