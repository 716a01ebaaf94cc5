package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service.
type Metrics struct {
	ActiveSessions   prometheus.Gauge
	SessionEvents    *prometheus.CounterVec
	Envelopes        *prometheus.CounterVec
	BufferDrops      *prometheus.CounterVec
	TransportErrors  *prometheus.CounterVec
	InterruptLatency prometheus.Histogram
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		ActiveSessions: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of active streaming sessions.",
		}),
		SessionEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_events_total",
			Help:      "Session lifecycle events by type.",
		}, []string{"event"}),
		Envelopes: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "envelopes_total",
			Help:      "Protocol envelopes by direction and kind.",
		}, []string{"direction", "kind"}),
		BufferDrops: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "buffer_drops_total",
			Help:      "Audio chunks dropped by queue and cause.",
		}, []string{"queue", "cause"}),
		TransportErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transport_errors_total",
			Help:      "Model gateway errors by gateway and code.",
		}, []string{"gateway", "code"}),
		InterruptLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "interrupt_flush_latency_ms",
			Help:      "Latency from barge-in signal to output buffer flush in milliseconds.",
			Buckets:   []float64{1, 2, 5, 10, 20, 50, 100, 200},
		}),
	}
}

func (m *Metrics) ObserveInterruptLatency(d time.Duration) {
	m.InterruptLatency.Observe(float64(d.Milliseconds()))
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
