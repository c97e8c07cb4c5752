package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "eventflow"

// PrometheusMetrics implements MetricsCollector on a dedicated registry.
type PrometheusMetrics struct {
	registry *prometheus.Registry

	MessagesPublished prometheus.Counter
	PublishErrors     prometheus.Counter
	MessagesReceived  prometheus.Counter
	MessagesProcessed prometheus.Counter
	MessagesFailed    *prometheus.CounterVec // labels: error_type
	MessagesRetried   prometheus.Counter
	DeadLettered      prometheus.Counter
	Deferred          prometheus.Counter
	Skipped           prometheus.Counter
	HandlerDuration   *prometheus.HistogramVec // labels: subject
}

var _ MetricsCollector = (*PrometheusMetrics)(nil)

func NewPrometheusMetrics() *PrometheusMetrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewGoCollector(), prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))
	factory := promauto.With(reg)

	return &PrometheusMetrics{
		registry: reg,
		MessagesPublished: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_published_total",
			Help:      "Total number of events published to the stream",
		}),
		PublishErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "publish_errors_total",
			Help:      "Total number of failed publishes",
		}),
		MessagesReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_received_total",
			Help:      "Total number of deliveries pulled from the consumer",
		}),
		MessagesProcessed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_processed_total",
			Help:      "Total number of deliveries handled successfully",
		}),
		MessagesFailed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_failed_total",
			Help:      "Total number of handler failures by error type",
		}, []string{"error_type"}),
		MessagesRetried: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_retried_total",
			Help:      "Total number of deliveries nak'd for redelivery",
		}),
		DeadLettered: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_dead_lettered_total",
			Help:      "Total number of deliveries written to the dead-letter sink",
		}),
		Deferred: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_deferred_total",
			Help:      "Total number of scheduled events deferred until due",
		}),
		Skipped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_skipped_total",
			Help:      "Total number of deliveries acked without dispatch",
		}),
		HandlerDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "handler_duration_seconds",
			Help:      "Time spent in domain handlers",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 14),
		}, []string{"subject"}),
	}
}

func (m *PrometheusMetrics) IncPublished()     { m.MessagesPublished.Inc() }
func (m *PrometheusMetrics) IncPublishFailed() { m.PublishErrors.Inc() }
func (m *PrometheusMetrics) IncReceived()      { m.MessagesReceived.Inc() }
func (m *PrometheusMetrics) IncProcessed()     { m.MessagesProcessed.Inc() }
func (m *PrometheusMetrics) IncFailed(errorType string) {
	m.MessagesFailed.WithLabelValues(errorType).Inc()
}
func (m *PrometheusMetrics) IncRetried()   { m.MessagesRetried.Inc() }
func (m *PrometheusMetrics) IncSentToDLQ() { m.DeadLettered.Inc() }
func (m *PrometheusMetrics) IncDeferred()  { m.Deferred.Inc() }
func (m *PrometheusMetrics) IncSkipped()   { m.Skipped.Inc() }

func (m *PrometheusMetrics) ObserveHandlerDuration(subject string, d time.Duration) {
	m.HandlerDuration.WithLabelValues(subject).Observe(d.Seconds())
}

// Handler serves the registry in the exposition format.
func (m *PrometheusMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
