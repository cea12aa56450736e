package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "email_ingestion"

// Metrics holds every collector of the pipeline, registered on an
// injected registry so tests and multi-role processes stay isolated.
type Metrics struct {
	registry *prometheus.Registry
	started  time.Time

	EmailsProduced        prometheus.Counter
	EmailsProcessed       prometheus.Counter
	EmailsFailed          prometheus.Counter
	DLQMessages           prometheus.Counter
	BackoffRetries        prometheus.Counter
	IdempotencyDuplicates prometheus.Counter
	OrphansClaimed        prometheus.Counter
	IMAPPolls             prometheus.Counter

	ProcessingLatency prometheus.Histogram
	IMAPPollDuration  prometheus.Histogram

	StreamDepth         prometheus.Gauge
	DLQDepth            prometheus.Gauge
	CircuitBreakerState *prometheus.GaugeVec
	UptimeSeconds       prometheus.Gauge
	ActiveWorkers       prometheus.Gauge
}

func New(registry *prometheus.Registry) *Metrics {
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,
		started:  time.Now(),

		EmailsProduced: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "emails_produced_total",
			Help:      "Mail records appended to the primary stream.",
		}),
		EmailsProcessed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "emails_processed_total",
			Help:      "Records processed and acknowledged successfully.",
		}),
		EmailsFailed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "emails_failed_total",
			Help:      "Handler failures before retry accounting.",
		}),
		DLQMessages: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dlq_messages_total",
			Help:      "Entries routed to the dead letter queue.",
		}),
		BackoffRetries: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backoff_retries_total",
			Help:      "Retry delays consumed by failed records.",
		}),
		IdempotencyDuplicates: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "idempotency_duplicates_total",
			Help:      "Records skipped because they were already processed.",
		}),
		OrphansClaimed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orphans_claimed_total",
			Help:      "Pending entries reclaimed from dead consumers.",
		}),
		IMAPPolls: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "imap_polls_total",
			Help:      "Poll cycles attempted against the IMAP server.",
		}),

		ProcessingLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "processing_latency_seconds",
			Help:      "Wall clock spent processing one record.",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}),
		IMAPPollDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "imap_poll_duration_seconds",
			Help:      "Duration of one full poll cycle.",
			Buckets:   []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		}),

		StreamDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "stream_depth",
			Help:      "Entries currently in the primary stream.",
		}),
		DLQDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "dlq_depth",
			Help:      "Entries currently in the dead letter queue.",
		}),
		CircuitBreakerState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state",
			Help:      "Breaker state: 0 closed, 1 open, 2 half-open.",
		}, []string{"breaker_name"}),
		UptimeSeconds: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "uptime_seconds",
			Help:      "Seconds since process start.",
		}),
		ActiveWorkers: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_workers",
			Help:      "Worker instances currently registered.",
		}),
	}
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Uptime returns seconds since construction and refreshes the gauge.
func (m *Metrics) Uptime() float64 {
	uptime := time.Since(m.started).Seconds()
	m.UptimeSeconds.Set(uptime)
	return uptime
}

func (m *Metrics) SetBreakerState(name string, state float64) {
	m.CircuitBreakerState.WithLabelValues(name).Set(state)
}

// Handler serves the exposition format for this registry only.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
