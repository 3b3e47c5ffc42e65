// Package metrics provides Prometheus metrics for the patient sync services.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/drfirst/go-patientsync/internal/domain/patient"
	"github.com/drfirst/go-patientsync/pkg/circuitbreaker"
)

// Metrics holds all application metrics
type Metrics struct {
	IngestTotal             *prometheus.CounterVec
	IngestDuration          *prometheus.HistogramVec
	MergeChanges            prometheus.Histogram
	VersionConflicts        prometheus.Counter
	SyncTotal               *prometheus.CounterVec
	SyncDuration            prometheus.Histogram
	KafkaMessagesProduced   *prometheus.CounterVec
	KafkaMessagesConsumed   prometheus.Counter
	OutboxPending           prometheus.Gauge
	OutboxDeadLetteredTotal prometheus.Counter
	CircuitBreakerState     *prometheus.GaugeVec
	HTTPRequests            *prometheus.CounterVec
	HTTPDuration            *prometheus.HistogramVec
	WebsocketClients        prometheus.Gauge

	gatherer prometheus.Gatherer
}

// New creates all metrics and registers them with reg. A nil reg uses a
// fresh registry, which keeps tests independent of the global one.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	m := &Metrics{
		IngestTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "patient_ingest_total",
			Help: "Patient ingests by source and outcome",
		}, []string{"source", "outcome"}),
		IngestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "patient_ingest_duration_seconds",
			Help:    "Patient ingest duration including lock wait and persistence",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		}, []string{"source"}),
		MergeChanges: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "patient_merge_changes",
			Help:    "Number of changes detected per merge",
			Buckets: []float64{0, 1, 2, 5, 10, 25, 50, 100},
		}),
		VersionConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "patient_version_conflicts_total",
			Help: "Optimistic version conflicts that forced a re-merge",
		}),
		SyncTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "patient_sync_total",
			Help: "Remote sync attempts by outcome",
		}, []string{"outcome"}),
		SyncDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "patient_sync_duration_seconds",
			Help:    "Remote sync duration",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}),
		KafkaMessagesProduced: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kafka_messages_produced_total",
			Help: "Kafka messages produced by topic and status",
		}, []string{"topic", "status"}),
		KafkaMessagesConsumed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kafka_messages_consumed_total",
			Help: "Total Kafka messages consumed",
		}),
		OutboxPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "outbox_pending_entries",
			Help: "Pending outbox entries",
		}),
		OutboxDeadLetteredTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "outbox_dead_lettered_total",
			Help: "Outbox entries moved to the dead letter topic",
		}),
		CircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		}, []string{"name"}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "HTTP requests by method, route and status",
		}, []string{"method", "route", "status"}),
		HTTPDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
		WebsocketClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "websocket_clients",
			Help: "Connected websocket clients",
		}),
	}

	reg.MustRegister(
		m.IngestTotal,
		m.IngestDuration,
		m.MergeChanges,
		m.VersionConflicts,
		m.SyncTotal,
		m.SyncDuration,
		m.KafkaMessagesProduced,
		m.KafkaMessagesConsumed,
		m.OutboxPending,
		m.OutboxDeadLetteredTotal,
		m.CircuitBreakerState,
		m.HTTPRequests,
		m.HTTPDuration,
		m.WebsocketClients,
	)

	if g, ok := reg.(prometheus.Gatherer); ok {
		m.gatherer = g
	}

	return m
}

// ObserveIngest records one ingest.
func (m *Metrics) ObserveIngest(source patient.Source, outcome string, changes int, elapsed time.Duration) {
	m.IngestTotal.WithLabelValues(string(source), outcome).Inc()
	m.IngestDuration.WithLabelValues(string(source)).Observe(elapsed.Seconds())
	if outcome == patient.OutcomeMerged {
		m.MergeChanges.Observe(float64(changes))
	}
}

// IncVersionConflict counts a version conflict.
func (m *Metrics) IncVersionConflict() {
	m.VersionConflicts.Inc()
}

// OutboxPublished counts a relay publish attempt.
func (m *Metrics) OutboxPublished(topic string, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.KafkaMessagesProduced.WithLabelValues(topic, status).Inc()
}

// OutboxDeadLettered counts entries moved to the dead letter topic.
func (m *Metrics) OutboxDeadLettered(count int64) {
	m.OutboxDeadLetteredTotal.Add(float64(count))
}

// ObserveSync records one remote sync.
func (m *Metrics) ObserveSync(outcome string, elapsed time.Duration) {
	m.SyncTotal.WithLabelValues(outcome).Inc()
	m.SyncDuration.Observe(elapsed.Seconds())
}

// BreakerStateChanged matches circuitbreaker.Config.OnStateChange.
func (m *Metrics) BreakerStateChanged(name string, _, to circuitbreaker.State) {
	m.CircuitBreakerState.WithLabelValues(name).Set(StateValue(to))
}

// ObserveHTTP records one HTTP request.
func (m *Metrics) ObserveHTTP(method, route string, status int, elapsed time.Duration) {
	m.HTTPRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.HTTPDuration.WithLabelValues(method, route).Observe(elapsed.Seconds())
}

// StateValue maps a breaker state to the gauge value.
func StateValue(s circuitbreaker.State) float64 {
	switch s {
	case circuitbreaker.StateOpen:
		return 1
	case circuitbreaker.StateHalfOpen:
		return 2
	default:
		return 0
	}
}

// Handler serves the registry the metrics were registered with, or the
// default registry when that registry cannot be gathered.
func (m *Metrics) Handler() http.Handler {
	if m.gatherer == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// Handler returns the Prometheus HTTP handler for the default registry
func Handler() http.Handler {
	return promhttp.Handler()
}
