// Package metrics provides Prometheus metrics for the administration engine.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "emar"

// Metrics holds all application metrics. A nil *Metrics is valid and records nothing.
type Metrics struct {
	AdministrationsRecorded *prometheus.CounterVec
	RecordDuration          prometheus.Histogram
	SchedulesBuilt          prometheus.Counter
	SafetyFindings          *prometheus.CounterVec
	SafetyLookupsDegraded   *prometheus.CounterVec
	AlertsRaised            *prometheus.CounterVec
	AlertsFailed            *prometheus.CounterVec
	SideEffectsRecorded     *prometheus.CounterVec
	ObservationPasses       *prometheus.CounterVec
	LowStockPrescriptions   prometheus.Gauge
	KafkaMessagesProduced   *prometheus.CounterVec
	KafkaMessagesConsumed   *prometheus.CounterVec
	OutboxPending           prometheus.Gauge
	CircuitBreakerState     *prometheus.GaugeVec
	HTTPRequests            *prometheus.CounterVec
	HTTPDuration            *prometheus.HistogramVec
}

// New creates all metrics and registers them with reg. A nil reg uses the
// default registerer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		AdministrationsRecorded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "administrations_recorded_total",
			Help:      "Administrations recorded, by status",
		}, []string{"status"}),
		RecordDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "record_administration_duration_seconds",
			Help:      "Time to record an administration including the safety check",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		}),
		SchedulesBuilt: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "schedules_built_total",
			Help:      "Daily schedules derived",
		}),
		SafetyFindings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "safety_findings_total",
			Help:      "Safety check findings, by kind and escalation",
		}, []string{"kind", "escalation"}),
		SafetyLookupsDegraded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "safety_lookups_degraded_total",
			Help:      "Rule lookups that failed and were treated as no finding",
		}, []string{"lookup"}),
		AlertsRaised: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_raised_total",
			Help:      "Alerts handed to the dispatcher, by kind and severity",
		}, []string{"kind", "severity"}),
		AlertsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_failed_total",
			Help:      "Alerts whose dispatch failed after all retries",
		}, []string{"kind"}),
		SideEffectsRecorded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "side_effects_recorded_total",
			Help:      "Side effects recorded, by severity and source",
		}, []string{"severity", "source"}),
		ObservationPasses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "observation_passes_total",
			Help:      "Side-effect observation passes, by outcome",
		}, []string{"outcome"}),
		LowStockPrescriptions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "low_stock_prescriptions",
			Help:      "Active prescriptions at or below the low-stock threshold at the last sweep",
		}),
		KafkaMessagesProduced: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "kafka_messages_produced_total",
			Help:      "Total Kafka messages produced, by topic",
		}, []string{"topic"}),
		KafkaMessagesConsumed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "kafka_messages_consumed_total",
			Help:      "Total Kafka messages consumed, by topic and result",
		}, []string{"topic", "result"}),
		OutboxPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "outbox_pending_entries",
			Help:      "Pending outbox entries",
		}),
		CircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		}, []string{"name"}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests, by route pattern, method and status code",
		}, []string{"route", "method", "code"}),
		HTTPDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency, by route pattern",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
	}

	reg.MustRegister(
		m.AdministrationsRecorded,
		m.RecordDuration,
		m.SchedulesBuilt,
		m.SafetyFindings,
		m.SafetyLookupsDegraded,
		m.AlertsRaised,
		m.AlertsFailed,
		m.SideEffectsRecorded,
		m.ObservationPasses,
		m.LowStockPrescriptions,
		m.KafkaMessagesProduced,
		m.KafkaMessagesConsumed,
		m.OutboxPending,
		m.CircuitBreakerState,
		m.HTTPRequests,
		m.HTTPDuration,
	)

	return m
}

func (m *Metrics) AdministrationRecorded(status string, took time.Duration) {
	if m == nil {
		return
	}
	m.AdministrationsRecorded.WithLabelValues(status).Inc()
	m.RecordDuration.Observe(took.Seconds())
}

func (m *Metrics) ScheduleBuilt() {
	if m == nil {
		return
	}
	m.SchedulesBuilt.Inc()
}

func (m *Metrics) SafetyFinding(kind, escalation string) {
	if m == nil {
		return
	}
	if escalation == "" {
		escalation = "none"
	}
	m.SafetyFindings.WithLabelValues(kind, escalation).Inc()
}

func (m *Metrics) SafetyLookupDegraded(lookup string) {
	if m == nil {
		return
	}
	m.SafetyLookupsDegraded.WithLabelValues(lookup).Inc()
}

func (m *Metrics) AlertRaised(kind, severity string) {
	if m == nil {
		return
	}
	m.AlertsRaised.WithLabelValues(kind, severity).Inc()
}

func (m *Metrics) AlertFailed(kind string) {
	if m == nil {
		return
	}
	m.AlertsFailed.WithLabelValues(kind).Inc()
}

func (m *Metrics) SideEffectRecorded(severity, source string) {
	if m == nil {
		return
	}
	m.SideEffectsRecorded.WithLabelValues(severity, source).Inc()
}

func (m *Metrics) ObservationPass(outcome string) {
	if m == nil {
		return
	}
	m.ObservationPasses.WithLabelValues(outcome).Inc()
}

func (m *Metrics) SetLowStock(n int) {
	if m == nil {
		return
	}
	m.LowStockPrescriptions.Set(float64(n))
}

func (m *Metrics) MessageProduced(topic string) {
	if m == nil {
		return
	}
	m.KafkaMessagesProduced.WithLabelValues(topic).Inc()
}

// MessageConsumed counts a handler attempt; result is "ok" or "error".
func (m *Metrics) MessageConsumed(topic, result string) {
	if m == nil {
		return
	}
	m.KafkaMessagesConsumed.WithLabelValues(topic, result).Inc()
}

func (m *Metrics) SetOutboxPending(n int64) {
	if m == nil {
		return
	}
	m.OutboxPending.Set(float64(n))
}

// SetBreakerState records a breaker state as 0 (closed), 1 (open) or 2 (half-open).
func (m *Metrics) SetBreakerState(name, state string) {
	if m == nil {
		return
	}
	v := 0.0
	switch state {
	case "open":
		v = 1
	case "half-open":
		v = 2
	}
	m.CircuitBreakerState.WithLabelValues(name).Set(v)
}

// ObserveHTTP records one served request.
func (m *Metrics) ObserveHTTP(route, method string, code int, took time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(route, method, strconv.Itoa(code)).Inc()
	m.HTTPDuration.WithLabelValues(route).Observe(took.Seconds())
}

// Handler returns the Prometheus HTTP handler for g, or the default gatherer when g is nil.
func Handler(g prometheus.Gatherer) http.Handler {
	if g == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
