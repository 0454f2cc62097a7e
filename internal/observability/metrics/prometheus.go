// Package metrics provides Prometheus metrics for the dosing engine.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/crivet/dose-engine/internal/domain/dosing"
	"github.com/crivet/dose-engine/pkg/circuitbreaker"
)

// Metrics holds all application metrics
type Metrics struct {
	Evaluations         *prometheus.CounterVec
	ProtocolEvaluations *prometheus.CounterVec
	Blocks              *prometheus.CounterVec
	Unevaluable         *prometheus.CounterVec
	EvaluationErrors    *prometheus.CounterVec
	EvaluationDuration  *prometheus.HistogramVec
	PoolTasks           *prometheus.CounterVec
	PoolTaskDuration    prometheus.Histogram
	PoolQueueDepth      prometheus.Gauge
	EventsPublished     prometheus.Counter
	OutboxPending       prometheus.Gauge
	CircuitBreakerState *prometheus.GaugeVec

	gatherer prometheus.Gatherer
}

// New creates all metrics and registers them with reg. A nil reg uses the
// default registry.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		Evaluations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dose_evaluations_total",
			Help: "Single-drug evaluations by mode and status",
		}, []string{"mode", "status"}),
		ProtocolEvaluations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "protocol_evaluations_total",
			Help: "Protocol evaluations by protocol and status",
		}, []string{"protocol", "status"}),
		Blocks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dose_blocks_total",
			Help: "Blocking findings by source",
		}, []string{"source"}),
		Unevaluable: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dose_unevaluable_predicates_total",
			Help: "Checks that could not be evaluated, by drug",
		}, []string{"drug_id"}),
		EvaluationErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dose_evaluation_errors_total",
			Help: "Rejected requests by error kind",
		}, []string{"kind"}),
		EvaluationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "dose_evaluation_duration_seconds",
			Help:    "Evaluation duration",
			Buckets: []float64{.0001, .0005, .001, .005, .01, .025, .05, .1, .25},
		}, []string{"kind"}),
		PoolTasks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "workerpool_tasks_total",
			Help: "Worker pool tasks by result",
		}, []string{"result"}),
		PoolTaskDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "workerpool_task_duration_seconds",
			Help:    "Worker pool task duration",
			Buckets: []float64{.0001, .0005, .001, .005, .01, .05, .1},
		}),
		PoolQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "workerpool_queue_depth",
			Help: "Tasks waiting in the worker pool queue",
		}),
		EventsPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "evaluation_events_published_total",
			Help: "Evaluation events published to the broker",
		}),
		OutboxPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "outbox_pending_entries",
			Help: "Pending outbox entries",
		}),
		CircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		}, []string{"name"}),
	}

	reg.MustRegister(
		m.Evaluations,
		m.ProtocolEvaluations,
		m.Blocks,
		m.Unevaluable,
		m.EvaluationErrors,
		m.EvaluationDuration,
		m.PoolTasks,
		m.PoolTaskDuration,
		m.PoolQueueDepth,
		m.EventsPublished,
		m.OutboxPending,
		m.CircuitBreakerState,
	)
	if g, ok := reg.(prometheus.Gatherer); ok {
		m.gatherer = g
	}

	return m
}

// ObserveResult records one single-drug result
func (m *Metrics) ObserveResult(r dosing.Result, d time.Duration) {
	m.Evaluations.WithLabelValues(string(r.Mode), r.Status.String()).Inc()
	m.EvaluationDuration.WithLabelValues("dose").Observe(d.Seconds())
	m.observeFindings(r)
}

// ObserveProtocol records a protocol result and each of its members
func (m *Metrics) ObserveProtocol(r dosing.ProtocolResult, d time.Duration) {
	m.ProtocolEvaluations.WithLabelValues(r.ProtocolID, r.Status.String()).Inc()
	m.EvaluationDuration.WithLabelValues("protocol").Observe(d.Seconds())
	for _, res := range r.Results {
		m.Evaluations.WithLabelValues(string(res.Mode), res.Status.String()).Inc()
		m.observeFindings(res)
	}
}

func (m *Metrics) observeFindings(r dosing.Result) {
	for _, b := range r.Blocks {
		m.Blocks.WithLabelValues(b.Source).Inc()
	}
	if n := len(r.Unevaluable); n > 0 {
		m.Unevaluable.WithLabelValues(r.DrugID).Add(float64(n))
	}
}

// ObserveError records a rejected request
func (m *Metrics) ObserveError(kind string) {
	m.EvaluationErrors.WithLabelValues(kind).Inc()
}

// TaskFinished implements workerpool.Observer
func (m *Metrics) TaskFinished(d time.Duration, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.PoolTasks.WithLabelValues(result).Inc()
	m.PoolTaskDuration.Observe(d.Seconds())
}

// QueueDepth implements workerpool.Observer
func (m *Metrics) QueueDepth(n int) {
	m.PoolQueueDepth.Set(float64(n))
}

// BreakerState is a circuitbreaker.StateListener
func (m *Metrics) BreakerState(name string, to circuitbreaker.State) {
	m.CircuitBreakerState.WithLabelValues(name).Set(to.Gauge())
}

// Published counts one event delivered to the broker
func (m *Metrics) Published() {
	m.EventsPublished.Inc()
}

// OutboxBacklog records the number of undelivered outbox entries
func (m *Metrics) OutboxBacklog(n int64) {
	m.OutboxPending.Set(float64(n))
}

// Handler returns the Prometheus HTTP handler for the registry the
// metrics were registered with
func (m *Metrics) Handler() http.Handler {
	if m.gatherer == nil || m.gatherer == prometheus.DefaultGatherer {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
