// Package metrics holds the Prometheus collectors for the outreach pipeline.
// Every method is safe on a nil *Metrics so components can run without them.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "outreach"

// Metrics owns a private registry so tests can build as many as they like.
type Metrics struct {
	registry *prometheus.Registry

	runs             *prometheus.CounterVec
	stageDuration    *prometheus.HistogramVec
	stageErrors      *prometheus.CounterVec
	fallbacks        prometheus.Counter
	deliveryAttempts *prometheus.CounterVec
	retryEnqueued    prometheus.Counter
	deadLetters      prometheus.Counter
	retryDepth       *prometheus.GaugeVec
	breakerState     *prometheus.GaugeVec
	statusChanges    *prometheus.CounterVec
	windowCounts     *prometheus.GaugeVec
	windowRates      *prometheus.GaugeVec
}

// New creates and registers all collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "ProcessLead calls by outcome status.",
		}, []string{"status"}),
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Stage call latency including local retries.",
			Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"stage"}),
		stageErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stage_errors_total",
			Help:      "Stage failures by error kind.",
		}, []string{"stage", "kind"}),
		fallbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fallback_messages_total",
			Help:      "Messages produced by the fallback template.",
		}),
		deliveryAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "delivery_attempts_total",
			Help:      "Gateway sends by origin and result.",
		}, []string{"origin", "result"}),
		retryEnqueued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retry_enqueued_total",
			Help:      "Messages handed to the retry queue.",
		}),
		deadLetters: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retry_dead_letters_total",
			Help:      "Retry entries moved to dead letter.",
		}),
		retryDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "retry_entries",
			Help:      "Retry entries currently stored, live or dead.",
		}, []string{"state"}),
		breakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "breaker_open",
			Help:      "1 while the stage circuit breaker rejects calls.",
		}, []string{"stage"}),
		statusChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "status_changes_total",
			Help:      "Delivery confirmations observed by the tracker.",
		}, []string{"event"}),
		windowCounts: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "window_events",
			Help:      "Event counts over the tracker metrics window.",
		}, []string{"event"}),
		windowRates: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "window_rate",
			Help:      "Delivery, read and response rates over the tracker metrics window.",
		}, []string{"rate"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.runs, m.stageDuration, m.stageErrors, m.fallbacks,
		m.deliveryAttempts, m.retryEnqueued, m.deadLetters, m.retryDepth,
		m.breakerState, m.statusChanges, m.windowCounts, m.windowRates,
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) RunFinished(status string) {
	if m == nil {
		return
	}
	m.runs.WithLabelValues(status).Inc()
}

func (m *Metrics) StageObserved(stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.stageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

func (m *Metrics) StageFailed(stage, kind string) {
	if m == nil {
		return
	}
	m.stageErrors.WithLabelValues(stage, kind).Inc()
}

func (m *Metrics) FallbackUsed() {
	if m == nil {
		return
	}
	m.fallbacks.Inc()
}

// DeliveryAttempt counts one gateway send. origin is "run" or "retry";
// result is "sent" or an error kind.
func (m *Metrics) DeliveryAttempt(origin, result string) {
	if m == nil {
		return
	}
	m.deliveryAttempts.WithLabelValues(origin, result).Inc()
}

func (m *Metrics) RetryEnqueued() {
	if m == nil {
		return
	}
	m.retryEnqueued.Inc()
}

func (m *Metrics) DeadLettered() {
	if m == nil {
		return
	}
	m.deadLetters.Inc()
}

// RetryDepth sets the stored entry gauges.
func (m *Metrics) RetryDepth(live, dead int) {
	if m == nil {
		return
	}
	m.retryDepth.WithLabelValues("live").Set(float64(live))
	m.retryDepth.WithLabelValues("dead").Set(float64(dead))
}

func (m *Metrics) BreakerOpen(stage string, open bool) {
	if m == nil {
		return
	}
	v := 0.0
	if open {
		v = 1
	}
	m.breakerState.WithLabelValues(stage).Set(v)
}

func (m *Metrics) StatusChange(event string) {
	if m == nil {
		return
	}
	m.statusChanges.WithLabelValues(event).Inc()
}

// Window publishes a tracker metrics snapshot.
func (m *Metrics) Window(counts map[string]int, rates map[string]float64) {
	if m == nil {
		return
	}
	for k, v := range counts {
		m.windowCounts.WithLabelValues(k).Set(float64(v))
	}
	for k, v := range rates {
		m.windowRates.WithLabelValues(k).Set(v)
	}
}
