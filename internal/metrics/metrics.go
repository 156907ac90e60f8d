// Package metrics holds the Prometheus collectors shared by the rebalance
// orchestrator, the intent pipeline and the HTTP server. A nil *Registry is
// valid and records nothing.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "intentrail"

type Registry struct {
	registry *prometheus.Registry

	runsTotal        *prometheus.CounterVec
	stepsTotal       *prometheus.CounterVec
	stepDuration     *prometheus.HistogramVec
	guardSkipsTotal  prometheus.Counter
	opportunities    *prometheus.CounterVec
	executing        prometheus.Gauge
	intentsTotal     *prometheus.CounterVec
	paymentsTotal    *prometheus.CounterVec
	httpRequestTotal *prometheus.CounterVec
}

func New() *Registry {
	runs := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "rebalance_runs_total",
		Help:      "Rebalance runs by final state.",
	}, []string{"state"})

	steps := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "rebalance_steps_total",
		Help:      "Rebalance chain operations by step and outcome.",
	}, []string{"step", "status"})

	stepDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "rebalance_step_duration_seconds",
		Help:      "Time spent in each rebalance step.",
		Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
	}, []string{"step"})

	skips := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "rebalance_guard_skips_total",
		Help:      "Triggers dropped because a run was already in progress.",
	})

	opportunities := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "opportunities_detected_total",
		Help:      "Rate-spread opportunities reported by the monitor.",
	}, []string{"source"})

	executing := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "rebalance_executing",
		Help:      "1 while a rebalance run holds the guard.",
	})

	intents := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "intents_parsed_total",
		Help:      "Parsed intents by type.",
	}, []string{"type"})

	payments := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "payments_total",
		Help:      "Paid-request gate decisions.",
	}, []string{"result"})

	httpRequests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_requests_total",
		Help:      "HTTP API requests by route and status code.",
	}, []string{"method", "route", "code"})

	r := prometheus.NewRegistry()
	r.MustRegister(
		runs, steps, stepDuration, skips, opportunities, executing, intents, payments, httpRequests,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return &Registry{
		registry:         r,
		runsTotal:        runs,
		stepsTotal:       steps,
		stepDuration:     stepDuration,
		guardSkipsTotal:  skips,
		opportunities:    opportunities,
		executing:        executing,
		intentsTotal:     intents,
		paymentsTotal:    payments,
		httpRequestTotal: httpRequests,
	}
}

func (m *Registry) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Registry) IncRun(state string) {
	if m == nil {
		return
	}
	m.runsTotal.WithLabelValues(state).Inc()
}

func (m *Registry) ObserveStep(step, status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.stepsTotal.WithLabelValues(step, status).Inc()
	m.stepDuration.WithLabelValues(step).Observe(elapsed.Seconds())
}

func (m *Registry) IncGuardSkip() {
	if m == nil {
		return
	}
	m.guardSkipsTotal.Inc()
}

func (m *Registry) IncOpportunity(source string) {
	if m == nil {
		return
	}
	m.opportunities.WithLabelValues(source).Inc()
}

func (m *Registry) SetExecuting(on bool) {
	if m == nil {
		return
	}
	if on {
		m.executing.Set(1)
		return
	}
	m.executing.Set(0)
}

func (m *Registry) IncIntent(kind string) {
	if m == nil {
		return
	}
	m.intentsTotal.WithLabelValues(kind).Inc()
}

func (m *Registry) IncPayment(result string) {
	if m == nil {
		return
	}
	m.paymentsTotal.WithLabelValues(result).Inc()
}

func (m *Registry) IncHTTPRequest(method, route string, code int) {
	if m == nil {
		return
	}
	m.httpRequestTotal.WithLabelValues(method, route, strconv.Itoa(code)).Inc()
}
