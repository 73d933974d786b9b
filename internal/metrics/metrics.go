// Package metrics exposes gateway activity as Prometheus collectors.
//
// Metrics owns its registry instead of using the global default so tests
// and embedded gateways can create as many as they like. It plugs into the
// rest of the gateway through small adapters: it is a transport.Observer
// for pool events and a dispatch.Recorder for command results.
package metrics

import (
	"context"
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nerrad567/homegate/internal/dispatch"
)

const namespace = "homegate"

// Metrics holds every gateway collector.
type Metrics struct {
	reg *prometheus.Registry

	commands        *prometheus.CounterVec
	commandDuration *prometheus.HistogramVec
	commandAttempts *prometheus.HistogramVec

	connects    *prometheus.CounterVec
	dialErrors  *prometheus.CounterVec
	disconnects *prometheus.CounterVec

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
}

// New creates the collectors and registers them, along with the Go
// runtime and process collectors, on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),

		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "commands_total",
			Help:      "Commands dispatched, by protocol and outcome.",
		}, []string{"protocol", "outcome"}),

		commandDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "duration_seconds",
			Help:      "Time from command receipt to reply or failure.",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"protocol"}),

		commandAttempts: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "attempts",
			Help:      "Connect/send attempts per command.",
			Buckets:   []float64{1, 2},
		}, []string{"protocol"}),

		connects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "connects_total",
			Help:      "Successful actionner connections.",
		}, []string{"protocol"}),

		dialErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "dial_errors_total",
			Help:      "Failed actionner connection attempts.",
		}, []string{"protocol"}),

		disconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "disconnects_total",
			Help:      "Pooled connections closed, by reason (invalidated, idle, shutdown).",
		}, []string{"protocol", "reason"}),

		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "API requests by method, route pattern and status.",
		}, []string{"method", "route", "status"}),

		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "API request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}

	m.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.commands, m.commandDuration, m.commandAttempts,
		m.connects, m.dialErrors, m.disconnects,
		m.httpRequests, m.httpDuration,
	)
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// Gauges reports sizes sampled at scrape time.
type Gauges struct {
	Objects     func() int
	Actionners  func() int
	Connections func() int
}

// RegisterGauges adds gauge functions for the registry tables and the
// connection pool. Nil functions are skipped.
func (m *Metrics) RegisterGauges(g Gauges) {
	add := func(subsystem, name, help string, fn func() int) {
		if fn == nil {
			return
		}
		m.reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
		}, func() float64 { return float64(fn()) }))
	}
	add("registry", "objects", "Registered objects.", g.Objects)
	add("registry", "actionners", "Registered actionners.", g.Actionners)
	add("pool", "connections", "Live pooled connections.", g.Connections)
}

// Connected implements transport.Observer.
func (m *Metrics) Connected(protocol string) {
	m.connects.WithLabelValues(protocol).Inc()
}

// DialFailed implements transport.Observer.
func (m *Metrics) DialFailed(protocol string) {
	m.dialErrors.WithLabelValues(protocol).Inc()
}

// Dropped implements transport.Observer.
func (m *Metrics) Dropped(protocol, reason string) {
	m.disconnects.WithLabelValues(protocol, reason).Inc()
}

// Record implements dispatch.Recorder. Commands that never resolved to an
// actionner are counted under protocol "none".
func (m *Metrics) Record(_ context.Context, r *dispatch.Result) {
	proto := r.Protocol
	if proto == "" {
		proto = "none"
	}
	m.commands.WithLabelValues(proto, r.OutcomeLabel()).Inc()
	m.commandDuration.WithLabelValues(proto).Observe(r.Duration.Seconds())
	if r.Attempts > 0 {
		m.commandAttempts.WithLabelValues(proto).Observe(float64(r.Attempts))
	}
}

// ObserveHTTP records one API request. route is the router pattern, not the
// raw path, to keep label cardinality bounded.
func (m *Metrics) ObserveHTTP(method, route string, status int, seconds float64) {
	m.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.httpDuration.WithLabelValues(method, route).Observe(seconds)
}
