// Package metrics exposes Prometheus counters for the control loop.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "curtailr"

// Metrics bundles the control loop metrics on their own registry. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	PassesTotal   *prometheus.CounterVec
	PassDuration  *prometheus.HistogramVec
	DecisionTotal *prometheus.CounterVec
	CommandsTotal *prometheus.CounterVec
	RefreshTotal  *prometheus.CounterVec
	AuditFailures prometheus.Counter
}

// New constructs and registers all metrics.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		PassesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "passes_total",
				Help:      "Control passes by pass and outcome",
			},
			[]string{"pass", "outcome"},
		),
		PassDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "pass_duration_seconds",
				Help:      "Control pass duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"pass"},
		),
		DecisionTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "decisions_total",
				Help:      "Per-plant decisions by pass and reason",
			},
			[]string{"pass", "reason"},
		),
		CommandsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "commands_total",
				Help:      "Vendor commands by vendor, action and result",
			},
			[]string{"vendor", "action", "result"},
		),
		RefreshTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "token_refresh_total",
				Help:      "Vendor token refreshes by vendor and result",
			},
			[]string{"vendor", "result"},
		),
		AuditFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audit_write_failures_total",
			Help:      "Audit entries that could not be written",
		}),
	}
	m.registry.MustRegister(
		m.PassesTotal,
		m.PassDuration,
		m.DecisionTotal,
		m.CommandsTotal,
		m.RefreshTotal,
		m.AuditFailures,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) ObservePass(pass, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.PassesTotal.WithLabelValues(pass, outcome).Inc()
	m.PassDuration.WithLabelValues(pass).Observe(d.Seconds())
}

func (m *Metrics) Decision(pass, reason string) {
	if m == nil {
		return
	}
	m.DecisionTotal.WithLabelValues(pass, reason).Inc()
}

func (m *Metrics) Command(vendor, action, result string) {
	if m == nil {
		return
	}
	m.CommandsTotal.WithLabelValues(vendor, action, result).Inc()
}

func (m *Metrics) TokenRefresh(vendor, result string) {
	if m == nil {
		return
	}
	m.RefreshTotal.WithLabelValues(vendor, result).Inc()
}

func (m *Metrics) AuditFailure() {
	if m == nil {
		return
	}
	m.AuditFailures.Inc()
}
