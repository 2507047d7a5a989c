package server

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Login outcomes recorded by the flow handlers.
const (
	outcomeStarted        = "started"
	outcomeSuccess        = "success"
	outcomeProviderError  = "provider_error"
	outcomeMissingCode    = "missing_code"
	outcomeStateMismatch  = "state_mismatch"
	outcomeExpired        = "expired"
	outcomeExchangeFailed = "exchange_failed"
	outcomeInvalidToken   = "invalid_token"
	outcomeInvalidSubject = "invalid_subject"
	outcomeSessionError   = "session_error"
	outcomeUnconfigured   = "unconfigured"
	outcomeError          = "error"
	outcomeForbidden      = "forbidden"
)

// Metrics holds the Prometheus collectors for the login flow.
type Metrics struct {
	registry         *prometheus.Registry
	logins           *prometheus.CounterVec
	exchangeDuration *prometheus.HistogramVec
}

// NewMetrics builds a private registry with process and Go runtime collectors.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		logins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hopeturtles",
			Subsystem: "auth",
			Name:      "login_events_total",
			Help:      "Login flow events by outcome.",
		}, []string{"outcome"}),
		exchangeDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "hopeturtles",
			Subsystem: "auth",
			Name:      "token_exchange_duration_seconds",
			Help:      "Latency of authorization code exchanges with Buwana.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"result"}),
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.logins,
		m.exchangeDuration,
	)
	return m
}

// Outcome counts one login flow event.
func (m *Metrics) Outcome(outcome string) {
	m.logins.WithLabelValues(outcome).Inc()
}

// ObserveExchange records how long a code exchange took.
func (m *Metrics) ObserveExchange(d time.Duration, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.exchangeDuration.WithLabelValues(result).Observe(d.Seconds())
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
