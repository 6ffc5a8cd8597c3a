// Package metrics provides Prometheus metrics collection
package metrics

import (
	"os"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/javimaligno/agentctl/infrastructure/runtime"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// HTTP metrics
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	// Error metrics
	ErrorsTotal *prometheus.CounterVec

	// Engine metrics
	EngineRunsTotal    *prometheus.CounterVec
	EngineRunDuration  *prometheus.HistogramVec
	SessionsActive     prometheus.Gauge

	// Budget and proposal metrics
	CostUSDTotal      prometheus.Counter
	ProposalsTotal    *prometheus.CounterVec
	WorktreesActive   prometheus.Gauge

	// Resilience layer
	CircuitState *prometheus.GaugeVec

	// Service health
	ServiceUptime prometheus.Gauge
	ServiceInfo   *prometheus.GaugeVec
}

// New creates a new Metrics instance with all collectors registered
func New(serviceName string) *Metrics {
	return NewWithRegistry(serviceName, prometheus.DefaultRegisterer)
}

// NewWithRegistry creates a new Metrics instance with a custom registry
func NewWithRegistry(serviceName string, registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		// HTTP metrics
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"service", "method", "path", "status"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"service", "method", "path"},
		),
		RequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "http_requests_in_flight",
				Help: "Current number of HTTP requests being processed",
			},
		),

		// Error metrics
		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "errors_total",
				Help: "Total number of errors",
			},
			[]string{"service", "type", "operation"},
		),

		// Engine metrics
		EngineRunsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "engine_runs_total",
				Help: "Total number of execution engine runs, by outcome",
			},
			[]string{"service", "outcome"},
		),
		EngineRunDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "engine_run_duration_seconds",
				Help:    "Execution engine run duration in seconds",
				Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
			},
			[]string{"service", "outcome"},
		),
		SessionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "sessions_active",
				Help: "Current number of active sessions",
			},
		),

		// Budget and proposal metrics
		CostUSDTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "cost_usd_total",
				Help: "Cumulative agent spend in US dollars",
			},
		),
		ProposalsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "proposals_total",
				Help: "Total number of proposals published, by project",
			},
			[]string{"service", "project"},
		),
		WorktreesActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "worktrees_active",
				Help: "Current number of registered working copies",
			},
		),

		// Resilience layer
		CircuitState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "circuit_breaker_state",
				Help: "Current circuit breaker state by operation (0=closed, 1=half-open, 2=open)",
			},
			[]string{"service", "operation"},
		),

		// Service health
		ServiceUptime: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "service_uptime_seconds",
				Help: "Service uptime in seconds",
			},
		),
		ServiceInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "service_info",
				Help: "Service information",
			},
			[]string{"service", "version", "environment"},
		),
	}

	// Register all collectors
	if registerer != nil {
		registerer.MustRegister(
			m.RequestsTotal,
			m.RequestDuration,
			m.RequestsInFlight,
			m.ErrorsTotal,
			m.EngineRunsTotal,
			m.EngineRunDuration,
			m.SessionsActive,
			m.CostUSDTotal,
			m.ProposalsTotal,
			m.WorktreesActive,
			m.CircuitState,
			m.ServiceUptime,
			m.ServiceInfo,
		)
	}

	// Set service info
	m.ServiceInfo.WithLabelValues(serviceName, "1.0.0", getEnvironment()).Set(1)

	return m
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(service, method, path, status string, duration time.Duration) {
	m.RequestsTotal.WithLabelValues(service, method, path, status).Inc()
	m.RequestDuration.WithLabelValues(service, method, path).Observe(duration.Seconds())
}

// RecordError records an error
func (m *Metrics) RecordError(service, errorType, operation string) {
	m.ErrorsTotal.WithLabelValues(service, errorType, operation).Inc()
}

// RecordEngineRun records one execution-engine run's outcome and duration
// (spec section 2, "Health / observability").
func (m *Metrics) RecordEngineRun(service, outcome string, duration time.Duration) {
	m.EngineRunsTotal.WithLabelValues(service, outcome).Inc()
	m.EngineRunDuration.WithLabelValues(service, outcome).Observe(duration.Seconds())
}

// RecordProposal records one published proposal for project.
func (m *Metrics) RecordProposal(service, project string) {
	m.ProposalsTotal.WithLabelValues(service, project).Inc()
}

// AddCost adds a cost delta to the cumulative spend counter.
func (m *Metrics) AddCost(costUSD float64) {
	if costUSD > 0 {
		m.CostUSDTotal.Add(costUSD)
	}
}

// SetSessionsActive sets the current active-session gauge.
func (m *Metrics) SetSessionsActive(count int) {
	m.SessionsActive.Set(float64(count))
}

// SetWorktreesActive sets the current active-worktree gauge.
func (m *Metrics) SetWorktreesActive(count int) {
	m.WorktreesActive.Set(float64(count))
}

// SetCircuitState records operation's current circuit breaker state.
func (m *Metrics) SetCircuitState(service, operation string, state int) {
	m.CircuitState.WithLabelValues(service, operation).Set(float64(state))
}

// UpdateUptime updates the service uptime
func (m *Metrics) UpdateUptime(startTime time.Time) {
	m.ServiceUptime.Set(time.Since(startTime).Seconds())
}

// IncrementInFlight increments the in-flight requests counter
func (m *Metrics) IncrementInFlight() {
	m.RequestsInFlight.Inc()
}

// DecrementInFlight decrements the in-flight requests counter
func (m *Metrics) DecrementInFlight() {
	m.RequestsInFlight.Dec()
}

// Helper functions

func getEnvironment() string {
	return string(runtime.Env())
}

// Enabled returns whether Prometheus metrics should be exposed.
//
// Defaults:
// - production: disabled unless explicitly enabled via METRICS_ENABLED
// - non-production: enabled unless explicitly disabled via METRICS_ENABLED
func Enabled() bool {
	raw := strings.ToLower(strings.TrimSpace(os.Getenv("METRICS_ENABLED")))
	if raw == "" {
		return !runtime.IsProduction()
	}
	switch raw {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

// Global metrics instance
var (
	globalMetrics *Metrics
	globalMu      sync.Mutex
)

// Init initializes the global metrics instance
func Init(serviceName string) *Metrics {
	globalMu.Lock()
	defer globalMu.Unlock()

	if globalMetrics == nil {
		globalMetrics = New(serviceName)
	}
	return globalMetrics
}

// Global returns the global metrics instance
func Global() *Metrics {
	globalMu.Lock()
	defer globalMu.Unlock()

	if globalMetrics == nil {
		globalMetrics = New("unknown")
	}
	return globalMetrics
}
