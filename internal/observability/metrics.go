package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides a centralized interface for collecting runtime metrics.
//
// The metrics system is built on Prometheus and tracks:
//   - Agent runs by action type and outcome
//   - Provider request performance and token consumption
//   - Tool invocation patterns and latencies
//   - Circuit breaker state transitions
//   - Context window assembly sizes and truncations
//   - Active tool session counts for capacity planning
//
// Usage:
//
//	metrics := observability.NewMetrics(nil)
//	metrics.RecordRun("generate_reply", "success", time.Since(start).Seconds())
type Metrics struct {
	// RunCounter counts finished agent runs.
	// Labels: action_type (generate_reply|title_suggestion), status (success|error)
	RunCounter *prometheus.CounterVec

	// RunDuration measures wall time of agent runs in seconds.
	// Labels: action_type
	// Buckets: 0.5s, 1s, 2s, 5s, 10s, 30s, 60s, 120s
	RunDuration *prometheus.HistogramVec

	// ProviderRequestCounter counts model provider requests.
	// Labels: provider, model, status (success|error)
	ProviderRequestCounter *prometheus.CounterVec

	// ProviderRequestDuration measures provider call latency in seconds.
	// Labels: provider, model
	// Buckets: 0.1s, 0.5s, 1s, 2s, 5s, 10s, 30s, 60s
	ProviderRequestDuration *prometheus.HistogramVec

	// ProviderTokens tracks token consumption reported by providers.
	// Labels: provider, model, type (input|output)
	ProviderTokens *prometheus.CounterVec

	// ToolInvocationCounter counts tool invocations over tool sessions.
	// Labels: tool, status (success|error)
	ToolInvocationCounter *prometheus.CounterVec

	// ToolInvocationDuration measures tool invocation time in seconds.
	// Labels: tool
	// Buckets: 0.01s, 0.05s, 0.1s, 0.5s, 1s, 5s, 10s, 30s, 60s
	ToolInvocationDuration *prometheus.HistogramVec

	// BreakerTransitions counts circuit breaker state changes.
	// Labels: key, to_state (closed|open|half_open)
	BreakerTransitions *prometheus.CounterVec

	// ContextTokens measures assembled context window sizes in tokens.
	// Labels: action_type
	ContextTokens *prometheus.HistogramVec

	// ContextTruncations counts assemblies that dropped history to fit.
	// Labels: action_type
	ContextTruncations *prometheus.CounterVec

	// ActiveToolSessions is a gauge tracking cached authenticated sessions.
	ActiveToolSessions prometheus.Gauge
}

// NewMetrics creates and registers all Prometheus metrics against reg.
// Passing nil registers against the default registry, which is what the
// daemon does; tests pass a fresh registry so registration cannot collide.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		RunCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "deskrunner_runs_total",
				Help: "Total number of agent runs by action type and status",
			},
			[]string{"action_type", "status"},
		),

		RunDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "deskrunner_run_duration_seconds",
				Help:    "Wall time of agent runs in seconds",
				Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
			},
			[]string{"action_type"},
		),

		ProviderRequestCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "deskrunner_provider_requests_total",
				Help: "Total number of provider requests by provider, model, and status",
			},
			[]string{"provider", "model", "status"},
		),

		ProviderRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "deskrunner_provider_request_duration_seconds",
				Help:    "Duration of provider requests in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"provider", "model"},
		),

		ProviderTokens: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "deskrunner_provider_tokens_total",
				Help: "Total number of tokens used by provider, model, and type",
			},
			[]string{"provider", "model", "type"},
		),

		ToolInvocationCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "deskrunner_tool_invocations_total",
				Help: "Total number of tool invocations by tool and status",
			},
			[]string{"tool", "status"},
		),

		ToolInvocationDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "deskrunner_tool_invocation_duration_seconds",
				Help:    "Duration of tool invocations in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"tool"},
		),

		BreakerTransitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "deskrunner_breaker_transitions_total",
				Help: "Total number of circuit breaker state transitions by key and target state",
			},
			[]string{"key", "to_state"},
		),

		ContextTokens: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "deskrunner_context_tokens",
				Help:    "Assembled context window sizes in tokens",
				Buckets: []float64{256, 512, 1024, 2048, 4096, 8192, 16384, 32768, 65536, 131072},
			},
			[]string{"action_type"},
		),

		ContextTruncations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "deskrunner_context_truncations_total",
				Help: "Total number of context assemblies that dropped history to fit the token limit",
			},
			[]string{"action_type"},
		),

		ActiveToolSessions: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "deskrunner_active_tool_sessions",
				Help: "Current number of cached authenticated tool sessions",
			},
		),
	}
}

// RecordRun records the outcome and duration of a finished agent run.
//
// Example:
//
//	start := time.Now()
//	// ... run the agent ...
//	metrics.RecordRun("generate_reply", "success", time.Since(start).Seconds())
func (m *Metrics) RecordRun(actionType, status string, durationSeconds float64) {
	m.RunCounter.WithLabelValues(actionType, status).Inc()
	m.RunDuration.WithLabelValues(actionType).Observe(durationSeconds)
}

// RecordProviderRequest records metrics for a model provider request.
// Token counters are only advanced when the provider reported usage.
//
// Example:
//
//	metrics.RecordProviderRequest("anthropic", "claude-sonnet-4", "success", 1.2, 900, 340)
func (m *Metrics) RecordProviderRequest(provider, model, status string, durationSeconds float64, inputTokens, outputTokens int) {
	m.ProviderRequestCounter.WithLabelValues(provider, model, status).Inc()
	m.ProviderRequestDuration.WithLabelValues(provider, model).Observe(durationSeconds)
	if inputTokens > 0 {
		m.ProviderTokens.WithLabelValues(provider, model, "input").Add(float64(inputTokens))
	}
	if outputTokens > 0 {
		m.ProviderTokens.WithLabelValues(provider, model, "output").Add(float64(outputTokens))
	}
}

// RecordToolInvocation records metrics for a single tool invocation.
//
// Example:
//
//	metrics.RecordToolInvocation("file_search", "success", 0.25)
func (m *Metrics) RecordToolInvocation(tool, status string, durationSeconds float64) {
	m.ToolInvocationCounter.WithLabelValues(tool, status).Inc()
	m.ToolInvocationDuration.WithLabelValues(tool).Observe(durationSeconds)
}

// RecordBreakerTransition increments the transition counter for a breaker key.
// Wired to breaker.Config.OnStateChange at startup.
func (m *Metrics) RecordBreakerTransition(key, toState string) {
	m.BreakerTransitions.WithLabelValues(key, toState).Inc()
}

// ObserveContextWindow records the size of an assembled context window and
// whether assembly had to drop history to fit.
func (m *Metrics) ObserveContextWindow(actionType string, tokens int, truncated bool) {
	m.ContextTokens.WithLabelValues(actionType).Observe(float64(tokens))
	if truncated {
		m.ContextTruncations.WithLabelValues(actionType).Inc()
	}
}

// SetActiveToolSessions updates the session gauge to the current cache size.
func (m *Metrics) SetActiveToolSessions(n int) {
	m.ActiveToolSessions.Set(float64(n))
}
