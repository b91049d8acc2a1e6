// Package observability provides the three pillars of runtime visibility
// for deskrunner: structured logging, Prometheus metrics, and
// OpenTelemetry tracing.
//
// # Logging
//
// NewLogger builds a slog.Logger that writes JSON or text records and
// scrubs sensitive values (bearer tokens, API keys, passwords) before
// they reach the output. Records logged through *Context calls are
// stamped with the run ID carried by the context, so every line emitted
// during an agent run can be correlated without threading IDs by hand.
//
// # Metrics
//
// NewMetrics registers counters, histograms, and gauges covering agent
// runs, provider requests, tool invocations, breaker transitions, and
// context assembly. Metrics are exposed through the standard promhttp
// handler on the daemon's HTTP listener.
//
// # Tracing
//
// NewTracer exports spans over OTLP/gRPC when an endpoint is configured
// and degrades to a no-op tracer when it is not, so instrumentation code
// never branches on whether tracing is enabled.
package observability
