// Package metrics exposes Prometheus counters/histograms/gauges for the
// engine core's actual domain surfaces: scheduler partition throughput and
// latency, provider request duration and token usage per wire dialect, the
// MCP connection pool's size and health, and session/turn counts. Grounded
// in the pack's idiomatic promauto usage (haasonsaas-nexus/internal/
// observability/metrics.go), scoped down to what this repo has a surface
// for rather than copied wholesale — there's no telegram/discord/webhook
// layer here, so those metric groups have no equivalent.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics aggregates every collector the engine core registers. Construct
// once per process with New and pass the pointer down to the scheduler,
// provider factories, mcppool, and session store.
type Metrics struct {
	toolCallsTotal    *prometheus.CounterVec
	toolCallDuration  *prometheus.HistogramVec
	partitionDuration *prometheus.HistogramVec

	providerRequestsTotal   *prometheus.CounterVec
	providerRequestDuration *prometheus.HistogramVec
	providerTokensTotal     *prometheus.CounterVec

	mcpPoolConnections *prometheus.GaugeVec
	mcpCallsTotal      *prometheus.CounterVec

	sessionsActive    prometheus.Gauge
	turnsTotal        prometheus.Counter
	subagentsActive   prometheus.Gauge
	sseConnections    prometheus.Gauge
	hookFailuresTotal *prometheus.CounterVec
}

// New registers every collector against reg. Pass prometheus.NewRegistry()
// in tests to avoid colliding with the default global registry across
// parallel test runs.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		toolCallsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "snow",
			Subsystem: "scheduler",
			Name:      "tool_calls_total",
			Help:      "Tool calls executed, by tool name and outcome.",
		}, []string{"tool", "outcome"}),

		toolCallDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "snow",
			Subsystem: "scheduler",
			Name:      "tool_call_duration_seconds",
			Help:      "Wall-clock duration of a single tool call.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"tool"}),

		partitionDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "snow",
			Subsystem: "scheduler",
			Name:      "partition_duration_seconds",
			Help:      "Wall-clock duration of one resource partition's serial batch (spec §4.F).",
			Buckets:   prometheus.DefBuckets,
		}, []string{"partition_kind"}),

		providerRequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "snow",
			Subsystem: "provider",
			Name:      "requests_total",
			Help:      "LLM provider requests, by dialect, model, and outcome.",
		}, []string{"dialect", "model", "outcome"}),

		providerRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "snow",
			Subsystem: "provider",
			Name:      "request_duration_seconds",
			Help:      "Duration of a provider turn from request to stream completion.",
			Buckets:   []float64{0.5, 1, 2.5, 5, 10, 20, 40, 80, 160},
		}, []string{"dialect", "model"}),

		providerTokensTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "snow",
			Subsystem: "provider",
			Name:      "tokens_total",
			Help:      "Tokens consumed, by dialect, model, and direction (input/output).",
		}, []string{"dialect", "model", "direction"}),

		mcpPoolConnections: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "snow",
			Subsystem: "mcppool",
			Name:      "connections",
			Help:      "Open MCP client connections, by service name and connected state.",
		}, []string{"service", "connected"}),

		mcpCallsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "snow",
			Subsystem: "mcppool",
			Name:      "calls_total",
			Help:      "CallTool invocations proxied through the pool, by service and outcome.",
		}, []string{"service", "outcome"}),

		sessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "snow",
			Subsystem: "session",
			Name:      "active",
			Help:      "Sessions currently loaded in memory.",
		}),

		turnsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "snow",
			Subsystem: "session",
			Name:      "turns_total",
			Help:      "User turns processed across all sessions.",
		}),

		subagentsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "snow",
			Subsystem: "subagent",
			Name:      "active",
			Help:      "Sub-agent instances currently running (spec §4.K tracker).",
		}),

		sseConnections: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "snow",
			Subsystem: "sse",
			Name:      "connections",
			Help:      "Open SSE event streams.",
		}),

		hookFailuresTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "snow",
			Subsystem: "hooks",
			Name:      "failures_total",
			Help:      "Hook pipeline runs that blocked or errored, by hook kind.",
		}, []string{"kind"}),
	}
}

// RecordToolCall records one completed tool call's outcome and latency.
func (m *Metrics) RecordToolCall(tool, outcome string, seconds float64) {
	m.toolCallsTotal.WithLabelValues(tool, outcome).Inc()
	m.toolCallDuration.WithLabelValues(tool).Observe(seconds)
}

// RecordPartition records one resource partition's serial batch duration.
// partitionKind is the partition family (todo-state, terminal-execution,
// filesystem, filesystem-batch, independent), not the raw key, to keep
// cardinality bounded.
func (m *Metrics) RecordPartition(partitionKind string, seconds float64) {
	m.partitionDuration.WithLabelValues(partitionKind).Observe(seconds)
}

// RecordProviderRequest records one provider turn's outcome, latency, and
// token usage.
func (m *Metrics) RecordProviderRequest(dialect, model, outcome string, seconds float64, inputTokens, outputTokens int) {
	m.providerRequestsTotal.WithLabelValues(dialect, model, outcome).Inc()
	m.providerRequestDuration.WithLabelValues(dialect, model).Observe(seconds)
	if inputTokens > 0 {
		m.providerTokensTotal.WithLabelValues(dialect, model, "input").Add(float64(inputTokens))
	}
	if outputTokens > 0 {
		m.providerTokensTotal.WithLabelValues(dialect, model, "output").Add(float64(outputTokens))
	}
}

// SetMCPConnection reflects one service's current connection state.
func (m *Metrics) SetMCPConnection(service string, connected bool) {
	if connected {
		m.mcpPoolConnections.WithLabelValues(service, "true").Set(1)
		m.mcpPoolConnections.WithLabelValues(service, "false").Set(0)
	} else {
		m.mcpPoolConnections.WithLabelValues(service, "true").Set(0)
		m.mcpPoolConnections.WithLabelValues(service, "false").Set(1)
	}
}

// RecordMCPCall records one CallTool proxied through the pool.
func (m *Metrics) RecordMCPCall(service, outcome string) {
	m.mcpCallsTotal.WithLabelValues(service, outcome).Inc()
}

// SessionOpened/SessionClosed track the in-memory active session gauge.
func (m *Metrics) SessionOpened() { m.sessionsActive.Inc() }
func (m *Metrics) SessionClosed() { m.sessionsActive.Dec() }

// TurnCompleted increments the cross-session turn counter.
func (m *Metrics) TurnCompleted() { m.turnsTotal.Inc() }

// SubAgentStarted/SubAgentStopped track the running sub-agent gauge,
// mirroring internal/subagent.Tracker's own count.
func (m *Metrics) SubAgentStarted() { m.subagentsActive.Inc() }
func (m *Metrics) SubAgentStopped() { m.subagentsActive.Dec() }

// ConnectionOpened/ConnectionClosed track the SSE connection gauge.
func (m *Metrics) ConnectionOpened() { m.sseConnections.Inc() }
func (m *Metrics) ConnectionClosed() { m.sseConnections.Dec() }

// RecordHookFailure records one hook pipeline block/error by kind (e.g.
// "beforeToolCall", "afterToolCall").
func (m *Metrics) RecordHookFailure(kind string) {
	m.hookFailuresTotal.WithLabelValues(kind).Inc()
}
