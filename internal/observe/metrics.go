// Package observe provides application-wide observability primitives for
// PolyVox: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all PolyVox metrics.
const meterName = "github.com/polyvox/polyvox"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms per pipeline stage ---

	// SynthesisDuration tracks end-to-end multi-voice synthesis latency.
	SynthesisDuration metric.Float64Histogram

	// DispatchDuration tracks a single voice's backend completion latency.
	DispatchDuration metric.Float64Histogram

	// ToolExecutionDuration tracks MCP tool execution latency.
	ToolExecutionDuration metric.Float64Histogram

	// PlanDuration tracks orchestration plan execution latency.
	PlanDuration metric.Float64Histogram

	// --- Counters ---

	// BackendRequests counts model-backend completions. Use with attributes:
	//   attribute.String("backend", ...), attribute.String("voice", ...), attribute.String("status", ...)
	BackendRequests metric.Int64Counter

	// ToolCalls counts tool invocations. Use with attributes:
	//   attribute.String("tool", ...), attribute.String("status", ...)
	ToolCalls metric.Int64Counter

	// VoiceResponses counts voice responses. Use with attribute:
	//   attribute.String("voice_id", ...)
	VoiceResponses metric.Int64Counter

	// SynthesisConflicts counts conflicts surfaced during synthesis. Use
	// with attribute: attribute.String("kind", ...)
	SynthesisConflicts metric.Int64Counter

	// CacheLookups counts cache probes. Use with attribute:
	//   attribute.String("result", "hit"|"miss")
	CacheLookups metric.Int64Counter

	// ApprovalDecisions counts approval verdicts. Use with attributes:
	//   attribute.String("status", ...), attribute.Bool("auto", ...)
	ApprovalDecisions metric.Int64Counter

	// --- Error counters ---

	// BackendErrors counts model-backend errors. Use with attributes:
	//   attribute.String("backend", ...), attribute.String("kind", ...)
	BackendErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveVoices tracks the number of voices currently deliberating.
	ActiveVoices metric.Int64UpDownCounter

	// ActiveSessions tracks the number of live collaboration sessions.
	ActiveSessions metric.Int64UpDownCounter

	// ActivePlans tracks the number of orchestration plans in flight.
	ActivePlans metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) covering
// the spread from cached tool calls to slow model completions.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.SynthesisDuration, err = m.Float64Histogram("polyvox.synthesis.duration",
		metric.WithDescription("End-to-end latency of multi-voice synthesis."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.DispatchDuration, err = m.Float64Histogram("polyvox.dispatch.duration",
		metric.WithDescription("Latency of a single voice backend completion."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ToolExecutionDuration, err = m.Float64Histogram("polyvox.tool_execution.duration",
		metric.WithDescription("Latency of MCP tool execution."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.PlanDuration, err = m.Float64Histogram("polyvox.plan.duration",
		metric.WithDescription("Latency of orchestration plan execution."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.BackendRequests, err = m.Int64Counter("polyvox.backend.requests",
		metric.WithDescription("Total model-backend completions by backend, voice, and status."),
	); err != nil {
		return nil, err
	}
	if met.ToolCalls, err = m.Int64Counter("polyvox.tool.calls",
		metric.WithDescription("Total tool invocations by tool name and status."),
	); err != nil {
		return nil, err
	}
	if met.VoiceResponses, err = m.Int64Counter("polyvox.voice.responses",
		metric.WithDescription("Total voice responses by voice ID."),
	); err != nil {
		return nil, err
	}
	if met.SynthesisConflicts, err = m.Int64Counter("polyvox.synthesis.conflicts",
		metric.WithDescription("Total conflicts surfaced during synthesis by kind."),
	); err != nil {
		return nil, err
	}
	if met.CacheLookups, err = m.Int64Counter("polyvox.cache.lookups",
		metric.WithDescription("Total cache probes by result."),
	); err != nil {
		return nil, err
	}
	if met.ApprovalDecisions, err = m.Int64Counter("polyvox.approval.decisions",
		metric.WithDescription("Total approval verdicts by status and auto flag."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.BackendErrors, err = m.Int64Counter("polyvox.backend.errors",
		metric.WithDescription("Total model-backend errors by backend and kind."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveVoices, err = m.Int64UpDownCounter("polyvox.active_voices",
		metric.WithDescription("Number of voices currently deliberating."),
	); err != nil {
		return nil, err
	}
	if met.ActiveSessions, err = m.Int64UpDownCounter("polyvox.active_sessions",
		metric.WithDescription("Number of live collaboration sessions."),
	); err != nil {
		return nil, err
	}
	if met.ActivePlans, err = m.Int64UpDownCounter("polyvox.active_plans",
		metric.WithDescription("Number of orchestration plans in flight."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("polyvox.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordBackendRequest is a convenience method that records a backend
// completion counter increment with the standard attribute set.
func (m *Metrics) RecordBackendRequest(ctx context.Context, backend, voice, status string) {
	m.BackendRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("backend", backend),
			attribute.String("voice", voice),
			attribute.String("status", status),
		),
	)
}

// RecordBackendError is a convenience method that records a backend error
// counter increment.
func (m *Metrics) RecordBackendError(ctx context.Context, backend, kind string) {
	m.BackendErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("backend", backend),
			attribute.String("kind", kind),
		),
	)
}

// RecordToolCall is a convenience method that records a tool call counter
// increment with the standard attribute set.
func (m *Metrics) RecordToolCall(ctx context.Context, tool, status string) {
	m.ToolCalls.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("tool", tool),
			attribute.String("status", status),
		),
	)
}

// RecordVoiceResponse is a convenience method that records a voice response
// counter increment.
func (m *Metrics) RecordVoiceResponse(ctx context.Context, voiceID string) {
	m.VoiceResponses.Add(ctx, 1,
		metric.WithAttributes(attribute.String("voice_id", voiceID)),
	)
}

// RecordCacheLookup is a convenience method that records one cache probe.
func (m *Metrics) RecordCacheLookup(ctx context.Context, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	m.CacheLookups.Add(ctx, 1,
		metric.WithAttributes(attribute.String("result", result)),
	)
}

// RecordApprovalDecision is a convenience method that records one approval
// verdict.
func (m *Metrics) RecordApprovalDecision(ctx context.Context, status string, auto bool) {
	m.ApprovalDecisions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("status", status),
			attribute.Bool("auto", auto),
		),
	)
}
