// Package telemetry integrates runtime components with Clue logging and
// OpenTelemetry metrics and tracing.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Logger captures structured logging used throughout the runtime.
// Implementations typically delegate to Clue but the interface is
// intentionally small so tests can provide lightweight stubs.
type Logger interface {
	Debug(ctx context.Context, msg string, keyvals ...any)
	Info(ctx context.Context, msg string, keyvals ...any)
	Warn(ctx context.Context, msg string, keyvals ...any)
	Error(ctx context.Context, msg string, keyvals ...any)
}

// Metrics exposes counter and histogram helpers for runtime instrumentation.
type Metrics interface {
	IncCounter(name string, value float64, tags ...string)
	RecordTimer(name string, duration time.Duration, tags ...string)
	RecordGauge(name string, value float64, tags ...string)
}

// Tracer abstracts span creation so runtime code can remain agnostic of the
// underlying OpenTelemetry provider.
type Tracer interface {
	Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, Span)
	Span(ctx context.Context) Span
}

// Span represents an in-flight tracing span.
type Span interface {
	End(opts ...trace.SpanEndOption)
	AddEvent(name string, attrs ...any)
	SetStatus(code codes.Code, description string)
	RecordError(err error, opts ...trace.EventOption)
}

// Metric names recorded by the runtime. Workers and the ingress share these
// so dashboards see one namespace.
const (
	MetricWebhooksReceived    = "webhooks_received_total"
	MetricWebhooksRejected    = "webhooks_rejected_total"
	MetricInboxProcessed      = "inbox_rows_processed_total"
	MetricInboxDeduped        = "inbox_rows_deduped_total"
	MetricTriggersFired       = "triggers_fired_total"
	MetricRunsSpawned         = "automation_runs_spawned_total"
	MetricRunsEnriched        = "automation_runs_enriched_total"
	MetricRunsTimedOut        = "automation_runs_timed_out_total"
	MetricGateDenials         = "billing_gate_denials_total"
	MetricSessionsTerminated  = "sessions_terminated_total"
	MetricWakesDelivered      = "session_wakes_delivered_total"
	MetricActionsDecided      = "action_invocations_decided_total"
	MetricInboxRowsDeleted    = "inbox_rows_deleted_total"
	MetricInboxClaimsReleased = "inbox_claims_released_total"
	MetricQueueDeadLettered   = "queue_jobs_dead_lettered_total"
)
