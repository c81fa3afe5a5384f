package conclave

import "context"

// Tracer creates spans for orchestrator runs, gateway calls, and store
// operations. The observer package provides an OTEL-backed implementation;
// when no Tracer is configured, span creation is skipped (nil check).
type Tracer interface {
	// Start creates a span. Callers must call Span.End() when the
	// operation completes.
	Start(ctx context.Context, name string, attrs ...SpanAttr) (context.Context, Span)
}

// Span is one traced operation.
type Span interface {
	// SetAttr adds attributes after creation.
	SetAttr(attrs ...SpanAttr)
	// Event records a named annotation on the span timeline. The
	// orchestrator records state machine transitions this way.
	Event(name string, attrs ...SpanAttr)
	// Error records an error and marks the span failed.
	Error(err error)
	// End completes the span. Must be called exactly once.
	End()
}

// SpanAttr is a key-value attribute attached to a span or event.
type SpanAttr struct {
	Key   string
	Value any
}

// StringAttr creates a string-typed span attribute.
func StringAttr(k, v string) SpanAttr { return SpanAttr{Key: k, Value: v} }

// IntAttr creates an int-typed span attribute.
func IntAttr(k string, v int) SpanAttr { return SpanAttr{Key: k, Value: v} }

// BoolAttr creates a bool-typed span attribute.
func BoolAttr(k string, v bool) SpanAttr { return SpanAttr{Key: k, Value: v} }

// Float64Attr creates a float64-typed span attribute.
func Float64Attr(k string, v float64) SpanAttr { return SpanAttr{Key: k, Value: v} }

// RunMetrics receives engine-level measurements. The observer package
// provides an OTEL-backed implementation; a nil RunMetrics disables
// recording. Control-surface counters do not depend on it.
type RunMetrics interface {
	// RecordRequest records one completed request.
	RecordRequest(strategy string, durationMS int64, failed bool)
	// RecordAgent records one agent invocation within a request.
	RecordAgent(agent string, durationMS int64, failed bool)
	// RecordTokens records provider token usage.
	RecordTokens(inputTokens, outputTokens int)
}
