package observer

import (
	"context"

	"github.com/nevindra/conclave"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics implements conclave.RunMetrics on top of OTEL instruments.
// Measurements are recorded against the background context; the engine calls
// these from request paths whose contexts may already be cancelled.
type Metrics struct {
	inst *Instruments
}

// NewMetrics returns a conclave.RunMetrics backed by inst.
func NewMetrics(inst *Instruments) *Metrics {
	return &Metrics{inst: inst}
}

func (m *Metrics) RecordRequest(strategy string, durationMS int64, failed bool) {
	ctx := context.Background()
	if strategy == "" {
		// Failures before routing have no strategy.
		strategy = "unresolved"
	}
	m.inst.Requests.Add(ctx, 1, metric.WithAttributes(
		AttrStrategy.String(strategy),
		attribute.String("status", statusLabel(failed)),
	))
	m.inst.RequestDuration.Record(ctx, float64(durationMS), metric.WithAttributes(
		AttrStrategy.String(strategy),
	))
}

func (m *Metrics) RecordAgent(agent string, durationMS int64, failed bool) {
	ctx := context.Background()
	m.inst.AgentRuns.Add(ctx, 1, metric.WithAttributes(
		AttrAgentName.String(agent),
		attribute.String("status", statusLabel(failed)),
	))
	m.inst.AgentDuration.Record(ctx, float64(durationMS), metric.WithAttributes(
		AttrAgentName.String(agent),
	))
}

func (m *Metrics) RecordTokens(inputTokens, outputTokens int) {
	ctx := context.Background()
	m.inst.TokenUsage.Add(ctx, int64(inputTokens), metric.WithAttributes(
		attribute.String("direction", "input"),
	))
	m.inst.TokenUsage.Add(ctx, int64(outputTokens), metric.WithAttributes(
		attribute.String("direction", "output"),
	))
}

func statusLabel(failed bool) string {
	if failed {
		return "failed"
	}
	return "ok"
}

// compile-time check
var _ conclave.RunMetrics = (*Metrics)(nil)
