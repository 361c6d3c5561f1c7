package otel

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "maestro"

// StartProtocolSpan starts a span covering one protocol command.
func StartProtocolSpan(ctx context.Context, command, protocolID string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "protocol."+command,
		trace.WithAttributes(
			attribute.String("protocol.id", protocolID),
		),
	)
}

// StartStepSpan starts a span for one step execution attempt.
func StartStepSpan(ctx context.Context, protocolID string, stepIndex, attempt int) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "step.execute",
		trace.WithAttributes(
			attribute.String("protocol.id", protocolID),
			attribute.Int("step.index", stepIndex),
			attribute.Int("step.attempt", attempt),
		),
	)
}

// StartAgentCallSpan starts a client span for one agent adapter invocation,
// using GenAI semantic convention attribute names for model and usage.
func StartAgentCallSpan(ctx context.Context, engine, model string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "agent.execute",
		trace.WithAttributes(
			attribute.String("gen_ai.system", engine),
			attribute.String("gen_ai.request.model", model),
		),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}

// EndAgentCallSpan enriches the agent span with usage data before ending it.
func EndAgentCallSpan(span trace.Span, tokensUsed int64, costUSD float64) {
	span.SetAttributes(
		attribute.Int64("gen_ai.usage.total_tokens", tokensUsed),
		attribute.Float64("maestro.cost_usd", costUSD),
	)
	span.End()
}
