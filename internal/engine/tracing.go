package engine

import (
	"context"
	"strconv"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/devstack/phaserun/internal/engine"

func tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

func startRunSpan(ctx context.Context, runID string, agents int) (context.Context, trace.Span) {
	ctx, span := tracer().Start(ctx, "run")
	span.SetAttributes(
		attribute.String("run.id", runID),
		attribute.Int("run.agents", agents),
	)
	return ctx, span
}

func endRunSpan(span trace.Span, s Summary, err error) {
	span.SetAttributes(
		attribute.Int("run.successful", s.Successful),
		attribute.Int("run.failed", s.Failed),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func startPhaseSpan(ctx context.Context, number int, agents []string) (context.Context, trace.Span) {
	ctx, span := tracer().Start(ctx, "phase."+strconv.Itoa(number))
	span.SetAttributes(
		attribute.Int("phase.number", number),
		attribute.StringSlice("phase.agents", agents),
	)
	return ctx, span
}

func startAgentSpan(ctx context.Context, agent string, resources []string) (context.Context, trace.Span) {
	ctx, span := tracer().Start(ctx, "agent."+agent)
	span.SetAttributes(attribute.String("agent.name", agent))
	if len(resources) > 0 {
		span.SetAttributes(attribute.StringSlice("agent.resources", resources))
	}
	return ctx, span
}

func endAgentSpan(span trace.Span, r AgentResult) {
	span.SetAttributes(
		attribute.Bool("agent.success", r.Success),
		attribute.Float64("agent.execution_time_ms", r.ExecutionTimeMs),
	)
	if !r.Success {
		span.SetStatus(codes.Error, r.Error)
	}
	span.End()
}
