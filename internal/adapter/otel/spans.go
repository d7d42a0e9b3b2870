package otel

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "deployops"

// StartPlanSpan starts a span for a plan execution run.
func StartPlanSpan(ctx context.Context, planID, env string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "plan",
		trace.WithAttributes(
			attribute.String("plan.id", planID),
			attribute.String("plan.env", env),
		),
	)
}

// StartStepSpan starts a span for a single step within a plan run.
func StartStepSpan(ctx context.Context, stepID, agent, action string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "step",
		trace.WithAttributes(
			attribute.String("step.id", stepID),
			attribute.String("step.agent", agent),
			attribute.String("step.action", action),
		),
	)
}

// StartReplanSpan starts a span for a plan regeneration.
func StartReplanSpan(ctx context.Context, planID string, attempt int) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "replan",
		trace.WithAttributes(
			attribute.String("plan.id", planID),
			attribute.Int("replan.attempt", attempt),
		),
	)
}
