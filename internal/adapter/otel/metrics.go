package otel

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "deployops"

// Metrics holds all DeployOps metric instruments.
type Metrics struct {
	PlansSubmitted metric.Int64Counter
	PlansDeployed  metric.Int64Counter
	PlansFailed    metric.Int64Counter
	StepsRetried   metric.Int64Counter
	Replans        metric.Int64Counter
	StepDuration   metric.Float64Histogram
	PlanCost       metric.Float64Histogram
}

// NewMetrics creates all metric instruments.
func NewMetrics() (*Metrics, error) {
	meter := otel.Meter(meterName)
	m := &Metrics{}
	var err error

	m.PlansSubmitted, err = meter.Int64Counter("deployops.plans.submitted",
		metric.WithDescription("Number of deployment plans submitted"))
	if err != nil {
		return nil, err
	}

	m.PlansDeployed, err = meter.Int64Counter("deployops.plans.deployed",
		metric.WithDescription("Number of plans that reached deployed"))
	if err != nil {
		return nil, err
	}

	m.PlansFailed, err = meter.Int64Counter("deployops.plans.failed",
		metric.WithDescription("Number of plans that failed permanently"))
	if err != nil {
		return nil, err
	}

	m.StepsRetried, err = meter.Int64Counter("deployops.steps.retried",
		metric.WithDescription("Number of step retry attempts"))
	if err != nil {
		return nil, err
	}

	m.Replans, err = meter.Int64Counter("deployops.replans",
		metric.WithDescription("Number of plan regenerations after step failure"))
	if err != nil {
		return nil, err
	}

	m.StepDuration, err = meter.Float64Histogram("deployops.step.duration_seconds",
		metric.WithDescription("Step execution duration in seconds"))
	if err != nil {
		return nil, err
	}

	m.PlanCost, err = meter.Float64Histogram("deployops.plan.cost_usd_per_hour",
		metric.WithDescription("Estimated hourly cost of validated plans in USD"))
	if err != nil {
		return nil, err
	}

	return m, nil
}

// RecordStepDuration records one step attempt's wall time, tagged by action.
func (m *Metrics) RecordStepDuration(ctx context.Context, action string, d time.Duration) {
	m.StepDuration.Record(ctx, d.Seconds(),
		metric.WithAttributes(attribute.String("action", action)))
}
