package service

import (
	"context"
	"math/rand"
	"time"

	"github.com/agentops/deployops/internal/config"
	"github.com/agentops/deployops/internal/domain/fault"
	"github.com/agentops/deployops/internal/domain/plan"
)

// Decision is the monitor's verdict on a finished step attempt.
type Decision string

const (
	DecisionAccept Decision = "accept"
	DecisionRetry  Decision = "retry"
	DecisionReplan Decision = "replan"
	DecisionFail   Decision = "fail"
)

// Health is the aggregate execution state the monitor reports for a plan.
type Health struct {
	Overall        string   `json:"overall"`
	RequiresAction bool     `json:"requires_action"`
	FailedSteps    []string `json:"failed_steps,omitempty"`
	ActiveStep     string   `json:"active_step,omitempty"`
	CompletedSteps int      `json:"completed_steps"`
	TotalSteps     int      `json:"total_steps"`
}

// MonitorService decides what happens after each step attempt: accept the
// result, retry in place, escalate to a replan, or fail the plan. It also
// aggregates per-step state into a plan health summary.
type MonitorService struct {
	kernel *Kernel
	cfg    config.Orchestrator
	jitter func() float64 // uniform [0,1); fixed in tests
}

// NewMonitorService creates a MonitorService.
func NewMonitorService(kernel *Kernel, cfg config.Orchestrator) *MonitorService {
	return &MonitorService{kernel: kernel, cfg: cfg, jitter: rand.Float64}
}

// Classify maps a step attempt's error to a recovery decision. Transient
// errors retry while the step has budget and memory does not veto; semantic
// and exhausted-retry failures escalate to replanning; unrecoverable errors
// fail immediately. Guardrail validation steps never retry: the same inputs
// would fail the same way.
func (s *MonitorService) Classify(ctx context.Context, step plan.TaskStep, err error) Decision {
	if err == nil {
		return DecisionAccept
	}
	kind := fault.KindOf(err)
	if kind == fault.KindUnrecoverable {
		return DecisionFail
	}
	if kind.Retryable() &&
		step.Action != plan.ActionValidatePlan &&
		step.RetryCount < s.cfg.MaxRetriesPerStep &&
		s.kernel.ShouldRetry(ctx, string(step.Agent), step.Action, err.Error()) {
		return DecisionRetry
	}
	if s.kernel.ShouldReplan(ctx, string(step.Agent), step.Action, err.Error()) {
		return DecisionReplan
	}
	return DecisionFail
}

// RetryDelay returns the backoff before retry attempt retryCount, an
// exponential delay capped at the configured maximum with jitter in
// [0.5, 1.0) to spread concurrent retries.
func (s *MonitorService) RetryDelay(retryCount int) time.Duration {
	delay := s.cfg.BackoffBase << uint(retryCount)
	if delay <= 0 || delay > s.cfg.BackoffMax {
		delay = s.cfg.BackoffMax
	}
	return time.Duration(float64(delay) * (0.5 + 0.5*s.jitter()))
}

// MarkForRetry records a failed attempt on the step and arms the next one.
func (s *MonitorService) MarkForRetry(step *plan.TaskStep, err error) {
	step.RetryCount++
	step.Status = plan.StepRetrying
	step.Error = err.Error()
	step.UpdatedAt = time.Now().UTC()
}

// Review aggregates step states into a plan health summary. Any failed step
// marks the plan failed; a step in flight marks it in progress; all steps
// done marks it completed.
func (s *MonitorService) Review(ep *plan.ExecutionPlan) Health {
	h := Health{Overall: "unknown"}
	if ep == nil {
		h.RequiresAction = true
		return h
	}
	h.TotalSteps = len(ep.Steps)
	h.CompletedSteps = plan.CompletedCount(ep.Steps)

	for i := range ep.Steps {
		st := &ep.Steps[i]
		switch st.Status {
		case plan.StepFailed, plan.StepFailedPermanently:
			h.FailedSteps = append(h.FailedSteps, st.Action)
		case plan.StepThinking, plan.StepExecuting, plan.StepRetrying:
			if h.ActiveStep == "" {
				h.ActiveStep = st.Action
			}
		}
	}

	switch {
	case len(h.FailedSteps) > 0:
		h.Overall = "failed"
		h.RequiresAction = true
	case h.ActiveStep != "":
		h.Overall = "in_progress"
	case plan.AllCompleted(ep.Steps) && h.TotalSteps > 0:
		h.Overall = "completed"
	default:
		h.RequiresAction = true
	}
	return h
}
