package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/agentops/deployops/internal/adapter/otel"
	"github.com/agentops/deployops/internal/domain"
	"github.com/agentops/deployops/internal/domain/audit"
	"github.com/agentops/deployops/internal/domain/evidence"
	"github.com/agentops/deployops/internal/domain/memory"
	"github.com/agentops/deployops/internal/domain/plan"
)

// execute drives a deploying plan step by step until it is deployed, failed,
// or an external transition (pause, delete, shutdown) tells the driver to
// stand down. Drivers only observe external transitions at step boundaries,
// so an in-flight step always finishes or fails before the plan moves.
func (s *OrchestratorService) execute(ctx context.Context, planID string) {
	p, err := s.store.Get(ctx, planID)
	if err != nil {
		slog.Error("execute: get plan", "plan_id", planID, "error", err)
		return
	}
	if p.Status != plan.StatusDeploying {
		slog.Warn("plan not deploying, driver exiting", "plan_id", planID, "status", p.Status)
		return
	}
	if p.Execution == nil || len(p.Execution.Steps) == 0 {
		p.Error = "plan has no execution steps"
		if terr := s.transition(ctx, p, plan.StatusFailed); terr != nil {
			slog.Error("fail empty plan", "plan_id", p.ID, "error", terr)
			return
		}
		s.appendAudit(ctx, p.ID, audit.EventFailed, actorOrchestrator,
			plan.StatusDeploying, plan.StatusFailed, map[string]any{"error": p.Error})
		return
	}

	ctx, span := otel.StartPlanSpan(ctx, p.ID, string(p.Env))
	defer span.End()
	slog.Info("plan execution started", "plan_id", p.ID,
		"steps", len(p.Execution.Steps), "replan_count", p.ReplanCount)

	// Failed steps that a replan routed around, remembered as resolved once
	// the plan deploys.
	var recovered []plan.TaskStep

	for {
		if s.closed.Load() {
			s.pauseForShutdown(ctx, p)
			return
		}
		cur, err := s.store.Get(ctx, p.ID)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				slog.Info("plan removed, driver exiting", "plan_id", p.ID)
				return
			}
			slog.Error("execute: reload plan", "plan_id", p.ID, "error", err)
			return
		}
		if cur.Status != plan.StatusDeploying {
			slog.Info("plan left deploying, driver exiting", "plan_id", p.ID, "status", cur.Status)
			return
		}
		p = cur

		idx := plan.FirstIncomplete(p.Execution.Steps)
		if idx < 0 {
			s.finalize(ctx, p, recovered)
			return
		}
		step := &p.Execution.Steps[idx]

		stepErr := s.runStep(ctx, p, step)
		if stepErr == nil {
			continue
		}

		switch s.monitor.Classify(ctx, *step, stepErr) {
		case DecisionRetry:
			delay := s.monitor.RetryDelay(step.RetryCount)
			s.monitor.MarkForRetry(step, stepErr)
			if err := s.persist(ctx, p); err != nil {
				if errors.Is(err, domain.ErrStateConflict) {
					slog.Info("plan moved during retry, driver exiting", "plan_id", p.ID)
				} else {
					slog.Error("persist retry", "plan_id", p.ID, "error", err)
				}
				return
			}
			s.appendAudit(ctx, p.ID, audit.EventStepRetried, string(step.Agent), p.Status, p.Status,
				map[string]any{
					"step_id":     step.ID,
					"action":      step.Action,
					"retry_count": step.RetryCount,
					"delay_ms":    delay.Milliseconds(),
					"error":       stepErr.Error(),
				})
			s.notifyStep(ctx, p.ID, step)
			if s.metrics != nil {
				s.metrics.StepsRetried.Add(ctx, 1)
			}
			slog.Info("step retrying", "plan_id", p.ID, "action", step.Action,
				"retry_count", step.RetryCount, "delay", delay)
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}

		case DecisionReplan:
			failed := *step
			if err := s.replan(ctx, p, failed, stepErr); err != nil {
				if errors.Is(err, domain.ErrStateConflict) {
					slog.Info("plan moved during replan, driver exiting", "plan_id", p.ID)
					return
				}
				s.failExecution(ctx, p, step, err)
				return
			}
			recovered = append(recovered, failed)

		default:
			s.failExecution(ctx, p, step, stepErr)
			return
		}
	}
}

// runStep performs one attempt of one step: announce it, gather iterative
// context if the step asked for it, execute, and record the outcome. The
// returned error is the raw executor fault for the monitor to classify.
func (s *OrchestratorService) runStep(ctx context.Context, p *plan.Plan, step *plan.TaskStep) error {
	ctx, span := otel.StartStepSpan(ctx, step.ID, string(step.Agent), step.Action)
	defer span.End()

	s.startStep(ctx, p, step)

	// Work the preparation pipeline already did completes on the spot.
	switch step.Action {
	case plan.ActionRetrievePolicies:
		s.completeStep(ctx, p, step, map[string]any{
			"message":        "policy retrieval already completed",
			"evidence_count": len(p.Evidence),
		})
		return nil
	case plan.ActionGenerateConfig:
		out := map[string]any{"message": "deployment configuration generated"}
		if p.Artifact != nil {
			out["endpoint_name"] = p.Artifact.EndpointName
			out["instance_type"] = p.Artifact.InstanceType
		}
		s.completeStep(ctx, p, step, out)
		return nil
	}

	if step.RequiresContext() {
		query := fmt.Sprintf("%s %s %s", step.Action, p.Intent, p.Env)
		docs, err := s.retrieve(ctx, query, s.retrieval.TopKIterative)
		if err != nil {
			slog.Warn("iterative retrieval failed", "plan_id", p.ID, "action", step.Action, "error", err)
		} else if len(docs) > 0 {
			p.Evidence = evidence.Merge(p.Evidence, docs)
		}
	}

	step.Status = plan.StepExecuting
	step.UpdatedAt = time.Now().UTC()
	s.notifyStep(ctx, p.ID, step)

	start := time.Now()
	out, err := s.executor.Execute(ctx, p, step)
	if s.metrics != nil {
		s.metrics.RecordStepDuration(ctx, step.Action, time.Since(start))
	}
	if err != nil {
		step.Status = plan.StepFailed
		step.Error = err.Error()
		if out != nil {
			step.Output = out
		}
		step.UpdatedAt = time.Now().UTC()
		if perr := s.persist(ctx, p); perr != nil {
			slog.Error("persist step failure", "plan_id", p.ID, "action", step.Action, "error", perr)
		}
		s.notifyStep(ctx, p.ID, step)
		return err
	}
	s.completeStep(ctx, p, step, out)
	return nil
}

// startStep marks the step thinking and announces the attempt.
func (s *OrchestratorService) startStep(ctx context.Context, p *plan.Plan, step *plan.TaskStep) {
	step.Status = plan.StepThinking
	step.UpdatedAt = time.Now().UTC()
	if err := s.persist(ctx, p); err != nil {
		slog.Error("persist step start", "plan_id", p.ID, "action", step.Action, "error", err)
	}
	s.appendAudit(ctx, p.ID, audit.EventStepStarted, string(step.Agent), p.Status, p.Status,
		map[string]any{"step_id": step.ID, "action": step.Action, "attempt": step.RetryCount + 1})
	s.notifyStep(ctx, p.ID, step)
}

// completeStep marks the step done and, when it recovered through retries,
// remembers the resolution so future failures of the same shape retry too.
func (s *OrchestratorService) completeStep(ctx context.Context, p *plan.Plan, step *plan.TaskStep, out map[string]any) {
	lastErr := step.Error
	now := time.Now().UTC()
	step.Status = plan.StepCompleted
	step.Output = out
	step.Error = ""
	step.UpdatedAt = now
	p.Execution.UpdatedAt = now
	if err := s.persist(ctx, p); err != nil {
		if errors.Is(err, domain.ErrStateConflict) {
			slog.Info("plan moved, step completion not persisted",
				"plan_id", p.ID, "action", step.Action)
		} else {
			slog.Error("persist step completion", "plan_id", p.ID, "action", step.Action, "error", err)
		}
	}
	s.appendAudit(ctx, p.ID, audit.EventStepCompleted, string(step.Agent), p.Status, p.Status,
		map[string]any{"step_id": step.ID, "action": step.Action, "retry_count": step.RetryCount})
	s.notifyStep(ctx, p.ID, step)

	if step.RetryCount > 0 {
		s.kernel.RememberEpisodic(ctx, string(step.Agent),
			fmt.Sprintf("Step %s recovered after %d retries", step.Action, step.RetryCount),
			map[string]string{"plan_id": p.ID, "action": step.Action},
			memory.Outcome{Status: memory.OutcomeFailed, Error: lastErr, ResolvedBy: memory.ResolvedByRetry})
	}
}

// replan regenerates the artifact and the remaining steps after a failure
// the monitor judged unrecoverable by retry. Completed steps are kept
// verbatim; the failed step and everything after it are replaced.
func (s *OrchestratorService) replan(ctx context.Context, p *plan.Plan, failed plan.TaskStep, stepErr error) error {
	if p.ReplanCount >= s.cfg.MaxReplans {
		return fmt.Errorf("replan budget exhausted after %d replans (last failure at %s: %v): %w",
			p.ReplanCount, failed.Action, stepErr, domain.ErrReplanBudget)
	}
	attempt := p.ReplanCount + 1
	ctx, span := otel.StartReplanSpan(ctx, p.ID, attempt)
	defer span.End()
	slog.Info("replanning", "plan_id", p.ID, "failed_action", failed.Action,
		"attempt", attempt, "error", stepErr)

	// Extra evidence about the failure before regenerating.
	query := fmt.Sprintf("alternative approach for %s %s", failed.Action, p.Intent)
	docs, err := s.retrieve(ctx, query, s.retrieval.TopKIterative)
	if err != nil {
		slog.Warn("replan retrieval failed", "plan_id", p.ID, "error", err)
	} else if len(docs) > 0 {
		p.Evidence = evidence.Merge(p.Evidence, docs)
	}

	a, ep, err := s.planner.Replan(ctx, p, failed)
	if err != nil {
		return fmt.Errorf("replan generation: %w", err)
	}

	// The replacement artifact passes the same guardrails as the original.
	res := s.policy.Validate(a, p.Env, p.Constraints)
	if !res.OK {
		return fmt.Errorf("replanned artifact rejected: %s: %w",
			strings.Join(res.Errors, "; "), domain.ErrValidation)
	}

	p.Artifact = &a
	p.EstimatedCost = s.policy.EstimateCost(a)
	p.Execution.Steps = plan.MergeReplan(p.Execution.Steps, ep.Steps)
	p.Execution.Reasoning = ep.Reasoning
	p.Execution.UpdatedAt = time.Now().UTC()
	p.ReplanCount = attempt
	if err := s.persist(ctx, p); err != nil {
		return err
	}

	s.appendAudit(ctx, p.ID, audit.EventReplan, actorOrchestrator, p.Status, p.Status,
		map[string]any{
			"failed_step":   failed.ID,
			"failed_action": failed.Action,
			"replan_count":  attempt,
			"error":         stepErr.Error(),
		})
	if s.metrics != nil {
		s.metrics.Replans.Add(ctx, 1)
	}
	s.kernel.RememberEpisodic(ctx, string(failed.Agent),
		fmt.Sprintf("Step %s failed: %s", failed.Action, stepErr),
		map[string]string{"plan_id": p.ID, "action": failed.Action},
		memory.Outcome{Status: memory.OutcomeFailed, Error: stepErr.Error()})
	s.kernel.RememberEpisodic(ctx, actorOrchestrator,
		fmt.Sprintf("Replanned after %s failure", failed.Action),
		map[string]string{"plan_id": p.ID, "action": failed.Action},
		memory.Outcome{Status: memory.OutcomeSuccess})
	slog.Info("plan regenerated", "plan_id", p.ID, "replan_count", attempt,
		"steps", len(p.Execution.Steps))
	return nil
}

// failExecution marks the step permanently failed and moves the plan to
// failed. The plan keeps its artifact and step history for inspection and
// restart.
func (s *OrchestratorService) failExecution(ctx context.Context, p *plan.Plan, step *plan.TaskStep, err error) {
	step.Status = plan.StepFailedPermanently
	step.Error = err.Error()
	step.UpdatedAt = time.Now().UTC()
	p.Error = err.Error()

	s.appendAudit(ctx, p.ID, audit.EventStepFailed, string(step.Agent), p.Status, p.Status,
		map[string]any{"step_id": step.ID, "action": step.Action, "retry_count": step.RetryCount, "error": err.Error()})
	s.notifyStep(ctx, p.ID, step)

	if terr := s.transition(ctx, p, plan.StatusFailed); terr != nil {
		slog.Error("fail plan", "plan_id", p.ID, "error", terr)
		return
	}
	s.appendAudit(ctx, p.ID, audit.EventFailed, actorOrchestrator, plan.StatusDeploying, plan.StatusFailed,
		map[string]any{"failed_action": step.Action, "error": err.Error()})
	if s.metrics != nil {
		s.metrics.PlansFailed.Add(ctx, 1)
	}
	s.kernel.RememberEpisodic(ctx, string(step.Agent),
		fmt.Sprintf("Step %s failed permanently: %s", step.Action, err),
		map[string]string{"plan_id": p.ID, "action": step.Action},
		memory.Outcome{Status: memory.OutcomeFailed, Error: err.Error()})
	s.kernel.RememberEpisodic(ctx, string(plan.AgentPlanner),
		fmt.Sprintf("Deployment failed: %s", p.Intent),
		map[string]string{"plan_id": p.ID, "env": string(p.Env)},
		memory.Outcome{Status: memory.OutcomeFailed, Error: err.Error()})
	slog.Error("plan failed", "plan_id", p.ID, "failed_action", step.Action, "error", err)
}

// finalize moves a fully completed plan to deployed and records what the
// run taught the agents.
func (s *OrchestratorService) finalize(ctx context.Context, p *plan.Plan, recovered []plan.TaskStep) {
	if err := s.transition(ctx, p, plan.StatusDeployed); err != nil {
		slog.Error("finalize plan", "plan_id", p.ID, "error", err)
		return
	}
	meta := map[string]any{"replan_count": p.ReplanCount, "estimated_cost": p.EstimatedCost}
	if p.Artifact != nil {
		meta["endpoint_name"] = p.Artifact.EndpointName
	}
	s.appendAudit(ctx, p.ID, audit.EventDeployed, actorOrchestrator,
		plan.StatusDeploying, plan.StatusDeployed, meta)
	if s.metrics != nil {
		s.metrics.PlansDeployed.Add(ctx, 1)
	}

	for _, st := range recovered {
		s.kernel.RememberEpisodic(ctx, string(st.Agent),
			fmt.Sprintf("Step %s recovered after replan", st.Action),
			map[string]string{"plan_id": p.ID, "action": st.Action},
			memory.Outcome{Status: memory.OutcomeFailed, Error: st.Error, ResolvedBy: memory.ResolvedByReplan})
	}
	s.kernel.RememberEpisodic(ctx, string(plan.AgentPlanner),
		fmt.Sprintf("Deployment succeeded: %s", p.Intent),
		map[string]string{"plan_id": p.ID, "env": string(p.Env)},
		memory.Outcome{Status: memory.OutcomeSuccess})
	slog.Info("plan deployed", "plan_id", p.ID, "replan_count", p.ReplanCount,
		"estimated_cost", p.EstimatedCost)
}

// pauseForShutdown parks a deploying plan at a step boundary so a restarted
// process can resume it.
func (s *OrchestratorService) pauseForShutdown(ctx context.Context, p *plan.Plan) {
	if err := s.transition(ctx, p, plan.StatusPaused); err != nil {
		slog.Error("pause for shutdown", "plan_id", p.ID, "error", err)
		return
	}
	s.appendAudit(ctx, p.ID, audit.EventPaused, actorSystem,
		plan.StatusDeploying, plan.StatusPaused, map[string]any{"reason": "shutdown"})
	slog.Info("plan paused for shutdown", "plan_id", p.ID)
}
