package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/agentops/deployops/internal/adapter/ws"
	"github.com/agentops/deployops/internal/domain"
	"github.com/agentops/deployops/internal/domain/audit"
	"github.com/agentops/deployops/internal/domain/plan"
	"github.com/agentops/deployops/internal/port/messagequeue"
	"github.com/agentops/deployops/internal/port/planstore"
)

// DeleteResult reports what a delete removed.
type DeleteResult struct {
	PlanID          string   `json:"plan_id"`
	Hard            bool     `json:"hard"`
	MemoriesRemoved int      `json:"memories_removed,omitempty"`
	Details         []string `json:"details,omitempty"`
}

// Approve resolves a plan parked at the approval gate. An approval moves the
// plan straight into execution; a rejection is terminal but keeps the plan
// record for the audit trail.
func (s *OrchestratorService) Approve(ctx context.Context, planID string, decision plan.Decision, approver, reason string) (*plan.Plan, error) {
	if s.closed.Load() {
		return nil, fmt.Errorf("orchestrator is shutting down: %w", domain.ErrStateConflict)
	}
	if !decision.Valid() {
		return nil, fmt.Errorf("unknown decision %q: %w", decision, domain.ErrValidation)
	}
	if approver == "" {
		return nil, fmt.Errorf("approver is required: %w", domain.ErrValidation)
	}

	mu := s.lock(planID)
	mu.Lock()

	p, err := s.store.Get(ctx, planID)
	if err != nil {
		mu.Unlock()
		return nil, err
	}
	if p.Status != plan.StatusAwaitingApproval {
		mu.Unlock()
		return nil, fmt.Errorf("plan %s is %s, expected awaiting_approval: %w", planID, p.Status, domain.ErrStateConflict)
	}

	now := time.Now().UTC()
	p.Approval = &plan.Approval{
		Approver:  approver,
		Decision:  decision,
		Reason:    reason,
		Timestamp: now,
	}

	if decision == plan.DecisionRejected {
		p.Status = plan.StatusRejected
		p.Version++
		p.UpdatedAt = now
		if err := s.store.Put(ctx, p); err != nil {
			mu.Unlock()
			return nil, fmt.Errorf("store plan: %w", err)
		}
		mu.Unlock()

		s.appendAudit(ctx, p.ID, audit.EventRejected, approver,
			plan.StatusAwaitingApproval, plan.StatusRejected, map[string]any{"reason": reason})
		s.notifyStatus(ctx, p.ID, plan.StatusAwaitingApproval, plan.StatusRejected, "")
		s.notifyDecision(ctx, p, decision, approver, reason)
		slog.Info("plan rejected", "plan_id", p.ID, "approver", approver, "reason", reason)
		return p, nil
	}

	// Approved plans pass through the approved state and land in deploying
	// before the lock releases, so a concurrent approval cannot race in.
	p.Status = plan.StatusApproved
	p.Version++
	p.UpdatedAt = now
	if err := s.store.Put(ctx, p); err != nil {
		mu.Unlock()
		return nil, fmt.Errorf("store plan: %w", err)
	}
	p.Status = plan.StatusDeploying
	p.Version++
	p.UpdatedAt = time.Now().UTC()
	if err := s.store.Put(ctx, p); err != nil {
		mu.Unlock()
		return nil, fmt.Errorf("store plan: %w", err)
	}
	mu.Unlock()

	s.appendAudit(ctx, p.ID, audit.EventApproved, approver,
		plan.StatusAwaitingApproval, plan.StatusApproved, map[string]any{"reason": reason})
	s.notifyStatus(ctx, p.ID, plan.StatusAwaitingApproval, plan.StatusApproved, "")
	s.notifyStatus(ctx, p.ID, plan.StatusApproved, plan.StatusDeploying, "")
	s.notifyDecision(ctx, p, decision, approver, reason)
	slog.Info("plan approved", "plan_id", p.ID, "approver", approver)

	s.spawn(p.ID, s.execute)
	return p, nil
}

// Pause stops a plan at its next step boundary. The in-flight step, if any,
// finishes first; the driver stands down when it observes the new status.
func (s *OrchestratorService) Pause(ctx context.Context, planID, actor string) (*plan.Plan, error) {
	mu := s.lock(planID)
	mu.Lock()

	p, err := s.store.Get(ctx, planID)
	if err != nil {
		mu.Unlock()
		return nil, err
	}
	if !p.Status.Pausable() {
		mu.Unlock()
		return nil, fmt.Errorf("plan %s is %s and cannot be paused: %w", planID, p.Status, domain.ErrStateConflict)
	}

	from := p.Status
	p.Status = plan.StatusPaused
	p.Version++
	p.UpdatedAt = time.Now().UTC()
	if err := s.store.Put(ctx, p); err != nil {
		mu.Unlock()
		return nil, fmt.Errorf("store plan: %w", err)
	}
	mu.Unlock()

	s.appendAudit(ctx, p.ID, audit.EventPaused, actor, from, plan.StatusPaused, nil)
	s.notifyStatus(ctx, p.ID, from, plan.StatusPaused, "")
	slog.Info("plan paused", "plan_id", p.ID, "from", from, "actor", actor)
	return p, nil
}

// Restart resumes a paused, failed or deployed plan. Completed steps keep
// their outputs; everything else resets to pending with a fresh retry
// budget. Restarting a fully deployed plan re-verifies the endpoint.
func (s *OrchestratorService) Restart(ctx context.Context, planID, actor string) (*plan.Plan, error) {
	if s.closed.Load() {
		return nil, fmt.Errorf("orchestrator is shutting down: %w", domain.ErrStateConflict)
	}

	mu := s.lock(planID)
	mu.Lock()

	p, err := s.store.Get(ctx, planID)
	if err != nil {
		mu.Unlock()
		return nil, err
	}
	if !p.Status.Restartable() {
		mu.Unlock()
		return nil, fmt.Errorf("plan %s is %s and cannot be restarted: %w", planID, p.Status, domain.ErrStateConflict)
	}

	if p.Execution != nil {
		if plan.AllCompleted(p.Execution.Steps) {
			resetSteps(p.Execution.Steps, func(st *plan.TaskStep) bool {
				return st.Action == plan.ActionVerifyDeployment
			})
		} else {
			resetSteps(p.Execution.Steps, func(st *plan.TaskStep) bool {
				return st.Status != plan.StepCompleted && st.Status != plan.StepSkipped
			})
		}
		p.Execution.UpdatedAt = time.Now().UTC()
	}

	from := p.Status
	p.Status = plan.StatusDeploying
	p.Error = ""
	p.Version++
	p.UpdatedAt = time.Now().UTC()
	if err := s.store.Put(ctx, p); err != nil {
		mu.Unlock()
		return nil, fmt.Errorf("store plan: %w", err)
	}
	mu.Unlock()

	s.appendAudit(ctx, p.ID, audit.EventRestarted, actor, from, plan.StatusDeploying, nil)
	s.notifyStatus(ctx, p.ID, from, plan.StatusDeploying, "")
	slog.Info("plan restarted", "plan_id", p.ID, "from", from, "actor", actor)

	s.spawn(p.ID, s.execute)
	return p, nil
}

// resetSteps returns the matching steps to pending with a clean slate.
func resetSteps(steps []plan.TaskStep, match func(*plan.TaskStep) bool) {
	now := time.Now().UTC()
	for i := range steps {
		st := &steps[i]
		if !match(st) {
			continue
		}
		st.Status = plan.StepPending
		st.RetryCount = 0
		st.Error = ""
		st.Output = nil
		st.NeedsReplan = false
		st.UpdatedAt = now
	}
}

// Delete removes a plan. A soft delete marks any non-terminal plan deleted
// and keeps the row; a hard delete tears down the plan's provisioned
// resources, forgets its memories and removes the row in any state. The
// audit trail is retained either way.
func (s *OrchestratorService) Delete(ctx context.Context, planID string, hard bool, actor string) (*DeleteResult, error) {
	mu := s.lock(planID)
	mu.Lock()

	p, err := s.store.Get(ctx, planID)
	if err != nil {
		mu.Unlock()
		return nil, err
	}
	from := p.Status

	if !hard {
		if !plan.CanTransition(from, plan.StatusDeleted) {
			mu.Unlock()
			return nil, fmt.Errorf("plan %s is %s and can only be hard deleted: %w", planID, from, domain.ErrStateConflict)
		}
		if err := s.store.Delete(ctx, planID, false); err != nil {
			mu.Unlock()
			return nil, err
		}
		mu.Unlock()

		s.appendAudit(ctx, planID, audit.EventDeleted, actor, from, plan.StatusDeleted,
			map[string]any{"mode": "soft"})
		s.notifyStatus(ctx, planID, from, plan.StatusDeleted, "")
		slog.Info("plan deleted", "plan_id", planID, "hard", false, "actor", actor)
		return &DeleteResult{PlanID: planID, Hard: false}, nil
	}

	var details []string
	if p.Artifact != nil {
		details = s.executor.Teardown(ctx, *p.Artifact)
	}
	removed, err := s.kernel.Forget(ctx, planID)
	if err != nil {
		slog.Warn("forget plan memories", "plan_id", planID, "error", err)
	}
	if err := s.store.Delete(ctx, planID, true); err != nil {
		mu.Unlock()
		return nil, err
	}
	mu.Unlock()
	s.locks.Delete(planID)

	s.appendAudit(ctx, planID, audit.EventDeleted, actor, from, plan.StatusDeleted,
		map[string]any{"mode": "hard", "memories_removed": removed, "details": details})
	s.notifyStatus(ctx, planID, from, plan.StatusDeleted, "")
	slog.Info("plan deleted", "plan_id", planID, "hard", true, "actor", actor, "memories_removed", removed)
	return &DeleteResult{PlanID: planID, Hard: true, MemoriesRemoved: removed, Details: details}, nil
}

// ApprovalRequests lists every plan currently waiting on a human decision.
func (s *OrchestratorService) ApprovalRequests(ctx context.Context) ([]plan.ApprovalRequest, error) {
	summaries, err := s.store.List(ctx, planstore.Filter{Status: plan.StatusAwaitingApproval})
	if err != nil {
		return nil, err
	}
	reqs := make([]plan.ApprovalRequest, 0, len(summaries))
	for _, sm := range summaries {
		reqs = append(reqs, plan.ApprovalRequest{
			PlanID:        sm.ID,
			Intent:        sm.Intent,
			Env:           sm.Env,
			EstimatedCost: sm.EstimatedCost,
			RequestedAt:   sm.UpdatedAt,
		})
	}
	return reqs, nil
}

// StartSubscribers wires queue ingress: external integrations (chat bots,
// ticket systems) resolve approvals by publishing decisions on
// approvals.submit. The returned function cancels the subscription.
func (s *OrchestratorService) StartSubscribers(ctx context.Context) (func(), error) {
	if s.queue == nil {
		return func() {}, nil
	}
	cancel, err := s.queue.Subscribe(ctx, messagequeue.SubjectApprovalSubmit, s.handleApprovalSubmit)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", messagequeue.SubjectApprovalSubmit, err)
	}
	slog.Info("approval ingress subscribed", "subject", messagequeue.SubjectApprovalSubmit)
	return cancel, nil
}

func (s *OrchestratorService) handleApprovalSubmit(ctx context.Context, subject string, data []byte) error {
	var payload messagequeue.ApprovalDecidedPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return fmt.Errorf("decode approval submit: %w", err)
	}
	_, err := s.Approve(ctx, payload.PlanID, plan.Decision(payload.Decision), payload.Approver, payload.Reason)
	if err != nil {
		slog.Warn("queued approval refused", "plan_id", payload.PlanID, "error", err)
		return err
	}
	return nil
}

// notifyDecision fans an approval decision out to the queue and clients.
func (s *OrchestratorService) notifyDecision(ctx context.Context, p *plan.Plan, decision plan.Decision, approver, reason string) {
	s.publish(ctx, messagequeue.SubjectApprovalDecided, messagequeue.ApprovalDecidedPayload{
		PlanID:   p.ID,
		Decision: string(decision),
		Approver: approver,
		Reason:   reason,
	})
	s.broadcast(ctx, ws.EventApprovalDecided, ws.ApprovalDecidedEvent{
		PlanID:   p.ID,
		Decision: string(decision),
		Approver: approver,
		Reason:   reason,
	})
}

// Shutdown refuses new work and waits for running drivers to pause at their
// next step boundary, or for ctx to expire.
func (s *OrchestratorService) Shutdown(ctx context.Context) error {
	s.closed.Store(true)
	done := make(chan struct{})
	go func() {
		s.pool.Wait()
		close(done)
	}()
	select {
	case <-done:
		slog.Info("orchestrator drained")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("orchestrator drain: %w", ctx.Err())
	}
}
