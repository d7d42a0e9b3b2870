// Package service implements business logic on top of ports.
package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/agentops/deployops/internal/adapter/otel"
	"github.com/agentops/deployops/internal/adapter/ws"
	"github.com/agentops/deployops/internal/config"
	"github.com/agentops/deployops/internal/domain"
	"github.com/agentops/deployops/internal/domain/artifact"
	"github.com/agentops/deployops/internal/domain/audit"
	"github.com/agentops/deployops/internal/domain/evidence"
	"github.com/agentops/deployops/internal/domain/plan"
	"github.com/agentops/deployops/internal/port/broadcast"
	"github.com/agentops/deployops/internal/port/messagequeue"
	"github.com/agentops/deployops/internal/port/planstore"
	"github.com/agentops/deployops/internal/port/retriever"
	"github.com/agentops/deployops/internal/worker"
)

// Actor names recorded on audit events the system emits on its own behalf.
const (
	actorOrchestrator = "orchestrator"
	actorSystem       = "system"
)

// OrchestratorDeps bundles the collaborators the orchestrator drives. Queue,
// Hub and Metrics are optional; the orchestrator degrades to store-only
// operation without them.
type OrchestratorDeps struct {
	Store     planstore.Store
	Retriever retriever.Retriever
	Planner   *PlannerService
	Executor  *ExecutorService
	Monitor   *MonitorService
	Policy    *PolicyService
	Kernel    *Kernel
	Audit     *AuditService
	Queue     messagequeue.Queue
	Hub       broadcast.Broadcaster
	Metrics   *otel.Metrics
}

// OrchestratorService owns the plan lifecycle. Every write to a plan flows
// through it: submission, validation, the approval gate, step execution,
// replanning and termination. Drivers run on a bounded worker pool, and a
// per-plan mutex serializes transitions so lifecycle calls never interleave
// with a driver mid-write.
type OrchestratorService struct {
	store     planstore.Store
	retriever retriever.Retriever
	planner   *PlannerService
	executor  *ExecutorService
	monitor   *MonitorService
	policy    *PolicyService
	kernel    *Kernel
	audit     *AuditService
	queue     messagequeue.Queue
	hub       broadcast.Broadcaster
	metrics   *otel.Metrics
	cfg       config.Orchestrator
	retrieval config.Retriever

	pool    *worker.Pool
	locks   sync.Map // plan id -> *sync.Mutex
	running sync.Map // plan id -> struct{}, plans with a live driver
	closed  atomic.Bool
}

// NewOrchestratorService creates the orchestrator with a worker pool of
// cfg.Workers drivers (number of cores when zero).
func NewOrchestratorService(deps OrchestratorDeps, cfg config.Orchestrator, retrieval config.Retriever) *OrchestratorService {
	workers := cfg.Workers
	if workers < 1 {
		workers = runtime.NumCPU()
	}
	return &OrchestratorService{
		store:     deps.Store,
		retriever: deps.Retriever,
		planner:   deps.Planner,
		executor:  deps.Executor,
		monitor:   deps.Monitor,
		policy:    deps.Policy,
		kernel:    deps.Kernel,
		audit:     deps.Audit,
		queue:     deps.Queue,
		hub:       deps.Hub,
		metrics:   deps.Metrics,
		cfg:       cfg,
		retrieval: retrieval,
		pool:      worker.NewPool(workers),
	}
}

// Submit persists a new plan and hands it to the preparation pipeline. The
// call returns as soon as the plan is durable; validation, planning and
// execution happen on the worker pool.
func (s *OrchestratorService) Submit(ctx context.Context, req plan.SubmitRequest) (*plan.Plan, error) {
	if s.closed.Load() {
		return nil, fmt.Errorf("orchestrator is shutting down: %w", domain.ErrStateConflict)
	}
	if strings.TrimSpace(req.Intent) == "" {
		return nil, fmt.Errorf("intent is required: %w", domain.ErrValidation)
	}
	if req.Env != "" && !artifact.Environment(req.Env).Valid() {
		return nil, fmt.Errorf("unknown environment %q: %w", req.Env, domain.ErrValidation)
	}
	userID := req.UserID
	if userID == "" {
		userID = "anonymous"
	}

	now := time.Now().UTC()
	p := &plan.Plan{
		ID:          uuid.New().String(),
		UserID:      userID,
		Intent:      strings.TrimSpace(req.Intent),
		Env:         artifact.ParseEnvironment(req.Env),
		Status:      plan.StatusCreated,
		Constraints: req.Constraints,
		ExecuteReal: req.ExecuteReal,
		Version:     1,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.Put(ctx, p); err != nil {
		return nil, fmt.Errorf("store plan: %w", err)
	}

	s.appendAudit(ctx, p.ID, audit.EventIntentSubmitted, userID, "", plan.StatusCreated,
		map[string]any{"intent": p.Intent, "env": string(p.Env)})
	s.publish(ctx, messagequeue.SubjectPlanCreated, messagequeue.PlanCreatedPayload{
		PlanID:      p.ID,
		UserID:      p.UserID,
		Intent:      p.Intent,
		Environment: string(p.Env),
	})
	if s.metrics != nil {
		s.metrics.PlansSubmitted.Add(ctx, 1)
	}
	slog.Info("plan submitted", "plan_id", p.ID, "env", p.Env, "user_id", p.UserID)

	s.spawn(p.ID, s.prepare)
	return p, nil
}

// GetPlan returns the full plan by id.
func (s *OrchestratorService) GetPlan(ctx context.Context, planID string) (*plan.Plan, error) {
	return s.store.Get(ctx, planID)
}

// ListPlans returns plan summaries matching the filter.
func (s *OrchestratorService) ListPlans(ctx context.Context, filter planstore.Filter) ([]plan.Summary, error) {
	return s.store.List(ctx, filter)
}

// prepare drives a freshly submitted plan through retrieval, planning and
// guardrail validation, then either parks it for approval or starts
// execution in the same driver slot.
func (s *OrchestratorService) prepare(ctx context.Context, planID string) {
	p, err := s.store.Get(ctx, planID)
	if err != nil {
		slog.Error("prepare: get plan", "plan_id", planID, "error", err)
		return
	}
	if err := s.transition(ctx, p, plan.StatusValidating); err != nil {
		slog.Warn("prepare aborted", "plan_id", planID, "error", err)
		return
	}

	// Initial policy evidence. Retrieval failure degrades to planning
	// without evidence rather than failing the plan.
	query := fmt.Sprintf("%s deployment policies for %s environment", p.Intent, p.Env)
	docs, err := s.retrieve(ctx, query, s.retrieval.TopKInitial)
	if err != nil {
		slog.Warn("policy retrieval failed, planning without evidence", "plan_id", p.ID, "error", err)
		p.Warnings = append(p.Warnings, "policy retrieval unavailable: planning without evidence")
	} else {
		p.Evidence = evidence.Merge(nil, docs)
	}

	a, ep, err := s.planner.Plan(ctx, p)
	if err != nil {
		s.failValidation(ctx, p, []string{fmt.Sprintf("plan generation failed: %v", err)})
		return
	}
	p.Artifact = &a
	p.Execution = ep
	p.EstimatedCost = s.policy.EstimateCost(a)

	res := s.policy.Validate(a, p.Env, p.Constraints)
	p.Warnings = append(p.Warnings, res.Warnings...)
	if !res.OK {
		s.failValidation(ctx, p, res.Errors)
		return
	}
	s.appendAudit(ctx, p.ID, audit.EventValidationPassed, actorOrchestrator, plan.StatusValidating, plan.StatusValidating,
		map[string]any{"estimated_cost": p.EstimatedCost, "warnings": len(p.Warnings)})
	if s.metrics != nil {
		s.metrics.PlanCost.Record(ctx, p.EstimatedCost)
	}

	if reasons := s.policy.ApprovalReasons(a, p.Env); len(reasons) > 0 {
		p.RequiresApproval = true
		if err := s.transition(ctx, p, plan.StatusAwaitingApproval); err != nil {
			slog.Warn("prepare aborted", "plan_id", p.ID, "error", err)
			return
		}
		s.appendAudit(ctx, p.ID, audit.EventApprovalRequested, actorOrchestrator,
			plan.StatusValidating, plan.StatusAwaitingApproval,
			map[string]any{"estimated_cost": p.EstimatedCost, "reasons": reasons})
		s.publish(ctx, messagequeue.SubjectApprovalRequested, messagequeue.ApprovalRequestedPayload{
			PlanID:        p.ID,
			Environment:   string(p.Env),
			EstimatedCost: p.EstimatedCost,
			Reasons:       reasons,
		})
		s.broadcast(ctx, ws.EventApprovalRequested, ws.ApprovalRequestedEvent{
			PlanID:        p.ID,
			Environment:   string(p.Env),
			EstimatedCost: p.EstimatedCost,
		})
		slog.Info("plan awaiting approval", "plan_id", p.ID, "estimated_cost", p.EstimatedCost, "reasons", strings.Join(reasons, "; "))
		return
	}

	if err := s.transition(ctx, p, plan.StatusDeploying); err != nil {
		slog.Warn("prepare aborted", "plan_id", p.ID, "error", err)
		return
	}
	s.execute(ctx, p.ID)
}

// failValidation parks the plan in its terminal validation_failed state.
func (s *OrchestratorService) failValidation(ctx context.Context, p *plan.Plan, errs []string) {
	p.ValidationErrors = errs
	p.Error = strings.Join(errs, "; ")
	if err := s.transition(ctx, p, plan.StatusValidationFailed); err != nil {
		slog.Error("fail validation", "plan_id", p.ID, "error", err)
		return
	}
	s.appendAudit(ctx, p.ID, audit.EventValidationFailed, actorOrchestrator,
		plan.StatusValidating, plan.StatusValidationFailed, map[string]any{"errors": errs})
	slog.Info("plan failed validation", "plan_id", p.ID, "errors", strings.Join(errs, "; "))
}

// spawn schedules fn on the worker pool unless the plan already has a live
// driver. Saturation never blocks the caller: the task queues until a slot
// frees. Drivers run detached from the submitting request's context.
func (s *OrchestratorService) spawn(planID string, fn func(ctx context.Context, planID string)) {
	if _, loaded := s.running.LoadOrStore(planID, struct{}{}); loaded {
		return
	}
	s.pool.Go(context.Background(), func(ctx context.Context) {
		defer s.running.Delete(planID)
		fn(ctx, planID)
	})
}

// lock returns the mutex serializing writes to one plan.
func (s *OrchestratorService) lock(planID string) *sync.Mutex {
	m, _ := s.locks.LoadOrStore(planID, &sync.Mutex{})
	return m.(*sync.Mutex)
}

// transition moves p to the next status and persists it. It reloads the
// stored plan under the per-plan lock first: if another writer moved the
// plan since p was loaded, the transition is refused and the caller must
// stop driving. All of p's accumulated field changes persist with the
// status.
func (s *OrchestratorService) transition(ctx context.Context, p *plan.Plan, to plan.Status) error {
	mu := s.lock(p.ID)
	mu.Lock()
	defer mu.Unlock()

	cur, err := s.store.Get(ctx, p.ID)
	if err != nil {
		return fmt.Errorf("reload plan: %w", err)
	}
	if cur.Status != p.Status {
		return fmt.Errorf("plan %s moved to %s: %w", p.ID, cur.Status, domain.ErrStateConflict)
	}
	if !plan.CanTransition(p.Status, to) {
		return fmt.Errorf("plan %s cannot go from %s to %s: %w", p.ID, p.Status, to, domain.ErrStateConflict)
	}

	from := p.Status
	p.Status = to
	p.Version++
	p.UpdatedAt = time.Now().UTC()
	if err := s.store.Put(ctx, p); err != nil {
		p.Status = from
		return fmt.Errorf("store plan: %w", err)
	}
	s.notifyStatus(ctx, p.ID, from, to, p.Error)
	return nil
}

// persist stores the plan's current state without a status change, bumping
// the version under the per-plan lock. Like transition, it reloads the
// stored plan first: if another writer moved the plan since p was loaded
// (pause or delete landing while a step is in flight), the write is refused
// so the stale in-memory copy cannot clobber the stored status.
func (s *OrchestratorService) persist(ctx context.Context, p *plan.Plan) error {
	mu := s.lock(p.ID)
	mu.Lock()
	defer mu.Unlock()

	cur, err := s.store.Get(ctx, p.ID)
	if err != nil {
		return fmt.Errorf("reload plan: %w", err)
	}
	if cur.Status != p.Status {
		return fmt.Errorf("plan %s moved to %s: %w", p.ID, cur.Status, domain.ErrStateConflict)
	}

	p.Version++
	p.UpdatedAt = time.Now().UTC()
	if err := s.store.Put(ctx, p); err != nil {
		return fmt.Errorf("store plan: %w", err)
	}
	return nil
}

// retrieve wraps the retriever with the configured timeout.
func (s *OrchestratorService) retrieve(ctx context.Context, query string, k int) ([]evidence.Evidence, error) {
	if s.retriever == nil {
		return nil, nil
	}
	rctx, cancel := context.WithTimeout(ctx, s.retrieval.Timeout)
	defer cancel()
	return s.retriever.Retrieve(rctx, query, k)
}

// appendAudit records one audit fact. The audit service buffers and retries;
// plan execution never blocks on the sink.
func (s *OrchestratorService) appendAudit(ctx context.Context, planID string, typ audit.EventType, actor string, before, after plan.Status, meta map[string]any) {
	if s.audit == nil {
		return
	}
	rec := audit.New(planID, typ, actor)
	rec.Before = string(before)
	rec.After = string(after)
	rec.Metadata = meta
	s.audit.Record(ctx, rec)
}

// notifyStatus fans a status change out to the queue and connected clients.
func (s *OrchestratorService) notifyStatus(ctx context.Context, planID string, from, to plan.Status, errMsg string) {
	s.publish(ctx, messagequeue.SubjectPlanStatus, messagequeue.PlanStatusPayload{
		PlanID: planID,
		From:   string(from),
		To:     string(to),
		Error:  errMsg,
	})
	s.broadcast(ctx, ws.EventPlanStatus, ws.PlanStatusEvent{
		PlanID: planID,
		From:   string(from),
		To:     string(to),
		Error:  errMsg,
	})
}

// notifyStep fans step progress out to the queue and connected clients.
func (s *OrchestratorService) notifyStep(ctx context.Context, planID string, step *plan.TaskStep) {
	s.publish(ctx, messagequeue.SubjectPlanStep+"."+planID, messagequeue.PlanStepPayload{
		PlanID:     planID,
		StepID:     step.ID,
		Agent:      string(step.Agent),
		Action:     step.Action,
		Status:     string(step.Status),
		RetryCount: step.RetryCount,
		Error:      step.Error,
	})
	s.broadcast(ctx, ws.EventPlanStep, ws.PlanStepEvent{
		PlanID:     planID,
		StepID:     step.ID,
		Agent:      string(step.Agent),
		Action:     step.Action,
		Status:     string(step.Status),
		RetryCount: step.RetryCount,
		Error:      step.Error,
	})
}

func (s *OrchestratorService) publish(ctx context.Context, subject string, payload any) {
	if s.queue == nil {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		slog.Error("marshal queue payload", "subject", subject, "error", err)
		return
	}
	if err := s.queue.Publish(ctx, subject, data); err != nil {
		slog.Warn("queue publish failed", "subject", subject, "error", err)
	}
}

func (s *OrchestratorService) broadcast(ctx context.Context, eventType string, payload any) {
	if s.hub == nil {
		return
	}
	s.hub.BroadcastEvent(ctx, eventType, payload)
}
