package plan

import (
	"time"

	"github.com/google/uuid"

	"github.com/agentops/deployops/internal/domain/reasoning"
)

// Agent names the coordinated agent responsible for a step.
type Agent string

const (
	AgentRetriever Agent = "retriever"
	AgentPlanner   Agent = "planner"
	AgentExecutor  Agent = "executor"
	AgentMonitor   Agent = "monitor"
)

// Step actions, grouped by owning agent.
const (
	ActionRetrievePolicies     = "retrieve_policies"
	ActionGenerateConfig       = "generate_config"
	ActionValidatePlan         = "validate_plan"
	ActionCreateModel          = "create_model"
	ActionCreateEndpointConfig = "create_endpoint_config"
	ActionCreateEndpoint       = "create_endpoint"
	ActionConfigureMonitoring  = "configure_monitoring"
	ActionVerifyDeployment     = "verify_deployment"
)

// StepStatus represents the lifecycle state of an individual step.
type StepStatus string

const (
	StepPending           StepStatus = "pending"
	StepThinking          StepStatus = "thinking"
	StepExecuting         StepStatus = "executing"
	StepRetrying          StepStatus = "retrying"
	StepCompleted         StepStatus = "completed"
	StepFailed            StepStatus = "failed"
	StepFailedPermanently StepStatus = "failed_permanently"
	StepSkipped           StepStatus = "skipped"
)

// Terminal reports whether the step will never run again within this plan.
func (s StepStatus) Terminal() bool {
	switch s {
	case StepCompleted, StepFailedPermanently, StepSkipped:
		return true
	}
	return false
}

// TaskStep is one unit of work in an execution plan.
type TaskStep struct {
	ID          string           `json:"step_id"`
	Agent       Agent            `json:"agent"`
	Action      string           `json:"action"`
	Status      StepStatus       `json:"status"`
	Input       map[string]any   `json:"input,omitempty"`
	Output      map[string]any   `json:"output,omitempty"`
	Error       string           `json:"error,omitempty"`
	RetryCount  int              `json:"retry_count"`
	NeedsReplan bool             `json:"needs_replan"`
	Reasoning   *reasoning.Chain `json:"reasoning_chain,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
	UpdatedAt   time.Time        `json:"updated_at"`
}

// ExecutionPlan is the ordered step sequence the planner produced for one
// deployment plan.
type ExecutionPlan struct {
	PlanID    string           `json:"plan_id"`
	Steps     []TaskStep       `json:"steps"`
	Reasoning *reasoning.Chain `json:"reasoning_chain,omitempty"`
	CreatedAt time.Time        `json:"created_at"`
	UpdatedAt time.Time        `json:"updated_at"`
}

// NewStep builds a pending step for the given agent and action.
func NewStep(agent Agent, action string) TaskStep {
	now := time.Now().UTC()
	return TaskStep{
		ID:        uuid.New().String(),
		Agent:     agent,
		Action:    action,
		Status:    StepPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// WithContext marks the step for iterative evidence retrieval before it
// executes.
func (s TaskStep) WithContext() TaskStep {
	if s.Input == nil {
		s.Input = make(map[string]any, 1)
	}
	s.Input["requires_context"] = true
	return s
}

// RequiresContext reports whether the step asked for fresh evidence.
func (s *TaskStep) RequiresContext() bool {
	v, ok := s.Input["requires_context"].(bool)
	return ok && v
}

// DefaultSteps returns the canonical eight step deployment sequence. The
// steps that mutate infrastructure ask for fresh policy context at
// execution time.
func DefaultSteps() []TaskStep {
	return []TaskStep{
		NewStep(AgentRetriever, ActionRetrievePolicies),
		NewStep(AgentPlanner, ActionGenerateConfig),
		NewStep(AgentExecutor, ActionValidatePlan),
		NewStep(AgentExecutor, ActionCreateModel),
		NewStep(AgentExecutor, ActionCreateEndpointConfig).WithContext(),
		NewStep(AgentExecutor, ActionCreateEndpoint).WithContext(),
		NewStep(AgentMonitor, ActionConfigureMonitoring).WithContext(),
		NewStep(AgentMonitor, ActionVerifyDeployment),
	}
}

// FirstIncomplete returns the index of the first step that is neither
// completed nor skipped, or -1 when every step is done.
func FirstIncomplete(steps []TaskStep) int {
	for i := range steps {
		switch steps[i].Status {
		case StepCompleted, StepSkipped:
			continue
		}
		return i
	}
	return -1
}

// CompletedCount returns how many steps have completed.
func CompletedCount(steps []TaskStep) int {
	n := 0
	for i := range steps {
		if steps[i].Status == StepCompleted {
			n++
		}
	}
	return n
}

// AllCompleted reports whether every step is completed or skipped.
func AllCompleted(steps []TaskStep) bool {
	return FirstIncomplete(steps) == -1
}

// UniqueStepIDs reports whether no two steps share an id.
func UniqueStepIDs(steps []TaskStep) bool {
	seen := make(map[string]bool, len(steps))
	for i := range steps {
		if seen[steps[i].ID] {
			return false
		}
		seen[steps[i].ID] = true
	}
	return true
}

// MergeReplan builds the post-replan step sequence: every completed step is
// retained verbatim, all non-completed steps are discarded, and replacement
// steps are appended with fresh ids and reset progress.
func MergeReplan(current, replacement []TaskStep) []TaskStep {
	merged := make([]TaskStep, 0, len(current)+len(replacement))
	for i := range current {
		if current[i].Status == StepCompleted {
			merged = append(merged, current[i])
		}
	}
	now := time.Now().UTC()
	for _, s := range replacement {
		s.ID = uuid.New().String()
		s.Status = StepPending
		s.RetryCount = 0
		s.NeedsReplan = false
		s.Output = nil
		s.Error = ""
		s.CreatedAt = now
		s.UpdatedAt = now
		merged = append(merged, s)
	}
	return merged
}
