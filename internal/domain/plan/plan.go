// Package plan defines the deployment plan aggregate: the durable record the
// orchestrator drives through its lifecycle, the ordered step sequence the
// planner produces, and the transition rules every mutation must obey.
package plan

import (
	"time"

	"github.com/agentops/deployops/internal/domain/artifact"
	"github.com/agentops/deployops/internal/domain/evidence"
)

// Status represents the lifecycle state of a deployment plan.
type Status string

const (
	StatusCreated          Status = "created"
	StatusValidating       Status = "validating"
	StatusValidationFailed Status = "validation_failed"
	StatusAwaitingApproval Status = "awaiting_approval"
	StatusRejected         Status = "rejected"
	StatusApproved         Status = "approved"
	StatusDeploying        Status = "deploying"
	StatusDeployed         Status = "deployed"
	StatusFailed           Status = "failed"
	StatusPaused           Status = "paused"
	StatusDeleted          Status = "deleted"
)

// Statuses lists every valid plan status, in lifecycle order.
var Statuses = []Status{
	StatusCreated, StatusValidating, StatusValidationFailed,
	StatusAwaitingApproval, StatusRejected, StatusApproved,
	StatusDeploying, StatusDeployed, StatusFailed, StatusPaused,
	StatusDeleted,
}

// Valid reports whether s is a recognized status.
func (s Status) Valid() bool {
	for _, v := range Statuses {
		if s == v {
			return true
		}
	}
	return false
}

// Terminal reports whether no transition, including restart, can ever leave s.
func (s Status) Terminal() bool {
	switch s {
	case StatusValidationFailed, StatusRejected, StatusDeleted:
		return true
	}
	return false
}

// Restartable reports whether Restart may move the plan back to deploying.
func (s Status) Restartable() bool {
	switch s {
	case StatusPaused, StatusFailed, StatusDeployed:
		return true
	}
	return false
}

// Pausable reports whether Pause is legal from s.
func (s Status) Pausable() bool {
	return s == StatusDeploying || s == StatusDeployed
}

// Active reports whether the plan still has work pending or in flight.
func (s Status) Active() bool {
	switch s {
	case StatusCreated, StatusValidating, StatusAwaitingApproval, StatusApproved, StatusDeploying:
		return true
	}
	return false
}

// transitions is the legal edge set of the plan state machine. Soft deletion
// is handled separately in CanTransition.
var transitions = map[Status][]Status{
	StatusCreated:          {StatusValidating},
	StatusValidating:       {StatusValidationFailed, StatusAwaitingApproval, StatusDeploying},
	StatusAwaitingApproval: {StatusApproved, StatusRejected},
	StatusApproved:         {StatusDeploying},
	StatusDeploying:        {StatusDeployed, StatusFailed, StatusPaused},
	StatusPaused:           {StatusDeploying},
	StatusFailed:           {StatusDeploying},
	StatusDeployed:         {StatusDeploying, StatusPaused},
}

// CanTransition reports whether moving from one status to another is legal.
// Any non-terminal status may transition to deleted.
func CanTransition(from, to Status) bool {
	if to == StatusDeleted {
		return !from.Terminal()
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Decision is the verdict an approver renders on a parked plan.
type Decision string

const (
	DecisionApproved Decision = "approved"
	DecisionRejected Decision = "rejected"
)

// Valid reports whether d is a recognized decision.
func (d Decision) Valid() bool {
	return d == DecisionApproved || d == DecisionRejected
}

// Approval records the human verdict for a plan that required one.
type Approval struct {
	Approver  string    `json:"approver"`
	Decision  Decision  `json:"decision"`
	Reason    string    `json:"reason,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Constraints carries caller-supplied deployment preferences. Keys are free
// form and flow verbatim into the planner prompt; only budget_usd_per_hour
// is read directly.
type Constraints map[string]any

// BudgetUSDPerHour extracts the hourly budget constraint. The second return
// is false when the caller supplied none.
func (c Constraints) BudgetUSDPerHour() (float64, bool) {
	if c == nil {
		return 0, false
	}
	switch v := c["budget_usd_per_hour"].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	}
	return 0, false
}

// Plan is the durable deployment plan aggregate. Only the orchestrator
// mutates it; agents return proposals and outcomes.
type Plan struct {
	ID               string               `json:"plan_id"`
	UserID           string               `json:"user_id"`
	Intent           string               `json:"intent"`
	Env              artifact.Environment `json:"env"`
	Status           Status               `json:"status"`
	Artifact         *artifact.Artifact   `json:"artifact,omitempty"`
	Evidence         []evidence.Evidence  `json:"evidence,omitempty"`
	ValidationErrors []string             `json:"validation_errors,omitempty"`
	Warnings         []string             `json:"warnings,omitempty"`
	Constraints      Constraints          `json:"constraints,omitempty"`
	RequiresApproval bool                 `json:"requires_approval"`
	Approval         *Approval            `json:"approval,omitempty"`
	Execution        *ExecutionPlan       `json:"execution_plan,omitempty"`
	ReplanCount      int                  `json:"replan_count"`
	EstimatedCost    float64              `json:"estimated_cost_usd_per_hour,omitempty"`
	ExecuteReal      bool                 `json:"execute_real"`
	Error            string               `json:"error,omitempty"`
	Version          int                  `json:"version"`
	CreatedAt        time.Time            `json:"created_at"`
	UpdatedAt        time.Time            `json:"updated_at"`
}

// Summary is the listing projection of a plan.
type Summary struct {
	ID               string               `json:"plan_id"`
	UserID           string               `json:"user_id"`
	Intent           string               `json:"intent"`
	Env              artifact.Environment `json:"env"`
	Status           Status               `json:"status"`
	RequiresApproval bool                 `json:"requires_approval"`
	ReplanCount      int                  `json:"replan_count"`
	EstimatedCost    float64              `json:"estimated_cost_usd_per_hour,omitempty"`
	CreatedAt        time.Time            `json:"created_at"`
	UpdatedAt        time.Time            `json:"updated_at"`
}

// Summarize projects the plan into its listing form.
func (p *Plan) Summarize() Summary {
	return Summary{
		ID:               p.ID,
		UserID:           p.UserID,
		Intent:           p.Intent,
		Env:              p.Env,
		Status:           p.Status,
		RequiresApproval: p.RequiresApproval,
		ReplanCount:      p.ReplanCount,
		EstimatedCost:    p.EstimatedCost,
		CreatedAt:        p.CreatedAt,
		UpdatedAt:        p.UpdatedAt,
	}
}

// SubmitRequest holds the fields for submitting a new deployment intent.
type SubmitRequest struct {
	UserID      string      `json:"user_id"`
	Intent      string      `json:"intent"`
	Env         string      `json:"env"`
	Constraints Constraints `json:"constraints,omitempty"`
	ExecuteReal bool        `json:"execute_real,omitempty"`
}

// ApprovalRequest is the projection of a plan parked in awaiting_approval.
type ApprovalRequest struct {
	PlanID        string               `json:"plan_id"`
	Intent        string               `json:"intent"`
	Env           artifact.Environment `json:"env"`
	EstimatedCost float64              `json:"estimated_cost_usd_per_hour"`
	RequestedAt   time.Time            `json:"requested_at"`
}
