package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"
)

// Event type constants for WebSocket messages.
const (
	EventPlanStatus        = "plan.status"
	EventPlanStep          = "plan.step"
	EventApprovalRequested = "approval.requested"
	EventApprovalDecided   = "approval.decided"
	EventPlanAudit         = "plan.audit"
)

// PlanScoped is implemented by events tied to a single plan so the hub can
// route them to plan-filtered subscribers.
type PlanScoped interface {
	Plan() string
}

// PlanStatusEvent is broadcast when a plan's lifecycle status changes.
type PlanStatusEvent struct {
	PlanID string `json:"plan_id"`
	From   string `json:"from"`
	To     string `json:"to"`
	Error  string `json:"error,omitempty"`
}

func (e PlanStatusEvent) Plan() string { return e.PlanID }

// PlanStepEvent is broadcast when an execution step changes state.
type PlanStepEvent struct {
	PlanID     string `json:"plan_id"`
	StepID     string `json:"step_id"`
	Agent      string `json:"agent"`
	Action     string `json:"action"`
	Status     string `json:"status"`
	RetryCount int    `json:"retry_count,omitempty"`
	Error      string `json:"error,omitempty"`
}

func (e PlanStepEvent) Plan() string { return e.PlanID }

// ApprovalRequestedEvent is broadcast when a plan parks for human approval.
type ApprovalRequestedEvent struct {
	PlanID        string  `json:"plan_id"`
	Environment   string  `json:"environment"`
	EstimatedCost float64 `json:"estimated_cost_usd_per_hour"`
}

func (e ApprovalRequestedEvent) Plan() string { return e.PlanID }

// ApprovalDecidedEvent is broadcast when an approver rules on a parked plan.
type ApprovalDecidedEvent struct {
	PlanID   string `json:"plan_id"`
	Decision string `json:"decision"`
	Approver string `json:"approver"`
	Reason   string `json:"reason,omitempty"`
}

func (e ApprovalDecidedEvent) Plan() string { return e.PlanID }

// PlanAuditEvent is broadcast when an audit record lands for a plan.
type PlanAuditEvent struct {
	PlanID    string    `json:"plan_id"`
	EventType string    `json:"event_type"`
	Actor     string    `json:"actor"`
	Timestamp time.Time `json:"timestamp"`
}

func (e PlanAuditEvent) Plan() string { return e.PlanID }

// BroadcastEvent marshals a typed event and broadcasts it. Plan-scoped
// payloads are routed only to subscribers of that plan (and to unfiltered
// subscribers).
func (h *Hub) BroadcastEvent(ctx context.Context, eventType string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		slog.Error("marshal ws event payload", "type", eventType, "error", err)
		return
	}

	msg := Message{
		Type:    eventType,
		Payload: json.RawMessage(data),
	}
	if ps, ok := payload.(PlanScoped); ok {
		msg.PlanID = ps.Plan()
	}
	h.Broadcast(ctx, msg)
}
