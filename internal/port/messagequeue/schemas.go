package messagequeue

// PlanCreatedPayload is the schema for plans.created messages.
type PlanCreatedPayload struct {
	PlanID      string `json:"plan_id"`
	UserID      string `json:"user_id"`
	Intent      string `json:"intent"`
	Environment string `json:"environment"`
}

// PlanStatusPayload is the schema for plans.status messages.
type PlanStatusPayload struct {
	PlanID string `json:"plan_id"`
	From   string `json:"from"`
	To     string `json:"to"`
	Error  string `json:"error,omitempty"`
}

// PlanStepPayload is the schema for plans.step.{plan_id} messages.
type PlanStepPayload struct {
	PlanID     string `json:"plan_id"`
	StepID     string `json:"step_id"`
	Agent      string `json:"agent"`
	Action     string `json:"action"`
	Status     string `json:"status"`
	RetryCount int    `json:"retry_count"`
	Error      string `json:"error,omitempty"`
}

// PlanAuditPayload is the schema for plans.audit messages.
type PlanAuditPayload struct {
	PlanID    string `json:"plan_id"`
	EventType string `json:"event_type"`
	Actor     string `json:"actor"`
	Timestamp string `json:"timestamp"`
}

// ApprovalRequestedPayload is the schema for approvals.requested messages.
type ApprovalRequestedPayload struct {
	PlanID        string   `json:"plan_id"`
	Environment   string   `json:"environment"`
	EstimatedCost float64  `json:"estimated_cost"`
	Reasons       []string `json:"reasons"`
}

// ApprovalDecidedPayload is the schema for approvals.decided messages.
type ApprovalDecidedPayload struct {
	PlanID   string `json:"plan_id"`
	Decision string `json:"decision"`
	Approver string `json:"approver"`
	Reason   string `json:"reason,omitempty"`
}
