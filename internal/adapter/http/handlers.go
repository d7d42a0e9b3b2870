// Package http provides the control-surface REST API over the orchestrator.
// Handlers translate requests into service calls and map domain errors onto
// status codes; deployment logic stays in the service layer so the
// orchestrator remains usable as a library.
package http

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/agentops/deployops/internal/domain/artifact"
	"github.com/agentops/deployops/internal/domain/audit"
	"github.com/agentops/deployops/internal/domain/plan"
	"github.com/agentops/deployops/internal/port/planstore"
	"github.com/agentops/deployops/internal/service"
)

// defaultActor is recorded on lifecycle actions when the caller does not
// identify itself.
const defaultActor = "operator"

// Handlers holds the HTTP handler dependencies.
type Handlers struct {
	Orchestrator *service.OrchestratorService
	Status       *service.StatusService
	Audit        *service.AuditService
}

// SubmitPlan handles POST /api/v1/plans. The response is the freshly created
// plan; validation, planning and execution continue asynchronously.
func (h *Handlers) SubmitPlan(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[plan.SubmitRequest](w, r)
	if !ok {
		return
	}

	p, err := h.Orchestrator.Submit(r.Context(), req)
	if err != nil {
		writeDomainError(w, err, "plan not found")
		return
	}
	writeJSON(w, http.StatusAccepted, p)
}

// ListPlans handles GET /api/v1/plans.
func (h *Handlers) ListPlans(w http.ResponseWriter, r *http.Request) {
	filter, ok := listFilter(w, r)
	if !ok {
		return
	}

	plans, err := h.Orchestrator.ListPlans(r.Context(), filter)
	if err != nil {
		writeInternalError(w, err)
		return
	}
	if plans == nil {
		plans = []plan.Summary{}
	}
	writeJSON(w, http.StatusOK, plans)
}

// listFilter parses the List query parameters: status, env, user_id,
// include_deleted and limit.
func listFilter(w http.ResponseWriter, r *http.Request) (planstore.Filter, bool) {
	q := r.URL.Query()
	f := planstore.Filter{
		UserID:         q.Get("user_id"),
		IncludeDeleted: q.Get("include_deleted") == "true",
	}

	if s := q.Get("status"); s != "" {
		f.Status = plan.Status(s)
		if !f.Status.Valid() {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown status %q", s))
			return f, false
		}
	}
	if e := q.Get("env"); e != "" {
		f.Env = artifact.Environment(e)
		if !f.Env.Valid() {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown environment %q", e))
			return f, false
		}
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return f, false
		}
		f.Limit = n
	}
	return f, true
}

// GetPlan handles GET /api/v1/plans/{id}.
func (h *Handlers) GetPlan(w http.ResponseWriter, r *http.Request) {
	p, err := h.Orchestrator.GetPlan(r.Context(), urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, err, "plan not found")
		return
	}
	writeJSON(w, http.StatusOK, p)
}

type approveRequest struct {
	Decision plan.Decision `json:"decision"`
	Approver string        `json:"approver"`
	Reason   string        `json:"reason,omitempty"`
}

// ApprovePlan handles POST /api/v1/plans/{id}/approve.
func (h *Handlers) ApprovePlan(w http.ResponseWriter, r *http.Request) {
	id := urlParam(r, "id")
	req, ok := readJSON[approveRequest](w, r)
	if !ok {
		return
	}

	p, err := h.Orchestrator.Approve(r.Context(), id, req.Decision, req.Approver, req.Reason)
	if err != nil {
		writeDomainError(w, err, "plan not found")
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// actorRequest carries the optional operator identity on lifecycle actions.
type actorRequest struct {
	Actor string `json:"actor,omitempty"`
}

func (a actorRequest) actor() string {
	if a.Actor == "" {
		return defaultActor
	}
	return a.Actor
}

// PausePlan handles POST /api/v1/plans/{id}/pause.
func (h *Handlers) PausePlan(w http.ResponseWriter, r *http.Request) {
	id := urlParam(r, "id")
	req, ok := readOptionalJSON[actorRequest](w, r)
	if !ok {
		return
	}

	p, err := h.Orchestrator.Pause(r.Context(), id, req.actor())
	if err != nil {
		writeDomainError(w, err, "plan not found")
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// RestartPlan handles POST /api/v1/plans/{id}/restart.
func (h *Handlers) RestartPlan(w http.ResponseWriter, r *http.Request) {
	id := urlParam(r, "id")
	req, ok := readOptionalJSON[actorRequest](w, r)
	if !ok {
		return
	}

	p, err := h.Orchestrator.Restart(r.Context(), id, req.actor())
	if err != nil {
		writeDomainError(w, err, "plan not found")
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// DeletePlan handles DELETE /api/v1/plans/{id}. The hard query parameter
// switches from a soft delete to full teardown.
func (h *Handlers) DeletePlan(w http.ResponseWriter, r *http.Request) {
	id := urlParam(r, "id")
	hard := r.URL.Query().Get("hard") == "true"
	req, ok := readOptionalJSON[actorRequest](w, r)
	if !ok {
		return
	}

	res, err := h.Orchestrator.Delete(r.Context(), id, hard, req.actor())
	if err != nil {
		writeDomainError(w, err, "plan not found")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// ListApprovals handles GET /api/v1/approvals.
func (h *Handlers) ListApprovals(w http.ResponseWriter, r *http.Request) {
	reqs, err := h.Orchestrator.ApprovalRequests(r.Context())
	if err != nil {
		writeInternalError(w, err)
		return
	}
	if reqs == nil {
		reqs = []plan.ApprovalRequest{}
	}
	writeJSON(w, http.StatusOK, reqs)
}

// PlanAudit handles GET /api/v1/plans/{id}/audit. The trail survives hard
// deletes, so records are returned even when the plan row is gone.
func (h *Handlers) PlanAudit(w http.ResponseWriter, r *http.Request) {
	records, err := h.Audit.ListByPlan(r.Context(), urlParam(r, "id"))
	if err != nil {
		writeInternalError(w, err)
		return
	}
	if records == nil {
		records = []audit.Record{}
	}
	writeJSON(w, http.StatusOK, records)
}

// ActiveDeployments handles GET /api/v1/metrics/deployments/active.
func (h *Handlers) ActiveDeployments(w http.ResponseWriter, r *http.Request) {
	st, err := h.Status.Report(r.Context())
	if err != nil {
		writeInternalError(w, err)
		return
	}
	active := st.Active
	if active == nil {
		active = []service.ActiveDeployment{}
	}
	writeJSON(w, http.StatusOK, active)
}

// deploymentCounters aggregates lifetime deployment outcomes from the plan
// counts. A plan counts as started once it has entered execution.
type deploymentCounters struct {
	Started   int `json:"started"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
}

// DeploymentCounters handles GET /api/v1/metrics/deployments/counters.
func (h *Handlers) DeploymentCounters(w http.ResponseWriter, r *http.Request) {
	st, err := h.Status.Report(r.Context())
	if err != nil {
		writeInternalError(w, err)
		return
	}
	counts := st.PlanCounts
	writeJSON(w, http.StatusOK, deploymentCounters{
		Started: counts[plan.StatusDeploying] + counts[plan.StatusPaused] +
			counts[plan.StatusDeployed] + counts[plan.StatusFailed],
		Succeeded: counts[plan.StatusDeployed],
		Failed:    counts[plan.StatusFailed],
	})
}

// Health handles GET /health. It always answers 200; the body carries the
// ok/degraded verdict plus the full system snapshot.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	st, err := h.Status.Report(r.Context())
	if err != nil {
		writeInternalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}
