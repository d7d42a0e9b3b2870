package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/agentops/deployops/internal/domain"
	"github.com/agentops/deployops/internal/domain/plan"
)

// sseInterval is the cadence of the plan event polling stream.
const sseInterval = 1500 * time.Millisecond

// planSnapshot is one stream frame: the plan's status plus a compact view of
// every execution step.
type planSnapshot struct {
	PlanID string         `json:"plan_id"`
	Status plan.Status    `json:"status"`
	Error  string         `json:"error,omitempty"`
	Steps  []stepSnapshot `json:"steps"`
}

type stepSnapshot struct {
	StepID     string          `json:"step_id"`
	Agent      plan.Agent      `json:"agent"`
	Action     string          `json:"action"`
	Status     plan.StepStatus `json:"status"`
	RetryCount int             `json:"retry_count,omitempty"`
	Message    string          `json:"message,omitempty"`
	Error      string          `json:"error,omitempty"`
}

func snapshot(p *plan.Plan) planSnapshot {
	s := planSnapshot{
		PlanID: p.ID,
		Status: p.Status,
		Error:  p.Error,
		Steps:  []stepSnapshot{},
	}
	if p.Execution == nil {
		return s
	}
	for i := range p.Execution.Steps {
		st := &p.Execution.Steps[i]
		frame := stepSnapshot{
			StepID:     st.ID,
			Agent:      st.Agent,
			Action:     st.Action,
			Status:     st.Status,
			RetryCount: st.RetryCount,
			Error:      st.Error,
		}
		if msg, ok := st.Output["message"].(string); ok {
			frame.Message = msg
		}
		s.Steps = append(s.Steps, frame)
	}
	return s
}

// PlanEvents handles GET /api/v1/plans/{id}/events. It streams status and
// step snapshots as server-sent events every 1.5 seconds until the client
// disconnects. A missing plan produces a single error event.
func (h *Handlers) PlanEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}
	id := urlParam(r, "id")

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	ticker := time.NewTicker(sseInterval)
	defer ticker.Stop()

	for {
		p, err := h.Orchestrator.GetPlan(r.Context(), id)
		if err != nil {
			writeSSEError(w, flusher, id, err)
			return
		}

		data, err := json.Marshal(snapshot(p))
		if err != nil {
			slog.Error("marshal plan snapshot", "plan_id", id, "error", err)
			return
		}
		fmt.Fprintf(w, "data: %s\n\n", data)
		flusher.Flush()

		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
		}
	}
}

// writeSSEError emits a terminal error event on an already-open stream.
func writeSSEError(w http.ResponseWriter, flusher http.Flusher, planID string, err error) {
	msg := "plan stream failed"
	if errors.Is(err, domain.ErrNotFound) {
		msg = fmt.Sprintf("plan %s not found", planID)
	} else {
		slog.Error("plan event stream", "plan_id", planID, "error", err)
	}
	data, _ := json.Marshal(errorResponse{Error: msg})
	fmt.Fprintf(w, "event: error\ndata: %s\n\n", data)
	flusher.Flush()
}
