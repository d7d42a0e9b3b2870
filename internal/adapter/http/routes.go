package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// MountRoutes registers all API routes on the given chi router.
func MountRoutes(r chi.Router, h *Handlers) {
	r.Get("/health", h.Health)

	r.Route("/api/v1", func(r chi.Router) {
		// Version
		r.Get("/", func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"version":"0.1.0"}`))
		})

		// Plans
		r.Post("/plans", h.SubmitPlan)
		r.Get("/plans", h.ListPlans)
		r.Get("/plans/{id}", h.GetPlan)
		r.Post("/plans/{id}/approve", h.ApprovePlan)
		r.Post("/plans/{id}/pause", h.PausePlan)
		r.Post("/plans/{id}/restart", h.RestartPlan)
		r.Delete("/plans/{id}", h.DeletePlan)
		r.Get("/plans/{id}/events", h.PlanEvents)
		r.Get("/plans/{id}/audit", h.PlanAudit)

		// Approval queue
		r.Get("/approvals", h.ListApprovals)

		// Deployment metrics
		r.Get("/metrics/deployments/active", h.ActiveDeployments)
		r.Get("/metrics/deployments/counters", h.DeploymentCounters)
	})
}
