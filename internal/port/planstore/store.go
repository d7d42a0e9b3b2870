// Package planstore defines the port interface for durable deployment plan
// persistence.
package planstore

import (
	"context"

	"github.com/agentops/deployops/internal/domain/artifact"
	"github.com/agentops/deployops/internal/domain/plan"
)

// Filter controls which plans List returns. The zero value lists every plan
// except soft-deleted ones.
type Filter struct {
	Status         plan.Status          `json:"status,omitempty"`
	Env            artifact.Environment `json:"env,omitempty"`
	UserID         string               `json:"user_id,omitempty"`
	IncludeDeleted bool                 `json:"include_deleted,omitempty"`
	Limit          int                  `json:"limit,omitempty"`
}

// Store is the port interface for plan persistence. Put is last-writer-wins
// on the plan id; per-plan serialization is the orchestrator's job.
type Store interface {
	// Get returns the plan or domain.ErrNotFound.
	Get(ctx context.Context, planID string) (*plan.Plan, error)

	// Put inserts or fully replaces the plan row.
	Put(ctx context.Context, p *plan.Plan) error

	// List returns plan summaries matching the filter, newest first.
	List(ctx context.Context, filter Filter) ([]plan.Summary, error)

	// Delete removes the plan: soft marks it deleted and keeps the row,
	// hard removes the row entirely.
	Delete(ctx context.Context, planID string, hard bool) error

	// CountByStatus returns the number of plans per status, excluding
	// soft-deleted plans.
	CountByStatus(ctx context.Context) (map[plan.Status]int, error)
}
