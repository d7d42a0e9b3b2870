// Package memorystore defines the port interface for agent memory
// persistence and recall.
package memorystore

import (
	"context"
	"time"

	"github.com/agentops/deployops/internal/domain/memory"
)

// Store is the port interface for agent memories. Writes are atomic per
// entry; entries are never mutated after Put.
type Store interface {
	// Put persists the entry, assigning an id when the entry has none.
	Put(ctx context.Context, e *memory.Entry) error

	// Recall returns up to limit entries for the agent ranked by relevance
	// to the query, most relevant first. Expired entries are excluded.
	Recall(ctx context.Context, agent, query string, limit int) ([]memory.Entry, error)

	// List returns the agent's entries newest first, optionally bounded to
	// those written at or after since.
	List(ctx context.Context, agent string, since *time.Time) ([]memory.Entry, error)

	// DeleteByPlan removes every entry whose context references the plan
	// and reports how many were removed.
	DeleteByPlan(ctx context.Context, planID string) (int, error)
}
