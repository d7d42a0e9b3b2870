// Package auditsink defines the port interfaces for the audit trail.
package auditsink

import (
	"context"

	"github.com/agentops/deployops/internal/domain/audit"
)

// Sink is the write side of the audit trail. Delivery is at-least-once:
// implementations may be retried with the same record and consumers
// deduplicate by the record's DedupKey.
type Sink interface {
	Append(ctx context.Context, rec audit.Record) error
}

// Reader is the query side of the audit trail.
type Reader interface {
	// ListByPlan returns the plan's records in timestamp order.
	ListByPlan(ctx context.Context, planID string) ([]audit.Record, error)
}

// Log combines both sides for stores that persist the full trail.
type Log interface {
	Sink
	Reader
}
