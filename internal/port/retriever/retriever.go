// Package retriever defines the port interface for policy evidence
// retrieval.
package retriever

import (
	"context"

	"github.com/agentops/deployops/internal/domain/evidence"
)

// Retriever is the port interface for the retrieval pipeline (embed,
// shortlist, rerank). Implementations bound their own network calls with
// the supplied context.
type Retriever interface {
	// Retrieve returns up to k passages ordered by descending score, ties
	// broken by source id. A timeout yields an error, never a partial
	// ordering guarantee violation.
	Retrieve(ctx context.Context, query string, k int) ([]evidence.Evidence, error)
}
