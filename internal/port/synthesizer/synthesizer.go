// Package synthesizer defines the port interface for artifact synthesis.
package synthesizer

import (
	"context"

	"github.com/agentops/deployops/internal/domain/artifact"
)

// Synthesizer is the port interface for the language model that turns a
// planning prompt into a deployment artifact. A response that cannot be
// parsed into the artifact schema is a synthesis failure.
type Synthesizer interface {
	Synthesize(ctx context.Context, prompt string) (artifact.Artifact, error)
}
