// Package reasoning captures the explicit thought traces agents attach to
// planning and monitoring decisions.
package reasoning

import "time"

// Step is a single thought in an agent's trace.
type Step struct {
	Thought      string    `json:"thought"`
	Reasoning    string    `json:"reasoning"`
	Confidence   float64   `json:"confidence"`
	Alternatives []string  `json:"alternatives,omitempty"`
	Evidence     []string  `json:"evidence,omitempty"`
	Decision     string    `json:"decision,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// Chain is the ordered trace one agent produced for one decision context.
type Chain struct {
	Agent      string    `json:"agent_name"`
	Context    string    `json:"context"`
	Steps      []Step    `json:"steps"`
	Conclusion string    `json:"conclusion,omitempty"`
	Confidence float64   `json:"overall_confidence"`
	CreatedAt  time.Time `json:"created_at"`
}

// NewChain starts a trace for the named agent and decision context.
func NewChain(agent, context string) *Chain {
	return &Chain{
		Agent:      agent,
		Context:    context,
		Confidence: 0.5,
		CreatedAt:  time.Now().UTC(),
	}
}

// Add appends a step, clamping its confidence into [0, 1], and recomputes
// the overall confidence as the mean of all step confidences.
func (c *Chain) Add(step Step) {
	if step.Timestamp.IsZero() {
		step.Timestamp = time.Now().UTC()
	}
	switch {
	case step.Confidence < 0:
		step.Confidence = 0
	case step.Confidence > 1:
		step.Confidence = 1
	}
	c.Steps = append(c.Steps, step)

	var sum float64
	for _, s := range c.Steps {
		sum += s.Confidence
	}
	c.Confidence = sum / float64(len(c.Steps))
}

// Conclude records the final decision without altering the confidence.
func (c *Chain) Conclude(conclusion string) {
	c.Conclusion = conclusion
}
