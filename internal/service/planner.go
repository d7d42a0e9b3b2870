package service

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/agentops/deployops/internal/config"
	"github.com/agentops/deployops/internal/domain/artifact"
	"github.com/agentops/deployops/internal/domain/fault"
	"github.com/agentops/deployops/internal/domain/memory"
	"github.com/agentops/deployops/internal/domain/plan"
	"github.com/agentops/deployops/internal/domain/reasoning"
	"github.com/agentops/deployops/internal/port/synthesizer"
)

// requiredActions are the step actions every execution plan must contain.
var requiredActions = []string{
	plan.ActionValidatePlan,
	plan.ActionCreateModel,
	plan.ActionCreateEndpoint,
}

// PlannerService turns a deployment intent plus retrieved policy evidence
// into a deployment artifact and an ordered execution plan, recording an
// explicit reasoning trace for every decision along the way.
type PlannerService struct {
	synth  synthesizer.Synthesizer
	kernel *Kernel
	cfg    config.Synthesizer
}

// NewPlannerService creates a PlannerService.
func NewPlannerService(synth synthesizer.Synthesizer, kernel *Kernel, cfg config.Synthesizer) *PlannerService {
	return &PlannerService{synth: synth, kernel: kernel, cfg: cfg}
}

// Plan generates the deployment artifact and execution plan for p. The
// returned execution plan carries the planner's reasoning chain; each step
// carries its own short trace.
func (s *PlannerService) Plan(ctx context.Context, p *plan.Plan) (artifact.Artifact, *plan.ExecutionPlan, error) {
	return s.generate(ctx, p, p.Intent, nil)
}

// Replan generates a replacement plan after a step failure. The failed step
// shapes both the reasoning trace and the synthesis prompt so the new
// configuration can route around the failure.
func (s *PlannerService) Replan(ctx context.Context, p *plan.Plan, failed plan.TaskStep) (artifact.Artifact, *plan.ExecutionPlan, error) {
	intent := fmt.Sprintf("%s (replan after %s failure)", p.Intent, failed.Action)
	return s.generate(ctx, p, intent, &failed)
}

func (s *PlannerService) generate(ctx context.Context, p *plan.Plan, intent string, failed *plan.TaskStep) (artifact.Artifact, *plan.ExecutionPlan, error) {
	chain := reasoning.NewChain(string(plan.AgentPlanner),
		fmt.Sprintf("Planning deployment: %s for %s environment", intent, p.Env))

	if failed != nil {
		chain.Add(reasoning.Step{
			Thought: fmt.Sprintf("Replanning due to failure of step: %s", failed.Action),
			Reasoning: fmt.Sprintf("Step %s failed with error: %s. Need to adjust plan to work around this issue.",
				failed.ID, failed.Error),
			Confidence: 0.7,
			Alternatives: []string{
				"Skip this step",
				"Use alternative approach",
				"Simplify deployment",
			},
			Decision: "Replan with alternative approach",
		})
	}

	memories := s.kernel.Recall(ctx, string(plan.AgentPlanner), p.Intent+" "+string(p.Env))
	if len(memories) > 0 {
		chain.Add(reasoning.Step{
			Thought:    "Checking past similar deployments",
			Reasoning:  fmt.Sprintf("Found %d similar past experiences. Learning from outcomes.", len(memories)),
			Confidence: 0.8,
			Evidence:   memoryEvents(memories, 2),
			Decision:   "Use insights from past deployments",
		})
	}

	chain.Add(reasoning.Step{
		Thought: "Analyzing deployment requirements",
		Reasoning: fmt.Sprintf("Need to plan deployment for '%s' in %s environment. Have %d policy documents and %d constraints.",
			intent, p.Env, len(p.Evidence), len(p.Constraints)),
		Confidence: 0.9,
		Alternatives: []string{
			"Simple sequential plan",
			"Parallel execution where possible",
			"Conservative step-by-step approach",
		},
		Evidence: evidenceTitles(p, 3),
		Decision: "Use structured sequential plan with validation checkpoints",
	})

	if lessons := lessonsFrom(memories); len(lessons) > 0 {
		chain.Add(reasoning.Step{
			Thought:    "Applying lessons from past deployments",
			Reasoning:  fmt.Sprintf("Learned from %d past experiences", len(memories)),
			Confidence: 0.75,
			Evidence:   head(lessons, 2),
			Decision:   "Adjust plan based on historical patterns",
		})
	}

	chain.Add(reasoning.Step{
		Thought:    "Generating execution plan steps",
		Reasoning:  "Synthesizing deployment configuration from intent, constraints and policy context.",
		Confidence: 0.85,
		Decision:   "Generate structured sequential plan",
	})

	a, err := s.synthesize(ctx, buildPrompt(p, intent, failed))
	if err != nil {
		return artifact.Artifact{}, nil, err
	}

	steps := plan.DefaultSteps()
	now := time.Now().UTC()
	for i := range steps {
		rc := reasoning.NewChain(string(plan.AgentPlanner),
			fmt.Sprintf("Planning deployment: %s for %s environment", intent, p.Env))
		rc.Add(reasoning.Step{
			Thought:    fmt.Sprintf("Planning step %d: %s", i+1, steps[i].Action),
			Reasoning:  fmt.Sprintf("Step %d assigns %s to the %s agent.", i+1, steps[i].Action, steps[i].Agent),
			Confidence: 0.85,
			Evidence:   evidenceSnippets(p, 2),
			Decision:   steps[i].Action,
		})
		steps[i].Reasoning = rc
	}

	missing := missingActions(steps)
	validateStep := reasoning.Step{
		Thought:    "Validating generated plan",
		Reasoning:  fmt.Sprintf("Plan has %d steps. Checking for required actions.", len(steps)),
		Confidence: 0.9,
		Decision:   "Plan validated",
	}
	if len(missing) > 0 {
		validateStep.Confidence = 0.6
		validateStep.Decision = "Plan missing: " + strings.Join(missing, ", ")
	}
	chain.Add(validateStep)

	chain.Conclude(fmt.Sprintf("Created execution plan with %d steps for %s", len(steps), intent))
	// The plan's overall confidence is the weakest step's, not the mean of
	// the planning trace.
	if c, ok := minStepConfidence(steps); ok {
		chain.Confidence = c
	}

	ep := &plan.ExecutionPlan{
		PlanID:    p.ID,
		Steps:     steps,
		Reasoning: chain,
		CreatedAt: now,
		UpdatedAt: now,
	}

	s.kernel.RememberEpisodic(ctx, string(plan.AgentPlanner), "Planned deployment: "+intent,
		map[string]string{"plan_id": p.ID, "intent": p.Intent, "env": string(p.Env)},
		memory.Outcome{Status: memory.OutcomeSuccess})

	return a, ep, nil
}

// synthesize calls the language model and validates the artifact against the
// schema, giving the model one corrective round trip with the gaps spelled
// out before failing.
func (s *PlannerService) synthesize(ctx context.Context, prompt string) (artifact.Artifact, error) {
	a, err := s.synthesizeOnce(ctx, prompt)
	if err != nil {
		return artifact.Artifact{}, err
	}
	gaps := a.SchemaErrors()
	if len(gaps) == 0 {
		return a, nil
	}

	var b strings.Builder
	b.WriteString(prompt)
	b.WriteString("\n\nThe previous artifact was invalid:\n")
	for _, g := range gaps {
		b.WriteString("- ")
		b.WriteString(g)
		b.WriteByte('\n')
	}
	b.WriteString("Return a corrected artifact.")

	a, err = s.synthesizeOnce(ctx, b.String())
	if err != nil {
		return artifact.Artifact{}, err
	}
	if gaps := a.SchemaErrors(); len(gaps) > 0 {
		return artifact.Artifact{}, fault.Newf(fault.KindSemantic,
			"synthesized artifact invalid: %s", strings.Join(gaps, "; "))
	}
	return a, nil
}

func (s *PlannerService) synthesizeOnce(ctx context.Context, prompt string) (artifact.Artifact, error) {
	cctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()
	a, err := s.synth.Synthesize(cctx, prompt)
	if err != nil {
		return artifact.Artifact{}, fmt.Errorf("synthesize artifact: %w", err)
	}
	return a.WithDefaults(), nil
}

// buildPrompt renders the planning prompt: intent, environment, constraints,
// the failure being routed around when replanning, and the retrieved policy
// evidence.
func buildPrompt(p *plan.Plan, intent string, failed *plan.TaskStep) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Plan a deployment for the following intent.\n\n")
	fmt.Fprintf(&b, "Intent: %s\n", intent)
	fmt.Fprintf(&b, "Environment: %s\n", p.Env)

	if len(p.Constraints) > 0 {
		b.WriteString("\nConstraints:\n")
		keys := make([]string, 0, len(p.Constraints))
		for k := range p.Constraints {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, "- %s: %v\n", k, p.Constraints[k])
		}
	}

	if failed != nil {
		fmt.Fprintf(&b, "\nThe previous plan failed at step %s: %s\n", failed.Action, failed.Error)
		b.WriteString("Generate an alternative configuration that avoids this failure.\n")
	}

	if len(p.Evidence) > 0 {
		b.WriteString("\nRelevant policy documents:\n")
		for _, ev := range p.Evidence {
			fmt.Fprintf(&b, "- %s: %s\n", ev.Title, truncate(ev.Snippet, 200))
		}
	}
	return b.String()
}

// lessonsFrom generalizes past outcomes into pattern strings.
func lessonsFrom(entries []memory.Entry) []string {
	lessons := make([]string, 0, len(entries))
	for _, e := range entries {
		switch e.Outcome.Status {
		case memory.OutcomeSuccess:
			lessons = append(lessons, "Success pattern: "+e.Event)
		case memory.OutcomeFailed:
			lessons = append(lessons, "Failed pattern to avoid: "+e.Event)
		}
	}
	return lessons
}

func memoryEvents(entries []memory.Entry, n int) []string {
	events := make([]string, 0, n)
	for _, e := range entries {
		if len(events) == n {
			break
		}
		events = append(events, e.Event)
	}
	return events
}

func evidenceTitles(p *plan.Plan, n int) []string {
	titles := make([]string, 0, n)
	for _, ev := range p.Evidence {
		if len(titles) == n {
			break
		}
		titles = append(titles, ev.Title)
	}
	return titles
}

func evidenceSnippets(p *plan.Plan, n int) []string {
	snippets := make([]string, 0, n)
	for _, ev := range p.Evidence {
		if len(snippets) == n {
			break
		}
		snippets = append(snippets, truncate(ev.Snippet, 100))
	}
	return snippets
}

func missingActions(steps []plan.TaskStep) []string {
	present := make(map[string]bool, len(steps))
	for i := range steps {
		present[steps[i].Action] = true
	}
	var missing []string
	for _, action := range requiredActions {
		if !present[action] {
			missing = append(missing, action)
		}
	}
	return missing
}

func minStepConfidence(steps []plan.TaskStep) (float64, bool) {
	found := false
	min := 1.0
	for i := range steps {
		rc := steps[i].Reasoning
		if rc == nil {
			continue
		}
		if !found || rc.Confidence < min {
			min = rc.Confidence
			found = true
		}
	}
	return min, found
}

func head(in []string, n int) []string {
	if len(in) <= n {
		return in
	}
	return in[:n]
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
