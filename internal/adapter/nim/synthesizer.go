package nim

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"strings"

	"github.com/agentops/deployops/internal/domain/artifact"
	"github.com/agentops/deployops/internal/domain/fault"
)

// systemPrompt pins the synthesizer's output contract: strict JSON matching
// the deployment artifact schema.
const systemPrompt = `You are the DeployOps coordinator. Given user intent and retrieved policy documents, produce a valid deployment artifact JSON. Do not execute any commands. If a policy violation occurs, return {"error": "policy_violation", "details": "..."}.

The JSON must conform to this schema:
{
  "model_name": "string (lowercase, hyphens only)",
  "endpoint_name": "string (lowercase, hyphens only)",
  "instance_type": "string (e.g., ml.m5.large, ml.g5.12xlarge)",
  "instance_count": 1-4,
  "max_payload_mb": 1-100,
  "autoscaling_min": 1-4,
  "autoscaling_max": 1-8,
  "rollback_alarms": ["array of alarm names"],
  "budget_usd_per_hour": float > 0
}

Important constraints:
- Development models must use ml.m5.large instance type
- Production models must have instance_count >= 2 for high availability
- Staging max budget: $15/hour, Production max budget: $50/hour

Return ONLY valid JSON, no markdown, no explanation.`

// embeddedJSONRE extracts the first JSON object from free-form model output.
var embeddedJSONRE = regexp.MustCompile(`(?s)\{.*\}`)

// Synthesizer turns planning prompts into deployment artifacts using an
// OpenAI-compatible chat completion NIM.
type Synthesizer struct {
	client      *Client
	model       string
	temperature float64
	maxTokens   int
	log         *slog.Logger
}

// NewSynthesizer creates a Synthesizer bound to the given model.
func NewSynthesizer(client *Client, model string, temperature float64, maxTokens int, log *slog.Logger) *Synthesizer {
	if maxTokens <= 0 {
		maxTokens = 1000
	}
	return &Synthesizer{
		client:      client,
		model:       model,
		temperature: temperature,
		maxTokens:   maxTokens,
		log:         log,
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// Synthesize sends the prompt to the chat completion endpoint and parses the
// response into a deployment artifact. Responses that cannot be parsed are
// semantic faults: retrying the same prompt is pointless.
func (s *Synthesizer) Synthesize(ctx context.Context, prompt string) (artifact.Artifact, error) {
	payload := chatRequest{
		Model: s.model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: prompt},
		},
		Temperature: s.temperature,
		MaxTokens:   s.maxTokens,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return artifact.Artifact{}, fmt.Errorf("marshal chat request: %w", err)
	}

	resp, err := s.client.doRequest(ctx, http.MethodPost, "/v1/chat/completions", body)
	if err != nil {
		return artifact.Artifact{}, fmt.Errorf("chat completion: %w", err)
	}

	var parsed chatResponse
	if err := unmarshalResponse(resp, &parsed); err != nil {
		return artifact.Artifact{}, err
	}
	if len(parsed.Choices) == 0 {
		return artifact.Artifact{}, fault.Newf(fault.KindSemantic, "chat completion returned no choices")
	}

	return ParseArtifact(parsed.Choices[0].Message.Content)
}

// ParseArtifact extracts a deployment artifact from raw model output. It
// strips markdown code fences, falls back to the first embedded JSON object,
// and rejects explicit error payloads from the model.
func ParseArtifact(text string) (artifact.Artifact, error) {
	cleaned := stripFences(text)

	raw, err := decodeObject(cleaned)
	if err != nil {
		match := embeddedJSONRE.FindString(cleaned)
		if match == "" {
			return artifact.Artifact{}, fault.Newf(fault.KindSemantic, "no JSON object in synthesizer output: %.120q", text)
		}
		raw, err = decodeObject(match)
		if err != nil {
			return artifact.Artifact{}, fault.New(fault.KindSemantic, fmt.Errorf("parse synthesizer output: %w", err))
		}
		cleaned = match
	}

	if errMsg, ok := raw["error"]; ok {
		details, _ := raw["details"].(string)
		return artifact.Artifact{}, fault.Newf(fault.KindSemantic, "synthesizer returned error %v: %s", errMsg, details)
	}

	var a artifact.Artifact
	if err := json.Unmarshal([]byte(cleaned), &a); err != nil {
		return artifact.Artifact{}, fault.New(fault.KindSemantic, fmt.Errorf("unmarshal artifact: %w", err))
	}
	return a, nil
}

func decodeObject(s string) (map[string]any, error) {
	var raw map[string]any
	if err := json.Unmarshal([]byte(s), &raw); err != nil {
		return nil, err
	}
	return raw, nil
}

// stripFences removes a surrounding markdown code fence, if any.
func stripFences(text string) string {
	if idx := strings.Index(text, "```json"); idx >= 0 {
		rest := text[idx+len("```json"):]
		if end := strings.Index(rest, "```"); end >= 0 {
			return strings.TrimSpace(rest[:end])
		}
		return strings.TrimSpace(rest)
	}
	if idx := strings.Index(text, "```"); idx >= 0 {
		rest := text[idx+3:]
		if end := strings.Index(rest, "```"); end >= 0 {
			return strings.TrimSpace(rest[:end])
		}
		return strings.TrimSpace(rest)
	}
	return strings.TrimSpace(text)
}
