package decision

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"foreman/internal/services/llm"
	"foreman/internal/state"
)

// Provider is the reasoning black box behind adaptive routing.
type Provider interface {
	Name() string
	Decide(ctx context.Context, pc PromptContext) (ProviderDecision, error)
}

// ProviderDecision is the structured answer a provider returns.
type ProviderDecision struct {
	NextWorkers []string `json:"next_workers"`
	Confidence  float64  `json:"confidence"`
	Escalate    bool     `json:"escalate"`
	Reason      string   `json:"reason"`
}

// PromptContext is everything the provider is shown about the run.
type PromptContext struct {
	RunID     string           `json:"run_id"`
	Goal      string           `json:"goal,omitempty"`
	Worker    string           `json:"completed_worker"`
	Status    state.Status     `json:"status"`
	Error     string           `json:"error,omitempty"`
	Completed []string         `json:"completed_workers"`
	Failed    []string         `json:"failed_workers,omitempty"`
	Available []string         `json:"available_artifacts"`
	Previews  []Preview        `json:"artifact_previews,omitempty"`
	Workers   []CandidateEntry `json:"candidate_workers"`
}

// Preview is a truncated look at one artifact's content.
type Preview struct {
	Key       string `json:"key"`
	Content   string `json:"content"`
	Truncated bool   `json:"truncated,omitempty"`
}

// CandidateEntry describes a worker the provider may choose.
type CandidateEntry struct {
	Name           string   `json:"name"`
	Label          string   `json:"label,omitempty"`
	RequiredInputs []string `json:"required_inputs,omitempty"`
	Outputs        []string `json:"outputs,omitempty"`
}

// Completer is a JSON-only chat completion client (OpenRouter, Gemini).
type Completer interface {
	Name() string
	CompleteJSON(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

// routingPrompt is the system prompt for every routing request.
const routingPrompt = `You route an analysis pipeline made of independent expert workers.
A worker has just finished. Choose which of the candidate workers should run next.
Only name workers from candidate_workers. Return an empty list when the pipeline should stop.
Set "escalate" to true when a human should review the results before anything else runs.
Respond with JSON only:
{"next_workers": ["<name>", ...], "confidence": <0..1>, "escalate": <bool>, "reason": "<one sentence>"}`

type jsonProvider struct {
	client Completer
}

// NewJSONProvider adapts a Completer into a Provider.
func NewJSONProvider(client Completer) Provider {
	return &jsonProvider{client: client}
}

func (p *jsonProvider) Name() string { return p.client.Name() }

func (p *jsonProvider) Decide(ctx context.Context, pc PromptContext) (ProviderDecision, error) {
	var out ProviderDecision
	user, err := json.MarshalIndent(pc, "", "  ")
	if err != nil {
		return out, fmt.Errorf("encode prompt context: %w", err)
	}
	content, err := p.client.CompleteJSON(ctx, routingPrompt, string(user))
	if err != nil {
		return out, err
	}
	if err := llm.DecodeLLMJSON(content, &out); err != nil {
		return out, fmt.Errorf("parse routing decision: %w", err)
	}
	out.Confidence = clamp(out.Confidence)
	out.Reason = strings.TrimSpace(out.Reason)
	for i, name := range out.NextWorkers {
		out.NextWorkers[i] = strings.TrimSpace(name)
	}
	return out, nil
}

func clamp(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
