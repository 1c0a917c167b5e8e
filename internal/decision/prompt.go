package decision

import (
	"context"
	"log/slog"
	"slices"
	"strings"
	"unicode/utf8"

	"foreman/internal/artifact"
	"foreman/internal/logging"
	"foreman/internal/registry"
)

// buildPrompt assembles the provider context. Previews favour the outputs of
// the worker that just finished, then the remaining artifacts in key order.
func buildPrompt(ctx context.Context, reg *registry.Registry, store artifact.Store, in Input, maxPreviews, previewBytes int, logger *slog.Logger) PromptContext {
	if logger == nil {
		logger = logging.NewNop()
	}
	s := in.State
	pc := PromptContext{
		RunID:     s.RunID,
		Goal:      s.Goal,
		Worker:    in.Outcome.Worker,
		Status:    in.Outcome.Status,
		Error:     in.Outcome.ErrorDetail,
		Completed: s.CompletedNames(),
		Failed:    s.FailedNames(),
	}

	keys, err := store.List(ctx, "")
	if err != nil {
		logger.Warn("list artifacts for prompt failed",
			logging.String(logging.FieldEventType, "prompt_artifacts_unavailable"),
			logging.Error(err),
		)
	}
	pc.Available = keys

	order := make([]string, 0, len(keys))
	for _, key := range in.Outcome.Outputs {
		if slices.Contains(keys, key) {
			order = append(order, key)
		}
	}
	for _, key := range keys {
		if !slices.Contains(order, key) {
			order = append(order, key)
		}
	}
	for _, key := range order {
		if len(pc.Previews) >= maxPreviews {
			break
		}
		rec, err := store.Get(ctx, key)
		if err != nil {
			continue
		}
		pc.Previews = append(pc.Previews, preview(key, rec.Content, previewBytes))
	}

	done := s.DoneSet()
	running := s.RunningSet()
	for _, desc := range reg.All() {
		if done[desc.Name] || running[desc.Name] {
			continue
		}
		pc.Workers = append(pc.Workers, CandidateEntry{
			Name:           desc.Name,
			Label:          desc.Label,
			RequiredInputs: desc.Inputs.Required,
			Outputs:        desc.Outputs,
		})
	}
	return pc
}

func preview(key string, content []byte, limit int) Preview {
	p := Preview{Key: key}
	if !utf8.Valid(content) {
		p.Content = "<binary content>"
		return p
	}
	if limit > 0 && len(content) > limit {
		content = content[:limit]
		// Do not split a multi-byte rune.
		for len(content) > 0 && !utf8.Valid(content) {
			content = content[:len(content)-1]
		}
		p.Truncated = true
	}
	p.Content = strings.TrimSpace(string(content))
	return p
}
