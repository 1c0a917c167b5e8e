package decision

import (
	"context"
	"log/slog"

	"foreman/internal/artifact"
	"foreman/internal/config"
	"foreman/internal/logging"
	"foreman/internal/registry"
	"foreman/internal/services"
	"foreman/internal/services/gemini"
	"foreman/internal/services/llm"
)

// NewFromConfig returns the maker selected by the [decision] section: an
// Adaptive maker when a provider is configured, Static otherwise.
func NewFromConfig(ctx context.Context, cfg *config.Config, reg *registry.Registry, store artifact.Store, logger *slog.Logger) (Maker, error) {
	log := logging.NewComponentLogger(logger, "decision")
	if !cfg.AdaptiveEnabled() {
		log.Info("static routing selected",
			logging.Args(logging.DecisionAttrs("routing_mode", "static", "no reasoning provider configured")...)...)
		return NewStatic(reg), nil
	}
	provider, err := NewProvider(ctx, cfg)
	if err != nil {
		return nil, err
	}
	policy := "static_fallback"
	if cfg.Decision.AdaptiveOnly {
		policy = "adaptive_only"
	}
	log.Info("adaptive routing selected",
		logging.Args(append(logging.DecisionAttrs("routing_mode", "adaptive", provider.Name()),
			logging.String("decision_options", policy))...)...)
	return NewAdaptive(AdaptiveOptions{
		Provider:         provider,
		Registry:         reg,
		Store:            store,
		Threshold:        cfg.Decision.ConfidenceThreshold,
		EscalateBelow:    cfg.Decision.EscalateBelow,
		AdaptiveOnly:     cfg.Decision.AdaptiveOnly,
		EscalationWorker: cfg.Decision.EscalationWorker,
		Timeout:          cfg.ProviderTimeout(),
		MaxPreviews:      cfg.Decision.MaxPreviews,
		PreviewBytes:     cfg.Decision.PreviewBytes,
		Logger:           logger,
	})
}

// NewProvider builds the reasoning provider named by decision.provider.
func NewProvider(ctx context.Context, cfg *config.Config) (Provider, error) {
	switch cfg.Decision.Provider {
	case config.ProviderOpenRouter:
		llmCfg := cfg.GetLLM()
		return NewJSONProvider(llm.NewClient(llm.Config{
			APIKey:         llmCfg.APIKey,
			BaseURL:        llmCfg.BaseURL,
			Model:          llmCfg.Model,
			Referer:        llmCfg.Referer,
			Title:          llmCfg.Title,
			TimeoutSeconds: llmCfg.TimeoutSeconds,
		})), nil
	case config.ProviderGemini:
		client, err := gemini.NewClient(ctx, gemini.Config{APIKey: cfg.Gemini.APIKey, Model: cfg.Gemini.Model})
		if err != nil {
			return nil, services.Wrap(services.ErrConfiguration, "decision", "gemini", "create client", err)
		}
		return NewJSONProvider(client), nil
	default:
		return nil, services.Wrap(services.ErrConfiguration, "decision", "provider",
			"unsupported provider "+cfg.Decision.Provider, nil)
	}
}
