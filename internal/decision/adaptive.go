package decision

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"foreman/internal/artifact"
	"foreman/internal/logging"
	"foreman/internal/registry"
	"foreman/internal/services"
)

// AdaptiveOptions configures an Adaptive maker.
type AdaptiveOptions struct {
	Provider Provider
	Registry *registry.Registry
	Store    artifact.Store
	// Threshold is the minimum confidence for a provider answer to be used.
	Threshold float64
	// EscalateBelow escalates instead of falling back when confidence is
	// below it. Zero disables.
	EscalateBelow float64
	// AdaptiveOnly disables the static fallback.
	AdaptiveOnly     bool
	EscalationWorker string
	Timeout          time.Duration
	MaxPreviews      int
	PreviewBytes     int
	Logger           *slog.Logger
}

// Adaptive asks a reasoning provider for the next workers and guards the
// answer with a confidence threshold, a static fallback, and escalation.
type Adaptive struct {
	opts   AdaptiveOptions
	static *Static
	logger *slog.Logger
}

// NewAdaptive validates opts and returns an adaptive maker.
func NewAdaptive(opts AdaptiveOptions) (*Adaptive, error) {
	if opts.Provider == nil {
		return nil, errors.New("decision: provider is required for adaptive routing")
	}
	if opts.Registry == nil || opts.Store == nil {
		return nil, errors.New("decision: registry and store are required")
	}
	if !opts.Registry.Has(opts.EscalationWorker) {
		return nil, services.Wrap(services.ErrConfiguration, "decision", "adaptive",
			fmt.Sprintf("escalation worker %q is not registered", opts.EscalationWorker), nil)
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	return &Adaptive{
		opts:   opts,
		static: NewStatic(opts.Registry),
		logger: logging.NewComponentLogger(opts.Logger, "decision"),
	}, nil
}

// Decide implements Maker.
func (a *Adaptive) Decide(ctx context.Context, in Input) (Decision, error) {
	logger := logging.WithContext(ctx, a.logger)
	if in.State.Escalated() {
		return Decision{Strategy: StrategyEscalation, Reason: "run already escalated"}, nil
	}

	pc := buildPrompt(ctx, a.opts.Registry, a.opts.Store, in, a.opts.MaxPreviews, a.opts.PreviewBytes, logger)
	callCtx, cancel := context.WithTimeout(ctx, a.opts.Timeout)
	answer, err := a.opts.Provider.Decide(callCtx, pc)
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			return Decision{}, ctx.Err()
		}
		err = services.Wrap(services.ErrProviderUnavailable, "decision", a.opts.Provider.Name(), "provider call failed", err)
		attrs := append(logging.ErrorAttrs(err), logging.String(logging.FieldImpact, a.fallbackImpact()))
		logging.WarnWithContext(logger, "reasoning provider unavailable", "provider_unavailable", attrs...)
		return a.fallback(ctx, in, fmt.Sprintf("provider unavailable: %v", err), 0)
	}

	if answer.Escalate {
		return a.escalate(logger, in, answer.Confidence, nonEmpty(answer.Reason, "provider requested escalation")), nil
	}
	if a.opts.EscalateBelow > 0 && answer.Confidence < a.opts.EscalateBelow {
		return a.escalate(logger, in, answer.Confidence,
			fmt.Sprintf("confidence %.2f below escalation floor %.2f", answer.Confidence, a.opts.EscalateBelow)), nil
	}
	if answer.Confidence < a.opts.Threshold {
		logger.Info("provider answer below confidence threshold",
			logging.Args(logging.DecisionAttrs("adaptive_routing", "rejected",
				fmt.Sprintf("confidence %.2f < %.2f", answer.Confidence, a.opts.Threshold))...)...,
		)
		return a.fallback(ctx, in,
			fmt.Sprintf("low confidence %.2f (threshold %.2f)", answer.Confidence, a.opts.Threshold), answer.Confidence)
	}

	known, unknown := a.opts.Registry.Filter(answer.NextWorkers)
	if len(unknown) > 0 {
		if a.opts.AdaptiveOnly {
			return a.escalate(logger, in, answer.Confidence,
				"provider named unknown workers: "+strings.Join(unknown, ", ")), nil
		}
		logging.WarnWithContext(logger, "dropping unknown workers from provider answer", "provider_unknown_workers",
			logging.Strings("unknown", unknown),
			logging.String(logging.FieldImpact, "only registered workers are triggered"),
			logging.String(logging.FieldErrorHint, "check the provider model or the candidate list in the prompt"),
		)
	}

	d := Decision{
		NextWorkers: pending(known, in.State),
		Confidence:  answer.Confidence,
		Reason:      nonEmpty(answer.Reason, "provider decision"),
		Strategy:    StrategyAdaptive,
	}
	a.logDecision(logger, d)
	return d, nil
}

// EscalationWorker returns the worker that receives escalations.
func (a *Adaptive) EscalationWorker() string { return a.opts.EscalationWorker }

func (a *Adaptive) fallback(ctx context.Context, in Input, reason string, confidence float64) (Decision, error) {
	if a.opts.AdaptiveOnly {
		d := Decision{Confidence: confidence, Reason: reason, Strategy: StrategyAdaptive}
		a.logDecision(logging.WithContext(ctx, a.logger), d)
		return d, nil
	}
	d, err := a.static.Decide(ctx, in)
	if err != nil {
		return Decision{}, err
	}
	d.Fallback = true
	d.Reason = reason + "; " + d.Reason
	a.logDecision(logging.WithContext(ctx, a.logger), d)
	return d, nil
}

func (a *Adaptive) escalate(logger *slog.Logger, in Input, confidence float64, reason string) Decision {
	d := Decision{
		NextWorkers: pending([]string{a.opts.EscalationWorker}, in.State),
		Confidence:  confidence,
		Escalate:    true,
		Reason:      reason,
		Strategy:    StrategyEscalation,
	}
	logger.Warn("escalating to human review",
		logging.String(logging.FieldEventType, "escalation_requested"),
		logging.String("target", a.opts.EscalationWorker),
		logging.Float64("confidence", confidence),
		logging.String("reason", reason),
		logging.Alert("escalation"),
	)
	return d
}

func (a *Adaptive) fallbackImpact() string {
	if a.opts.AdaptiveOnly {
		return "no workers are triggered by this completion"
	}
	return "static routing is used for this completion"
}

func (a *Adaptive) logDecision(logger *slog.Logger, d Decision) {
	result := strings.Join(d.NextWorkers, ",")
	if result == "" {
		result = "none"
	}
	attrs := logging.DecisionAttrs("next_workers", result, d.Reason)
	attrs = append(attrs,
		logging.String("strategy", string(d.Strategy)),
		logging.Float64("confidence", d.Confidence),
		logging.Bool("fallback", d.Fallback),
	)
	logger.Info("routing decision", logging.Args(attrs...)...)
}

func nonEmpty(value, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}
