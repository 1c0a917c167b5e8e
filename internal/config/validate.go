package config

import (
	"errors"
	"fmt"
	"strings"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validatePaths(); err != nil {
		return err
	}
	if err := c.validatePipeline(); err != nil {
		return err
	}
	if err := c.validateDecision(); err != nil {
		return err
	}
	if err := c.validateArtifacts(); err != nil {
		return err
	}
	if err := c.validateState(); err != nil {
		return err
	}
	if err := c.validateLogging(); err != nil {
		return err
	}
	if err := c.validateGoals(); err != nil {
		return err
	}
	return nil
}

func (c *Config) validatePaths() error {
	if strings.TrimSpace(c.Paths.RunsDir) == "" {
		return errors.New("paths.runs_dir must be set")
	}
	if strings.TrimSpace(c.Paths.WorkersDir) == "" {
		return errors.New("paths.workers_dir must be set")
	}
	return nil
}

func (c *Config) validatePipeline() error {
	if c.Pipeline.MaxParallel < 0 {
		return errors.New("pipeline.max_parallel must be zero (unbounded) or positive")
	}
	if err := ensurePositiveMap(map[string]int{
		"pipeline.poll_interval_seconds":          c.Pipeline.PollIntervalSeconds,
		"pipeline.run_timeout_minutes":            c.Pipeline.RunTimeoutMinutes,
		"pipeline.default_worker_timeout_seconds": c.Pipeline.DefaultWorkerTimeoutSeconds,
		"notifications.request_timeout":           c.Notifications.RequestTimeout,
	}); err != nil {
		return err
	}
	if c.Pipeline.InputWaitSeconds < 0 {
		return errors.New("pipeline.input_wait_seconds must not be negative")
	}
	switch c.Pipeline.TimeoutPolicy {
	case TimeoutPolicyFail, TimeoutPolicyCompleteIfProgress:
	default:
		return fmt.Errorf("pipeline.timeout_policy: unsupported value %q (want %q or %q)",
			c.Pipeline.TimeoutPolicy, TimeoutPolicyFail, TimeoutPolicyCompleteIfProgress)
	}
	for _, key := range c.Pipeline.ExternalInputs {
		if strings.HasPrefix(key, "/") {
			return fmt.Errorf("pipeline.external_inputs: %q must be relative to the run output directory", key)
		}
	}
	return nil
}

func (c *Config) validateDecision() error {
	switch c.Decision.Mode {
	case DecisionModeStatic, DecisionModeAdaptive:
	default:
		return fmt.Errorf("decision.mode: unsupported value %q (want %q or %q)",
			c.Decision.Mode, DecisionModeStatic, DecisionModeAdaptive)
	}
	if c.Decision.ConfidenceThreshold < 0 || c.Decision.ConfidenceThreshold > 1 {
		return errors.New("decision.confidence_threshold must be between 0 and 1")
	}
	if c.Decision.EscalateBelow < 0 || c.Decision.EscalateBelow > 1 {
		return errors.New("decision.escalate_below must be between 0 and 1")
	}
	if c.Decision.EscalateBelow > c.Decision.ConfidenceThreshold {
		return errors.New("decision.escalate_below must not exceed decision.confidence_threshold")
	}
	if c.Decision.ProviderTimeoutSeconds <= 0 {
		return errors.New("decision.provider_timeout_seconds must be positive")
	}
	switch c.Decision.Provider {
	case "":
	case ProviderOpenRouter:
		if c.LLM.APIKey == "" {
			return errors.New("llm.api_key is required when decision.provider is openrouter (or set OPENROUTER_API_KEY)")
		}
	case ProviderGemini:
		if c.Gemini.APIKey == "" {
			return errors.New("gemini.api_key is required when decision.provider is gemini (or set GEMINI_API_KEY)")
		}
	default:
		return fmt.Errorf("decision.provider: unsupported value %q", c.Decision.Provider)
	}
	if c.AdaptiveEnabled() && c.Decision.EscalationWorker == "" {
		return errors.New("decision.escalation_worker must be set for adaptive mode")
	}
	return nil
}

func (c *Config) validateArtifacts() error {
	switch c.Artifacts.Backend {
	case ArtifactBackendDir:
	case ArtifactBackendS3:
		s3 := c.Artifacts.S3
		if s3.Endpoint == "" || s3.Bucket == "" {
			return errors.New("artifacts.s3.endpoint and artifacts.s3.bucket must be set for the s3 backend")
		}
		if strings.TrimSpace(s3.AccessKey) == "" || strings.TrimSpace(s3.SecretKey) == "" {
			return errors.New("artifacts.s3.access_key and artifacts.s3.secret_key must be set for the s3 backend")
		}
	case ArtifactBackendPostgres:
		if c.Artifacts.Postgres.DSN == "" {
			return errors.New("artifacts.postgres.dsn must be set for the postgres backend (or set FOREMAN_PG_DSN)")
		}
	default:
		return fmt.Errorf("artifacts.backend: unsupported value %q", c.Artifacts.Backend)
	}
	return nil
}

func (c *Config) validateState() error {
	switch c.State.Backend {
	case StateBackendFile, StateBackendSQLite:
		return nil
	default:
		return fmt.Errorf("state.backend: unsupported value %q", c.State.Backend)
	}
}

func (c *Config) validateLogging() error {
	switch c.Logging.Format {
	case "console", "json":
	default:
		return fmt.Errorf("logging.format: unsupported value %q", c.Logging.Format)
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level: unsupported value %q", c.Logging.Level)
	}
	return nil
}

func (c *Config) validateGoals() error {
	for name, goal := range c.Goals {
		if strings.TrimSpace(name) == "" {
			return errors.New("goals: goal name must not be empty")
		}
		for _, key := range goal.ExpectedOutputs {
			if strings.HasPrefix(key, "/") {
				return fmt.Errorf("goals.%s.expected_outputs: %q must be relative", name, key)
			}
		}
	}
	return nil
}

func ensurePositiveMap(values map[string]int) error {
	for key, value := range values {
		if value <= 0 {
			return fmt.Errorf("%s must be positive", key)
		}
	}
	return nil
}
