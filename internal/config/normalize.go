package config

import (
	"fmt"
	"os"
	"strings"
)

func (c *Config) normalize() error {
	if err := c.normalizePaths(); err != nil {
		return err
	}
	c.normalizePipeline()
	c.normalizeDecision()
	c.normalizeLLM()
	c.normalizeGemini()
	c.normalizeArtifacts()
	if err := c.normalizeState(); err != nil {
		return err
	}
	c.normalizeLogging()
	c.normalizeGoals()
	return nil
}

func (c *Config) normalizePaths() error {
	var err error
	if strings.TrimSpace(c.Paths.RunsDir) == "" {
		c.Paths.RunsDir = defaultRunsDir
	}
	if c.Paths.RunsDir, err = expandPath(c.Paths.RunsDir); err != nil {
		return fmt.Errorf("paths.runs_dir: %w", err)
	}
	if strings.TrimSpace(c.Paths.WorkersDir) == "" {
		c.Paths.WorkersDir = defaultWorkersDir
	}
	if c.Paths.WorkersDir, err = expandPath(c.Paths.WorkersDir); err != nil {
		return fmt.Errorf("paths.workers_dir: %w", err)
	}
	if c.Paths.LogDir, err = expandPath(c.Paths.LogDir); err != nil {
		return fmt.Errorf("paths.log_dir: %w", err)
	}
	return nil
}

func (c *Config) normalizePipeline() {
	c.Pipeline.TimeoutPolicy = strings.ToLower(strings.TrimSpace(c.Pipeline.TimeoutPolicy))
	if c.Pipeline.TimeoutPolicy == "" {
		c.Pipeline.TimeoutPolicy = TimeoutPolicyFail
	}
	c.Pipeline.FinalWorker = strings.TrimSpace(c.Pipeline.FinalWorker)
	c.Pipeline.ExternalInputs = trimList(c.Pipeline.ExternalInputs)
}

func (c *Config) normalizeDecision() {
	c.Decision.Mode = strings.ToLower(strings.TrimSpace(c.Decision.Mode))
	if c.Decision.Mode == "" {
		c.Decision.Mode = DecisionModeAdaptive
	}
	c.Decision.Provider = strings.ToLower(strings.TrimSpace(c.Decision.Provider))
	c.Decision.EscalationWorker = strings.TrimSpace(c.Decision.EscalationWorker)
	if c.Decision.PreviewBytes <= 0 {
		c.Decision.PreviewBytes = defaultPreviewBytes
	}
	if c.Decision.MaxPreviews < 0 {
		c.Decision.MaxPreviews = 0
	}
}

func (c *Config) normalizeLLM() {
	c.LLM.APIKey = strings.TrimSpace(c.LLM.APIKey)
	if c.LLM.APIKey == "" {
		if value, ok := os.LookupEnv("FOREMAN_LLM_API_KEY"); ok {
			c.LLM.APIKey = strings.TrimSpace(value)
		} else if value, ok := os.LookupEnv("OPENROUTER_API_KEY"); ok {
			c.LLM.APIKey = strings.TrimSpace(value)
		}
	}
	c.LLM.BaseURL = strings.TrimSpace(c.LLM.BaseURL)
	if c.LLM.BaseURL == "" {
		c.LLM.BaseURL = defaultLLMBaseURL
	}
	c.LLM.Model = strings.TrimSpace(c.LLM.Model)
	if c.LLM.Model == "" {
		c.LLM.Model = defaultLLMModel
	}
	if c.LLM.TimeoutSeconds <= 0 {
		c.LLM.TimeoutSeconds = defaultLLMTimeoutSeconds
	}
}

func (c *Config) normalizeGemini() {
	c.Gemini.APIKey = strings.TrimSpace(c.Gemini.APIKey)
	if c.Gemini.APIKey == "" {
		if value, ok := os.LookupEnv("GEMINI_API_KEY"); ok {
			c.Gemini.APIKey = strings.TrimSpace(value)
		} else if value, ok := os.LookupEnv("GOOGLE_API_KEY"); ok {
			c.Gemini.APIKey = strings.TrimSpace(value)
		}
	}
	c.Gemini.Model = strings.TrimSpace(c.Gemini.Model)
	if c.Gemini.Model == "" {
		c.Gemini.Model = defaultGeminiModel
	}
}

func (c *Config) normalizeArtifacts() {
	c.Artifacts.Backend = strings.ToLower(strings.TrimSpace(c.Artifacts.Backend))
	if c.Artifacts.Backend == "" {
		c.Artifacts.Backend = ArtifactBackendDir
	}
	if c.Artifacts.Cache.MaxEntries <= 0 {
		c.Artifacts.Cache.MaxEntries = defaultArtifactCacheMaxEntries
	}
	s3 := &c.Artifacts.S3
	s3.Endpoint = strings.TrimSpace(s3.Endpoint)
	s3.Bucket = strings.TrimSpace(s3.Bucket)
	s3.Region = strings.TrimSpace(s3.Region)
	if s3.Region == "" {
		s3.Region = defaultS3Region
	}
	if strings.TrimSpace(s3.AccessKey) == "" {
		s3.AccessKey = strings.TrimSpace(os.Getenv("FOREMAN_S3_ACCESS_KEY"))
	}
	if strings.TrimSpace(s3.SecretKey) == "" {
		s3.SecretKey = strings.TrimSpace(os.Getenv("FOREMAN_S3_SECRET_KEY"))
	}
	c.Artifacts.Postgres.DSN = strings.TrimSpace(c.Artifacts.Postgres.DSN)
	if c.Artifacts.Postgres.DSN == "" {
		c.Artifacts.Postgres.DSN = strings.TrimSpace(os.Getenv("FOREMAN_PG_DSN"))
	}
}

func (c *Config) normalizeState() error {
	c.State.Backend = strings.ToLower(strings.TrimSpace(c.State.Backend))
	if c.State.Backend == "" {
		c.State.Backend = StateBackendFile
	}
	if strings.TrimSpace(c.State.SQLitePath) == "" {
		return nil
	}
	var err error
	if c.State.SQLitePath, err = expandPath(c.State.SQLitePath); err != nil {
		return fmt.Errorf("state.sqlite_path: %w", err)
	}
	return nil
}

func (c *Config) normalizeLogging() {
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	if c.Logging.Format == "" {
		c.Logging.Format = defaultLogFormat
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
}

func (c *Config) normalizeGoals() {
	for name, goal := range c.Goals {
		goal.InitialWorkers = trimList(goal.InitialWorkers)
		goal.ExpectedOutputs = trimList(goal.ExpectedOutputs)
		goal.Description = strings.TrimSpace(goal.Description)
		c.Goals[name] = goal
	}
}

func trimList(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
