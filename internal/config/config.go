package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Paths contains directory configuration.
type Paths struct {
	RunsDir    string `toml:"runs_dir"`
	WorkersDir string `toml:"workers_dir"`
	LogDir     string `toml:"log_dir"`
}

// Pipeline contains driver loop settings.
type Pipeline struct {
	MaxParallel                 int      `toml:"max_parallel"`
	PollIntervalSeconds         int      `toml:"poll_interval_seconds"`
	RunTimeoutMinutes           int      `toml:"run_timeout_minutes"`
	TimeoutPolicy               string   `toml:"timeout_policy"`
	InputWaitSeconds            int      `toml:"input_wait_seconds"`
	DefaultWorkerTimeoutSeconds int      `toml:"default_worker_timeout_seconds"`
	ExternalInputs              []string `toml:"external_inputs"`
	FinalWorker                 string   `toml:"final_worker"`
}

// Decision contains orchestration decision settings.
type Decision struct {
	// Mode is "static" or "adaptive". Adaptive without a configured provider
	// behaves as static.
	Mode string `toml:"mode"`
	// AdaptiveOnly disables the static fallback when the provider fails or is
	// not confident enough.
	AdaptiveOnly           bool    `toml:"adaptive_only"`
	ConfidenceThreshold    float64 `toml:"confidence_threshold"`
	EscalateBelow          float64 `toml:"escalate_below"`
	EscalationWorker       string  `toml:"escalation_worker"`
	Provider               string  `toml:"provider"`
	ProviderTimeoutSeconds int     `toml:"provider_timeout_seconds"`
	PreviewBytes           int     `toml:"preview_bytes"`
	MaxPreviews            int     `toml:"max_previews"`
}

// LLM contains OpenRouter-compatible connection settings.
type LLM struct {
	APIKey         string `toml:"api_key"`
	BaseURL        string `toml:"base_url"`
	Model          string `toml:"model"`
	Referer        string `toml:"referer"`
	Title          string `toml:"title"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
}

// Gemini contains Google Gemini connection settings.
type Gemini struct {
	APIKey string `toml:"api_key"`
	Model  string `toml:"model"`
}

// S3 contains object storage settings for the s3 artifact backend.
type S3 struct {
	Endpoint  string `toml:"endpoint"`
	Region    string `toml:"region"`
	AccessKey string `toml:"access_key"`
	SecretKey string `toml:"secret_key"`
	Bucket    string `toml:"bucket"`
	UseSSL    bool   `toml:"use_ssl"`
}

// Postgres contains settings for the postgres artifact backend.
type Postgres struct {
	DSN string `toml:"dsn"`
}

// ArtifactCache configures the in-memory content cache placed in front of
// remote artifact backends.
type ArtifactCache struct {
	Enabled    bool `toml:"enabled"`
	MaxEntries int  `toml:"max_entries"`
}

// Artifacts selects and configures the artifact store backend.
type Artifacts struct {
	Backend  string        `toml:"backend"`
	Cache    ArtifactCache `toml:"cache"`
	S3       S3            `toml:"s3"`
	Postgres Postgres      `toml:"postgres"`
}

// State selects where pipeline state snapshots are persisted.
type State struct {
	Backend    string `toml:"backend"`
	SQLitePath string `toml:"sqlite_path"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format string `toml:"format"`
	Level  string `toml:"level"`
}

// Notifications contains configuration for ntfy push notifications.
type Notifications struct {
	NtfyTopic      string `toml:"ntfy_topic"`
	RequestTimeout int    `toml:"request_timeout"`
	RunStarted     bool   `toml:"run_started"`
	RunCompleted   bool   `toml:"run_completed"`
	RunFailed      bool   `toml:"run_failed"`
	WorkerFailed   bool   `toml:"worker_failed"`
	Escalation     bool   `toml:"escalation"`
}

// Metrics contains the Prometheus exporter settings.
type Metrics struct {
	Addr string `toml:"addr"`
}

// Goal names a set of entry workers and the outputs a successful run must
// produce.
type Goal struct {
	Description     string   `toml:"description"`
	InitialWorkers  []string `toml:"initial_workers"`
	ExpectedOutputs []string `toml:"expected_outputs"`
}

// Config encapsulates all configuration values for foreman.
//
// Configuration sections by subsystem:
//   - Paths: run, worker descriptor, and log directories
//   - Pipeline: parallelism, polling, timeouts, and external inputs
//   - Decision: static vs adaptive routing and escalation policy
//   - LLM / Gemini: reasoning provider credentials
//   - Artifacts: artifact store backend and cache
//   - State: pipeline state persistence backend
//   - Logging, Notifications, Metrics: observability
//   - Goals: named entry points with expected outputs
type Config struct {
	Paths         Paths           `toml:"paths"`
	Pipeline      Pipeline        `toml:"pipeline"`
	Decision      Decision        `toml:"decision"`
	LLM           LLM             `toml:"llm"`
	Gemini        Gemini          `toml:"gemini"`
	Artifacts     Artifacts       `toml:"artifacts"`
	State         State           `toml:"state"`
	Logging       Logging         `toml:"logging"`
	Notifications Notifications   `toml:"notifications"`
	Metrics       Metrics         `toml:"metrics"`
	Goals         map[string]Goal `toml:"goals"`
}

// DefaultConfigPath returns the absolute path to the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath(defaultConfigPath)
}

// Load locates, parses, and validates a configuration file. The returned config has all
// path fields expanded and normalized.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		decoder.DisallowUnknownFields()
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		_, err = os.Stat(expanded)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := expandPath(defaultConfigPath)
	if err != nil {
		return "", false, err
	}

	projectPath, err := filepath.Abs("foreman.toml")
	if err != nil {
		return "", false, err
	}

	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	if info, err := os.Stat(projectPath); err == nil && !info.IsDir() {
		return projectPath, true, nil
	}

	return defaultPath, false, nil
}

// EnsureDirectories creates the directories a run needs.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.Paths.RunsDir, c.Paths.LogDir} {
		if strings.TrimSpace(dir) == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	return nil
}

// RunDir returns the directory that holds everything belonging to one run.
func (c *Config) RunDir(runID string) string {
	return filepath.Join(c.Paths.RunsDir, runID)
}

// RunOutputDir returns the artifact root for a run (OUT_DIR for workers).
func (c *Config) RunOutputDir(runID string) string {
	return filepath.Join(c.RunDir(runID), "out")
}

// RunLogDir returns the directory holding per-worker logs for a run.
func (c *Config) RunLogDir(runID string) string {
	return filepath.Join(c.RunDir(runID), "logs")
}

// SQLitePath returns the state database path for the sqlite state backend.
func (c *Config) SQLitePath() string {
	if strings.TrimSpace(c.State.SQLitePath) != "" {
		return c.State.SQLitePath
	}
	return filepath.Join(c.Paths.RunsDir, "foreman.db")
}

// PollInterval returns the driver loop fallback poll interval.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Pipeline.PollIntervalSeconds) * time.Second
}

// RunTimeout returns the pipeline-wide hard ceiling.
func (c *Config) RunTimeout() time.Duration {
	return time.Duration(c.Pipeline.RunTimeoutMinutes) * time.Minute
}

// InputWait returns how long the driver waits for external inputs before
// declaring a deadlock. Zero means no wait.
func (c *Config) InputWait() time.Duration {
	return time.Duration(c.Pipeline.InputWaitSeconds) * time.Second
}

// DefaultWorkerTimeout returns the timeout applied to descriptors that omit one.
func (c *Config) DefaultWorkerTimeout() time.Duration {
	return time.Duration(c.Pipeline.DefaultWorkerTimeoutSeconds) * time.Second
}

// ProviderTimeout bounds a single reasoning provider call.
func (c *Config) ProviderTimeout() time.Duration {
	return time.Duration(c.Decision.ProviderTimeoutSeconds) * time.Second
}

// AdaptiveEnabled reports whether adaptive routing is active: adaptive mode
// with a configured provider.
func (c *Config) AdaptiveEnabled() bool {
	return c.Decision.Mode == DecisionModeAdaptive && c.Decision.Provider != ""
}

// Goal looks up a named goal.
func (c *Config) Goal(name string) (Goal, bool) {
	name = strings.TrimSpace(name)
	if name == "" || c.Goals == nil {
		return Goal{}, false
	}
	goal, ok := c.Goals[name]
	return goal, ok
}

// GoalNames returns the configured goal names in sorted order.
func (c *Config) GoalNames() []string {
	names := make([]string, 0, len(c.Goals))
	for name := range c.Goals {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	cleaned := filepath.Clean(pathValue)
	absolute, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", cleaned, err)
	}
	return absolute, nil
}

// ExpandPath exposes the repository path expansion rules for other packages.
func ExpandPath(pathValue string) (string, error) {
	return expandPath(pathValue)
}

// CreateSample writes a sample configuration file to the specified location.
func CreateSample(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}

	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}

// Encode renders the effective configuration as TOML.
func (c *Config) Encode() ([]byte, error) {
	data, err := toml.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("encode config: %w", err)
	}
	return data, nil
}

// LLMConfig contains common LLM settings used by the OpenRouter provider.
type LLMConfig struct {
	APIKey         string
	BaseURL        string
	Model          string
	Referer        string
	Title          string
	TimeoutSeconds int
}

// GetLLM returns the shared LLM connection settings.
func (c *Config) GetLLM() LLMConfig {
	return LLMConfig{
		APIKey:         strings.TrimSpace(c.LLM.APIKey),
		BaseURL:        strings.TrimSpace(c.LLM.BaseURL),
		Model:          strings.TrimSpace(c.LLM.Model),
		Referer:        strings.TrimSpace(c.LLM.Referer),
		Title:          strings.TrimSpace(c.LLM.Title),
		TimeoutSeconds: c.LLM.TimeoutSeconds,
	}
}
