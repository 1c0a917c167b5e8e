package config

const (
	defaultConfigPath                  = "~/.config/foreman/config.toml"
	defaultRunsDir                     = "~/.local/share/foreman/runs"
	defaultWorkersDir                  = "~/.config/foreman/workers"
	defaultLogDir                      = "~/.local/share/foreman/logs"
	defaultMaxParallel                 = 4
	defaultPollIntervalSeconds         = 2
	defaultRunTimeoutMinutes           = 30
	defaultWorkerTimeoutSeconds        = 600
	defaultConfidenceThreshold         = 0.7
	defaultEscalationWorker            = "reporter"
	defaultProviderTimeoutSeconds      = 60
	defaultPreviewBytes                = 512
	defaultMaxPreviews                 = 8
	defaultLLMBaseURL                  = "https://openrouter.ai/api/v1/chat/completions"
	defaultLLMModel                    = "google/gemini-3-flash-preview"
	defaultLLMReferer                  = "https://github.com/foreman-pipeline/foreman"
	defaultLLMTitle                    = "Foreman Orchestrator"
	defaultLLMTimeoutSeconds           = 60
	defaultGeminiModel                 = "gemini-2.5-flash"
	defaultS3Region                    = "us-east-1"
	defaultArtifactCacheMaxEntries     = 1024
	defaultLogFormat                   = "console"
	defaultLogLevel                    = "info"
	defaultNotificationsRequestTimeout = 10
)

// Timeout policies applied when the pipeline-wide run timeout elapses.
const (
	TimeoutPolicyFail               = "fail"
	TimeoutPolicyCompleteIfProgress = "complete_if_progress"
)

// Decision modes.
const (
	DecisionModeStatic   = "static"
	DecisionModeAdaptive = "adaptive"
)

// Reasoning providers.
const (
	ProviderOpenRouter = "openrouter"
	ProviderGemini     = "gemini"
)

// Artifact backends.
const (
	ArtifactBackendDir      = "dir"
	ArtifactBackendS3       = "s3"
	ArtifactBackendPostgres = "postgres"
)

// State backends.
const (
	StateBackendFile   = "file"
	StateBackendSQLite = "sqlite"
)

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			RunsDir:    defaultRunsDir,
			WorkersDir: defaultWorkersDir,
			LogDir:     defaultLogDir,
		},
		Pipeline: Pipeline{
			MaxParallel:                 defaultMaxParallel,
			PollIntervalSeconds:         defaultPollIntervalSeconds,
			RunTimeoutMinutes:           defaultRunTimeoutMinutes,
			TimeoutPolicy:               TimeoutPolicyFail,
			DefaultWorkerTimeoutSeconds: defaultWorkerTimeoutSeconds,
		},
		Decision: Decision{
			Mode:                   DecisionModeAdaptive,
			ConfidenceThreshold:    defaultConfidenceThreshold,
			EscalationWorker:       defaultEscalationWorker,
			ProviderTimeoutSeconds: defaultProviderTimeoutSeconds,
			PreviewBytes:           defaultPreviewBytes,
			MaxPreviews:            defaultMaxPreviews,
		},
		LLM: LLM{
			BaseURL:        defaultLLMBaseURL,
			Model:          defaultLLMModel,
			Referer:        defaultLLMReferer,
			Title:          defaultLLMTitle,
			TimeoutSeconds: defaultLLMTimeoutSeconds,
		},
		Gemini: Gemini{
			Model: defaultGeminiModel,
		},
		Artifacts: Artifacts{
			Backend: ArtifactBackendDir,
			Cache: ArtifactCache{
				MaxEntries: defaultArtifactCacheMaxEntries,
			},
			S3: S3{
				Region: defaultS3Region,
				UseSSL: true,
			},
		},
		State: State{
			Backend: StateBackendFile,
		},
		Logging: Logging{
			Format: defaultLogFormat,
			Level:  defaultLogLevel,
		},
		Notifications: Notifications{
			RequestTimeout: defaultNotificationsRequestTimeout,
			RunStarted:     true,
			RunCompleted:   true,
			RunFailed:      true,
			WorkerFailed:   true,
			Escalation:     true,
		},
	}
}
