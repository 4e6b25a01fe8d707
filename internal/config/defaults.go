package config

const (
	defaultOutputDir              = "./output"
	defaultLogDir                 = "~/.local/share/modelcall/logs"
	defaultStateDir               = "~/.local/share/modelcall"
	defaultLogFormat              = "auto"
	defaultLogLevel               = "info"
	defaultBaseURL                = "https://api.openai.com/v1/chat/completions"
	defaultTemperature            = 0.7
	defaultMaxTokens              = 4000
	defaultInputKey               = "text"
	defaultConcurrency            = 20
	defaultMaxRetries             = 3
	defaultBatchFlushSize         = 20
	defaultFlushIntervalSeconds   = 2
	defaultProgressReportInterval = 10
	defaultCallTimeoutSeconds     = 600
	defaultShutdownGraceSeconds   = 30
	defaultRetryBaseDelaySeconds  = 4
	defaultRetryMaxDelaySeconds   = 60
	defaultStorageRegion          = "us-east-1"
	defaultNtfyTimeoutSeconds     = 10
)

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			OutputDir: defaultOutputDir,
			LogDir:    defaultLogDir,
			StateDir:  defaultStateDir,
		},
		LLM: LLM{
			BaseURL:     defaultBaseURL,
			Temperature: defaultTemperature,
			MaxTokens:   defaultMaxTokens,
		},
		Prompt: Prompt{
			InputKey: defaultInputKey,
		},
		Dispatch: Dispatch{
			Concurrency:            defaultConcurrency,
			MaxRetries:             defaultMaxRetries,
			ValidationMaxRetries:   -1,
			BatchFlushSize:         defaultBatchFlushSize,
			FlushIntervalSeconds:   defaultFlushIntervalSeconds,
			ProgressReportInterval: defaultProgressReportInterval,
			CallTimeoutSeconds:     defaultCallTimeoutSeconds,
			ShutdownGraceSeconds:   defaultShutdownGraceSeconds,
			RetryBaseDelaySeconds:  defaultRetryBaseDelaySeconds,
			RetryMaxDelaySeconds:   defaultRetryMaxDelaySeconds,
		},
		Storage: Storage{
			Region: defaultStorageRegion,
			UseSSL: true,
		},
		Notifications: Notifications{
			RequestTimeoutSeconds: defaultNtfyTimeoutSeconds,
		},
		Logging: Logging{
			Format: defaultLogFormat,
			Level:  defaultLogLevel,
		},
	}
}
