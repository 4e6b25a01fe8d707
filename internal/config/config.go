package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Paths contains directory configuration.
type Paths struct {
	OutputDir string `toml:"output_dir"`
	LogDir    string `toml:"log_dir"`
	StateDir  string `toml:"state_dir"`
}

// LLM contains the chat completion endpoint settings.
type LLM struct {
	APIKey          string  `toml:"api_key"`
	BaseURL         string  `toml:"base_url"`
	Model           string  `toml:"model"`
	Temperature     float64 `toml:"temperature"`
	MaxTokens       int     `toml:"max_tokens"`
	TopP            float64 `toml:"top_p"`
	ReasoningEffort string  `toml:"reasoning_effort"`
	Referer         string  `toml:"referer"`
	Title           string  `toml:"title"`
	EnvFile         string  `toml:"env_file"`
}

// Prompt points at the prompt/output contract file and the item fields used
// to build requests and fingerprints.
type Prompt struct {
	Path      string   `toml:"path"`
	InputKey  string   `toml:"input_key"`
	KeyFields []string `toml:"key_fields"`
}

// Dispatch contains the engine knobs. Durations are expressed in seconds.
type Dispatch struct {
	Concurrency            int     `toml:"concurrency"`
	MaxRetries             int     `toml:"max_retries"`
	ValidationMaxRetries   int     `toml:"validation_max_retries"`
	BatchFlushSize         int     `toml:"batch_flush_size"`
	FlushIntervalSeconds   int     `toml:"flush_interval_seconds"`
	ProgressReportInterval int     `toml:"progress_report_interval"`
	CallTimeoutSeconds     int     `toml:"call_timeout_seconds"`
	ShutdownGraceSeconds   int     `toml:"shutdown_grace_seconds"`
	RetryBaseDelaySeconds  int     `toml:"retry_base_delay_seconds"`
	RetryMaxDelaySeconds   int     `toml:"retry_max_delay_seconds"`
	RequestsPerSecond      float64 `toml:"requests_per_second"`
}

// Storage contains S3-compatible object storage credentials used when the
// output location is an s3:// URL.
type Storage struct {
	Endpoint  string `toml:"endpoint"`
	AccessKey string `toml:"access_key"`
	SecretKey string `toml:"secret_key"`
	Region    string `toml:"region"`
	UseSSL    bool   `toml:"use_ssl"`
}

// Metrics contains the Prometheus listener configuration.
type Metrics struct {
	Addr string `toml:"addr"`
}

// Notifications contains the ntfy settings for run alerts.
type Notifications struct {
	NtfyTopic             string `toml:"ntfy_topic"`
	RequestTimeoutSeconds int    `toml:"request_timeout_seconds"`
	// MinItems suppresses alerts for runs that dispatched fewer items.
	MinItems int `toml:"min_items"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format string `toml:"format"`
	Level  string `toml:"level"`
}

// Config encapsulates all configuration values for modelcall.
//
// Configuration sections by subsystem:
//   - Paths: default output location, log and state directories
//   - LLM: chat completion endpoint, model, and sampling parameters
//   - Prompt: prompt/contract file and item field selection
//   - Dispatch: concurrency, retry, batching, and timeout knobs
//   - Storage: object storage credentials for s3:// outputs
//   - Metrics: Prometheus listener
//   - Notifications: ntfy alerts when runs finish
//   - Logging: log format and level
type Config struct {
	Paths         Paths         `toml:"paths"`
	LLM           LLM           `toml:"llm"`
	Prompt        Prompt        `toml:"prompt"`
	Dispatch      Dispatch      `toml:"dispatch"`
	Storage       Storage       `toml:"storage"`
	Metrics       Metrics       `toml:"metrics"`
	Notifications Notifications `toml:"notifications"`
	Logging       Logging       `toml:"logging"`
}

// DefaultConfigPath returns the absolute path to the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath("~/.config/modelcall/config.toml")
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

	defaultPath, err := DefaultConfigPath()
	if err != nil {
		return "", false, err
	}

	projectPath, err := filepath.Abs("modelcall.toml")
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

// EnsureDirectories creates the log and state directories.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.Paths.LogDir, c.Paths.StateDir} {
		if strings.TrimSpace(dir) == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	return nil
}

// LedgerPath returns the location of the run history database.
func (c *Config) LedgerPath() string {
	return filepath.Join(c.Paths.StateDir, "ledger.db")
}

// CallTimeout returns the per-call deadline.
func (d Dispatch) CallTimeout() time.Duration {
	return time.Duration(d.CallTimeoutSeconds) * time.Second
}

// FlushInterval returns the time-based flush period; zero disables it.
func (d Dispatch) FlushInterval() time.Duration {
	return time.Duration(d.FlushIntervalSeconds) * time.Second
}

// ShutdownGrace returns how long in-flight calls may finish after cancellation.
func (d Dispatch) ShutdownGrace() time.Duration {
	return time.Duration(d.ShutdownGraceSeconds) * time.Second
}

// RetryBaseDelay returns the first transient backoff delay.
func (d Dispatch) RetryBaseDelay() time.Duration {
	return time.Duration(d.RetryBaseDelaySeconds) * time.Second
}

// RetryMaxDelay returns the transient backoff cap.
func (d Dispatch) RetryMaxDelay() time.Duration {
	return time.Duration(d.RetryMaxDelaySeconds) * time.Second
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
// Object storage URLs are returned unchanged.
func ExpandPath(pathValue string) (string, error) {
	if IsObjectURL(pathValue) {
		return strings.TrimSpace(pathValue), nil
	}
	return expandPath(pathValue)
}

// IsObjectURL reports whether the location points at object storage.
func IsObjectURL(location string) bool {
	return strings.HasPrefix(strings.TrimSpace(location), "s3://")
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
