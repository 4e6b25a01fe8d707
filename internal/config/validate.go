package config

import (
	"errors"
	"fmt"
	"strings"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validateDispatch(); err != nil {
		return err
	}
	if err := c.validateLLMParams(); err != nil {
		return err
	}
	if err := c.validateLogging(); err != nil {
		return err
	}
	if c.Notifications.MinItems < 0 {
		return errors.New("notifications.min_items must be >= 0")
	}
	return nil
}

// ValidateLLM checks the settings required to actually call the endpoint.
// It is separate from Validate so read-only commands work without credentials.
func (c *Config) ValidateLLM() error {
	if strings.TrimSpace(c.LLM.APIKey) == "" {
		defaultPath, err := DefaultConfigPath()
		if err != nil {
			defaultPath = "~/.config/modelcall/config.toml"
		}
		return fmt.Errorf("llm.api_key is required. Set MODELCALL_API_KEY env var or edit %s (create with 'modelcall config init')", defaultPath)
	}
	if strings.TrimSpace(c.LLM.Model) == "" {
		return errors.New("llm.model is required (or set MODELCALL_MODEL)")
	}
	return nil
}

// ValidateStorage checks object storage credentials when the output location
// is an s3:// URL.
func (c *Config) ValidateStorage(location string) error {
	if !IsObjectURL(location) {
		return nil
	}
	if c.Storage.Endpoint == "" {
		return errors.New("storage.endpoint must be set for s3:// outputs (or set MODELCALL_S3_ENDPOINT)")
	}
	if c.Storage.AccessKey == "" || c.Storage.SecretKey == "" {
		return errors.New("storage.access_key and storage.secret_key must be set for s3:// outputs")
	}
	return nil
}

func (c *Config) validateDispatch() error {
	if err := ensurePositiveMap(map[string]int{
		"dispatch.concurrency":              c.Dispatch.Concurrency,
		"dispatch.batch_flush_size":         c.Dispatch.BatchFlushSize,
		"dispatch.progress_report_interval": c.Dispatch.ProgressReportInterval,
		"dispatch.call_timeout_seconds":     c.Dispatch.CallTimeoutSeconds,
	}); err != nil {
		return err
	}
	if c.Dispatch.MaxRetries < 0 {
		return errors.New("dispatch.max_retries must be >= 0")
	}
	if c.Dispatch.ValidationMaxRetries < -1 {
		return errors.New("dispatch.validation_max_retries must be >= 0, or -1 to inherit max_retries")
	}
	for key, value := range map[string]int{
		"dispatch.flush_interval_seconds":   c.Dispatch.FlushIntervalSeconds,
		"dispatch.shutdown_grace_seconds":   c.Dispatch.ShutdownGraceSeconds,
		"dispatch.retry_base_delay_seconds": c.Dispatch.RetryBaseDelaySeconds,
		"dispatch.retry_max_delay_seconds":  c.Dispatch.RetryMaxDelaySeconds,
	} {
		if value < 0 {
			return fmt.Errorf("%s must be >= 0", key)
		}
	}
	if c.Dispatch.RetryMaxDelaySeconds > 0 && c.Dispatch.RetryMaxDelaySeconds < c.Dispatch.RetryBaseDelaySeconds {
		return errors.New("dispatch.retry_max_delay_seconds must be >= dispatch.retry_base_delay_seconds")
	}
	if c.Dispatch.RequestsPerSecond < 0 {
		return errors.New("dispatch.requests_per_second must be >= 0")
	}
	return nil
}

func (c *Config) validateLLMParams() error {
	if c.LLM.Temperature < 0 || c.LLM.Temperature > 2 {
		return errors.New("llm.temperature must be between 0 and 2")
	}
	if c.LLM.TopP < 0 || c.LLM.TopP > 1 {
		return errors.New("llm.top_p must be between 0 and 1")
	}
	if c.LLM.MaxTokens < 0 {
		return errors.New("llm.max_tokens must be >= 0")
	}
	switch c.LLM.ReasoningEffort {
	case "", "low", "medium", "high":
	default:
		return fmt.Errorf("llm.reasoning_effort: unsupported value %q", c.LLM.ReasoningEffort)
	}
	return nil
}

func (c *Config) validateLogging() error {
	switch c.Logging.Format {
	case "auto", "console", "json":
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

func ensurePositiveMap(values map[string]int) error {
	for key, value := range values {
		if value <= 0 {
			return fmt.Errorf("%s must be positive", key)
		}
	}
	return nil
}
