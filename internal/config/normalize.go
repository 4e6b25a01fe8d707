package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
)

func (c *Config) normalize() error {
	if err := c.normalizePaths(); err != nil {
		return err
	}
	if err := c.normalizeLLM(); err != nil {
		return err
	}
	if err := c.normalizePrompt(); err != nil {
		return err
	}
	c.normalizeStorage()
	c.normalizeNotifications()
	c.normalizeLogging()
	return nil
}

func (c *Config) normalizePaths() error {
	var err error
	if strings.TrimSpace(c.Paths.OutputDir) == "" {
		c.Paths.OutputDir = defaultOutputDir
	}
	if c.Paths.OutputDir, err = ExpandPath(c.Paths.OutputDir); err != nil {
		return fmt.Errorf("paths.output_dir: %w", err)
	}
	if c.Paths.LogDir, err = expandPath(c.Paths.LogDir); err != nil {
		return fmt.Errorf("paths.log_dir: %w", err)
	}
	if strings.TrimSpace(c.Paths.StateDir) == "" {
		c.Paths.StateDir = defaultStateDir
	}
	if c.Paths.StateDir, err = expandPath(c.Paths.StateDir); err != nil {
		return fmt.Errorf("paths.state_dir: %w", err)
	}
	return nil
}

// normalizeLLM seeds the process environment from llm.env_file (existing
// variables win) before applying the environment fallbacks.
func (c *Config) normalizeLLM() error {
	c.LLM.EnvFile = strings.TrimSpace(c.LLM.EnvFile)
	if c.LLM.EnvFile != "" {
		path, err := expandPath(c.LLM.EnvFile)
		if err != nil {
			return fmt.Errorf("llm.env_file: %w", err)
		}
		if err := godotenv.Load(path); err != nil {
			return fmt.Errorf("llm.env_file: load %s: %w", path, err)
		}
		c.LLM.EnvFile = path
	}

	c.LLM.APIKey = strings.TrimSpace(c.LLM.APIKey)
	if c.LLM.APIKey == "" {
		c.LLM.APIKey = firstEnv("MODELCALL_API_KEY", "API_KEY")
	}
	c.LLM.BaseURL = strings.TrimSpace(c.LLM.BaseURL)
	if value := firstEnv("MODELCALL_BASE_URL", "BASE_URL"); value != "" {
		c.LLM.BaseURL = value
	}
	if c.LLM.BaseURL == "" {
		c.LLM.BaseURL = defaultBaseURL
	}
	c.LLM.Model = strings.TrimSpace(c.LLM.Model)
	if c.LLM.Model == "" {
		c.LLM.Model = firstEnv("MODELCALL_MODEL", "MODEL_NAME")
	}
	c.LLM.ReasoningEffort = strings.ToLower(strings.TrimSpace(c.LLM.ReasoningEffort))
	c.LLM.Referer = strings.TrimSpace(c.LLM.Referer)
	c.LLM.Title = strings.TrimSpace(c.LLM.Title)
	return nil
}

func (c *Config) normalizePrompt() error {
	c.Prompt.Path = strings.TrimSpace(c.Prompt.Path)
	if c.Prompt.Path != "" {
		path, err := expandPath(c.Prompt.Path)
		if err != nil {
			return fmt.Errorf("prompt.path: %w", err)
		}
		c.Prompt.Path = path
	}
	c.Prompt.InputKey = strings.TrimSpace(c.Prompt.InputKey)
	if c.Prompt.InputKey == "" {
		c.Prompt.InputKey = defaultInputKey
	}
	fields := make([]string, 0, len(c.Prompt.KeyFields))
	seen := make(map[string]struct{}, len(c.Prompt.KeyFields))
	for _, field := range c.Prompt.KeyFields {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}
		if _, ok := seen[field]; ok {
			continue
		}
		seen[field] = struct{}{}
		fields = append(fields, field)
	}
	c.Prompt.KeyFields = fields
	return nil
}

func (c *Config) normalizeStorage() {
	c.Storage.Endpoint = strings.TrimSpace(c.Storage.Endpoint)
	if c.Storage.Endpoint == "" {
		c.Storage.Endpoint = firstEnv("MODELCALL_S3_ENDPOINT", "S3_ENDPOINT")
	}
	c.Storage.AccessKey = strings.TrimSpace(c.Storage.AccessKey)
	if c.Storage.AccessKey == "" {
		c.Storage.AccessKey = firstEnv("MODELCALL_S3_ACCESS_KEY", "AWS_ACCESS_KEY_ID")
	}
	c.Storage.SecretKey = strings.TrimSpace(c.Storage.SecretKey)
	if c.Storage.SecretKey == "" {
		c.Storage.SecretKey = firstEnv("MODELCALL_S3_SECRET_KEY", "AWS_SECRET_ACCESS_KEY")
	}
	c.Storage.Region = strings.TrimSpace(c.Storage.Region)
	if c.Storage.Region == "" {
		c.Storage.Region = defaultStorageRegion
	}
}

func (c *Config) normalizeNotifications() {
	c.Notifications.NtfyTopic = strings.TrimSpace(c.Notifications.NtfyTopic)
	if c.Notifications.NtfyTopic == "" {
		c.Notifications.NtfyTopic = firstEnv("MODELCALL_NTFY_TOPIC")
	}
	if c.Notifications.RequestTimeoutSeconds <= 0 {
		c.Notifications.RequestTimeoutSeconds = defaultNtfyTimeoutSeconds
	}
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

func firstEnv(keys ...string) string {
	for _, key := range keys {
		if value, ok := os.LookupEnv(key); ok {
			if trimmed := strings.TrimSpace(value); trimmed != "" {
				return trimmed
			}
		}
	}
	return ""
}
