package main

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/spf13/cobra"

	"modelcall/internal/config"
	"modelcall/internal/ledger"
	"modelcall/internal/logging"
	"modelcall/internal/prompt"
	"modelcall/internal/services/llm"
)

type commandContext struct {
	configFlag *string

	configOnce   sync.Once
	config       *config.Config
	configPath   string
	configExists bool
	configErr    error
}

func newCommandContext(configFlag *string) *commandContext {
	return &commandContext{configFlag: configFlag}
}

func (c *commandContext) ensureConfig() (*config.Config, error) {
	c.configOnce.Do(func() {
		var path string
		if c.configFlag != nil {
			path = strings.TrimSpace(*c.configFlag)
		}
		cfg, resolved, exists, err := config.Load(path)
		if err != nil {
			c.configErr = err
			return
		}
		if err := cfg.EnsureDirectories(); err != nil {
			c.configErr = err
			return
		}
		c.config = cfg
		c.configPath = resolved
		c.configExists = exists
	})
	return c.config, c.configErr
}

func newLogger(cfg *config.Config) (*slog.Logger, error) {
	logger, err := logging.NewFromConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	return logger, nil
}

func openLedger(cfg *config.Config) (*ledger.Store, error) {
	store, err := ledger.Open(cfg.LedgerPath())
	if err != nil {
		return nil, fmt.Errorf("open run ledger: %w", err)
	}
	return store, nil
}

func newLLMClient(cfg *config.Config) *llm.Client {
	return llm.NewClient(llm.Config{
		APIKey:          cfg.LLM.APIKey,
		BaseURL:         cfg.LLM.BaseURL,
		Model:           cfg.LLM.Model,
		Referer:         cfg.LLM.Referer,
		Title:           cfg.LLM.Title,
		Temperature:     cfg.LLM.Temperature,
		MaxTokens:       cfg.LLM.MaxTokens,
		TopP:            cfg.LLM.TopP,
		ReasoningEffort: cfg.LLM.ReasoningEffort,
		TimeoutSeconds:  cfg.Dispatch.CallTimeoutSeconds,
	})
}

func loadPrompt(cfg *config.Config) (*prompt.Prompt, error) {
	if cfg.Prompt.Path == "" {
		return prompt.Default(cfg.Prompt.InputKey), nil
	}
	p, err := prompt.Load(cfg.Prompt.Path, cfg.Prompt.InputKey)
	if err != nil {
		return nil, fmt.Errorf("load prompt: %w", err)
	}
	return p, nil
}

func shouldSkipConfig(cmd *cobra.Command) bool {
	for c := cmd; c != nil; c = c.Parent() {
		if c.Annotations != nil && c.Annotations["skipConfigLoad"] == "true" {
			return true
		}
	}
	return false
}
