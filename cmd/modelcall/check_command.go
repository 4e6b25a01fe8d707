package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"modelcall/internal/config"
	"modelcall/internal/storage"
)

const checkTimeout = time.Minute

type checkResult struct {
	name   string
	err    error
	detail string
}

func newCheckCommand(ctx *commandContext) *cobra.Command {
	var output string
	var skipLLM bool

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Verify the endpoint, prompt, and output location before a run",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			checkCtx, cancel := context.WithTimeout(cmd.Context(), checkTimeout)
			defer cancel()

			results := []checkResult{checkPrompt(cfg), checkOutput(checkCtx, cfg, output)}
			if !skipLLM {
				results = append(results, checkLLM(checkCtx, cfg))
			}

			rows := make([][]string, 0, len(results))
			failed := 0
			for _, result := range results {
				status := "ok"
				detail := result.detail
				if result.err != nil {
					status = "FAIL"
					detail = result.err.Error()
					failed++
				}
				rows = append(rows, []string{result.name, status, detail})
			}
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, renderTable(out, []string{"Check", "Status", "Detail"}, rows, nil))
			if failed > 0 {
				return fmt.Errorf("%d check(s) failed", failed)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "Output directory or s3://bucket/prefix to probe (default paths.output_dir)")
	cmd.Flags().BoolVar(&skipLLM, "skip-llm", false, "Do not call the chat completion endpoint")
	return cmd
}

func checkPrompt(cfg *config.Config) checkResult {
	result := checkResult{name: "prompt"}
	p, err := loadPrompt(cfg)
	if err != nil {
		result.err = err
		return result
	}
	source := cfg.Prompt.Path
	if source == "" {
		source = "item messages or " + p.InputKey + " field"
	}
	result.detail = source
	if p.Output.RequireJSON {
		result.detail += " (JSON required"
		if len(p.Output.RequiredKeys) > 0 {
			result.detail += ": " + strings.Join(p.Output.RequiredKeys, ", ")
		}
		result.detail += ")"
	}
	return result
}

func checkOutput(ctx context.Context, cfg *config.Config, output string) checkResult {
	location := strings.TrimSpace(output)
	if location == "" {
		location = cfg.Paths.OutputDir
	}
	result := checkResult{name: "output", detail: location}
	location, err := config.ExpandPath(location)
	if err != nil {
		result.err = err
		return result
	}
	if err := cfg.ValidateStorage(location); err != nil {
		result.err = err
		return result
	}
	backend, err := storage.Open(ctx, location, cfg.Storage)
	if err != nil {
		if errors.Is(err, storage.ErrLocked) {
			result.err = fmt.Errorf("%s is in use by a running batch", location)
			return result
		}
		result.err = err
		return result
	}
	defer backend.Close()
	if err := backend.Probe(ctx); err != nil {
		result.err = err
	}
	return result
}

func checkLLM(ctx context.Context, cfg *config.Config) checkResult {
	result := checkResult{name: "llm", detail: fmt.Sprintf("%s at %s", cfg.LLM.Model, cfg.LLM.BaseURL)}
	if err := cfg.ValidateLLM(); err != nil {
		result.err = err
		return result
	}
	if err := newLLMClient(cfg).HealthCheck(ctx); err != nil {
		result.err = err
	}
	return result
}
