package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"modelcall/internal/batchrun"
	"modelcall/internal/config"
	"modelcall/internal/logging"
	"modelcall/internal/metrics"
	"modelcall/internal/notifications"
	"modelcall/internal/prompt"
)

type runFlags struct {
	output      string
	concurrency int
	maxRetries  int
	batchSize   int
	limit       int
	retryErrors bool
	noResume    bool
	metricsAddr string
}

func newRunCommand(ctx *commandContext) *cobra.Command {
	var flags runFlags

	cmd := &cobra.Command{
		Use:   "run [flags] <input.jsonl>...",
		Short: "Dispatch every item of the input files and write result streams",
		Long: `Dispatch every item of the input files to the configured endpoint.

Results go to <name>.jsonl and <name>_error.jsonl under the output location.
Re-running the same command resumes: items already present in either stream
are skipped. Use --retry-errors to dispatch the error stream again.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBatch(cmd, ctx, flags, args)
		},
	}

	cmd.Flags().StringVarP(&flags.output, "output", "o", "", "Output directory or s3://bucket/prefix (default paths.output_dir)")
	cmd.Flags().IntVar(&flags.concurrency, "concurrency", 0, "Maximum concurrent calls (default dispatch.concurrency)")
	cmd.Flags().IntVar(&flags.maxRetries, "max-retries", 0, "Retries after the first attempt (default dispatch.max_retries)")
	cmd.Flags().IntVar(&flags.batchSize, "batch-size", 0, "Records buffered per write (default dispatch.batch_flush_size)")
	cmd.Flags().IntVar(&flags.limit, "limit", 0, "Dispatch at most N pending items per input (0 = all)")
	cmd.Flags().BoolVar(&flags.retryErrors, "retry-errors", false, "Rotate the error stream and dispatch its items again")
	cmd.Flags().BoolVar(&flags.noResume, "no-resume", false, "Move existing streams aside and start from scratch")
	cmd.Flags().StringVar(&flags.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (default metrics.addr)")
	return cmd
}

func runBatch(cmd *cobra.Command, ctx *commandContext, flags runFlags, inputs []string) error {
	signalCtx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := ctx.ensureConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	applyRunOverrides(cmd, cfg, flags)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if err := cfg.ValidateLLM(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	p, err := loadPrompt(cfg)
	if err != nil {
		return err
	}
	caller := prompt.NewCaller(newLLMClient(cfg), p, logger)

	recorder := metrics.NewRecorder()
	runnerOpts := []batchrun.Option{
		batchrun.WithLogger(logger),
		batchrun.WithObserver(recorder),
		batchrun.WithNotifier(notifications.NewService(cfg)),
	}
	store, err := openLedger(cfg)
	if err != nil {
		logging.WarnWithContext(logger, "run ledger unavailable", "ledger_open_failed",
			logging.Error(err),
			logging.String(logging.FieldImpact, "runs are not recorded in history"),
		)
	} else {
		defer store.Close()
		if n, err := store.ReconcileStale(signalCtx); err != nil {
			logger.Debug("reconcile stale runs", logging.Error(err))
		} else if n > 0 {
			logger.Info("marked stale runs interrupted", logging.Int("count", n))
		}
		runnerOpts = append(runnerOpts, batchrun.WithLedger(store))
	}
	runner := batchrun.New(cfg, caller, runnerOpts...)

	opts := batchrun.Options{
		Output:      flags.output,
		RetryErrors: flags.retryErrors,
		NoResume:    flags.noResume,
		Dispatch:    batchrun.DispatchOptions(cfg.Dispatch),
	}
	opts.Dispatch.Limit = flags.limit

	var results []batchrun.Result
	if cfg.Metrics.Addr == "" {
		results, err = runner.RunAll(signalCtx, inputs, opts)
	} else {
		server := metrics.NewServer(cfg.Metrics.Addr, recorder)
		group, groupCtx := errgroup.WithContext(signalCtx)
		serverCtx, stopServer := context.WithCancel(groupCtx)
		group.Go(func() error {
			if err := server.Serve(serverCtx); err != nil {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		group.Go(func() error {
			defer stopServer()
			var runErr error
			results, runErr = runner.RunAll(groupCtx, inputs, opts)
			return runErr
		})
		logger.Info("serving metrics", logging.String("addr", cfg.Metrics.Addr))
		err = group.Wait()
	}

	if len(results) > 0 {
		fmt.Fprintln(cmd.OutOrStdout(), renderRunSummary(cmd.OutOrStdout(), results))
	}
	if errors.Is(err, context.Canceled) {
		fmt.Fprintln(cmd.ErrOrStderr(), "Run interrupted; rerun the same command to resume.")
	}
	return err
}

func applyRunOverrides(cmd *cobra.Command, cfg *config.Config, flags runFlags) {
	changed := cmd.Flags().Changed
	if changed("concurrency") {
		cfg.Dispatch.Concurrency = flags.concurrency
	}
	if changed("max-retries") {
		cfg.Dispatch.MaxRetries = flags.maxRetries
	}
	if changed("batch-size") {
		cfg.Dispatch.BatchFlushSize = flags.batchSize
	}
	if changed("metrics-addr") {
		cfg.Metrics.Addr = flags.metricsAddr
	}
}

func renderRunSummary(out io.Writer, results []batchrun.Result) string {
	headers := []string{"Input", "Output", "Mode", "Total", "Done Before", "Succeeded", "Failed", "Abandoned", "Elapsed"}
	rows := make([][]string, 0, len(results))
	for _, result := range results {
		summary := result.Summary
		rows = append(rows, []string{
			filepath.Base(result.Input),
			result.Location,
			string(result.Mode),
			strconv.Itoa(summary.Build.Total),
			strconv.Itoa(summary.Build.AlreadyCompleted),
			strconv.Itoa(summary.Progress.Succeeded),
			strconv.Itoa(summary.Progress.Failed),
			strconv.Itoa(summary.Abandoned),
			formatDuration(summary.Progress.Elapsed),
		})
	}
	aligns := []columnAlignment{alignLeft, alignLeft, alignLeft, alignRight, alignRight, alignRight, alignRight, alignRight, alignRight}
	return renderTable(out, headers, rows, aligns)
}
