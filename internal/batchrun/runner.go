package batchrun

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"modelcall/internal/checkpoint"
	"modelcall/internal/config"
	"modelcall/internal/dispatch"
	"modelcall/internal/fingerprint"
	"modelcall/internal/ledger"
	"modelcall/internal/logging"
	"modelcall/internal/notifications"
	"modelcall/internal/services"
	"modelcall/internal/storage"
)

// Options selects how one invocation treats its inputs and existing output.
type Options struct {
	// Output is a directory or s3://bucket/prefix; empty uses paths.output_dir.
	Output string
	// RetryErrors re-dispatches the records of the error stream.
	RetryErrors bool
	// NoResume moves existing streams aside and starts from scratch.
	NoResume bool
	Dispatch dispatch.Options
}

// Result describes one processed input.
type Result struct {
	RunID        string
	Input        string
	Location     string
	Mode         ledger.Mode
	Streams      dispatch.Streams
	Checkpoint   checkpoint.Stats
	SkippedLines int
	Summary      dispatch.Summary
}

// BackendOpener resolves an output location to a storage backend.
type BackendOpener func(ctx context.Context, location string) (storage.Backend, error)

// Runner processes input files against one caller.
type Runner struct {
	cfg      *config.Config
	caller   dispatch.Caller
	ledger   *ledger.Store
	notifier notifications.Service
	observer dispatch.Observer
	logger   *slog.Logger
	open     BackendOpener
	now      func() time.Time
}

// Option configures a Runner.
type Option func(*Runner)

// WithLedger records every run in store.
func WithLedger(store *ledger.Store) Option {
	return func(r *Runner) {
		r.ledger = store
	}
}

// WithNotifier sends an alert when each run ends.
func WithNotifier(notifier notifications.Service) Option {
	return func(r *Runner) {
		r.notifier = notifier
	}
}

// WithObserver forwards engine events, typically to a metrics recorder.
func WithObserver(observer dispatch.Observer) Option {
	return func(r *Runner) {
		r.observer = observer
	}
}

// WithLogger sets the base logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Runner) {
		r.logger = logger
	}
}

// WithBackendOpener overrides how output locations are opened.
func WithBackendOpener(open BackendOpener) Option {
	return func(r *Runner) {
		if open != nil {
			r.open = open
		}
	}
}

// WithClock overrides the time source used for backup names.
func WithClock(now func() time.Time) Option {
	return func(r *Runner) {
		if now != nil {
			r.now = now
		}
	}
}

// New builds a Runner.
func New(cfg *config.Config, caller dispatch.Caller, opts ...Option) *Runner {
	r := &Runner{
		cfg:    cfg,
		caller: caller,
		now:    time.Now,
	}
	r.open = func(ctx context.Context, location string) (storage.Backend, error) {
		return storage.Open(ctx, location, cfg.Storage)
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = logging.NewComponentLogger(r.logger, "batchrun")
	return r
}

// DispatchOptions maps the [dispatch] config section to engine options.
func DispatchOptions(d config.Dispatch) dispatch.Options {
	return dispatch.Options{
		ConcurrencyLimit:       d.Concurrency,
		MaxRetries:             d.MaxRetries,
		ValidationMaxRetries:   d.ValidationMaxRetries,
		BatchFlushSize:         d.BatchFlushSize,
		FlushInterval:          d.FlushInterval(),
		ProgressReportInterval: d.ProgressReportInterval,
		CallTimeout:            d.CallTimeout(),
		ShutdownGrace:          d.ShutdownGrace(),
		RetryBaseDelay:         d.RetryBaseDelay(),
		RetryMaxDelay:          d.RetryMaxDelay(),
		RequestsPerSecond:      d.RequestsPerSecond,
	}
}

// RunAll processes inputs in order and stops at the first failure or
// interruption. Results of the inputs processed so far are returned.
func (r *Runner) RunAll(ctx context.Context, inputs []string, opts Options) ([]Result, error) {
	if len(inputs) == 0 {
		return nil, services.Wrap(services.ErrConfiguration, "batchrun", "run", "at least one input file is required", nil)
	}
	seen := make(map[string]string, len(inputs))
	for _, input := range inputs {
		name := filepath.Base(input)
		if previous, ok := seen[name]; ok {
			return nil, services.Wrap(services.ErrConfiguration, "batchrun", "run",
				fmt.Sprintf("inputs %s and %s would share the output stream %s", previous, input, name), nil)
		}
		seen[name] = input
	}

	results := make([]Result, 0, len(inputs))
	for _, input := range inputs {
		result, err := r.Run(ctx, input, opts)
		results = append(results, result)
		if err != nil {
			return results, err
		}
	}
	return results, nil
}

// Run processes one input file.
func (r *Runner) Run(ctx context.Context, input string, opts Options) (Result, error) {
	result := Result{Input: input, RunID: uuid.NewString(), Mode: modeOf(opts)}
	if opts.RetryErrors && opts.NoResume {
		return result, services.Wrap(services.ErrConfiguration, "batchrun", "run", "retry-errors and no-resume cannot be combined", nil)
	}

	location := strings.TrimSpace(opts.Output)
	if location == "" {
		location = r.cfg.Paths.OutputDir
	}
	location, err := config.ExpandPath(location)
	if err != nil {
		return result, services.Wrap(services.ErrConfiguration, "batchrun", "resolve output", location, err)
	}
	if err := r.cfg.ValidateStorage(location); err != nil {
		return result, services.Wrap(services.ErrConfiguration, "batchrun", "resolve output", location, err)
	}
	result.Location = location

	stream := filepath.Base(input)
	result.Streams = dispatch.Streams{Success: stream, Error: storage.ErrorStreamName(stream)}
	if err := checkStreamsSpareInput(input, location, result.Streams); err != nil {
		return result, services.Wrap(services.ErrConfiguration, "batchrun", "resolve output", location, err)
	}

	logger := r.logger.With(
		logging.String(logging.FieldRunID, result.RunID),
		logging.String("input", input),
		logging.String("output", location),
		logging.String("mode", string(result.Mode)),
	)
	ctx = services.WithRunID(ctx, result.RunID)

	backend, err := r.open(ctx, location)
	if err != nil {
		if errors.Is(err, storage.ErrLocked) {
			return result, services.Wrap(services.ErrConfiguration, "batchrun", "open output", location, err)
		}
		return result, services.Wrap(services.ErrStorage, "batchrun", "open output", location, err)
	}
	defer backend.Close()

	items, completed, err := r.prepare(ctx, backend, input, opts, &result, logger)
	if err != nil {
		return result, err
	}

	engine, err := dispatch.New(r.caller, backend, result.Streams, opts.Dispatch,
		dispatch.WithLogger(logger),
		dispatch.WithObserver(r.observer),
		dispatch.WithGenerator(fingerprint.New(r.cfg.Prompt.KeyFields...)),
	)
	if err != nil {
		return result, services.Wrap(services.ErrConfiguration, "batchrun", "build engine", "", err)
	}

	if r.ledger != nil {
		if _, err := r.ledger.Begin(context.WithoutCancel(ctx), ledger.Start{
			ID:             result.RunID,
			InputPath:      input,
			OutputLocation: location,
			Model:          r.cfg.LLM.Model,
			Mode:           result.Mode,
		}); err != nil {
			logging.WarnWithContext(logger, "run ledger unavailable", "ledger_begin_failed",
				logging.Error(err),
				logging.String(logging.FieldImpact, "run is not recorded in history"),
			)
		}
	}

	summary, runErr := engine.Run(ctx, items, completed)
	result.Summary = summary
	status := runStatus(result, runErr)
	r.finishLedger(ctx, result, status, runErr, logger)
	r.notify(ctx, result, status, runErr, logger)
	if runErr != nil {
		if status == ledger.StatusFailed {
			logging.ErrorWithContext(logger, "run failed", "run_failed",
				logging.Error(runErr),
				logging.Alert("run_failed"),
				logging.String(logging.FieldErrorHint, "fix the cause and rerun; completed items are kept"),
			)
		}
		return result, runErr
	}

	logger.Info("run finished",
		logging.Int("succeeded", summary.Progress.Succeeded),
		logging.Int("failed", summary.Progress.Failed),
		logging.Int("already_completed", summary.Build.AlreadyCompleted),
		logging.Duration("elapsed", summary.Progress.Elapsed),
	)
	return result, nil
}

// prepare readies the streams for the selected mode and returns the items to
// dispatch with the completed set to skip.
func (r *Runner) prepare(
	ctx context.Context,
	backend storage.Backend,
	input string,
	opts Options,
	result *Result,
	logger *slog.Logger,
) ([]map[string]any, *checkpoint.CompletedSet, error) {
	var (
		items []map[string]any
		err   error
	)
	switch {
	case opts.RetryErrors:
		items, err = r.retryItems(ctx, backend, result, logger)
	default:
		items, err = r.inputItems(input, result, logger)
	}
	if err != nil {
		return nil, nil, err
	}

	if opts.NoResume {
		if err := r.moveAside(ctx, backend, result.Streams, logger); err != nil {
			return nil, nil, err
		}
		return items, checkpoint.NewCompletedSet(), nil
	}

	completed, stats, err := checkpoint.Load(ctx, backend, result.Streams.Success, result.Streams.Error)
	if err != nil {
		return nil, nil, err
	}
	result.Checkpoint = stats
	if stats.Skipped > 0 {
		logging.WarnWithContext(logger, "checkpoint skipped unreadable lines", "checkpoint_lines_skipped",
			logging.Int("skipped", stats.Skipped),
			logging.String(logging.FieldImpact, "items on those lines run again"),
		)
	}
	logger.Info("checkpoint loaded",
		logging.Int("completed", stats.Completed),
		logging.Int("lines", stats.Lines),
	)
	return items, completed, nil
}

func (r *Runner) inputItems(input string, result *Result, logger *slog.Logger) ([]map[string]any, error) {
	file, err := os.Open(input)
	if err != nil {
		return nil, services.Wrap(services.ErrConfiguration, "batchrun", "open input", input, err)
	}
	defer file.Close()
	items, skipped, err := readItems(file, input, logger)
	if err != nil {
		return nil, services.Wrap(services.ErrConfiguration, "batchrun", "read input", input, err)
	}
	result.SkippedLines = skipped
	return items, nil
}

// retryItems rotates the error stream to the next retry name and returns the
// records of every retry stream with their outcome fields removed. Earlier
// retry streams are included so items a previous retry run never reached are
// not lost; the checkpoint skips those that have since settled.
func (r *Runner) retryItems(ctx context.Context, backend storage.Backend, result *Result, logger *slog.Logger) ([]map[string]any, error) {
	streams := result.Streams
	exists, err := backend.Exists(ctx, streams.Error)
	if err != nil {
		return nil, services.Wrap(services.ErrStorage, "batchrun", "check error stream", streams.Error, err)
	}

	var retryStreams []string
	next := 1
	for ; ; next++ {
		name := storage.RetryStreamName(streams.Success, next)
		ok, err := backend.Exists(ctx, name)
		if err != nil {
			return nil, services.Wrap(services.ErrStorage, "batchrun", "check retry stream", name, err)
		}
		if !ok {
			break
		}
		retryStreams = append(retryStreams, name)
	}

	if exists {
		name := storage.RetryStreamName(streams.Success, next)
		if err := backend.Rename(ctx, streams.Error, name); err != nil {
			return nil, services.Wrap(services.ErrStorage, "batchrun", "rotate error stream", name, err)
		}
		logger.Info("error stream rotated for retry", logging.String("stream", name))
		retryStreams = append(retryStreams, name)
	}
	if len(retryStreams) == 0 {
		logger.Info("no error stream to retry")
		return nil, nil
	}

	var items []map[string]any
	for _, name := range retryStreams {
		rc, err := backend.Open(ctx, name)
		if err != nil {
			return nil, services.Wrap(services.ErrStorage, "batchrun", "open retry stream", name, err)
		}
		records, skipped, err := readItems(rc, name, logger)
		rc.Close()
		if err != nil {
			return nil, services.Wrap(services.ErrStorage, "batchrun", "read retry stream", name, err)
		}
		result.SkippedLines += skipped
		for _, record := range records {
			items = append(items, dispatch.StripResultFields(record))
		}
	}
	return items, nil
}

// moveAside renames existing streams to <name>.<timestamp>.bak.
func (r *Runner) moveAside(ctx context.Context, backend storage.Backend, streams dispatch.Streams, logger *slog.Logger) error {
	stamp := r.now().UTC().Format("20060102T150405Z")
	for _, name := range []string{streams.Success, streams.Error} {
		exists, err := backend.Exists(ctx, name)
		if err != nil {
			return services.Wrap(services.ErrStorage, "batchrun", "check stream", name, err)
		}
		if !exists {
			continue
		}
		backup := fmt.Sprintf("%s.%s.bak", name, stamp)
		if err := backend.Rename(ctx, name, backup); err != nil {
			return services.Wrap(services.ErrStorage, "batchrun", "move stream aside", name, err)
		}
		logger.Info("existing stream moved aside",
			logging.String("stream", name),
			logging.String("backup", backup),
		)
	}
	return nil
}

// checkStreamsSpareInput refuses a local output whose streams would be the
// input file itself.
func checkStreamsSpareInput(input, location string, streams dispatch.Streams) error {
	if config.IsObjectURL(location) {
		return nil
	}
	inputInfo, err := os.Stat(input)
	if err != nil {
		// A missing input is reported when it is read.
		return nil
	}
	for _, stream := range []string{streams.Success, streams.Error} {
		info, err := os.Stat(filepath.Join(location, stream))
		if err != nil {
			continue
		}
		if os.SameFile(inputInfo, info) {
			return fmt.Errorf("output stream %s is the input file %s; choose another --output", stream, input)
		}
	}
	return nil
}

func runStatus(result Result, runErr error) ledger.Status {
	switch {
	case result.Summary.Interrupted || errors.Is(runErr, context.Canceled):
		return ledger.StatusInterrupted
	case runErr != nil:
		return ledger.StatusFailed
	}
	return ledger.StatusCompleted
}

func (r *Runner) finishLedger(ctx context.Context, result Result, status ledger.Status, runErr error, logger *slog.Logger) {
	if r.ledger == nil {
		return
	}
	summary := result.Summary
	err := r.ledger.Finish(context.WithoutCancel(ctx), result.RunID, ledger.Outcome{
		Status:           status,
		TotalItems:       summary.Build.Total,
		AlreadyCompleted: summary.Build.AlreadyCompleted,
		Duplicates:       summary.Build.Duplicates,
		Pending:          summary.Build.Pending,
		Succeeded:        summary.Progress.Succeeded,
		Failed:           summary.Progress.Failed,
		Abandoned:        summary.Abandoned,
		Err:              runErr,
	})
	if err != nil {
		logging.WarnWithContext(logger, "run ledger update failed", "ledger_finish_failed",
			logging.Error(err),
			logging.String(logging.FieldImpact, "history shows the run as running"),
		)
	}
}

func (r *Runner) notify(ctx context.Context, result Result, status ledger.Status, runErr error, logger *slog.Logger) {
	if r.notifier == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)
	report := notifications.RunReport{
		Input:     result.Input,
		Output:    result.Location,
		Succeeded: result.Summary.Progress.Succeeded,
		Failed:    result.Summary.Progress.Failed,
		Abandoned: result.Summary.Abandoned,
		Duration:  result.Summary.Progress.Elapsed,
	}
	var err error
	switch status {
	case ledger.StatusInterrupted:
		err = r.notifier.NotifyRunInterrupted(ctx, report)
	case ledger.StatusFailed:
		err = r.notifier.NotifyRunFailed(ctx, report, runErr)
	default:
		err = r.notifier.NotifyRunCompleted(ctx, report)
	}
	if err != nil {
		logging.WarnWithContext(logger, "run notification failed", "notification_failed",
			logging.Error(err),
			logging.String(logging.FieldImpact, "no alert was delivered for this run"),
			logging.String(logging.FieldErrorHint, "check notifications.ntfy_topic"),
		)
	}
}

func modeOf(opts Options) ledger.Mode {
	switch {
	case opts.RetryErrors:
		return ledger.ModeRetry
	case opts.NoResume:
		return ledger.ModeFresh
	default:
		return ledger.ModeResume
	}
}
