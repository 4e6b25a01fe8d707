package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"modelcall/internal/checkpoint"
	"modelcall/internal/fingerprint"
	"modelcall/internal/logging"
	"modelcall/internal/services"
	"modelcall/internal/storage"
)

// Engine runs one batch. Construct a fresh Engine per run.
type Engine struct {
	caller    Caller
	backend   storage.Backend
	streams   Streams
	opts      Options
	policy    Policy
	generator *fingerprint.Generator
	logger    *slog.Logger
	observer  Observer
	limiter   *rate.Limiter
	now       func() time.Time
}

// Option customizes an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithObserver registers an event observer such as a metrics recorder.
func WithObserver(observer Observer) Option {
	return func(e *Engine) {
		if observer != nil {
			e.observer = observer
		}
	}
}

// WithGenerator overrides the fingerprint generator.
func WithGenerator(gen *fingerprint.Generator) Option {
	return func(e *Engine) {
		if gen != nil {
			e.generator = gen
		}
	}
}

// WithClock overrides the time source used for backoff and progress.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// New validates opts and returns an engine writing to streams on backend.
func New(caller Caller, backend storage.Backend, streams Streams, opts Options, options ...Option) (*Engine, error) {
	if caller == nil {
		return nil, services.Wrap(services.ErrConfiguration, "dispatch", "new engine", "caller required", nil)
	}
	if backend == nil {
		return nil, services.Wrap(services.ErrConfiguration, "dispatch", "new engine", "storage backend required", nil)
	}
	if streams.Success == "" || streams.Error == "" || streams.Success == streams.Error {
		return nil, services.Wrap(services.ErrConfiguration, "dispatch", "new engine", "distinct success and error streams required", nil)
	}
	if err := opts.validate(); err != nil {
		return nil, services.Wrap(services.ErrConfiguration, "dispatch", "new engine", "", err)
	}
	e := &Engine{
		caller:    caller,
		backend:   backend,
		streams:   streams,
		opts:      opts,
		policy:    policyFromOptions(opts),
		generator: fingerprint.New(),
		logger:    logging.NewNop(),
		observer:  nopObserver{},
		now:       time.Now,
	}
	for _, option := range options {
		option(e)
	}
	if opts.RequestsPerSecond > 0 {
		burst := max(1, int(opts.RequestsPerSecond))
		e.limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), burst)
	}
	e.logger = logging.NewComponentLogger(e.logger, "dispatch")
	return e, nil
}

// Run fingerprints items, skips those in completed, and dispatches the rest.
// Item failures are recorded in the error stream and never abort the run; a
// failed write does. When ctx is cancelled the run stops dispatching, lets
// in-flight calls finish for up to ShutdownGrace, flushes, and returns the
// summary together with ctx's error.
func (e *Engine) Run(ctx context.Context, items []map[string]any, completed *checkpoint.CompletedSet) (Summary, error) {
	var summary Summary
	queue, stats, err := BuildQueue(items, e.generator, completed, e.opts.Limit)
	summary.Build = stats
	if err != nil {
		return summary, services.Wrap(services.ErrConfiguration, "dispatch", "build queue", "", err)
	}
	e.logger.Info("dispatch starting",
		logging.Int("total", stats.Total),
		logging.Int("already_completed", stats.AlreadyCompleted),
		logging.Int("duplicates", stats.Duplicates),
		logging.Int("pending", stats.Pending),
		logging.Int("deferred", stats.Deferred),
		logging.Int("concurrency", e.opts.ConcurrencyLimit),
	)

	if err := e.backend.Probe(ctx); err != nil {
		return summary, services.Wrap(services.ErrStorage, "dispatch", "probe output", e.backend.Location(), err)
	}

	sink := NewSink(e.backend, e.streams, e.opts.BatchFlushSize, e.logger, e.observer)
	progress := newProgress(e.logger, e.opts.ProgressReportInterval, stats.Pending, e.now)
	run := &runState{engine: e, queue: queue, sink: sink, progress: progress}

	loopErr := run.loop(ctx)
	// Records already accepted are written even when the loop failed or the
	// run was interrupted.
	flushErr := sink.Flush(context.WithoutCancel(ctx))

	summary.Progress = progress.Finish()
	summary.Abandoned = run.abandoned
	summary.Interrupted = run.draining

	switch {
	case loopErr != nil:
		return summary, loopErr
	case flushErr != nil:
		return summary, flushErr
	case run.draining:
		return summary, ctx.Err()
	}
	return summary, nil
}

// completion is what a call goroutine reports back.
type completion struct {
	item    *WorkItem
	resp    Response
	err     error
	elapsed time.Duration
}

// runState is owned by the control goroutine.
type runState struct {
	engine   *Engine
	queue    *Queue
	sink     *Sink
	progress *Progress

	inflight    int
	draining    bool
	callsHalted bool
	abandoned   int
}

func (r *runState) loop(ctx context.Context) error {
	e := r.engine
	limit := e.opts.ConcurrencyLimit
	writeCtx := context.WithoutCancel(ctx)

	// Calls outlive the run context by up to ShutdownGrace.
	callCtx, haltCalls := context.WithCancel(context.WithoutCancel(ctx))
	defer haltCalls()

	done := make(chan completion, limit)

	var flushC <-chan time.Time
	if e.opts.FlushInterval > 0 {
		ticker := time.NewTicker(e.opts.FlushInterval)
		defer ticker.Stop()
		flushC = ticker.C
	}

	backoff := time.NewTimer(time.Hour)
	backoff.Stop()
	defer backoff.Stop()

	var grace *time.Timer
	var graceC <-chan time.Time
	defer func() {
		if grace != nil {
			grace.Stop()
		}
	}()

	runDone := ctx.Done()
	for {
		if !r.draining {
			// A cancelled run starts no new calls even before runDone is selected.
			for r.inflight < limit && ctx.Err() == nil {
				item, ok := r.queue.PopReady(e.now())
				if !ok {
					break
				}
				r.inflight++
				go e.call(callCtx, item, done)
			}
		}
		if r.inflight == 0 && (r.draining || r.queue.Len() == 0) {
			return nil
		}

		var backoffC <-chan time.Time
		if !r.draining && r.inflight < limit {
			if at, ok := r.queue.NextReadyAt(); ok {
				backoff.Reset(max(0, at.Sub(e.now())))
				backoffC = backoff.C
			}
		}

		select {
		case c := <-done:
			if err := r.handle(writeCtx, c, callCtx); err != nil {
				return err
			}
			if err := r.drain(writeCtx, done, callCtx); err != nil {
				return err
			}
		case <-runDone:
			runDone = nil
			r.draining = true
			logging.WarnWithContext(e.logger, "run cancelled; waiting for in-flight calls",
				"run_interrupted",
				logging.Int("in_flight", r.inflight),
				logging.Duration("grace", e.opts.ShutdownGrace),
				logging.String(logging.FieldImpact, "pending items are left for the next run"),
				logging.String(logging.FieldErrorHint, "rerun the same command to resume"),
			)
			if e.opts.ShutdownGrace <= 0 {
				r.callsHalted = true
				haltCalls()
			} else {
				grace = time.NewTimer(e.opts.ShutdownGrace)
				graceC = grace.C
			}
		case <-graceC:
			graceC = nil
			r.callsHalted = true
			haltCalls()
		case <-backoffC:
		case <-flushC:
			if err := r.sink.Flush(writeCtx); err != nil {
				return err
			}
		}
		backoff.Stop()
	}
}

// drain handles completions that are already waiting without blocking.
func (r *runState) drain(ctx context.Context, done <-chan completion, callCtx context.Context) error {
	for {
		select {
		case c := <-done:
			if err := r.handle(ctx, c, callCtx); err != nil {
				return err
			}
		default:
			return nil
		}
	}
}

func (r *runState) handle(ctx context.Context, c completion, callCtx context.Context) error {
	e := r.engine
	r.inflight--

	outcome := Classify(c.resp, c.err)
	e.observer.CallFinished(outcome.Kind, c.elapsed)

	// Calls cut off at the end of the shutdown grace produce no record.
	if c.err != nil && r.callsHalted && callCtx.Err() != nil {
		r.abandoned++
		return nil
	}

	item := c.item
	item.Attempts++
	decision := e.policy.Decide(outcome, item.Attempts)

	logger := e.logger.With(
		logging.String(logging.FieldFingerprint, item.Fingerprint),
		logging.Int(logging.FieldAttempt, item.Attempts),
	)

	switch decision.Action {
	case Accept:
		if err := r.sink.Add(ctx, NewSuccessRecord(item, outcome.Payload)); err != nil {
			return err
		}
		r.progress.Record(true)
	case RetryTransient, RetryValidation:
		if r.draining {
			r.abandoned++
			logger.Debug("retry dropped during shutdown", logging.String("outcome", outcome.Kind.String()))
			return nil
		}
		if decision.Action == RetryValidation {
			item.Hint = outcome.Hint
		}
		if decision.Delay > 0 {
			item.notBefore = e.now().Add(decision.Delay)
		} else {
			item.notBefore = time.Time{}
		}
		r.queue.PushFront(item)
		logger.Debug("attempt failed; retrying",
			logging.String("outcome", outcome.Kind.String()),
			logging.Duration("delay", decision.Delay),
			logging.Error(outcome.Cause),
		)
	case Reject:
		if err := r.sink.Add(ctx, NewErrorRecord(item, outcome, e.now())); err != nil {
			return err
		}
		r.progress.Record(false)
		logger.Debug("item rejected",
			logging.String("outcome", outcome.Kind.String()),
			logging.Error(outcome.Cause),
		)
	default:
		return fmt.Errorf("dispatch: unhandled action %s", decision.Action)
	}
	return nil
}

// call runs one attempt and reports it on done. done has capacity for every
// in-flight call, so the send never blocks.
func (e *Engine) call(ctx context.Context, item *WorkItem, done chan<- completion) {
	attempt := item.Attempts + 1
	ctx = services.WithFingerprint(ctx, item.Fingerprint)
	ctx = services.WithAttempt(ctx, attempt)

	e.observer.CallStarted()
	result := completion{item: item}
	defer func() {
		if recovered := recover(); recovered != nil {
			result.resp = Response{}
			result.err = services.Wrap(services.ErrPermanent, "dispatch", "call", fmt.Sprintf("caller panic: %v", recovered), nil)
		}
		done <- result
	}()

	if e.limiter != nil {
		if err := e.limiter.Wait(ctx); err != nil {
			result.err = err
			return
		}
	}

	callCtx := ctx
	if e.opts.CallTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, e.opts.CallTimeout)
		defer cancel()
	}

	start := time.Now()
	resp, err := e.caller.Call(callCtx, CallRequest{
		Fields:      item.Fields,
		Fingerprint: item.Fingerprint,
		Attempt:     attempt,
		Hint:        item.Hint,
	})
	result.elapsed = time.Since(start)
	if err != nil && ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		err = services.Wrap(services.ErrTransient, "dispatch", "call", fmt.Sprintf("call timeout %s exceeded", e.opts.CallTimeout), err)
	}
	result.resp, result.err = resp, err
}
