package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"modelcall/internal/services"
)

// WorkItem is one input record moving through the engine.
type WorkItem struct {
	// Fields is the original input record. It is never mutated.
	Fields      map[string]any
	Fingerprint string
	// Attempts counts completed attempts.
	Attempts int
	// Hint describes why the previous attempt's response was rejected.
	Hint string

	notBefore time.Time
}

// CallRequest is handed to the Caller for one attempt.
type CallRequest struct {
	Fields      map[string]any
	Fingerprint string
	// Attempt is 1-based.
	Attempt int
	Hint    string
}

// Response is a conformant answer from the remote service.
type Response struct {
	// Content is stored under "response" in the success record.
	Content string
	// Fields are merged into the success record.
	Fields map[string]any
}

// Caller performs one attempt against the remote service.
//
// Errors are classified by their services marker: ErrTransient for failures
// worth retrying after a backoff, ErrValidation (or a *ValidationError) for
// responses that arrived but broke the output contract. Anything else is
// permanent.
type Caller interface {
	Call(ctx context.Context, req CallRequest) (Response, error)
}

// CallerFunc adapts a function to the Caller interface.
type CallerFunc func(ctx context.Context, req CallRequest) (Response, error)

// Call implements Caller.
func (f CallerFunc) Call(ctx context.Context, req CallRequest) (Response, error) {
	return f(ctx, req)
}

// ValidationError reports a response that violated the output contract.
type ValidationError struct {
	Reason string
	// Raw is the response text that was rejected.
	Raw string
	// Hint is passed to the next attempt; defaults to a sentence built from Reason.
	Hint string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", services.ErrValidation, e.Reason)
}

// Is matches services.ErrValidation.
func (e *ValidationError) Is(target error) bool {
	return target == services.ErrValidation
}

// Options tunes the engine.
type Options struct {
	ConcurrencyLimit int
	MaxRetries       int
	// ValidationMaxRetries overrides MaxRetries for validation failures when >= 0.
	ValidationMaxRetries   int
	BatchFlushSize         int
	FlushInterval          time.Duration
	ProgressReportInterval int
	CallTimeout            time.Duration
	ShutdownGrace          time.Duration
	RetryBaseDelay         time.Duration
	RetryMaxDelay          time.Duration
	// RequestsPerSecond paces call starts; zero disables pacing.
	RequestsPerSecond float64
	// Limit caps the number of pending items dispatched; zero means no cap.
	Limit int
}

// DefaultOptions returns the engine defaults.
func DefaultOptions() Options {
	return Options{
		ConcurrencyLimit:       20,
		MaxRetries:             3,
		ValidationMaxRetries:   -1,
		BatchFlushSize:         20,
		FlushInterval:          2 * time.Second,
		ProgressReportInterval: 10,
		CallTimeout:            10 * time.Minute,
		ShutdownGrace:          30 * time.Second,
		RetryBaseDelay:         4 * time.Second,
		RetryMaxDelay:          time.Minute,
	}
}

func (o Options) validate() error {
	switch {
	case o.ConcurrencyLimit <= 0:
		return errors.New("concurrency limit must be positive")
	case o.MaxRetries < 0:
		return errors.New("max retries must be >= 0")
	case o.BatchFlushSize <= 0:
		return errors.New("batch flush size must be positive")
	case o.Limit < 0:
		return errors.New("limit must be >= 0")
	case o.RequestsPerSecond < 0:
		return errors.New("requests per second must be >= 0")
	}
	return nil
}

// Streams names the success and error streams of a run.
type Streams struct {
	Success string
	Error   string
}

// Summary reports the result of one run.
type Summary struct {
	Build    BuildStats
	Progress ProgressSnapshot
	// Abandoned counts items whose in-flight call was cut off at shutdown or
	// whose retry was dropped; they have no record and will run again on resume.
	Abandoned   int
	Interrupted bool
}
