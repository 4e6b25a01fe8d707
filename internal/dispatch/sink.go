package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"maps"
	"time"

	"modelcall/internal/fingerprint"
	"modelcall/internal/logging"
	"modelcall/internal/services"
	"modelcall/internal/storage"
)

// Result record keys written by the engine.
const (
	FieldResponse    = "response"
	FieldAttempts    = "attempts"
	FieldError       = "error"
	FieldErrorType   = "error_type"
	FieldRawResponse = "raw_response"
	FieldFailedAt    = "failed_at"
)

// StreamKind selects the stream a record is written to.
type StreamKind int

const (
	SuccessStream StreamKind = iota
	ErrorStream
)

func (k StreamKind) String() string {
	if k == ErrorStream {
		return "error"
	}
	return "success"
}

// ResultRecord is the terminal record of one work item.
type ResultRecord struct {
	Stream StreamKind
	Fields map[string]any
}

// NewSuccessRecord builds the record for an accepted item from a shallow copy
// of its fields.
func NewSuccessRecord(item *WorkItem, resp Response) ResultRecord {
	fields := maps.Clone(item.Fields)
	if fields == nil {
		fields = make(map[string]any, len(resp.Fields)+3)
	}
	maps.Copy(fields, resp.Fields)
	fields[FieldResponse] = resp.Content
	fields[FieldAttempts] = item.Attempts
	fields[fingerprint.Field] = item.Fingerprint
	return ResultRecord{Stream: SuccessStream, Fields: fields}
}

// NewErrorRecord builds the record for a rejected item from a shallow copy of
// its fields.
func NewErrorRecord(item *WorkItem, outcome Outcome, failedAt time.Time) ResultRecord {
	fields := maps.Clone(item.Fields)
	if fields == nil {
		fields = make(map[string]any, 6)
	}
	cause := "unknown error"
	if outcome.Cause != nil {
		cause = outcome.Cause.Error()
	}
	fields[FieldError] = cause
	fields[FieldErrorType] = outcome.Kind.String()
	if outcome.Kind == ValidationFailure && outcome.Raw != "" {
		fields[FieldRawResponse] = outcome.Raw
	}
	fields[FieldAttempts] = item.Attempts
	fields[FieldFailedAt] = failedAt.UTC().Format(time.RFC3339)
	fields[fingerprint.Field] = item.Fingerprint
	return ResultRecord{Stream: ErrorStream, Fields: fields}
}

// StripResultFields returns a copy of a record read back from an error stream
// with the engine's outcome fields removed, ready to be dispatched again. The
// fingerprint is kept so the retried item keeps its identity.
func StripResultFields(record map[string]any, extra ...string) map[string]any {
	fields := maps.Clone(record)
	for _, key := range []string{FieldResponse, FieldAttempts, FieldError, FieldErrorType, FieldRawResponse, FieldFailedAt} {
		delete(fields, key)
	}
	for _, key := range extra {
		delete(fields, key)
	}
	return fields
}

// Sink buffers terminal records and writes them in batches. It is owned by
// the engine's control goroutine.
type Sink struct {
	backend   storage.Backend
	streams   Streams
	flushSize int
	logger    *slog.Logger
	observer  Observer

	success bytes.Buffer
	failure bytes.Buffer
	pending int
	flushes int
}

// NewSink returns a sink that flushes once flushSize records are buffered.
func NewSink(backend storage.Backend, streams Streams, flushSize int, logger *slog.Logger, observer Observer) *Sink {
	if flushSize <= 0 {
		flushSize = 1
	}
	if observer == nil {
		observer = nopObserver{}
	}
	return &Sink{
		backend:   backend,
		streams:   streams,
		flushSize: flushSize,
		logger:    logging.NewComponentLogger(logger, "sink"),
		observer:  observer,
	}
}

// Add buffers a record and flushes when the batch is full.
func (s *Sink) Add(ctx context.Context, record ResultRecord) error {
	buf := &s.success
	if record.Stream == ErrorStream {
		buf = &s.failure
	}
	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(record.Fields); err != nil {
		// An unencodable record must still land somewhere; keep its identity.
		fallback := map[string]any{
			fingerprint.Field: record.Fields[fingerprint.Field],
			FieldError:        fmt.Sprintf("encode result record: %v", err),
			FieldErrorType:    PermanentError.String(),
		}
		buf = &s.failure
		enc = json.NewEncoder(buf)
		if err := enc.Encode(fallback); err != nil {
			return services.Wrap(services.ErrStorage, "sink", "encode record", "", err)
		}
		record.Stream = ErrorStream
	}
	s.pending++
	s.observer.RecordBuffered(record.Stream)
	if s.pending >= s.flushSize {
		return s.Flush(ctx)
	}
	return nil
}

// Pending returns the number of buffered records.
func (s *Sink) Pending() int {
	return s.pending
}

// Flush writes each stream's buffered batch with a single append.
func (s *Sink) Flush(ctx context.Context) error {
	if s.pending == 0 {
		return nil
	}
	if err := s.write(ctx, s.streams.Success, &s.success); err != nil {
		return err
	}
	if err := s.write(ctx, s.streams.Error, &s.failure); err != nil {
		return err
	}
	s.logger.Debug("flushed result batch", logging.Int("records", s.pending))
	s.pending = 0
	s.flushes++
	s.observer.Flushed()
	return nil
}

func (s *Sink) write(ctx context.Context, stream string, buf *bytes.Buffer) error {
	if buf.Len() == 0 {
		return nil
	}
	if err := s.backend.Append(ctx, stream, buf.Bytes()); err != nil {
		return services.Wrap(services.ErrStorage, "sink", "append", stream, err)
	}
	buf.Reset()
	return nil
}
