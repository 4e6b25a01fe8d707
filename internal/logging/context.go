package logging

import (
	"context"
	"log/slog"

	"modelcall/internal/services"
)

const (
	// FieldComponent is the standardized structured logging key for component names.
	FieldComponent = "component"
	// FieldRunID identifies one invocation of the dispatch engine.
	FieldRunID = "run_id"
	// FieldFingerprint is the stable identity of a work item.
	FieldFingerprint = "fingerprint"
	// FieldAttempt is the 1-based call attempt for a work item.
	FieldAttempt = "attempt"
	// FieldEventType classifies warnings and errors for filtering.
	FieldEventType = "event_type"
	// FieldErrorHint suggests the next step to an operator.
	FieldErrorHint = "error_hint"
	// FieldImpact describes the user-facing consequence of a warning.
	FieldImpact = "impact"
	// FieldAlert flags warnings or anomalies that should stand out in structured logs.
	FieldAlert = "alert"
)

// ContextFields extracts standardized slog attributes from the provided context.
func ContextFields(ctx context.Context) []slog.Attr {
	if ctx == nil {
		return nil
	}
	fields := make([]slog.Attr, 0, 3)
	if id, ok := services.RunIDFromContext(ctx); ok {
		fields = append(fields, slog.String(FieldRunID, id))
	}
	if fp, ok := services.FingerprintFromContext(ctx); ok {
		fields = append(fields, slog.String(FieldFingerprint, fp))
	}
	if attempt, ok := services.AttemptFromContext(ctx); ok {
		fields = append(fields, slog.Int(FieldAttempt, attempt))
	}
	return fields
}

// WithContext returns a logger augmented with structured fields derived from the supplied context.
func WithContext(ctx context.Context, logger *slog.Logger) *slog.Logger {
	if logger == nil {
		logger = NewNop()
	}
	fields := ContextFields(ctx)
	if len(fields) == 0 {
		return logger
	}
	return logger.With(Args(fields...)...)
}
