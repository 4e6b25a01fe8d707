package services

import "context"

type contextKey string

const (
	runIDKey       contextKey = "run_id"
	fingerprintKey contextKey = "fingerprint"
	attemptKey     contextKey = "attempt"
)

// WithRunID annotates context with the run identifier.
func WithRunID(ctx context.Context, id string) context.Context {
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, runIDKey, id)
}

// RunIDFromContext extracts the run identifier if present.
func RunIDFromContext(ctx context.Context) (string, bool) {
	if v, ok := ctx.Value(runIDKey).(string); ok && v != "" {
		return v, true
	}
	return "", false
}

// WithFingerprint annotates context with the work item fingerprint.
func WithFingerprint(ctx context.Context, fingerprint string) context.Context {
	if fingerprint == "" {
		return ctx
	}
	return context.WithValue(ctx, fingerprintKey, fingerprint)
}

// FingerprintFromContext returns the work item fingerprint if present.
func FingerprintFromContext(ctx context.Context) (string, bool) {
	if v, ok := ctx.Value(fingerprintKey).(string); ok && v != "" {
		return v, true
	}
	return "", false
}

// WithAttempt annotates context with the 1-based attempt number.
func WithAttempt(ctx context.Context, attempt int) context.Context {
	return context.WithValue(ctx, attemptKey, attempt)
}

// AttemptFromContext extracts the attempt number if present.
func AttemptFromContext(ctx context.Context) (int, bool) {
	v := ctx.Value(attemptKey)
	if v == nil {
		return 0, false
	}
	switch val := v.(type) {
	case int:
		return val, true
	case int64:
		return int(val), true
	default:
		return 0, false
	}
}
