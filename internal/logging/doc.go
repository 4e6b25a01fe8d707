// Package logging assembles structured slog loggers and formatting helpers used
// across modelcall.
//
// It owns the console and JSON handlers, resolves the "auto" format against
// the attached terminal, and exposes context-aware helpers so dispatch code can
// tag log lines with run IDs, item fingerprints, and attempt numbers. A no-op
// logger is provided for tests and wiring code that cannot fail.
package logging
