// Package services defines shared utilities consumed by the dispatch engine
// and its external integrations.
//
// Key responsibilities:
//   - Context helpers that stamp run IDs, item fingerprints, and attempt
//     numbers for logging.
//   - Structured error markers plus the Wrap helper that translate failures
//     into the transient/validation/permanent classes recorded in the error
//     stream.
//
// Use these helpers when wiring new integrations so retry classification and
// observability stay uniform across the pipeline.
package services
