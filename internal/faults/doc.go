// Package faults defines shared utilities consumed by the job handlers and
// catalog-facing components.
//
// Key responsibilities:
//   - Context helpers that stamp job IDs, lanes, and import session
//     identifiers for logging and tracing.
//   - Structured error markers plus the Wrap helper that translate failures
//     into consistent reason codes (skip-and-continue vs fatal abort).
//
// Use these helpers when wiring new job logic so operational behaviour (error
// handling, observability, retries) stays uniform across the pipeline.
package faults
