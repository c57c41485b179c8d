// Package services defines shared utilities consumed by the queue, dispatcher,
// finalizer and remote runner.
//
// Key responsibilities:
//   - Context helpers that stamp job IDs, worker hosts, and correlation
//     identifiers for logging.
//   - Structured error markers plus the Wrap helper so callers can classify
//     failures with errors.Is and report a stable kind over HTTP and the CLI.
package services
