// Package logging assembles structured slog loggers and formatting helpers used
// across moviequeue.
//
// It owns the console and JSON handlers, centralizes level and output
// plumbing, and exposes context-aware helpers so dispatcher code can tag log
// lines with job IDs, worker hosts and correlation IDs. Job-log retention lives
// here too so the daemon can prune old encoder output on a schedule.
package logging
