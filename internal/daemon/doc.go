// Package daemon coordinates the long-running moviequeued process.
//
// It wires configuration, queue storage and the transcode dispatcher into a
// single lifecycle with flock-based locking to prevent multiple instances.
// The daemon serves the HTTP surface, recovers jobs left behind by a previous
// instance and runs housekeeping (job log retention, registry pruning) on a
// cron schedule.
//
// Keep orchestration logic here: job semantics live in transcode and storage
// in queue, while the daemon focuses on startup, shutdown and routing.
package daemon
