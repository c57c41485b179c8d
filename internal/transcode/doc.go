// Package transcode dispatches transcode, subtitle extraction and move jobs.
//
// The Dispatcher owns a registry of jobs keyed by id and a bounded pool of
// local worker slots. Local jobs run the encoder as a child process whose
// output goes to a per-job log file; a watcher goroutine records the exit,
// hands the result to the finalizer and withdraws the queue entry. Jobs sent
// to a worker host go through a Submitter and are reconciled by Poll.
//
// Worker hosts use Accept, Supervise and WorkerStatus to run jobs submitted
// over SSH in a detached supervisor process.
package transcode
