// Package logs reads job log files for the status API and the CLI.
//
// Encoder output rewrites its progress line with carriage returns, so both
// '\r' and '\n' end a line here. A negative offset returns the last lines of
// the file; a non-negative one resumes where a previous read stopped, and
// follow mode waits for new output until a deadline or context cancellation.
package logs
