// Package finalize installs a finished file at its destination.
//
// A replacement happens in two steps. First the new content is staged as
// <dest>.new while, concurrently, the current <dest> is parked as <dest>.old.
// Then <dest>.new is renamed over <dest> and only afterwards is <dest>.old
// moved to the backup directory or deleted. The temporary names are
// deterministic so a repeated call can pick up where an interrupted one
// stopped, and a call on an already finalized destination only completes
// leftover cleanup.
package finalize
