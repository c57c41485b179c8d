// Package queue persists the media catalog and the transcode queue in SQLite.
//
// The catalog (movie_collection) holds one row per known file path and is only
// ever soft-deleted. The queue (movie_queue) references catalog rows and holds
// at most one entry per file. Every mutation runs inside a single transaction
// so a failed Add or Remove leaves both tables untouched; transient
// SQLITE_BUSY errors are retried with backoff before surfacing as storage
// errors.
//
// Schema changes are added as numbered files under migrations/ and applied in
// order on Open.
package queue
