package queue

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"moviequeue/internal/metrics"
	"moviequeue/internal/services"
	"moviequeue/internal/textutil"
)

const entryColumns = `q.idx, q.collection_idx, c.path, c.show, q.last_modified`

const entryFrom = ` FROM movie_queue q JOIN movie_collection c ON c.idx = q.collection_idx`

// Add ensures a catalog row exists for path (creating or reviving it) and
// appends a queue entry for it. Both writes happen in one transaction. A file
// that is already queued yields ErrDuplicateQueueEntry and changes nothing.
func (s *Store) Add(ctx context.Context, path string) (*Entry, error) {
	path = cleanPath(path)
	if path == "" {
		return nil, services.Wrap(services.ErrValidation, "queue", "add", "path is required", nil)
	}

	var entry *Entry
	err := s.withTx(ctx, "add", func(tx *sql.Tx) error {
		now := time.Now().UTC()
		stamp := formatTime(now)

		collectionIdx, err := upsertCollection(ctx, tx, path, stamp)
		if err != nil {
			return err
		}

		var existing int64
		err = tx.QueryRowContext(ctx, `SELECT idx FROM movie_queue WHERE collection_idx = ?`, collectionIdx).Scan(&existing)
		switch {
		case err == nil:
			return services.Wrap(services.ErrDuplicateQueueEntry, "queue", "add", path, nil)
		case !errors.Is(err, sql.ErrNoRows):
			return err
		}

		res, err := tx.ExecContext(ctx, `INSERT INTO movie_queue (collection_idx, last_modified) VALUES (?, ?)`, collectionIdx, stamp)
		if err != nil {
			if isUniqueViolation(err) {
				return services.Wrap(services.ErrDuplicateQueueEntry, "queue", "add", path, err)
			}
			return err
		}
		idx, err := res.LastInsertId()
		if err != nil {
			return err
		}
		entry = &Entry{
			Idx:           idx,
			CollectionIdx: collectionIdx,
			Path:          path,
			Show:          showForPath(path),
			LastModified:  now,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

func upsertCollection(ctx context.Context, tx *sql.Tx, path, stamp string) (int64, error) {
	var (
		idx     int64
		deleted bool
	)
	err := tx.QueryRowContext(ctx, `SELECT idx, is_deleted FROM movie_collection WHERE path = ?`, path).Scan(&idx, &deleted)
	switch {
	case err == nil:
		if deleted {
			if _, err := tx.ExecContext(ctx, `UPDATE movie_collection SET is_deleted = 0, last_modified = ? WHERE idx = ?`, stamp, idx); err != nil {
				return 0, err
			}
		}
		return idx, nil
	case !errors.Is(err, sql.ErrNoRows):
		return 0, err
	}

	res, err := tx.ExecContext(ctx,
		`INSERT INTO movie_collection (path, show, is_deleted, last_modified) VALUES (?, ?, 0, ?)`,
		path, showForPath(path), stamp,
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// Remove deletes the queue entry addressed by pathOrIdx. A purely numeric
// argument is a queue idx; anything else is a file path. The catalog row is
// kept. Returns ErrNotFound when nothing matches.
func (s *Store) Remove(ctx context.Context, pathOrIdx string) (*Entry, error) {
	pathOrIdx = strings.TrimSpace(pathOrIdx)
	if pathOrIdx == "" {
		return nil, services.Wrap(services.ErrValidation, "queue", "remove", "path or idx is required", nil)
	}

	var removed *Entry
	err := s.withTx(ctx, "remove", func(tx *sql.Tx) error {
		query := `SELECT ` + entryColumns + entryFrom + ` WHERE c.path = ?`
		arg := any(cleanPath(pathOrIdx))
		if idx, err := strconv.ParseInt(pathOrIdx, 10, 64); err == nil {
			query = `SELECT ` + entryColumns + entryFrom + ` WHERE q.idx = ?`
			arg = idx
		}
		entry, err := scanEntry(tx.QueryRowContext(ctx, query, arg))
		if errors.Is(err, sql.ErrNoRows) {
			return services.Wrap(services.ErrNotFound, "queue", "remove", pathOrIdx, nil)
		}
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM movie_queue WHERE idx = ?`, entry.Idx); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `UPDATE movie_collection SET last_modified = ? WHERE idx = ?`, formatTime(time.Now().UTC()), entry.CollectionIdx); err != nil {
			return err
		}
		removed = entry
		return nil
	})
	if err != nil {
		return nil, err
	}
	return removed, nil
}

// Find returns the queue entry for path or ErrNotFound.
func (s *Store) Find(ctx context.Context, path string) (*Entry, error) {
	ctx = ensureContext(ctx)
	entry, err := scanEntry(s.db.QueryRowContext(ctx, `SELECT `+entryColumns+entryFrom+` WHERE c.path = ?`, cleanPath(path)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, services.Wrap(services.ErrNotFound, "queue", "find", path, nil)
	}
	if err != nil {
		return nil, storageError("find", err)
	}
	return entry, nil
}

// List returns every queue entry ordered by idx.
func (s *Store) List(ctx context.Context) ([]Entry, error) {
	return s.listWhere(ctx, "list", "")
}

// ListSince returns queue entries modified after t, ordered by idx.
func (s *Store) ListSince(ctx context.Context, t time.Time) ([]Entry, error) {
	return s.listWhere(ctx, "list_since", ` WHERE q.last_modified > ?`, formatTime(t.UTC()))
}

func (s *Store) listWhere(ctx context.Context, operation, where string, args ...any) ([]Entry, error) {
	ctx = ensureContext(ctx)
	rows, err := s.db.QueryContext(ctx, `SELECT `+entryColumns+entryFrom+where+` ORDER BY q.idx`, args...)
	if err != nil {
		return nil, storageError(operation, err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, storageError(operation, err)
		}
		entries = append(entries, *entry)
	}
	if err := rows.Err(); err != nil {
		return nil, storageError(operation, err)
	}
	return entries, nil
}

// LastModified reports the most recent change across the catalog and queue.
// The zero time is returned for an empty database.
func (s *Store) LastModified(ctx context.Context) (time.Time, error) {
	ctx = ensureContext(ctx)
	var raw sql.NullString
	err := s.db.QueryRowContext(ctx, `SELECT MAX(ts) FROM (
		SELECT MAX(last_modified) AS ts FROM movie_queue
		UNION ALL
		SELECT MAX(last_modified) AS ts FROM movie_collection
	)`).Scan(&raw)
	if err != nil {
		return time.Time{}, storageError("last_modified", err)
	}
	if !raw.Valid || raw.String == "" {
		return time.Time{}, nil
	}
	t, err := parseTime(raw.String)
	if err != nil {
		return time.Time{}, storageError("last_modified", err)
	}
	return t, nil
}

// Collection returns the catalog row for path, including soft-deleted rows.
func (s *Store) Collection(ctx context.Context, path string) (*CollectionEntry, error) {
	ctx = ensureContext(ctx)
	var (
		entry    CollectionEntry
		showID   sql.NullInt64
		modified string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT idx, path, show, show_id, is_deleted, last_modified FROM movie_collection WHERE path = ?`,
		cleanPath(path),
	).Scan(&entry.Idx, &entry.Path, &entry.Show, &showID, &entry.IsDeleted, &modified)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, services.Wrap(services.ErrNotFound, "queue", "collection", path, nil)
	}
	if err != nil {
		return nil, storageError("collection", err)
	}
	if showID.Valid {
		entry.ShowID = &showID.Int64
	}
	if entry.LastModified, err = parseTime(modified); err != nil {
		return nil, storageError("collection", err)
	}
	return &entry, nil
}

// SoftDelete marks the catalog row for path deleted and drops any queue entry
// that references it.
func (s *Store) SoftDelete(ctx context.Context, path string) error {
	path = cleanPath(path)
	return s.withTx(ctx, "soft_delete", func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE movie_collection SET is_deleted = 1, last_modified = ? WHERE path = ?`,
			formatTime(time.Now().UTC()), path,
		)
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			return services.Wrap(services.ErrNotFound, "queue", "soft_delete", path, nil)
		}
		_, err = tx.ExecContext(ctx,
			`DELETE FROM movie_queue WHERE collection_idx = (SELECT idx FROM movie_collection WHERE path = ?)`, path)
		return err
	})
}

// Stats reports table sizes.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	ctx = ensureContext(ctx)
	var stats Stats
	err := s.db.QueryRowContext(ctx, `SELECT
		(SELECT COUNT(1) FROM movie_queue),
		(SELECT COUNT(1) FROM movie_collection WHERE is_deleted = 0),
		(SELECT COUNT(1) FROM movie_collection WHERE is_deleted = 1)`,
	).Scan(&stats.Queued, &stats.Collection, &stats.Deleted)
	if err != nil {
		return Stats{}, storageError("stats", err)
	}
	metrics.QueueLength.Set(float64(stats.Queued))
	return stats, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (*Entry, error) {
	var (
		entry    Entry
		modified string
	)
	if err := row.Scan(&entry.Idx, &entry.CollectionIdx, &entry.Path, &entry.Show, &modified); err != nil {
		return nil, err
	}
	t, err := parseTime(modified)
	if err != nil {
		return nil, err
	}
	entry.LastModified = t
	return &entry, nil
}

// Fixed-width so lexical order in SQLite matches chronological order.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(value string) (time.Time, error) {
	if t, err := time.Parse(timeLayout, value); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339Nano, value)
}

func cleanPath(path string) string {
	path = strings.TrimSpace(path)
	if path == "" {
		return ""
	}
	return filepath.Clean(path)
}

func showForPath(path string) string {
	ep, _ := textutil.ParseFileStem(textutil.FileStem(path))
	return ep.Show
}
