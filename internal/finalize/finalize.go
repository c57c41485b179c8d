package finalize

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"moviequeue/internal/fileutil"
	"moviequeue/internal/logging"
	"moviequeue/internal/metrics"
	"moviequeue/internal/services"
)

const (
	newSuffix = ".new"
	oldSuffix = ".old"
)

// Descriptor names the files involved in one replacement.
type Descriptor struct {
	// Source holds the new content. It may be empty when the content was
	// already staged at Destination+".new".
	Source      string
	Destination string
	// BackupDir receives the replaced file. Empty discards it.
	BackupDir string
	// KeepSource copies Source instead of moving it.
	KeepSource bool
}

// Result describes what a finalize call did.
type Result struct {
	Destination string `json:"destination"`
	// Backup is where the replaced file went, empty when there was none or it
	// was discarded.
	Backup string `json:"backup,omitempty"`
	// Replaced is true when an existing destination was swapped out.
	Replaced bool `json:"replaced"`
	// AlreadyFinalized is true when the call found the work already done.
	AlreadyFinalized bool `json:"already_finalized"`
}

// NewPath returns the staging name used for the incoming file.
func NewPath(destination string) string { return destination + newSuffix }

// OldPath returns the name the displaced original is parked under.
func OldPath(destination string) string { return destination + oldSuffix }

// Finalizer replaces destination files so that readers see either the old or
// the new content, never a partial file, and the original is never deleted
// before its replacement is in place.
type Finalizer struct {
	locks  *lockSet
	logger *slog.Logger
	now    func() time.Time
}

// New constructs a Finalizer. lockDir holds the cross-process lock files; an
// empty lockDir restricts mutual exclusion to this process.
func New(lockDir string, logger *slog.Logger) *Finalizer {
	return &Finalizer{
		locks:  newLockSet(lockDir),
		logger: logging.NewComponentLogger(logger, "finalize"),
		now:    time.Now,
	}
}

// Finalize performs the replacement described by d. It is safe to call again
// after a crash or on an already finalized destination.
func (f *Finalizer) Finalize(ctx context.Context, d Descriptor) (Result, error) {
	d.Destination = strings.TrimSpace(d.Destination)
	if d.Destination == "" {
		return Result{}, services.Wrap(services.ErrValidation, "finalize", "validate", "destination is required", nil)
	}
	d.Destination = filepath.Clean(d.Destination)
	if d.Source != "" {
		d.Source = filepath.Clean(d.Source)
		if d.Source == d.Destination {
			return Result{}, services.Wrap(services.ErrValidation, "finalize", "validate", "source and destination are the same file", nil)
		}
	}

	unlock, err := f.locks.lock(ctx, d.Destination)
	if err != nil {
		return Result{}, services.Wrap(services.ErrFinalize, "finalize", "lock", d.Destination, err)
	}
	defer unlock()

	logger := logging.WithContext(ctx, f.logger).With(logging.String("destination", d.Destination))
	start := f.now()
	res, err := f.finalizeLocked(ctx, d, logger)
	metrics.FinalizeDuration.Observe(f.now().Sub(start).Seconds())
	metrics.FinalizeTotal.WithLabelValues(resultLabel(res, err)).Inc()
	if err != nil {
		logger.Error("finalize failed", logging.Error(err))
		return res, err
	}
	logger.Info("finalize complete",
		logging.Bool("replaced", res.Replaced),
		logging.Bool("already_finalized", res.AlreadyFinalized),
		logging.String("backup", res.Backup),
	)
	return res, nil
}

func resultLabel(res Result, err error) string {
	switch {
	case err != nil:
		return "error"
	case res.AlreadyFinalized:
		return "already_finalized"
	case res.Replaced:
		return "replaced"
	default:
		return "created"
	}
}

type fileState struct {
	source bool
	staged bool
	dest   bool
	old    bool
}

func (f *Finalizer) inspect(d Descriptor) (fileState, error) {
	var (
		st  fileState
		err error
	)
	if d.Source != "" {
		if st.source, err = fileutil.Exists(d.Source); err != nil {
			return st, err
		}
	}
	if st.staged, err = fileutil.Exists(NewPath(d.Destination)); err != nil {
		return st, err
	}
	if st.dest, err = fileutil.Exists(d.Destination); err != nil {
		return st, err
	}
	if st.old, err = fileutil.Exists(OldPath(d.Destination)); err != nil {
		return st, err
	}
	return st, nil
}

func (f *Finalizer) finalizeLocked(ctx context.Context, d Descriptor, logger *slog.Logger) (Result, error) {
	res := Result{Destination: d.Destination}
	if err := ctx.Err(); err != nil {
		return res, services.Wrap(services.ErrFinalize, "finalize", "start", d.Destination, err)
	}

	newPath := NewPath(d.Destination)
	oldPath := OldPath(d.Destination)

	st, err := f.inspect(d)
	if err != nil {
		return res, services.Wrap(services.ErrFinalize, "finalize", "inspect", d.Destination, err)
	}

	if !st.source && !st.staged {
		return f.resolveWithoutSource(d, st, res, logger)
	}

	if st.source && d.KeepSource && st.dest && !st.old {
		same, err := sameContent(d.Source, d.Destination)
		if err == nil && same {
			if st.staged {
				_ = os.Remove(newPath)
			}
			res.AlreadyFinalized = true
			return res, nil
		}
	}

	if err := os.MkdirAll(filepath.Dir(d.Destination), 0o755); err != nil {
		return res, services.Wrap(services.ErrFinalize, "finalize", "prepare", "create destination directory", err)
	}

	// A .old next to a live destination belongs to an earlier replacement that
	// never finished retiring it.
	if st.dest && st.old {
		if _, err := f.retire(oldPath, d); err != nil {
			return res, services.Wrap(services.ErrFinalize, "finalize", "retire stale", oldPath, err)
		}
		st.old = false
	}

	movedAside := false
	var g errgroup.Group
	if st.source {
		g.Go(func() error {
			if d.KeepSource {
				return fileutil.CopyFileVerified(d.Source, newPath)
			}
			return fileutil.MoveFile(d.Source, newPath)
		})
	}
	if st.dest {
		g.Go(func() error {
			if err := os.Rename(d.Destination, oldPath); err != nil {
				return err
			}
			movedAside = true
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		f.rollbackStage(d, movedAside, logger)
		return res, services.Wrap(services.ErrFinalize, "finalize", "stage", d.Destination, err)
	}

	if err := os.Rename(newPath, d.Destination); err != nil {
		if movedAside || st.old {
			if restoreErr := os.Rename(oldPath, d.Destination); restoreErr != nil {
				logger.Error("restore original failed", logging.String("old", oldPath), logging.Error(restoreErr))
			}
		}
		return res, services.Wrap(services.ErrFinalize, "finalize", "swap", d.Destination, err)
	}

	if movedAside || st.old {
		res.Replaced = true
		backup, err := f.retire(oldPath, d)
		if err != nil {
			logging.WarnWithContext(logger, "replaced file left in place", "finalize_retire_failed",
				"move or delete the .old file manually",
				logging.String("old", oldPath),
				logging.Error(err),
			)
		}
		res.Backup = backup
	}
	return res, nil
}

// resolveWithoutSource handles calls where no new content is available: a
// repeat of a finished finalize, or recovery after a crash between steps.
func (f *Finalizer) resolveWithoutSource(d Descriptor, st fileState, res Result, logger *slog.Logger) (Result, error) {
	oldPath := OldPath(d.Destination)
	switch {
	case st.dest:
		res.AlreadyFinalized = true
		if st.old {
			backup, err := f.retire(oldPath, d)
			if err != nil {
				return res, services.Wrap(services.ErrFinalize, "finalize", "retire", oldPath, err)
			}
			res.Backup = backup
			res.Replaced = true
		}
		return res, nil
	case st.old:
		if err := os.Rename(oldPath, d.Destination); err != nil {
			return res, services.Wrap(services.ErrFinalize, "finalize", "restore", oldPath, err)
		}
		logging.WarnWithContext(logger, "source missing; original restored", "finalize_restored",
			"re-run the job to produce the new file")
		return res, services.Wrap(services.ErrFinalize, "finalize", "stage", "source missing", os.ErrNotExist)
	default:
		return res, services.Wrap(services.ErrFinalize, "finalize", "stage", "source missing: "+d.Source, os.ErrNotExist)
	}
}

// rollbackStage undoes a partially completed step one.
func (f *Finalizer) rollbackStage(d Descriptor, movedAside bool, logger *slog.Logger) {
	newPath := NewPath(d.Destination)
	if movedAside {
		if err := os.Rename(OldPath(d.Destination), d.Destination); err != nil {
			logger.Error("restore original failed", logging.Error(err))
		}
	}
	if d.Source == "" {
		return
	}
	if d.KeepSource {
		_ = os.Remove(newPath)
		return
	}
	if exists, _ := fileutil.Exists(d.Source); !exists {
		if staged, _ := fileutil.Exists(newPath); staged {
			if err := fileutil.MoveFile(newPath, d.Source); err != nil {
				logger.Error("restore source failed", logging.String("staged", newPath), logging.Error(err))
			}
		}
	}
}

// retire moves the parked original to the backup directory or deletes it.
func (f *Finalizer) retire(oldPath string, d Descriptor) (string, error) {
	if d.BackupDir == "" {
		if err := os.Remove(oldPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			return "", err
		}
		return "", nil
	}
	if err := os.MkdirAll(d.BackupDir, 0o755); err != nil {
		return "", err
	}
	base := filepath.Base(d.Destination)
	ext := filepath.Ext(base)
	name := fmt.Sprintf("%s.%s%s", strings.TrimSuffix(base, ext), f.now().UTC().Format("20060102T150405"), ext)
	target := filepath.Join(d.BackupDir, name)
	if err := fileutil.MoveFile(oldPath, target); err != nil {
		return "", err
	}
	return target, nil
}

func sameContent(a, b string) (bool, error) {
	ai, err := os.Stat(a)
	if err != nil {
		return false, err
	}
	bi, err := os.Stat(b)
	if err != nil {
		return false, err
	}
	if ai.Size() != bi.Size() {
		return false, nil
	}
	ha, err := hashFile(a)
	if err != nil {
		return false, err
	}
	hb, err := hashFile(b)
	if err != nil {
		return false, err
	}
	return bytes.Equal(ha, hb), nil
}

func hashFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return nil, err
	}
	return h.Sum(nil), nil
}
