package finalize_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"moviequeue/internal/finalize"
	"moviequeue/internal/logging"
	"moviequeue/internal/services"
	"moviequeue/internal/testsupport"
)

func newFinalizer(t *testing.T) (*finalize.Finalizer, string) {
	t.Helper()
	base := t.TempDir()
	return finalize.New(filepath.Join(base, "locks"), logging.NewNop()), base
}

func assertNoTemporaries(t *testing.T, dest string) {
	t.Helper()
	testsupport.AssertMissing(t, finalize.NewPath(dest))
	testsupport.AssertMissing(t, finalize.OldPath(dest))
}

func TestFinalizeReplacesAndBacksUpOriginal(t *testing.T) {
	f, base := newFinalizer(t)
	src := filepath.Join(base, "out", "movie.mp4")
	dest := filepath.Join(base, "library", "movie.mp4")
	backup := filepath.Join(base, "backup")
	testsupport.WriteContent(t, src, "new")
	testsupport.WriteContent(t, dest, "old")

	res, err := f.Finalize(context.Background(), finalize.Descriptor{Source: src, Destination: dest, BackupDir: backup})
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if !res.Replaced || res.AlreadyFinalized {
		t.Fatalf("unexpected result %+v", res)
	}
	if got := testsupport.ReadContent(t, dest); got != "new" {
		t.Fatalf("destination content = %q", got)
	}
	if res.Backup == "" || testsupport.ReadContent(t, res.Backup) != "old" {
		t.Fatalf("expected original in backup, got %q", res.Backup)
	}
	if filepath.Dir(res.Backup) != backup {
		t.Fatalf("backup outside backup dir: %s", res.Backup)
	}
	testsupport.AssertMissing(t, src)
	assertNoTemporaries(t, dest)
}

func TestFinalizeWithoutBackupDiscardsOriginal(t *testing.T) {
	f, base := newFinalizer(t)
	src := filepath.Join(base, "movie.srt.tmp")
	dest := filepath.Join(base, "movie.srt")
	testsupport.WriteContent(t, src, "new")
	testsupport.WriteContent(t, dest, "old")

	res, err := f.Finalize(context.Background(), finalize.Descriptor{Source: src, Destination: dest})
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if res.Backup != "" || !res.Replaced {
		t.Fatalf("unexpected result %+v", res)
	}
	if got := testsupport.ReadContent(t, dest); got != "new" {
		t.Fatalf("destination content = %q", got)
	}
	assertNoTemporaries(t, dest)
}

func TestFinalizeMissingOriginalSkipsBackup(t *testing.T) {
	f, base := newFinalizer(t)
	src := filepath.Join(base, "movie.mp4.part")
	dest := filepath.Join(base, "nested", "dir", "movie.mp4")
	backup := filepath.Join(base, "backup")
	testsupport.WriteContent(t, src, "new")

	res, err := f.Finalize(context.Background(), finalize.Descriptor{Source: src, Destination: dest, BackupDir: backup})
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if res.Replaced || res.Backup != "" {
		t.Fatalf("expected no backup for missing original, got %+v", res)
	}
	if got := testsupport.ReadContent(t, dest); got != "new" {
		t.Fatalf("destination content = %q", got)
	}
	if entries, _ := os.ReadDir(backup); len(entries) != 0 {
		t.Fatalf("expected empty backup dir, got %d entries", len(entries))
	}
	assertNoTemporaries(t, dest)
}

func TestFinalizeIsIdempotent(t *testing.T) {
	f, base := newFinalizer(t)
	src := filepath.Join(base, "movie.out")
	dest := filepath.Join(base, "movie.mp4")
	testsupport.WriteContent(t, src, "new")
	testsupport.WriteContent(t, dest, "old")
	d := finalize.Descriptor{Source: src, Destination: dest}

	if _, err := f.Finalize(context.Background(), d); err != nil {
		t.Fatalf("first Finalize: %v", err)
	}
	res, err := f.Finalize(context.Background(), d)
	if err != nil {
		t.Fatalf("second Finalize: %v", err)
	}
	if !res.AlreadyFinalized {
		t.Fatalf("expected second call to report already finalized, got %+v", res)
	}
	if got := testsupport.ReadContent(t, dest); got != "new" {
		t.Fatalf("destination content = %q", got)
	}
	assertNoTemporaries(t, dest)
}

func TestFinalizeKeepSourceIsIdempotent(t *testing.T) {
	f, base := newFinalizer(t)
	src := filepath.Join(base, "staging", "episode.mp4")
	dest := filepath.Join(base, "tv", "episode.mp4")
	backup := filepath.Join(base, "backup")
	testsupport.WriteContent(t, src, "episode")
	testsupport.WriteContent(t, dest, "older cut")
	d := finalize.Descriptor{Source: src, Destination: dest, BackupDir: backup, KeepSource: true}

	if _, err := f.Finalize(context.Background(), d); err != nil {
		t.Fatalf("first Finalize: %v", err)
	}
	res, err := f.Finalize(context.Background(), d)
	if err != nil {
		t.Fatalf("second Finalize: %v", err)
	}
	if !res.AlreadyFinalized {
		t.Fatalf("expected already finalized, got %+v", res)
	}
	if got := testsupport.ReadContent(t, src); got != "episode" {
		t.Fatalf("expected source kept, got %q", got)
	}
	if entries, _ := os.ReadDir(backup); len(entries) != 1 {
		t.Fatalf("expected exactly one backup, got %d", len(entries))
	}
	assertNoTemporaries(t, dest)
}

func TestFinalizeResumesAfterCrashBetweenSteps(t *testing.T) {
	f, base := newFinalizer(t)
	dest := filepath.Join(base, "movie.mp4")
	backup := filepath.Join(base, "backup")
	// Step one completed, step two never ran.
	testsupport.WriteContent(t, finalize.NewPath(dest), "new")
	testsupport.WriteContent(t, finalize.OldPath(dest), "old")

	res, err := f.Finalize(context.Background(), finalize.Descriptor{
		Source:      filepath.Join(base, "gone.out"),
		Destination: dest,
		BackupDir:   backup,
	})
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if got := testsupport.ReadContent(t, dest); got != "new" {
		t.Fatalf("destination content = %q", got)
	}
	if !res.Replaced || testsupport.ReadContent(t, res.Backup) != "old" {
		t.Fatalf("expected original retired to backup, got %+v", res)
	}
	assertNoTemporaries(t, dest)
}

func TestFinalizeRetiresLeftoverOldOnRepeat(t *testing.T) {
	f, base := newFinalizer(t)
	dest := filepath.Join(base, "movie.mp4")
	// Step two renamed .new into place but the original was never retired.
	testsupport.WriteContent(t, dest, "new")
	testsupport.WriteContent(t, finalize.OldPath(dest), "old")

	res, err := f.Finalize(context.Background(), finalize.Descriptor{Source: filepath.Join(base, "gone"), Destination: dest})
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if !res.AlreadyFinalized {
		t.Fatalf("expected already finalized, got %+v", res)
	}
	if got := testsupport.ReadContent(t, dest); got != "new" {
		t.Fatalf("destination content = %q", got)
	}
	assertNoTemporaries(t, dest)
}

func TestFinalizeMissingSourceKeepsOriginal(t *testing.T) {
	f, base := newFinalizer(t)
	dest := filepath.Join(base, "movie.mp4")
	testsupport.WriteContent(t, finalize.OldPath(dest), "old")

	_, err := f.Finalize(context.Background(), finalize.Descriptor{Source: filepath.Join(base, "gone"), Destination: dest})
	if !errors.Is(err, services.ErrFinalize) {
		t.Fatalf("expected finalize error, got %v", err)
	}
	if got := testsupport.ReadContent(t, dest); got != "old" {
		t.Fatalf("expected original restored, got %q", got)
	}
	testsupport.AssertMissing(t, finalize.OldPath(dest))
}

func TestFinalizeNothingToDo(t *testing.T) {
	f, base := newFinalizer(t)
	_, err := f.Finalize(context.Background(), finalize.Descriptor{
		Source:      filepath.Join(base, "gone"),
		Destination: filepath.Join(base, "movie.mp4"),
	})
	if !errors.Is(err, services.ErrFinalize) || !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected finalize not-exist error, got %v", err)
	}
}

func TestFinalizeStageFailureRestoresOriginal(t *testing.T) {
	f, base := newFinalizer(t)
	dest := filepath.Join(base, "movie.mp4")
	testsupport.WriteContent(t, dest, "old")
	// A directory at the source path cannot be copied as a file.
	src := filepath.Join(base, "srcdir")
	if err := os.MkdirAll(src, 0o755); err != nil {
		t.Fatal(err)
	}

	_, err := f.Finalize(context.Background(), finalize.Descriptor{Source: src, Destination: dest, KeepSource: true})
	if !errors.Is(err, services.ErrFinalize) {
		t.Fatalf("expected finalize error, got %v", err)
	}
	if got := testsupport.ReadContent(t, dest); got != "old" {
		t.Fatalf("expected original untouched, got %q", got)
	}
	assertNoTemporaries(t, dest)
}

func TestFinalizeValidation(t *testing.T) {
	f, base := newFinalizer(t)
	ctx := context.Background()
	if _, err := f.Finalize(ctx, finalize.Descriptor{Source: "x"}); !errors.Is(err, services.ErrValidation) {
		t.Fatalf("expected validation error for empty destination, got %v", err)
	}
	same := filepath.Join(base, "a.mp4")
	if _, err := f.Finalize(ctx, finalize.Descriptor{Source: same, Destination: same}); !errors.Is(err, services.ErrValidation) {
		t.Fatalf("expected validation error for identical paths, got %v", err)
	}
}

func TestConcurrentFinalizeOnSameDestination(t *testing.T) {
	f, base := newFinalizer(t)
	dest := filepath.Join(base, "movie.mp4")
	testsupport.WriteContent(t, dest, "old")

	const workers = 6
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		src := filepath.Join(base, "src", string(rune('a'+i)))
		testsupport.WriteContent(t, src, "content-"+string(rune('a'+i)))
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.Finalize(context.Background(), finalize.Descriptor{Source: src, Destination: dest})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("Finalize: %v", err)
		}
	}

	got := testsupport.ReadContent(t, dest)
	if len(got) != len("content-a") || got[:8] != "content-" {
		t.Fatalf("expected one complete replacement, got %q", got)
	}
	assertNoTemporaries(t, dest)
}

func TestFinalizeHonoursCancelledContext(t *testing.T) {
	f, base := newFinalizer(t)
	src := filepath.Join(base, "src")
	dest := filepath.Join(base, "dest")
	testsupport.WriteContent(t, src, "new")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := f.Finalize(ctx, finalize.Descriptor{Source: src, Destination: dest}); err == nil {
		t.Fatal("expected error for cancelled context")
	}
	if got := testsupport.ReadContent(t, src); got != "new" {
		t.Fatalf("expected source untouched, got %q", got)
	}
}
