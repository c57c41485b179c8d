package queue_test

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"testing"
	"time"

	"moviequeue/internal/queue"
	"moviequeue/internal/services"
	"moviequeue/internal/testsupport"
)

func TestAddCreatesCollectionAndQueueEntry(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	entry, err := store.Add(ctx, "/media/the_wire_s01_ep02.avi")
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if entry.Idx == 0 || entry.CollectionIdx == 0 {
		t.Fatalf("expected identifiers to be assigned, got %+v", entry)
	}
	if entry.Show != "the_wire" {
		t.Fatalf("expected show derived from stem, got %q", entry.Show)
	}

	row, err := store.Collection(ctx, "/media/the_wire_s01_ep02.avi")
	if err != nil {
		t.Fatalf("Collection: %v", err)
	}
	if row.Idx != entry.CollectionIdx || row.IsDeleted {
		t.Fatalf("unexpected collection row %+v", row)
	}
}

func TestAddDuplicateIsRejectedWithoutSideEffects(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	first := testsupport.MustAdd(t, store, "/media/a.avi")
	if _, err := store.Add(ctx, "/media/a.avi"); !errors.Is(err, services.ErrDuplicateQueueEntry) {
		t.Fatalf("expected duplicate error, got %v", err)
	}

	entries, err := store.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 1 || entries[0].Idx != first.Idx {
		t.Fatalf("expected a single queue row, got %+v", entries)
	}
	stats, err := store.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Collection != 1 || stats.Queued != 1 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

func TestAddReusesCollectionRowAfterRemove(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	first := testsupport.MustAdd(t, store, "/media/a.avi")
	if _, err := store.Remove(ctx, "/media/a.avi"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	second := testsupport.MustAdd(t, store, "/media/a.avi")
	if second.CollectionIdx != first.CollectionIdx {
		t.Fatalf("expected catalog row reuse, got %d and %d", first.CollectionIdx, second.CollectionIdx)
	}
	if second.Idx == first.Idx {
		t.Fatalf("expected a fresh queue idx")
	}
}

func TestAddRevivesSoftDeletedCollectionRow(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	first := testsupport.MustAdd(t, store, "/media/a.avi")
	if err := store.SoftDelete(ctx, "/media/a.avi"); err != nil {
		t.Fatalf("SoftDelete: %v", err)
	}
	row, err := store.Collection(ctx, "/media/a.avi")
	if err != nil {
		t.Fatalf("Collection: %v", err)
	}
	if !row.IsDeleted {
		t.Fatal("expected row to be soft deleted")
	}
	if entries, _ := store.List(ctx); len(entries) != 0 {
		t.Fatalf("expected soft delete to drop queue entry, got %+v", entries)
	}

	second := testsupport.MustAdd(t, store, "/media/a.avi")
	if second.CollectionIdx != first.CollectionIdx {
		t.Fatalf("expected revived row %d, got %d", first.CollectionIdx, second.CollectionIdx)
	}
	row, err = store.Collection(ctx, "/media/a.avi")
	if err != nil {
		t.Fatalf("Collection: %v", err)
	}
	if row.IsDeleted {
		t.Fatal("expected row to be revived")
	}
}

func TestRemoveByPathAndIdx(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	a := testsupport.MustAdd(t, store, "/media/a.avi")
	testsupport.MustAdd(t, store, "/media/b.avi")

	removed, err := store.Remove(ctx, strconv.FormatInt(a.Idx, 10))
	if err != nil {
		t.Fatalf("Remove by idx: %v", err)
	}
	if removed.Path != "/media/a.avi" {
		t.Fatalf("unexpected removed entry %+v", removed)
	}
	if _, err := store.Remove(ctx, "/media/b.avi"); err != nil {
		t.Fatalf("Remove by path: %v", err)
	}

	entries, err := store.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected empty queue, got %+v", entries)
	}
	if _, err := store.Collection(ctx, "/media/a.avi"); err != nil {
		t.Fatalf("expected catalog row to survive removal: %v", err)
	}
}

func TestRemoveMissingReturnsNotFound(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	if _, err := store.Remove(ctx, "/media/none.avi"); !errors.Is(err, services.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := store.Remove(ctx, "42"); !errors.Is(err, services.ErrNotFound) {
		t.Fatalf("expected not found for idx, got %v", err)
	}
}

func TestListOrderedByIdxAndListSince(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		testsupport.MustAdd(t, store, fmt.Sprintf("/media/%d.avi", i))
	}
	cutoff := time.Now().UTC()
	time.Sleep(5 * time.Millisecond)
	late := testsupport.MustAdd(t, store, "/media/late.avi")

	entries, err := store.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 4 {
		t.Fatalf("expected 4 entries, got %d", len(entries))
	}
	for i := 1; i < len(entries); i++ {
		if entries[i-1].Idx >= entries[i].Idx {
			t.Fatalf("entries not ordered by idx: %+v", entries)
		}
	}

	recent, err := store.ListSince(ctx, cutoff)
	if err != nil {
		t.Fatalf("ListSince: %v", err)
	}
	if len(recent) != 1 || recent[0].Idx != late.Idx {
		t.Fatalf("expected only the late entry, got %+v", recent)
	}

	modified, err := store.LastModified(ctx)
	if err != nil {
		t.Fatalf("LastModified: %v", err)
	}
	if modified.Before(cutoff) {
		t.Fatalf("expected last modified after cutoff, got %v", modified)
	}
}

func TestLastModifiedEmptyDatabase(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)

	modified, err := store.LastModified(context.Background())
	if err != nil {
		t.Fatalf("LastModified: %v", err)
	}
	if !modified.IsZero() {
		t.Fatalf("expected zero time, got %v", modified)
	}
}

func TestConcurrentAddsOfSamePathYieldOneEntry(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	const workers = 8
	var (
		wg         sync.WaitGroup
		mu         sync.Mutex
		successes  int
		duplicates int
		other      []error
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.Add(ctx, "/media/race.avi")
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case errors.Is(err, services.ErrDuplicateQueueEntry):
				duplicates++
			default:
				other = append(other, err)
			}
		}()
	}
	wg.Wait()

	if len(other) > 0 {
		t.Fatalf("unexpected errors: %v", other)
	}
	if successes != 1 || duplicates != workers-1 {
		t.Fatalf("expected 1 success and %d duplicates, got %d/%d", workers-1, successes, duplicates)
	}
}

func TestReopenKeepsData(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store, err := queue.Open(cfg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	testsupport.MustAdd(t, store, "/media/a.avi")
	if err := store.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened := testsupport.MustOpenStore(t, cfg)
	entries, err := reopened.List(context.Background())
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected persisted entry, got %+v", entries)
	}
}
