package testsupport

import (
	"context"
	"testing"

	"moviequeue/internal/config"
	"moviequeue/internal/queue"
)

// MustOpenStore opens a queue.Store for tests and registers cleanup.
func MustOpenStore(t testing.TB, cfg *config.Config) *queue.Store {
	t.Helper()

	store, err := queue.Open(cfg)
	if err != nil {
		t.Fatalf("queue.Open: %v", err)
	}
	t.Cleanup(func() {
		store.Close()
	})
	return store
}

// MustAdd queues path and fails the test on error.
func MustAdd(t testing.TB, store *queue.Store, path string) *queue.Entry {
	t.Helper()

	entry, err := store.Add(context.Background(), path)
	if err != nil {
		t.Fatalf("store.Add(%q): %v", path, err)
	}
	return entry
}
