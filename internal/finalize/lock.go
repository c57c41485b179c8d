package finalize

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
)

const lockRetryDelay = 50 * time.Millisecond

// lockSet serializes finalization per destination path. Within the process a
// reference-counted mutex per path is used; across processes (CLI, daemon and
// remote supervisors share a host) a flock file under dir is held as well.
type lockSet struct {
	dir string

	mu    sync.Mutex
	paths map[string]*pathLock
}

type pathLock struct {
	ch   chan struct{}
	refs int
}

func newLockSet(dir string) *lockSet {
	return &lockSet{dir: dir, paths: make(map[string]*pathLock)}
}

func (s *lockSet) lock(ctx context.Context, path string) (func(), error) {
	s.mu.Lock()
	pl, ok := s.paths[path]
	if !ok {
		pl = &pathLock{ch: make(chan struct{}, 1)}
		s.paths[path] = pl
	}
	pl.refs++
	s.mu.Unlock()

	select {
	case pl.ch <- struct{}{}:
	case <-ctx.Done():
		s.release(path, pl, false)
		return nil, ctx.Err()
	}

	var fileLock *flock.Flock
	if s.dir != "" {
		if err := os.MkdirAll(s.dir, 0o755); err != nil {
			s.release(path, pl, true)
			return nil, fmt.Errorf("create lock dir: %w", err)
		}
		fileLock = flock.New(filepath.Join(s.dir, lockName(path)))
		locked, err := fileLock.TryLockContext(ctx, lockRetryDelay)
		if err != nil || !locked {
			s.release(path, pl, true)
			if err == nil {
				err = ctx.Err()
			}
			return nil, fmt.Errorf("acquire lock for %s: %w", path, err)
		}
	}

	return func() {
		if fileLock != nil {
			_ = fileLock.Unlock()
		}
		s.release(path, pl, true)
	}, nil
}

func (s *lockSet) release(path string, pl *pathLock, held bool) {
	if held {
		<-pl.ch
	}
	s.mu.Lock()
	pl.refs--
	if pl.refs == 0 {
		delete(s.paths, path)
	}
	s.mu.Unlock()
}

func lockName(path string) string {
	sum := sha1.Sum([]byte(path))
	return "finalize-" + hex.EncodeToString(sum[:8]) + ".lock"
}
