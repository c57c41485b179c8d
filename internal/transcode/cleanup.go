package transcode

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	"moviequeue/internal/fileutil"
	"moviequeue/internal/finalize"
	"moviequeue/internal/job"
	"moviequeue/internal/logging"
	"moviequeue/internal/procmon"
	"moviequeue/internal/services"
)

// CleanupResult lists what Cleanup did for one target.
type CleanupResult struct {
	Target     string   `json:"target"`
	Terminated []int32  `json:"terminated,omitempty"`
	Removed    []string `json:"removed,omitempty"`
	Restored   []string `json:"restored,omitempty"`
	Dequeued   bool     `json:"dequeued"`
}

// Cleanup stops local jobs working on target, removes the partial output and
// staging files they leave behind, and withdraws the target's queue entry.
// A displaced original found without its replacement is put back.
func (d *Dispatcher) Cleanup(ctx context.Context, target string) (CleanupResult, error) {
	target = strings.TrimSpace(target)
	if target == "" || !filepath.IsAbs(target) {
		return CleanupResult{}, services.Wrap(services.ErrValidation, component, "cleanup", "target must be an absolute path", nil)
	}
	target = filepath.Clean(target)
	res := CleanupResult{Target: target}
	logger := d.logger.With(logging.String(logging.FieldTarget, target))

	var errs []error
	pids, waits, descs := d.localJobsFor(target)
	if procs, err := d.monitor.ListRunning(ctx, procmon.LocalHost); err == nil {
		for _, p := range procs {
			if p.PID != d.owner && filepath.Clean(p.Target) == target {
				pids = appendPID(pids, p.PID)
			}
		}
	} else {
		errs = append(errs, err)
	}
	for _, pid := range pids {
		if !d.monitor.Alive(ctx, pid) {
			continue
		}
		if err := d.monitor.Terminate(ctx, pid, d.cfg.KillGrace()); err != nil {
			errs = append(errs, err)
			continue
		}
		res.Terminated = append(res.Terminated, pid)
		logger.Info("terminated job process", logging.Int("pid", int(pid)))
	}
	waitCtx, cancel := context.WithTimeout(ctx, d.cfg.KillGrace()+2*time.Second)
	for _, done := range waits {
		select {
		case <-done:
		case <-waitCtx.Done():
		}
	}
	cancel()

	for _, kind := range []job.Kind{job.KindTranscode, job.KindSubtitle} {
		desc := job.Descriptor{ID: "cleanup", Kind: kind, Target: target, SubtitleIndex: 1}
		if err := Resolve(d.cfg, &desc); err == nil {
			descs = append(descs, desc)
		}
	}
	seen := make(map[string]bool)
	for _, desc := range descs {
		if desc.Kind == job.KindTranscode && desc.Output != "" && !seen[desc.Output] {
			seen[desc.Output] = true
			if removed, err := removeIfExists(desc.Output); err != nil {
				errs = append(errs, err)
			} else if removed {
				res.Removed = append(res.Removed, desc.Output)
			}
		}
		if desc.Destination == "" || seen[desc.Destination] {
			continue
		}
		seen[desc.Destination] = true
		if err := d.settleDestination(ctx, desc, &res); err != nil {
			errs = append(errs, err)
		}
	}

	if d.store != nil {
		if _, err := d.store.Remove(ctx, target); err == nil {
			res.Dequeued = true
		} else if !errors.Is(err, services.ErrNotFound) {
			errs = append(errs, err)
		}
	}
	d.forget(target)

	if err := errors.Join(errs...); err != nil {
		return res, services.Wrap(services.ErrFinalize, component, "cleanup", target, err)
	}
	logger.Info("cleanup complete",
		logging.Int("terminated", len(res.Terminated)),
		logging.Int("removed", len(res.Removed)),
		logging.Bool("dequeued", res.Dequeued),
	)
	return res, nil
}

// settleDestination drops a partial staging file and resolves a leftover
// .old: restored when the destination is missing, retired otherwise.
func (d *Dispatcher) settleDestination(ctx context.Context, desc job.Descriptor, res *CleanupResult) error {
	staged := finalize.NewPath(desc.Destination)
	if removed, err := removeIfExists(staged); err != nil {
		return err
	} else if removed {
		res.Removed = append(res.Removed, staged)
	}

	old := finalize.OldPath(desc.Destination)
	hasOld, err := fileutil.Exists(old)
	if err != nil || !hasOld {
		return err
	}
	hadDest, err := fileutil.Exists(desc.Destination)
	if err != nil {
		return err
	}
	_, ferr := d.finalizer.Finalize(ctx, finalize.Descriptor{Destination: desc.Destination, BackupDir: desc.BackupDir})
	if hadDest {
		if ferr == nil {
			res.Removed = append(res.Removed, old)
		}
		return ferr
	}
	if restored, _ := fileutil.Exists(desc.Destination); restored {
		res.Restored = append(res.Restored, desc.Destination)
		return nil
	}
	return ferr
}

// localJobsFor returns pids, completion channels and descriptors of active
// local jobs on target.
func (d *Dispatcher) localJobsFor(target string) ([]int32, []<-chan struct{}, []job.Descriptor) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var (
		pids  []int32
		waits []<-chan struct{}
		descs []job.Descriptor
	)
	for _, rec := range d.jobs {
		if !rec.local || rec.desc.Target != target {
			continue
		}
		descs = append(descs, rec.desc)
		if !rec.status.State.Active() {
			continue
		}
		if rec.status.PID > 0 {
			pids = appendPID(pids, rec.status.PID)
		}
		if rec.watched {
			waits = append(waits, rec.done)
		}
	}
	return pids, waits, descs
}

// forget drops finished local records for target so the status view no
// longer reports them.
func (d *Dispatcher) forget(target string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for id, rec := range d.jobs {
		if rec.local && rec.desc.Target == target && rec.status.State.Terminal() {
			delete(d.jobs, id)
		}
	}
}

func appendPID(pids []int32, pid int32) []int32 {
	for _, existing := range pids {
		if existing == pid {
			return pids
		}
	}
	return append(pids, pid)
}

func removeIfExists(path string) (bool, error) {
	err := os.Remove(path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, err
}
