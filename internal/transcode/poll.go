package transcode

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	"moviequeue/internal/job"
	"moviequeue/internal/logging"
	"moviequeue/internal/procmon"
	"moviequeue/internal/remote"
	"moviequeue/internal/services"
)

// Poll returns the current status of job id, reconciled against process
// evidence. A running job whose process disappeared without being observed
// by a watcher is recorded as failed.
func (d *Dispatcher) Poll(ctx context.Context, id string) (job.Status, error) {
	rec, err := d.lookup(id)
	if err != nil {
		return job.Status{}, err
	}

	d.mu.RLock()
	st := rec.status
	local := rec.local
	watched := rec.watched
	d.mu.RUnlock()

	if st.State.Terminal() {
		return st, nil
	}
	if local {
		if watched || st.State != job.StateRunning {
			return st, nil
		}
		if _, alive := d.observed(ctx, st.PID, st.Target); alive {
			return st, nil
		}
		d.transition(rec, job.StateFailed, services.Wrap(services.ErrProcessExecution, component, "poll",
			"process vanished before completion was observed", nil), nil)
		return d.statusOf(rec), nil
	}

	if d.remote == nil {
		return st, nil
	}
	rs, err := d.remote.Status(ctx, rec.host, id)
	if err != nil {
		if errors.Is(err, services.ErrNotFound) {
			d.transition(rec, job.StateFailed, services.Wrap(services.ErrRemoteSpawn, component, "poll",
				"job is unknown on "+rec.host, nil), nil)
			return d.statusOf(rec), nil
		}
		return st, err
	}
	return d.applyRemote(rec, rs), nil
}

// observed reports whether pid is still a recognized process working on
// target. Matching on the target guards against pid reuse.
func (d *Dispatcher) observed(ctx context.Context, pid int32, target string) (*procmon.ObservedProcess, bool) {
	if pid <= 0 || !d.monitor.Alive(ctx, pid) {
		return nil, false
	}
	procs, err := d.monitor.ListRunning(ctx, procmon.LocalHost)
	if err != nil {
		// Without a process listing the live pid is the best evidence.
		return nil, true
	}
	for i := range procs {
		if procs[i].PID == pid && filepath.Clean(procs[i].Target) == filepath.Clean(target) {
			return &procs[i], true
		}
	}
	return nil, false
}

// Wait blocks until job id reaches a terminal state or ctx ends.
func (d *Dispatcher) Wait(ctx context.Context, id string) (job.Status, error) {
	rec, err := d.lookup(id)
	if err != nil {
		return job.Status{}, err
	}
	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()
	for {
		st, err := d.Poll(ctx, id)
		if err != nil && !remote.IsTransient(err) {
			return st, err
		}
		if st.State.Terminal() {
			select {
			case <-rec.done:
			case <-ctx.Done():
			}
			return d.statusOf(rec), nil
		}
		select {
		case <-ctx.Done():
			return st, ctx.Err()
		case <-rec.done:
		case <-ticker.C:
		}
	}
}

// Snapshot is the combined registry and process-table view served by the
// status endpoint.
type Snapshot struct {
	Jobs      []job.Status              `json:"jobs"`
	Processes []procmon.ObservedProcess `json:"processes"`
	InUse     int                       `json:"in_use"`
	Capacity  int                       `json:"capacity"`
	Load      []float64                 `json:"load,omitempty"`
	Errors    []string                  `json:"errors,omitempty"`
}

// Snapshot gathers registered jobs and recognized processes on this machine
// and on the default worker host. Process listing failures are reported in
// Errors rather than failing the snapshot.
func (d *Dispatcher) Snapshot(ctx context.Context) Snapshot {
	snap := Snapshot{Jobs: d.Jobs()}
	snap.InUse, snap.Capacity = d.InUse()

	if procs, err := d.monitor.ListRunning(ctx, procmon.LocalHost); err != nil {
		snap.Errors = append(snap.Errors, "local: "+err.Error())
	} else {
		snap.Processes = append(snap.Processes, procs...)
	}
	if host := strings.TrimSpace(d.cfg.Remote.DefaultHost); host != "" && d.remote != nil {
		if procs, err := d.monitor.ListRunning(ctx, host); err != nil {
			snap.Errors = append(snap.Errors, host+": "+err.Error())
		} else {
			snap.Processes = append(snap.Processes, procs...)
		}
	}
	if avg, err := d.monitor.Load(ctx); err == nil && avg != nil {
		snap.Load = []float64{avg.Load1, avg.Load5, avg.Load15}
	}
	if snap.Processes == nil {
		snap.Processes = []procmon.ObservedProcess{}
	}
	return snap
}

// Recover loads status files left in the job log directory by processes that
// are gone. Jobs whose process still runs are adopted and reconciled by Poll;
// the rest are recorded as failed.
func (d *Dispatcher) Recover(ctx context.Context) (int, error) {
	dir := d.cfg.JobLogDir()
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, err
	}
	recovered := 0
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, job.SidecarSuffix) {
			continue
		}
		st, err := job.ReadSidecar(filepath.Join(dir, strings.TrimSuffix(name, job.SidecarSuffix)))
		if err != nil || st.State.Terminal() || st.ID == "" {
			continue
		}
		if st.OwnerPID == d.owner || (st.OwnerPID > 0 && d.monitor.Alive(ctx, st.OwnerPID)) {
			continue
		}
		if _, known := d.lookupQuiet(st.ID); known {
			continue
		}
		rec := d.adopt(st)
		if _, alive := d.observed(ctx, st.PID, st.Target); alive && st.State == job.StateRunning {
			d.logger.Info("adopted running job",
				logging.String(logging.FieldJobID, st.ID),
				logging.String(logging.FieldTarget, st.Target),
				logging.Int("pid", int(st.PID)),
			)
		} else {
			d.transition(rec, job.StateFailed, services.Wrap(services.ErrProcessExecution, component, "recover",
				"owner exited before the job finished", nil), nil)
		}
		recovered++
	}
	return recovered, nil
}

func (d *Dispatcher) lookupQuiet(id string) (*record, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	rec, ok := d.jobs[id]
	return rec, ok
}

// adopt registers a job found on disk. Its process belongs to nobody in this
// dispatcher, so it holds no worker slot and has no watcher.
func (d *Dispatcher) adopt(st job.Status) *record {
	if st.State == job.StateQueued {
		st.State = job.StateRunning
	}
	st.OwnerPID = d.owner
	st.Host = procmon.LocalHost
	rec := &record{
		desc: job.Descriptor{
			ID:          st.ID,
			Kind:        st.Kind,
			Target:      st.Target,
			Output:      st.Output,
			Destination: st.Destination,
			Preset:      st.Preset,
			LogPath:     st.LogPath,
		},
		status: st,
		host:   procmon.LocalHost,
		local:  true,
		done:   make(chan struct{}),
	}
	d.mu.Lock()
	d.jobs[st.ID] = rec
	d.mu.Unlock()
	return rec
}
