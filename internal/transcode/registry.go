package transcode

import (
	"fmt"
	"sort"
	"time"

	"moviequeue/internal/job"
	"moviequeue/internal/logging"
	"moviequeue/internal/metrics"
	"moviequeue/internal/services"
)

// reserve registers desc as queued unless an active job on the same host
// already holds its target or output. The check and the insert happen under
// one lock so concurrent dispatches of one file cannot both pass.
func (d *Dispatcher) reserve(desc job.Descriptor, host string, local bool) (*record, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, rec := range d.jobs {
		if !rec.status.State.Active() || rec.host != host {
			continue
		}
		sameOutput := desc.Output != "" && rec.desc.Output == desc.Output
		if rec.desc.Target == desc.Target || sameOutput {
			return nil, services.Wrap(services.ErrAlreadyInProgress, component, "dispatch",
				fmt.Sprintf("job %s is already %s on %s", rec.desc.ID, rec.status.State, rec.desc.Target), nil)
		}
	}

	now := d.now().UTC()
	rec := &record{
		desc:  desc,
		host:  host,
		local: local,
		done:  make(chan struct{}),
		status: job.Status{
			ID:          desc.ID,
			Kind:        desc.Kind,
			Target:      desc.Target,
			Output:      desc.Output,
			Destination: desc.Destination,
			Preset:      desc.Preset,
			Host:        host,
			LogPath:     desc.LogPath,
			State:       job.StateQueued,
			StartedAt:   now,
			UpdatedAt:   now,
		},
	}
	if local {
		rec.status.OwnerPID = d.owner
	}
	d.jobs[desc.ID] = rec
	return rec, nil
}

func (d *Dispatcher) drop(id string) {
	d.mu.Lock()
	delete(d.jobs, id)
	d.mu.Unlock()
}

func (d *Dispatcher) releaseAndDrop(rec *record) {
	d.mu.Lock()
	held := rec.slot
	rec.slot = false
	delete(d.jobs, rec.desc.ID)
	d.mu.Unlock()
	if held {
		d.slots.Release(1)
		metrics.JobsRunning.WithLabelValues(string(rec.desc.Kind)).Dec()
	}
}

func (d *Dispatcher) markRunning(rec *record, pid int32) {
	d.mu.Lock()
	rec.status.PID = pid
	rec.watched = true
	d.mu.Unlock()
	d.transition(rec, job.StateRunning, nil, nil)
}

// transition moves rec to state, recording err when the state is failed.
// Illegal moves are logged and ignored.
func (d *Dispatcher) transition(rec *record, state job.State, err error, exitCode *int) {
	d.mu.Lock()
	from := rec.status.State
	if !job.CanTransition(from, state) {
		d.mu.Unlock()
		d.logger.Warn("ignoring illegal job transition",
			logging.String(logging.FieldJobID, rec.desc.ID),
			logging.String("from", string(from)),
			logging.String("to", string(state)),
		)
		return
	}
	rec.status.State = state
	rec.status.UpdatedAt = d.now().UTC()
	if exitCode != nil {
		code := *exitCode
		rec.status.ExitCode = &code
	}
	if err != nil {
		rec.status.Error = err.Error()
		rec.status.ErrorKind = services.Kind(err)
	}
	releaseSlot := false
	if state.Terminal() {
		rec.watched = false
		releaseSlot = rec.slot
		rec.slot = false
	}
	st := rec.status
	local := rec.local
	d.mu.Unlock()

	if releaseSlot {
		d.slots.Release(1)
		metrics.JobsRunning.WithLabelValues(string(st.Kind)).Dec()
	}
	if state.Terminal() {
		metrics.JobsCompletedTotal.WithLabelValues(string(st.Kind), string(state)).Inc()
		if local {
			metrics.JobDuration.WithLabelValues(string(st.Kind), string(state)).Observe(st.UpdatedAt.Sub(st.StartedAt).Seconds())
		}
	}
	if local && st.LogPath != "" {
		if werr := job.WriteSidecar(st); werr != nil {
			d.logger.Warn("job status file not written",
				logging.String(logging.FieldJobID, st.ID),
				logging.Error(werr),
			)
		}
	}
	// done closes after the status file is written so waiters observe it.
	if state.Terminal() {
		close(rec.done)
	}
}

// applyRemote records a status reported by a worker host. The worker is
// authoritative, so intermediate states it skipped are not enforced.
func (d *Dispatcher) applyRemote(rec *record, remote job.Status) job.Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	if rec.status.State.Terminal() || remote.State == "" {
		return rec.status
	}
	rec.status.State = remote.State
	rec.status.PID = remote.PID
	rec.status.Error = remote.Error
	rec.status.ErrorKind = remote.ErrorKind
	rec.status.ExitCode = remote.ExitCode
	if remote.Output != "" {
		rec.status.Output = remote.Output
	}
	if remote.Destination != "" {
		rec.status.Destination = remote.Destination
	}
	if remote.LogPath != "" {
		rec.status.LogPath = remote.LogPath
	}
	rec.status.UpdatedAt = d.now().UTC()
	if remote.State.Terminal() {
		close(rec.done)
		metrics.JobsCompletedTotal.WithLabelValues(string(rec.status.Kind), string(remote.State)).Inc()
	}
	return rec.status
}

func (d *Dispatcher) statusOf(rec *record) job.Status {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return rec.status
}

func (d *Dispatcher) lookup(id string) (*record, error) {
	d.mu.RLock()
	rec, ok := d.jobs[id]
	d.mu.RUnlock()
	if !ok {
		return nil, services.Wrap(services.ErrNotFound, component, "lookup", "job "+id, nil)
	}
	return rec, nil
}

// Jobs returns every registered job, oldest first.
func (d *Dispatcher) Jobs() []job.Status {
	d.mu.RLock()
	out := make([]job.Status, 0, len(d.jobs))
	for _, rec := range d.jobs {
		out = append(out, rec.status)
	}
	d.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

// Prune drops finished jobs last updated before cutoff and returns how many
// were removed.
func (d *Dispatcher) Prune(cutoff time.Time) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	removed := 0
	for id, rec := range d.jobs {
		if rec.status.State.Terminal() && rec.status.UpdatedAt.Before(cutoff) {
			delete(d.jobs, id)
			removed++
		}
	}
	return removed
}

// InUse returns the number of occupied local worker slots and the pool size.
func (d *Dispatcher) InUse() (int, int) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	n := 0
	for _, rec := range d.jobs {
		if rec.slot {
			n++
		}
	}
	return n, d.capacity
}
