package transcode

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/gofrs/flock"

	"moviequeue/internal/config"
	"moviequeue/internal/job"
	"moviequeue/internal/logging"
	"moviequeue/internal/procmon"
	"moviequeue/internal/services"
)

// SupervisorCommand describes how a worker re-executes itself to supervise an
// accepted job: Executable plus Args, followed by the job flags.
type SupervisorCommand struct {
	Executable string
	Args       []string
}

// DescriptorPath is where Accept stores the descriptor of job id.
func DescriptorPath(cfg *config.Config, id string) string {
	return filepath.Join(cfg.JobLogDir(), id+".job.json")
}

// Accept is the worker side of remote submission. It resolves d against this
// host's configuration, refuses targets that already have a job process, and
// launches a detached supervisor that outlives the SSH session.
func Accept(ctx context.Context, cfg *config.Config, monitor *procmon.Monitor, d job.Descriptor, sup SupervisorCommand, logger *slog.Logger) (job.Ack, error) {
	logger = logging.NewComponentLogger(logger, component).With(logging.String(logging.FieldJobID, d.ID))
	if d.ID == "" {
		return job.Ack{}, services.Wrap(services.ErrValidation, component, "accept", "job id is required", nil)
	}
	if err := Resolve(cfg, &d); err != nil {
		return job.Ack{}, err
	}
	if _, err := os.Stat(d.Target); err != nil {
		return job.Ack{}, services.Wrap(services.ErrNotFound, component, "accept", "target file "+d.Target, err)
	}
	if proc, found, err := monitor.Running(ctx, procmon.LocalHost, d.Target); err != nil {
		return job.Ack{}, services.Wrap(services.ErrRemoteSpawn, component, "accept", "inspect process table", err)
	} else if found {
		return job.Ack{}, services.Wrap(services.ErrAlreadyInProgress, component, "accept",
			fmt.Sprintf("%s already running on %s (pid %d)", proc.Binary, d.Target, proc.PID), nil)
	}

	if err := os.MkdirAll(cfg.JobLogDir(), 0o755); err != nil {
		return job.Ack{}, services.Wrap(services.ErrRemoteSpawn, component, "accept", "create job log directory", err)
	}

	// Concurrent SSH sessions must not both see a free slot.
	if err := os.MkdirAll(cfg.Paths.LockDir, 0o755); err != nil {
		return job.Ack{}, services.Wrap(services.ErrRemoteSpawn, component, "accept", "create lock directory", err)
	}
	lock := flock.New(filepath.Join(cfg.Paths.LockDir, "accept.lock"))
	locked, err := lock.TryLockContext(ctx, 50*time.Millisecond)
	if err != nil || !locked {
		return job.Ack{}, services.Wrap(services.ErrRemoteSpawn, component, "accept", "acquire accept lock", err)
	}
	defer func() { _ = lock.Unlock() }()

	active, err := activeJobs(ctx, cfg, monitor)
	if err != nil {
		return job.Ack{}, services.Wrap(services.ErrRemoteSpawn, component, "accept", "count running jobs", err)
	}
	if active >= cfg.Dispatch.MaxConcurrent {
		return job.Ack{}, services.Wrap(services.ErrCapacity, component, "accept",
			fmt.Sprintf("%d of %d job slots in use", active, cfg.Dispatch.MaxConcurrent), nil)
	}
	descPath := DescriptorPath(cfg, d.ID)
	data, err := json.Marshal(d)
	if err != nil {
		return job.Ack{}, services.Wrap(services.ErrRemoteSpawn, component, "accept", "encode descriptor", err)
	}
	if err := os.WriteFile(descPath, data, 0o644); err != nil {
		return job.Ack{}, services.Wrap(services.ErrRemoteSpawn, component, "accept", "write descriptor", err)
	}

	args := append([]string{}, sup.Args...)
	args = append(args, "remote", "supervise", "--job", d.ID, "--target", d.Target, "--descriptor", descPath)
	cmd := exec.Command(sup.Executable, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		_ = os.Remove(descPath)
		return job.Ack{}, services.Wrap(services.ErrRemoteSpawn, component, "accept", "start supervisor", err)
	}
	pid := int32(cmd.Process.Pid)
	_ = cmd.Process.Release()

	now := time.Now().UTC()
	if err := job.WriteSidecar(job.Status{
		ID:          d.ID,
		Kind:        d.Kind,
		Target:      d.Target,
		Output:      d.Output,
		Destination: d.Destination,
		Preset:      d.Preset,
		Host:        procmon.LocalHost,
		OwnerPID:    pid,
		LogPath:     d.LogPath,
		State:       job.StateQueued,
		StartedAt:   now,
		UpdatedAt:   now,
	}); err != nil {
		logger.Warn("job status file not written", logging.Error(err))
	}

	host, _ := os.Hostname()
	logger.Info("job accepted", logging.Int("supervisor_pid", int(pid)), logging.String("log", d.LogPath))
	return job.Ack{ID: d.ID, Host: host, PID: pid, LogPath: d.LogPath, State: job.StateRunning}, nil
}

// activeJobs counts jobs on this host whose status file says they are still
// in progress and whose owning process is alive.
func activeJobs(ctx context.Context, cfg *config.Config, monitor *procmon.Monitor) (int, error) {
	entries, err := os.ReadDir(cfg.JobLogDir())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, err
	}
	count := 0
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, job.SidecarSuffix) {
			continue
		}
		st, err := job.ReadSidecar(filepath.Join(cfg.JobLogDir(), strings.TrimSuffix(name, job.SidecarSuffix)))
		if err != nil || !st.State.Active() || st.OwnerPID <= 0 {
			continue
		}
		if monitor.Alive(ctx, st.OwnerPID) {
			count++
		}
	}
	return count, nil
}

// LoadDescriptor reads a descriptor written by Accept.
func LoadDescriptor(path string) (job.Descriptor, error) {
	var d job.Descriptor
	data, err := os.ReadFile(path)
	if err != nil {
		return d, err
	}
	if err := json.Unmarshal(data, &d); err != nil {
		return d, fmt.Errorf("decode descriptor %s: %w", path, err)
	}
	return d, nil
}

// Supervise runs an accepted job to completion in this process. The job's
// status file is kept current throughout, which is what WorkerStatus reads.
func Supervise(ctx context.Context, cfg *config.Config, d job.Descriptor, logger *slog.Logger, opts ...Option) (job.Status, error) {
	disp := New(cfg, logger, opts...)
	st, err := disp.Run(ctx, d)
	if err != nil {
		if st.ID == "" && d.LogPath != "" {
			writeRefusal(d, err)
		}
		return st, err
	}
	st, err = disp.Wait(ctx, st.ID)
	if closeErr := disp.Close(context.Background()); closeErr != nil && err == nil {
		err = closeErr
	}
	return st, err
}

// writeRefusal records a job that never reached the registry so status
// queries report why.
func writeRefusal(d job.Descriptor, cause error) {
	now := time.Now().UTC()
	_ = job.WriteSidecar(job.Status{
		ID:        d.ID,
		Kind:      d.Kind,
		Target:    d.Target,
		Host:      procmon.LocalHost,
		LogPath:   d.LogPath,
		State:     job.StateFailed,
		Error:     cause.Error(),
		ErrorKind: services.Kind(cause),
		StartedAt: now,
		UpdatedAt: now,
	})
}

// WorkerStatus reports job id from its status file. A job still marked active
// whose owning process is gone is reported as failed.
func WorkerStatus(ctx context.Context, cfg *config.Config, monitor *procmon.Monitor, id string) (job.Status, error) {
	st, err := job.FindSidecar(cfg.JobLogDir(), id)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return job.Status{}, services.Wrap(services.ErrNotFound, component, "status", "job "+id, nil)
		}
		return job.Status{}, services.Wrap(services.ErrStorage, component, "status", "job "+id, err)
	}
	if st.State.Active() && st.OwnerPID > 0 && !monitor.Alive(ctx, st.OwnerPID) {
		st.State = job.StateFailed
		st.Error = "supervisor exited before the job finished"
		st.ErrorKind = services.Kind(services.ErrProcessExecution)
	}
	return st, nil
}
