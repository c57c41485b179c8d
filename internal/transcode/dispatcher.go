package transcode

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"moviequeue/internal/config"
	"moviequeue/internal/fileutil"
	"moviequeue/internal/finalize"
	"moviequeue/internal/job"
	"moviequeue/internal/logging"
	"moviequeue/internal/metrics"
	"moviequeue/internal/procmon"
	"moviequeue/internal/queue"
	"moviequeue/internal/services"
)

const (
	component           = "transcode"
	defaultPollInterval = 2 * time.Second
)

// Request asks for one job. An empty Host runs the job on this machine.
type Request struct {
	Kind          job.Kind
	Target        string
	Preset        string
	Destination   string
	Host          string
	SubtitleIndex int
	// Directory and Unwatched pick the library location for move jobs.
	Directory string
	Unwatched bool
}

// Submitter hands jobs to worker hosts and reads their status back.
type Submitter interface {
	Submit(ctx context.Context, host string, d job.Descriptor) (job.Ack, error)
	Status(ctx context.Context, host, id string) (job.Status, error)
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithRemote enables dispatch to worker hosts. When s can also list remote
// processes it backs the monitor's remote lookups.
func WithRemote(s Submitter) Option {
	return func(d *Dispatcher) { d.remote = s }
}

// WithMonitor replaces the process monitor (tests).
func WithMonitor(m *procmon.Monitor) Option {
	return func(d *Dispatcher) { d.monitor = m }
}

// WithQueue lets finished jobs withdraw their queue entry and lets Cleanup
// remove it.
func WithQueue(store *queue.Store) Option {
	return func(d *Dispatcher) { d.store = store }
}

// WithPollInterval sets how often Wait polls jobs it cannot observe directly.
func WithPollInterval(interval time.Duration) Option {
	return func(d *Dispatcher) {
		if interval > 0 {
			d.pollInterval = interval
		}
	}
}

// Dispatcher owns the job registry and the bounded pool of local jobs. A
// failed job never affects the dispatcher's ability to accept new ones.
type Dispatcher struct {
	cfg          *config.Config
	logger       *slog.Logger
	monitor      *procmon.Monitor
	finalizer    *finalize.Finalizer
	remote       Submitter
	store        *queue.Store
	slots        *semaphore.Weighted
	capacity     int
	owner        int32
	pollInterval time.Duration
	now          func() time.Time

	mu   sync.RWMutex
	jobs map[string]*record

	wg sync.WaitGroup
}

type record struct {
	desc   job.Descriptor
	status job.Status
	// host is where the job was sent; status.Host may carry the worker's own
	// name once it answers.
	host  string
	local bool
	// watched is set while a goroutine in this process waits on the job.
	watched bool
	slot    bool
	done    chan struct{}
}

// New constructs a Dispatcher for cfg.
func New(cfg *config.Config, logger *slog.Logger, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		cfg:          cfg,
		logger:       logging.NewComponentLogger(logger, component),
		capacity:     cfg.Dispatch.MaxConcurrent,
		owner:        int32(os.Getpid()),
		pollInterval: defaultPollInterval,
		now:          time.Now,
		jobs:         make(map[string]*record),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.capacity < 1 {
		d.capacity = 1
	}
	d.slots = semaphore.NewWeighted(int64(d.capacity))
	if d.monitor == nil {
		monitorOpts := []procmon.Option{
			procmon.WithBinaries(cfg.Encoder.Binary),
			procmon.WithSubtitleBinary(cfg.Encoder.SubtitleBinary),
		}
		if lister, ok := d.remote.(procmon.RemoteLister); ok {
			monitorOpts = append(monitorOpts, procmon.WithRemote(lister))
		}
		d.monitor = procmon.New(monitorOpts...)
	}
	d.finalizer = finalize.New(cfg.Paths.LockDir, logger)
	return d
}

// Monitor exposes the process monitor used for deduplication.
func (d *Dispatcher) Monitor() *procmon.Monitor {
	return d.monitor
}

// Dispatch starts a job and returns once its process is launched, or once a
// worker host acknowledged it. The returned status carries the job id used by
// Poll and Wait.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) (job.Status, error) {
	req.Target = strings.TrimSpace(req.Target)
	if req.Target != "" {
		req.Target = filepath.Clean(req.Target)
	}
	if req.Kind == "" {
		req.Kind = job.KindTranscode
	}
	placement := "local"
	if !procmon.IsLocal(req.Host) {
		placement = "remote"
	}

	desc := job.Descriptor{
		ID:            uuid.NewString(),
		Kind:          req.Kind,
		Target:        req.Target,
		Preset:        req.Preset,
		Destination:   req.Destination,
		SubtitleIndex: req.SubtitleIndex,
		Directory:     req.Directory,
		Unwatched:     req.Unwatched,
	}

	var (
		st  job.Status
		err error
	)
	if err = checkRequest(req); err == nil {
		if placement == "local" {
			st, err = d.Run(ctx, desc)
		} else {
			st, err = d.submit(ctx, strings.TrimSpace(req.Host), desc)
		}
	}
	metrics.JobsDispatchedTotal.WithLabelValues(string(req.Kind), placement, metrics.Status(services.Kind(err))).Inc()
	if err != nil {
		d.logger.Warn("dispatch rejected",
			logging.String(logging.FieldTarget, req.Target),
			logging.String("kind", string(req.Kind)),
			logging.String("error_kind", services.Kind(err)),
			logging.Error(err),
		)
	}
	return st, err
}

// Run launches d on this machine. The descriptor keeps its id, which lets a
// worker host run a job under the id its dispatcher assigned.
func (d *Dispatcher) Run(ctx context.Context, desc job.Descriptor) (job.Status, error) {
	if desc.ID == "" {
		desc.ID = uuid.NewString()
	}
	if err := Resolve(d.cfg, &desc); err != nil {
		return job.Status{}, err
	}
	if _, err := os.Stat(desc.Target); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return job.Status{}, services.Wrap(services.ErrNotFound, component, "dispatch", "target file "+desc.Target+" does not exist", nil)
		}
		return job.Status{}, services.Wrap(services.ErrValidation, component, "dispatch", desc.Target, err)
	}

	rec, err := d.reserve(desc, procmon.LocalHost, true)
	if err != nil {
		return job.Status{}, err
	}
	if !d.slots.TryAcquire(1) {
		d.drop(desc.ID)
		return job.Status{}, services.Wrap(services.ErrCapacity, component, "dispatch",
			fmt.Sprintf("all %d worker slots busy", d.capacity), nil)
	}
	d.mu.Lock()
	rec.slot = true
	d.mu.Unlock()
	metrics.JobsRunning.WithLabelValues(string(desc.Kind)).Inc()

	if proc, found, err := d.runningElsewhere(ctx, desc.Target); err != nil {
		d.releaseAndDrop(rec)
		return job.Status{}, services.Wrap(services.ErrProcessSpawn, component, "dispatch", "inspect process table", err)
	} else if found {
		d.releaseAndDrop(rec)
		return job.Status{}, services.Wrap(services.ErrAlreadyInProgress, component, "dispatch",
			fmt.Sprintf("%s already running on %s (pid %d)", proc.Binary, desc.Target, proc.PID), nil)
	}

	logger := d.jobLogger(desc)
	logFile, err := openJobLog(desc)
	if err != nil {
		err = services.Wrap(services.ErrProcessSpawn, component, "open log", desc.LogPath, err)
		d.transition(rec, job.StateFailed, err, nil)
		return d.statusOf(rec), err
	}

	if desc.Kind == job.KindMove {
		d.markRunning(rec, 0)
		d.wg.Add(1)
		go d.watch(rec, nil, logFile)
		logger.Info("move job started", logging.String("destination", desc.Destination))
		return d.statusOf(rec), nil
	}

	cmd, err := d.command(desc)
	if err == nil {
		cmd.Stdout = logFile
		cmd.Stderr = logFile
		err = cmd.Start()
	}
	if err != nil {
		fmt.Fprintf(logFile, "# spawn failed: %v\n", err)
		_ = logFile.Close()
		err = services.Wrap(services.ErrProcessSpawn, component, "spawn", filepath.Base(d.binary(desc)), err)
		d.transition(rec, job.StateFailed, err, nil)
		return d.statusOf(rec), err
	}

	d.markRunning(rec, int32(cmd.Process.Pid))
	d.wg.Add(1)
	go d.watch(rec, cmd, logFile)
	logger.Info("job started",
		logging.Int("pid", cmd.Process.Pid),
		logging.String("log", desc.LogPath),
	)
	return d.statusOf(rec), nil
}

func (d *Dispatcher) submit(ctx context.Context, host string, desc job.Descriptor) (job.Status, error) {
	if d.remote == nil {
		return job.Status{}, services.Wrap(services.ErrConfiguration, component, "dispatch", "remote dispatch is not configured", nil)
	}
	rec, err := d.reserve(desc, host, false)
	if err != nil {
		return job.Status{}, err
	}
	ack, err := d.remote.Submit(ctx, host, desc)
	if err != nil {
		d.drop(desc.ID)
		return job.Status{}, err
	}

	d.mu.Lock()
	rec.status.State = job.StateRunning
	if ack.State != "" {
		rec.status.State = ack.State
	}
	rec.status.PID = ack.PID
	rec.status.LogPath = ack.LogPath
	if ack.Host != "" {
		rec.status.Host = ack.Host
	}
	rec.status.UpdatedAt = d.now().UTC()
	st := rec.status
	d.mu.Unlock()

	d.jobLogger(desc).Info("remote job submitted",
		logging.String(logging.FieldHost, host),
		logging.Int("pid", int(ack.PID)),
		logging.String("log", ack.LogPath),
	)
	return st, nil
}

func (d *Dispatcher) binary(desc job.Descriptor) string {
	if desc.Kind == job.KindSubtitle {
		return d.cfg.Encoder.SubtitleBinary
	}
	return d.cfg.Encoder.Binary
}

func (d *Dispatcher) command(desc job.Descriptor) (*exec.Cmd, error) {
	switch desc.Kind {
	case job.KindSubtitle:
		track := fmt.Sprintf("%d:%s", desc.SubtitleIndex-1, finalize.NewPath(desc.Destination))
		return exec.Command(d.cfg.Encoder.SubtitleBinary, desc.Target, "tracks", track), nil
	case job.KindTranscode:
		if err := os.MkdirAll(filepath.Dir(desc.Output), 0o755); err != nil {
			return nil, fmt.Errorf("create output directory: %w", err)
		}
		return exec.Command(d.cfg.Encoder.Binary, "-i", desc.Target, "-o", desc.Output, "--preset", desc.Preset), nil
	default:
		return nil, fmt.Errorf("job kind %q has no process", desc.Kind)
	}
}

// runningElsewhere looks for a recognized process on target that this
// dispatcher did not start.
func (d *Dispatcher) runningElsewhere(ctx context.Context, target string) (*procmon.ObservedProcess, bool, error) {
	procs, err := d.monitor.ListRunning(ctx, procmon.LocalHost)
	if err != nil {
		return nil, false, err
	}
	for i := range procs {
		if procs[i].PID == d.owner || filepath.Clean(procs[i].Target) != target {
			continue
		}
		return &procs[i], true, nil
	}
	return nil, false, nil
}

// watch waits for the job process, finalizes on success and records the
// terminal state. cmd is nil for move jobs.
func (d *Dispatcher) watch(rec *record, cmd *exec.Cmd, logFile *os.File) {
	defer d.wg.Done()
	defer logFile.Close()

	desc := rec.desc
	ctx := services.WithJobID(context.Background(), desc.ID)
	logger := d.jobLogger(desc)

	if cmd != nil {
		if err := cmd.Wait(); err != nil {
			code := exitCode(err)
			fmt.Fprintf(logFile, "\n# %s exited with code %d: %v\n", filepath.Base(d.binary(desc)), code, err)
			failure := services.Wrap(services.ErrProcessExecution, component, "wait",
				fmt.Sprintf("%s exited with code %d, see %s", filepath.Base(d.binary(desc)), code, desc.LogPath), err)
			d.transition(rec, job.StateFailed, failure, &code)
			logger.Warn("job process failed", logging.Int("exit_code", code), logging.String("log", desc.LogPath))
			return
		}
	}
	zero := 0
	d.transition(rec, job.StateFinalizing, nil, &zero)

	if desc.Kind == job.KindSubtitle {
		staged := finalize.NewPath(desc.Destination)
		if ok, _ := fileutil.Exists(staged); !ok {
			fmt.Fprintf(logFile, "\n# %s exited cleanly but wrote no %s\n", filepath.Base(d.binary(desc)), staged)
			d.transition(rec, job.StateFailed, services.Wrap(services.ErrProcessExecution, component, "wait",
				"no subtitle track was written to "+staged, nil), nil)
			logger.Warn("subtitle extraction produced no file", logging.String("log", desc.LogPath))
			return
		}
	}

	res, err := d.finalizer.Finalize(ctx, finalizeDescriptor(desc))
	if err != nil {
		fmt.Fprintf(logFile, "# finalize failed: %v\n", err)
		d.transition(rec, job.StateFailed, err, nil)
		return
	}
	fmt.Fprintf(logFile, "# finalized %s", res.Destination)
	if res.Backup != "" {
		fmt.Fprintf(logFile, " (previous file kept at %s)", res.Backup)
	}
	fmt.Fprintln(logFile)
	d.dequeue(ctx, desc.Target)
	d.transition(rec, job.StateDone, nil, nil)
	st := d.statusOf(rec)
	logger.Info("job finished",
		logging.String("destination", res.Destination),
		logging.Bool("replaced", res.Replaced),
		logging.Duration("elapsed", st.UpdatedAt.Sub(st.StartedAt)),
	)
}

func finalizeDescriptor(desc job.Descriptor) finalize.Descriptor {
	switch desc.Kind {
	case job.KindSubtitle:
		// mkvextract writes straight to the staging name.
		return finalize.Descriptor{Destination: desc.Destination}
	case job.KindMove:
		return finalize.Descriptor{Source: desc.Target, Destination: desc.Destination, BackupDir: desc.BackupDir, KeepSource: true}
	default:
		return finalize.Descriptor{Source: desc.Output, Destination: desc.Destination, BackupDir: desc.BackupDir}
	}
}

func (d *Dispatcher) dequeue(ctx context.Context, target string) {
	if d.store == nil {
		return
	}
	if _, err := d.store.Remove(ctx, target); err != nil && !errors.Is(err, services.ErrNotFound) {
		d.logger.Warn("queue entry not removed", logging.String(logging.FieldTarget, target), logging.Error(err))
	}
}

func exitCode(err error) int {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

func openJobLog(desc job.Descriptor) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(desc.LogPath), 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(desc.LogPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	fmt.Fprintf(f, "# %s job %s started %s\n# target: %s\n", desc.Kind, desc.ID, time.Now().UTC().Format(time.RFC3339), desc.Target)
	if desc.Destination != "" {
		fmt.Fprintf(f, "# destination: %s\n", desc.Destination)
	}
	return f, nil
}

func (d *Dispatcher) jobLogger(desc job.Descriptor) *slog.Logger {
	return d.logger.With(
		logging.String(logging.FieldJobID, desc.ID),
		logging.String(logging.FieldTarget, desc.Target),
	)
}

// Close waits for local watchers to record their jobs' outcome.
func (d *Dispatcher) Close(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
