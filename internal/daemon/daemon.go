package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync/atomic"

	"github.com/gofrs/flock"
	"github.com/robfig/cron/v3"

	"moviequeue/internal/config"
	"moviequeue/internal/logging"
	"moviequeue/internal/queue"
	"moviequeue/internal/transcode"
)

// Daemon serves the API and runs background maintenance. Only one instance
// may run per lock directory.
type Daemon struct {
	cfg        *config.Config
	logger     *slog.Logger
	store      *queue.Store
	dispatcher *transcode.Dispatcher
	api        *apiServer

	lockPath string
	lock     *flock.Flock
	cron     *cron.Cron

	running atomic.Bool
	cancel  context.CancelFunc
}

// Status represents daemon runtime information.
type Status struct {
	Running      bool        `json:"running"`
	PID          int         `json:"pid"`
	APIAddress   string      `json:"api_address,omitempty"`
	QueueDBPath  string      `json:"queue_db_path"`
	LockFilePath string      `json:"lock_file_path"`
	Queue        queue.Stats `json:"queue"`
	InUse        int         `json:"in_use"`
	Capacity     int         `json:"capacity"`
}

// New constructs a daemon with initialized dependencies.
func New(cfg *config.Config, store *queue.Store, dispatcher *transcode.Dispatcher, logger *slog.Logger) (*Daemon, error) {
	if cfg == nil || store == nil || dispatcher == nil {
		return nil, errors.New("daemon requires config, store and dispatcher")
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	lockPath := cfg.DaemonLockPath()
	d := &Daemon{
		cfg:        cfg,
		logger:     logging.NewComponentLogger(logger, "daemon"),
		store:      store,
		dispatcher: dispatcher,
		lockPath:   lockPath,
		lock:       flock.New(lockPath),
	}
	d.api = newAPIServer(cfg, store, dispatcher, logger)
	return d, nil
}

// Start acquires the daemon lock, adopts jobs left by a previous instance,
// schedules maintenance and starts the API server.
func (d *Daemon) Start(ctx context.Context) error {
	if d.running.Load() {
		return errors.New("daemon already running")
	}

	ok, err := d.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return errors.New("another moviequeued instance is already running")
	}

	runCtx, cancel := context.WithCancel(ctx)
	if n, err := d.dispatcher.Recover(runCtx); err != nil {
		d.logger.Warn("job recovery failed", logging.Error(err))
	} else if n > 0 {
		d.logger.Info("recovered jobs from previous run", logging.Int("count", n))
	}

	scheduler := cron.New()
	if _, err := scheduler.AddFunc(d.cfg.Maintenance.Schedule, func() { d.RunMaintenance(runCtx) }); err != nil {
		cancel()
		_ = d.lock.Unlock()
		return fmt.Errorf("schedule maintenance: %w", err)
	}

	if err := d.api.start(runCtx); err != nil {
		cancel()
		_ = d.lock.Unlock()
		return err
	}
	scheduler.Start()

	d.cron = scheduler
	d.cancel = cancel
	d.running.Store(true)
	d.logger.Info("moviequeue daemon started",
		logging.String("lock", d.lockPath),
		logging.String("api", d.api.address()),
		logging.String("maintenance", d.cfg.Maintenance.Schedule),
	)
	return nil
}

// Stop stops the API server and scheduler and releases the daemon lock.
// Running jobs keep running; a later instance adopts them.
func (d *Daemon) Stop() {
	if !d.running.Load() {
		return
	}
	if d.cron != nil {
		<-d.cron.Stop().Done()
		d.cron = nil
	}
	d.api.stop()
	if d.cancel != nil {
		d.cancel()
		d.cancel = nil
	}
	if err := d.lock.Unlock(); err != nil {
		d.logger.Warn("failed to release daemon lock", logging.Error(err))
	}
	d.running.Store(false)
	d.logger.Info("moviequeue daemon stopped")
}

// Close stops the daemon and releases the queue store.
func (d *Daemon) Close() error {
	d.Stop()
	return d.store.Close()
}

// Handler returns the HTTP handler serving the API.
func (d *Daemon) Handler() http.Handler {
	return d.api.router
}

// APIAddress returns the bound API address while the daemon runs.
func (d *Daemon) APIAddress() string {
	return d.api.address()
}

// Status returns the current daemon status.
func (d *Daemon) Status(ctx context.Context) Status {
	st := Status{
		Running:      d.running.Load(),
		PID:          os.Getpid(),
		APIAddress:   d.api.address(),
		QueueDBPath:  d.cfg.DatabasePath(),
		LockFilePath: d.lockPath,
	}
	if stats, err := d.store.Stats(ctx); err == nil {
		st.Queue = stats
	}
	st.InUse, st.Capacity = d.dispatcher.InUse()
	return st
}
