package daemon

import (
	"context"
	"path/filepath"
	"time"

	"moviequeue/internal/job"
	"moviequeue/internal/logging"
	"moviequeue/internal/metrics"
)

// MaintenanceResult reports one housekeeping pass.
type MaintenanceResult struct {
	LogsPruned int `json:"logs_pruned"`
	JobsPruned int `json:"jobs_pruned"`
}

// RunMaintenance prunes expired job logs and forgets finished jobs older than
// the registry TTL. Logs of active jobs are never pruned.
func (d *Daemon) RunMaintenance(ctx context.Context) MaintenanceResult {
	var exclude []string
	for _, st := range d.dispatcher.Jobs() {
		if st.State.Active() && st.LogPath != "" {
			exclude = append(exclude, st.LogPath, job.SidecarPath(st.LogPath))
		}
	}
	res := MaintenanceResult{
		LogsPruned: logging.CleanupOldLogs(d.logger, d.cfg.Logging.RetentionDays,
			logging.RetentionTarget{
				Dir:      d.cfg.JobLogDir(),
				Patterns: []string{"*.log", "*" + job.SidecarSuffix, "*.job.json"},
				Exclude:  exclude,
			},
			logging.RetentionTarget{
				Dir:      d.cfg.Paths.LogDir,
				Patterns: []string{"moviequeue-*.log"},
				Exclude:  []string{filepath.Join(d.cfg.Paths.LogDir, "moviequeue.log")},
			},
		),
		JobsPruned: d.dispatcher.Prune(time.Now().Add(-d.cfg.RegistryTTL())),
	}
	metrics.MaintenanceRunsTotal.Inc()
	metrics.LogFilesPrunedTotal.Add(float64(res.LogsPruned))
	metrics.RegistryEntriesPrunedTotal.Add(float64(res.JobsPruned))
	if _, err := d.store.Stats(ctx); err != nil {
		d.logger.Warn("queue stats unavailable", logging.Error(err))
	}
	d.logger.Info("maintenance complete",
		logging.Int("logs_pruned", res.LogsPruned),
		logging.Int("jobs_pruned", res.JobsPruned),
		logging.String(logging.FieldEventType, "maintenance"),
	)
	return res
}
