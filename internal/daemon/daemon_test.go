package daemon_test

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"moviequeue/internal/daemon"
	"moviequeue/internal/job"
	"moviequeue/internal/logging"
	"moviequeue/internal/testsupport"
	"moviequeue/internal/transcode"
)

func TestDaemonStartStop(t *testing.T) {
	h := newHarness(t, testsupport.NewConfig(t))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := h.daemon.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(h.daemon.Stop)

	st := h.daemon.Status(ctx)
	if !st.Running || st.APIAddress == "" {
		t.Fatalf("unexpected status %+v", st)
	}
	if st.LockFilePath != h.cfg.DaemonLockPath() {
		t.Fatalf("unexpected lock path %s", st.LockFilePath)
	}

	resp, err := http.Get(fmt.Sprintf("http://%s/healthz", st.APIAddress))
	if err != nil {
		t.Fatalf("healthz over listener: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz status %d", resp.StatusCode)
	}

	other, err := daemon.New(h.cfg, h.store, h.dispatcher, logging.NewNop())
	if err != nil {
		t.Fatalf("daemon.New: %v", err)
	}
	if err := other.Start(ctx); err == nil {
		other.Stop()
		t.Fatal("expected second instance to fail on the lock")
	}

	h.daemon.Stop()
	if h.daemon.Status(ctx).Running {
		t.Fatal("expected daemon stopped")
	}
	if err := other.Start(ctx); err != nil {
		t.Fatalf("expected lock available after stop: %v", err)
	}
	other.Stop()
}

func TestStartRejectsBadSchedule(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	cfg.Maintenance.Schedule = "not a schedule"
	h := newHarness(t, cfg)
	if err := h.daemon.Start(context.Background()); err == nil {
		h.daemon.Stop()
		t.Fatal("expected invalid schedule to fail start")
	}
}

func TestRunMaintenancePrunesLogsAndJobs(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	cfg.Logging.RetentionDays = 1
	cfg.Maintenance.RegistryTTLMinute = 1
	h := newHarness(t, cfg)

	stale := time.Now().Add(-72 * time.Hour)
	oldLog := filepath.Join(cfg.JobLogDir(), "old_transcode.log")
	freshLog := filepath.Join(cfg.JobLogDir(), "fresh_transcode.log")
	mainLog := filepath.Join(cfg.Paths.LogDir, "moviequeue.log")
	for _, path := range []string{oldLog, freshLog, mainLog} {
		testsupport.WriteContent(t, path, "x")
	}
	for _, path := range []string{oldLog, mainLog} {
		if err := os.Chtimes(path, stale, stale); err != nil {
			t.Fatalf("chtimes: %v", err)
		}
	}

	res := h.daemon.RunMaintenance(context.Background())
	if res.LogsPruned != 1 {
		t.Fatalf("expected one log pruned, got %+v", res)
	}
	testsupport.AssertMissing(t, oldLog)
	for _, path := range []string{freshLog, mainLog} {
		if _, err := os.Stat(path); err != nil {
			t.Fatalf("expected %s kept: %v", path, err)
		}
	}
}

func TestRunMaintenanceForgetsFinishedJobs(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithStubbedBinaries(map[string]string{
		"HandBrakeCLI": testsupport.EncoderScript(0, 1),
	}))
	cfg.Maintenance.RegistryTTLMinute = 1
	h := newHarness(t, cfg)
	target := filepath.Join(cfg.Paths.MovieDir, "broken.avi")
	testsupport.WriteContent(t, target, "raw")

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	st, err := h.dispatcher.Dispatch(ctx, transcode.Request{Target: target})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if final, err := h.dispatcher.Wait(ctx, st.ID); err != nil || final.State != job.StateFailed {
		t.Fatalf("expected failed job, got %+v %v", final, err)
	}

	if res := h.daemon.RunMaintenance(ctx); res.JobsPruned != 0 {
		t.Fatalf("fresh job should survive maintenance, got %+v", res)
	}
	if n := h.dispatcher.Prune(time.Now().Add(time.Minute)); n != 1 {
		t.Fatalf("expected the finished job to be prunable, got %d", n)
	}
}
