package job

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// SidecarSuffix is appended to a job log path to name its status file.
const SidecarSuffix = ".status.json"

// SidecarPath returns the status file kept next to a job log.
func SidecarPath(logPath string) string {
	return logPath + SidecarSuffix
}

// WriteSidecar atomically replaces the status file for st.LogPath.
func WriteSidecar(st Status) error {
	if st.LogPath == "" {
		return fmt.Errorf("write status: job %s has no log path", st.ID)
	}
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("encode status: %w", err)
	}
	path := SidecarPath(st.LogPath)
	tmp, err := os.CreateTemp(filepath.Dir(path), ".status-*")
	if err != nil {
		return fmt.Errorf("write status: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("write status: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("write status: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("write status: %w", err)
	}
	return nil
}

// ReadSidecar loads the status file for logPath.
func ReadSidecar(logPath string) (Status, error) {
	var st Status
	data, err := os.ReadFile(SidecarPath(logPath))
	if err != nil {
		return st, err
	}
	if err := json.Unmarshal(data, &st); err != nil {
		return st, fmt.Errorf("decode status %s: %w", SidecarPath(logPath), err)
	}
	return st, nil
}

// FindSidecar scans dir for the status file of job id.
func FindSidecar(dir, id string) (Status, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return Status{}, err
	}
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, SidecarSuffix) {
			continue
		}
		st, err := ReadSidecar(filepath.Join(dir, strings.TrimSuffix(name, SidecarSuffix)))
		if err == nil && st.ID == id {
			return st, nil
		}
	}
	return Status{}, os.ErrNotExist
}

// LatestSidecar returns the most recently started job of kind on target.
func LatestSidecar(dir, target string, kind Kind) (Status, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return Status{}, err
	}
	var (
		latest Status
		found  bool
	)
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, SidecarSuffix) {
			continue
		}
		st, err := ReadSidecar(filepath.Join(dir, strings.TrimSuffix(name, SidecarSuffix)))
		if err != nil || st.Target != target || st.Kind != kind {
			continue
		}
		if !found || st.StartedAt.After(latest.StartedAt) {
			latest, found = st, true
		}
	}
	if !found {
		return Status{}, os.ErrNotExist
	}
	return latest, nil
}
