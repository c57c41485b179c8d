package deps

import (
	"fmt"
	"os"
	"os/exec"
	"strings"

	"golang.org/x/sys/unix"

	"moviequeue/internal/config"
)

// Requirement defines an external dependency moviequeue relies on.
type Requirement struct {
	Name        string
	Command     string
	Description string
	Optional    bool
}

// Status reports the availability of a dependency.
type Status struct {
	Name        string `json:"name"`
	Command     string `json:"command"`
	Description string `json:"description,omitempty"`
	Optional    bool   `json:"optional"`
	Available   bool   `json:"available"`
	Detail      string `json:"detail,omitempty"`
}

// Requirements lists the job binaries named by cfg.
func Requirements(cfg *config.Config) []Requirement {
	return []Requirement{
		{Name: "Encoder", Command: cfg.Encoder.Binary, Description: "Transcodes queued files"},
		{Name: "Subtitle extractor", Command: cfg.Encoder.SubtitleBinary, Description: "Extracts subtitle tracks", Optional: true},
	}
}

// CheckBinaries evaluates the provided requirements and reports availability.
func CheckBinaries(requirements []Requirement) []Status {
	results := make([]Status, 0, len(requirements))
	for _, req := range requirements {
		cmd := strings.TrimSpace(req.Command)
		status := Status{
			Name:        req.Name,
			Command:     cmd,
			Description: strings.TrimSpace(req.Description),
			Optional:    req.Optional,
		}
		if cmd == "" {
			status.Detail = "command not configured"
			results = append(results, status)
			continue
		}
		if _, err := exec.LookPath(cmd); err != nil {
			status.Detail = fmt.Sprintf("binary %q not found", cmd)
			results = append(results, status)
			continue
		}
		status.Available = true
		results = append(results, status)
	}
	return results
}

// CheckDirectories reports whether each library and working directory in cfg
// exists and is writable by this process. Unset optional directories are
// skipped.
func CheckDirectories(cfg *config.Config) []Status {
	dirs := []struct {
		name     string
		path     string
		optional bool
	}{
		{"Movie directory", cfg.Paths.MovieDir, false},
		{"Television directory", cfg.Paths.TelevisionDir, false},
		{"Unwatched directory", cfg.Paths.UnwatchedDir, true},
		{"Output directory", cfg.Paths.OutputDir, false},
		{"Backup directory", cfg.Paths.BackupDir, true},
		{"Log directory", cfg.Paths.LogDir, false},
	}
	results := make([]Status, 0, len(dirs))
	for _, dir := range dirs {
		path := strings.TrimSpace(dir.path)
		if path == "" && dir.optional {
			continue
		}
		status := Status{Name: dir.name, Command: path, Optional: dir.optional}
		info, err := os.Stat(path)
		switch {
		case err != nil:
			status.Detail = "directory missing"
		case !info.IsDir():
			status.Detail = "not a directory"
		case unix.Access(path, unix.W_OK|unix.X_OK) != nil:
			status.Detail = "directory not writable"
		default:
			status.Available = true
		}
		results = append(results, status)
	}
	return results
}
