package job

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

// Kind distinguishes the work a job performs.
type Kind string

const (
	KindTranscode Kind = "transcode"
	KindSubtitle  Kind = "subtitle"
	KindMove      Kind = "move"
)

// ParseKind validates a kind name.
func ParseKind(value string) (Kind, error) {
	switch k := Kind(strings.ToLower(strings.TrimSpace(value))); k {
	case KindTranscode, KindSubtitle, KindMove:
		return k, nil
	case "":
		return KindTranscode, nil
	default:
		return "", fmt.Errorf("unknown job kind %q", value)
	}
}

// State is a job lifecycle state.
//
//	queued -> running -> finalizing -> done
//	running -> failed, finalizing -> failed
type State string

const (
	StateQueued     State = "queued"
	StateRunning    State = "running"
	StateFinalizing State = "finalizing"
	StateDone       State = "done"
	StateFailed     State = "failed"
)

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == StateDone || s == StateFailed
}

// Active reports whether the job still holds its target.
func (s State) Active() bool {
	return s == StateQueued || s == StateRunning || s == StateFinalizing
}

var transitions = map[State][]State{
	StateQueued:     {StateRunning, StateFailed},
	StateRunning:    {StateFinalizing, StateFailed},
	StateFinalizing: {StateDone, StateFailed},
}

// CanTransition reports whether from -> to is a legal move.
func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Descriptor is the typed request for one job. It is what travels to a remote
// worker, so every path in it is interpreted on the host that runs the job.
type Descriptor struct {
	ID            string `json:"id"`
	Kind          Kind   `json:"kind"`
	Target        string `json:"target"`
	Output        string `json:"output,omitempty"`
	Destination   string `json:"destination,omitempty"`
	Preset        string `json:"preset,omitempty"`
	SubtitleIndex int    `json:"subtitle_index,omitempty"`
	BackupDir     string `json:"backup_dir,omitempty"`
	LogPath       string `json:"log_path,omitempty"`
	// Directory and Unwatched steer where a move job places its file.
	Directory string `json:"directory,omitempty"`
	Unwatched bool   `json:"unwatched,omitempty"`
}

// Validate checks the fields every kind needs.
func (d Descriptor) Validate() error {
	if strings.TrimSpace(d.ID) == "" {
		return fmt.Errorf("job id is required")
	}
	if strings.ContainsFunc(d.ID, func(r rune) bool {
		return !(r == '-' || r == '_' || r >= '0' && r <= '9' || r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z')
	}) {
		return fmt.Errorf("job id %q may only contain letters, digits, '-' and '_'", d.ID)
	}
	if strings.TrimSpace(d.Target) == "" {
		return fmt.Errorf("job target is required")
	}
	if !filepath.IsAbs(d.Target) {
		return fmt.Errorf("job target %q must be absolute", d.Target)
	}
	switch d.Kind {
	case KindTranscode:
		if d.Output == "" || d.Destination == "" {
			return fmt.Errorf("transcode job requires output and destination")
		}
	case KindSubtitle:
		if d.SubtitleIndex < 1 {
			return fmt.Errorf("subtitle index must be at least 1, got %d", d.SubtitleIndex)
		}
		if !strings.EqualFold(filepath.Ext(d.Target), ".mkv") {
			return fmt.Errorf("subtitle extraction requires an .mkv target, got %q", filepath.Base(d.Target))
		}
		if d.Destination == "" {
			return fmt.Errorf("subtitle job requires a destination")
		}
	case KindMove:
		if d.Destination == "" {
			return fmt.Errorf("move job requires a destination")
		}
	default:
		return fmt.Errorf("unknown job kind %q", d.Kind)
	}
	return nil
}

// Status is a point-in-time view of a job. OwnerPID is the process that
// watches the job and writes its status file.
type Status struct {
	ID          string    `json:"id"`
	Kind        Kind      `json:"kind"`
	Target      string    `json:"target"`
	Output      string    `json:"output,omitempty"`
	Destination string    `json:"destination,omitempty"`
	Preset      string    `json:"preset,omitempty"`
	Host        string    `json:"host"`
	PID         int32     `json:"pid,omitempty"`
	OwnerPID    int32     `json:"owner_pid,omitempty"`
	LogPath     string    `json:"log_path,omitempty"`
	State       State     `json:"state"`
	Error       string    `json:"error,omitempty"`
	ErrorKind   string    `json:"error_kind,omitempty"`
	ExitCode    *int      `json:"exit_code,omitempty"`
	StartedAt   time.Time `json:"started_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Ack is returned by a remote worker once a job has been launched.
type Ack struct {
	ID      string `json:"id"`
	Host    string `json:"host"`
	PID     int32  `json:"pid"`
	LogPath string `json:"log_path"`
	State   State  `json:"state"`
	// Error and ErrorKind are set when the worker refused the job.
	Error     string `json:"error,omitempty"`
	ErrorKind string `json:"error_kind,omitempty"`
}
