package procmon

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/process"
)

// LocalHost is the host label attached to processes observed on this machine.
const LocalHost = "localhost"

// ObservedProcess is a recognized job process seen in a process table. It is
// recomputed on every poll.
type ObservedProcess struct {
	PID       int32         `json:"pid"`
	Binary    string        `json:"binary"`
	Target    string        `json:"target"`
	Command   string        `json:"command"`
	StartedAt time.Time     `json:"started_at"`
	Elapsed   time.Duration `json:"elapsed"`
	Host      string        `json:"host"`
}

// RemoteLister lists recognized processes on another host.
type RemoteLister interface {
	ListProcesses(ctx context.Context, host string) ([]ObservedProcess, error)
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithRemote installs the lister used for non-local hosts.
func WithRemote(r RemoteLister) Option {
	return func(m *Monitor) { m.remote = r }
}

// WithBinaries adds recognized binary names using the encoder argument layout
// (target after -i).
func WithBinaries(names ...string) Option {
	return func(m *Monitor) {
		for _, name := range names {
			if name = strings.TrimSpace(name); name != "" {
				m.matchers[filepath.Base(name)] = inputFlagTarget
			}
		}
	}
}

// WithSubtitleBinary adds a recognized binary using the mkvextract argument
// layout (target is the first positional argument).
func WithSubtitleBinary(name string) Option {
	return func(m *Monitor) {
		if name = strings.TrimSpace(name); name != "" {
			m.matchers[filepath.Base(name)] = firstPositionalTarget
		}
	}
}

// Monitor inspects process tables for running transcode and extraction jobs.
// It never mutates job state.
type Monitor struct {
	remote   RemoteLister
	matchers map[string]targetFunc
	now      func() time.Time
}

// New constructs a Monitor recognising HandBrakeCLI, ffmpeg, mkvextract and
// remote job supervisors, plus anything added through options.
func New(opts ...Option) *Monitor {
	m := &Monitor{
		matchers: map[string]targetFunc{
			"HandBrakeCLI": inputFlagTarget,
			"ffmpeg":       inputFlagTarget,
			"mkvextract":   firstPositionalTarget,
		},
		now: time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// ErrNoRemote is returned when a remote host is queried without a RemoteLister.
var ErrNoRemote = errors.New("procmon: no remote lister configured")

// ListRunning returns recognized processes on host. An empty host or
// "localhost" inspects this machine.
func (m *Monitor) ListRunning(ctx context.Context, host string) ([]ObservedProcess, error) {
	if IsLocal(host) {
		return m.listLocal(ctx)
	}
	if m.remote == nil {
		return nil, ErrNoRemote
	}
	return m.remote.ListProcesses(ctx, host)
}

// Running reports whether a recognized process on host is working on target.
func (m *Monitor) Running(ctx context.Context, host, target string) (*ObservedProcess, bool, error) {
	procs, err := m.ListRunning(ctx, host)
	if err != nil {
		return nil, false, err
	}
	want := filepath.Clean(target)
	for i := range procs {
		if procs[i].Target != "" && filepath.Clean(procs[i].Target) == want {
			return &procs[i], true, nil
		}
	}
	return nil, false, nil
}

// Alive reports whether pid exists on this machine.
func (m *Monitor) Alive(ctx context.Context, pid int32) bool {
	if pid <= 0 {
		return false
	}
	ok, err := process.PidExistsWithContext(ctx, pid)
	return err == nil && ok
}

// Terminate asks pid to exit and kills it if it is still running after grace.
func (m *Monitor) Terminate(ctx context.Context, pid int32, grace time.Duration) error {
	p, err := process.NewProcessWithContext(ctx, pid)
	if err != nil {
		return fmt.Errorf("find process %d: %w", pid, err)
	}
	if err := p.TerminateWithContext(ctx); err != nil {
		return fmt.Errorf("terminate process %d: %w", pid, err)
	}
	deadline := m.now().Add(grace)
	for m.now().Before(deadline) {
		if running, err := p.IsRunningWithContext(ctx); err != nil || !running {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
	if running, err := p.IsRunningWithContext(ctx); err == nil && running {
		if err := p.KillWithContext(ctx); err != nil {
			return fmt.Errorf("kill process %d: %w", pid, err)
		}
	}
	return nil
}

// Load returns the local 1/5/15 minute load averages.
func (m *Monitor) Load(ctx context.Context) (*load.AvgStat, error) {
	return load.AvgWithContext(ctx)
}

func (m *Monitor) listLocal(ctx context.Context) ([]ObservedProcess, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("list processes: %w", err)
	}
	now := m.now()
	var observed []ObservedProcess
	for _, p := range procs {
		args, err := p.CmdlineSliceWithContext(ctx)
		if err != nil || len(args) == 0 {
			continue
		}
		binary, target, ok := m.Match(args)
		if !ok {
			continue
		}
		if target != "" && !filepath.IsAbs(target) {
			if cwd, err := p.CwdWithContext(ctx); err == nil && cwd != "" {
				target = filepath.Join(cwd, target)
			}
		}
		op := ObservedProcess{
			PID:     p.Pid,
			Binary:  binary,
			Target:  target,
			Command: strings.Join(args, " "),
			Host:    LocalHost,
		}
		if created, err := p.CreateTimeWithContext(ctx); err == nil && created > 0 {
			op.StartedAt = time.UnixMilli(created)
			op.Elapsed = now.Sub(op.StartedAt).Truncate(time.Second)
		}
		observed = append(observed, op)
	}
	return observed, nil
}

// IsLocal reports whether host names this machine.
func IsLocal(host string) bool {
	host = strings.TrimSpace(host)
	return host == "" || host == LocalHost || host == "127.0.0.1" || host == "::1"
}
