package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Paths contains directory and bind address configuration.
type Paths struct {
	MovieDir      string `toml:"movie_dir"`
	TelevisionDir string `toml:"television_dir"`
	UnwatchedDir  string `toml:"unwatched_dir"`
	OutputDir     string `toml:"output_dir"`
	StateDir      string `toml:"state_dir"`
	LogDir        string `toml:"log_dir"`
	BackupDir     string `toml:"backup_dir"`
	LockDir       string `toml:"lock_dir"`
	APIBind       string `toml:"api_bind"`
	APIToken      string `toml:"api_token"`
}

// Encoder contains the external tools used for transcode and subtitle jobs.
type Encoder struct {
	Binary         string `toml:"binary"`
	Preset         string `toml:"preset"`
	Extension      string `toml:"extension"`
	SubtitleBinary string `toml:"subtitle_binary"`
}

// Dispatch contains worker pool settings.
type Dispatch struct {
	MaxConcurrent    int `toml:"max_concurrent"`
	KillGraceSeconds int `toml:"kill_grace_seconds"`
}

// Remote contains the SSH settings used to reach worker hosts.
type Remote struct {
	DefaultHost        string `toml:"default_host"`
	User               string `toml:"user"`
	Port               int    `toml:"port"`
	KeyPath            string `toml:"key_path"`
	KnownHostsPath     string `toml:"known_hosts_path"`
	Command            string `toml:"command"`
	DialTimeoutSeconds int    `toml:"dial_timeout_seconds"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format        string `toml:"format"`
	Level         string `toml:"level"`
	RetentionDays int    `toml:"retention_days"`
}

// Maintenance contains the daemon housekeeping schedule.
type Maintenance struct {
	Schedule          string `toml:"schedule"`
	RegistryTTLMinute int    `toml:"registry_ttl_minutes"`
}

// Config encapsulates all configuration values for moviequeue.
//
// Configuration sections by subsystem:
//   - Paths: library, scratch, state and log directories plus the API bind address
//   - Encoder: HandBrakeCLI and mkvextract invocation
//   - Dispatch: local worker pool size and cancellation grace
//   - Remote: SSH worker hosts
//   - Logging: log format, level, and retention
//   - Maintenance: daemon housekeeping cron schedule
type Config struct {
	Paths       Paths       `toml:"paths"`
	Encoder     Encoder     `toml:"encoder"`
	Dispatch    Dispatch    `toml:"dispatch"`
	Remote      Remote      `toml:"remote"`
	Logging     Logging     `toml:"logging"`
	Maintenance Maintenance `toml:"maintenance"`
}

// DefaultConfigPath returns the absolute path to the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath(defaultConfigPath)
}

// Load locates, parses, and validates a configuration file. The returned config has all
// path fields expanded and normalized.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		_, err = os.Stat(expanded)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := expandPath(defaultConfigPath)
	if err != nil {
		return "", false, err
	}

	projectPath, err := filepath.Abs("moviequeue.toml")
	if err != nil {
		return "", false, err
	}

	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	if info, err := os.Stat(projectPath); err == nil && !info.IsDir() {
		return projectPath, true, nil
	}

	return defaultPath, false, nil
}

// EnsureDirectories creates required directories for dispatcher and daemon operation.
// Library directories are created on a best-effort basis so jobs can still be
// queued while network storage is offline.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.Paths.OutputDir, c.Paths.StateDir, c.Paths.LogDir, c.JobLogDir(), c.Paths.LockDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	if c.Paths.BackupDir != "" {
		if err := os.MkdirAll(c.Paths.BackupDir, 0o755); err != nil {
			return fmt.Errorf("create backup directory %q: %w", c.Paths.BackupDir, err)
		}
	}
	for _, dir := range []string{c.Paths.MovieDir, c.Paths.TelevisionDir} {
		if strings.TrimSpace(dir) != "" {
			_ = os.MkdirAll(dir, 0o755)
		}
	}
	return nil
}

// DatabasePath returns the SQLite queue database location.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.Paths.StateDir, "queue.db")
}

// JobLogDir returns the directory that holds per-job encoder logs.
func (c *Config) JobLogDir() string {
	return filepath.Join(c.Paths.LogDir, "jobs")
}

// DaemonLockPath returns the single-instance lock file for moviequeued.
func (c *Config) DaemonLockPath() string {
	return filepath.Join(c.Paths.LockDir, "moviequeued.lock")
}

// DialTimeout returns the SSH dial timeout.
func (c *Config) DialTimeout() time.Duration {
	return time.Duration(c.Remote.DialTimeoutSeconds) * time.Second
}

// KillGrace returns how long a terminated job gets before it is killed.
func (c *Config) KillGrace() time.Duration {
	return time.Duration(c.Dispatch.KillGraceSeconds) * time.Second
}

// RegistryTTL returns how long finished jobs stay in the dispatcher registry.
func (c *Config) RegistryTTL() time.Duration {
	return time.Duration(c.Maintenance.RegistryTTLMinute) * time.Minute
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	cleaned := filepath.Clean(pathValue)
	absolute, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", cleaned, err)
	}
	return absolute, nil
}

// ExpandPath exposes the repository path expansion rules for other packages.
func ExpandPath(pathValue string) (string, error) {
	return expandPath(pathValue)
}

// CreateSample writes a sample configuration file to the specified location.
func CreateSample(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}

	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}
