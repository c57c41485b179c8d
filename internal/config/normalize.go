package config

import (
	"fmt"
	"os"
	"strings"
)

func (c *Config) normalize() error {
	if err := c.normalizePaths(); err != nil {
		return err
	}
	c.normalizeEncoder()
	c.normalizeDispatch()
	if err := c.normalizeRemote(); err != nil {
		return err
	}
	c.normalizeLogging()
	c.normalizeMaintenance()
	return nil
}

func (c *Config) normalizePaths() error {
	fields := []struct {
		name  string
		value *string
	}{
		{"paths.movie_dir", &c.Paths.MovieDir},
		{"paths.television_dir", &c.Paths.TelevisionDir},
		{"paths.unwatched_dir", &c.Paths.UnwatchedDir},
		{"paths.output_dir", &c.Paths.OutputDir},
		{"paths.state_dir", &c.Paths.StateDir},
		{"paths.log_dir", &c.Paths.LogDir},
		{"paths.backup_dir", &c.Paths.BackupDir},
		{"paths.lock_dir", &c.Paths.LockDir},
	}
	for _, field := range fields {
		expanded, err := expandPath(strings.TrimSpace(*field.value))
		if err != nil {
			return fmt.Errorf("%s: %w", field.name, err)
		}
		*field.value = expanded
	}
	c.Paths.APIBind = strings.TrimSpace(c.Paths.APIBind)
	if c.Paths.APIBind == "" {
		c.Paths.APIBind = defaultAPIBind
	}
	c.Paths.APIToken = strings.TrimSpace(c.Paths.APIToken)
	if c.Paths.APIToken == "" {
		if value, ok := os.LookupEnv("MOVIEQUEUE_API_TOKEN"); ok {
			c.Paths.APIToken = strings.TrimSpace(value)
		}
	}
	return nil
}

func (c *Config) normalizeEncoder() {
	c.Encoder.Binary = strings.TrimSpace(c.Encoder.Binary)
	if c.Encoder.Binary == "" {
		c.Encoder.Binary = defaultEncoderBinary
	}
	c.Encoder.Preset = strings.TrimSpace(c.Encoder.Preset)
	if c.Encoder.Preset == "" {
		c.Encoder.Preset = defaultEncoderPreset
	}
	c.Encoder.Extension = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(c.Encoder.Extension)), ".")
	if c.Encoder.Extension == "" {
		c.Encoder.Extension = defaultEncoderExtension
	}
	c.Encoder.SubtitleBinary = strings.TrimSpace(c.Encoder.SubtitleBinary)
	if c.Encoder.SubtitleBinary == "" {
		c.Encoder.SubtitleBinary = defaultSubtitleBinary
	}
}

func (c *Config) normalizeDispatch() {
	if c.Dispatch.MaxConcurrent == 0 {
		c.Dispatch.MaxConcurrent = defaultMaxConcurrent
	}
	if c.Dispatch.KillGraceSeconds <= 0 {
		c.Dispatch.KillGraceSeconds = defaultKillGraceSeconds
	}
}

func (c *Config) normalizeRemote() error {
	c.Remote.DefaultHost = strings.TrimSpace(c.Remote.DefaultHost)
	if c.Remote.DefaultHost == "" {
		if value, ok := os.LookupEnv("MOVIEQUEUE_REMOTE_HOST"); ok {
			c.Remote.DefaultHost = strings.TrimSpace(value)
		}
	}
	c.Remote.User = strings.TrimSpace(c.Remote.User)
	if c.Remote.User == "" {
		if value, ok := os.LookupEnv("USER"); ok {
			c.Remote.User = strings.TrimSpace(value)
		}
	}
	if c.Remote.Port == 0 {
		c.Remote.Port = defaultRemotePort
	}
	c.Remote.Command = strings.TrimSpace(c.Remote.Command)
	if c.Remote.Command == "" {
		c.Remote.Command = defaultRemoteCommand
	}
	if c.Remote.DialTimeoutSeconds <= 0 {
		c.Remote.DialTimeoutSeconds = defaultRemoteDialTimeout
	}
	var err error
	if c.Remote.KeyPath, err = expandPath(strings.TrimSpace(c.Remote.KeyPath)); err != nil {
		return fmt.Errorf("remote.key_path: %w", err)
	}
	if c.Remote.KnownHostsPath, err = expandPath(strings.TrimSpace(c.Remote.KnownHostsPath)); err != nil {
		return fmt.Errorf("remote.known_hosts_path: %w", err)
	}
	return nil
}

func (c *Config) normalizeLogging() {
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	switch c.Logging.Format {
	case "", "console":
		c.Logging.Format = "console"
	case "json":
	default:
		c.Logging.Format = "console"
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
	if c.Logging.RetentionDays < 0 {
		c.Logging.RetentionDays = 0
	}
}

func (c *Config) normalizeMaintenance() {
	c.Maintenance.Schedule = strings.TrimSpace(c.Maintenance.Schedule)
	if c.Maintenance.Schedule == "" {
		c.Maintenance.Schedule = defaultMaintenanceSchedule
	}
	if c.Maintenance.RegistryTTLMinute <= 0 {
		c.Maintenance.RegistryTTLMinute = defaultRegistryTTLMinutes
	}
}
