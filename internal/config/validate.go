package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/robfig/cron/v3"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validatePaths(); err != nil {
		return err
	}
	if err := c.validateEncoder(); err != nil {
		return err
	}
	if err := c.validateDispatch(); err != nil {
		return err
	}
	if err := c.validateRemote(); err != nil {
		return err
	}
	if err := c.validateMaintenance(); err != nil {
		return err
	}
	return nil
}

func (c *Config) validatePaths() error {
	required := []struct {
		name  string
		value string
	}{
		{"paths.movie_dir", c.Paths.MovieDir},
		{"paths.output_dir", c.Paths.OutputDir},
		{"paths.state_dir", c.Paths.StateDir},
		{"paths.log_dir", c.Paths.LogDir},
		{"paths.lock_dir", c.Paths.LockDir},
	}
	for _, field := range required {
		if strings.TrimSpace(field.value) == "" {
			return fmt.Errorf("%s must be set", field.name)
		}
	}
	return nil
}

func (c *Config) validateEncoder() error {
	if strings.ContainsAny(c.Encoder.Extension, `/\`) {
		return fmt.Errorf("encoder.extension %q must be a bare extension", c.Encoder.Extension)
	}
	return nil
}

func (c *Config) validateDispatch() error {
	if c.Dispatch.MaxConcurrent < 1 {
		return errors.New("dispatch.max_concurrent must be at least 1")
	}
	if c.Dispatch.MaxConcurrent > maxConcurrentUpperBound {
		return fmt.Errorf("dispatch.max_concurrent must not exceed %d", maxConcurrentUpperBound)
	}
	return nil
}

func (c *Config) validateRemote() error {
	if c.Remote.Port < 1 || c.Remote.Port > 65535 {
		return fmt.Errorf("remote.port %d is out of range", c.Remote.Port)
	}
	if c.Remote.DefaultHost != "" && c.Remote.KeyPath == "" {
		return errors.New("remote.key_path must be set when remote.default_host is configured")
	}
	return nil
}

func (c *Config) validateMaintenance() error {
	if _, err := cron.ParseStandard(c.Maintenance.Schedule); err != nil {
		return fmt.Errorf("maintenance.schedule %q: %w", c.Maintenance.Schedule, err)
	}
	return nil
}
