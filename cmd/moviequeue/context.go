package main

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"

	"github.com/spf13/cobra"

	"moviequeue/internal/config"
	"moviequeue/internal/logging"
	"moviequeue/internal/queue"
	"moviequeue/internal/remote"
	"moviequeue/internal/transcode"
)

// errSilentExit ends a command with a nonzero status after it has already
// written its own output.
var errSilentExit = errors.New("exit status 1")

type commandContext struct {
	configFlag *string

	configOnce sync.Once
	config     *config.Config
	configErr  error

	loggerOnce sync.Once
	logger     *slog.Logger
}

func newCommandContext(configFlag *string) *commandContext {
	return &commandContext{configFlag: configFlag}
}

func (c *commandContext) configPath() string {
	if c.configFlag == nil {
		return ""
	}
	return strings.TrimSpace(*c.configFlag)
}

func (c *commandContext) ensureConfig() (*config.Config, error) {
	c.configOnce.Do(func() {
		cfg, _, _, err := config.Load(c.configPath())
		if err != nil {
			c.configErr = err
			return
		}
		if err := cfg.EnsureDirectories(); err != nil {
			c.configErr = err
			return
		}
		c.config = cfg
	})
	return c.config, c.configErr
}

// log returns the command logger. Commands print results on stdout, so logs
// go to the shared log file only.
func (c *commandContext) log() *slog.Logger {
	c.loggerOnce.Do(func() {
		c.logger = logging.NewNop()
		cfg, err := c.ensureConfig()
		if err != nil || cfg.Paths.LogDir == "" {
			return
		}
		logger, err := logging.New(logging.Options{
			Level:       cfg.Logging.Level,
			Format:      cfg.Logging.Format,
			OutputPaths: []string{filepath.Join(cfg.Paths.LogDir, "moviequeue.log")},
		})
		if err == nil {
			c.logger = logger
		}
	})
	return c.logger
}

func (c *commandContext) withStore(fn func(*queue.Store) error) error {
	cfg, err := c.ensureConfig()
	if err != nil {
		return err
	}
	store, err := queue.Open(cfg)
	if err != nil {
		return err
	}
	defer store.Close()
	return fn(store)
}

// withDispatcher runs fn with a dispatcher bound to the queue and the remote
// runner, then waits for local jobs it started to record their outcome.
func (c *commandContext) withDispatcher(cmd *cobra.Command, fn func(*transcode.Dispatcher, *queue.Store) error) error {
	cfg, err := c.ensureConfig()
	if err != nil {
		return err
	}
	return c.withStore(func(store *queue.Store) error {
		disp := transcode.New(cfg, c.log(),
			transcode.WithQueue(store),
			transcode.WithRemote(remote.New(cfg, c.log())),
		)
		err := fn(disp, store)
		if closeErr := disp.Close(context.WithoutCancel(cmd.Context())); closeErr != nil && err == nil {
			err = closeErr
		}
		return err
	})
}

func shouldSkipConfig(cmd *cobra.Command) bool {
	for c := cmd; c != nil; c = c.Parent() {
		if c.Annotations != nil && c.Annotations["skipConfigLoad"] == "true" {
			return true
		}
	}
	return false
}

func oneLine(err error) string {
	msg := strings.TrimSpace(err.Error())
	if i := strings.IndexByte(msg, '\n'); i >= 0 {
		msg = msg[:i]
	}
	return msg
}
