package main

import (
	"fmt"
	"log/slog"
	"strings"

	"moviequeue/internal/config"
	"moviequeue/internal/daemon"
	"moviequeue/internal/queue"
	"moviequeue/internal/remote"
	"moviequeue/internal/transcode"
)

type components struct {
	store      *queue.Store
	dispatcher *transcode.Dispatcher
	daemon     *daemon.Daemon
}

// build wires the queue store, dispatcher and daemon for cfg. Remote dispatch
// is enabled only when a worker host is configured.
func build(cfg *config.Config, logger *slog.Logger) (*components, error) {
	store, err := queue.Open(cfg)
	if err != nil {
		return nil, fmt.Errorf("open queue store: %w", err)
	}

	opts := []transcode.Option{transcode.WithQueue(store)}
	if strings.TrimSpace(cfg.Remote.DefaultHost) != "" {
		opts = append(opts, transcode.WithRemote(remote.New(cfg, logger)))
	}
	disp := transcode.New(cfg, logger, opts...)

	d, err := daemon.New(cfg, store, disp, logger)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("create daemon: %w", err)
	}
	return &components{store: store, dispatcher: disp, daemon: d}, nil
}

func (c *components) close() {
	c.daemon.Stop()
	_ = c.store.Close()
}
