// Command moviequeued serves the transcode HTTP API and runs scheduled
// maintenance.
package main

import (
	"context"
	"flag"
	"log"
	"os/signal"
	"syscall"
	"time"

	"moviequeue/internal/config"
	"moviequeue/internal/logging"
)

func main() {
	configPath := flag.String("config", "", "Configuration file path")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, _, _, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		log.Fatalf("ensure directories: %v", err)
	}

	logger, err := logging.NewFromConfig(cfg)
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}

	d, err := build(cfg, logger)
	if err != nil {
		log.Fatalf("%v", err)
	}
	defer d.close()

	if err := d.daemon.Start(ctx); err != nil {
		log.Fatalf("start daemon: %v", err)
	}

	<-ctx.Done()
	logger.Info("moviequeued shutting down")

	d.daemon.Stop()
	shutdownCtx, stop := context.WithTimeout(context.Background(), cfg.KillGrace()+5*time.Second)
	defer stop()
	if err := d.dispatcher.Close(shutdownCtx); err != nil {
		logger.Warn("jobs still running at shutdown; the next start adopts them", logging.Error(err))
	}
}
