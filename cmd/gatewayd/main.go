// Command gatewayd is the storage engine's process entrypoint: it is not a
// user-facing CLI (spec §1 Non-goals "user-facing command syntax") but a
// thin wiring layer that loads configuration, opens the engine, starts its
// background workers, and waits for a shutdown signal (SPEC_FULL §6.1).
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/greg-phillips/imatrix-gateway-storage/storage"
	"github.com/greg-phillips/imatrix-gateway-storage/storage/platform"
	"github.com/greg-phillips/imatrix-gateway-storage/storage/upload"
)

func main() {
	configPath := flag.String("config", "gatewayd.yaml", "path to the gateway's YAML configuration file")
	flag.Parse()

	logger := log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr))
	logger = log.With(logger, "ts", log.DefaultTimestampUTC, "caller", log.DefaultCaller)

	if err := run(*configPath, logger); err != nil {
		level.Error(logger).Log("msg", "gatewayd exiting with error", "err", err)
		os.Exit(1)
	}
}

func run(configPath string, logger log.Logger) error {
	cfg, err := storage.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	fsAdapter := platform.New()
	reg := prometheus.NewRegistry()

	// A real CoAP/HTTP transport is an external collaborator (spec §1
	// Non-goals); gatewayd wires the loopback stub so the upload coordinator
	// has something to drive end to end.
	engine, err := storage.Open(cfg, fsAdapter, fsAdapter, upload.LoopbackTransport{}, logger, reg)
	if err != nil {
		return fmt.Errorf("open engine: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	engine.StartBackgroundWorkers(ctx)

	shutdown := platform.NewShutdown()
	level.Info(logger).Log("msg", "gatewayd started", "sensors", len(cfg.Sensors), "spool_dir", cfg.SpoolDir)

	<-shutdown.Done()
	level.Info(logger).Log("msg", "shutdown signal received, draining")

	cancel()
	if err := engine.Close(); err != nil {
		return fmt.Errorf("close engine: %w", err)
	}
	level.Info(logger).Log("msg", "gatewayd stopped cleanly")
	return nil
}
