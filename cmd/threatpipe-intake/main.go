// Package main is the entry point for the DTLS intake service. It
// accepts collector submissions and forwards them to the intake topic.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"threatpipe/internal/config"
	"threatpipe/internal/ingest"
	"threatpipe/internal/kafka"
	"threatpipe/internal/logging"
)

var version = "dev"

func main() {
	var showVersion bool
	flag.BoolVar(&showVersion, "version", false, "Show version and exit")
	flag.Parse()

	if showVersion {
		fmt.Printf("threatpipe-intake %s\n", version)
		os.Exit(0)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Kafka.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.Logging, os.Stdout)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	forwarder, err := kafka.NewIntakeProducer(cfg.Kafka, logger)
	if err != nil {
		logger.Error("failed to create intake producer", "error", err)
		os.Exit(1)
	}
	defer forwarder.Close()

	server, err := ingest.NewServer(cfg.Ingest, forwarder, logger)
	if err != nil {
		logger.Error("failed to create intake server", "error", err)
		os.Exit(1)
	}

	if err := server.Start(ctx); err != nil {
		logger.Error("failed to start intake server", "error", err)
		os.Exit(1)
	}

	<-ctx.Done()
	logger.Info("shutdown signal received")
	server.Stop()

	m := server.Metrics()
	logger.Info("shutdown complete",
		"connections", m.Connections,
		"received", m.Received,
		"forwarded", m.Forwarded,
		"rejected", m.Rejected,
		"errors", m.Errors,
	)
}
