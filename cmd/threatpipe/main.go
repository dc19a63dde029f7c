// Package main is the entry point for the threatpipe event pipeline.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"threatpipe/internal/authz"
	"threatpipe/internal/config"
	"threatpipe/internal/dispatch"
	"threatpipe/internal/kafka"
	"threatpipe/internal/logging"
	"threatpipe/internal/pipeline"
	"threatpipe/internal/record"
	"threatpipe/internal/storage"
	"threatpipe/internal/storage/s3"
)

var version = "dev"

func main() {
	var showVersion bool
	flag.BoolVar(&showVersion, "version", false, "Show version and exit")
	flag.Parse()

	if showVersion {
		fmt.Printf("threatpipe %s\n", version)
		os.Exit(0)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.Logging, os.Stdout)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	slog.SetDefault(logger)

	logger.Info("configuration loaded",
		"kind", cfg.Pipeline.Kind,
		"brokers", cfg.Kafka.Brokers,
		"intake_topic", cfg.Kafka.IntakeTopic,
		"events_topic", cfg.Kafka.EventsTopic,
		"archive_enabled", cfg.Archive.Enabled,
		"authz_cache_enabled", cfg.Authz.CacheEnabled,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	builder, err := record.NewBuilder(cfg.Builder, logger)
	if err != nil {
		logger.Error("failed to build record builder", "error", err)
		os.Exit(1)
	}

	// Visibility resolution over the exported access map, optionally
	// fronted by the Redis snapshot cache.
	staticProvider, err := authz.LoadStaticProvider(cfg.Authz.AccessMapPath)
	if err != nil {
		logger.Error("failed to load access map", "path", cfg.Authz.AccessMapPath, "error", err)
		os.Exit(1)
	}
	var provider authz.Provider = staticProvider
	if cfg.Authz.CacheEnabled {
		cached, err := authz.NewCachedProvider(staticProvider, cfg.Authz.Cache, logger)
		if err != nil {
			logger.Error("failed to connect to authz cache", "error", err)
			os.Exit(1)
		}
		defer cached.Close()
		provider = cached
	}
	resolver := authz.NewResolver(provider, logger)

	chClient, err := storage.NewClickHouseClient(cfg.Storage.ClickHouse)
	if err != nil {
		logger.Error("failed to connect to ClickHouse", "error", err)
		os.Exit(1)
	}
	defer chClient.Close()

	if err := storage.EnsureSchema(ctx, chClient, cfg.Storage.Writer.Table); err != nil {
		logger.Error("failed to ensure storage schema", "error", err)
		os.Exit(1)
	}
	writer := storage.NewEventWriter(chClient, cfg.Storage.Writer, logger)

	producer, err := kafka.NewProducer(cfg.Kafka, logger)
	if err != nil {
		logger.Error("failed to create producer", "error", err)
		os.Exit(1)
	}
	defer producer.Close()

	anonymizer := dispatch.NewSourceAnonymizer(cfg.Dispatch.SourceAnonymization)
	dispatcher := dispatch.NewDispatcher(producer, anonymizer, logger)

	consumer, err := kafka.NewConsumer(cfg.Kafka, logger)
	if err != nil {
		logger.Error("failed to create consumer", "error", err)
		os.Exit(1)
	}
	defer consumer.Close()

	var archiver pipeline.Archiver
	if cfg.Archive.Enabled {
		s3Client, err := s3.NewClient(ctx, cfg.Archive.S3, logger)
		if err != nil {
			logger.Error("failed to create s3 client", "error", err)
			os.Exit(1)
		}
		a := s3.NewArchiver(s3Client, cfg.Archive.Archiver, logger)
		defer a.Close()
		archiver = a
	}

	p, err := pipeline.New(pipeline.Options{
		Intake:     consumer,
		Builder:    builder,
		Kind:       cfg.RecordKind(),
		Resolver:   resolver,
		Dispatcher: dispatcher,
		Writer:     writer,
		Archiver:   archiver,
		Logger:     logger,
	})
	if err != nil {
		logger.Error("failed to build pipeline", "error", err)
		os.Exit(1)
	}

	runErr := p.Run(ctx)

	if err := writer.Close(); err != nil {
		logger.Error("event writer close error", "error", err)
	}

	m := p.Metrics()
	logger.Info("shutdown complete",
		"consumed", m.Consumed,
		"dispatched", m.Dispatched,
		"stored", m.Stored,
		"dropped", m.Dropped,
		"no_recipients", m.NoRecipients,
		"errors", m.Errors,
	)

	if runErr != nil {
		logger.Error("pipeline terminated", "error", runErr)
		os.Exit(1)
	}
}
