// Command chimerad is the forensic log analytics daemon's entrypoint:
// it loads configuration from the environment, opens the analytic
// store, wires the ingestor and verb handlers, optionally starts the
// metrics/health HTTP surface, host resource sampling and tracing, and
// serves the UDS request protocol until a shutdown signal arrives.
//
// Grounded on the teacher's cmd/main.go / internal/app New-Start-Stop-Run
// lifecycle shape.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/bonzupii/chimera-logmind/internal/config"
	"github.com/bonzupii/chimera-logmind/internal/fileingest"
	"github.com/bonzupii/chimera-logmind/internal/handlers"
	"github.com/bonzupii/chimera-logmind/internal/ingest"
	"github.com/bonzupii/chimera-logmind/internal/journal"
	"github.com/bonzupii/chimera-logmind/internal/metrics"
	"github.com/bonzupii/chimera-logmind/internal/resourcemon"
	"github.com/bonzupii/chimera-logmind/internal/server"
	"github.com/bonzupii/chimera-logmind/internal/store"
	"github.com/bonzupii/chimera-logmind/internal/tracing"
)

func main() {
	if err := run(); err != nil {
		logrus.WithError(err).Error("chimerad exited with error")
		os.Exit(1)
	}
}

func run() error {
	cfg := config.Load()
	logger := buildLogger(cfg)

	st, err := store.Open(cfg.DBPath, logger)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	tracerProvider, err := tracing.New(context.Background(), cfg.OTLPEndpoint, handlers.Version)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer tracerProvider.Shutdown(context.Background())
	st.SetTracer(tracerProvider)

	metricsCollector := metrics.New(logger)
	if cfg.MetricsAddr != "" {
		if err := metricsCollector.Start(cfg.MetricsAddr); err != nil {
			return fmt.Errorf("start metrics server: %w", err)
		}
		defer metricsCollector.Stop(context.Background())
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	monitor := resourcemon.New(30*time.Second, metricsCollector, logger)
	go monitor.Run(ctx)

	ingestor := ingest.New(st, journal.New(logger), fileingest.New(logger), logger, metricsCollector, tracerProvider)
	h := handlers.New(st, ingestor, cfg.FileSources...)

	srv := server.New(server.Options{
		SocketPath:    cfg.SocketPath,
		SocketGroup:   cfg.SocketGroup,
		Backlog:       cfg.ListenBacklog,
		ReadTimeout:   time.Duration(cfg.ReadTimeoutSeconds) * time.Second,
		ShutdownGrace: time.Duration(cfg.ShutdownGraceSecs) * time.Second,
		Logger:        logger,
		Metrics:       metricsCollector,
	})
	h.Register(srv.Register)

	if err := srv.Listen(); err != nil {
		return fmt.Errorf("bind socket: %w", err)
	}

	logger.WithField("socket", cfg.SocketPath).Info("chimerad listening")
	return srv.Run(ctx)
}

func buildLogger(cfg *config.Config) *logrus.Logger {
	logger := logrus.New()

	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	if cfg.LogFormat == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{})
	}

	if cfg.LogFile != "" {
		f, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			logger.WithError(err).Warn("could not open log file, logging to stderr")
		} else {
			logger.SetOutput(f)
		}
	}

	return logger
}
