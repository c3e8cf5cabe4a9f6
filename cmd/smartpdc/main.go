// Package main implements the smartpdc entry point. The concentrator
// supervises a fleet of PMU receivers, decodes their synchrophasor
// streams and publishes flattened measurements to JetStream or a local
// capture file.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/janiolos/SmartPhasorToolBox/c37118/registry"
	"github.com/janiolos/SmartPhasorToolBox/config"
	"github.com/janiolos/SmartPhasorToolBox/metric"
	"github.com/janiolos/SmartPhasorToolBox/natsclient"
	"github.com/janiolos/SmartPhasorToolBox/receiver"
	"github.com/janiolos/SmartPhasorToolBox/sink"
	"github.com/janiolos/SmartPhasorToolBox/status"
	"github.com/janiolos/SmartPhasorToolBox/supervisor"
)

// Build information constants
const (
	Version = "0.1.0"
	appName = "smartpdc"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(); err != nil {
		slog.Error("Application failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath = flag.String("config", "", "path to YAML configuration file")
		validate   = flag.Bool("validate", false, "validate configuration and exit")
		version    = flag.Bool("version", false, "print version and exit")
	)
	flag.Parse()

	if *version {
		fmt.Printf("%s %s\n", appName, Version)
		return nil
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}

	logger := newLogger(cfg.Log)
	slog.SetDefault(logger)

	if *validate {
		logger.Info("configuration is valid", "path", *configPath)
		return nil
	}

	ctx, stop := signal.NotifyContext(context.Background(),
		syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metricsRegistry := metric.NewRegistry()

	var metricsServer *metric.Server
	if cfg.Metrics.Enabled {
		metricsServer = metric.NewServer(cfg.Metrics.Port, cfg.Metrics.Path, metricsRegistry)
		go func() {
			if err := metricsServer.Start(); err != nil {
				logger.Error("metrics server stopped", "error", err)
			}
		}()
		defer func() { _ = metricsServer.Stop() }()
		logger.Info("metrics endpoint up", "address", metricsServer.Address())
	}

	measurementSink, statusStore, natsClient, err := setupBackends(ctx, cfg, logger, metricsRegistry)
	if err != nil {
		return err
	}
	defer measurementSink.Close()
	if natsClient != nil {
		defer func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = natsClient.Close(closeCtx)
		}()
	}

	sup, err := supervisor.New(supervisor.Config{
		Sources:           sourceConfigs(cfg),
		ReconcileInterval: cfg.Status.ReconcileInterval.Std(),
		LivenessWindow:    cfg.Status.LivenessWindow.Std(),
	}, supervisor.Deps{
		Logger:   logger,
		Metrics:  metricsRegistry.Metrics,
		Registry: registry.New(),
		Sink:     measurementSink,
		Status:   statusStore,
	})
	if err != nil {
		return err
	}

	logger.Info("starting concentrator",
		"instance", sup.Owner().String(),
		"sources", len(cfg.Sources))

	if err := sup.StartAll(ctx); err != nil {
		logger.Warn("not all sources started", "error", err)
	}
	sup.Run(ctx)

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return sup.Shutdown(shutdownCtx)
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		cfg := config.Default()
		return cfg, cfg.Validate()
	}
	return config.Load(path)
}

func newLogger(lc config.LogConfig) *slog.Logger {
	level := slog.LevelInfo
	switch lc.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if lc.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}

// setupBackends wires the measurement sink and status store. With a
// capture file configured everything stays in-process; otherwise both
// ride on one NATS connection.
func setupBackends(ctx context.Context, cfg *config.Config, logger *slog.Logger, reg *metric.Registry) (sink.Sink, status.Store, *natsclient.Client, error) {
	if cfg.Stream.File != "" {
		fileSink, err := sink.NewFileSink(cfg.Stream.File)
		if err != nil {
			return nil, nil, nil, err
		}
		logger.Info("writing measurements to file", "path", cfg.Stream.File)
		return fileSink, status.NewMemoryStore(), nil, nil
	}

	opts := []natsclient.ClientOption{
		natsclient.WithName(cfg.NATS.Name),
		natsclient.WithTimeout(cfg.NATS.Timeout.Std()),
		natsclient.WithLogger(&natsclient.SlogAdapter{L: logger.With("component", "nats")}),
		natsclient.WithReconnectCallback(func() {
			reg.Metrics.NATSReconnects.Inc()
		}),
	}
	if cfg.NATS.Username != "" {
		opts = append(opts, natsclient.WithCredentials(cfg.NATS.Username, cfg.NATS.Password))
	}
	if cfg.NATS.Token != "" {
		opts = append(opts, natsclient.WithToken(cfg.NATS.Token))
	}

	client, err := natsclient.NewClient(cfg.NATS.URL, opts...)
	if err != nil {
		return nil, nil, nil, err
	}
	client.OnHealthChange(func(healthy bool) {
		if healthy {
			reg.Metrics.NATSConnected.Set(1)
		} else {
			reg.Metrics.NATSConnected.Set(0)
		}
	})
	if err := client.Connect(ctx); err != nil {
		return nil, nil, nil, err
	}

	waitCtx, cancel := context.WithTimeout(ctx, cfg.NATS.Timeout.Std())
	defer cancel()
	if err := client.WaitForConnection(waitCtx); err != nil {
		_ = client.Close(ctx)
		return nil, nil, nil, err
	}

	jsSink, err := sink.NewJetStreamSink(ctx, client,
		cfg.Stream.Name, cfg.Stream.SubjectPrefix, cfg.Stream.MaxMsgs)
	if err != nil {
		_ = client.Close(ctx)
		return nil, nil, nil, err
	}

	bucket, err := client.CreateKeyValueBucket(ctx, jetstream.KeyValueConfig{
		Bucket:      cfg.Status.Bucket,
		Description: "receiver claims and heartbeats",
		History:     1,
	})
	if err != nil {
		_ = client.Close(ctx)
		return nil, nil, nil, err
	}

	return jsSink, status.NewKVStore(client.NewKVStore(bucket)), client, nil
}

func sourceConfigs(cfg *config.Config) []receiver.Config {
	sources := make([]receiver.Config, 0, len(cfg.Sources))
	for _, src := range cfg.Sources {
		sources = append(sources, receiver.Config{
			SourceID:       src.ID,
			IDCode:         src.IDCode,
			Address:        src.Address,
			Transport:      receiver.Transport(src.Transport),
			SilenceTimeout: src.Silence.Std(),
			QueueSize:      src.QueueSize,
		})
	}
	return sources
}
