package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/skypro1111/duplex-coach-service/internal/capture"
	"github.com/skypro1111/duplex-coach-service/internal/config"
	"github.com/skypro1111/duplex-coach-service/internal/delivery"
	"github.com/skypro1111/duplex-coach-service/internal/metrics"
	"github.com/skypro1111/duplex-coach-service/internal/pipeline"
	"github.com/skypro1111/duplex-coach-service/internal/server"
	"github.com/skypro1111/duplex-coach-service/internal/vad"
)

const (
	defaultConfigPath = "configs/config.yaml"
	serviceName       = "duplex-coach-service"
	serviceVersion    = "1.0.0"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := initLogger(cfg.Logging)

	logger.Info("Service starting",
		slog.String("service", serviceName),
		slog.String("version", serviceVersion),
		slog.String("config_path", *configPath),
	)

	// Log configuration summary (without sensitive data)
	logger.Info("Configuration loaded",
		slog.String("address", fmt.Sprintf("%s:%d", cfg.Server.Address, cfg.Server.Port)),
		slog.String("capture_path", cfg.Server.CapturePath),
		slog.Int("max_active_sessions", cfg.Server.MaxActiveSessions),
		slog.Int("target_sample_rate", cfg.Capture.TargetSampleRate),
		slog.Int("block_size", cfg.Audio.BlockSize),
		slog.Duration("max_buffer_duration", cfg.Audio.GetMaxBufferDuration()),
		slog.Duration("max_wait_time", cfg.VAD.GetMaxWaitTime()),
		slog.String("backend_url", cfg.Delivery.BackendURL),
		slog.Int("max_retries", cfg.Delivery.MaxRetries),
		slog.String("log_level", cfg.Logging.Level),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize Prometheus metrics
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	appMetrics := metrics.NewMetrics(registry)
	logger.Info("Prometheus metrics initialized")

	// Capture agents connect to the hub
	hub := capture.NewHub(capture.HubConfig{
		OpenTimeout:    cfg.Capture.GetOpenTimeoutDuration(),
		QueueSize:      cfg.Capture.TrackQueueSize,
		ReadLimit:      capture.DefaultHubConfig().ReadLimit,
		WriteTimeout:   capture.DefaultHubConfig().WriteTimeout,
		AllowedOrigins: cfg.Capture.AllowedOrigins,
	}, logger)
	appMetrics.RegisterAgentGauge(hub.Count)

	backend, err := delivery.NewClient(delivery.Config{
		BackendURL:    cfg.Delivery.BackendURL,
		APIKey:        cfg.Delivery.APIKey,
		Timeout:       cfg.Delivery.GetTimeoutDuration(),
		MaxConcurrent: cfg.Delivery.MaxConcurrent,
		UserAgent:     serviceName + "/" + serviceVersion,
	})
	if err != nil {
		logger.Error("Failed to create backend client", slog.String("error", err.Error()))
		os.Exit(1)
	}

	managerConfig := pipeline.ManagerConfig{
		Pipeline: pipeline.Config{
			MaxBufferDuration: cfg.Audio.GetMaxBufferDuration(),
			VAD: vad.Config{
				SpeechThreshold:       cfg.VAD.SpeechThreshold,
				SilenceThreshold:      cfg.VAD.SilenceThreshold,
				EnergyWindow:          cfg.VAD.EnergyWindow,
				SilenceBeforeSend:     cfg.VAD.GetSilenceBeforeSend(),
				MinSpeechDuration:     cfg.VAD.GetMinSpeechDuration(),
				MaxWaitTime:           cfg.VAD.GetMaxWaitTime(),
				NaturalPauseThreshold: cfg.VAD.GetNaturalPauseThreshold(),
				MinPhraseLength:       cfg.VAD.GetMinPhraseLength(),
				ShortPhraseExtension:  cfg.VAD.GetShortPhraseExtension(),
			},
			Retry: delivery.RetryPolicy{
				MaxRetries: cfg.Delivery.MaxRetries,
				BaseDelay:  cfg.Delivery.GetBaseDelayDuration(),
				Multiplier: cfg.Delivery.BackoffMultiplier,
			},
		},
		Source: capture.SourceConfig{
			SampleRate:       cfg.Capture.TargetSampleRate,
			EchoCancellation: cfg.Capture.EchoCancellation,
			NoiseSuppression: cfg.Capture.NoiseSuppression,
		},
		BlockSize:     cfg.Audio.BlockSize,
		MaxSessions:   cfg.Server.MaxActiveSessions,
		StreamTimeout: cfg.Audio.GetStreamTimeoutDuration(),
	}

	sessionMgr, err := pipeline.NewManager(logger, managerConfig, hub, backend, appMetrics, resultLogger(logger))
	if err != nil {
		logger.Error("Failed to create session manager", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger.Info("Session manager initialized",
		slog.Duration("stream_timeout", managerConfig.StreamTimeout),
		slog.Duration("base_delay", managerConfig.Pipeline.Retry.BaseDelay),
	)

	httpServer := server.NewHTTPServer(cfg, logger, sessionMgr, hub, backend, appMetrics, registry)
	if err := httpServer.Start(); err != nil {
		logger.Error("Failed to start HTTP server", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// Setup signal handling for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	logger.Info("Service started successfully, waiting for signals...")

	select {
	case sig := <-sigChan:
		logger.Info("Received shutdown signal", slog.String("signal", sig.String()))
	case <-ctx.Done():
		logger.Info("Context cancelled, shutting down")
	}

	logger.Info("Starting graceful shutdown...")

	// Stop HTTP server first (stop accepting new requests)
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := httpServer.Stop(shutdownCtx); err != nil {
		logger.Error("Error stopping HTTP server", slog.String("error", err.Error()))
	}

	// Stop sessions before disconnecting agents so capture is released cleanly
	sessionMgr.Stop()
	hub.Close()

	stats := backend.GetStats()
	logger.Info("Final backend statistics",
		slog.Uint64("total_requests", stats.TotalRequests),
		slog.Uint64("successful_requests", stats.SuccessRequests),
		slog.Float64("success_rate", stats.SuccessRate),
	)

	if err := backend.Close(); err != nil {
		logger.Warn("Error closing backend client", slog.String("error", err.Error()))
	}

	logger.Info("Service stopped")
}

// resultLogger surfaces delivered results in the service log
func resultLogger(logger *slog.Logger) pipeline.ResultFunc {
	return func(sessionID string, r delivery.Result) {
		data, err := delivery.ResultJSON(r)
		if err != nil {
			logger.Warn("Failed to encode result",
				slog.String("session_id", sessionID),
				slog.String("error", err.Error()),
			)
			return
		}

		level := slog.LevelInfo
		if _, failed := r.(delivery.Failed); failed {
			level = slog.LevelWarn
		}
		logger.Log(context.Background(), level, "Coaching result",
			slog.String("session_id", sessionID),
			slog.String("kind", r.Kind()),
			slog.String("result", string(data)),
		)
	}
}

// initLogger creates and configures the structured logger based on configuration
func initLogger(cfg config.LoggingConfig) *slog.Logger {
	// Parse log level
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	}

	// Determine output destination
	var output *os.File
	switch cfg.Output {
	case "stderr":
		output = os.Stderr
	case "stdout", "":
		output = os.Stdout
	default:
		// Assume it's a file path
		file, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open log file %s: %v, falling back to stdout\n", cfg.Output, err)
			output = os.Stdout
		} else {
			output = file
		}
	}

	var handler slog.Handler
	switch cfg.Format {
	case "json":
		handler = slog.NewJSONHandler(output, opts)
	default:
		handler = slog.NewTextHandler(output, opts)
	}

	return slog.New(handler)
}
