package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/satindergrewal/voicebridge/internal/api"
	"github.com/satindergrewal/voicebridge/internal/audio"
	"github.com/satindergrewal/voicebridge/internal/backpressure"
	"github.com/satindergrewal/voicebridge/internal/config"
	"github.com/satindergrewal/voicebridge/internal/control"
	"github.com/satindergrewal/voicebridge/internal/dataflow"
	"github.com/satindergrewal/voicebridge/internal/metrics"
)

func main() {
	cfg := config.Load()
	logger := initLogger(cfg.LogLevel, cfg.LogFormat)
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Error("voicebridge exited", zap.Error(err))
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *zap.Logger) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger.Info("voicebridge starting up...")

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.NewCollector("voicebridge", reg, logger)

	// Playback
	player, err := audio.NewPlayer(
		audio.MalgoDevice{SampleRate: cfg.DeviceRate, Channels: cfg.DeviceChannels, Logger: logger},
		audio.PlayerConfig{SourceRate: cfg.SourceRate, BufferSeconds: cfg.BufferSeconds, Metrics: m},
		logger,
	)
	if err != nil {
		return fmt.Errorf("audio output: %w", err)
	}
	defer player.Close()

	// Coordinator
	coord := dataflow.NewCoordinator(dataflow.CoordinatorConfig{
		URL:         cfg.CoordinatorURL,
		APIKey:      cfg.CoordinatorAPIKey,
		Opus:        cfg.Opus,
		OpusBitrate: cfg.OpusBitrate,
	}, logger)

	healthCtx, healthCancel := context.WithTimeout(ctx, 5*time.Minute)
	err = coord.WaitForHealthy(healthCtx, 2*time.Second)
	healthCancel()
	if err != nil {
		return fmt.Errorf("coordinator not available: %w", err)
	}

	// Pipeline control
	wcfg := control.DefaultWorkerConfig()
	wcfg.HealthInterval = cfg.HealthInterval
	wcfg.StartupGrace = cfg.StartupGrace
	wcfg.SendAttempts = cfg.SendAttempts
	wcfg.SendDelay = cfg.SendDelay
	worker := control.NewWorker(coord, wcfg, logger, m)
	defer worker.Close()

	bridge := backpressure.New(player, worker, backpressure.Config{Interval: cfg.BackpressureInterval}, logger, m)

	if cfg.PrimeFile != "" {
		samples, err := audio.DecodeFile(ctx, cfg.PrimeFile, cfg.SourceRate)
		if err != nil {
			logger.Warn("prime file not played", zap.String("path", cfg.PrimeFile), zap.Error(err))
		} else if err := player.WriteAudio(samples); err != nil {
			logger.Warn("prime file not queued", zap.Error(err))
		} else {
			logger.Info("priming playback",
				zap.String("path", cfg.PrimeFile),
				zap.Duration("length", time.Duration(len(samples))*time.Second/time.Duration(cfg.SourceRate)))
		}
	}

	if cfg.DataflowPath != "" {
		worker.StartSession(cfg.DataflowPath, nil)
	} else {
		logger.Info("no dataflow configured (set VB_DATAFLOW_PATH or POST /api/session)")
	}

	addr := fmt.Sprintf(":%d", cfg.Port)
	server := &http.Server{
		Addr:    addr,
		Handler: api.NewHandler(player, worker, reg, cfg.DataflowPath, logger),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return bridge.Run(gctx) })
	g.Go(func() error {
		return pumpEvents(gctx, worker, player, cfg.SourceRate, logger)
	})
	g.Go(func() error {
		logger.Info("voicebridge live", zap.String("addr", addr))
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down...")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		return server.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func initLogger(level, format string) *zap.Logger {
	var lvl zapcore.Level
	switch level {
	case "debug":
		lvl = zapcore.DebugLevel
	case "warn":
		lvl = zapcore.WarnLevel
	case "error":
		lvl = zapcore.ErrorLevel
	default:
		lvl = zapcore.InfoLevel
	}

	var enc zapcore.EncoderConfig
	if format == "json" {
		enc = zap.NewProductionEncoderConfig()
		enc.TimeKey = "timestamp"
		enc.EncodeTime = zapcore.ISO8601TimeEncoder
	} else {
		format = "console"
		enc = zap.NewDevelopmentEncoderConfig()
		enc.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}

	zcfg := zap.Config{
		Level:            zap.NewAtomicLevelAt(lvl),
		Development:      format == "console",
		Encoding:         format,
		EncoderConfig:    enc,
		OutputPaths:      []string{"stderr"},
		ErrorOutputPaths: []string{"stderr"},
	}
	logger, err := zcfg.Build(zap.AddStacktrace(zapcore.ErrorLevel))
	if err != nil {
		logger, _ = zap.NewProduction()
	}
	return logger
}
