// Command qemud runs the QEMU VM lifecycle engine as a standalone daemon
// process: it wires lib/platform, lib/paths and lib/factory together,
// verifies the host is fit to run QEMU VMs, then idles until asked to
// shut down. The RPC/CLI dispatch surface that would drive lib/vm's
// operations from client requests is out of scope (spec.md §1) — this
// binary exists to prove the wiring, the way the teacher's cmd/api/main.go
// proves its own dependency graph before serving traffic.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/onkernel/qemud/cmd/qemud/config"
	"github.com/onkernel/qemud/lib/factory"
	"github.com/onkernel/qemud/lib/logger"
	otellib "github.com/onkernel/qemud/lib/otel"
	"github.com/onkernel/qemud/lib/paths"
	"github.com/onkernel/qemud/lib/platform"
)

func main() {
	if err := run(); err != nil {
		slog.Error("qemud terminated", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := config.Load()

	otelCfg := otellib.Config{
		Enabled:           cfg.OtelEnabled,
		Endpoint:          cfg.OtelEndpoint,
		ServiceName:       cfg.OtelServiceName,
		ServiceInstanceID: cfg.OtelServiceInstanceID,
		Insecure:          cfg.OtelInsecure,
		Env:               cfg.Env,
	}
	otelProvider, otelShutdown, err := otellib.Init(context.Background(), otelCfg)
	if err != nil {
		slog.Warn("failed to initialize OpenTelemetry, continuing without telemetry", "error", err)
	}
	if otelShutdown != nil {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := otelShutdown(shutdownCtx); err != nil {
				slog.Warn("error shutting down OpenTelemetry", "error", err)
			}
		}()
	}

	var otelHandler slog.Handler
	if otelProvider != nil {
		otelHandler = otelProvider.LogHandler
	}

	logCfg := logger.Config{DefaultLevel: parseLevel(cfg.LogLevel), SubsystemLevels: logger.NewConfig().SubsystemLevels}
	log := logger.NewSubsystemLogger(logger.SubsystemFactory, logCfg, otelHandler)
	ctx := logger.AddToContext(context.Background(), log)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	plat := platform.New(platform.Config{
		BridgeName:      cfg.BridgeName,
		LeasesFile:      cfg.LeasesFile,
		DisableAppArmor: cfg.DisableAppArmor,
	})
	p := paths.New(cfg.DataDir, plat.GetDirectoryName())

	f := factory.New(factory.Config{
		QEMUSystemBinary: cfg.QEMUSystemBinary,
		QEMUImgBinary:    cfg.QEMUImgBinary,
	}, plat, p)

	if err := f.HypervisorHealthCheck(ctx); err != nil {
		return fmt.Errorf("hypervisor health check: %w", err)
	}
	log.Info("qemud ready",
		"backend_dir", f.GetBackendDirectoryName(),
		"backend_version", f.GetBackendVersionString(ctx),
		"data_dir", cfg.DataDir,
	)

	<-ctx.Done()
	log.Info("qemud shutting down")
	return nil
}

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
