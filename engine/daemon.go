package engine

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"go.uber.org/zap"

	"github.com/fleetsense/fuelwatch/config"
	"github.com/fleetsense/fuelwatch/j1939"
	"github.com/fleetsense/fuelwatch/metrics"
	"github.com/fleetsense/fuelwatch/registry"
	"github.com/fleetsense/fuelwatch/store"
	"github.com/fleetsense/fuelwatch/wialon"
)

// DaemonConfig holds daemon-specific configuration.
type DaemonConfig struct {
	Config  config.Config
	DataDir string
	Logger  *zap.Logger
}

// RunDaemon runs the fleet pipeline as a long-lived process: poll the
// telemetry gateway, fan readings out per truck, persist metrics and
// events, serve Prometheus metrics. Returns after a clean shutdown on
// SIGINT/SIGTERM.
func RunDaemon(dc DaemonConfig) error {
	log := dc.Logger
	if log == nil {
		log = zap.NewNop()
	}
	cfg := dc.Config

	if dc.DataDir != "" {
		if err := os.MkdirAll(dc.DataDir, 0o700); err != nil {
			return fmt.Errorf("create data dir: %w", err)
		}
		pidPath := filepath.Join(dc.DataDir, "daemon.pid")
		if err := os.WriteFile(pidPath, []byte(fmt.Sprintf("%d\n", os.Getpid())), 0o600); err != nil {
			return fmt.Errorf("write pid file: %w", err)
		}
		defer os.Remove(pidPath)
	}

	reg, err := registry.Load(cfg.TrucksFile, cfg.CalibFile, log)
	if err != nil {
		return fmt.Errorf("load registry: %w", err)
	}

	gw, err := store.OpenPostgres(cfg.Database, cfg.Thresholds, log)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	guarded, breaker := GuardGateway(gw, log)
	defer func() {
		if err := guarded.Close(); err != nil {
			log.Warn("store close failed", zap.Error(err))
		}
	}()

	js, err := j1939.NewStore()
	if err != nil {
		return fmt.Errorf("load j1939 data: %w", err)
	}
	decoder := j1939.NewDecoder(js, log)

	mets := metrics.NewSet()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		if err := mets.Serve(ctx, cfg.Metrics, log); err != nil {
			log.Error("metrics endpoint failed", zap.Error(err))
		}
	}()

	sched := NewScheduler(cfg.Scheduler, func(truckID string) *Orchestrator {
		return NewOrchestrator(Deps{
			Config:      cfg,
			Truck:       reg.Truck(truckID),
			Calibration: reg.Calibration(truckID),
			Gateway:     guarded,
			Decoder:     decoder,
			Metrics:     mets,
			Logger:      log,
		})
	}, mets, breaker, log)

	src := wialon.NewClient(cfg.Wialon, log)
	log.Info("daemon started",
		zap.Int("trucks_registered", len(reg.All())),
		zap.Duration("poll_interval", cfg.Wialon.PollInterval))
	return sched.Run(ctx, src.Run(ctx))
}
