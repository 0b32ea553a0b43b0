package cmd

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/fleetsense/fuelwatch/config"
	"github.com/fleetsense/fuelwatch/engine"
	"github.com/fleetsense/fuelwatch/j1939"
	"github.com/fleetsense/fuelwatch/metrics"
	"github.com/fleetsense/fuelwatch/model"
	"github.com/fleetsense/fuelwatch/registry"
	"github.com/fleetsense/fuelwatch/store"
	"github.com/fleetsense/fuelwatch/wialon"
)

// Version is set at build time via ldflags.
var Version = "1.2.0"

// cliConfig holds CLI configuration.
type cliConfig struct {
	ConfigPath string
	DaemonMode bool
	OnceMode   bool
	WatchMode  bool
	WatchCount int
	Interval   time.Duration
	DataDir    string
	Debug      bool
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `fuelwatch v%s — fleet fuel telemetry pipeline

Usage:
  fuelwatch [OPTIONS] [INTERVAL]

Modes:
  (default)         Daemon: poll Wialon, process every truck, persist
  -once             One poll cycle, then exit
  -watch            Fleet status table with auto-refresh
  -version          Print version and exit

Options:
  -config PATH      Config file (default: fuelwatch.yaml)
  -interval N       Refresh interval in seconds for -watch (default: 10)
  -count N          Number of iterations for -watch (0 = infinite)
  -datadir PATH     Data directory for the daemon PID file
  -debug            Verbose development logging

Positional:
  INTERVAL          First positional arg sets the -watch interval

Examples:
  fuelwatch -config /etc/fuelwatch.yaml
  fuelwatch -once -debug
  fuelwatch -watch 5
  fuelwatch -watch -count 1
`, Version)
}

// Run parses flags and starts the application.
func Run() error {
	var cli cliConfig
	var intervalSec int
	var showVersion bool

	flag.StringVar(&cli.ConfigPath, "config", "fuelwatch.yaml", "Config file path")
	flag.BoolVar(&cli.DaemonMode, "daemon", false, "Run the pipeline daemon (default mode)")
	flag.BoolVar(&cli.OnceMode, "once", false, "Run one poll cycle and exit")
	flag.BoolVar(&cli.WatchMode, "watch", false, "Print the fleet status table with auto-refresh")
	flag.IntVar(&cli.WatchCount, "count", 0, "Iterations for -watch (0=infinite)")
	flag.IntVar(&intervalSec, "interval", 10, "Refresh interval in seconds for -watch")
	flag.StringVar(&cli.DataDir, "datadir", "", "Data directory for the daemon PID file")
	flag.BoolVar(&cli.Debug, "debug", false, "Verbose development logging")
	flag.BoolVar(&showVersion, "version", false, "Print version and exit")

	flag.Usage = printUsage
	flag.Parse()

	if showVersion {
		fmt.Printf("fuelwatch v%s\n", Version)
		return nil
	}

	// `fuelwatch -watch 5` = `fuelwatch -watch -interval 5`
	if args := flag.Args(); len(args) > 0 {
		if n, err := strconv.Atoi(args[0]); err == nil && n > 0 {
			intervalSec = n
		}
	}
	cli.Interval = time.Duration(intervalSec) * time.Second

	log, err := buildLogger(cli.Debug)
	if err != nil {
		return err
	}
	defer log.Sync() //nolint:errcheck

	cfg, err := config.Load(cli.ConfigPath)
	if err != nil {
		return err
	}

	switch {
	case cli.OnceMode:
		return runOnce(cfg, log)
	case cli.WatchMode:
		return runWatch(cfg, cli)
	default:
		return engine.RunDaemon(engine.DaemonConfig{
			Config:  cfg,
			DataDir: cli.DataDir,
			Logger:  log,
		})
	}
}

func buildLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

// runOnce performs a single poll cycle through the full pipeline.
func runOnce(cfg config.Config, log *zap.Logger) error {
	reg, err := registry.Load(cfg.TrucksFile, cfg.CalibFile, log)
	if err != nil {
		return fmt.Errorf("load registry: %w", err)
	}
	gw, err := store.OpenPostgres(cfg.Database, cfg.Thresholds, log)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	guarded, breaker := engine.GuardGateway(gw, log)
	defer guarded.Close() //nolint:errcheck

	js, err := j1939.NewStore()
	if err != nil {
		return fmt.Errorf("load j1939 data: %w", err)
	}
	decoder := j1939.NewDecoder(js, log)
	mets := metrics.NewSet()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	readings, err := wialon.NewClient(cfg.Wialon, log).Poll(ctx)
	if err != nil {
		return fmt.Errorf("poll readings: %w", err)
	}
	log.Info("single pass", zap.Int("readings", len(readings)))

	ch := make(chan model.RawReading, len(readings)+1)
	for _, r := range readings {
		ch <- r
	}
	close(ch)

	sched := engine.NewScheduler(cfg.Scheduler, func(truckID string) *engine.Orchestrator {
		return engine.NewOrchestrator(engine.Deps{
			Config:      cfg,
			Truck:       reg.Truck(truckID),
			Calibration: reg.Calibration(truckID),
			Gateway:     guarded,
			Decoder:     decoder,
			Metrics:     mets,
			Logger:      log,
		})
	}, mets, breaker, log)
	if err := sched.Run(ctx, ch); err != nil {
		return err
	}

	// Per-truck pass summary from the in-memory rings.
	for _, id := range sched.TruckIDs() {
		h := sched.Orchestrator(id).History()
		last := h.Latest()
		if last == nil {
			continue
		}
		first := h.Get(0)
		log.Info("truck summary",
			zap.String("truck_id", id),
			zap.Int("readings", h.Len()),
			zap.Float64("kalman_fuel_pct", last.KalmanFuelPct),
			zap.Float64("level_delta_pct", last.KalmanFuelPct-first.KalmanFuelPct),
			zap.String("status", last.Status.String()))
	}
	return nil
}
