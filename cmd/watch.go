package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"go.uber.org/zap"

	"github.com/fleetsense/fuelwatch/config"
	"github.com/fleetsense/fuelwatch/store"
)

// ANSI color/style codes.
const (
	ansiReset = "\033[0m"
	ansiBold  = "\033[1m"
	ansiDim   = "\033[2m"
	ansiRed   = "\033[31m"
	ansiGrn   = "\033[32m"
	ansiYel   = "\033[33m"
)

// runWatch prints the fleet status table on the configured interval,
// reading the per-truck latest view from the store.
func runWatch(cfg config.Config, cli cliConfig) error {
	gw, err := store.OpenPostgres(cfg.Database, cfg.Thresholds, zap.NewNop())
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer gw.Close() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	for i := 0; ; i++ {
		if err := printFleet(ctx, gw); err != nil {
			return err
		}
		if cli.WatchCount > 0 && i+1 >= cli.WatchCount {
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(cli.Interval):
		}
	}
}

func printFleet(ctx context.Context, gw *store.Postgres) error {
	views, err := gw.LatestAll(ctx)
	if err != nil {
		return fmt.Errorf("read fleet status: %w", err)
	}

	fmt.Printf("%sfuelwatch fleet — %s — %d trucks%s\n",
		ansiBold, time.Now().Format("15:04:05"), len(views), ansiReset)

	w := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TRUCK\tFUEL%\tMPG\tSTATUS\tSPEED\tCONF\tUPDATED")
	for _, v := range views {
		age := time.Since(v.Timestamp).Round(time.Second)
		fmt.Fprintf(w, "%s\t%.1f\t%.1f\t%s\t%.0f\t%s\t%s\n",
			v.TruckID, v.KalmanFuelPct, v.MPGEMA,
			colorStatus(v.Status, age), v.SpeedMPH,
			colorConfidence(v.ConfidenceLevel),
			fmt.Sprintf("%s ago", age))
	}
	if err := w.Flush(); err != nil {
		return err
	}
	fmt.Println()
	return nil
}

func colorStatus(status string, age time.Duration) string {
	if age > 10*time.Minute {
		return ansiDim + "STALE" + ansiReset
	}
	switch status {
	case "MOVING":
		return ansiGrn + status + ansiReset
	case "IDLE":
		return ansiYel + status + ansiReset
	}
	return status
}

func colorConfidence(level string) string {
	switch level {
	case "HIGH":
		return ansiGrn + level + ansiReset
	case "MEDIUM":
		return level
	case "LOW":
		return ansiYel + level + ansiReset
	}
	return ansiRed + level + ansiReset
}
