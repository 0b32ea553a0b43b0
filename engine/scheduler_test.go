package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetsense/fuelwatch/config"
	"github.com/fleetsense/fuelwatch/kalman"
	"github.com/fleetsense/fuelwatch/model"
	"github.com/fleetsense/fuelwatch/store"
)

func testFactory(cfg config.Config, st store.Gateway) func(string) *Orchestrator {
	return func(truckID string) *Orchestrator {
		return NewOrchestrator(Deps{
			Config:      cfg,
			Truck:       testTruck(truckID),
			Calibration: kalman.DefaultCalibration(),
			Gateway:     st,
		})
	}
}

func fleetReading(truckID string, ts time.Time, level float64) model.RawReading {
	r := parkedReading(ts, level)
	r.TruckID = truckID
	return r
}

func TestSchedulerFansOutAndSnapshotsOnDrain(t *testing.T) {
	st := store.NewMemory(5 * time.Minute)
	cfg := config.Default()
	s := NewScheduler(cfg.Scheduler, testFactory(cfg, st), nil, nil, nil)

	t0 := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
	ch := make(chan model.RawReading, 16)
	ch <- fleetReading("T-1", t0, 60)
	ch <- fleetReading("T-2", t0, 40)
	ch <- fleetReading("T-1", t0.Add(time.Minute), 59.9)
	ch <- fleetReading("T-2", t0.Add(time.Minute), 39.9)
	ch <- fleetReading("T-1", t0.Add(2*time.Minute), 59.8)
	close(ch)

	require.NoError(t, s.Run(context.Background(), ch))

	assert.Len(t, st.Metrics(), 5)
	ctx := context.Background()
	for _, id := range []string{"T-1", "T-2"} {
		snap, err := st.LoadSnapshot(ctx, id)
		require.NoError(t, err, "every truck snapshots on shutdown")
		assert.Equal(t, id, snap.TruckID)
		require.NotNil(t, snap.Kalman)
		assert.True(t, snap.Kalman.Initialized)
	}

	// The rings stay readable for the single-pass summary.
	assert.Equal(t, []string{"T-1", "T-2"}, s.TruckIDs())
	h := s.Orchestrator("T-1").History()
	assert.Equal(t, 3, h.Len())
	require.NotNil(t, h.Latest())
	assert.InDelta(t, 59.8, h.Latest().KalmanFuelPct, 0.5)
	assert.InDelta(t, 60, h.Get(0).KalmanFuelPct, 0.5)
}

func TestSchedulerDropsOutOfOrderAtEnqueue(t *testing.T) {
	st := store.NewMemory(5 * time.Minute)
	cfg := config.Default()
	s := NewScheduler(cfg.Scheduler, testFactory(cfg, st), nil, nil, nil)

	t0 := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
	ch := make(chan model.RawReading, 16)
	ch <- fleetReading("T-1", t0.Add(time.Minute), 60)
	ch <- fleetReading("T-1", t0, 55)                  // late
	ch <- fleetReading("T-1", t0.Add(time.Minute), 55) // duplicate
	ch <- fleetReading("T-1", t0.Add(2*time.Minute), 59.9)
	close(ch)

	require.NoError(t, s.Run(context.Background(), ch))
	assert.Len(t, st.Metrics(), 2)
}

func TestSchedulerWorkerLimit(t *testing.T) {
	st := store.NewMemory(5 * time.Minute)
	cfg := config.Default()
	cfg.Scheduler.MaxWorkers = 1
	s := NewScheduler(cfg.Scheduler, testFactory(cfg, st), nil, nil, nil)

	t0 := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
	ch := make(chan model.RawReading, 16)
	ch <- fleetReading("T-1", t0, 60)
	ch <- fleetReading("T-2", t0, 40)
	ch <- fleetReading("T-1", t0.Add(time.Minute), 59.9)
	close(ch)

	require.NoError(t, s.Run(context.Background(), ch))

	require.Len(t, st.Metrics(), 2)
	_, err := st.LoadSnapshot(context.Background(), "T-2")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestSchedulerStopsOnCancel(t *testing.T) {
	st := store.NewMemory(5 * time.Minute)
	cfg := config.Default()
	s := NewScheduler(cfg.Scheduler, testFactory(cfg, st), nil, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan model.RawReading)
	done := make(chan struct{})
	go func() {
		s.Run(ctx, ch)
		close(done)
	}()

	t0 := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
	ch <- fleetReading("T-1", t0, 60)
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not stop after cancellation")
	}
	assert.Len(t, st.Metrics(), 1)
}
