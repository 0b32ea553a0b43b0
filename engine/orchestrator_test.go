package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetsense/fuelwatch/config"
	"github.com/fleetsense/fuelwatch/j1939"
	"github.com/fleetsense/fuelwatch/kalman"
	"github.com/fleetsense/fuelwatch/model"
	"github.com/fleetsense/fuelwatch/store"
)

func testTruck(id string) model.Truck {
	return model.Truck{
		TruckID:         id,
		TankCapacityGal: 120,
		BaselineMPG:     6.0,
		RefuelFactor:    1.0,
		IsAllowed:       true,
	}
}

func newTestOrchestrator(t *testing.T, st store.Gateway, mutate func(*config.Config)) *Orchestrator {
	t.Helper()
	cfg := config.Default()
	if mutate != nil {
		mutate(&cfg)
	}
	return NewOrchestrator(Deps{
		Config:      cfg,
		Truck:       testTruck("T-1"),
		Calibration: kalman.DefaultCalibration(),
		Gateway:     st,
	})
}

func parkedReading(ts time.Time, level float64) model.RawReading {
	l := level
	return model.RawReading{
		TruckID:        "T-1",
		Timestamp:      ts,
		FuelLevelPct:   &l,
		BatteryVoltage: 13.8,
		GPSSatellites:  8,
	}
}

func TestProcessPersistsMetricRows(t *testing.T) {
	st := store.NewMemory(5 * time.Minute)
	o := newTestOrchestrator(t, st, nil)
	ctx := context.Background()
	t0 := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

	for i, level := range []float64{60, 59.9, 59.8} {
		o.Process(ctx, parkedReading(t0.Add(time.Duration(i)*time.Minute), level))
	}

	require.Len(t, st.Metrics(), 3)
	latest, ok := st.Latest("T-1")
	require.True(t, ok)
	assert.Equal(t, model.StatusParked, latest.Status)
	assert.InDelta(t, 59.8, latest.KalmanFuelPct, 0.5)
	assert.GreaterOrEqual(t, latest.ConfidenceScore, 80.0)
	assert.Equal(t, model.ConfidenceHigh, latest.ConfidenceLevel)
	assert.True(t, latest.IsAllowed)
	assert.Equal(t, 3, o.History().Len())
}

func TestOutOfOrderReadingDropped(t *testing.T) {
	st := store.NewMemory(5 * time.Minute)
	o := newTestOrchestrator(t, st, nil)
	ctx := context.Background()
	t0 := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

	o.Process(ctx, parkedReading(t0.Add(2*time.Minute), 60))
	o.Process(ctx, parkedReading(t0, 55))                    // earlier
	o.Process(ctx, parkedReading(t0.Add(2*time.Minute), 55)) // duplicate timestamp

	assert.Len(t, st.Metrics(), 1)
}

func TestMissingSensorInterpolates(t *testing.T) {
	st := store.NewMemory(5 * time.Minute)
	o := newTestOrchestrator(t, st, nil)
	ctx := context.Background()
	t0 := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

	o.Process(ctx, parkedReading(t0, 60))
	o.Process(ctx, model.RawReading{
		TruckID:        "T-1",
		Timestamp:      t0.Add(time.Minute),
		BatteryVoltage: 13.8,
		GPSSatellites:  8,
	})

	rows := st.Metrics()
	require.Len(t, rows, 2)
	var interp *model.FuelMetric
	for i := range rows {
		if rows[i].IsInterpolated {
			interp = &rows[i]
		}
	}
	require.NotNil(t, interp)
	assert.Nil(t, interp.SensorFuelPct)
	assert.InDelta(t, 60, interp.KalmanFuelPct, 0.5, "parked with rpm=0 holds level")
	assert.Less(t, interp.ConfidenceScore, 80.0)
}

func TestRefuelFlow(t *testing.T) {
	st := store.NewMemory(5 * time.Minute)
	o := newTestOrchestrator(t, st, nil)
	ctx := context.Background()
	t0 := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

	o.Process(ctx, parkedReading(t0, 22))
	o.Process(ctx, parkedReading(t0.Add(time.Minute), 22))
	// The driver fuels up during a 45 min silence while the unit is off.
	o.Process(ctx, parkedReading(t0.Add(46*time.Minute), 78))

	refuels := st.Refuels()
	require.Len(t, refuels, 1)
	ev := refuels[0]
	assert.InDelta(t, 67.2, ev.GallonsAdded, 0.5)
	assert.Equal(t, model.DetectBoth, ev.Method)
	assert.GreaterOrEqual(t, ev.Confidence, 0.8)
	assert.InDelta(t, 22, ev.FuelBeforePct, 0.5)
	assert.InDelta(t, 78, ev.FuelAfterPct, 0.5)

	latest, ok := st.Latest("T-1")
	require.True(t, ok)
	assert.InDelta(t, 78, latest.KalmanFuelPct, 0.5, "filter resets to the confirmed level")
	assert.Empty(t, st.Thefts())
}

func TestRefuelSpikeAcrossShortGapRejected(t *testing.T) {
	st := store.NewMemory(5 * time.Minute)
	o := newTestOrchestrator(t, st, nil)
	ctx := context.Background()
	t0 := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

	// A refuel-sized jump across one 30 s poll gap is a sensor spike; no
	// pump fills 18 gallons in half a minute.
	o.Process(ctx, parkedReading(t0, 40))
	o.Process(ctx, parkedReading(t0.Add(30*time.Second), 55))

	assert.Empty(t, st.Refuels())
	latest, ok := st.Latest("T-1")
	require.True(t, ok)
	assert.Less(t, latest.KalmanFuelPct, 50.0, "gain clamp keeps the filter off the spike")
}

func TestTheftFlowWhileParked(t *testing.T) {
	st := store.NewMemory(5 * time.Minute)
	o := newTestOrchestrator(t, st, nil)
	ctx := context.Background()
	night := time.Date(2026, 3, 2, 2, 0, 0, 0, time.UTC) // Monday 02:00

	levels := []float64{70, 65, 60, 55, 50, 50}
	for i, level := range levels {
		r := parkedReading(night.Add(time.Duration(i*5)*time.Minute), level)
		r.GPSSatellites = 0 // no fix overnight
		o.Process(ctx, r)
	}

	thefts := st.Thefts()
	require.Len(t, thefts, 1)
	ev := thefts[0]
	assert.Equal(t, model.TheftConfirmed, ev.Classification)
	assert.InDelta(t, 20, ev.DropPct, 0.01)
	assert.InDelta(t, 24, ev.FuelDropGal, 0.01)
	assert.GreaterOrEqual(t, ev.Confidence, 85.0)
	assert.Equal(t, 30.0, ev.Factors.Movement)
	assert.Empty(t, st.Refuels())
}

func TestDTCFlow(t *testing.T) {
	js, err := j1939.NewStore()
	require.NoError(t, err)

	st := store.NewMemory(5 * time.Minute)
	cfg := config.Default()
	o := NewOrchestrator(Deps{
		Config:      cfg,
		Truck:       testTruck("T-1"),
		Calibration: kalman.DefaultCalibration(),
		Gateway:     st,
		Decoder:     j1939.NewDecoder(js, nil),
	})
	ctx := context.Background()
	t0 := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

	raw := "100.1,110.0"
	r := parkedReading(t0, 60)
	r.DTCString = &raw
	o.Process(ctx, r)

	dtcs := st.DTCs()
	require.Len(t, dtcs, 2)
	assert.Equal(t, "100-1", dtcs[0].DTCCode)
	assert.Equal(t, model.DTCNew, dtcs[0].Status)

	// Same string again: still one unresolved row per code.
	r2 := parkedReading(t0.Add(time.Minute), 60)
	r2.DTCString = &raw
	o.Process(ctx, r2)
	assert.Len(t, st.DTCs(), 2)
}

func TestSnapshotCadenceAndWarmRestore(t *testing.T) {
	st := store.NewMemory(5 * time.Minute)
	o := newTestOrchestrator(t, st, func(c *config.Config) {
		c.Scheduler.SnapshotIntervalReadings = 2
	})
	ctx := context.Background()
	t0 := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

	r1 := parkedReading(t0, 60)
	odo1 := 5000.0
	r1.OdometerMi = &odo1
	o.Process(ctx, r1)
	_, err := st.LoadSnapshot(ctx, "T-1")
	assert.ErrorIs(t, err, store.ErrNotFound)

	r2 := parkedReading(t0.Add(time.Minute), 60)
	odo2 := 5000.4
	r2.OdometerMi = &odo2
	o.Process(ctx, r2)
	snap, err := st.LoadSnapshot(ctx, "T-1")
	require.NoError(t, err)
	require.NotNil(t, snap.Kalman)
	assert.True(t, snap.Kalman.Initialized)
	assert.InDelta(t, 60, snap.Kalman.LevelPct, 0.5)
	assert.Equal(t, 5000.4, snap.Kalman.LastOdometerMi, "mpg odometer baseline rides in the snapshot")

	// A new orchestrator warm-starts from the snapshot.
	o2 := newTestOrchestrator(t, st, nil)
	o2.Warm(ctx)
	o2.Process(ctx, model.RawReading{
		TruckID:        "T-1",
		Timestamp:      t0.Add(2 * time.Minute),
		BatteryVoltage: 13.8,
		GPSSatellites:  8,
	})
	latest, ok := st.Latest("T-1")
	require.True(t, ok)
	assert.InDelta(t, 60, latest.KalmanFuelPct, 0.5)
	assert.True(t, latest.IsInterpolated)
}

func TestWarmArchivesVersionMismatch(t *testing.T) {
	st := store.NewMemory(5 * time.Minute)
	ctx := context.Background()
	require.NoError(t, st.SaveSnapshot(ctx, model.TruckSnapshot{
		Version: model.SnapshotVersion + 1,
		TruckID: "T-1",
		SavedAt: time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC),
	}))

	o := newTestOrchestrator(t, st, nil)
	o.Warm(ctx)

	// The unreadable snapshot is gone so the next restart starts cold
	// instead of failing on it again.
	_, err := st.LoadSnapshot(ctx, "T-1")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestStatusDerivation(t *testing.T) {
	st := store.NewMemory(5 * time.Minute)
	o := newTestOrchestrator(t, st, nil)
	ctx := context.Background()
	t0 := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

	r := parkedReading(t0, 60)
	r.SpeedMPH = 55
	r.RPM = 1500
	o.Process(ctx, r)

	// rpm=0 but the truck moved less than a minute ago: still settling.
	settling := parkedReading(t0.Add(30*time.Second), 60)
	o.Process(ctx, settling)

	idle := parkedReading(t0.Add(2*time.Minute), 60)
	idle.RPM = 700
	o.Process(ctx, idle)

	parked := parkedReading(t0.Add(5*time.Minute), 60)
	o.Process(ctx, parked)

	rows := st.Metrics()
	byTS := make(map[time.Time]model.TruckStatus, len(rows))
	for _, m := range rows {
		byTS[m.Timestamp] = m.Status
	}
	assert.Equal(t, model.StatusMoving, byTS[t0])
	assert.Equal(t, model.StatusIdle, byTS[t0.Add(30*time.Second)])
	assert.Equal(t, model.StatusIdle, byTS[t0.Add(2*time.Minute)])
	assert.Equal(t, model.StatusParked, byTS[t0.Add(5*time.Minute)])
}
