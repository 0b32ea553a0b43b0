package kalman

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetsense/fuelwatch/config"
	"github.com/fleetsense/fuelwatch/model"
)

var testTruck = model.Truck{
	TruckID:         "T-100",
	TankCapacityGal: 120,
	BaselineMPG:     6.0,
	IsAllowed:       true,
}

// testCalib keeps the physics model close to a 12 LPH highway burn at 30%
// load so ECU cross-validation lands in the NORMAL band.
var testCalib = Calibration{BaselineLPH: 10, LoadFactor: 0.05, AltitudeFactor: 0.02}

func newTestEstimator() *Estimator {
	return New(config.Default().Kalman, testTruck, testCalib, nil)
}

func f64(v float64) *float64 { return &v }

func TestFirstSensorReadingInitializes(t *testing.T) {
	e := newTestEstimator()
	ts := time.Now()

	assert.False(t, e.Initialized())
	res := e.Update(MeasurementContext{Timestamp: ts, SensorPct: 72, Satellites: 8, Voltage: 13.8})
	assert.True(t, res.Reinitialized)
	assert.True(t, e.Initialized())
	assert.Equal(t, 72.0, e.LevelPct())
}

func TestNormalDriving(t *testing.T) {
	// Highway cruise: sensor ticks down 0.2% every 20s, ECU agrees with
	// physics. The filter should track the sensor closely with no refuel
	// candidate and NORMAL validation.
	e := newTestEstimator()
	ts := time.Now()
	e.Update(MeasurementContext{Timestamp: ts, SensorPct: 60, Satellites: 9, Voltage: 13.9})

	levels := []float64{59.8, 59.6, 59.4}
	prev := 60.0
	for i, sensor := range levels {
		ts = ts.Add(20 * time.Second)
		pr := e.Predict(PredictInput{
			Timestamp:      ts,
			RPM:            1400,
			SpeedMPH:       65,
			EngineLoadPct:  30,
			ECUFuelRateLPH: f64(12),
			Status:         model.StatusMoving,
		})
		assert.Equal(t, model.ECUNormal, pr.ECUStatus, "reading %d", i)
		assert.Less(t, pr.ECUDeviationPct, 15.0)

		ur := e.Update(MeasurementContext{Timestamp: ts, SensorPct: sensor, Satellites: 9, Voltage: 13.9, Status: model.StatusMoving})
		require.Nil(t, ur.Refuel)
		assert.False(t, ur.Reinitialized)
		assert.Less(t, ur.LevelPct, prev, "level must track the sensor down")
		prev = ur.LevelPct
	}
	assert.InDelta(t, 59.4, e.LevelPct(), 0.35)
}

func TestRPMZeroForcesZeroConsumption(t *testing.T) {
	// A parked engine burns nothing, no matter what the ECU claims. The
	// level between rpm=0 readings with no sensor update must not decrease.
	e := newTestEstimator()
	ts := time.Now()
	e.Update(MeasurementContext{Timestamp: ts, SensorPct: 70, Satellites: 8, Voltage: 13.5})

	for i := 0; i < 5; i++ {
		ts = ts.Add(30 * time.Second)
		pr := e.Predict(PredictInput{
			Timestamp:      ts,
			RPM:            0,
			ECUFuelRateLPH: f64(10), // inconsistent ECU report
			Status:         model.StatusParked,
		})
		assert.Equal(t, 0.0, pr.AppliedLPH, "iteration %d", i)
		assert.Equal(t, 70.0, pr.LevelPct, "level must hold while parked")
	}
}

func TestECUCriticalSubstitutesPhysics(t *testing.T) {
	e := newTestEstimator()
	ts := time.Now()
	e.Update(MeasurementContext{Timestamp: ts, SensorPct: 80, Satellites: 8, Voltage: 13.5})

	// physics = 10 + 0.05*30 = 11.5 LPH; ECU says 30 -> deviation >> 30%.
	pr := e.Predict(PredictInput{
		Timestamp:      ts.Add(30 * time.Second),
		RPM:            1300,
		EngineLoadPct:  30,
		ECUFuelRateLPH: f64(30),
		Status:         model.StatusMoving,
	})
	assert.Equal(t, model.ECUCritical, pr.ECUStatus)
	assert.InDelta(t, 11.5, pr.AppliedLPH, 1e-9)
}

func TestECUWarningStillUsesECU(t *testing.T) {
	e := newTestEstimator()
	ts := time.Now()
	e.Update(MeasurementContext{Timestamp: ts, SensorPct: 80, Satellites: 8, Voltage: 13.5})

	// physics 11.5, ECU 14 -> deviation ~21.7%: WARNING but ECU applied.
	pr := e.Predict(PredictInput{
		Timestamp:      ts.Add(30 * time.Second),
		RPM:            1300,
		EngineLoadPct:  30,
		ECUFuelRateLPH: f64(14),
		Status:         model.StatusMoving,
	})
	assert.Equal(t, model.ECUWarning, pr.ECUStatus)
	assert.InDelta(t, 14.0, pr.AppliedLPH, 1e-9)
}

func TestCovarianceCapTriggersReinit(t *testing.T) {
	e := newTestEstimator()
	ts := time.Now()
	e.Update(MeasurementContext{Timestamp: ts, SensorPct: 50, Satellites: 8, Voltage: 13.5})

	// Long sensor-less stretches inflate P past p_max.
	for i := 0; i < 30; i++ {
		ts = ts.Add(time.Hour)
		e.Predict(PredictInput{Timestamp: ts, RPM: 1200, EngineLoadPct: 90, Status: model.StatusMoving})
	}
	st := e.State()
	assert.LessOrEqual(t, st.LevelPct, 100.0)
	assert.GreaterOrEqual(t, st.LevelPct, 0.0)

	// Next valid sensor reading reinitializes the filter.
	res := e.Update(MeasurementContext{Timestamp: ts.Add(time.Minute), SensorPct: 35, Satellites: 8, Voltage: 13.5})
	assert.True(t, res.Reinitialized)
	assert.Equal(t, 35.0, e.LevelPct())
	assert.LessOrEqual(t, e.State().P[0]+e.State().P[3], config.Default().Kalman.PMax)
}

// settle runs quiet parked updates until the covariance reaches its
// steady-state band, so gain-clamp tests start from a trusted filter.
func settle(e *Estimator, ts time.Time, level float64) time.Time {
	for i := 0; i < 10; i++ {
		ts = ts.Add(20 * time.Second)
		e.Predict(PredictInput{Timestamp: ts, RPM: 600, Status: model.StatusParked})
		e.Update(MeasurementContext{Timestamp: ts, SensorPct: level, Satellites: 9, Voltage: 13.8, Status: model.StatusParked})
	}
	return ts
}

func TestGainClampSmoothsGlitch(t *testing.T) {
	e := newTestEstimator()
	ts := time.Now()
	e.Update(MeasurementContext{Timestamp: ts, SensorPct: 60, Satellites: 9, Voltage: 13.8})
	ts = settle(e, ts, 60)

	// One-reading 20% dip must be smoothed, not followed.
	ts = ts.Add(20 * time.Second)
	e.Predict(PredictInput{Timestamp: ts, RPM: 600, Status: model.StatusParked})
	res := e.Update(MeasurementContext{Timestamp: ts, SensorPct: 40, Satellites: 9, Voltage: 13.8, Status: model.StatusParked})
	require.Nil(t, res.Refuel)
	assert.LessOrEqual(t, res.AppliedGain, 0.35)
	assert.Greater(t, res.LevelPct, 53.0, "glitch must not drag the level down")

	// Sensor returns: the filter recovers toward 60.
	ts = ts.Add(20 * time.Second)
	e.Predict(PredictInput{Timestamp: ts, RPM: 600, Status: model.StatusParked})
	res = e.Update(MeasurementContext{Timestamp: ts, SensorPct: 60, Satellites: 9, Voltage: 13.8, Status: model.StatusParked})
	assert.Greater(t, res.LevelPct, 55.0)
}

func TestRefuelCandidateEmitted(t *testing.T) {
	e := newTestEstimator()
	ts := time.Now()
	e.Update(MeasurementContext{Timestamp: ts, SensorPct: 22, Satellites: 8, Voltage: 13.5})
	ts = settle(e, ts, 22)

	ts = ts.Add(45 * time.Minute)
	e.Predict(PredictInput{Timestamp: ts, RPM: 0, Status: model.StatusParked})
	res := e.Update(MeasurementContext{Timestamp: ts, SensorPct: 78, Satellites: 8, Voltage: 13.5, Status: model.StatusParked})

	require.NotNil(t, res.Refuel)
	assert.InDelta(t, 56, res.Refuel.JumpPct, 2)
	assert.InDelta(t, 22, res.Refuel.PredictedPct, 2)
	assert.Equal(t, 78.0, res.Refuel.SensorPct)
	// P was reset small to trust the post-refuel observations.
	assert.LessOrEqual(t, e.State().P[0], resetPLevel+1)
}

func TestResetToSnapsLevel(t *testing.T) {
	e := newTestEstimator()
	ts := time.Now()
	e.Update(MeasurementContext{Timestamp: ts, SensorPct: 22, Satellites: 8, Voltage: 13.5})

	e.ResetTo(78, ts.Add(time.Minute))
	assert.Equal(t, 78.0, e.LevelPct())
}

func TestDriftResyncBlockedWhileParked(t *testing.T) {
	e := newTestEstimator()
	ts := time.Now()
	e.Restore(model.KalmanState{
		LevelPct:          60,
		P:                 [4]float64{1, 0, 0, 0.01},
		LastTimestamp:     ts,
		InnovationHistory: []float64{-35, -35, -35, -35, -35},
		Initialized:       true,
	})

	// Sustained downward drift while parked looks like siphoning: the
	// filter must hold its estimate and raise the drift flag instead of
	// snapping to the sensor.
	res := e.Update(MeasurementContext{Timestamp: ts.Add(30 * time.Second), SensorPct: 25, Satellites: 8, Voltage: 13.5, Status: model.StatusParked})
	assert.True(t, res.DriftWarning)
	assert.False(t, res.Reinitialized)
	assert.Greater(t, e.LevelPct(), 45.0)
}

func TestDriftResyncAllowedWhileMoving(t *testing.T) {
	e := newTestEstimator()
	ts := time.Now()
	e.Restore(model.KalmanState{
		LevelPct:          60,
		P:                 [4]float64{1, 0, 0, 0.01},
		LastTimestamp:     ts,
		InnovationHistory: []float64{-35, -35, -35, -35, -35},
		Initialized:       true,
	})

	res := e.Update(MeasurementContext{Timestamp: ts.Add(30 * time.Second), SensorPct: 25, Satellites: 8, Voltage: 13.5, Status: model.StatusMoving})
	assert.True(t, res.Reinitialized)
	assert.Equal(t, 25.0, e.LevelPct())
}

func TestOutOfRangeSensorRejected(t *testing.T) {
	e := newTestEstimator()
	ts := time.Now()
	e.Update(MeasurementContext{Timestamp: ts, SensorPct: 50, Satellites: 8, Voltage: 13.5})

	for _, bad := range []float64{-3, 101, 250} {
		res := e.Update(MeasurementContext{Timestamp: ts.Add(time.Minute), SensorPct: bad})
		assert.True(t, res.Rejected, "pct=%v", bad)
		assert.Equal(t, 50.0, e.LevelPct())
	}
}

func TestThermalCorrection(t *testing.T) {
	e := newTestEstimator()
	// 90F ambient is 30F over baseline: two points of indicated expansion.
	got := e.thermalCorrect(62, f64(90))
	assert.InDelta(t, 60, got, 1e-9)
	// At or below baseline no correction applies.
	assert.Equal(t, 62.0, e.thermalCorrect(62, f64(60)))
	assert.Equal(t, 62.0, e.thermalCorrect(62, nil))
}

func TestRestoreRejectsCorruptState(t *testing.T) {
	e := newTestEstimator()
	e.Restore(model.KalmanState{LevelPct: math.NaN(), Initialized: true})
	assert.False(t, e.Initialized())
}
