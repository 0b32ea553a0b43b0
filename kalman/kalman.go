package kalman

import (
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/fleetsense/fuelwatch/config"
	"github.com/fleetsense/fuelwatch/model"
	"github.com/fleetsense/fuelwatch/util"
)

const (
	minDt = 1 * time.Second
	maxDt = 3600 * time.Second

	// Level variance after a refuel candidate or reinitialization: small
	// enough to trust the next observations. Rate variance stays tiny
	// because the rate state is control-driven.
	resetPLevel = 5.0
	resetPRate  = 0.01

	innovationHistoryCap = 10
)

// Estimator is the per-truck extended Kalman filter over fuel level.
// State vector: [level %, rate %/s]; covariance P is 2x2 row-major.
// Not safe for concurrent use; each truck worker owns exactly one.
type Estimator struct {
	cfg   config.KalmanConfig
	truck model.Truck
	calib Calibration
	log   *zap.Logger

	st           model.KalmanState
	needsReinit  bool
	lastAltitude float64
	hasAltitude  bool
}

// PredictInput carries the per-reading signals the predict step consumes.
type PredictInput struct {
	Timestamp      time.Time
	RPM            float64
	SpeedMPH       float64
	EngineLoadPct  float64
	ECUFuelRateLPH *float64
	AltitudeM      *float64
	Status         model.TruckStatus
}

// PredictResult reports the predicted level and the ECU cross-validation
// outcome for the metric row.
type PredictResult struct {
	LevelPct        float64
	AppliedLPH      float64
	ECUStatus       model.ECUValidationStatus
	ECUDeviationPct float64
}

// MeasurementContext carries the signals that shape measurement noise for
// one sensor update.
type MeasurementContext struct {
	Timestamp          time.Time
	SensorPct          float64
	Satellites         int
	Voltage            float64
	AmbientTempF       *float64
	Status             model.TruckStatus
	InRefuelWindow     bool
	SensorNoiseFactor  float64 // >= 1 from the health monitor; 0 means 1
	RefuelJumpPct      float64 // adaptive threshold; 0 means config default
}

// RefuelCandidate is an estimator-level refuel observation handed to the
// classifier for confirmation. The estimator never persists events itself.
type RefuelCandidate struct {
	Timestamp    time.Time
	PredictedPct float64
	SensorPct    float64
	JumpPct      float64
}

// UpdateResult reports the outcome of one measurement update.
type UpdateResult struct {
	LevelPct      float64
	InnovationPct float64
	AppliedGain   float64
	Rejected      bool
	DriftWarning  bool
	Reinitialized bool
	Refuel        *RefuelCandidate
}

// New creates an estimator for one truck. The state starts uninitialized
// and locks onto the first valid sensor reading.
func New(cfg config.KalmanConfig, truck model.Truck, calib Calibration, log *zap.Logger) *Estimator {
	if log == nil {
		log = zap.NewNop()
	}
	return &Estimator{
		cfg:   cfg,
		truck: truck,
		calib: calib,
		log:   log.Named("kalman").With(zap.String("truck_id", truck.TruckID)),
	}
}

// Restore primes the estimator from a persisted snapshot.
func (e *Estimator) Restore(st model.KalmanState) {
	if !util.IsFinite(st.LevelPct) || !util.IsFinite(st.P[0]) {
		e.log.Error("corrupt kalman state, starting cold")
		return
	}
	e.st = st
}

// State returns a copy of the current persisted state.
func (e *Estimator) State() model.KalmanState {
	return e.st
}

// LevelPct returns the current filtered level.
func (e *Estimator) LevelPct() float64 {
	return e.st.LevelPct
}

// Initialized reports whether the filter has locked onto a sensor value.
func (e *Estimator) Initialized() bool {
	return e.st.Initialized
}

// Predict advances the state by the model. Called for every reading,
// with or without a sensor value.
func (e *Estimator) Predict(in PredictInput) PredictResult {
	res := PredictResult{ECUStatus: model.ECUNotAvailable}

	if !e.st.Initialized {
		e.st.LastTimestamp = in.Timestamp
		res.LevelPct = e.st.LevelPct
		return res
	}

	dt := util.ClampDuration(in.Timestamp.Sub(e.st.LastTimestamp), minDt, maxDt).Seconds()

	lph, status, deviation := e.consumptionLPH(in)
	res.AppliedLPH = lph
	res.ECUStatus = status
	res.ECUDeviationPct = deviation

	// LPH -> %/s through tank capacity.
	consPctPerSec := 0.0
	if liters := e.truck.TankCapacityLiters(); liters > 0 {
		consPctPerSec = lph / liters / 3600 * 100
	}

	// x <- F x + B u: the rate state is pinned to the control input each
	// step (near-random walk in covariance only), the level integrates it.
	e.st.RatePctPerSec = -consPctPerSec
	e.st.LevelPct += e.st.RatePctPerSec * dt

	// With the rate control-pinned the states decorrelate, so P propagates
	// per dimension. Q accumulates per minute of elapsed time.
	dtMin := dt / 60
	qLevel, qRate := e.processNoise(in)
	e.st.P[0] += qLevel * dtMin
	e.st.P[1] = 0
	e.st.P[2] = 0
	e.st.P[3] += qRate * dtMin

	e.st.LevelPct = util.Clamp(e.st.LevelPct, 0, 100)
	e.st.LastTimestamp = in.Timestamp

	if !util.IsFinite(e.st.LevelPct) || !util.IsFinite(e.st.P[0]) {
		e.log.Error("numerical degeneracy in predict, reinitializing")
		e.scheduleReinit()
	} else if e.st.P[0]+e.st.P[3] > e.cfg.PMax {
		e.log.Warn("covariance exceeded p_max, reinitializing from next sensor",
			zap.Float64("p_trace", e.st.P[0]+e.st.P[3]))
		e.scheduleReinit()
	}

	res.LevelPct = e.st.LevelPct
	return res
}

// consumptionLPH resolves the consumption to apply this step, cross
// validating the ECU report against engine state and the physics model.
func (e *Estimator) consumptionLPH(in PredictInput) (float64, model.ECUValidationStatus, float64) {
	// RPM=0 overrides everything: a parked engine burns nothing.
	if in.RPM == 0 {
		if in.ECUFuelRateLPH != nil && *in.ECUFuelRateLPH > 0 {
			e.log.Warn("ecu reports consumption with rpm=0, forcing zero",
				zap.Float64("ecu_lph", *in.ECUFuelRateLPH))
		}
		return 0, model.ECUNotAvailable, 0
	}

	physics := e.physicsLPH(in)

	if in.ECUFuelRateLPH == nil {
		return physics, model.ECUNotAvailable, 0
	}

	ecu := util.Clamp(*in.ECUFuelRateLPH, 0, e.cfg.MaxConsumptionLPH)
	if physics <= 0 {
		return ecu, model.ECUNormal, 0
	}

	deviation := (ecu - physics) / physics * 100
	if deviation < 0 {
		deviation = -deviation
	}
	switch {
	case deviation >= 30:
		// The ECU disagrees too hard with physics: substitute the model.
		return physics, model.ECUCritical, deviation
	case deviation >= 15:
		return ecu, model.ECUWarning, deviation
	}
	return ecu, model.ECUNormal, deviation
}

// physicsLPH is the calibrated consumption model:
// baseline + load_factor*load + altitude_factor*climb_rate, clamped.
func (e *Estimator) physicsLPH(in PredictInput) float64 {
	lph := e.calib.BaselineLPH + e.calib.LoadFactor*in.EngineLoadPct

	if in.AltitudeM != nil {
		if e.hasAltitude {
			climb := *in.AltitudeM - e.lastAltitude
			if climb > 0 {
				lph += e.calib.AltitudeFactor * climb
			}
		}
		e.lastAltitude = *in.AltitudeM
		e.hasAltitude = true
	}

	return util.Clamp(lph, 0, e.cfg.MaxConsumptionLPH)
}

func (e *Estimator) processNoise(in PredictInput) (qLevel, qRate float64) {
	qLevel = e.cfg.QLevelStatic
	switch in.Status {
	case model.StatusMoving:
		qLevel = e.cfg.QLevelMoving
	case model.StatusParked:
		qLevel *= 0.5
	}
	if in.EngineLoadPct > 80 {
		qLevel *= 1.5
	}
	return qLevel, e.cfg.QRate
}

// Update folds one sensor measurement into the state.
func (e *Estimator) Update(ctx MeasurementContext) UpdateResult {
	res := UpdateResult{LevelPct: e.st.LevelPct}

	sensor := ctx.SensorPct
	if sensor < 0 || sensor > 100 {
		e.log.Warn("sensor reading out of range, rejected", zap.Float64("pct", sensor))
		res.Rejected = true
		return res
	}

	sensor = e.thermalCorrect(sensor, ctx.AmbientTempF)

	if !e.st.Initialized || e.needsReinit {
		e.reinitFrom(sensor, ctx.Timestamp)
		res.LevelPct = e.st.LevelPct
		res.Reinitialized = true
		return res
	}

	// Refuel candidate check runs before the update so the jump is not
	// smoothed away.
	jumpThreshold := ctx.RefuelJumpPct
	if jumpThreshold <= 0 {
		jumpThreshold = e.cfg.RefuelJumpThresholdPct
	}
	if jump := sensor - e.st.LevelPct; jump > jumpThreshold {
		res.Refuel = &RefuelCandidate{
			Timestamp:    ctx.Timestamp,
			PredictedPct: e.st.LevelPct,
			SensorPct:    sensor,
			JumpPct:      jump,
		}
		e.st.P = [4]float64{resetPLevel, 0, 0, resetPRate}
	}

	r := e.measurementNoise(ctx)
	innovation := sensor - e.st.LevelPct
	res.InnovationPct = innovation

	// Drift guard: sustained large innovation triggers resync, except
	// downward drift while parked, which is how siphoning looks.
	e.pushInnovation(innovation)
	if drift := util.Mean(e.absInnovations()); drift > e.cfg.EmergencyDriftPct &&
		len(e.st.InnovationHistory) >= innovationHistoryCap/2 {
		downward := util.Mean(e.st.InnovationHistory) < 0
		if downward && ctx.Status == model.StatusParked {
			if !e.st.DriftWarning {
				e.log.Warn("downward drift while parked, resync blocked",
					zap.Float64("mean_abs_innovation", drift))
			}
			e.st.DriftWarning = true
			res.DriftWarning = true
		} else {
			e.log.Warn("emergency drift, resyncing to sensor",
				zap.Float64("mean_abs_innovation", drift))
			e.reinitFrom(sensor, ctx.Timestamp)
			res.LevelPct = e.st.LevelPct
			res.Reinitialized = true
			return res
		}
	} else {
		e.st.DriftWarning = false
	}

	// Kalman gain with dynamic clamp. H = [1 0].
	p00 := e.st.P[0]
	s := p00 + r
	if s <= 0 {
		e.log.Error("non-positive innovation covariance, reinitializing")
		e.reinitFrom(sensor, ctx.Timestamp)
		res.LevelPct = e.st.LevelPct
		res.Reinitialized = true
		return res
	}
	k0 := p00 / s
	k1 := e.st.P[2] / s

	kMax := e.cfg.KMaxLow
	switch {
	case p00 > 5:
		kMax = e.cfg.KMaxHigh
	case p00 > 2:
		kMax = e.cfg.KMaxMid
	}
	expectedNoise := math.Sqrt(r)
	if math.Abs(innovation) > 3*expectedNoise {
		kMax = math.Min(kMax*e.cfg.InnovationBoostFactor, e.cfg.InnovationBoostCap)
	}
	if k0 > kMax {
		scale := kMax / k0
		k0 = kMax
		k1 *= scale
	}
	res.AppliedGain = k0

	e.st.LevelPct += k0 * innovation
	e.st.RatePctPerSec += k1 * innovation
	e.st.LevelPct = util.Clamp(e.st.LevelPct, 0, 100)

	// P <- (I - K H) P.
	p00n := (1 - k0) * e.st.P[0]
	p01n := (1 - k0) * e.st.P[1]
	p10n := e.st.P[2] - k1*e.st.P[0]
	p11n := e.st.P[3] - k1*e.st.P[1]
	e.st.P = [4]float64{p00n, p01n, p10n, p11n}

	if !util.IsFinite(e.st.LevelPct) {
		e.log.Error("numerical degeneracy in update, reinitializing")
		e.reinitFrom(sensor, ctx.Timestamp)
		res.Reinitialized = true
	}

	e.st.LastLevelPct = sensor
	res.LevelPct = e.st.LevelPct
	return res
}

// ResetTo snaps the filter to a known level with a small covariance.
// Called by the orchestrator when the classifier confirms a refuel.
func (e *Estimator) ResetTo(levelPct float64, ts time.Time) {
	e.reinitFrom(util.Clamp(levelPct, 0, 100), ts)
}

func (e *Estimator) reinitFrom(sensor float64, ts time.Time) {
	e.st.LevelPct = sensor
	e.st.RatePctPerSec = 0
	e.st.P = [4]float64{resetPLevel, 0, 0, resetPRate}
	e.st.LastTimestamp = ts
	e.st.LastLevelPct = sensor
	e.st.InnovationHistory = nil
	e.st.Initialized = true
	e.st.DriftWarning = false
	e.needsReinit = false
}

func (e *Estimator) scheduleReinit() {
	e.needsReinit = true
}

// measurementNoise adapts R to GPS quality, supply voltage, refuel windows
// and sensor health.
func (e *Estimator) measurementNoise(ctx MeasurementContext) float64 {
	r := e.cfg.BaseMeasurementNoise
	switch {
	case ctx.Satellites < 3:
		r *= 3
	case ctx.Satellites < 5:
		r *= 1.5
	}
	switch {
	case ctx.Voltage > 0 && ctx.Voltage < 12.0:
		r *= 2
	case ctx.Voltage > 0 && ctx.Voltage < 12.5:
		r *= 1.3
	}
	if ctx.InRefuelWindow {
		r *= 0.5
	}
	if ctx.SensorNoiseFactor > 1 {
		r *= ctx.SensorNoiseFactor
	}
	return r
}

// thermalCorrect compensates diesel thermal expansion: roughly 1% of
// indicated level per 15F above the 60F calibration baseline.
func (e *Estimator) thermalCorrect(sensor float64, ambientF *float64) float64 {
	if ambientF == nil || *ambientF <= 60 {
		return sensor
	}
	corrected := sensor - (*ambientF-60)/15
	return util.Clamp(corrected, 0, 100)
}

func (e *Estimator) pushInnovation(v float64) {
	e.st.InnovationHistory = append(e.st.InnovationHistory, v)
	if len(e.st.InnovationHistory) > innovationHistoryCap {
		e.st.InnovationHistory = e.st.InnovationHistory[len(e.st.InnovationHistory)-innovationHistoryCap:]
	}
}

func (e *Estimator) absInnovations() []float64 {
	out := make([]float64, len(e.st.InnovationHistory))
	for i, v := range e.st.InnovationHistory {
		out[i] = math.Abs(v)
	}
	return out
}
