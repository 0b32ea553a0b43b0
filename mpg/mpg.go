package mpg

import (
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/fleetsense/fuelwatch/config"
	"github.com/fleetsense/fuelwatch/model"
	"github.com/fleetsense/fuelwatch/util"
)

const (
	// Fraction of tank capacity treated as one sigma of sensor noise when
	// gating a window on fuel signal strength.
	noiseFracOfCapacity = 0.02

	// Energy deficit of pure biodiesel relative to diesel #2. The blend
	// fraction scales it when normalizing gallons to diesel-equivalent.
	biodieselEnergyDeficit = 0.09

	rawHistoryCap = 100
)

// Engine is the per-truck fuel-efficiency accumulator. It collects distance
// and fuel deltas until a window gate opens, derives a raw MPG, runs it
// through the outlier filters and folds the survivor into the EMA.
// Not safe for concurrent use; each truck worker owns exactly one.
type Engine struct {
	cfg   config.MPGConfig
	truck model.Truck
	log   *zap.Logger

	st model.MPGState

	lastOdometer  float64
	hasOdometer   bool
	lastECUGal    float64
	hasECUGal     bool
	lastLevelPct  float64
	hasLevel      bool
	lastTimestamp time.Time
}

// Input carries the per-reading signals the engine consumes. KalmanLevelPct
// is the filtered level, used as the fuel-delta fallback when the ECU
// counter is absent.
type Input struct {
	Timestamp      time.Time
	SpeedMPH       float64
	OdometerMi     *float64
	ECUFuelUsedGal *float64
	KalmanLevelPct float64
	KalmanReady    bool
	InRefuelWindow bool
}

// Result is the engine's view after one reading. EMA and SNR reflect the
// running state; WindowClosed marks readings where a new instant MPG landed.
type Result struct {
	InstantMPG   float64
	EMAMPG       float64
	SNR          float64
	Status       model.SNRStatus
	WindowClosed bool
}

// New creates an engine for one truck.
func New(cfg config.MPGConfig, truck model.Truck, log *zap.Logger) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{
		cfg:   cfg,
		truck: truck,
		log:   log.Named("mpg").With(zap.String("truck_id", truck.TruckID)),
	}
}

// Restore primes the engine from a persisted snapshot. The counter
// baselines travel in the Kalman snapshot; see PrimeBaselines.
func (m *Engine) Restore(st model.MPGState) {
	if !util.IsFinite(st.EMAMPG) || st.DistanceAccumMi < 0 || st.FuelAccumGal < 0 {
		m.log.Error("corrupt mpg state, starting cold")
		return
	}
	m.st = st
}

// Baselines reports the odometer and ECU counter baselines for snapshot
// persistence. Zero means the counter has not been seen yet.
func (m *Engine) Baselines() (odometerMi, ecuFuelGal float64) {
	if m.hasOdometer {
		odometerMi = m.lastOdometer
	}
	if m.hasECUGal {
		ecuFuelGal = m.lastECUGal
	}
	return odometerMi, ecuFuelGal
}

// PrimeBaselines seeds the counter baselines after a warm start so the
// first post-restart deltas are not lost to re-priming.
func (m *Engine) PrimeBaselines(odometerMi, ecuFuelGal float64) {
	if odometerMi > 0 {
		m.lastOdometer = odometerMi
		m.hasOdometer = true
	}
	if ecuFuelGal > 0 {
		m.lastECUGal = ecuFuelGal
		m.hasECUGal = true
	}
}

// State returns a copy of the current persisted state.
func (m *Engine) State() model.MPGState {
	return m.st
}

// Update folds one reading into the accumulators and evaluates the window.
func (m *Engine) Update(in Input) Result {
	m.accumulate(in)
	m.st.LastUpdate = in.Timestamp

	res := Result{
		InstantMPG: m.st.InstantMPG,
		EMAMPG:     m.st.EMAMPG,
		SNR:        m.snr(),
	}

	if in.SpeedMPH < m.cfg.MinSpeedMPH {
		res.Status = model.SNRIdle
		return res
	}

	if m.st.DistanceAccumMi >= m.cfg.MinMiles || m.st.FuelAccumGal >= m.cfg.MinFuelGal {
		res.WindowClosed = m.closeWindow()
		res.InstantMPG = m.st.InstantMPG
		res.EMAMPG = m.st.EMAMPG
		res.SNR = m.snr()
	}

	res.Status = m.snrStatus(res.SNR)
	return res
}

// accumulate adds this reading's distance and fuel deltas. Odometer and ECU
// counter deltas treat rollover as zero; the speed and Kalman fallbacks
// cover units that do not report the counters.
func (m *Engine) accumulate(in Input) {
	if in.OdometerMi != nil {
		if m.hasOdometer {
			m.st.DistanceAccumMi += util.Delta(m.lastOdometer, *in.OdometerMi)
		}
		m.lastOdometer = *in.OdometerMi
		m.hasOdometer = true
	} else if !m.lastTimestamp.IsZero() && in.SpeedMPH >= m.cfg.MinSpeedMPH {
		dt := in.Timestamp.Sub(m.lastTimestamp)
		if dt > 0 && dt < time.Hour {
			m.st.DistanceAccumMi += in.SpeedMPH * dt.Hours()
		}
	}

	switch {
	case in.ECUFuelUsedGal != nil:
		if m.hasECUGal {
			m.st.FuelAccumGal += util.Delta(m.lastECUGal, *in.ECUFuelUsedGal)
		}
		m.lastECUGal = *in.ECUFuelUsedGal
		m.hasECUGal = true
	case in.KalmanReady:
		// Refuel readings would register as a negative burn; skip them and
		// re-prime from the post-refuel level.
		if m.hasLevel && !in.InRefuelWindow {
			if burnPct := m.lastLevelPct - in.KalmanLevelPct; burnPct > 0 {
				m.st.FuelAccumGal += burnPct / 100 * m.truck.TankCapacityGal
			}
		}
		m.lastLevelPct = in.KalmanLevelPct
		m.hasLevel = true
	}

	m.lastTimestamp = in.Timestamp
}

// closeWindow converts the accumulated window into a raw MPG and, when it
// survives the gates and filters, folds it into the EMA. Returns false when
// the fuel signal is too weak and the window stays open.
func (m *Engine) closeWindow() bool {
	miles := m.st.DistanceAccumMi
	gal := m.st.FuelAccumGal

	// Too little fuel signal relative to sensor noise: the ratio would be
	// dominated by jitter. Keep accumulating instead of resetting.
	expectedNoiseGal := noiseFracOfCapacity * m.truck.TankCapacityGal
	if expectedNoiseGal > 0 && gal/expectedNoiseGal < 1.0 {
		return false
	}

	m.resetAccumulators()

	if gal <= 0 {
		return true
	}
	raw := miles / m.effectiveGallons(gal)
	if !util.IsFinite(raw) {
		m.log.Error("non-finite raw mpg, window discarded",
			zap.Float64("miles", miles), zap.Float64("gal", gal))
		return true
	}
	if raw < m.cfg.MinMPG || raw > m.cfg.MaxMPG {
		m.log.Warn("raw mpg outside physical bounds, rejected", zap.Float64("raw", raw))
		return true
	}

	m.pushRaw(raw)
	clean := m.filterOutliers(raw)

	m.st.InstantMPG = raw
	if m.st.SampleCount == 0 {
		m.st.EMAMPG = clean
	} else {
		m.st.EMAMPG = m.cfg.EMAAlpha*clean + (1-m.cfg.EMAAlpha)*m.st.EMAMPG
	}
	m.st.SampleCount++
	m.st.Variance = util.Variance(m.st.RawHistory)
	return true
}

// effectiveGallons normalizes burned gallons to diesel-equivalent energy
// for biodiesel blends.
func (m *Engine) effectiveGallons(gal float64) float64 {
	blend := util.Clamp(m.truck.BiodieselBlendFrac, 0, 1)
	if blend == 0 {
		return gal
	}
	return gal * (1 - biodieselEnergyDeficit*blend)
}

// filterOutliers runs the IQR filter, then MAD on the survivors, and
// returns the most recent survivor. A raw value with no surviving peers
// passes through unfiltered.
func (m *Engine) filterOutliers(raw float64) float64 {
	survivors := filterIQR(m.st.RawHistory, iqrMultiplier)
	survivors = filterMAD(survivors, madZThreshold)
	if len(survivors) == 0 {
		return raw
	}
	return survivors[len(survivors)-1]
}

func (m *Engine) pushRaw(raw float64) {
	m.st.RawHistory = append(m.st.RawHistory, raw)
	if len(m.st.RawHistory) > rawHistoryCap {
		m.st.RawHistory = m.st.RawHistory[len(m.st.RawHistory)-rawHistoryCap:]
	}
}

func (m *Engine) resetAccumulators() {
	m.st.DistanceAccumMi = 0
	m.st.FuelAccumGal = 0
}

// Reset clears the accumulators and history after numerical degeneracy.
func (m *Engine) Reset() {
	m.st = model.MPGState{LastUpdate: m.st.LastUpdate}
}

func (m *Engine) snr() float64 {
	if m.st.SampleCount == 0 {
		return 0
	}
	sd := math.Sqrt(m.st.Variance)
	if sd == 0 {
		return math.Inf(1)
	}
	return m.st.EMAMPG / sd
}

func (m *Engine) snrStatus(snr float64) model.SNRStatus {
	switch {
	case m.st.SampleCount == 0:
		return model.SNRNormal
	case snr < m.cfg.SNRCritical:
		return model.SNRCritical
	case snr < m.cfg.SNRWarning:
		return model.SNRWarning
	}
	return model.SNRNormal
}
