package engine

import (
	"time"

	"github.com/fleetsense/fuelwatch/model"
	"github.com/fleetsense/fuelwatch/util"
)

// confidenceInputs collects the per-reading quality signals that feed the
// metric's confidence score.
type confidenceInputs struct {
	SensorAvailable bool
	GapFromPrev     time.Duration
	PollInterval    time.Duration
	Satellites      int
	Voltage         float64
	KalmanP00       float64
	KalmanReady     bool
	ECUAvailable    bool
	ECUStatus       model.ECUValidationStatus
	DriftWarning    bool
	SensorNoise     float64 // health monitor factor, >= 1
}

// Penalty weights. The score starts at 100 and each degraded signal
// subtracts its weight; the result is clamped to [0, 100].
const (
	penaltyNoSensor    = 30
	penaltyStaleData   = 12
	penaltyPoorGPS     = 8
	penaltyVoltage     = 8
	penaltyHighP       = 15
	penaltyModerateP   = 6
	penaltyNotReady    = 20
	penaltyNoECU       = 5
	penaltyECUWarning  = 6
	penaltyECUCritical = 15
	penaltyDrift       = 15
	penaltyNoisySensor = 10
)

// confidenceScore turns the quality signals into a 0-100 score. A fresh
// reading with a healthy sensor, good GPS and a settled filter scores 100.
func confidenceScore(in confidenceInputs) float64 {
	score := 100.0

	if !in.SensorAvailable {
		score -= penaltyNoSensor
	}
	if in.PollInterval > 0 && in.GapFromPrev > 2*in.PollInterval {
		score -= penaltyStaleData
	}
	if in.Satellites > 0 && in.Satellites < 4 {
		score -= penaltyPoorGPS
	}
	if in.Voltage > 0 && (in.Voltage < 11.5 || in.Voltage > 15.0) {
		score -= penaltyVoltage
	}
	if !in.KalmanReady {
		score -= penaltyNotReady
	} else if in.KalmanP00 > 5 {
		score -= penaltyHighP
	} else if in.KalmanP00 > 2 {
		score -= penaltyModerateP
	}
	switch {
	case !in.ECUAvailable:
		score -= penaltyNoECU
	case in.ECUStatus == model.ECUWarning:
		score -= penaltyECUWarning
	case in.ECUStatus == model.ECUCritical:
		score -= penaltyECUCritical
	}
	if in.DriftWarning {
		score -= penaltyDrift
	}
	if in.SensorNoise >= 1.6 {
		score -= penaltyNoisySensor
	}

	return util.Clamp(score, 0, 100)
}
