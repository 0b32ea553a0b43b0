package model

import "time"

// ECUValidationStatus reports agreement between the ECU fuel rate and the
// physics model prediction.
type ECUValidationStatus int

const (
	ECUNotAvailable ECUValidationStatus = iota
	ECUNormal
	ECUWarning
	ECUCritical
)

func (s ECUValidationStatus) String() string {
	switch s {
	case ECUNormal:
		return "NORMAL"
	case ECUWarning:
		return "WARNING"
	case ECUCritical:
		return "CRITICAL"
	}
	return "N/A"
}

// ConfidenceLevel is the qualitative bucket for a per-reading confidence score.
type ConfidenceLevel int

const (
	ConfidenceVeryLow ConfidenceLevel = iota
	ConfidenceLow
	ConfidenceMedium
	ConfidenceHigh
)

func (c ConfidenceLevel) String() string {
	switch c {
	case ConfidenceHigh:
		return "HIGH"
	case ConfidenceMedium:
		return "MEDIUM"
	case ConfidenceLow:
		return "LOW"
	}
	return "VERY_LOW"
}

// ConfidenceLevelFromScore buckets a 0-100 score.
func ConfidenceLevelFromScore(score float64) ConfidenceLevel {
	switch {
	case score >= 80:
		return ConfidenceHigh
	case score >= 60:
		return ConfidenceMedium
	case score >= 40:
		return ConfidenceLow
	}
	return ConfidenceVeryLow
}

// SNRStatus buckets the MPG signal-to-noise ratio.
type SNRStatus int

const (
	SNRNormal SNRStatus = iota
	SNRWarning
	SNRCritical
	SNRIdle
)

func (s SNRStatus) String() string {
	switch s {
	case SNRNormal:
		return "NORMAL"
	case SNRWarning:
		return "WARNING"
	case SNRCritical:
		return "CRITICAL"
	}
	return "IDLE"
}

// FuelMetric is one processed pipeline output row. At most one row exists
// per (truck_id, timestamp); inserts are idempotent.
type FuelMetric struct {
	TruckID         string              `json:"truck_id"`
	Timestamp       time.Time           `json:"timestamp"`
	SensorFuelPct   *float64            `json:"sensor_fuel_pct,omitempty"`
	KalmanFuelPct   float64             `json:"kalman_fuel_pct"`
	MPGInstant      float64             `json:"mpg_instant"`
	MPGEMA          float64             `json:"mpg_ema"`
	MPGSNR          float64             `json:"mpg_snr"`
	ECUStatus       ECUValidationStatus `json:"ecu_validation_status"`
	ECUDeviationPct float64             `json:"ecu_deviation_pct"`
	ConfidenceScore float64             `json:"confidence_score"`
	ConfidenceLevel ConfidenceLevel     `json:"confidence_level"`
	IsInterpolated  bool                `json:"is_interpolated"`
	SpeedMPH        float64             `json:"speed_mph"`
	Status          TruckStatus         `json:"status"`
	IsAllowed       bool                `json:"is_allowed"`
}
