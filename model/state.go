package model

import "time"

// KalmanState is the persisted EKF state for one truck.
// State vector: [level %, rate %/s]. P is the 2x2 covariance stored
// row-major. Invariants: 0 <= LevelPct <= 100; P positive semidefinite.
type KalmanState struct {
	LevelPct          float64    `json:"level_pct"`
	RatePctPerSec     float64    `json:"rate_pct_per_sec"`
	P                 [4]float64 `json:"p"`
	LastTimestamp     time.Time  `json:"last_timestamp"`
	LastOdometerMi    float64    `json:"last_odometer_mi"`
	LastECUFuelGal    float64    `json:"last_ecu_fuel_used_gal"`
	LastLevelPct      float64    `json:"last_level_pct"`
	InnovationHistory []float64  `json:"innovation_history,omitempty"`
	Initialized       bool       `json:"initialized"`
	DriftWarning      bool       `json:"drift_warning,omitempty"`
}

// MPGState is the persisted fuel-efficiency accumulator for one truck.
type MPGState struct {
	DistanceAccumMi float64   `json:"distance_accum_mi"`
	FuelAccumGal    float64   `json:"fuel_accum_gal"`
	InstantMPG      float64   `json:"instant_mpg"`
	EMAMPG          float64   `json:"ema_mpg"`
	Variance        float64   `json:"variance"`
	SampleCount     int       `json:"sample_count"`
	LastUpdate      time.Time `json:"last_update"`
	RawHistory      []float64 `json:"raw_history,omitempty"`
}

// PendingDrop buffers a sudden level drop while the recovery window runs.
type PendingDrop struct {
	OriginalLevelPct  float64   `json:"original_level_pct"`
	DropStartTime     time.Time `json:"drop_start_timestamp"`
	CumulativeDropPct float64   `json:"cumulative_drop_pct"`
	MaxSpeedMPH       float64   `json:"max_speed_mph"`
	MilesMoved        float64   `json:"miles_moved"`
}

// ClassifierState is the persisted refuel/theft classifier state for one truck.
type ClassifierState struct {
	Pending          *PendingDrop `json:"pending_drop,omitempty"`
	TheftTimestamps  []time.Time  `json:"theft_timestamps,omitempty"`
	RefuelDeltas     []float64    `json:"refuel_deltas,omitempty"`
	LastRefuelTime   time.Time    `json:"last_refuel_time,omitempty"`
	ResyncCooldownTo time.Time    `json:"resync_cooldown_to,omitempty"`
}

// TruckSnapshot is the warm-start payload for one truck, serialized as a
// single JSON blob in truck_state_snapshots.
type TruckSnapshot struct {
	Version    int              `json:"version"`
	TruckID    string           `json:"truck_id"`
	SavedAt    time.Time        `json:"saved_at"`
	Kalman     *KalmanState     `json:"kalman,omitempty"`
	MPG        *MPGState        `json:"mpg,omitempty"`
	Classifier *ClassifierState `json:"classifier,omitempty"`
}

// SnapshotVersion is bumped when the snapshot payload shape changes.
const SnapshotVersion = 1
