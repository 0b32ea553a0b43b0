package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all tunables for the pipeline. Every field has a default;
// a missing config file yields a fully usable configuration.
type Config struct {
	Wialon     WialonConfig    `yaml:"wialon"`
	Database   DatabaseConfig  `yaml:"database"`
	Thresholds ThresholdConfig `yaml:"thresholds"`
	Kalman     KalmanConfig    `yaml:"kalman"`
	MPG        MPGConfig       `yaml:"mpg"`
	Siphon     SiphonConfig    `yaml:"siphon"`
	Scheduler  SchedulerConfig `yaml:"scheduler"`
	RUL        RULConfig       `yaml:"rul"`
	SafeZones  []SafeZone      `yaml:"safe_zones"`
	Metrics    MetricsConfig   `yaml:"metrics"`
	TrucksFile string          `yaml:"trucks_file"`
	CalibFile  string          `yaml:"calibration_file"`
}

// WialonConfig configures the raw reading source.
type WialonConfig struct {
	BaseURL        string        `yaml:"base_url"`
	Token          string        `yaml:"token"`
	PollInterval   time.Duration `yaml:"poll_interval"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	MaxRetries     int           `yaml:"max_retries"`
}

// DatabaseConfig configures the Postgres persistence store.
type DatabaseConfig struct {
	DSN          string        `yaml:"dsn"`
	MaxOpenConns int           `yaml:"max_open_conns"`
	MaxIdleConns int           `yaml:"max_idle_conns"`
	Timeout      time.Duration `yaml:"timeout"`
}

// ThresholdConfig holds classifier thresholds.
type ThresholdConfig struct {
	DropThresholdPct     float64       `yaml:"drop_threshold_pct"`
	RefuelThresholdPct   float64       `yaml:"refuel_threshold_pct"`
	RecoveryTolerancePct float64       `yaml:"recovery_tolerance_pct"`
	RecoveryWindow       time.Duration `yaml:"recovery_window"`
	RecoveryWindowMax    time.Duration `yaml:"recovery_window_max"`
	MinRefuelJumpPct     float64       `yaml:"min_refuel_jump_pct"`
	RefuelJumpFloorPct   float64       `yaml:"refuel_jump_floor_pct"`
	MinRefuelGal         float64       `yaml:"min_refuel_gal"`
	MaxRefuelGap         time.Duration `yaml:"max_refuel_gap"`
	MinRefuelGap         time.Duration `yaml:"min_refuel_gap"`
	TheftConfirmedScore  float64       `yaml:"theft_confirmed_score"`
	TheftSuspectedScore  float64       `yaml:"theft_suspected_score"`
	SpeedGateMPH         float64       `yaml:"speed_gate_mph"`
	RefuelDedupWindow    time.Duration `yaml:"refuel_dedup_window"`
}

// KalmanConfig holds EKF tuning parameters.
type KalmanConfig struct {
	QRate                  float64 `yaml:"q_rate"`
	QLevelMoving           float64 `yaml:"q_level_moving"`
	QLevelStatic           float64 `yaml:"q_level_static"`
	PMax                   float64 `yaml:"p_max"`
	KMaxLow                float64 `yaml:"k_max_low"`
	KMaxMid                float64 `yaml:"k_max_mid"`
	KMaxHigh               float64 `yaml:"k_max_high"`
	InnovationBoostFactor  float64 `yaml:"innovation_boost_factor"`
	InnovationBoostCap     float64 `yaml:"innovation_boost_cap"`
	BaseMeasurementNoise   float64 `yaml:"base_measurement_noise"`
	BaselineConsumptionLPH float64 `yaml:"baseline_consumption_lph"`
	MaxConsumptionLPH      float64 `yaml:"max_consumption_lph"`
	RefuelJumpThresholdPct float64 `yaml:"refuel_jump_threshold_pct"`
	EmergencyDriftPct      float64 `yaml:"emergency_drift_threshold_pct"`
}

// MPGConfig holds fuel-efficiency engine parameters.
type MPGConfig struct {
	MinMiles    float64 `yaml:"min_miles"`
	MinFuelGal  float64 `yaml:"min_fuel_gal"`
	MinMPG      float64 `yaml:"min_mpg"`
	MaxMPG      float64 `yaml:"max_mpg"`
	EMAAlpha    float64 `yaml:"ema_alpha"`
	SNRWarning  float64 `yaml:"snr_warning"`
	SNRCritical float64 `yaml:"snr_critical"`
	MinSpeedMPH float64 `yaml:"min_speed_mph"`
}

// SiphonConfig holds slow-siphon detector parameters.
type SiphonConfig struct {
	WindowDays         int     `yaml:"window_days"`
	DailyThresholdGal  float64 `yaml:"daily_threshold_gal"`
	WindowThresholdGal float64 `yaml:"window_threshold_gal"`
	MinAffectedDays    int     `yaml:"min_affected_days"`
}

// SchedulerConfig holds fleet scheduler parameters.
type SchedulerConfig struct {
	MaxWorkers               int           `yaml:"max_workers"`
	QueueHighWater           int           `yaml:"queue_high_water"`
	PersistenceTimeout       time.Duration `yaml:"persistence_timeout"`
	SnapshotIntervalReadings int           `yaml:"snapshot_interval_readings"`
	GracefulShutdownTimeout  time.Duration `yaml:"graceful_shutdown_timeout"`
	DrainQueuesOnShutdown    bool          `yaml:"drain_queues_on_shutdown"`
	RestartBackoffBase       time.Duration `yaml:"restart_backoff_base"`
}

// RULConfig holds remaining-useful-life predictor parameters.
type RULConfig struct {
	Interval          time.Duration `yaml:"interval"`
	WarningThreshold  float64       `yaml:"warning_threshold"`
	CriticalThreshold float64       `yaml:"critical_threshold"`
	MaxDays           float64       `yaml:"max_days"`
	MinTrendPerDay    float64       `yaml:"min_trend_per_day"`
	MinPoints         int           `yaml:"min_points"`
}

// SafeZone is a geofenced circle where drops are treated as consumption.
type SafeZone struct {
	Name      string  `yaml:"name"`
	Latitude  float64 `yaml:"latitude"`
	Longitude float64 `yaml:"longitude"`
	RadiusM   float64 `yaml:"radius_m"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// Default returns a config with production defaults.
func Default() Config {
	return Config{
		Wialon: WialonConfig{
			BaseURL:        "https://hst-api.wialon.com",
			PollInterval:   30 * time.Second,
			RequestTimeout: 10 * time.Second,
			MaxRetries:     3,
		},
		Database: DatabaseConfig{
			MaxOpenConns: 20,
			MaxIdleConns: 5,
			Timeout:      5 * time.Second,
		},
		Thresholds: ThresholdConfig{
			DropThresholdPct:     10,
			RefuelThresholdPct:   8,
			RecoveryTolerancePct: 5,
			RecoveryWindow:       10 * time.Minute,
			RecoveryWindowMax:    20 * time.Minute,
			MinRefuelJumpPct:     10,
			RefuelJumpFloorPct:   6,
			MinRefuelGal:         5,
			MaxRefuelGap:         96 * time.Hour,
			MinRefuelGap:         5 * time.Minute,
			TheftConfirmedScore:  85,
			TheftSuspectedScore:  60,
			SpeedGateMPH:         5,
			RefuelDedupWindow:    5 * time.Minute,
		},
		Kalman: KalmanConfig{
			QRate:                  0.05,
			QLevelMoving:           2.5,
			QLevelStatic:           1.0,
			PMax:                   50,
			KMaxLow:                0.20,
			KMaxMid:                0.35,
			KMaxHigh:               0.50,
			InnovationBoostFactor:  1.5,
			InnovationBoostCap:     0.70,
			BaseMeasurementNoise:   4.0,
			BaselineConsumptionLPH: 15,
			MaxConsumptionLPH:      60,
			RefuelJumpThresholdPct: 10,
			EmergencyDriftPct:      30,
		},
		MPG: MPGConfig{
			MinMiles:    20,
			MinFuelGal:  2.5,
			MinMPG:      3.5,
			MaxMPG:      8.5,
			EMAAlpha:    0.20,
			SNRWarning:  5.0,
			SNRCritical: 2.0,
			MinSpeedMPH: 5,
		},
		Siphon: SiphonConfig{
			WindowDays:         7,
			DailyThresholdGal:  1.5,
			WindowThresholdGal: 10,
			MinAffectedDays:    3,
		},
		Scheduler: SchedulerConfig{
			MaxWorkers:               256,
			QueueHighWater:           64,
			PersistenceTimeout:       5 * time.Second,
			SnapshotIntervalReadings: 20,
			GracefulShutdownTimeout:  30 * time.Second,
			DrainQueuesOnShutdown:    true,
			RestartBackoffBase:       time.Second,
		},
		RUL: RULConfig{
			Interval:          time.Hour,
			WarningThreshold:  50,
			CriticalThreshold: 25,
			MaxDays:           365,
			MinTrendPerDay:    0.01,
			MinPoints:         5,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Addr:    "127.0.0.1:9464",
		},
		TrucksFile: "trucks.yaml",
		CalibFile:  "calibration.yaml",
	}
}

// Load reads the YAML config at path, layered over defaults. Credentials
// come from the environment (optionally a .env file) and override the file:
// FUELWATCH_DB_DSN and FUELWATCH_WIALON_TOKEN.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return cfg, fmt.Errorf("read config: %w", err)
			}
		} else if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	}

	// .env is optional; real deployments set variables directly.
	_ = godotenv.Load()

	if dsn := os.Getenv("FUELWATCH_DB_DSN"); dsn != "" {
		cfg.Database.DSN = dsn
	}
	if tok := os.Getenv("FUELWATCH_WIALON_TOKEN"); tok != "" {
		cfg.Wialon.Token = tok
	}
	return cfg, nil
}
