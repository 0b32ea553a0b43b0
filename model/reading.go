package model

import "time"

// RawReading is one telemetry sample for one truck as delivered by the
// Wialon poller. Nullable sensors are pointers; absent means the unit did
// not report that channel in this message.
type RawReading struct {
	TruckID         string    `json:"truck_id"`
	Timestamp       time.Time `json:"timestamp"`
	FuelLevelPct    *float64  `json:"fuel_level_pct,omitempty"`
	OdometerMi      *float64  `json:"odometer_mi,omitempty"`
	ECUFuelUsedGal  *float64  `json:"ecu_total_fuel_used_gal,omitempty"`
	ECUFuelRateLPH  *float64  `json:"ecu_fuel_rate_lph,omitempty"`
	SpeedMPH        float64   `json:"speed_mph"`
	RPM             float64   `json:"rpm"`
	EngineLoadPct   float64   `json:"engine_load_pct"`
	BatteryVoltage  float64   `json:"battery_voltage"`
	GPSSatellites   int       `json:"gps_satellites"`
	Latitude        float64   `json:"latitude"`
	Longitude       float64   `json:"longitude"`
	AltitudeM       *float64  `json:"altitude_m,omitempty"`
	AmbientTempF    *float64  `json:"ambient_temp_f,omitempty"`
	DTCString       *string   `json:"dtc_string,omitempty"`
	EngineHours     *float64  `json:"engine_hours,omitempty"`
}

// Truck is the static registry entry for one vehicle. Immutable after load.
type Truck struct {
	TruckID            string  `yaml:"truck_id" json:"truck_id"`
	TankCapacityGal    float64 `yaml:"tank_capacity_gal" json:"tank_capacity_gal"`
	BaselineMPG        float64 `yaml:"baseline_mpg" json:"baseline_mpg"`
	RefuelFactor       float64 `yaml:"refuel_factor" json:"refuel_factor"`
	BiodieselBlendFrac float64 `yaml:"biodiesel_blend_fraction" json:"biodiesel_blend_fraction"`
	IsAllowed          bool    `yaml:"is_allowed" json:"is_allowed"`
}

// TankCapacityLiters converts the tank capacity to liters.
func (t Truck) TankCapacityLiters() float64 {
	return t.TankCapacityGal * GallonsToLiters
}

// GallonsToLiters is the US gallon to liter conversion factor.
const GallonsToLiters = 3.78541

// TruckStatus is the derived motion state of a truck.
type TruckStatus int

const (
	StatusParked TruckStatus = iota
	StatusIdle
	StatusMoving
)

func (s TruckStatus) String() string {
	switch s {
	case StatusParked:
		return "PARKED"
	case StatusIdle:
		return "IDLE"
	case StatusMoving:
		return "MOVING"
	}
	return "UNKNOWN"
}
