package kalman

// Calibration holds the per-truck physics model coefficients, fitted
// offline from historical ECU data.
type Calibration struct {
	BaselineLPH    float64 `yaml:"baseline_consumption" json:"baseline_consumption"`
	LoadFactor     float64 `yaml:"load_factor" json:"load_factor"`
	AltitudeFactor float64 `yaml:"altitude_factor" json:"altitude_factor"`
	Samples        int     `yaml:"samples" json:"samples"`
	RSquared       float64 `yaml:"r_squared" json:"r_squared"`
}

// DefaultCalibration is used for trucks absent from the calibration file.
func DefaultCalibration() Calibration {
	return Calibration{
		BaselineLPH:    15,
		LoadFactor:     0.35,
		AltitudeFactor: 0.02,
	}
}
