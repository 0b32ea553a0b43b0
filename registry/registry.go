package registry

import (
	"fmt"
	"os"
	"sync"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/fleetsense/fuelwatch/kalman"
	"github.com/fleetsense/fuelwatch/model"
)

// Defaults for trucks missing from the registry. Unknown trucks are still
// processed, with IsAllowed=false marking their outputs.
const (
	DefaultTankCapacityGal = 120
	DefaultBaselineMPG     = 6.0
)

type trucksFile struct {
	Trucks []truckEntry `yaml:"trucks"`
}

type truckEntry struct {
	TruckID            string  `yaml:"truck_id"`
	TankCapacityGal    float64 `yaml:"tank_capacity_gal"`
	BaselineMPG        float64 `yaml:"baseline_mpg"`
	RefuelFactor       float64 `yaml:"refuel_factor"`
	BiodieselBlendFrac float64 `yaml:"biodiesel_blend_fraction"`
	IsAllowed          *bool   `yaml:"is_allowed"`
}

type calibFile struct {
	Trucks map[string]kalman.Calibration `yaml:"trucks"`
}

// Registry resolves per-truck configuration and Kalman calibration,
// loaded once at start. Safe for concurrent reads.
type Registry struct {
	mu     sync.RWMutex
	trucks map[string]model.Truck
	calib  map[string]kalman.Calibration
	log    *zap.Logger
}

// Load reads the tanks registry and the optional calibration file.
// A missing calibration file is not an error; a missing trucks file is.
func Load(trucksPath, calibPath string, log *zap.Logger) (*Registry, error) {
	if log == nil {
		log = zap.NewNop()
	}
	r := &Registry{
		trucks: make(map[string]model.Truck),
		calib:  make(map[string]kalman.Calibration),
		log:    log.Named("registry"),
	}

	raw, err := os.ReadFile(trucksPath)
	if err != nil {
		return nil, fmt.Errorf("read trucks registry: %w", err)
	}
	var tf trucksFile
	if err := yaml.Unmarshal(raw, &tf); err != nil {
		return nil, fmt.Errorf("parse trucks registry: %w", err)
	}
	for _, e := range tf.Trucks {
		if e.TruckID == "" {
			r.log.Warn("truck entry without truck_id, skipped")
			continue
		}
		t := model.Truck{
			TruckID:            e.TruckID,
			TankCapacityGal:    e.TankCapacityGal,
			BaselineMPG:        e.BaselineMPG,
			RefuelFactor:       e.RefuelFactor,
			BiodieselBlendFrac: e.BiodieselBlendFrac,
			IsAllowed:          e.IsAllowed == nil || *e.IsAllowed,
		}
		if t.TankCapacityGal <= 0 {
			t.TankCapacityGal = DefaultTankCapacityGal
		}
		if t.BaselineMPG <= 0 {
			t.BaselineMPG = DefaultBaselineMPG
		}
		r.trucks[t.TruckID] = t
	}
	r.log.Info("trucks registry loaded", zap.Int("trucks", len(r.trucks)))

	if calibPath != "" {
		if err := r.loadCalibration(calibPath); err != nil {
			r.log.Warn("calibration file unavailable, using defaults", zap.Error(err))
		}
	}
	return r, nil
}

func (r *Registry) loadCalibration(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var cf calibFile
	if err := yaml.Unmarshal(raw, &cf); err != nil {
		return fmt.Errorf("parse calibration: %w", err)
	}
	for id, c := range cf.Trucks {
		if c.BaselineLPH <= 0 {
			r.log.Warn("calibration with non-positive baseline, skipped",
				zap.String("truck_id", id))
			continue
		}
		r.calib[id] = c
	}
	r.log.Info("calibration loaded", zap.Int("trucks", len(r.calib)))
	return nil
}

// Truck resolves one truck. Unknown trucks get defaults and are flagged
// not allowed.
func (r *Registry) Truck(id string) model.Truck {
	r.mu.RLock()
	t, ok := r.trucks[id]
	r.mu.RUnlock()
	if ok {
		return t
	}
	r.log.Warn("unknown truck, processing with defaults", zap.String("truck_id", id))
	return model.Truck{
		TruckID:         id,
		TankCapacityGal: DefaultTankCapacityGal,
		BaselineMPG:     DefaultBaselineMPG,
		IsAllowed:       false,
	}
}

// Calibration resolves a truck's physics model, falling back to defaults.
func (r *Registry) Calibration(id string) kalman.Calibration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if c, ok := r.calib[id]; ok {
		return c
	}
	return kalman.DefaultCalibration()
}

// All returns every registered truck.
func (r *Registry) All() []model.Truck {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.Truck, 0, len(r.trucks))
	for _, t := range r.trucks {
		out = append(out, t)
	}
	return out
}
