package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/fleetsense/fuelwatch/config"
	"github.com/fleetsense/fuelwatch/model"
)

type fuelMetricRow struct {
	TruckID         string    `gorm:"primaryKey;size:64"`
	Timestamp       time.Time `gorm:"primaryKey"`
	SensorFuelPct   *float64
	KalmanFuelPct   float64
	MPGInstant      float64
	MPGEMA          float64
	MPGSNR          float64
	ECUStatus       string `gorm:"size:16"`
	ECUDeviationPct float64
	ConfidenceScore float64
	ConfidenceLevel string `gorm:"size:16"`
	IsInterpolated  bool
	SpeedMPH        float64
	Status          string `gorm:"size:16"`
	IsAllowed       bool
}

func (fuelMetricRow) TableName() string { return "fuel_metrics" }

type latestRow struct {
	TruckID         string `gorm:"primaryKey;size:64"`
	Timestamp       time.Time
	SensorFuelPct   *float64
	KalmanFuelPct   float64
	MPGInstant      float64
	MPGEMA          float64
	MPGSNR          float64
	ECUStatus       string `gorm:"size:16"`
	ECUDeviationPct float64
	ConfidenceScore float64
	ConfidenceLevel string `gorm:"size:16"`
	IsInterpolated  bool
	SpeedMPH        float64
	Status          string `gorm:"size:16"`
	IsAllowed       bool
}

func (latestRow) TableName() string { return "truck_latest" }

type refuelEventRow struct {
	ID            string `gorm:"primaryKey;size:36"`
	TruckID       string `gorm:"index:idx_refuel_truck_ts;size:64"`
	Timestamp     time.Time `gorm:"index:idx_refuel_truck_ts"`
	FuelBeforePct float64
	FuelAfterPct  float64
	GallonsAdded  float64
	Method        string `gorm:"size:8"`
	Confidence    float64
	Latitude      float64
	Longitude     float64
}

func (refuelEventRow) TableName() string { return "refuel_events" }

type theftEventRow struct {
	ID             string `gorm:"primaryKey;size:36"`
	TruckID        string `gorm:"index;size:64"`
	Timestamp      time.Time
	FuelDropGal    float64
	DropPct        float64
	Classification string `gorm:"size:20"`
	Confidence     float64
	EstLossGalMin  float64
	EstLossGalMax  float64
	Factors        []byte `gorm:"type:jsonb"`
}

func (theftEventRow) TableName() string { return "theft_events" }

type dtcEventRow struct {
	ID               string `gorm:"primaryKey;size:36"`
	TruckID          string `gorm:"index:idx_dtc_truck_code;size:64"`
	DTCCode          string `gorm:"index:idx_dtc_truck_code;size:16"`
	Timestamp        time.Time
	SPN              int
	FMI              int
	Severity         string `gorm:"size:12"`
	Category         string `gorm:"size:32"`
	DescriptionES    string
	SPNExplanationES string
	FMIExplanationES string
	HasDetailedInfo  bool
	OEM              string `gorm:"size:32"`
	ActionRequired   string
	Status           string `gorm:"size:12;index"`
}

func (dtcEventRow) TableName() string { return "dtc_events" }

type rulPredictionRow struct {
	TruckID       string `gorm:"primaryKey;size:64"`
	ComponentID   string `gorm:"primaryKey;size:32"`
	Model         string `gorm:"size:12"`
	CurrentScore  float64
	RULDays       float64
	RULMiles      float64
	ConfidenceR2  float64
	EstimatedCost float64
	ServiceDate   time.Time
	Status        string `gorm:"size:12"`
	ComputedAt    time.Time
}

func (rulPredictionRow) TableName() string { return "rul_predictions" }

type snapshotRow struct {
	TruckID string `gorm:"primaryKey;size:64"`
	SavedAt time.Time
	Payload []byte `gorm:"type:jsonb"`
	Status  string `gorm:"size:16;default:active"`
}

func (snapshotRow) TableName() string { return "truck_state_snapshots" }

// Postgres is the production Gateway on top of gorm.
type Postgres struct {
	db          *gorm.DB
	log         *zap.Logger
	dedupWindow time.Duration
}

// OpenPostgres connects, configures the pool and migrates the schema.
func OpenPostgres(cfg config.DatabaseConfig, thresholds config.ThresholdConfig, log *zap.Logger) (*Postgres, error) {
	if log == nil {
		log = zap.NewNop()
	}
	db, err := gorm.Open(postgres.Open(cfg.DSN), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("postgres pool: %w", err)
	}
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)

	if err := db.AutoMigrate(
		&fuelMetricRow{}, &latestRow{}, &refuelEventRow{}, &theftEventRow{},
		&dtcEventRow{}, &rulPredictionRow{}, &snapshotRow{},
	); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return &Postgres{
		db:          db,
		log:         log.Named("store"),
		dedupWindow: thresholds.RefuelDedupWindow,
	}, nil
}

// AppendFuelMetric inserts one metric row; replays are no-ops.
func (p *Postgres) AppendFuelMetric(ctx context.Context, m model.FuelMetric) error {
	row := toMetricRow(m)
	return p.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&row).Error
}

// UpsertLatest overwrites the per-truck latest view.
func (p *Postgres) UpsertLatest(ctx context.Context, m model.FuelMetric) error {
	row := latestRow(toMetricRow(m))
	return p.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(&row).Error
}

// WriteRefuelEvent inserts unless another refuel for the truck already
// exists inside the dedup window.
func (p *Postgres) WriteRefuelEvent(ctx context.Context, ev model.RefuelEvent) error {
	return p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var n int64
		err := tx.Model(&refuelEventRow{}).
			Where("truck_id = ? AND timestamp BETWEEN ? AND ?",
				ev.TruckID,
				ev.Timestamp.Add(-p.dedupWindow),
				ev.Timestamp.Add(p.dedupWindow)).
			Count(&n).Error
		if err != nil {
			return err
		}
		if n > 0 {
			p.log.Debug("refuel inside dedup window, skipped",
				zap.String("truck_id", ev.TruckID))
			return nil
		}
		row := refuelEventRow{
			ID:            ev.ID,
			TruckID:       ev.TruckID,
			Timestamp:     ev.Timestamp,
			FuelBeforePct: ev.FuelBeforePct,
			FuelAfterPct:  ev.FuelAfterPct,
			GallonsAdded:  ev.GallonsAdded,
			Method:        string(ev.Method),
			Confidence:    ev.Confidence,
			Latitude:      ev.Latitude,
			Longitude:     ev.Longitude,
		}
		return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error
	})
}

func (p *Postgres) WriteTheftEvent(ctx context.Context, ev model.TheftEvent) error {
	factors, err := json.Marshal(ev.Factors)
	if err != nil {
		return fmt.Errorf("marshal theft factors: %w", err)
	}
	row := theftEventRow{
		ID:             ev.ID,
		TruckID:        ev.TruckID,
		Timestamp:      ev.Timestamp,
		FuelDropGal:    ev.FuelDropGal,
		DropPct:        ev.DropPct,
		Classification: string(ev.Classification),
		Confidence:     ev.Confidence,
		EstLossGalMin:  ev.EstLossGalMin,
		EstLossGalMax:  ev.EstLossGalMax,
		Factors:        factors,
	}
	return p.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&row).Error
}

// WriteDTCEvent inserts only when no unresolved row with the same
// (truck_id, dtc_code) exists.
func (p *Postgres) WriteDTCEvent(ctx context.Context, ev model.DTCEvent) error {
	return p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var n int64
		err := tx.Model(&dtcEventRow{}).
			Where("truck_id = ? AND dtc_code = ? AND status <> ?",
				ev.TruckID, ev.DTCCode, string(model.DTCResolved)).
			Count(&n).Error
		if err != nil {
			return err
		}
		if n > 0 {
			return nil
		}
		row := dtcEventRow{
			ID:               ev.ID,
			TruckID:          ev.TruckID,
			DTCCode:          ev.DTCCode,
			Timestamp:        ev.Timestamp,
			SPN:              ev.SPN,
			FMI:              ev.FMI,
			Severity:         ev.Severity.String(),
			Category:         ev.Category,
			DescriptionES:    ev.DescriptionES,
			SPNExplanationES: ev.SPNExplanationES,
			FMIExplanationES: ev.FMIExplanationES,
			HasDetailedInfo:  ev.HasDetailedInfo,
			OEM:              ev.OEM,
			ActionRequired:   ev.ActionRequired,
			Status:           string(ev.Status),
		}
		return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error
	})
}

func (p *Postgres) SaveRULPrediction(ctx context.Context, pr model.RULPrediction) error {
	row := rulPredictionRow{
		TruckID:       pr.TruckID,
		ComponentID:   pr.ComponentID,
		Model:         string(pr.Model),
		CurrentScore:  pr.CurrentScore,
		RULDays:       pr.RULDays,
		RULMiles:      pr.RULMiles,
		ConfidenceR2:  pr.ConfidenceR2,
		EstimatedCost: pr.EstimatedCost,
		ServiceDate:   pr.ServiceDate,
		Status:        pr.Status.String(),
		ComputedAt:    pr.ComputedAt,
	}
	return p.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(&row).Error
}

func (p *Postgres) LoadSnapshot(ctx context.Context, truckID string) (*model.TruckSnapshot, error) {
	var row snapshotRow
	err := p.db.WithContext(ctx).
		First(&row, "truck_id = ? AND status = ?", truckID, "active").Error
	if err == gorm.ErrRecordNotFound {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var snap model.TruckSnapshot
	if err := json.Unmarshal(row.Payload, &snap); err != nil {
		return nil, fmt.Errorf("decode snapshot for %s: %w (%v)", truckID, ErrCorrupt, err)
	}
	return &snap, nil
}

// SaveSnapshot atomically replaces the truck's warm-start payload.
func (p *Postgres) SaveSnapshot(ctx context.Context, snap model.TruckSnapshot) error {
	payload, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot for %s: %w", snap.TruckID, err)
	}
	row := snapshotRow{TruckID: snap.TruckID, SavedAt: snap.SavedAt, Payload: payload, Status: "active"}
	return p.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(&row).Error
}

// ArchiveSnapshot marks the truck's snapshot so it is skipped by loads
// but kept for inspection until the next save replaces it.
func (p *Postgres) ArchiveSnapshot(ctx context.Context, truckID string) error {
	return p.db.WithContext(ctx).
		Model(&snapshotRow{}).
		Where("truck_id = ?", truckID).
		Update("status", "archived").Error
}

// LatestView is a read model over the per-truck latest table, with
// enums already rendered for display.
type LatestView struct {
	TruckID         string
	Timestamp       time.Time
	KalmanFuelPct   float64
	MPGEMA          float64
	ConfidenceScore float64
	ConfidenceLevel string
	Status          string
	SpeedMPH        float64
	IsAllowed       bool
}

// LatestAll returns the latest view for every truck, ordered by truck id.
// Read-only; used by watch mode, never by the pipeline.
func (p *Postgres) LatestAll(ctx context.Context) ([]LatestView, error) {
	var rows []latestRow
	if err := p.db.WithContext(ctx).Order("truck_id").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]LatestView, 0, len(rows))
	for _, r := range rows {
		out = append(out, LatestView{
			TruckID:         r.TruckID,
			Timestamp:       r.Timestamp,
			KalmanFuelPct:   r.KalmanFuelPct,
			MPGEMA:          r.MPGEMA,
			ConfidenceScore: r.ConfidenceScore,
			ConfidenceLevel: r.ConfidenceLevel,
			Status:          r.Status,
			SpeedMPH:        r.SpeedMPH,
			IsAllowed:       r.IsAllowed,
		})
	}
	return out, nil
}

func (p *Postgres) Close() error {
	sqlDB, err := p.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func toMetricRow(m model.FuelMetric) fuelMetricRow {
	return fuelMetricRow{
		TruckID:         m.TruckID,
		Timestamp:       m.Timestamp,
		SensorFuelPct:   m.SensorFuelPct,
		KalmanFuelPct:   m.KalmanFuelPct,
		MPGInstant:      m.MPGInstant,
		MPGEMA:          m.MPGEMA,
		MPGSNR:          m.MPGSNR,
		ECUStatus:       m.ECUStatus.String(),
		ECUDeviationPct: m.ECUDeviationPct,
		ConfidenceScore: m.ConfidenceScore,
		ConfidenceLevel: m.ConfidenceLevel.String(),
		IsInterpolated:  m.IsInterpolated,
		SpeedMPH:        m.SpeedMPH,
		Status:          m.Status.String(),
		IsAllowed:       m.IsAllowed,
	}
}
