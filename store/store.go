package store

import (
	"context"
	"errors"

	"github.com/fleetsense/fuelwatch/model"
)

// ErrNotFound is returned by loads with no matching row.
var ErrNotFound = errors.New("store: not found")

// ErrCorrupt wraps snapshot payloads that exist but cannot be decoded.
// Callers should archive the snapshot and start cold.
var ErrCorrupt = errors.New("store: corrupt payload")

// Gateway is the typed persistence surface the pipeline writes through.
// All writes are idempotent on their documented keys and safe to retry:
// fuel metrics on (truck_id, timestamp), refuel events per truck within
// the dedup window, DTC events per unresolved (truck_id, dtc_code).
// Implementations must tolerate concurrent calls from many truck workers.
type Gateway interface {
	AppendFuelMetric(ctx context.Context, m model.FuelMetric) error
	UpsertLatest(ctx context.Context, m model.FuelMetric) error
	WriteRefuelEvent(ctx context.Context, ev model.RefuelEvent) error
	WriteTheftEvent(ctx context.Context, ev model.TheftEvent) error
	WriteDTCEvent(ctx context.Context, ev model.DTCEvent) error
	SaveRULPrediction(ctx context.Context, p model.RULPrediction) error

	LoadSnapshot(ctx context.Context, truckID string) (*model.TruckSnapshot, error)
	SaveSnapshot(ctx context.Context, snap model.TruckSnapshot) error
	ArchiveSnapshot(ctx context.Context, truckID string) error

	Close() error
}
