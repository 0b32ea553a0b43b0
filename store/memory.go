package store

import (
	"context"
	"sync"
	"time"

	"github.com/fleetsense/fuelwatch/model"
)

type metricKey struct {
	truckID string
	ts      time.Time
}

// Memory is an in-process Gateway with the same idempotency contract as
// the Postgres implementation. Used in tests and for dry runs.
type Memory struct {
	mu sync.Mutex

	dedupWindow time.Duration

	metrics   map[metricKey]model.FuelMetric
	latest    map[string]model.FuelMetric
	refuels   []model.RefuelEvent
	thefts    []model.TheftEvent
	dtcs      []model.DTCEvent
	ruls      map[string]model.RULPrediction
	snapshots map[string]model.TruckSnapshot
}

// NewMemory creates an empty in-memory gateway.
func NewMemory(dedupWindow time.Duration) *Memory {
	return &Memory{
		dedupWindow: dedupWindow,
		metrics:     make(map[metricKey]model.FuelMetric),
		latest:      make(map[string]model.FuelMetric),
		ruls:        make(map[string]model.RULPrediction),
		snapshots:   make(map[string]model.TruckSnapshot),
	}
}

func (s *Memory) AppendFuelMetric(_ context.Context, m model.FuelMetric) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := metricKey{m.TruckID, m.Timestamp}
	if _, exists := s.metrics[k]; !exists {
		s.metrics[k] = m
	}
	return nil
}

func (s *Memory) UpsertLatest(_ context.Context, m model.FuelMetric) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.latest[m.TruckID] = m
	return nil
}

func (s *Memory) WriteRefuelEvent(_ context.Context, ev model.RefuelEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, prev := range s.refuels {
		if prev.TruckID != ev.TruckID {
			continue
		}
		if d := ev.Timestamp.Sub(prev.Timestamp); d > -s.dedupWindow && d < s.dedupWindow {
			return nil
		}
	}
	s.refuels = append(s.refuels, ev)
	return nil
}

func (s *Memory) WriteTheftEvent(_ context.Context, ev model.TheftEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, prev := range s.thefts {
		if prev.ID == ev.ID {
			return nil
		}
	}
	s.thefts = append(s.thefts, ev)
	return nil
}

func (s *Memory) WriteDTCEvent(_ context.Context, ev model.DTCEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, prev := range s.dtcs {
		if prev.TruckID == ev.TruckID && prev.DTCCode == ev.DTCCode && prev.Status != model.DTCResolved {
			return nil
		}
	}
	s.dtcs = append(s.dtcs, ev)
	return nil
}

func (s *Memory) SaveRULPrediction(_ context.Context, p model.RULPrediction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ruls[p.TruckID+"/"+p.ComponentID] = p
	return nil
}

func (s *Memory) LoadSnapshot(_ context.Context, truckID string) (*model.TruckSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, ok := s.snapshots[truckID]
	if !ok {
		return nil, ErrNotFound
	}
	return &snap, nil
}

func (s *Memory) SaveSnapshot(_ context.Context, snap model.TruckSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots[snap.TruckID] = snap
	return nil
}

func (s *Memory) ArchiveSnapshot(_ context.Context, truckID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.snapshots, truckID)
	return nil
}

func (s *Memory) Close() error { return nil }

// Metrics returns a copy of the appended metric rows.
func (s *Memory) Metrics() []model.FuelMetric {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.FuelMetric, 0, len(s.metrics))
	for _, m := range s.metrics {
		out = append(out, m)
	}
	return out
}

// Latest returns the latest view for one truck.
func (s *Memory) Latest(truckID string) (model.FuelMetric, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.latest[truckID]
	return m, ok
}

// Refuels returns a copy of the accepted refuel events.
func (s *Memory) Refuels() []model.RefuelEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.RefuelEvent(nil), s.refuels...)
}

// Thefts returns a copy of the accepted theft events.
func (s *Memory) Thefts() []model.TheftEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.TheftEvent(nil), s.thefts...)
}

// DTCs returns a copy of the accepted DTC events.
func (s *Memory) DTCs() []model.DTCEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.DTCEvent(nil), s.dtcs...)
}
