package engine

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/fleetsense/fuelwatch/model"
	"github.com/fleetsense/fuelwatch/store"
)

// guardedGateway routes every store call through a circuit breaker so a
// dead database trips once instead of stalling every truck worker on
// timeouts. ErrNotFound is a valid answer, not a failure.
type guardedGateway struct {
	inner store.Gateway
	cb    *gobreaker.CircuitBreaker
}

// GuardGateway wraps gw in a circuit breaker. The breaker opens after a
// run of consecutive failures and probes again after the timeout; the
// scheduler halts intake while it is open.
func GuardGateway(gw store.Gateway, log *zap.Logger) (store.Gateway, *gobreaker.CircuitBreaker) {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("breaker")
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "store",
		MaxRequests: 3,
		Timeout:     15 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		IsSuccessful: func(err error) bool {
			return err == nil ||
				errors.Is(err, store.ErrNotFound) ||
				errors.Is(err, store.ErrCorrupt)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("circuit breaker state change",
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})
	return &guardedGateway{inner: gw, cb: cb}, cb
}

func (g *guardedGateway) call(op func() error) error {
	_, err := g.cb.Execute(func() (interface{}, error) {
		return nil, op()
	})
	return err
}

func (g *guardedGateway) AppendFuelMetric(ctx context.Context, m model.FuelMetric) error {
	return g.call(func() error { return g.inner.AppendFuelMetric(ctx, m) })
}

func (g *guardedGateway) UpsertLatest(ctx context.Context, m model.FuelMetric) error {
	return g.call(func() error { return g.inner.UpsertLatest(ctx, m) })
}

func (g *guardedGateway) WriteRefuelEvent(ctx context.Context, ev model.RefuelEvent) error {
	return g.call(func() error { return g.inner.WriteRefuelEvent(ctx, ev) })
}

func (g *guardedGateway) WriteTheftEvent(ctx context.Context, ev model.TheftEvent) error {
	return g.call(func() error { return g.inner.WriteTheftEvent(ctx, ev) })
}

func (g *guardedGateway) WriteDTCEvent(ctx context.Context, ev model.DTCEvent) error {
	return g.call(func() error { return g.inner.WriteDTCEvent(ctx, ev) })
}

func (g *guardedGateway) SaveRULPrediction(ctx context.Context, p model.RULPrediction) error {
	return g.call(func() error { return g.inner.SaveRULPrediction(ctx, p) })
}

func (g *guardedGateway) LoadSnapshot(ctx context.Context, truckID string) (*model.TruckSnapshot, error) {
	var snap *model.TruckSnapshot
	err := g.call(func() error {
		var err error
		snap, err = g.inner.LoadSnapshot(ctx, truckID)
		return err
	})
	return snap, err
}

func (g *guardedGateway) SaveSnapshot(ctx context.Context, snap model.TruckSnapshot) error {
	return g.call(func() error { return g.inner.SaveSnapshot(ctx, snap) })
}

func (g *guardedGateway) ArchiveSnapshot(ctx context.Context, truckID string) error {
	return g.call(func() error { return g.inner.ArchiveSnapshot(ctx, truckID) })
}

func (g *guardedGateway) Close() error { return g.inner.Close() }
