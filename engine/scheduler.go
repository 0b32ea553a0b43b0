package engine

import (
	"context"
	"math/rand"
	"sort"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fleetsense/fuelwatch/config"
	"github.com/fleetsense/fuelwatch/metrics"
	"github.com/fleetsense/fuelwatch/model"
)

const (
	defaultQueueHighWater = 64
	maxRestartShift       = 5
)

// Scheduler fans raw readings out to per-truck workers. Each worker owns
// one orchestrator and processes its queue strictly serially; ordering is
// only guaranteed within a truck, never across trucks.
type Scheduler struct {
	cfg     config.SchedulerConfig
	log     *zap.Logger
	mets    *metrics.Set
	factory func(truckID string) *Orchestrator
	breaker *gobreaker.CircuitBreaker

	workers  map[string]*worker
	stopping atomic.Bool
}

type worker struct {
	truckID      string
	queue        chan model.RawReading
	orch         *Orchestrator
	lastEnqueued time.Time
}

// NewScheduler builds a scheduler. factory creates the orchestrator for a
// truck the first time a reading for it arrives. breaker may be nil.
func NewScheduler(cfg config.SchedulerConfig, factory func(truckID string) *Orchestrator,
	mets *metrics.Set, breaker *gobreaker.CircuitBreaker, log *zap.Logger) *Scheduler {
	if log == nil {
		log = zap.NewNop()
	}
	if mets == nil {
		mets = metrics.NewSet()
	}
	return &Scheduler{
		cfg:     cfg,
		log:     log.Named("scheduler"),
		mets:    mets,
		factory: factory,
		breaker: breaker,
		workers: make(map[string]*worker),
	}
}

// Run consumes readings until the channel closes or ctx is cancelled,
// then drains, snapshots every truck, and returns. Run is not reentrant.
func (s *Scheduler) Run(ctx context.Context, readings <-chan model.RawReading) error {
	// Workers outlive intake cancellation so queues can drain with their
	// own shutdown budget.
	g, workerCtx := errgroup.WithContext(context.WithoutCancel(ctx))

intake:
	for {
		select {
		case <-ctx.Done():
			break intake
		case r, ok := <-readings:
			if !ok {
				break intake
			}
			if s.breaker != nil && s.breaker.State() == gobreaker.StateOpen {
				s.mets.ReadingsDropped.WithLabelValues("breaker_open").Inc()
				continue
			}
			s.dispatch(workerCtx, g, r)
		}
	}

	s.log.Info("intake stopped, draining workers",
		zap.Int("workers", len(s.workers)),
		zap.Bool("drain", s.cfg.DrainQueuesOnShutdown))
	s.stopping.Store(true)
	for _, w := range s.workers {
		close(w.queue)
	}

	done := make(chan struct{})
	go func() {
		g.Wait() // workers only return nil
		close(done)
	}()
	timeout := s.cfg.GracefulShutdownTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	select {
	case <-done:
	case <-time.After(timeout):
		s.log.Warn("graceful shutdown timeout exceeded")
	}
	return nil
}

func (s *Scheduler) dispatch(ctx context.Context, g *errgroup.Group, r model.RawReading) {
	w, ok := s.workers[r.TruckID]
	if !ok {
		if s.cfg.MaxWorkers > 0 && len(s.workers) >= s.cfg.MaxWorkers {
			s.log.Warn("worker limit reached, reading dropped",
				zap.String("truck_id", r.TruckID))
			s.mets.ReadingsDropped.WithLabelValues("worker_limit").Inc()
			return
		}
		highWater := s.cfg.QueueHighWater
		if highWater <= 0 {
			highWater = defaultQueueHighWater
		}
		w = &worker{
			truckID: r.TruckID,
			queue:   make(chan model.RawReading, highWater),
			orch:    s.factory(r.TruckID),
		}
		s.workers[r.TruckID] = w
		g.Go(func() error {
			s.runWorker(ctx, w)
			return nil
		})
	}

	// Monotonic per truck: late arrivals are dropped at the door.
	if !w.lastEnqueued.IsZero() && !r.Timestamp.After(w.lastEnqueued) {
		s.log.Warn("out-of-order reading dropped at enqueue",
			zap.String("truck_id", r.TruckID),
			zap.Time("timestamp", r.Timestamp))
		s.mets.ReadingsDropped.WithLabelValues("out_of_order").Inc()
		return
	}
	w.lastEnqueued = r.Timestamp

	select {
	case w.queue <- r:
	default:
		// Queue at high water: freshness beats completeness.
		select {
		case stale := <-w.queue:
			s.log.Warn("queue high water, dropped oldest reading",
				zap.String("truck_id", r.TruckID),
				zap.Time("dropped", stale.Timestamp))
			s.mets.ReadingsDropped.WithLabelValues("backpressure").Inc()
		default:
		}
		w.queue <- r
	}
	s.mets.QueueDepth.WithLabelValues(r.TruckID).Set(float64(len(w.queue)))
}

// runWorker supervises one truck worker, restarting it with jittered
// backoff if a pass panics. Returns once the queue is closed and drained.
func (s *Scheduler) runWorker(ctx context.Context, w *worker) {
	w.orch.Warm(ctx)
	for restarts := 0; ; restarts++ {
		if s.workerPass(ctx, w) {
			shutCtx, cancel := context.WithTimeout(context.Background(), s.shutdownBudget())
			w.orch.Snapshot(shutCtx)
			cancel()
			return
		}
		s.mets.WorkerRestarts.Inc()
		shift := restarts
		if shift > maxRestartShift {
			shift = maxRestartShift
		}
		base := s.cfg.RestartBackoffBase
		if base <= 0 {
			base = time.Second
		}
		backoff := base << shift
		backoff += time.Duration(rand.Int63n(int64(backoff)))
		s.log.Warn("worker crashed, restarting",
			zap.String("truck_id", w.truckID),
			zap.Duration("backoff", backoff))
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
	}
}

func (s *Scheduler) workerPass(ctx context.Context, w *worker) (finished bool) {
	defer func() {
		if p := recover(); p != nil {
			s.log.Error("worker panicked",
				zap.String("truck_id", w.truckID),
				zap.Any("panic", p), zap.Stack("stack"))
			finished = false
		}
	}()
	for r := range w.queue {
		if s.stopping.Load() && !s.cfg.DrainQueuesOnShutdown {
			s.mets.ReadingsDropped.WithLabelValues("shutdown").Inc()
			continue
		}
		w.orch.Process(ctx, r)
		s.mets.QueueDepth.WithLabelValues(w.truckID).Set(float64(len(w.queue)))
	}
	return true
}

func (s *Scheduler) shutdownBudget() time.Duration {
	if s.cfg.GracefulShutdownTimeout > 0 {
		return s.cfg.GracefulShutdownTimeout
	}
	return 30 * time.Second
}

// Orchestrator returns the live orchestrator for a truck, if one exists.
// Only safe to call after Run has returned.
func (s *Scheduler) Orchestrator(truckID string) *Orchestrator {
	if w, ok := s.workers[truckID]; ok {
		return w.orch
	}
	return nil
}

// TruckIDs lists the trucks that received at least one reading, sorted.
// Only safe to call after Run has returned.
func (s *Scheduler) TruckIDs() []string {
	ids := make([]string, 0, len(s.workers))
	for id := range s.workers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
