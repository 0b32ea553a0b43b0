package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fleetsense/fuelwatch/config"
)

// Set holds the pipeline's Prometheus instruments on a private registry.
type Set struct {
	registry *prometheus.Registry

	ReadingsProcessed *prometheus.CounterVec
	ReadingsDropped   *prometheus.CounterVec
	EventsEmitted     *prometheus.CounterVec
	PersistenceErrors prometheus.Counter
	SnapshotsSaved    prometheus.Counter
	WorkerRestarts    prometheus.Counter
	QueueDepth        *prometheus.GaugeVec
	PipelineLatency   prometheus.Histogram
}

// NewSet registers all pipeline instruments on a fresh registry.
func NewSet() *Set {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Set{
		registry: reg,
		ReadingsProcessed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fuelwatch",
			Name:      "readings_processed_total",
			Help:      "Readings run through the per-truck pipeline.",
		}, []string{"truck_id"}),
		ReadingsDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fuelwatch",
			Name:      "readings_dropped_total",
			Help:      "Readings discarded before processing.",
		}, []string{"reason"}),
		EventsEmitted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fuelwatch",
			Name:      "events_emitted_total",
			Help:      "Classified events written to the store.",
		}, []string{"type"}),
		PersistenceErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "fuelwatch",
			Name:      "persistence_errors_total",
			Help:      "Store writes that failed after retries.",
		}),
		SnapshotsSaved: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "fuelwatch",
			Name:      "snapshots_saved_total",
			Help:      "Truck state snapshots persisted.",
		}),
		WorkerRestarts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "fuelwatch",
			Name:      "worker_restarts_total",
			Help:      "Per-truck workers restarted after a crash.",
		}),
		QueueDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "fuelwatch",
			Name:      "queue_depth",
			Help:      "Readings waiting in a truck worker's queue.",
		}, []string{"truck_id"}),
		PipelineLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "fuelwatch",
			Name:      "pipeline_latency_seconds",
			Help:      "Wall time to process one reading end to end.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
		}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (s *Set) Handler() http.Handler {
	return promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})
}

// Serve runs the metrics endpoint until ctx is cancelled. No-op when
// disabled in config.
func (s *Set) Serve(ctx context.Context, cfg config.MetricsConfig, log *zap.Logger) error {
	if !cfg.Enabled {
		return nil
	}
	if log == nil {
		log = zap.NewNop()
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", s.Handler())
	srv := &http.Server{Addr: cfg.Addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	log.Info("metrics endpoint listening", zap.String("addr", cfg.Addr))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
