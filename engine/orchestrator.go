package engine

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fleetsense/fuelwatch/classifier"
	"github.com/fleetsense/fuelwatch/config"
	"github.com/fleetsense/fuelwatch/health"
	"github.com/fleetsense/fuelwatch/j1939"
	"github.com/fleetsense/fuelwatch/kalman"
	"github.com/fleetsense/fuelwatch/metrics"
	"github.com/fleetsense/fuelwatch/model"
	"github.com/fleetsense/fuelwatch/mpg"
	"github.com/fleetsense/fuelwatch/rul"
	"github.com/fleetsense/fuelwatch/store"
	"github.com/fleetsense/fuelwatch/util"
)

const (
	movingSpeedMPH     = 2.0
	parkedSettle       = 60 * time.Second
	parkedMoveRadiusM  = 30.0
	metersPerMile      = 1609.344
	historyCap         = 360
	maxPersistAttempts = 3
	persistBackoffBase = 200 * time.Millisecond
	theftSuppression   = 24 * time.Hour
)

// Deps carries everything an orchestrator needs. Gateway and Truck are
// required; nil Decoder disables DTC decoding, nil Metrics gets a private set.
type Deps struct {
	Config      config.Config
	Truck       model.Truck
	Calibration kalman.Calibration
	Gateway     store.Gateway
	Decoder     *j1939.Decoder
	Metrics     *metrics.Set
	Logger      *zap.Logger
}

// Orchestrator is the single-writer state owner for one truck. All methods
// must be called from one goroutine; the fleet scheduler guarantees this.
type Orchestrator struct {
	cfg   config.Config
	truck model.Truck
	log   *zap.Logger

	est    *kalman.Estimator
	mpg    *mpg.Engine
	cls    *classifier.Classifier
	siphon *classifier.SiphonDetector
	health *health.Monitor
	rul    *rul.Predictor
	dtc    *j1939.Decoder
	gw     store.Gateway
	mets   *metrics.Set

	history *History

	lastProcessed  time.Time
	inRefuelWindow bool
	lastTheftAt    time.Time
	lastRULRun     time.Time

	lastOdometer float64
	hasOdometer  bool
	prevLat      float64
	prevLon      float64
	hasLoc       bool
	lastMoveAt   time.Time

	firstReadingAt time.Time
	totalMiles     float64

	sinceSnapshot int
}

// NewOrchestrator wires the per-truck pipeline. It performs no I/O; call
// Warm to restore persisted state before the first reading.
func NewOrchestrator(d Deps) *Orchestrator {
	log := d.Logger
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("orchestrator").With(zap.String("truck_id", d.Truck.TruckID))
	mets := d.Metrics
	if mets == nil {
		mets = metrics.NewSet()
	}

	mon := health.NewMonitor(d.Truck.TruckID, log)
	mon.Track("fuel_pct", 0, 100)
	mon.Track("battery_voltage", 9, 16)
	mon.Track("rpm", 0, 3500)
	mon.Track("speed_mph", 0, 110)

	return &Orchestrator{
		cfg:     d.Config,
		truck:   d.Truck,
		log:     log,
		est:     kalman.New(d.Config.Kalman, d.Truck, d.Calibration, log),
		mpg:     mpg.New(d.Config.MPG, d.Truck, log),
		cls:     classifier.New(d.Config.Thresholds, d.Truck, d.Config.SafeZones, log),
		siphon:  classifier.NewSiphonDetector(d.Config.Siphon, d.Truck, log),
		health:  mon,
		rul:     rul.New(d.Config.RUL, d.Truck, log),
		dtc:     d.Decoder,
		gw:      d.Gateway,
		mets:    mets,
		history: NewHistory(historyCap),
	}
}

// Warm restores persisted state from the latest snapshot. A missing or
// unreadable snapshot means a cold start, never an error.
func (o *Orchestrator) Warm(ctx context.Context) {
	snap, err := o.gw.LoadSnapshot(ctx, o.truck.TruckID)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
		case errors.Is(err, store.ErrCorrupt):
			o.log.Warn("corrupt snapshot archived, cold start", zap.Error(err))
			if aerr := o.gw.ArchiveSnapshot(ctx, o.truck.TruckID); aerr != nil {
				o.log.Warn("snapshot archive failed", zap.Error(aerr))
			}
		default:
			o.log.Warn("snapshot unreadable, cold start", zap.Error(err))
		}
		return
	}
	if snap.Version != model.SnapshotVersion {
		o.log.Warn("snapshot version mismatch, cold start",
			zap.Int("version", snap.Version))
		if aerr := o.gw.ArchiveSnapshot(ctx, o.truck.TruckID); aerr != nil {
			o.log.Warn("snapshot archive failed", zap.Error(aerr))
		}
		return
	}
	if snap.Kalman != nil {
		o.est.Restore(*snap.Kalman)
		o.mpg.PrimeBaselines(snap.Kalman.LastOdometerMi, snap.Kalman.LastECUFuelGal)
		if snap.Kalman.LastOdometerMi > 0 {
			o.lastOdometer = snap.Kalman.LastOdometerMi
			o.hasOdometer = true
		}
	}
	if snap.MPG != nil {
		o.mpg.Restore(*snap.MPG)
	}
	if snap.Classifier != nil {
		o.cls.Restore(*snap.Classifier)
	}
	o.log.Info("state restored from snapshot", zap.Time("saved_at", snap.SavedAt))
}

// History exposes the in-memory ring of processed rows.
func (o *Orchestrator) History() *History { return o.history }

// Process runs one raw reading through the full pipeline. Errors and
// panics are contained here; the worker keeps running on the next reading.
func (o *Orchestrator) Process(ctx context.Context, r model.RawReading) {
	defer func() {
		if p := recover(); p != nil {
			o.log.Error("reading processing panicked",
				zap.Any("panic", p), zap.Stack("stack"))
		}
	}()

	started := time.Now()
	if !o.lastProcessed.IsZero() && !r.Timestamp.After(o.lastProcessed) {
		o.log.Warn("out-of-order reading dropped",
			zap.Time("timestamp", r.Timestamp),
			zap.Time("last_processed", o.lastProcessed))
		o.mets.ReadingsDropped.WithLabelValues("out_of_order").Inc()
		return
	}
	var gap time.Duration
	if !o.lastProcessed.IsZero() {
		gap = r.Timestamp.Sub(o.lastProcessed)
	}
	if o.firstReadingAt.IsZero() {
		o.firstReadingAt = r.Timestamp
	}

	hasFix := r.GPSSatellites >= 3 && (r.Latitude != 0 || r.Longitude != 0)
	status := o.deriveStatus(r, hasFix)
	miles := o.milesDelta(r, hasFix)
	o.totalMiles += miles
	if hasFix {
		o.prevLat, o.prevLon = r.Latitude, r.Longitude
		o.hasLoc = true
	}

	sensorValid := r.FuelLevelPct != nil && util.IsFinite(*r.FuelLevelPct)
	if sensorValid {
		o.health.Record("fuel_pct", r.Timestamp, *r.FuelLevelPct)
	}
	if r.BatteryVoltage > 0 {
		o.health.Record("battery_voltage", r.Timestamp, r.BatteryVoltage)
	}
	o.health.Record("rpm", r.Timestamp, r.RPM)
	o.health.Record("speed_mph", r.Timestamp, r.SpeedMPH)
	fuelHealth := o.health.Health("fuel_pct", r.Timestamp)

	pr := o.est.Predict(kalman.PredictInput{
		Timestamp:      r.Timestamp,
		RPM:            r.RPM,
		SpeedMPH:       r.SpeedMPH,
		EngineLoadPct:  r.EngineLoadPct,
		ECUFuelRateLPH: r.ECUFuelRateLPH,
		AltitudeM:      r.AltitudeM,
		Status:         status,
	})
	level := pr.LevelPct

	var ur kalman.UpdateResult
	if sensorValid {
		ur = o.est.Update(kalman.MeasurementContext{
			Timestamp:         r.Timestamp,
			SensorPct:         *r.FuelLevelPct,
			Satellites:        r.GPSSatellites,
			Voltage:           r.BatteryVoltage,
			AmbientTempF:      r.AmbientTempF,
			Status:            status,
			InRefuelWindow:    o.inRefuelWindow,
			SensorNoiseFactor: fuelHealth.NoiseFactor,
			RefuelJumpPct:     o.cls.RefuelJumpPct(),
		})
		level = ur.LevelPct
	}

	kst := o.est.State()
	score := confidenceScore(confidenceInputs{
		SensorAvailable: sensorValid && !ur.Rejected,
		GapFromPrev:     gap,
		PollInterval:    o.cfg.Wialon.PollInterval,
		Satellites:      r.GPSSatellites,
		Voltage:         r.BatteryVoltage,
		KalmanP00:       kst.P[0],
		KalmanReady:     kst.Initialized,
		ECUAvailable:    r.ECUFuelRateLPH != nil,
		ECUStatus:       pr.ECUStatus,
		DriftWarning:    ur.DriftWarning,
		SensorNoise:     fuelHealth.NoiseFactor,
	})

	mres := o.mpg.Update(mpg.Input{
		Timestamp:      r.Timestamp,
		SpeedMPH:       r.SpeedMPH,
		OdometerMi:     r.OdometerMi,
		ECUFuelUsedGal: r.ECUFuelUsedGal,
		KalmanLevelPct: level,
		KalmanReady:    kst.Initialized,
		InRefuelWindow: o.inRefuelWindow,
	})

	obsLevel := level
	if sensorValid {
		obsLevel = *r.FuelLevelPct
	}
	cres := o.cls.Observe(classifier.Input{
		Timestamp:   r.Timestamp,
		LevelPct:    obsLevel,
		SensorValid: sensorValid,
		SpeedMPH:    r.SpeedMPH,
		Status:      status,
		Latitude:    r.Latitude,
		Longitude:   r.Longitude,
		HasLocation: hasFix,
		MilesDelta:  miles,
		Health: classifier.SensorHealth{
			Disconnected:     fuelHealth.Disconnected,
			VolatilityBucket: fuelHealth.VolatilityBucket,
		},
		KalmanCandidate: ur.Refuel != nil,
	})
	o.inRefuelWindow = cres.InRefuelWindow

	if cres.Refuel != nil {
		ev := *cres.Refuel
		if o.persist(ctx, "refuel_event", func(c context.Context) error {
			return o.gw.WriteRefuelEvent(c, ev)
		}) == nil {
			o.mets.EventsEmitted.WithLabelValues("refuel").Inc()
			o.log.Info("refuel event",
				zap.Time("timestamp", ev.Timestamp),
				zap.Float64("gallons", ev.GallonsAdded),
				zap.String("method", string(ev.Method)),
				zap.Float64("confidence", ev.Confidence))
		}
		o.est.ResetTo(ev.FuelAfterPct, r.Timestamp)
		level = ev.FuelAfterPct
	}
	if cres.Theft != nil {
		ev := *cres.Theft
		if o.persist(ctx, "theft_event", func(c context.Context) error {
			return o.gw.WriteTheftEvent(c, ev)
		}) == nil {
			o.mets.EventsEmitted.WithLabelValues("theft").Inc()
			o.log.Warn("theft event",
				zap.Time("timestamp", ev.Timestamp),
				zap.String("classification", string(ev.Classification)),
				zap.Float64("drop_gal", ev.FuelDropGal),
				zap.Float64("confidence", ev.Confidence))
		}
		o.lastTheftAt = r.Timestamp
	}

	// Daily-aggregate bookkeeping for the slow-siphon detector. Burn uses
	// the consumption the filter actually applied over the gap.
	burnGal := 0.0
	if gap > 0 {
		burnGal = pr.AppliedLPH * gap.Hours() / model.GallonsToLiters
	}
	o.siphon.Record(r.Timestamp, miles, burnGal, status == model.StatusParked)
	suppressed := !o.lastTheftAt.IsZero() && r.Timestamp.Sub(o.lastTheftAt) < theftSuppression
	if ev := o.siphon.Evaluate(suppressed); ev != nil {
		siphonEv := *ev
		if o.persist(ctx, "theft_event", func(c context.Context) error {
			return o.gw.WriteTheftEvent(c, siphonEv)
		}) == nil {
			o.mets.EventsEmitted.WithLabelValues("slow_siphon").Inc()
			o.log.Warn("slow siphon event",
				zap.Float64("loss_gal", siphonEv.FuelDropGal),
				zap.Float64("confidence", siphonEv.Confidence))
		}
	}

	if o.dtc != nil && r.DTCString != nil {
		o.decodeDTCs(ctx, r.Timestamp, *r.DTCString)
	}

	o.observeComponents(r, fuelHealth)
	o.maybePredictRUL(ctx, r.Timestamp)

	metric := model.FuelMetric{
		TruckID:         o.truck.TruckID,
		Timestamp:       r.Timestamp,
		SensorFuelPct:   r.FuelLevelPct,
		KalmanFuelPct:   level,
		MPGInstant:      mres.InstantMPG,
		MPGEMA:          mres.EMAMPG,
		MPGSNR:          mres.SNR,
		ECUStatus:       pr.ECUStatus,
		ECUDeviationPct: pr.ECUDeviationPct,
		ConfidenceScore: score,
		ConfidenceLevel: model.ConfidenceLevelFromScore(score),
		IsInterpolated:  !sensorValid,
		SpeedMPH:        r.SpeedMPH,
		Status:          status,
		IsAllowed:       o.truck.IsAllowed,
	}
	if o.persist(ctx, "fuel_metric", func(c context.Context) error {
		if err := o.gw.AppendFuelMetric(c, metric); err != nil {
			return err
		}
		return o.gw.UpsertLatest(c, metric)
	}) == nil {
		o.history.Push(metric)
	}

	o.lastProcessed = r.Timestamp
	o.sinceSnapshot++
	if interval := o.cfg.Scheduler.SnapshotIntervalReadings; interval > 0 && o.sinceSnapshot >= interval {
		o.Snapshot(ctx)
		o.sinceSnapshot = 0
	}

	o.mets.ReadingsProcessed.WithLabelValues(o.truck.TruckID).Inc()
	o.mets.PipelineLatency.Observe(time.Since(started).Seconds())
}

// Snapshot persists the warm-start payload for this truck.
func (o *Orchestrator) Snapshot(ctx context.Context) {
	kst := o.est.State()
	// Counter baselines ride in the Kalman snapshot so the MPG deltas
	// survive a restart instead of re-priming on the first reading.
	kst.LastOdometerMi, kst.LastECUFuelGal = o.mpg.Baselines()
	mst := o.mpg.State()
	cst := o.cls.State()
	snap := model.TruckSnapshot{
		Version:    model.SnapshotVersion,
		TruckID:    o.truck.TruckID,
		SavedAt:    time.Now().UTC(),
		Kalman:     &kst,
		MPG:        &mst,
		Classifier: &cst,
	}
	if o.persist(ctx, "snapshot", func(c context.Context) error {
		return o.gw.SaveSnapshot(c, snap)
	}) == nil {
		o.mets.SnapshotsSaved.Inc()
	}
}

func (o *Orchestrator) deriveStatus(r model.RawReading, hasFix bool) model.TruckStatus {
	movedM := 0.0
	if hasFix && o.hasLoc {
		movedM = util.HaversineM(o.prevLat, o.prevLon, r.Latitude, r.Longitude)
	}
	if r.SpeedMPH >= movingSpeedMPH || movedM > parkedMoveRadiusM {
		o.lastMoveAt = r.Timestamp
	}
	if r.SpeedMPH >= movingSpeedMPH {
		return model.StatusMoving
	}
	if r.RPM > 0 {
		return model.StatusIdle
	}
	if !o.lastMoveAt.IsZero() && r.Timestamp.Sub(o.lastMoveAt) < parkedSettle {
		return model.StatusIdle
	}
	return model.StatusParked
}

func (o *Orchestrator) milesDelta(r model.RawReading, hasFix bool) float64 {
	if r.OdometerMi != nil && util.IsFinite(*r.OdometerMi) {
		d := 0.0
		if o.hasOdometer {
			d = util.Delta(o.lastOdometer, *r.OdometerMi)
		}
		o.lastOdometer = *r.OdometerMi
		o.hasOdometer = true
		return d
	}
	if hasFix && o.hasLoc {
		return util.HaversineM(o.prevLat, o.prevLon, r.Latitude, r.Longitude) / metersPerMile
	}
	return 0
}

func (o *Orchestrator) decodeDTCs(ctx context.Context, ts time.Time, raw string) {
	for _, rec := range o.dtc.Decode(raw) {
		ev := model.DTCEvent{
			ID:               uuid.NewString(),
			TruckID:          o.truck.TruckID,
			Timestamp:        ts,
			DTCCode:          rec.Code(),
			SPN:              rec.SPN,
			FMI:              rec.FMI,
			Severity:         rec.Severity,
			Category:         rec.Category,
			DescriptionES:    rec.DescriptionES,
			SPNExplanationES: rec.SPNExplanationES,
			FMIExplanationES: rec.FMIExplanationES,
			HasDetailedInfo:  rec.HasDetailedInfo,
			OEM:              rec.OEM,
			ActionRequired:   rec.Action,
			Status:           model.DTCNew,
		}
		if o.persist(ctx, "dtc_event", func(c context.Context) error {
			return o.gw.WriteDTCEvent(c, ev)
		}) == nil {
			o.mets.EventsEmitted.WithLabelValues("dtc").Inc()
		}
	}
}

// observeComponents feeds degradation series from the signals the raw
// reading actually carries.
func (o *Orchestrator) observeComponents(r model.RawReading, fuelHealth health.Report) {
	if r.BatteryVoltage > 0 {
		o.rul.Observe("battery", r.Timestamp, batteryScore(r.BatteryVoltage))
	}
	o.rul.Observe("fuel_sensor", r.Timestamp, fuelHealth.UptimePct)
}

func (o *Orchestrator) maybePredictRUL(ctx context.Context, now time.Time) {
	interval := o.cfg.RUL.Interval
	if interval <= 0 {
		return
	}
	if !o.lastRULRun.IsZero() && now.Sub(o.lastRULRun) < interval {
		return
	}
	o.lastRULRun = now
	for _, pred := range o.rul.PredictAll(now, o.avgDailyMiles(now)) {
		p := pred
		if o.persist(ctx, "rul_prediction", func(c context.Context) error {
			return o.gw.SaveRULPrediction(c, p)
		}) == nil {
			o.mets.EventsEmitted.WithLabelValues("rul").Inc()
		}
	}
}

func (o *Orchestrator) avgDailyMiles(now time.Time) float64 {
	days := now.Sub(o.firstReadingAt).Hours() / 24
	if days < 1 {
		days = 1
	}
	return o.totalMiles / days
}

// batteryScore maps battery voltage to a 0-100 degradation score.
// 12.5 V resting reads healthy; below 10.5 V the battery is done.
func batteryScore(voltage float64) float64 {
	return util.Clamp((voltage-10.5)/2.0*100, 0, 100)
}

// persist runs one gateway call with the configured timeout and bounded
// jittered retry. Failures are logged and counted; the caller drops the
// write and moves on.
func (o *Orchestrator) persist(ctx context.Context, kind string, op func(context.Context) error) error {
	timeout := o.cfg.Scheduler.PersistenceTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	var err error
	for attempt := 1; attempt <= maxPersistAttempts; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, timeout)
		err = op(callCtx)
		cancel()
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			break
		}
		if attempt < maxPersistAttempts {
			backoff := persistBackoffBase << (attempt - 1)
			backoff += time.Duration(rand.Int63n(int64(backoff)))
			select {
			case <-ctx.Done():
			case <-time.After(backoff):
			}
		}
	}
	o.mets.PersistenceErrors.Inc()
	o.log.Error("persistence failed, dropping write",
		zap.String("kind", kind), zap.Error(err))
	return err
}
