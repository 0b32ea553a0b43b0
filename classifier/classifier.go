package classifier

import (
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fleetsense/fuelwatch/config"
	"github.com/fleetsense/fuelwatch/model"
	"github.com/fleetsense/fuelwatch/util"
)

const (
	// Bounded history sizes for pattern scoring and threshold learning.
	theftHistoryCap  = 20
	refuelDeltasCap  = 20
	minLearnedDeltas = 10

	// The 5%-uncertainty band around an estimated loss.
	lossBandFrac = 0.05
)

// Classifier drives the per-truck state machine over level changes and
// turns them into refuel, theft, glitch or consumption outcomes.
// Not safe for concurrent use; each truck worker owns exactly one.
type Classifier struct {
	cfg   config.ThresholdConfig
	truck model.Truck
	zones []config.SafeZone
	log   *zap.Logger

	st model.ClassifierState

	lastLevel    float64
	hasLastLevel bool

	// anchor is the reference level drops are measured against. It follows
	// the level while moving (normal burn) and while rising, but holds
	// while parked or idling, so gradual parked drains still accumulate.
	anchor float64

	minLevel    float64 // lowest level seen while a drop is pending
	lastReading time.Time
}

// SensorHealth is the health monitor's view fed into confidence scoring.
// VolatilityBucket: 0 quiet, 1 low, 2 medium, 3 high.
type SensorHealth struct {
	Disconnected     bool
	VolatilityBucket int
}

// Input is one reading's worth of classifier signals. LevelPct is the
// effective level (sensor when valid, Kalman otherwise); KalmanCandidate
// marks that the estimator saw a refuel-sized jump this reading.
type Input struct {
	Timestamp       time.Time
	LevelPct        float64
	SensorValid     bool
	SpeedMPH        float64
	Status          model.TruckStatus
	Latitude        float64
	Longitude       float64
	HasLocation     bool
	MilesDelta      float64
	Health          SensorHealth
	KalmanCandidate bool
}

// Result is the classifier outcome for one reading. InRefuelWindow is the
// authority signal the estimator uses to discount measurement noise.
type Result struct {
	Refuel         *model.RefuelEvent
	Theft          *model.TheftEvent
	SensorGlitch   bool
	Consumption    bool
	InRefuelWindow bool
}

// New creates a classifier for one truck.
func New(cfg config.ThresholdConfig, truck model.Truck, zones []config.SafeZone, log *zap.Logger) *Classifier {
	if log == nil {
		log = zap.NewNop()
	}
	return &Classifier{
		cfg:   cfg,
		truck: truck,
		zones: zones,
		log:   log.Named("classifier").With(zap.String("truck_id", truck.TruckID)),
	}
}

// Restore primes the classifier from a persisted snapshot.
func (c *Classifier) Restore(st model.ClassifierState) {
	c.st = st
	if st.Pending != nil {
		c.minLevel = st.Pending.OriginalLevelPct - st.Pending.CumulativeDropPct
	}
}

// State returns a copy of the current persisted state.
func (c *Classifier) State() model.ClassifierState {
	return c.st
}

// RefuelJumpPct returns the jump threshold currently in force: the
// configured default until enough confirmed refuels exist, then the
// 10th percentile of the truck's own refuel deltas, shrunk by half a
// standard deviation of that history and floored at the configured minimum.
func (c *Classifier) RefuelJumpPct() float64 {
	if len(c.st.RefuelDeltas) < minLearnedDeltas {
		return c.cfg.MinRefuelJumpPct
	}
	p10 := util.Percentile(c.st.RefuelDeltas, 10)
	sd := util.StdDev(c.st.RefuelDeltas)
	return util.Clamp(p10-0.5*sd, c.cfg.RefuelJumpFloorPct, c.cfg.MinRefuelJumpPct)
}

// Observe processes one reading's level transition.
func (c *Classifier) Observe(in Input) Result {
	res := Result{InRefuelWindow: c.inRefuelWindow(in.Timestamp)}

	if !c.hasLastLevel {
		c.prime(in)
		if c.st.Pending == nil {
			return res
		}
	}
	defer func() {
		c.lastLevel = in.LevelPct
		c.lastReading = in.Timestamp
	}()

	if c.st.Pending != nil {
		return c.advancePending(in, res)
	}

	if delta := in.LevelPct - c.lastLevel; delta >= c.RefuelJumpPct() {
		// A refuel-sized rise inside one short poll gap is a sensor spike,
		// not a fill: pumps cannot move the needle that fast. The anchor
		// holds so a spike that falls back leaves no trace.
		if gap := in.Timestamp.Sub(c.lastReading); gap < c.cfg.MinRefuelGap {
			c.log.Warn("refuel-sized spike across a short gap, ignored",
				zap.Float64("jump_pct", delta), zap.Duration("gap", gap))
			return res
		}
		if ev := c.acceptRefuel(in, c.lastLevel, delta); ev != nil {
			res.Refuel = ev
			res.InRefuelWindow = true
		}
		c.anchor = in.LevelPct
		return res
	}

	switch {
	case in.Status == model.StatusMoving || in.SpeedMPH > c.cfg.SpeedGateMPH:
		// Burn under movement is normal; the reference follows the level.
		c.anchor = in.LevelPct
	case in.LevelPct > c.anchor:
		c.anchor = in.LevelPct
	case c.anchor-in.LevelPct >= c.cfg.DropThresholdPct:
		c.openDrop(in)
	}
	return res
}

func (c *Classifier) prime(in Input) {
	c.lastLevel = in.LevelPct
	c.anchor = in.LevelPct
	c.lastReading = in.Timestamp
	c.hasLastLevel = true
}

// inRefuelWindow reports whether a recent confirmed refuel should still
// discount the estimator's measurement noise.
func (c *Classifier) inRefuelWindow(ts time.Time) bool {
	return !c.st.LastRefuelTime.IsZero() && ts.Sub(c.st.LastRefuelTime) < c.cfg.RefuelDedupWindow
}

// acceptRefuel validates an upward jump as a refuel. Nil means the jump
// failed a validation gate or fell inside the dedup window.
func (c *Classifier) acceptRefuel(in Input, beforePct, jumpPct float64) *model.RefuelEvent {
	gallons := jumpPct / 100 * c.truck.TankCapacityGal
	if f := c.truck.RefuelFactor; f > 0 {
		gallons *= f
	}
	if gallons < c.cfg.MinRefuelGal {
		c.log.Warn("refuel-sized jump below gallon floor, ignored",
			zap.Float64("jump_pct", jumpPct), zap.Float64("gallons", gallons))
		return nil
	}
	gap := in.Timestamp.Sub(c.lastReading)
	if gap > c.cfg.MaxRefuelGap {
		c.log.Warn("jump across a stale gap, treated as resync not refuel",
			zap.Duration("gap", gap))
		return nil
	}
	if !c.st.LastRefuelTime.IsZero() && in.Timestamp.Sub(c.st.LastRefuelTime) < c.cfg.RefuelDedupWindow {
		return nil
	}

	method := model.DetectSensor
	if in.KalmanCandidate {
		method = model.DetectBoth
	} else if !in.SensorValid {
		method = model.DetectKalman
	}

	c.st.LastRefuelTime = in.Timestamp
	c.pushRefuelDelta(jumpPct)

	return &model.RefuelEvent{
		ID:            uuid.NewString(),
		TruckID:       c.truck.TruckID,
		Timestamp:     in.Timestamp,
		FuelBeforePct: beforePct,
		FuelAfterPct:  in.LevelPct,
		GallonsAdded:  gallons,
		Method:        method,
		Confidence:    c.refuelConfidence(in, jumpPct, method),
		Latitude:      in.Latitude,
		Longitude:     in.Longitude,
	}
}

func (c *Classifier) refuelConfidence(in Input, jumpPct float64, method model.DetectionMethod) float64 {
	conf := 0.5
	if in.Status != model.StatusMoving {
		conf += 0.2
	}
	if jumpPct >= 2*c.cfg.MinRefuelJumpPct {
		conf += 0.2
	}
	if method == model.DetectBoth {
		conf += 0.1
	}
	return util.Clamp(conf, 0, 1)
}

func (c *Classifier) pushRefuelDelta(jumpPct float64) {
	c.st.RefuelDeltas = append(c.st.RefuelDeltas, jumpPct)
	if len(c.st.RefuelDeltas) > refuelDeltasCap {
		c.st.RefuelDeltas = c.st.RefuelDeltas[len(c.st.RefuelDeltas)-refuelDeltasCap:]
	}
}

func (c *Classifier) openDrop(in Input) {
	c.st.Pending = &model.PendingDrop{
		OriginalLevelPct:  c.anchor,
		DropStartTime:     in.Timestamp,
		CumulativeDropPct: c.anchor - in.LevelPct,
		MaxSpeedMPH:       in.SpeedMPH,
		MilesMoved:        in.MilesDelta,
	}
	c.minLevel = in.LevelPct
	c.log.Info("sudden drop, recovery window opened",
		zap.Float64("drop_pct", c.anchor-in.LevelPct),
		zap.Float64("from_pct", c.anchor))
}

// advancePending runs the PENDING_DROP transitions for one reading.
func (c *Classifier) advancePending(in Input, res Result) Result {
	p := c.st.Pending
	if in.SpeedMPH > p.MaxSpeedMPH {
		p.MaxSpeedMPH = in.SpeedMPH
	}
	p.MilesMoved += in.MilesDelta
	if in.LevelPct < c.minLevel {
		c.minLevel = in.LevelPct
	}
	p.CumulativeDropPct = p.OriginalLevelPct - c.minLevel

	// Speed gate: a drop with real movement is burn, never theft.
	if p.MaxSpeedMPH > c.cfg.SpeedGateMPH {
		c.log.Info("drop under movement, classified as consumption",
			zap.Float64("max_speed", p.MaxSpeedMPH))
		c.closePending(in.LevelPct)
		res.Consumption = true
		return res
	}

	// Full recovery: the drop was a sensor artifact.
	if in.LevelPct >= p.OriginalLevelPct-c.cfg.RecoveryTolerancePct {
		c.log.Info("level recovered, classified as sensor glitch",
			zap.Duration("after", in.Timestamp.Sub(p.DropStartTime)))
		c.closePending(in.LevelPct)
		res.SensorGlitch = true
		return res
	}

	// Partial rise past the refuel threshold: someone refueled mid-window.
	if rise := in.LevelPct - c.minLevel; rise > c.cfg.RefuelThresholdPct {
		if ev := c.acceptRefuel(in, c.minLevel, rise); ev != nil {
			c.closePending(in.LevelPct)
			res.Refuel = ev
			res.InRefuelWindow = true
			return res
		}
	}

	if in.Timestamp.Sub(p.DropStartTime) >= c.recoveryWindow(p) {
		res.Theft = c.classifyTheft(in, *p)
		c.closePending(in.LevelPct)
	}
	return res
}

// recoveryWindow extends the wait for small drops, where one more noisy
// reading could still flip the verdict.
func (c *Classifier) recoveryWindow(p *model.PendingDrop) time.Duration {
	if p.CumulativeDropPct < 1.5*c.cfg.DropThresholdPct {
		return c.cfg.RecoveryWindowMax
	}
	return c.cfg.RecoveryWindow
}

func (c *Classifier) closePending(level float64) {
	c.st.Pending = nil
	c.minLevel = 0
	c.anchor = level
}

// classifyTheft scores an expired drop. Nil when the score clears neither
// the confirmed nor the suspected bar.
func (c *Classifier) classifyTheft(in Input, p model.PendingDrop) *model.TheftEvent {
	dropPct := p.CumulativeDropPct
	dropGal := dropPct / 100 * c.truck.TankCapacityGal

	factors := c.scoreFactors(in, p, dropGal)
	score := util.Clamp(50+factors.Movement+factors.Time+factors.Sensor+
		factors.DropSize+factors.Location+factors.Pattern+factors.Recovery, 0, 100)

	var class model.TheftClassification
	switch {
	case score >= c.cfg.TheftConfirmedScore:
		class = model.TheftConfirmed
	case score >= c.cfg.TheftSuspectedScore:
		class = model.TheftSuspected
	default:
		c.log.Info("drop discarded below suspicion threshold",
			zap.Float64("score", score), zap.Float64("drop_pct", dropPct))
		return nil
	}

	c.pushTheftTimestamp(p.DropStartTime)
	return &model.TheftEvent{
		ID:             uuid.NewString(),
		TruckID:        c.truck.TruckID,
		Timestamp:      p.DropStartTime,
		FuelDropGal:    dropGal,
		DropPct:        dropPct,
		Classification: class,
		Confidence:     score,
		EstLossGalMin:  dropGal * (1 - lossBandFrac),
		EstLossGalMax:  dropGal * (1 + lossBandFrac),
		Factors:        factors,
	}
}

func (c *Classifier) scoreFactors(in Input, p model.PendingDrop, dropGal float64) model.TheftFactors {
	var f model.TheftFactors

	switch {
	case in.Status == model.StatusParked:
		f.Movement = 30
	case p.MilesMoved > 0.1:
		f.Movement = -50
	default:
		f.Movement = 10
	}

	f.Time = timeOfDayScore(p.DropStartTime)
	f.Sensor = sensorScore(in.Health)
	f.DropSize = dropSizeScore(dropGal, p.CumulativeDropPct)
	f.Location = c.locationScore(in)
	f.Pattern = c.patternScore(p.DropStartTime)
	f.Recovery = recoveryScore(in, p, c.minLevel)

	return f
}

func timeOfDayScore(ts time.Time) float64 {
	h := ts.Hour()
	score := 0.0
	if h >= 22 || h < 5 {
		score += 10
	} else if h < 7 || h >= 19 {
		score += 3
	}
	switch ts.Weekday() {
	case time.Saturday, time.Sunday:
		score += 5
	}
	return score
}

func sensorScore(h SensorHealth) float64 {
	if h.Disconnected {
		return -40
	}
	switch h.VolatilityBucket {
	case 3:
		return -30
	case 2:
		return -20
	case 1:
		return -10
	}
	return 0
}

func dropSizeScore(dropGal, dropPct float64) float64 {
	score := 5.0
	switch {
	case dropGal >= 50:
		score = 25
	case dropGal >= 30:
		score = 20
	case dropGal >= 20:
		score = 15
	case dropGal >= 15:
		score = 10
	}
	if dropPct >= 30 {
		score += 5
	}
	return score
}

func (c *Classifier) locationScore(in Input) float64 {
	if !in.HasLocation {
		return 0
	}
	for _, z := range c.zones {
		if util.HaversineM(in.Latitude, in.Longitude, z.Latitude, z.Longitude) <= z.RadiusM {
			return -20
		}
	}
	return 10
}

// patternScore rewards recurrence: prior thefts, and prior thefts at the
// same weekday or hour of day.
func (c *Classifier) patternScore(ts time.Time) float64 {
	n := len(c.st.TheftTimestamps)
	score := 0.0
	switch {
	case n >= 3:
		score = 15
	case n == 2:
		score = 10
	case n == 1:
		score = 5
	}
	sameWeekday, sameHour := false, false
	for _, prev := range c.st.TheftTimestamps {
		if prev.Weekday() == ts.Weekday() {
			sameWeekday = true
		}
		if dh := hourDistance(prev.Hour(), ts.Hour()); dh <= 2 {
			sameHour = true
		}
	}
	if sameWeekday {
		score += 5
	}
	if sameHour {
		score += 5
	}
	return score
}

func hourDistance(a, b int) int {
	d := a - b
	if d < 0 {
		d = -d
	}
	if d > 12 {
		d = 24 - d
	}
	return d
}

// recoveryScore penalizes drops that partially climbed back: the faster the
// recovery started, the more it looks like sensor noise.
func recoveryScore(in Input, p model.PendingDrop, minLevel float64) float64 {
	recovered := in.LevelPct - minLevel
	if recovered < p.CumulativeDropPct/2 {
		return 0
	}
	switch elapsed := in.Timestamp.Sub(p.DropStartTime); {
	case elapsed < 10*time.Minute:
		return -50
	case elapsed < 20*time.Minute:
		return -40
	case elapsed < 30*time.Minute:
		return -30
	}
	return 0
}

func (c *Classifier) pushTheftTimestamp(ts time.Time) {
	c.st.TheftTimestamps = append(c.st.TheftTimestamps, ts)
	if len(c.st.TheftTimestamps) > theftHistoryCap {
		c.st.TheftTimestamps = c.st.TheftTimestamps[len(c.st.TheftTimestamps)-theftHistoryCap:]
	}
}
