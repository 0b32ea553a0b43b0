package health

import (
	"math"
	"time"

	"go.uber.org/zap"
)

// Pattern identifies a sensor failure mode.
type Pattern string

const (
	PatternMissing    Pattern = "MISSING"
	PatternStuck      Pattern = "STUCK"
	PatternErratic    Pattern = "ERRATIC"
	PatternOutOfRange Pattern = "OUT_OF_RANGE"
)

// Level buckets the rolling uptime percentage.
type Level int

const (
	LevelCritical Level = iota
	LevelPoor
	LevelFair
	LevelGood
	LevelExcellent
)

func (l Level) String() string {
	switch l {
	case LevelExcellent:
		return "EXCELLENT"
	case LevelGood:
		return "GOOD"
	case LevelFair:
		return "FAIR"
	case LevelPoor:
		return "POOR"
	}
	return "CRITICAL"
}

const (
	bufferCap = 1000

	stuckAfter   = 30 * time.Minute
	missingAfter = 5 * time.Minute

	// Successive change beyond this fraction of the sensor range counts as
	// an erratic transition.
	erraticFrac = 0.20

	// Two readings closer than this fraction of the range are "identical"
	// for stuck detection.
	stuckEpsilonFrac = 0.001
)

// Issue is one detected sensor anomaly, kept for reporting.
type Issue struct {
	Sensor    string
	Pattern   Pattern
	Timestamp time.Time
	Value     float64
}

// Report is the monitor's current verdict for one sensor.
type Report struct {
	Level            Level
	UptimePct        float64
	Disconnected     bool
	VolatilityBucket int     // 0 quiet .. 3 high, for classifier scoring
	NoiseFactor      float64 // >= 1, multiplies the estimator's R
}

type sample struct {
	ts    time.Time
	value float64
	good  bool
}

type sensorTrack struct {
	min, max float64

	buf     []sample
	erratic []bool // parallel flags for volatility, same bound as buf

	lastSeen   time.Time
	stuckSince time.Time
	stuckValue float64
	hasValue   bool
}

// Monitor scores the health of one truck's sensors from their rolling
// behavior. Not safe for concurrent use; each truck worker owns one.
type Monitor struct {
	truckID string
	log     *zap.Logger
	sensors map[string]*sensorTrack
	issues  []Issue
}

// NewMonitor creates a monitor for one truck.
func NewMonitor(truckID string, log *zap.Logger) *Monitor {
	if log == nil {
		log = zap.NewNop()
	}
	return &Monitor{
		truckID: truckID,
		log:     log.Named("health").With(zap.String("truck_id", truckID)),
		sensors: make(map[string]*sensorTrack),
	}
}

// Track registers a sensor and its physical bounds. Recording an untracked
// sensor registers it with open bounds.
func (m *Monitor) Track(sensor string, min, max float64) {
	m.sensors[sensor] = &sensorTrack{min: min, max: max}
}

// Record folds one reading into the sensor's rolling buffer, flagging the
// failure patterns it exhibits.
func (m *Monitor) Record(sensor string, ts time.Time, value float64) {
	tr, ok := m.sensors[sensor]
	if !ok {
		tr = &sensorTrack{min: math.Inf(-1), max: math.Inf(1)}
		m.sensors[sensor] = tr
	}

	good := true
	erratic := false
	rng := tr.max - tr.min

	if value < tr.min || value > tr.max {
		good = false
		m.flag(sensor, PatternOutOfRange, ts, value)
	}

	if good && tr.hasValue && rng > 0 {
		if math.Abs(value-tr.stuckValue) <= stuckEpsilonFrac*rng {
			if tr.stuckSince.IsZero() {
				tr.stuckSince = tr.lastSeen
			}
			if ts.Sub(tr.stuckSince) > stuckAfter {
				good = false
				m.flag(sensor, PatternStuck, ts, value)
			}
		} else {
			if last := tr.lastGood(); last != nil && math.Abs(value-last.value) > erraticFrac*rng {
				good = false
				erratic = true
				m.flag(sensor, PatternErratic, ts, value)
			}
			tr.stuckSince = time.Time{}
		}
	}

	tr.stuckValue = value
	tr.hasValue = true
	tr.lastSeen = ts
	tr.push(sample{ts: ts, value: value, good: good}, erratic)
}

func (tr *sensorTrack) push(s sample, erratic bool) {
	tr.buf = append(tr.buf, s)
	tr.erratic = append(tr.erratic, erratic)
	if len(tr.buf) > bufferCap {
		tr.buf = tr.buf[len(tr.buf)-bufferCap:]
		tr.erratic = tr.erratic[len(tr.erratic)-bufferCap:]
	}
}

func (tr *sensorTrack) lastGood() *sample {
	for i := len(tr.buf) - 1; i >= 0; i-- {
		if tr.buf[i].good {
			return &tr.buf[i]
		}
	}
	return nil
}

func (m *Monitor) flag(sensor string, p Pattern, ts time.Time, value float64) {
	m.issues = append(m.issues, Issue{Sensor: sensor, Pattern: p, Timestamp: ts, Value: value})
	if len(m.issues) > bufferCap {
		m.issues = m.issues[len(m.issues)-bufferCap:]
	}
	m.log.Warn("sensor anomaly",
		zap.String("sensor", sensor),
		zap.String("pattern", string(p)),
		zap.Float64("value", value))
}

// Issues returns the retained anomalies newer than the cutoff.
func (m *Monitor) Issues(since time.Time) []Issue {
	var out []Issue
	for _, is := range m.issues {
		if is.Timestamp.After(since) {
			out = append(out, is)
		}
	}
	return out
}

// Health reports the sensor's current level, uptime and the derived
// factors the classifier and estimator consume.
func (m *Monitor) Health(sensor string, now time.Time) Report {
	tr, ok := m.sensors[sensor]
	if !ok || len(tr.buf) == 0 {
		return Report{Level: LevelCritical, Disconnected: true, NoiseFactor: 2.0, VolatilityBucket: 3}
	}

	good, erratic := 0, 0
	for i, s := range tr.buf {
		if s.good {
			good++
		}
		if tr.erratic[i] {
			erratic++
		}
	}
	n := len(tr.buf)
	uptime := float64(good) / float64(n) * 100

	rep := Report{
		UptimePct:        uptime,
		Level:            levelFromUptime(uptime),
		Disconnected:     now.Sub(tr.lastSeen) > missingAfter,
		VolatilityBucket: volatilityBucket(float64(erratic) / float64(n)),
	}
	if rep.Disconnected {
		m.flag(sensor, PatternMissing, now, 0)
	}
	rep.NoiseFactor = noiseFactor(rep.Level)
	return rep
}

func levelFromUptime(pct float64) Level {
	switch {
	case pct >= 95:
		return LevelExcellent
	case pct >= 85:
		return LevelGood
	case pct >= 70:
		return LevelFair
	case pct >= 50:
		return LevelPoor
	}
	return LevelCritical
}

func volatilityBucket(frac float64) int {
	switch {
	case frac > 0.20:
		return 3
	case frac > 0.10:
		return 2
	case frac > 0.03:
		return 1
	}
	return 0
}

// noiseFactor widens the estimator's measurement noise as health degrades.
func noiseFactor(l Level) float64 {
	switch l {
	case LevelFair:
		return 1.3
	case LevelPoor:
		return 1.6
	case LevelCritical:
		return 2.0
	}
	return 1.0
}
