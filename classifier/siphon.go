package classifier

import (
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fleetsense/fuelwatch/config"
	"github.com/fleetsense/fuelwatch/model"
	"github.com/fleetsense/fuelwatch/util"
)

// SiphonDetector watches for gradual losses the instantaneous classifier
// cannot see: a little fuel missing every night adds up over days.
// Not safe for concurrent use; each truck worker owns exactly one.
type SiphonDetector struct {
	cfg   config.SiphonConfig
	truck model.Truck
	log   *zap.Logger

	days        []dayAggregate // ascending by date, bounded to the window
	lastEmitDay time.Time
}

type dayAggregate struct {
	Date           time.Time `json:"date"`
	ExpectedGal    float64   `json:"expected_gal"`
	ActualGal      float64   `json:"actual_gal"`
	ParkedReadings int       `json:"parked_readings"`
	TotalReadings  int       `json:"total_readings"`
}

func (d dayAggregate) lossGal() float64 {
	return d.ActualGal - d.ExpectedGal
}

// NewSiphonDetector creates a detector for one truck.
func NewSiphonDetector(cfg config.SiphonConfig, truck model.Truck, log *zap.Logger) *SiphonDetector {
	if log == nil {
		log = zap.NewNop()
	}
	return &SiphonDetector{
		cfg:   cfg,
		truck: truck,
		log:   log.Named("siphon").With(zap.String("truck_id", truck.TruckID)),
	}
}

// Record folds one reading's deltas into the current day's aggregate.
// Expected consumption derives from the truck's baseline MPG.
func (s *SiphonDetector) Record(ts time.Time, milesDelta, burnGal float64, parked bool) {
	day := ts.UTC().Truncate(24 * time.Hour)
	agg := s.dayFor(day)

	if s.truck.BaselineMPG > 0 && milesDelta > 0 {
		agg.ExpectedGal += milesDelta / s.truck.BaselineMPG
	}
	if burnGal > 0 {
		agg.ActualGal += burnGal
	}
	agg.TotalReadings++
	if parked {
		agg.ParkedReadings++
	}
}

func (s *SiphonDetector) dayFor(day time.Time) *dayAggregate {
	if n := len(s.days); n > 0 && s.days[n-1].Date.Equal(day) {
		return &s.days[n-1]
	}
	s.days = append(s.days, dayAggregate{Date: day})
	if len(s.days) > s.cfg.WindowDays {
		s.days = s.days[len(s.days)-s.cfg.WindowDays:]
	}
	return &s.days[len(s.days)-1]
}

// Evaluate checks the rolling window and emits at most one SLOW_SIPHON
// event per run of affected days. instantTheftNearby suppresses the event
// when the loss is already covered by an instantaneous theft.
func (s *SiphonDetector) Evaluate(instantTheftNearby bool) *model.TheftEvent {
	affected := s.trailingAffected()
	if len(affected) < s.cfg.MinAffectedDays {
		return nil
	}

	total := 0.0
	for _, d := range affected {
		total += d.lossGal()
	}
	if total < s.cfg.WindowThresholdGal {
		return nil
	}

	last := affected[len(affected)-1]
	if !s.lastEmitDay.Before(last.Date) {
		return nil
	}
	if instantTheftNearby {
		s.log.Info("slow-siphon window overlaps instantaneous theft, suppressed",
			zap.Float64("total_loss_gal", total))
		return nil
	}

	s.lastEmitDay = last.Date
	conf := s.confidence(affected)
	s.log.Warn("slow siphon detected",
		zap.Int("affected_days", len(affected)),
		zap.Float64("total_loss_gal", total),
		zap.Float64("confidence", conf))

	dropPct := 0.0
	if s.truck.TankCapacityGal > 0 {
		dropPct = total / s.truck.TankCapacityGal * 100
	}
	return &model.TheftEvent{
		ID:             uuid.NewString(),
		TruckID:        s.truck.TruckID,
		Timestamp:      last.Date,
		FuelDropGal:    total,
		DropPct:        dropPct,
		Classification: model.SlowSiphon,
		Confidence:     conf,
		EstLossGalMin:  total * (1 - lossBandFrac),
		EstLossGalMax:  total * (1 + lossBandFrac),
	}
}

// trailingAffected returns the run of consecutive days, ending at the most
// recent aggregate, whose daily loss clears the threshold.
func (s *SiphonDetector) trailingAffected() []dayAggregate {
	var run []dayAggregate
	for i := len(s.days) - 1; i >= 0; i-- {
		d := s.days[i]
		if d.lossGal() <= s.cfg.DailyThresholdGal {
			break
		}
		if len(run) > 0 && !d.Date.AddDate(0, 0, 1).Equal(run[0].Date) {
			break
		}
		run = append([]dayAggregate{d}, run...)
	}
	return run
}

// confidence: base 50 plus 10 per affected day, with bonuses for a
// monotone loss trend and for parked-heavy days.
func (s *SiphonDetector) confidence(affected []dayAggregate) float64 {
	conf := 50 + 10*float64(len(affected))

	monotone := true
	for i := 1; i < len(affected); i++ {
		if affected[i].lossGal() < affected[i-1].lossGal() {
			monotone = false
			break
		}
	}
	if monotone {
		conf += 5
	}

	parkedHeavy := true
	for _, d := range affected {
		if d.TotalReadings == 0 || float64(d.ParkedReadings)/float64(d.TotalReadings) < 0.5 {
			parkedHeavy = false
			break
		}
	}
	if parkedHeavy {
		conf += 5
	}

	return util.Clamp(conf, 0, 100)
}
