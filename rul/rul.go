package rul

import (
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/fleetsense/fuelwatch/config"
	"github.com/fleetsense/fuelwatch/model"
	"github.com/fleetsense/fuelwatch/util"
)

const (
	seriesCap = 500

	// Service is recommended a week ahead of the projected failure date.
	serviceLeadDays = 7
)

// componentCosts is the static repair estimate per tracked component.
var componentCosts = map[string]float64{
	"oil_pressure":      3500,
	"coolant_temp":      1800,
	"def_level":         600,
	"turbo_pressure":    4200,
	"transmission_temp": 5200,
	"battery":           450,
}

const defaultCost = 1000

type point struct {
	t     time.Time
	score float64
}

// Predictor fits degradation curves per component and extrapolates the
// remaining useful life. Not safe for concurrent use; each truck worker
// owns exactly one, driven on a scheduled cadence rather than per reading.
type Predictor struct {
	cfg   config.RULConfig
	truck model.Truck
	log   *zap.Logger

	series map[string][]point
}

// New creates a predictor for one truck.
func New(cfg config.RULConfig, truck model.Truck, log *zap.Logger) *Predictor {
	if log == nil {
		log = zap.NewNop()
	}
	return &Predictor{
		cfg:    cfg,
		truck:  truck,
		log:    log.Named("rul").With(zap.String("truck_id", truck.TruckID)),
		series: make(map[string][]point),
	}
}

// Observe appends one health score sample for a component. Scores are
// 0-100, higher is healthier.
func (p *Predictor) Observe(component string, ts time.Time, score float64) {
	if !util.IsFinite(score) {
		return
	}
	s := append(p.series[component], point{t: ts, score: util.Clamp(score, 0, 100)})
	if len(s) > seriesCap {
		s = s[len(s)-seriesCap:]
	}
	p.series[component] = s
}

// Predict extrapolates one component's series. Nil when the series is too
// short, the trend is too flat, or the fit degenerates.
func (p *Predictor) Predict(component string, now time.Time, avgDailyMiles float64) *model.RULPrediction {
	s := p.series[component]
	if len(s) < p.cfg.MinPoints {
		return nil
	}

	lin := fitLinear(s)
	exp := fitExponential(s)

	fit := lin
	mdl := model.RULLinear
	if exp.valid && exp.r2 > lin.r2 {
		fit = exp
		mdl = model.RULExponential
	}
	if !fit.valid {
		return nil
	}

	current := s[len(s)-1].score
	elapsed := s[len(s)-1].t.Sub(s[0].t).Hours() / 24

	// Trend per day at the newest sample; flat series never project.
	if math.Abs(fit.slopeAt(elapsed)) < p.cfg.MinTrendPerDay {
		return nil
	}

	ttf := fit.daysTo(p.cfg.CriticalThreshold) - elapsed
	if math.IsNaN(ttf) || math.IsInf(ttf, 0) {
		return nil
	}
	rulDays := util.Clamp(ttf, 0, p.cfg.MaxDays)

	status := model.RULOK
	switch {
	case current < p.cfg.CriticalThreshold || rulDays < 14:
		status = model.RULCritical
	case current < p.cfg.WarningThreshold || rulDays < 30:
		status = model.RULWarning
	}

	cost, ok := componentCosts[component]
	if !ok {
		cost = defaultCost
	}

	return &model.RULPrediction{
		TruckID:       p.truck.TruckID,
		ComponentID:   component,
		Model:         mdl,
		CurrentScore:  current,
		RULDays:       rulDays,
		RULMiles:      rulDays * avgDailyMiles,
		ConfidenceR2:  fit.r2,
		EstimatedCost: cost,
		ServiceDate:   now.AddDate(0, 0, int(math.Max(0, rulDays-serviceLeadDays))),
		Status:        status,
		ComputedAt:    now,
	}
}

// PredictAll runs Predict over every tracked component.
func (p *Predictor) PredictAll(now time.Time, avgDailyMiles float64) []model.RULPrediction {
	var out []model.RULPrediction
	for component := range p.series {
		if pred := p.Predict(component, now, avgDailyMiles); pred != nil {
			out = append(out, *pred)
		}
	}
	return out
}

// degradationFit is a fitted curve with enough shape to extrapolate.
// Linear: y = a - b*t. Exponential: y = a * exp(-b*t). t is in days since
// the first sample.
type degradationFit struct {
	a, b  float64
	r2    float64
	exp   bool
	valid bool
}

// slopeAt is dy/dt in score points per day at elapsed days t.
func (f degradationFit) slopeAt(t float64) float64 {
	if f.exp {
		return -f.b * f.a * math.Exp(-f.b*t)
	}
	return -f.b
}

// daysTo returns the elapsed-days coordinate where the curve crosses the
// threshold going down.
func (f degradationFit) daysTo(threshold float64) float64 {
	if f.b <= 0 {
		return math.Inf(1)
	}
	if f.exp {
		if f.a <= 0 || threshold <= 0 {
			return math.NaN()
		}
		return math.Log(f.a/threshold) / f.b
	}
	return (f.a - threshold) / f.b
}

func fitLinear(s []point) degradationFit {
	xs, ys := toSeries(s, false)
	m, c, r2, ok := leastSquares(xs, ys)
	if !ok {
		return degradationFit{}
	}
	return degradationFit{a: c, b: -m, r2: r2, valid: true}
}

// fitExponential fits in log space; non-positive scores disqualify it.
func fitExponential(s []point) degradationFit {
	for _, pt := range s {
		if pt.score <= 0 {
			return degradationFit{}
		}
	}
	xs, ys := toSeries(s, true)
	m, c, r2, ok := leastSquares(xs, ys)
	if !ok {
		return degradationFit{}
	}
	return degradationFit{a: math.Exp(c), b: -m, r2: r2, exp: true, valid: true}
}

func toSeries(s []point, logY bool) (xs, ys []float64) {
	t0 := s[0].t
	xs = make([]float64, len(s))
	ys = make([]float64, len(s))
	for i, pt := range s {
		xs[i] = pt.t.Sub(t0).Hours() / 24
		if logY {
			ys[i] = math.Log(pt.score)
		} else {
			ys[i] = pt.score
		}
	}
	return xs, ys
}

// leastSquares fits y = m*x + c and returns the coefficient of
// determination. ok is false for degenerate inputs.
func leastSquares(xs, ys []float64) (m, c, r2 float64, ok bool) {
	n := float64(len(xs))
	if n < 2 {
		return 0, 0, 0, false
	}
	var sx, sy, sxx, sxy float64
	for i := range xs {
		sx += xs[i]
		sy += ys[i]
		sxx += xs[i] * xs[i]
		sxy += xs[i] * ys[i]
	}
	den := n*sxx - sx*sx
	if den == 0 {
		return 0, 0, 0, false
	}
	m = (n*sxy - sx*sy) / den
	c = (sy - m*sx) / n

	meanY := sy / n
	var ssTot, ssRes float64
	for i := range xs {
		ssTot += (ys[i] - meanY) * (ys[i] - meanY)
		ssRes += (ys[i] - (m*xs[i] + c)) * (ys[i] - (m*xs[i] + c))
	}
	if ssTot == 0 {
		r2 = 1
	} else {
		r2 = 1 - ssRes/ssTot
	}
	return m, c, r2, true
}
