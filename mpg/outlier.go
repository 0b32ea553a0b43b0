package mpg

import "github.com/fleetsense/fuelwatch/util"

const (
	iqrMultiplier = 1.5
	madZThreshold = 3.0

	// Scale factor relating MAD to the standard deviation of a normal
	// distribution, used by the modified z-score.
	madConsistency = 0.6745
)

// filterIQR returns the values within [q1 - k*iqr, q3 + k*iqr], preserving
// order. Fewer than four points pass through unchanged.
func filterIQR(xs []float64, k float64) []float64 {
	if len(xs) < 4 {
		return xs
	}
	q1 := util.Percentile(xs, 25)
	q3 := util.Percentile(xs, 75)
	iqr := q3 - q1
	lo, hi := q1-k*iqr, q3+k*iqr

	out := make([]float64, 0, len(xs))
	for _, x := range xs {
		if x >= lo && x <= hi {
			out = append(out, x)
		}
	}
	return out
}

// filterMAD returns the values whose modified z-score is within the
// threshold, preserving order. A zero MAD (constant series) keeps all.
func filterMAD(xs []float64, zMax float64) []float64 {
	if len(xs) < 4 {
		return xs
	}
	med := util.Median(xs)
	mad := util.MAD(xs)
	if mad == 0 {
		return xs
	}

	out := make([]float64, 0, len(xs))
	for _, x := range xs {
		z := madConsistency * (x - med) / mad
		if z < 0 {
			z = -z
		}
		if z <= zMax {
			out = append(out, x)
		}
	}
	return out
}
