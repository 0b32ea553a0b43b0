package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/fleetsense/fuelwatch/model"
)

func healthyInputs() confidenceInputs {
	return confidenceInputs{
		SensorAvailable: true,
		GapFromPrev:     30 * time.Second,
		PollInterval:    30 * time.Second,
		Satellites:      9,
		Voltage:         13.8,
		KalmanP00:       0.8,
		KalmanReady:     true,
		ECUAvailable:    true,
		ECUStatus:       model.ECUNormal,
		SensorNoise:     1.0,
	}
}

func TestConfidenceScore(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*confidenceInputs)
		want   float64
	}{
		{"healthy", nil, 100},
		{"no sensor", func(in *confidenceInputs) { in.SensorAvailable = false }, 70},
		{"stale gap", func(in *confidenceInputs) { in.GapFromPrev = 5 * time.Minute }, 88},
		{"poor gps", func(in *confidenceInputs) { in.Satellites = 2 }, 92},
		{"low voltage", func(in *confidenceInputs) { in.Voltage = 10.9 }, 92},
		{"filter not ready", func(in *confidenceInputs) { in.KalmanReady = false }, 80},
		{"high uncertainty", func(in *confidenceInputs) { in.KalmanP00 = 7 }, 85},
		{"moderate uncertainty", func(in *confidenceInputs) { in.KalmanP00 = 3 }, 94},
		{"ecu critical", func(in *confidenceInputs) { in.ECUStatus = model.ECUCritical }, 85},
		{"drift warning", func(in *confidenceInputs) { in.DriftWarning = true }, 85},
		{"noisy sensor", func(in *confidenceInputs) { in.SensorNoise = 2.0 }, 90},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := healthyInputs()
			if tt.mutate != nil {
				tt.mutate(&in)
			}
			assert.Equal(t, tt.want, confidenceScore(in))
		})
	}
}

func TestConfidenceScoreClampsAtZero(t *testing.T) {
	in := confidenceInputs{
		GapFromPrev:  time.Hour,
		PollInterval: 30 * time.Second,
		Satellites:   1,
		Voltage:      9.5,
		DriftWarning: true,
		SensorNoise:  2.0,
		ECUStatus:    model.ECUCritical,
	}
	score := confidenceScore(in)
	assert.GreaterOrEqual(t, score, 0.0)
	assert.Less(t, score, 40.0)
	assert.Equal(t, model.ConfidenceVeryLow, model.ConfidenceLevelFromScore(score))
}
