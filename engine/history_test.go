package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetsense/fuelwatch/model"
)

func metricAt(i int) model.FuelMetric {
	return model.FuelMetric{
		TruckID:       "T-1",
		Timestamp:     time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC).Add(time.Duration(i) * time.Minute),
		KalmanFuelPct: float64(i),
	}
}

func TestHistoryRing(t *testing.T) {
	h := NewHistory(3)
	assert.Equal(t, 0, h.Len())
	assert.Nil(t, h.Latest())

	for i := 0; i < 5; i++ {
		h.Push(metricAt(i))
	}

	assert.Equal(t, 3, h.Len())
	latest := h.Latest()
	require.NotNil(t, latest)
	assert.Equal(t, 4.0, latest.KalmanFuelPct)

	oldest := h.Get(0)
	require.NotNil(t, oldest)
	assert.Equal(t, 2.0, oldest.KalmanFuelPct, "oldest two rows were evicted")

	assert.Nil(t, h.Get(3))
	assert.Nil(t, h.Get(-1))
}

func TestHistoryReturnsCopies(t *testing.T) {
	h := NewHistory(2)
	h.Push(metricAt(0))
	m := h.Latest()
	m.KalmanFuelPct = 99
	assert.Equal(t, 0.0, h.Latest().KalmanFuelPct)
}
