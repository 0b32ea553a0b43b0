package j1939

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetsense/fuelwatch/model"
)

func TestStoreLoadsEmbeddedData(t *testing.T) {
	store, err := NewStore()
	require.NoError(t, err)
	assert.NotEmpty(t, store.detailed)
	assert.NotEmpty(t, store.spns)
	assert.NotEmpty(t, store.fmis)
}

func TestLookupDetailed(t *testing.T) {
	store, err := NewStore()
	require.NoError(t, err)

	r, ok := store.LookupDetailed(100, 1)
	require.True(t, ok)
	assert.True(t, r.HasDetailedInfo)
	assert.Equal(t, model.SeverityCritical, r.Severity)
	assert.Equal(t, "Engine", r.Category)

	_, ok = store.LookupDetailed(100, 99)
	assert.False(t, ok)
}

func TestLookupComplete(t *testing.T) {
	store, err := NewStore()
	require.NoError(t, err)

	// SPN 96 (fuel level) has no curated record but a complete entry.
	r, ok := store.LookupComplete(96, 4)
	require.True(t, ok)
	assert.False(t, r.HasDetailedInfo)
	assert.Equal(t, model.SeverityHigh, r.Severity)
	assert.Contains(t, r.DescriptionES, "Nivel de combustible")
	assert.Equal(t, "All OEMs", r.OEM)

	_, ok = store.LookupComplete(424242, 4)
	assert.False(t, ok)
}

func TestNewStoreFromBadData(t *testing.T) {
	_, err := newStoreFrom([]byte("not json"))
	assert.Error(t, err)
}
