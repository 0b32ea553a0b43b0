package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := Default()
	assert.Equal(t, 10.0, cfg.Thresholds.DropThresholdPct)
	assert.Equal(t, 8.0, cfg.Thresholds.RefuelThresholdPct)
	assert.Equal(t, 0.05, cfg.Kalman.QRate)
	assert.Equal(t, 50.0, cfg.Kalman.PMax)
	assert.Equal(t, 0.20, cfg.MPG.EMAAlpha)
	assert.Equal(t, 3.5, cfg.MPG.MinMPG)
	assert.Equal(t, 8.5, cfg.MPG.MaxMPG)
	assert.Equal(t, 7, cfg.Siphon.WindowDays)
	assert.Equal(t, 30*time.Second, cfg.Wialon.PollInterval)
	assert.Equal(t, 5*time.Second, cfg.Scheduler.PersistenceTimeout)
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default().Thresholds, cfg.Thresholds)
}

func TestLoadOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := `
thresholds:
  drop_threshold_pct: 12.5
  theft_confirmed_score: 90
kalman:
  q_rate: 0.03
safe_zones:
  - name: depot
    latitude: 19.43
    longitude: -99.13
    radius_m: 250
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 12.5, cfg.Thresholds.DropThresholdPct)
	assert.Equal(t, 90.0, cfg.Thresholds.TheftConfirmedScore)
	assert.Equal(t, 0.03, cfg.Kalman.QRate)
	// Untouched fields keep defaults.
	assert.Equal(t, 8.0, cfg.Thresholds.RefuelThresholdPct)
	require.Len(t, cfg.SafeZones, 1)
	assert.Equal(t, "depot", cfg.SafeZones[0].Name)
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("FUELWATCH_DB_DSN", "postgres://env")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "postgres://env", cfg.Database.DSN)
}

func TestLoadMalformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("thresholds: ["), 0o600))
	_, err := Load(path)
	assert.Error(t, err)
}
