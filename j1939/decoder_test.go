package j1939

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetsense/fuelwatch/model"
)

func newTestDecoder(t *testing.T) *Decoder {
	t.Helper()
	store, err := NewStore()
	require.NoError(t, err)
	return NewDecoder(store, nil)
}

func TestDecodeSentinelsDropped(t *testing.T) {
	d := newTestDecoder(t)
	tests := []struct {
		raw  string
		want int
	}{
		{"0", 0},
		{"1", 0},
		{"0.0", 0},
		{"1.0", 0},
		{"0,1,0.0,1.0", 0},
		{"", 0},
		{"   ", 0},
	}
	for _, tt := range tests {
		assert.Len(t, d.Decode(tt.raw), tt.want, "raw=%q", tt.raw)
	}
}

func TestDecodeWialonStream(t *testing.T) {
	// The mixed stream a Wialon unit actually sends: two real codes plus
	// no-fault sentinels.
	d := newTestDecoder(t)
	recs := d.Decode("100.1,157.3,0,1")
	require.Len(t, recs, 2)

	oil := recs[0]
	assert.Equal(t, 100, oil.SPN)
	assert.Equal(t, 1, oil.FMI)
	assert.True(t, oil.HasDetailedInfo)
	assert.Equal(t, model.SeverityCritical, oil.Severity)
	assert.NotEmpty(t, oil.SPNExplanationES)
	assert.Equal(t, "All OEMs", oil.OEM)

	rail := recs[1]
	assert.Equal(t, 157, rail.SPN)
	assert.Equal(t, 3, rail.FMI)
	assert.False(t, rail.HasDetailedInfo)
	// FMI 3 is in the HIGH bucket.
	assert.Equal(t, model.SeverityHigh, rail.Severity)
	assert.NotEmpty(t, rail.DescriptionES)
}

func TestDecodeBareSPN(t *testing.T) {
	d := newTestDecoder(t)
	recs := d.Decode("96")
	require.Len(t, recs, 1)
	assert.Equal(t, 96, recs[0].SPN)
	assert.Equal(t, 31, recs[0].FMI)
}

func TestDecodeMalformedTokensSkipped(t *testing.T) {
	d := newTestDecoder(t)
	recs := d.Decode("abc,100.1,12.x,-5.2")
	require.Len(t, recs, 1)
	assert.Equal(t, 100, recs[0].SPN)
}

func TestDecodeDuplicatesCollapsed(t *testing.T) {
	d := newTestDecoder(t)
	recs := d.Decode("110.0,110.0,110.0")
	assert.Len(t, recs, 1)
}

func TestDecodeUnknownSPNSynthesized(t *testing.T) {
	d := newTestDecoder(t)
	recs := d.Decode("999999.4")
	require.Len(t, recs, 1)
	r := recs[0]
	assert.Equal(t, model.SeverityInfo, r.Severity)
	assert.False(t, r.HasDetailedInfo)
	assert.Equal(t, "Unknown", r.Category)
	assert.Equal(t, "999999-4", r.Code())
}

func TestDetailedSeverityOverridesFMI(t *testing.T) {
	// SPN 157 FMI 18: FMI bucket says LOW, but the curated record says HIGH.
	d := newTestDecoder(t)
	recs := d.Decode("157.18")
	require.Len(t, recs, 1)
	assert.True(t, recs[0].HasDetailedInfo)
	assert.Equal(t, model.SeverityHigh, recs[0].Severity)
}

func TestSeverityFromFMIBuckets(t *testing.T) {
	tests := []struct {
		fmi  int
		want model.DTCSeverity
	}{
		{0, model.SeverityCritical},
		{2, model.SeverityCritical},
		{12, model.SeverityCritical},
		{14, model.SeverityCritical},
		{3, model.SeverityHigh},
		{6, model.SeverityHigh},
		{19, model.SeverityHigh},
		{20, model.SeverityHigh},
		{7, model.SeverityModerate},
		{11, model.SeverityModerate},
		{13, model.SeverityModerate},
		{21, model.SeverityModerate},
		{17, model.SeverityLow},
		{18, model.SeverityLow},
		{31, model.SeverityInfo},
		{25, model.SeverityInfo},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, SeverityFromFMI(tt.fmi), "fmi=%d", tt.fmi)
	}
}
