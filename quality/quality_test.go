package quality

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSelectClampsOnCellular(t *testing.T) {
	cases := []struct {
		name      string
		requested Preset
		class     NetworkClass
		want      Preset
	}{
		{"lowest on cellular", Preset480, NetworkCellular, Preset480},
		{"ceiling on cellular", Preset640, NetworkCellular, Preset640},
		{"high bitrate clamped", Preset640High, NetworkCellular, Preset640},
		{"960 clamped", Preset960, NetworkCellular, Preset640},
		{"top clamped", Preset1280High, NetworkCellular, Preset640},
		{"wifi unrestricted", Preset1280High, NetworkWiFi, Preset1280High},
		{"unknown unrestricted", Preset960, NetworkUnknown, Preset960},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Select(tc.requested, tc.class))
		})
	}
}

func TestSelectIdempotent(t *testing.T) {
	for p := Preset480; p <= Preset1280High; p++ {
		clamped := Select(p, NetworkCellular)
		assert.Equal(t, clamped, Select(clamped, NetworkCellular), "preset %v", p)
	}
}

func TestSelectRoundTripBelowCeiling(t *testing.T) {
	// Presets at or below the cellular ceiling survive a cellular hop.
	for p := Preset480; p <= CellularCeiling; p++ {
		assert.Equal(t, p, Select(Select(p, NetworkCellular), NetworkWiFi))
	}
}

func TestSelectInvalidPresetFallsBackToDefault(t *testing.T) {
	assert.Equal(t, DefaultPreset, Select(Preset(42), NetworkWiFi))
	assert.Equal(t, DefaultPreset, Select(Preset(-1), NetworkCellular))
}

func TestPresetOrderingMonotonic(t *testing.T) {
	prevBitrate := 0
	prevPixels := 0
	for p := Preset480; p <= Preset1280High; p++ {
		w, h := p.Resolution()
		require.GreaterOrEqual(t, w*h, prevPixels, "resolution must not shrink at %v", p)
		require.Greater(t, p.BitrateKbps(), prevBitrate, "bitrate must grow at %v", p)
		prevPixels = w * h
		prevBitrate = p.BitrateKbps()
	}
}

func TestPresetValues(t *testing.T) {
	w, h := Preset480.Resolution()
	assert.Equal(t, 480, w)
	assert.Equal(t, 270, h)
	assert.Equal(t, 464, Preset480.BitrateKbps())

	w, h = Preset1280High.Resolution()
	assert.Equal(t, 1280, w)
	assert.Equal(t, 720, h)
	assert.Equal(t, 6628, Preset1280High.BitrateKbps())
}
