package tracker

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPreset(t *testing.T) {
	balanced, err := Preset(PresetBalanced)
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), balanced)

	fallback, err := Preset("")
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), fallback)

	speed, err := Preset(PresetSpeed)
	require.NoError(t, err)
	require.NoError(t, speed.Validate())
	assert.False(t, speed.ReID.Enabled)
	assert.Less(t, speed.MaxAge, balanced.MaxAge)
	assert.Less(t, speed.MinHits, balanced.MinHits)

	stable, err := Preset(PresetStable)
	require.NoError(t, err)
	require.NoError(t, stable.Validate())
	assert.True(t, stable.ReID.Enabled)
	assert.Greater(t, stable.MaxAge, balanced.MaxAge)
	assert.Less(t, stable.NewTrackThreshold, balanced.NewTrackThreshold)

	_, err = Preset("turbo")
	assert.ErrorContains(t, err, `unknown tracker preset "turbo"`)
}
