package activity

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newClassifier(t *testing.T, mutate func(*Config)) *Classifier {
	t.Helper()
	cfg := DefaultConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	c, err := New(cfg)
	require.NoError(t, err)
	return c
}

func TestInstantRules(t *testing.T) {
	c := newClassifier(t, nil)
	tests := []struct {
		name   string
		signal FrameSignal
		want   Tier
	}{
		{"priority class", FrameSignal{DetectionCount: 1, DetectionClasses: []string{"person", "fire"}}, TierEmergency},
		{"crowd", FrameSignal{DetectionCount: 4}, TierEmergency},
		{"heavy motion", FrameSignal{MotionPercent: 31}, TierHigh},
		{"two objects", FrameSignal{DetectionCount: 2}, TierHigh},
		{"some motion", FrameSignal{MotionPercent: 6}, TierNormal},
		{"one object", FrameSignal{DetectionCount: 1}, TierNormal},
		{"slight motion", FrameSignal{MotionPercent: 2}, TierLow},
		{"boundary is exclusive", FrameSignal{MotionPercent: 1}, TierStatic},
		{"nothing", FrameSignal{}, TierStatic},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, c.Instant(tt.signal))
		})
	}
}

func TestClassifyReturnsMode(t *testing.T) {
	c := newClassifier(t, func(cfg *Config) { cfg.Window = 5 })

	for range 4 {
		assert.Equal(t, TierStatic, c.Classify(FrameSignal{}))
	}
	// A single spike does not flip the smoothed tier.
	assert.Equal(t, TierStatic, c.Classify(FrameSignal{DetectionCount: 5}))
	assert.Equal(t, TierStatic, c.Current())

	// Sustained activity takes over once it dominates the window.
	c.Classify(FrameSignal{DetectionCount: 5})
	assert.Equal(t, TierEmergency, c.Classify(FrameSignal{DetectionCount: 5}))
	assert.Len(t, c.Signals(), 5)
}

func TestClassifyTieGoesToMostRecent(t *testing.T) {
	c := newClassifier(t, func(cfg *Config) { cfg.Window = 4 })
	c.Classify(FrameSignal{})
	c.Classify(FrameSignal{})
	c.Classify(FrameSignal{MotionPercent: 50})
	assert.Equal(t, TierHigh, c.Classify(FrameSignal{MotionPercent: 50}))
}

func TestProfiles(t *testing.T) {
	c := newClassifier(t, nil)

	p := c.Profile(TierEmergency)
	assert.Equal(t, TierEmergency, p.Tier)
	assert.Equal(t, 500*time.Millisecond, p.PollingInterval)
	assert.Equal(t, InferenceHeavy, p.Inference)
	assert.Equal(t, "llava:13b", p.Model)

	assert.Equal(t, InferenceNone, c.Profile(TierStatic).Inference)
	assert.Equal(t, c.Profile(TierNormal), c.Profile(Tier(42)))

	want := DefaultProfiles()
	for _, tier := range Tiers() {
		if diff := cmp.Diff(want[tier], c.Profile(tier)); diff != "" {
			t.Errorf("profile %s mismatch (-want +got):\n%s", tier, diff)
		}
	}
}

func TestReset(t *testing.T) {
	c := newClassifier(t, nil)
	c.Classify(FrameSignal{DetectionCount: 9})
	c.Reset()
	assert.Empty(t, c.Signals())
	assert.Equal(t, TierNormal, c.Current())
}

func TestValidate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Window = 0
	cfg.LowMotion = 10
	delete(cfg.Profiles, TierHigh)
	p := cfg.Profiles[TierLow]
	p.Model = ""
	cfg.Profiles[TierLow] = p

	_, err := New(cfg)
	require.Error(t, err)
	assert.ErrorContains(t, err, "window")
	assert.ErrorContains(t, err, "ascend")
	assert.ErrorContains(t, err, "missing profile for tier high")
	assert.ErrorContains(t, err, "profile low")
}

func TestTierJSON(t *testing.T) {
	data, err := json.Marshal(struct {
		Tier      Tier          `json:"tier"`
		Inference InferenceTier `json:"inference"`
	}{TierHigh, InferenceLight})
	require.NoError(t, err)
	assert.JSONEq(t, `{"tier":"high","inference":"light"}`, string(data))

	var tier Tier
	require.NoError(t, tier.UnmarshalText([]byte("emergency")))
	assert.Equal(t, TierEmergency, tier)
}
