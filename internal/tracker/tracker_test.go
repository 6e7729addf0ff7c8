package tracker

import (
	"math/rand/v2"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vigil/internal/geom"
)

const frame = 100 * time.Millisecond

func person(x, y, conf float64) geom.BoundingBox {
	return geom.BoundingBox{X: x, Y: y, W: 0.1, H: 0.1, Confidence: conf, ClassName: "person"}
}

func newTracker(t *testing.T, mutate func(*Config)) *Tracker {
	t.Helper()
	cfg := DefaultConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	tr, err := New(cfg)
	require.NoError(t, err)
	return tr
}

func ids(tracks []Track) []uint64 {
	out := make([]uint64, 0, len(tracks))
	for _, tr := range tracks {
		out = append(out, tr.ID)
	}
	return out
}

func TestConfigValidate(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())

	cfg := DefaultConfig()
	cfg.HighThreshold = -0.1
	cfg.MinHits = 0
	cfg.MissGrace = 40
	cfg.Metric = "manhattan"
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "high_threshold")
	assert.Contains(t, err.Error(), "min_hits")
	assert.Contains(t, err.Error(), "miss_grace")
	assert.Contains(t, err.Error(), "unknown metric")

	_, err = New(cfg)
	assert.Error(t, err)
}

func TestThreeFrameScenario(t *testing.T) {
	tr := newTracker(t, func(c *Config) { c.MinHits = 1 })

	live := tr.Update([]geom.BoundingBox{person(0.1, 0.1, 0.9)}, frame)
	require.Len(t, live, 1)
	assert.Equal(t, uint64(1), live[0].ID)
	assert.Equal(t, Confirmed, live[0].State)

	// Below the split threshold: only the second pass may use it.
	live = tr.Update([]geom.BoundingBox{person(0.12, 0.1, 0.4)}, frame)
	require.Len(t, live, 1)
	assert.Equal(t, uint64(1), live[0].ID)
	assert.Greater(t, live[0].Box.X, 0.1)
	assert.Equal(t, 0.4, live[0].Confidence)
	assert.Equal(t, 1, tr.Len())

	live = tr.Update(nil, frame)
	assert.Empty(t, live)
	lost := tr.LostTracks()
	require.Len(t, lost, 1)
	assert.Equal(t, uint64(1), lost[0].ID)
	assert.Equal(t, 1, lost[0].TimeSinceUpdate)
}

func TestThreeFrameScenarioDefaultHits(t *testing.T) {
	tr := newTracker(t, nil)

	assert.Empty(t, tr.Update([]geom.BoundingBox{person(0.1, 0.1, 0.9)}, frame))
	all := tr.Tracks()
	require.Len(t, all, 1)
	assert.Equal(t, Tentative, all[0].State)

	assert.Empty(t, tr.Update([]geom.BoundingBox{person(0.12, 0.1, 0.4)}, frame))
	all = tr.Tracks()
	require.Len(t, all, 1)
	assert.Equal(t, uint64(1), all[0].ID)
	assert.Equal(t, 2, all[0].Hits)

	assert.Empty(t, tr.Update(nil, frame))
	assert.Equal(t, []uint64{1}, ids(tr.Tracks()))

	// A second miss exceeds the tentative window.
	tr.Update(nil, frame)
	assert.Zero(t, tr.Len())
}

func TestIdentityStability(t *testing.T) {
	tr := newTracker(t, nil)

	var seen []uint64
	for i := range 30 {
		live := tr.Update([]geom.BoundingBox{person(0.1+0.01*float64(i), 0.2, 0.9)}, frame)
		if i < 2 {
			assert.Empty(t, live, "frame %d should still be tentative", i)
			continue
		}
		require.Len(t, live, 1, "frame %d", i)
		seen = append(seen, live[0].ID)
	}
	for _, id := range seen {
		assert.Equal(t, uint64(1), id)
	}
	assert.Equal(t, 1, tr.Len())
}

func TestLowConfidenceDipsDoNotDuplicate(t *testing.T) {
	tr := newTracker(t, nil)

	for i := range 20 {
		conf := 0.9
		if i%2 == 1 {
			conf = 0.3
		}
		tr.Update([]geom.BoundingBox{person(0.3+0.005*float64(i), 0.3, conf)}, frame)
		all := tr.Tracks()
		require.Len(t, all, 1, "frame %d", i)
		assert.Equal(t, uint64(1), all[0].ID)
	}
}

func TestLowConfidenceNeverSpawns(t *testing.T) {
	tr := newTracker(t, nil)
	for range 5 {
		tr.Update([]geom.BoundingBox{person(0.5, 0.5, 0.4)}, frame)
	}
	assert.Zero(t, tr.Len())
}

func TestBelowFloorDiscarded(t *testing.T) {
	tr := newTracker(t, func(c *Config) { c.MinHits = 1 })
	tr.Update([]geom.BoundingBox{person(0.5, 0.5, 0.9)}, frame)

	// Below the floor the detection cannot keep the track alive.
	tr.Update([]geom.BoundingBox{person(0.5, 0.5, 0.05)}, frame)
	lost := tr.LostTracks()
	require.Len(t, lost, 1)
	assert.Equal(t, uint64(1), lost[0].ID)
}

func TestNewTrackThreshold(t *testing.T) {
	tr := newTracker(t, func(c *Config) { c.MinHits = 1 })
	tr.Update([]geom.BoundingBox{person(0.5, 0.5, 0.55)}, frame)
	assert.Zero(t, tr.Len(), "high but below new_track_threshold must not spawn")
}

func TestLostTrackEviction(t *testing.T) {
	tr := newTracker(t, func(c *Config) {
		c.MinHits = 1
		c.MaxAge = 5
		c.ReID.Enabled = false
	})

	live := tr.Update([]geom.BoundingBox{person(0.4, 0.4, 0.9)}, frame)
	require.Equal(t, []uint64{1}, ids(live))

	for i := range 6 {
		assert.Empty(t, tr.Update(nil, frame))
		if i < 5 {
			assert.Len(t, tr.LostTracks(), 1, "miss %d", i+1)
		}
	}
	assert.Zero(t, tr.Len())

	live = tr.Update([]geom.BoundingBox{person(0.4, 0.4, 0.9)}, frame)
	require.Len(t, live, 1)
	assert.Equal(t, uint64(2), live[0].ID)
}

func TestOcclusionRecovery(t *testing.T) {
	tr := newTracker(t, func(c *Config) { c.ReID.Enabled = false })

	x := func(i int) float64 { return 0.1 + 0.02*float64(i) }
	for i := range 10 {
		tr.Update([]geom.BoundingBox{person(x(i), 0.4, 0.9)}, frame)
	}
	live := tr.Tracks()
	require.Len(t, live, 1)
	assert.InDelta(t, 0.2, live[0].Velocity.DX, 0.05)

	for range 3 {
		tr.Update(nil, frame)
	}
	require.Len(t, tr.LostTracks(), 1)

	// Reappears where constant velocity puts it, far from the last fix.
	live = tr.Update([]geom.BoundingBox{person(x(13), 0.4, 0.9)}, frame)
	require.Len(t, live, 1)
	assert.Equal(t, uint64(1), live[0].ID)
	assert.Equal(t, 1, tr.Len())
}

func TestAppearanceReidentification(t *testing.T) {
	tr := newTracker(t, func(c *Config) { c.MinHits = 1 })

	desc := []float32{0.9, 0.1, 0.3, 0.2}
	det := person(0.1, 0.1, 0.9)
	det.Appearance = desc
	tr.Update([]geom.BoundingBox{det}, frame)
	tr.Update(nil, frame)
	require.Len(t, tr.LostTracks(), 1)

	far := person(0.8, 0.7, 0.9)
	far.Appearance = []float32{0.88, 0.12, 0.31, 0.19}
	live := tr.Update([]geom.BoundingBox{far}, frame)
	require.Len(t, live, 1)
	assert.Equal(t, uint64(1), live[0].ID)
	assert.InDelta(t, 0.8, live[0].Box.X, 1e-6)

	// A different appearance at a far position is a new object.
	tr.Update(nil, frame)
	other := person(0.1, 0.8, 0.9)
	other.Appearance = []float32{-0.5, 0.9, -0.1, 0.0}
	live = tr.Update([]geom.BoundingBox{other}, frame)
	require.Len(t, live, 1)
	assert.Equal(t, uint64(2), live[0].ID)
}

func TestClassAwareAssociation(t *testing.T) {
	tr := newTracker(t, func(c *Config) { c.MinHits = 1 })
	tr.Update([]geom.BoundingBox{person(0.2, 0.2, 0.9)}, frame)

	car := person(0.2, 0.2, 0.9)
	car.ClassName = "car"
	live := tr.Update([]geom.BoundingBox{car}, frame)
	require.Len(t, live, 1)
	assert.Equal(t, uint64(2), live[0].ID)
	assert.Equal(t, "car", live[0].ClassName)
}

func TestCrossingObjectsKeepIdentity(t *testing.T) {
	tr := newTracker(t, func(c *Config) {
		c.MinHits = 1
		c.Metric = MetricCentroid
		c.MaxCost = 1.5
	})

	tr.Update([]geom.BoundingBox{person(0.1, 0.5, 0.9), person(0.5, 0.5, 0.9)}, frame)
	// Both move toward each other; assignment must not swap them.
	live := tr.Update([]geom.BoundingBox{person(0.17, 0.5, 0.9), person(0.43, 0.5, 0.9)}, frame)
	require.Len(t, live, 2)
	assert.Equal(t, uint64(1), live[0].ID)
	assert.Less(t, live[0].Box.X, live[1].Box.X)
}

func TestMonotonicIDs(t *testing.T) {
	tr := newTracker(t, func(c *Config) {
		c.MinHits = 1
		c.MaxAge = 3
	})
	rng := rand.New(rand.NewPCG(7, 11))

	var highest uint64
	retired := map[uint64]bool{}
	prev := map[uint64]bool{}
	for range 200 {
		var dets []geom.BoundingBox
		for range rng.IntN(4) {
			dets = append(dets, person(rng.Float64()*0.9, rng.Float64()*0.9, 0.5+rng.Float64()*0.5))
		}
		tr.Update(dets, frame)

		current := map[uint64]bool{}
		for _, track := range tr.Tracks() {
			assert.False(t, current[track.ID], "duplicate live id %d", track.ID)
			assert.False(t, retired[track.ID], "id %d reused after removal", track.ID)
			current[track.ID] = true
			if !prev[track.ID] {
				assert.Greater(t, track.ID, highest)
				highest = track.ID
			}
		}
		for id := range prev {
			if !current[id] {
				retired[id] = true
			}
		}
		prev = current
	}
}

func TestResetKeepsIDsIncreasing(t *testing.T) {
	tr := newTracker(t, func(c *Config) { c.MinHits = 1 })
	tr.Update([]geom.BoundingBox{person(0.2, 0.2, 0.9)}, frame)
	tr.Reset()
	assert.Zero(t, tr.Len())

	live := tr.Update([]geom.BoundingBox{person(0.2, 0.2, 0.9)}, frame)
	require.Len(t, live, 1)
	assert.Equal(t, uint64(2), live[0].ID)
}

func TestSnapshotsAreCopies(t *testing.T) {
	tr := newTracker(t, func(c *Config) { c.MinHits = 1 })
	det := person(0.2, 0.2, 0.9)
	det.Appearance = []float32{1, 0}
	live := tr.Update([]geom.BoundingBox{det}, frame)
	require.Len(t, live, 1)

	live[0].Box.X = 42
	live[0].Appearance[0] = -1
	again := tr.Tracks()
	assert.InDelta(t, 0.2, again[0].Box.X, 1e-9)
	assert.Equal(t, float32(1), again[0].Appearance[0])
}

func TestIllegalTransitionPanics(t *testing.T) {
	tr := &track{id: 9, state: Confirmed}
	want := (&TransitionError{TrackID: 9, From: Confirmed, To: Tentative}).Error()
	assert.PanicsWithError(t, want, func() { tr.transition(Tentative) })

	removed := &track{id: 3, state: Removed}
	assert.Panics(t, func() { removed.transition(Confirmed) })
}

func TestStateText(t *testing.T) {
	for _, s := range []State{Tentative, Confirmed, Lost, Removed} {
		text, err := s.MarshalText()
		require.NoError(t, err)
		var back State
		require.NoError(t, back.UnmarshalText(text))
		assert.Equal(t, s, back)
	}
	assert.Equal(t, "lost", Lost.String())
	_, err := State(12).MarshalText()
	assert.Error(t, err)
}

func TestOverlappingDetectionsKeepBestMatch(t *testing.T) {
	tr := newTracker(t, func(c *Config) { c.MinHits = 1 })
	tr.Update([]geom.BoundingBox{person(0.2, 0.1, 0.9)}, frame)

	// Both detections overlap the track; the exact one must win even when
	// it arrives second.
	tr.Update([]geom.BoundingBox{person(0.24, 0.1, 0.9), person(0.2, 0.1, 0.9)}, frame)

	all := tr.Tracks()
	require.Len(t, all, 2)
	byID := make(map[uint64]Track, len(all))
	for _, trk := range all {
		byID[trk.ID] = trk
	}
	require.Contains(t, byID, uint64(1))
	require.Contains(t, byID, uint64(2))
	assert.InDelta(t, 0.2, byID[1].Box.X, 0.005)
	assert.InDelta(t, 0.24, byID[2].Box.X, 1e-9)
}

func TestExpireLost(t *testing.T) {
	tr := newTracker(t, func(c *Config) { c.MinHits = 1 })
	tr.Update([]geom.BoundingBox{person(0.1, 0.1, 0.9), person(0.6, 0.6, 0.9)}, frame)
	tr.Update([]geom.BoundingBox{person(0.6, 0.6, 0.9)}, frame)
	require.Len(t, tr.LostTracks(), 1)

	assert.Equal(t, []uint64{1}, tr.ExpireLost())
	assert.Empty(t, tr.LostTracks())
	assert.Equal(t, []uint64{2}, ids(tr.Tracks()))
	assert.Empty(t, tr.ExpireLost())

	live := tr.Update([]geom.BoundingBox{person(0.1, 0.1, 0.9), person(0.6, 0.6, 0.9)}, frame)
	assert.ElementsMatch(t, []uint64{2, 3}, ids(live), "expired id is not reused")
}
