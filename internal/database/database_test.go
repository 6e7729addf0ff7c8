package database

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vigil/internal/activity"
	"vigil/internal/cascade"
	"vigil/internal/geom"
	"vigil/internal/motion"
	"vigil/internal/tracker"
)

var epoch = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func openDB(t *testing.T) *Database {
	t.Helper()
	db, err := New(filepath.Join(t.TempDir(), "vigil.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.Migrate())
	require.NoError(t, db.Migrate(), "migrations are idempotent")
	return db
}

func result(stream string, seq uint64, tracks ...tracker.Track) *cascade.Result {
	return &cascade.Result{
		StreamID:       stream,
		FrameSeq:       seq,
		Timestamp:      epoch.Add(time.Duration(seq) * time.Second),
		HasTarget:      len(tracks) > 0,
		DetectionLevel: cascade.DetectionHigh,
		MotionLevel:    motion.LevelLow,
		MotionPercent:  2.5,
		Activity:       activity.TierNormal,
		LiveTracks:     tracks,
		Summary:        "a person walks past",
	}
}

func track(id uint64, x float64, state tracker.State) tracker.Track {
	return tracker.Track{
		ID:         id,
		ClassName:  "person",
		Box:        geom.BoundingBox{X: x, Y: 0.2, W: 0.1, H: 0.3, Confidence: 0.9, ClassName: "person"},
		Velocity:   geom.Velocity{DX: 0.1},
		State:      state,
		Hits:       4,
		Age:        6,
		Confidence: 0.9,
	}
}

func TestStreams(t *testing.T) {
	db := openDB(t)

	require.NoError(t, db.SaveStream(&StreamRecord{ID: "cam-1", Name: "Front", Source: "rtsp://a", FPS: 5, Status: "inactive"}))
	require.NoError(t, db.SaveStream(&StreamRecord{ID: "cam-1", Name: "Front door", Source: "rtsp://a", FPS: 5, Status: "inactive"}))
	require.NoError(t, db.UpdateStreamStatus("cam-1", "running"))

	s, err := db.GetStream("cam-1")
	require.NoError(t, err)
	assert.Equal(t, "Front door", s.Name)
	assert.Equal(t, "running", s.Status)

	_, err = db.GetStream("nope")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, db.UpdateStreamStatus("nope", "running"), ErrNotFound)

	list, err := db.ListStreams()
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestSaveAndGetResult(t *testing.T) {
	db := openDB(t)

	in := result("cam-1", 3, track(1, 0.1, tracker.Confirmed), track(2, 0.5, tracker.Lost))
	in.Degraded = []string{cascade.DegradedDetector}
	id, err := db.SaveResult(in)
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	rec, err := db.GetResult(id)
	require.NoError(t, err)
	assert.Equal(t, "cam-1", rec.StreamID)
	assert.Equal(t, uint64(3), rec.FrameSeq)
	assert.True(t, rec.Timestamp.Equal(in.Timestamp))
	assert.Equal(t, cascade.DetectionHigh, rec.Result.DetectionLevel)
	assert.Equal(t, activity.TierNormal, rec.Result.Activity)
	assert.Equal(t, []string{cascade.DegradedDetector}, rec.Result.Degraded)
	require.Len(t, rec.Result.LiveTracks, 2)
	assert.Equal(t, tracker.Lost, rec.Result.LiveTracks[1].State)

	_, err = db.GetResult("missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListResults(t *testing.T) {
	db := openDB(t)
	for seq := uint64(1); seq <= 5; seq++ {
		var tracks []tracker.Track
		if seq%2 == 1 {
			tracks = append(tracks, track(1, 0.1, tracker.Confirmed))
		}
		_, err := db.SaveResult(result("cam-1", seq, tracks...))
		require.NoError(t, err)
	}
	_, err := db.SaveResult(result("cam-2", 1))
	require.NoError(t, err)

	recs, err := db.ListResults(ResultFilter{StreamID: "cam-1", Limit: 3})
	require.NoError(t, err)
	require.Len(t, recs, 3)
	assert.Equal(t, []uint64{5, 4, 3}, []uint64{recs[0].FrameSeq, recs[1].FrameSeq, recs[2].FrameSeq})

	recs, err = db.ListResults(ResultFilter{StreamID: "cam-1", TargetOnly: true})
	require.NoError(t, err)
	assert.Len(t, recs, 3)

	since := epoch.Add(4 * time.Second)
	recs, err = db.ListResults(ResultFilter{Since: &since})
	require.NoError(t, err)
	assert.Len(t, recs, 2)

	all, err := db.ListResults(ResultFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 6)
}

func TestTrackHistory(t *testing.T) {
	db := openDB(t)
	for seq := uint64(1); seq <= 3; seq++ {
		_, err := db.SaveResult(result("cam-1", seq, track(7, 0.1*float64(seq), tracker.Confirmed)))
		require.NoError(t, err)
	}

	hist, err := db.TrackHistory("cam-1", 7, 2)
	require.NoError(t, err)
	require.Len(t, hist, 2)
	assert.InDelta(t, 0.3, hist[0].X, 1e-9)
	assert.Equal(t, "confirmed", hist[0].State)
	assert.Equal(t, uint64(7), hist[0].TrackID)
	assert.True(t, hist[0].Timestamp.After(hist[1].Timestamp))

	none, err := db.TrackHistory("cam-2", 7, 0)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestDeleteOldResultsCascades(t *testing.T) {
	db := openDB(t)
	for seq := uint64(1); seq <= 4; seq++ {
		_, err := db.SaveResult(result("cam-1", seq, track(1, 0.1, tracker.Confirmed)))
		require.NoError(t, err)
	}

	n, err := db.DeleteOldResults(epoch.Add(3 * time.Second))
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	hist, err := db.TrackHistory("cam-1", 1, 0)
	require.NoError(t, err)
	assert.Len(t, hist, 2, "snapshots of deleted results go with them")
}
