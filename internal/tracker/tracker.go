// Package tracker maintains stable object identities across frames. It
// associates detections to tracks in two confidence passes, predicts
// positions with a constant-velocity Kalman filter, keeps recently lost
// tracks in a recovery pool and can re-identify them by appearance.
package tracker

import (
	"fmt"
	"log"
	"sync"
	"time"

	"vigil/internal/geom"
)

// Track is a snapshot of one tracked object. Values returned by the
// tracker are copies; mutating them has no effect on tracker state.
type Track struct {
	ID              uint64           `json:"id"`
	ClassName       string           `json:"class"`
	Box             geom.BoundingBox `json:"box"`
	Velocity        geom.Velocity    `json:"velocity"`
	State           State            `json:"state"`
	Hits            int              `json:"hits"`
	Age             int              `json:"age"`
	TimeSinceUpdate int              `json:"time_since_update"`
	Confidence      float64          `json:"confidence"`
	Appearance      []float32        `json:"-"`
}

type track struct {
	id              uint64
	className       string
	box             geom.BoundingBox
	state           State
	hits            int
	age             int
	timeSinceUpdate int
	confidence      float64
	kf              *kalman
	gallery         [][]float32
	appearance      []float32
}

func (t *track) transition(to State) {
	if !CanTransition(t.state, to) {
		panic(&TransitionError{TrackID: t.id, From: t.state, To: to})
	}
	t.state = to
}

func (t *track) snapshot() Track {
	vx, vy := t.kf.velocity()
	out := Track{
		ID:              t.id,
		ClassName:       t.className,
		Box:             t.box,
		Velocity:        geom.Velocity{DX: vx, DY: vy},
		State:           t.state,
		Hits:            t.hits,
		Age:             t.age,
		TimeSinceUpdate: t.timeSinceUpdate,
		Confidence:      t.confidence,
	}
	if t.appearance != nil {
		out.Appearance = append([]float32(nil), t.appearance...)
	}
	return out
}

// Tracker is a ByteTrack-style multi-object tracker. One tracker serves
// one stream; Update calls are serialized internally.
type Tracker struct {
	cfg    Config
	tracks []*track // creation order, so ids ascend
	nextID uint64
	mu     sync.Mutex
}

// New validates cfg and returns an empty tracker.
func New(cfg Config) (*Tracker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid tracker config: %w", err)
	}
	return &Tracker{cfg: cfg, nextID: 1}, nil
}

// Config returns the configuration the tracker was built with.
func (t *Tracker) Config() Config {
	return t.cfg
}

// Update advances every track by dt, associates the detections and
// returns the Confirmed tracks.
func (t *Tracker) Update(detections []geom.BoundingBox, dt time.Duration) []Track {
	t.mu.Lock()
	defer t.mu.Unlock()

	if dt <= 0 {
		dt = t.cfg.DefaultDT
	}
	if dt > t.cfg.MaxPredictDT {
		dt = t.cfg.MaxPredictDT
	}
	seconds := dt.Seconds()

	for _, tr := range t.tracks {
		tr.kf.predict(seconds, tr.box.H)
		cx, cy := tr.kf.position()
		tr.box = tr.box.FromCenter(cx, cy, tr.box.W, tr.box.H)
		tr.age++
	}

	var high, low []geom.BoundingBox
	for _, d := range detections {
		switch {
		case d.Confidence >= t.cfg.HighThreshold:
			high = append(high, d)
		case d.Confidence >= t.cfg.MinConfidence:
			low = append(low, d)
		}
	}

	matched := make(map[*track]bool, len(t.tracks))

	// Pass 1: high-confidence detections against every track, lost included.
	remainingHigh := t.associate(high, t.tracks, matched)

	// Pass 2: low-confidence detections may only extend unmatched tracks
	// still inside the recovery horizon. They never spawn tracks.
	var candidates []*track
	for _, tr := range t.tracks {
		if !matched[tr] && tr.timeSinceUpdate < t.cfg.MaxAge {
			candidates = append(candidates, tr)
		}
	}
	t.associate(low, candidates, matched)

	if t.cfg.ReID.Enabled {
		remainingHigh = t.reidentify(remainingHigh, matched)
	}

	for _, d := range remainingHigh {
		if d.Confidence < t.cfg.NewTrackThreshold {
			continue
		}
		t.spawn(d)
	}

	t.age(matched)

	return t.snapshot(Confirmed)
}

// associate matches dets to tracks by geometric cost and folds matched
// detections into their tracks. It returns the detections left over.
func (t *Tracker) associate(dets []geom.BoundingBox, tracks []*track, matched map[*track]bool) []geom.BoundingBox {
	if len(dets) == 0 {
		return nil
	}
	var pool []*track
	for _, tr := range tracks {
		if !matched[tr] {
			pool = append(pool, tr)
		}
	}
	if len(pool) == 0 {
		return dets
	}

	cost := make([][]float64, len(dets))
	for i, d := range dets {
		cost[i] = make([]float64, len(pool))
		for j, tr := range pool {
			cost[i][j] = t.pairCost(d, tr)
		}
	}

	var rest []geom.BoundingBox
	for i, j := range assign(cost) {
		if j < 0 {
			rest = append(rest, dets[i])
			continue
		}
		t.absorb(pool[j], dets[i])
		matched[pool[j]] = true
	}
	return rest
}

func (t *Tracker) pairCost(d geom.BoundingBox, tr *track) float64 {
	if t.cfg.ClassAware && d.ClassName != tr.className {
		return forbidden
	}
	var c float64
	switch t.cfg.Metric {
	case MetricCentroid:
		c = geom.NormalizedCentroidDistance(d, tr.box)
	default:
		c = 1 - geom.IoU(d, tr.box)
	}
	if c > t.cfg.MaxCost {
		return forbidden
	}
	return c
}

// reidentify matches leftover high-confidence detections that carry an
// appearance descriptor against lost tracks by cosine similarity.
func (t *Tracker) reidentify(dets []geom.BoundingBox, matched map[*track]bool) []geom.BoundingBox {
	var lost []*track
	for _, tr := range t.tracks {
		if !matched[tr] && tr.state == Lost && tr.appearance != nil {
			lost = append(lost, tr)
		}
	}
	if len(lost) == 0 || len(dets) == 0 {
		return dets
	}

	gate := 1 - t.cfg.ReID.MinSimilarity
	cost := make([][]float64, len(dets))
	for i, d := range dets {
		cost[i] = make([]float64, len(lost))
		for j, tr := range lost {
			c := forbidden
			if len(d.Appearance) > 0 && (!t.cfg.ClassAware || d.ClassName == tr.className) {
				if dist := 1 - geom.CosineSimilarity(d.Appearance, tr.appearance); dist <= gate {
					c = dist
				}
			}
			cost[i][j] = c
		}
	}

	var rest []geom.BoundingBox
	for i, j := range assign(cost) {
		if j < 0 {
			rest = append(rest, dets[i])
			continue
		}
		tr := lost[j]
		// The object may have moved anywhere while hidden; restart the
		// motion estimate at the new position.
		cx, cy := dets[i].Center()
		tr.kf = newKalman(cx, cy, dets[i].H)
		tr.box = tr.box.FromCenter(cx, cy, dets[i].W, dets[i].H)
		tr.confidence = dets[i].Confidence
		tr.hits = 1
		tr.timeSinceUpdate = 0
		tr.remember(dets[i].Appearance, t.cfg.ReID.Gallery)
		tr.transition(Confirmed)
		matched[tr] = true
		log.Printf("[Tracker] Re-identified lost track %d by appearance", tr.id)
	}
	return rest
}

func (t *Tracker) absorb(tr *track, d geom.BoundingBox) {
	cx, cy := d.Center()
	if err := tr.kf.correct(cx, cy, d.H); err != nil {
		log.Printf("[Tracker] Kalman correction failed for track %d, resetting filter: %v", tr.id, err)
		tr.kf = newKalman(cx, cy, d.H)
	}
	ex, ey := tr.kf.position()
	tr.box = tr.box.FromCenter(ex, ey, d.W, d.H)
	tr.confidence = d.Confidence
	tr.hits++
	tr.timeSinceUpdate = 0
	if t.cfg.ReID.Enabled {
		tr.remember(d.Appearance, t.cfg.ReID.Gallery)
	}

	switch tr.state {
	case Tentative:
		if tr.hits >= t.cfg.MinHits {
			tr.transition(Confirmed)
		}
	case Lost:
		tr.transition(Confirmed)
	}
}

func (t *Tracker) spawn(d geom.BoundingBox) {
	cx, cy := d.Center()
	tr := &track{
		id:        t.nextID,
		className: d.ClassName,
		box: geom.BoundingBox{
			X: d.X, Y: d.Y, W: d.W, H: d.H,
			Confidence: d.Confidence,
			ClassName:  d.ClassName,
		},
		state:      Tentative,
		hits:       1,
		confidence: d.Confidence,
		kf:         newKalman(cx, cy, d.H),
	}
	t.nextID++
	if t.cfg.ReID.Enabled {
		tr.remember(d.Appearance, t.cfg.ReID.Gallery)
	}
	if tr.hits >= t.cfg.MinHits {
		tr.transition(Confirmed)
	}
	t.tracks = append(t.tracks, tr)
}

// age ages unmatched tracks, moves them through the lifecycle and evicts
// removed ones.
func (t *Tracker) age(matched map[*track]bool) {
	live := t.tracks[:0]
	for _, tr := range t.tracks {
		if !matched[tr] && tr.age > 0 {
			tr.timeSinceUpdate++
			tr.hits = 0
			switch tr.state {
			case Tentative:
				if tr.timeSinceUpdate > t.cfg.TentativeMaxMisses {
					tr.transition(Removed)
				}
			case Confirmed:
				if tr.timeSinceUpdate > t.cfg.MissGrace {
					tr.transition(Lost)
				}
			case Lost:
				if tr.timeSinceUpdate > t.cfg.MaxAge {
					tr.transition(Removed)
				}
			}
		}
		if tr.state == Removed {
			continue
		}
		live = append(live, tr)
	}
	for i := len(live); i < len(t.tracks); i++ {
		t.tracks[i] = nil
	}
	t.tracks = live
}

func (t *Tracker) snapshot(states ...State) []Track {
	out := make([]Track, 0, len(t.tracks))
	for _, tr := range t.tracks {
		for _, s := range states {
			if tr.state == s {
				out = append(out, tr.snapshot())
				break
			}
		}
	}
	return out
}

// Tracks returns every track still held by the tracker, in id order.
func (t *Tracker) Tracks() []Track {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshot(Tentative, Confirmed, Lost)
}

// LostTracks returns the recovery pool.
func (t *Tracker) LostTracks() []Track {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshot(Lost)
}

// ExpireLost removes every track in the recovery pool and returns their
// ids. Expired ids are never reassigned.
func (t *Tracker) ExpireLost() []uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	var expired []uint64
	live := t.tracks[:0]
	for _, tr := range t.tracks {
		if tr.state == Lost {
			tr.transition(Removed)
			expired = append(expired, tr.id)
			continue
		}
		live = append(live, tr)
	}
	for i := len(live); i < len(t.tracks); i++ {
		t.tracks[i] = nil
	}
	t.tracks = live
	return expired
}

// Len returns the number of tracks held, in any non-removed state.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.tracks)
}

// Reset drops every track. Ids keep increasing across resets.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.tracks = nil
}

// remember adds a descriptor to the gallery and refreshes the mean.
func (tr *track) remember(desc []float32, size int) {
	if len(desc) == 0 {
		return
	}
	if len(tr.gallery) > 0 && len(tr.gallery[0]) != len(desc) {
		tr.gallery = nil
	}
	tr.gallery = append(tr.gallery, geom.Normalize(desc))
	if len(tr.gallery) > size {
		tr.gallery = tr.gallery[len(tr.gallery)-size:]
	}

	mean := make([]float32, len(desc))
	for _, g := range tr.gallery {
		for i, v := range g {
			mean[i] += v
		}
	}
	for i := range mean {
		mean[i] /= float32(len(tr.gallery))
	}
	tr.appearance = geom.Normalize(mean)
}
