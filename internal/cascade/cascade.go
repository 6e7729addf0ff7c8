// Package cascade sequences the perception stages for one stream: motion
// gate, object detection, tracking and activity classification, then
// decides whether the frame deserves vision-language inference.
package cascade

import (
	"context"
	"errors"
	"fmt"
	"log"
	"slices"
	"sync"
	"time"

	"vigil/internal/activity"
	"vigil/internal/geom"
	"vigil/internal/media"
	"vigil/internal/motion"
	"vigil/internal/tracker"
)

// Config holds the orchestrator settings and the settings of the stages
// it owns.
type Config struct {
	FocusClass       string          `yaml:"focus_class" json:"focus_class"` // empty matches every class
	DetectorTimeout  time.Duration   `yaml:"detector_timeout" json:"detector_timeout"`
	EmbedderTimeout  time.Duration   `yaml:"embedder_timeout" json:"embedder_timeout"`
	LowConfidence    float64         `yaml:"low_confidence" json:"low_confidence"`
	MediumConfidence float64         `yaml:"medium_confidence" json:"medium_confidence"`
	HighConfidence   float64         `yaml:"high_confidence" json:"high_confidence"`
	LostTimeout      time.Duration   `yaml:"lost_timeout" json:"lost_timeout"` // lost tracks expire after this long without a tracked frame; 0 disables
	Motion           motion.Config   `yaml:"motion" json:"motion"`
	Tracker          tracker.Config  `yaml:"tracker" json:"tracker"`
	Activity         activity.Config `yaml:"activity" json:"activity"`
}

// DefaultConfig returns the standard cascade settings.
func DefaultConfig() Config {
	return Config{
		FocusClass:       "person",
		DetectorTimeout:  2 * time.Second,
		EmbedderTimeout:  time.Second,
		LowConfidence:    0.3,
		MediumConfidence: 0.5,
		HighConfidence:   0.8,
		LostTimeout:      10 * time.Second,
		Motion:           motion.DefaultConfig(),
		Tracker:          tracker.DefaultConfig(),
		Activity:         activity.DefaultConfig(),
	}
}

// Validate reports invalid orchestrator settings. Stage settings are
// validated by the stage constructors.
func (c Config) Validate() error {
	var errs []error
	if c.DetectorTimeout <= 0 {
		errs = append(errs, fmt.Errorf("detector_timeout must be positive, got %s", c.DetectorTimeout))
	}
	if c.EmbedderTimeout <= 0 {
		errs = append(errs, fmt.Errorf("embedder_timeout must be positive, got %s", c.EmbedderTimeout))
	}
	if c.LostTimeout < 0 {
		errs = append(errs, fmt.Errorf("lost_timeout must not be negative, got %s", c.LostTimeout))
	}
	if !(0 < c.LowConfidence && c.LowConfidence <= c.MediumConfidence &&
		c.MediumConfidence <= c.HighConfidence && c.HighConfidence <= 1) {
		errs = append(errs, fmt.Errorf("confidence levels must ascend within (0,1]: low %v, medium %v, high %v",
			c.LowConfidence, c.MediumConfidence, c.HighConfidence))
	}
	return errors.Join(errs...)
}

// ProcessOptions are per-call switches.
type ProcessOptions struct {
	ForceHeavy bool
}

// Option customizes a Cascade.
type Option func(*Cascade)

// WithEmbedder attaches an appearance embedder used for re-identification.
func WithEmbedder(e Embedder) Option {
	return func(c *Cascade) { c.embedder = e }
}

// WithClock replaces time.Now, used for frames without a timestamp.
func WithClock(now func() time.Time) Option {
	return func(c *Cascade) { c.now = now }
}

// Cascade runs the perception stages for one stream. Frames must be
// processed in order; Process serializes concurrent callers.
type Cascade struct {
	cfg        Config
	gate       *motion.Gate
	tracker    *tracker.Tracker
	classifier *activity.Classifier
	detector   Detector
	embedder   Embedder
	now        func() time.Time

	lastTracked time.Time
	mu          sync.Mutex
}

// New validates cfg, builds the stages and returns a ready cascade.
func New(cfg Config, detector Detector, opts ...Option) (*Cascade, error) {
	if detector == nil {
		return nil, errors.New("cascade: detector is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid cascade config: %w", err)
	}
	gate, err := motion.NewGate(cfg.Motion)
	if err != nil {
		return nil, err
	}
	trk, err := tracker.New(cfg.Tracker)
	if err != nil {
		return nil, err
	}
	cls, err := activity.New(cfg.Activity)
	if err != nil {
		return nil, err
	}

	c := &Cascade{
		cfg:        cfg,
		gate:       gate,
		tracker:    trk,
		classifier: cls,
		detector:   detector,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Config returns the configuration the cascade was built with.
func (c *Cascade) Config() Config {
	return c.cfg
}

// Process runs the stages on frame. previous may be nil, in which case the
// gate compares against the last readable frame it saw.
func (c *Cascade) Process(ctx context.Context, frame, previous *media.Frame) *Result {
	return c.ProcessWith(ctx, frame, previous, ProcessOptions{})
}

// ProcessWith is Process with per-call options.
func (c *Cascade) ProcessWith(ctx context.Context, frame, previous *media.Frame, opts ProcessOptions) *Result {
	c.mu.Lock()
	defer c.mu.Unlock()

	start := time.Now()
	res := &Result{Timestamp: c.now()}
	if frame != nil {
		res.StreamID = frame.StreamID
		res.FrameSeq = frame.Seq
		if !frame.Timestamp.IsZero() {
			res.Timestamp = frame.Timestamp
		}
	}
	defer func() { res.Timings.TotalMs = ms(time.Since(start)) }()

	// Stage 1: motion gate.
	t := time.Now()
	mr := c.gate.Evaluate(frame, previous)
	res.Timings.MotionMs = ms(time.Since(t))
	res.MotionPercent = mr.MotionPercent
	res.MotionLevel = mr.Level
	res.FirstFrame = mr.FirstFrame
	res.FrameUnavailable = mr.Unavailable

	if mr.Unavailable || !mr.HasMotion {
		res.SkipReason = SkipMotionGate
		t = time.Now()
		res.Activity = c.classifier.Classify(activity.FrameSignal{
			MotionPercent: mr.MotionPercent,
			Timestamp:     res.Timestamp,
		})
		res.Timings.ClassifyMs = ms(time.Since(t))
		c.expireLost(res.StreamID, res.Timestamp)
		res.LiveTracks = c.liveTracks(nil)
		return res
	}

	// Stage 2: detection, with optional appearance descriptors.
	t = time.Now()
	dets, err := c.detect(ctx, frame)
	res.Timings.DetectMs = ms(time.Since(t))
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			res.degrade(DegradedDetectorTimeout)
		}
		res.degrade(DegradedDetector)
		log.Printf("[Cascade] Stream %s frame %d: detector failed: %v", res.StreamID, res.FrameSeq, err)
		dets = nil
	}

	if c.embedder != nil && len(dets) > 0 {
		t = time.Now()
		if err := c.embed(ctx, frame, dets); err != nil {
			res.degrade(DegradedEmbedder)
			log.Printf("[Cascade] Stream %s frame %d: embedder failed: %v", res.StreamID, res.FrameSeq, err)
		}
		res.Timings.EmbedMs = ms(time.Since(t))
	}
	res.Detections = dets
	res.DetectionCount = len(dets)

	// Stage 3: tracking.
	t = time.Now()
	var dt time.Duration
	if !c.lastTracked.IsZero() {
		dt = res.Timestamp.Sub(c.lastTracked)
	}
	c.lastTracked = res.Timestamp
	confirmed := c.tracker.Update(dets, dt)
	res.LiveTracks = c.liveTracks(confirmed)
	res.Timings.TrackMs = ms(time.Since(t))

	res.DetectionLevel = c.detectionLevel(dets, confirmed)
	res.HasTarget = res.DetectionLevel >= DetectionLow
	if !c.hasFocus(dets) {
		res.SkipReason = SkipNoTarget
	}

	// Stage 4: activity and escalation.
	t = time.Now()
	res.Activity = c.classifier.Classify(activity.FrameSignal{
		MotionPercent:    mr.MotionPercent,
		DetectionCount:   len(dets),
		DetectionClasses: classes(dets),
		Timestamp:        res.Timestamp,
	})
	profile := c.classifier.Profile(res.Activity)
	res.Timings.ClassifyMs = ms(time.Since(t))

	res.ShouldEscalateLight = res.DetectionLevel == DetectionLow ||
		(res.MotionLevel >= motion.LevelMedium && !c.hasConfirmedFocus(confirmed))
	res.ShouldEscalateHeavy = profile.Inference == activity.InferenceHeavy || opts.ForceHeavy

	return res
}

func (c *Cascade) detect(ctx context.Context, frame *media.Frame) ([]geom.BoundingBox, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.DetectorTimeout)
	defer cancel()
	dets, err := c.detector.Detect(ctx, frame)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return slices.Clone(dets), nil
}

// embed attaches descriptors to dets in place. A count mismatch is an
// error and leaves dets untouched.
func (c *Cascade) embed(ctx context.Context, frame *media.Frame, dets []geom.BoundingBox) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.EmbedderTimeout)
	defer cancel()
	descs, err := c.embedder.Embed(ctx, frame, dets)
	if err != nil {
		return err
	}
	if len(descs) != len(dets) {
		return fmt.Errorf("embedder returned %d descriptors for %d boxes", len(descs), len(dets))
	}
	for i := range dets {
		if len(descs[i]) > 0 {
			dets[i].Appearance = descs[i]
		}
	}
	return nil
}

func (c *Cascade) isFocus(class string) bool {
	return c.cfg.FocusClass == "" || class == c.cfg.FocusClass
}

func (c *Cascade) hasFocus(dets []geom.BoundingBox) bool {
	return slices.ContainsFunc(dets, func(d geom.BoundingBox) bool { return c.isFocus(d.ClassName) })
}

func (c *Cascade) hasConfirmedFocus(confirmed []tracker.Track) bool {
	return slices.ContainsFunc(confirmed, func(t tracker.Track) bool { return c.isFocus(t.ClassName) })
}

// detectionLevel grades the best focus-class detection. A high-confidence
// detection that a Confirmed track absorbed this frame is confirmed.
func (c *Cascade) detectionLevel(dets []geom.BoundingBox, confirmed []tracker.Track) DetectionLevel {
	best := 0.0
	for _, d := range dets {
		if c.isFocus(d.ClassName) && d.Confidence > best {
			best = d.Confidence
		}
	}
	switch {
	case best >= c.cfg.HighConfidence:
		for _, t := range confirmed {
			if c.isFocus(t.ClassName) && t.TimeSinceUpdate == 0 && t.Confidence >= c.cfg.HighConfidence {
				return DetectionConfirmed
			}
		}
		return DetectionHigh
	case best >= c.cfg.MediumConfidence:
		return DetectionMedium
	case best >= c.cfg.LowConfidence:
		return DetectionLow
	default:
		return DetectionNone
	}
}

// expireLost drops the recovery pool once the gate has kept the tracker
// idle for LostTimeout. Lost tracks only age on tracked frames.
func (c *Cascade) expireLost(streamID string, now time.Time) {
	if c.cfg.LostTimeout <= 0 || c.lastTracked.IsZero() || now.Sub(c.lastTracked) < c.cfg.LostTimeout {
		return
	}
	if ids := c.tracker.ExpireLost(); len(ids) > 0 {
		log.Printf("[Cascade] Stream %s: expired lost tracks %v after %s without a tracked frame", streamID, ids, now.Sub(c.lastTracked).Round(time.Second))
	}
}

// liveTracks returns the Confirmed tracks followed by the lost pool. When
// confirmed is nil the tracker's current pool is read instead.
func (c *Cascade) liveTracks(confirmed []tracker.Track) []tracker.Track {
	if confirmed == nil {
		var out []tracker.Track
		for _, t := range c.tracker.Tracks() {
			if t.State == tracker.Confirmed || t.State == tracker.Lost {
				out = append(out, t)
			}
		}
		return out
	}
	return append(confirmed, c.tracker.LostTracks()...)
}

func classes(dets []geom.BoundingBox) []string {
	var out []string
	for _, d := range dets {
		if d.ClassName != "" && !slices.Contains(out, d.ClassName) {
			out = append(out, d.ClassName)
		}
	}
	return out
}

// Tracks returns every live track of the stream.
func (c *Cascade) Tracks() []tracker.Track {
	return c.tracker.Tracks()
}

// Activity returns the current smoothed tier and its profile.
func (c *Cascade) Activity() (activity.Tier, activity.Profile) {
	tier := c.classifier.Current()
	return tier, c.classifier.Profile(tier)
}

// Profile returns the profile of tier.
func (c *Cascade) Profile(tier activity.Tier) activity.Profile {
	return c.classifier.Profile(tier)
}

// Reset clears every stage. Track ids keep increasing.
func (c *Cascade) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gate.Reset()
	c.tracker.Reset()
	c.classifier.Reset()
	c.lastTracked = time.Time{}
}
