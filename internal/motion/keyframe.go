package motion

import (
	"errors"
	"fmt"
	"image"
	"math"
	"sync"
	"time"

	"golang.org/x/image/draw"

	"vigil/internal/media"
)

// Keyframe decision reasons.
const (
	ReasonPeriodic    = "periodic"
	ReasonTooSoon     = "too_soon"
	ReasonMotion      = "motion"
	ReasonDetection   = "detection"
	ReasonSceneChange = "scene_change"
	ReasonSimilar     = "similar"
)

const (
	histBins   = 8
	histWidth  = 64
	histHeight = 48
)

// KeyframeConfig tunes keyframe selection.
type KeyframeConfig struct {
	MinInterval     time.Duration `yaml:"min_interval" json:"min_interval"`
	MaxInterval     time.Duration `yaml:"max_interval" json:"max_interval"`
	MotionThreshold float64       `yaml:"motion_threshold" json:"motion_threshold"` // percent
	SceneThreshold  float64       `yaml:"scene_threshold" json:"scene_threshold"`   // histogram distance
}

// DefaultKeyframeConfig returns the standard keyframe settings.
func DefaultKeyframeConfig() KeyframeConfig {
	return KeyframeConfig{
		MinInterval:     time.Second,
		MaxInterval:     10 * time.Second,
		MotionThreshold: 2.0,
		SceneThreshold:  0.15,
	}
}

// Validate reports invalid settings.
func (c KeyframeConfig) Validate() error {
	var errs []error
	if c.MinInterval < 0 {
		errs = append(errs, fmt.Errorf("min_interval must not be negative, got %s", c.MinInterval))
	}
	if c.MaxInterval <= c.MinInterval {
		errs = append(errs, fmt.Errorf("max_interval %s must exceed min_interval %s", c.MaxInterval, c.MinInterval))
	}
	if c.MotionThreshold < 0 || c.MotionThreshold > 100 {
		errs = append(errs, fmt.Errorf("motion_threshold must be in [0,100], got %v", c.MotionThreshold))
	}
	if c.SceneThreshold <= 0 || c.SceneThreshold > 1 {
		errs = append(errs, fmt.Errorf("scene_threshold must be in (0,1], got %v", c.SceneThreshold))
	}
	return errors.Join(errs...)
}

// KeyframeStats summarizes selection so far.
type KeyframeStats struct {
	Frames    uint64  `json:"total_frames"`
	Keyframes uint64  `json:"keyframes"`
	SkipRate  float64 `json:"skip_rate"`
}

// KeyframeSelector picks the frames worth spending inference on.
type KeyframeSelector struct {
	cfg       KeyframeConfig
	last      time.Time
	lastHist  []float64
	frames    uint64
	keyframes uint64
	mu        sync.Mutex
}

// NewKeyframeSelector validates cfg and returns a selector.
func NewKeyframeSelector(cfg KeyframeConfig) (*KeyframeSelector, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid keyframe config: %w", err)
	}
	return &KeyframeSelector{cfg: cfg}, nil
}

// Select decides whether f is a keyframe at time now and why.
func (s *KeyframeSelector) Select(f *media.Frame, motionPercent float64, hasDetection bool, now time.Time) (bool, string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.frames++
	since := now.Sub(s.last)

	if s.last.IsZero() || since > s.cfg.MaxInterval {
		s.refresh(f)
		return s.mark(now, ReasonPeriodic)
	}
	if since < s.cfg.MinInterval {
		return false, ReasonTooSoon
	}
	if motionPercent > s.cfg.MotionThreshold {
		return s.mark(now, ReasonMotion)
	}
	if hasDetection {
		return s.mark(now, ReasonDetection)
	}

	hist, err := histogram(f)
	if err != nil {
		return false, ReasonSimilar
	}
	if s.lastHist == nil {
		// Nothing to compare against yet; this frame becomes the reference.
		s.lastHist = hist
		return false, ReasonSimilar
	}
	similarity := 1 - bhattacharyya(s.lastHist, hist)
	s.lastHist = hist
	if similarity < 1-s.cfg.SceneThreshold {
		return s.mark(now, ReasonSceneChange)
	}
	return false, ReasonSimilar
}

// Stats returns counters since creation or the last Reset.
func (s *KeyframeSelector) Stats() KeyframeStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := KeyframeStats{Frames: s.frames, Keyframes: s.keyframes}
	if s.frames > 0 {
		st.SkipRate = 1 - float64(s.keyframes)/float64(s.frames)
	}
	return st
}

// Reset clears all selection state.
func (s *KeyframeSelector) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.last = time.Time{}
	s.lastHist = nil
	s.frames = 0
	s.keyframes = 0
}

func (s *KeyframeSelector) mark(now time.Time, reason string) (bool, string) {
	s.last = now
	s.keyframes++
	return true, reason
}

func (s *KeyframeSelector) refresh(f *media.Frame) {
	if hist, err := histogram(f); err == nil {
		s.lastHist = hist
	}
}

// histogram returns the normalized 8x8x8 RGB histogram of a downscaled
// copy of the frame.
func histogram(f *media.Frame) ([]float64, error) {
	img, err := f.Decode()
	if err != nil {
		return nil, err
	}
	small := image.NewRGBA(image.Rect(0, 0, histWidth, histHeight))
	draw.ApproxBiLinear.Scale(small, small.Bounds(), img, img.Bounds(), draw.Src, nil)

	hist := make([]float64, histBins*histBins*histBins)
	shift := 8 - 3 // 256 values into 8 bins
	for i := 0; i+3 < len(small.Pix); i += 4 {
		r := int(small.Pix[i]) >> shift
		g := int(small.Pix[i+1]) >> shift
		b := int(small.Pix[i+2]) >> shift
		hist[(r*histBins+g)*histBins+b]++
	}
	total := float64(histWidth * histHeight)
	for i := range hist {
		hist[i] /= total
	}
	return hist, nil
}

// bhattacharyya returns the Bhattacharyya distance between two normalized
// histograms, in [0, 1].
func bhattacharyya(p, q []float64) float64 {
	var bc float64
	for i := range p {
		bc += math.Sqrt(p[i] * q[i])
	}
	return math.Sqrt(max(0, 1-bc))
}
