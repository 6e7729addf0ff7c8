// Package motion is the cheap first stage of the cascade: frame
// differencing to decide whether a frame is worth further processing, and
// keyframe selection for the inference stage.
package motion

import (
	"errors"
	"fmt"
	"image"
	"log"
	"sync"

	"golang.org/x/image/draw"

	"vigil/internal/geom"
	"vigil/internal/media"
)

// Config tunes the motion gate.
type Config struct {
	PixelDelta int     `yaml:"pixel_delta" json:"pixel_delta"` // per-pixel grey delta counted as changed (0-255)
	Threshold  float64 `yaml:"threshold" json:"threshold"`     // motion percent needed for has_motion
	MaxWidth   int     `yaml:"max_width" json:"max_width"`     // reduced frame bounds
	MaxHeight  int     `yaml:"max_height" json:"max_height"`
	BlurRadius int     `yaml:"blur_radius" json:"blur_radius"` // box blur radius, 0 disables
}

// DefaultConfig returns the standard gate settings.
func DefaultConfig() Config {
	return Config{
		PixelDelta: 25,
		Threshold:  minimalBoundary,
		MaxWidth:   320,
		MaxHeight:  240,
		BlurRadius: 2,
	}
}

// Validate reports invalid settings.
func (c Config) Validate() error {
	var errs []error
	if c.PixelDelta < 1 || c.PixelDelta > 255 {
		errs = append(errs, fmt.Errorf("pixel_delta must be in [1,255], got %d", c.PixelDelta))
	}
	if c.Threshold < 0 || c.Threshold > 100 {
		errs = append(errs, fmt.Errorf("threshold must be in [0,100], got %v", c.Threshold))
	}
	if c.MaxWidth < 8 || c.MaxHeight < 8 {
		errs = append(errs, fmt.Errorf("reduced frame must be at least 8x8, got %dx%d", c.MaxWidth, c.MaxHeight))
	}
	if c.BlurRadius < 0 {
		errs = append(errs, fmt.Errorf("blur_radius must not be negative, got %d", c.BlurRadius))
	}
	return errors.Join(errs...)
}

// Result is the gate's verdict for one frame.
type Result struct {
	MotionPercent float64          `json:"motion_percent"`
	Level         Level            `json:"motion_level"`
	HasMotion     bool             `json:"has_motion"`
	FirstFrame    bool             `json:"is_first_frame"`
	Unavailable   bool             `json:"frame_unavailable"`
	Region        geom.BoundingBox `json:"region"` // changed area, normalized to [0,1]
}

// Gate compares each frame with its predecessor. The only state it keeps
// is the reduced form of the last readable frame.
type Gate struct {
	cfg  Config
	prev *image.Gray
	mu   sync.Mutex
}

// NewGate validates cfg and returns a gate with no retained frame.
func NewGate(cfg Config) (*Gate, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid motion config: %w", err)
	}
	return &Gate{cfg: cfg}, nil
}

// Evaluate scores current against previous. When previous is nil the
// frame retained from the last call is used. A missing or unreadable
// current frame yields Unavailable with HasMotion false and leaves the
// retained frame untouched.
func (g *Gate) Evaluate(current, previous *media.Frame) Result {
	g.mu.Lock()
	defer g.mu.Unlock()

	cur, err := g.reduce(current)
	if err != nil {
		if current != nil {
			log.Printf("[Motion] Frame %d unavailable: %v", current.Seq, err)
		}
		return Result{Unavailable: true}
	}

	base := g.prev
	if previous != nil {
		if p, err := g.reduce(previous); err == nil {
			base = p
		}
	}
	g.prev = cur

	if base == nil || base.Bounds() != cur.Bounds() {
		return Result{FirstFrame: true, HasMotion: true, Level: LevelNone}
	}

	percent, region := g.diff(base, cur)
	return Result{
		MotionPercent: percent,
		Level:         LevelFor(percent),
		HasMotion:     percent >= g.cfg.Threshold && percent > 0,
		Region:        region,
	}
}

// Reset forgets the retained frame; the next frame is a first frame.
func (g *Gate) Reset() {
	g.mu.Lock()
	g.prev = nil
	g.mu.Unlock()
}

// reduce decodes f and returns a blurred greyscale copy no larger than the
// configured bounds.
func (g *Gate) reduce(f *media.Frame) (*image.Gray, error) {
	img, err := f.Decode()
	if err != nil {
		return nil, err
	}
	src := img.Bounds()
	if src.Empty() {
		return nil, fmt.Errorf("frame %d: empty image", f.Seq)
	}

	w, h := fitWithin(src.Dx(), src.Dy(), g.cfg.MaxWidth, g.cfg.MaxHeight)
	gray := image.NewGray(image.Rect(0, 0, w, h))
	draw.ApproxBiLinear.Scale(gray, gray.Bounds(), img, src, draw.Src, nil)

	if g.cfg.BlurRadius > 0 {
		boxBlur(gray, g.cfg.BlurRadius)
	}
	return gray, nil
}

// diff returns the percentage of pixels whose absolute difference exceeds
// the delta, and the normalized bounding box of those pixels.
func (g *Gate) diff(a, b *image.Gray) (float64, geom.BoundingBox) {
	bounds := a.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	minX, minY, maxX, maxY := w, h, -1, -1
	changed := 0

	for y := 0; y < h; y++ {
		ra := a.Pix[y*a.Stride : y*a.Stride+w]
		rb := b.Pix[y*b.Stride : y*b.Stride+w]
		for x := 0; x < w; x++ {
			d := int(ra[x]) - int(rb[x])
			if d < 0 {
				d = -d
			}
			if d <= g.cfg.PixelDelta {
				continue
			}
			changed++
			minX, maxX = min(minX, x), max(maxX, x)
			minY, maxY = min(minY, y), max(maxY, y)
		}
	}

	if changed == 0 {
		return 0, geom.BoundingBox{}
	}
	region := geom.FromCorners(
		float64(minX)/float64(w), float64(minY)/float64(h),
		float64(maxX+1)/float64(w), float64(maxY+1)/float64(h),
	)
	return 100 * float64(changed) / float64(w*h), region
}

// fitWithin scales (w, h) down to fit (maxW, maxH), keeping aspect ratio.
// Frames already inside the bounds are left at their size.
func fitWithin(w, h, maxW, maxH int) (int, int) {
	if w <= maxW && h <= maxH {
		return w, h
	}
	scale := min(float64(maxW)/float64(w), float64(maxH)/float64(h))
	return max(1, int(float64(w)*scale)), max(1, int(float64(h)*scale))
}

// boxBlur applies a separable box blur of the given radius in place.
func boxBlur(img *image.Gray, radius int) {
	w, h := img.Rect.Dx(), img.Rect.Dy()
	tmp := make([]uint8, w*h)

	for y := 0; y < h; y++ {
		row := img.Pix[y*img.Stride : y*img.Stride+w]
		for x := 0; x < w; x++ {
			lo, hi := max(0, x-radius), min(w-1, x+radius)
			sum := 0
			for i := lo; i <= hi; i++ {
				sum += int(row[i])
			}
			tmp[y*w+x] = uint8(sum / (hi - lo + 1))
		}
	}
	for x := 0; x < w; x++ {
		for y := 0; y < h; y++ {
			lo, hi := max(0, y-radius), min(h-1, y+radius)
			sum := 0
			for i := lo; i <= hi; i++ {
				sum += int(tmp[i*w+x])
			}
			img.Pix[y*img.Stride+x] = uint8(sum / (hi - lo + 1))
		}
	}
}
