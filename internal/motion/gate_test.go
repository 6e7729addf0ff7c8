package motion

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vigil/internal/media"
)

func solid(w, h int, c color.Color) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	return img
}

func withSquare(w, h, x0, y0, size int) *image.RGBA {
	img := solid(w, h, color.Black)
	for y := y0; y < y0+size; y++ {
		for x := x0; x < x0+size; x++ {
			img.Set(x, y, color.White)
		}
	}
	return img
}

func frameOf(seq uint64, img image.Image) *media.Frame {
	return &media.Frame{Seq: seq, Image: img}
}

func newGate(t *testing.T) *Gate {
	t.Helper()
	g, err := NewGate(DefaultConfig())
	require.NoError(t, err)
	return g
}

func TestLevelFor(t *testing.T) {
	tests := []struct {
		percent float64
		want    Level
	}{
		{0, LevelNone},
		{0.49, LevelNone},
		{0.5, LevelMinimal},
		{0.99, LevelMinimal},
		{1, LevelLow},
		{4.9, LevelLow},
		{5, LevelMedium},
		{14.9, LevelMedium},
		{15, LevelHigh},
		{100, LevelHigh},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, LevelFor(tt.percent), "percent %v", tt.percent)
	}
}

func TestLevelText(t *testing.T) {
	text, err := LevelMedium.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "medium", string(text))

	var l Level
	require.NoError(t, l.UnmarshalText([]byte("minimal")))
	assert.Equal(t, LevelMinimal, l)
	assert.Error(t, l.UnmarshalText([]byte("extreme")))
}

func TestConfigValidate(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())

	_, err := NewGate(Config{PixelDelta: 0, Threshold: -1, MaxWidth: 4, MaxHeight: 4, BlurRadius: -1})
	require.Error(t, err)
	assert.ErrorContains(t, err, "pixel_delta")
	assert.ErrorContains(t, err, "threshold")
	assert.ErrorContains(t, err, "blur_radius")
}

func TestFirstFrame(t *testing.T) {
	g := newGate(t)
	res := g.Evaluate(frameOf(1, solid(100, 100, color.Black)), nil)
	assert.True(t, res.FirstFrame)
	assert.True(t, res.HasMotion)
	assert.False(t, res.Unavailable)
}

func TestStaticInputIsIdempotent(t *testing.T) {
	g := newGate(t)
	img := withSquare(100, 100, 20, 20, 30)

	first := g.Evaluate(frameOf(1, img), nil)
	require.True(t, first.FirstFrame)

	for seq := uint64(2); seq < 5; seq++ {
		res := g.Evaluate(frameOf(seq, img), nil)
		assert.False(t, res.FirstFrame)
		assert.Zero(t, res.MotionPercent)
		assert.False(t, res.HasMotion)
		assert.Equal(t, LevelNone, res.Level)
	}
}

func TestStaticJPEGInput(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, withSquare(160, 120, 40, 40, 20), nil))
	data := buf.Bytes()

	g := newGate(t)
	g.Evaluate(&media.Frame{Seq: 1, Data: data}, nil)
	res := g.Evaluate(&media.Frame{Seq: 2, Data: data}, nil)
	assert.Zero(t, res.MotionPercent)
	assert.False(t, res.HasMotion)
}

func TestMovingSquare(t *testing.T) {
	g := newGate(t)
	g.Evaluate(frameOf(1, solid(100, 100, color.Black)), nil)

	res := g.Evaluate(frameOf(2, withSquare(100, 100, 10, 10, 30)), nil)
	assert.True(t, res.HasMotion)
	assert.Greater(t, res.MotionPercent, 8.0)
	assert.Less(t, res.MotionPercent, 13.0)
	assert.Equal(t, LevelMedium, res.Level)
	assert.InDelta(t, 0.08, res.Region.X, 0.02)
	assert.InDelta(t, 0.08, res.Region.Y, 0.02)
	assert.InDelta(t, 0.34, res.Region.W, 0.03)
}

func TestExplicitPrevious(t *testing.T) {
	g := newGate(t)
	a := frameOf(1, solid(100, 100, color.Black))
	b := frameOf(2, solid(100, 100, color.White))

	res := g.Evaluate(b, a)
	assert.False(t, res.FirstFrame)
	assert.InDelta(t, 100.0, res.MotionPercent, 1e-9)
	assert.Equal(t, LevelHigh, res.Level)

	// b is now retained.
	res = g.Evaluate(frameOf(3, solid(100, 100, color.White)), nil)
	assert.Zero(t, res.MotionPercent)
}

func TestUnavailableFrame(t *testing.T) {
	g := newGate(t)
	img := solid(100, 100, color.Gray{Y: 90})
	g.Evaluate(frameOf(1, img), nil)

	res := g.Evaluate(nil, nil)
	assert.True(t, res.Unavailable)
	assert.False(t, res.HasMotion)

	res = g.Evaluate(&media.Frame{Seq: 3, Data: []byte{0xFF, 0xD8, 0x00}}, nil)
	assert.True(t, res.Unavailable)
	assert.False(t, res.HasMotion)

	// The retained frame survives unreadable input.
	res = g.Evaluate(frameOf(4, img), nil)
	assert.False(t, res.FirstFrame)
	assert.Zero(t, res.MotionPercent)
}

func TestSizeChangeAndReset(t *testing.T) {
	g := newGate(t)
	g.Evaluate(frameOf(1, solid(100, 100, color.Black)), nil)

	res := g.Evaluate(frameOf(2, solid(120, 90, color.Black)), nil)
	assert.True(t, res.FirstFrame)

	g.Reset()
	res = g.Evaluate(frameOf(3, solid(120, 90, color.Black)), nil)
	assert.True(t, res.FirstFrame)
}

func TestReduceDownscales(t *testing.T) {
	g := newGate(t)
	gray, err := g.reduce(frameOf(1, solid(640, 480, color.White)))
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 320, 240), gray.Bounds())

	w, h := fitWithin(1920, 1080, 320, 240)
	assert.Equal(t, 320, w)
	assert.Equal(t, 180, h)

	w, h = fitWithin(100, 50, 320, 240)
	assert.Equal(t, 100, w)
	assert.Equal(t, 50, h)
}
