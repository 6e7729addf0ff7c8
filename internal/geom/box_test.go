package geom

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIoU(t *testing.T) {
	tests := []struct {
		name string
		a, b BoundingBox
		want float64
	}{
		{"identical", BoundingBox{X: 0, Y: 0, W: 10, H: 10}, BoundingBox{X: 0, Y: 0, W: 10, H: 10}, 1},
		{"disjoint", BoundingBox{X: 0, Y: 0, W: 10, H: 10}, BoundingBox{X: 20, Y: 20, W: 5, H: 5}, 0},
		{"touching edge", BoundingBox{X: 0, Y: 0, W: 10, H: 10}, BoundingBox{X: 10, Y: 0, W: 10, H: 10}, 0},
		{"half overlap", BoundingBox{X: 0, Y: 0, W: 10, H: 10}, BoundingBox{X: 5, Y: 0, W: 10, H: 10}, 50.0 / 150.0},
		{"degenerate", BoundingBox{X: 0, Y: 0, W: 0, H: 10}, BoundingBox{X: 0, Y: 0, W: 10, H: 10}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, IoU(tt.a, tt.b), 1e-9)
			assert.InDelta(t, tt.want, IoU(tt.b, tt.a), 1e-9, "IoU must be symmetric")
		})
	}
}

func TestCentroidDistance(t *testing.T) {
	a := BoundingBox{X: 0, Y: 0, W: 2, H: 2}
	b := BoundingBox{X: 3, Y: 4, W: 2, H: 2}
	assert.InDelta(t, 5.0, CentroidDistance(a, b), 1e-9)
	assert.InDelta(t, 5.0/math.Hypot(2, 2), NormalizedCentroidDistance(a, b), 1e-9)
	assert.True(t, math.IsInf(NormalizedCentroidDistance(BoundingBox{}, BoundingBox{}), 1))
}

func TestCosineSimilarity(t *testing.T) {
	assert.InDelta(t, 1.0, CosineSimilarity([]float32{1, 2, 3}, []float32{2, 4, 6}), 1e-6)
	assert.InDelta(t, 0.0, CosineSimilarity([]float32{1, 0}, []float32{0, 1}), 1e-9)
	assert.InDelta(t, -1.0, CosineSimilarity([]float32{1, 0}, []float32{-1, 0}), 1e-9)
	assert.Zero(t, CosineSimilarity([]float32{1}, []float32{1, 2}))
	assert.Zero(t, CosineSimilarity(nil, nil))
}

func TestNormalize(t *testing.T) {
	v := Normalize([]float32{3, 4})
	assert.InDelta(t, 0.6, v[0], 1e-6)
	assert.InDelta(t, 0.8, v[1], 1e-6)
	assert.Equal(t, []float32{0, 0}, Normalize([]float32{0, 0}))
}

func TestFromCornersAndCenter(t *testing.T) {
	b := FromCorners(10, 20, 0, 0)
	assert.Equal(t, BoundingBox{X: 0, Y: 0, W: 10, H: 20}, b)

	cx, cy := b.Center()
	assert.Equal(t, 5.0, cx)
	assert.Equal(t, 10.0, cy)

	moved := BoundingBox{ClassName: "person", Confidence: 0.7}.FromCenter(5, 5, 4, 2)
	assert.Equal(t, BoundingBox{X: 3, Y: 4, W: 4, H: 2, ClassName: "person", Confidence: 0.7}, moved)
}
