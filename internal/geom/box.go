// Package geom holds the geometric primitives shared by the motion gate,
// the tracker and the cascade: boxes, velocities and the similarity
// measures used for association.
package geom

import "math"

// BoundingBox is an axis-aligned rectangle with its top-left corner at
// (X, Y). Coordinates may be normalized or in pixels, as long as a stream
// uses one space consistently.
type BoundingBox struct {
	X          float64   `json:"x"`
	Y          float64   `json:"y"`
	W          float64   `json:"w"`
	H          float64   `json:"h"`
	Confidence float64   `json:"confidence"`
	ClassName  string    `json:"class"`
	Appearance []float32 `json:"-"` // optional re-identification descriptor
}

// Velocity is a displacement per second in the box coordinate space.
type Velocity struct {
	DX float64 `json:"dx"`
	DY float64 `json:"dy"`
}

// Speed returns the magnitude of the velocity.
func (v Velocity) Speed() float64 {
	return math.Hypot(v.DX, v.DY)
}

// Center returns the centroid of the box.
func (b BoundingBox) Center() (float64, float64) {
	return b.X + b.W/2, b.Y + b.H/2
}

// Area returns W*H, or 0 for degenerate boxes.
func (b BoundingBox) Area() float64 {
	if b.W <= 0 || b.H <= 0 {
		return 0
	}
	return b.W * b.H
}

// Diagonal returns the length of the box diagonal.
func (b BoundingBox) Diagonal() float64 {
	return math.Hypot(b.W, b.H)
}

// FromCenter builds a box of the given size centred on (cx, cy), keeping
// the confidence and class of b.
func (b BoundingBox) FromCenter(cx, cy, w, h float64) BoundingBox {
	out := b
	out.X = cx - w/2
	out.Y = cy - h/2
	out.W = w
	out.H = h
	return out
}

// Corners returns the box as x1, y1, x2, y2.
func (b BoundingBox) Corners() (float64, float64, float64, float64) {
	return b.X, b.Y, b.X + b.W, b.Y + b.H
}

// FromCorners builds a box from its top-left and bottom-right corners.
func FromCorners(x1, y1, x2, y2 float64) BoundingBox {
	if x2 < x1 {
		x1, x2 = x2, x1
	}
	if y2 < y1 {
		y1, y2 = y2, y1
	}
	return BoundingBox{X: x1, Y: y1, W: x2 - x1, H: y2 - y1}
}

// IoU returns the intersection over union of two boxes in [0, 1].
func IoU(a, b BoundingBox) float64 {
	ax1, ay1, ax2, ay2 := a.Corners()
	bx1, by1, bx2, by2 := b.Corners()

	ix1 := math.Max(ax1, bx1)
	iy1 := math.Max(ay1, by1)
	ix2 := math.Min(ax2, bx2)
	iy2 := math.Min(ay2, by2)

	if ix2 <= ix1 || iy2 <= iy1 {
		return 0
	}
	inter := (ix2 - ix1) * (iy2 - iy1)
	union := a.Area() + b.Area() - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}

// CentroidDistance returns the Euclidean distance between box centres.
func CentroidDistance(a, b BoundingBox) float64 {
	ax, ay := a.Center()
	bx, by := b.Center()
	return math.Hypot(ax-bx, ay-by)
}

// NormalizedCentroidDistance scales the centroid distance by the mean
// diagonal of the two boxes, so that the result is comparable across
// object sizes. Values above 1 mean the centres are further apart than a
// typical box is wide.
func NormalizedCentroidDistance(a, b BoundingBox) float64 {
	scale := (a.Diagonal() + b.Diagonal()) / 2
	if scale <= 0 {
		return math.Inf(1)
	}
	return CentroidDistance(a, b) / scale
}

// CosineSimilarity returns the cosine of the angle between two
// descriptors. Mismatched or empty descriptors yield 0.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// Normalize returns v scaled to unit L2 norm. A zero vector is returned
// unchanged.
func Normalize(v []float32) []float32 {
	var n float64
	for _, x := range v {
		n += float64(x) * float64(x)
	}
	out := make([]float32, len(v))
	if n == 0 {
		copy(out, v)
		return out
	}
	n = math.Sqrt(n)
	for i, x := range v {
		out[i] = float32(float64(x) / n)
	}
	return out
}
