package tracker

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// Noise is expressed relative to the box size so that the filter behaves
// the same in normalized and pixel coordinates.
const (
	stdPosition = 1.0 / 20 // measurement and position process noise, per box size
	stdVelocity = 1.0 / 2  // velocity process noise, per box size per second
)

var observation = mat.NewDense(2, 4, []float64{
	1, 0, 0, 0,
	0, 1, 0, 0,
})

// kalman is a constant-velocity filter over the box centroid with state
// [cx, cy, vx, vy]. Velocities are per second.
type kalman struct {
	x *mat.VecDense
	p *mat.Dense
}

func newKalman(cx, cy, size float64) *kalman {
	size = noiseScale(size)
	sp := 2 * stdPosition * size
	sv := 10 * stdVelocity * size
	return &kalman{
		x: mat.NewVecDense(4, []float64{cx, cy, 0, 0}),
		p: mat.NewDense(4, 4, []float64{
			sp * sp, 0, 0, 0,
			0, sp * sp, 0, 0,
			0, 0, sv * sv, 0,
			0, 0, 0, sv * sv,
		}),
	}
}

// predict advances the state by dt seconds.
func (k *kalman) predict(dt, size float64) {
	f := mat.NewDense(4, 4, []float64{
		1, 0, dt, 0,
		0, 1, 0, dt,
		0, 0, 1, 0,
		0, 0, 0, 1,
	})

	x := mat.NewVecDense(4, nil)
	x.MulVec(f, k.x)
	k.x = x

	size = noiseScale(size)
	qp := stdPosition * size
	qv := stdVelocity * size
	q := mat.NewDiagDense(4, []float64{qp * qp * dt, qp * qp * dt, qv * qv * dt, qv * qv * dt})

	var fp, fpf mat.Dense
	fp.Mul(f, k.p)
	fpf.Mul(&fp, f.T())
	p := mat.NewDense(4, 4, nil)
	p.Add(&fpf, q)
	k.p = p
}

// correct folds a centroid measurement into the state.
func (k *kalman) correct(zx, zy, size float64) error {
	r := stdPosition * noiseScale(size)
	noise := mat.NewDiagDense(2, []float64{r * r, r * r})

	var hx mat.VecDense
	hx.MulVec(observation, k.x)
	innovation := mat.NewVecDense(2, []float64{zx - hx.AtVec(0), zy - hx.AtVec(1)})

	var hp, hph mat.Dense
	hp.Mul(observation, k.p)
	hph.Mul(&hp, observation.T())
	s := mat.NewDense(2, 2, nil)
	s.Add(&hph, noise)

	var sInv mat.Dense
	if err := sInv.Inverse(s); err != nil {
		return fmt.Errorf("innovation covariance: %w", err)
	}

	var pht, gain mat.Dense
	pht.Mul(k.p, observation.T())
	gain.Mul(&pht, &sInv)

	var step mat.VecDense
	step.MulVec(&gain, innovation)
	x := mat.NewVecDense(4, nil)
	x.AddVec(k.x, &step)
	k.x = x

	var kh mat.Dense
	kh.Mul(&gain, observation)
	ikh := mat.NewDense(4, 4, nil)
	ikh.Sub(eye(4), &kh)
	p := mat.NewDense(4, 4, nil)
	p.Mul(ikh, k.p)
	k.p = p
	return nil
}

func (k *kalman) position() (float64, float64) {
	return k.x.AtVec(0), k.x.AtVec(1)
}

func (k *kalman) velocity() (float64, float64) {
	return k.x.AtVec(2), k.x.AtVec(3)
}

// noiseScale keeps degenerate boxes from collapsing the covariance.
func noiseScale(size float64) float64 {
	if size <= 1e-6 {
		return 1e-3
	}
	return size
}

func eye(n int) *mat.DiagDense {
	d := make([]float64, n)
	for i := range d {
		d[i] = 1
	}
	return mat.NewDiagDense(n, d)
}
