package tracker

import (
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// State layout: cx, cy, s (area), r (aspect ratio), then velocities of cx, cy, s.
const (
	stateDim       = 7
	measurementDim = 4
)

var (
	// constant velocity: position and area add their velocity each step, r has no dynamics
	transition = mat.NewDense(stateDim, stateDim, []float64{
		1, 0, 0, 0, 1, 0, 0,
		0, 1, 0, 0, 0, 1, 0,
		0, 0, 1, 0, 0, 0, 1,
		0, 0, 0, 1, 0, 0, 0,
		0, 0, 0, 0, 1, 0, 0,
		0, 0, 0, 0, 0, 1, 0,
		0, 0, 0, 0, 0, 0, 1,
	})
	observation = mat.NewDense(measurementDim, stateDim, []float64{
		1, 0, 0, 0, 0, 0, 0,
		0, 1, 0, 0, 0, 0, 0,
		0, 0, 1, 0, 0, 0, 0,
		0, 0, 0, 1, 0, 0, 0,
	})
	processNoise     = diag(1, 1, 1, 1, 0.01, 0.01, 0.01)
	measurementNoise = diag(1, 1, 10, 10)
	// unseen velocities start with very low confidence
	initialCovariance = diag(10, 10, 10, 10, 10000, 10000, 10000)
	identity7         = diag(1, 1, 1, 1, 1, 1, 1)
)

func diag(values ...float64) *mat.Dense {
	n := len(values)
	m := mat.NewDense(n, n, nil)
	for i, v := range values {
		m.Set(i, i, v)
	}
	return m
}

// kalmanBoxFilter estimates a single box's center, area and aspect ratio.
type kalmanBoxFilter struct {
	x *mat.VecDense
	p *mat.Dense
}

func newKalmanBoxFilter(b BBox) *kalmanBoxFilter {
	z := toState(b)
	x := mat.NewVecDense(stateDim, nil)
	for i, v := range z {
		x.SetVec(i, v)
	}
	p := mat.DenseCopyOf(initialCovariance)
	return &kalmanBoxFilter{x: x, p: p}
}

// predict advances the state one frame.
func (kf *kalmanBoxFilter) predict() {
	// area must stay positive, otherwise fromState would take sqrt of a negative
	if kf.x.AtVec(6)+kf.x.AtVec(2) <= 0 {
		kf.x.SetVec(6, 0)
	}
	var x mat.VecDense
	x.MulVec(transition, kf.x)
	kf.x = &x

	var p mat.Dense
	p.Product(transition, kf.p, transition.T())
	p.Add(&p, processNoise)
	kf.p = &p
}

// update corrects the state with an observed box.
func (kf *kalmanBoxFilter) update(b BBox) error {
	z := toState(b)
	zv := mat.NewVecDense(measurementDim, z[:])

	var hx mat.VecDense
	hx.MulVec(observation, kf.x)
	var y mat.VecDense
	y.SubVec(zv, &hx)

	var s mat.Dense
	s.Product(observation, kf.p, observation.T())
	s.Add(&s, measurementNoise)

	var sInv mat.Dense
	if err := sInv.Inverse(&s); err != nil {
		return errors.Wrap(ErrStateCorruption, err.Error())
	}

	var k mat.Dense
	k.Product(kf.p, observation.T(), &sInv)

	var ky mat.VecDense
	ky.MulVec(&k, &y)
	var x mat.VecDense
	x.AddVec(kf.x, &ky)

	// Joseph form keeps P symmetric positive definite.
	var kh mat.Dense
	kh.Mul(&k, observation)
	var ikh mat.Dense
	ikh.Sub(identity7, &kh)
	var p mat.Dense
	p.Product(&ikh, kf.p, ikh.T())
	var krk mat.Dense
	krk.Product(&k, measurementNoise, k.T())
	p.Add(&p, &krk)

	kf.x = &x
	kf.p = &p
	return nil
}

func (kf *kalmanBoxFilter) box() (BBox, error) {
	var state [stateDim]float64
	for i := range state {
		state[i] = kf.x.AtVec(i)
	}
	return fromState(state)
}

// toState converts x1,y1,x2,y2 to cx, cy, area, aspect ratio.
func toState(b BBox) [measurementDim]float64 {
	w := b.Width()
	h := b.Height()
	r := 1.0
	if h > 0 {
		r = w / h
	}
	return [measurementDim]float64{b[0] + w/2, b[1] + h/2, w * h, r}
}

// fromState converts a state vector back to a box. It fails instead of producing NaN.
func fromState(x [stateDim]float64) (BBox, error) {
	for _, v := range x {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return BBox{}, errors.Wrapf(ErrStateCorruption, "non-finite state %v", x)
		}
	}
	s, r := x[2], x[3]
	if s <= 0 || r <= 0 {
		return BBox{}, errors.Wrapf(ErrStateCorruption, "area %v aspect %v", s, r)
	}
	w := math.Sqrt(s * r)
	if w == 0 {
		return BBox{}, errors.Wrap(ErrStateCorruption, "zero width")
	}
	h := s / w
	if h == 0 || math.IsInf(h, 0) {
		return BBox{}, errors.Wrap(ErrStateCorruption, "zero height")
	}
	return BBox{x[0] - w/2, x[1] - h/2, x[0] + w/2, x[1] + h/2}, nil
}
