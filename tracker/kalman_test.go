package tracker

import (
	"errors"
	"math"
	"testing"

	"go.viam.com/test"
)

func TestStateRoundTrip(t *testing.T) {
	b := BBox{10, 20, 50, 40}
	z := toState(b)
	test.That(t, z, test.ShouldResemble, [measurementDim]float64{30, 30, 800, 2})

	var x [stateDim]float64
	copy(x[:], z[:])
	got, err := fromState(x)
	test.That(t, err, test.ShouldBeNil)
	for i := range b {
		test.That(t, got[i], test.ShouldAlmostEqual, b[i])
	}
}

func TestFromStateCorruption(t *testing.T) {
	for _, x := range [][stateDim]float64{
		{0, 0, -4, 1, 0, 0, 0},
		{0, 0, 4, 0, 0, 0, 0},
		{math.NaN(), 0, 4, 1, 0, 0, 0},
		{0, 0, math.Inf(1), 1, 0, 0, 0},
	} {
		_, err := fromState(x)
		test.That(t, errors.Is(err, ErrStateCorruption), test.ShouldBeTrue)
	}
}

func TestKalmanStaticObject(t *testing.T) {
	b := BBox{0, 0, 10, 10}
	kf := newKalmanBoxFilter(b)
	test.That(t, kf.p.At(0, 0), test.ShouldEqual, 10.0)
	test.That(t, kf.p.At(4, 4), test.ShouldEqual, 10000.0)

	for i := 0; i < 5; i++ {
		kf.predict()
		test.That(t, kf.update(b), test.ShouldBeNil)
	}
	got, err := kf.box()
	test.That(t, err, test.ShouldBeNil)
	for i := range b {
		test.That(t, got[i], test.ShouldAlmostEqual, b[i], 1e-6)
	}
	// covariance stays symmetric
	test.That(t, kf.p.At(0, 4), test.ShouldAlmostEqual, kf.p.At(4, 0), 1e-9)
}

func TestKalmanFollowsMotion(t *testing.T) {
	kf := newKalmanBoxFilter(BBox{0, 0, 10, 10})
	for i := 1; i <= 10; i++ {
		kf.predict()
		shift := float64(2 * i)
		test.That(t, kf.update(BBox{shift, 0, shift + 10, 10}), test.ShouldBeNil)
	}
	kf.predict()
	got, err := kf.box()
	test.That(t, err, test.ShouldBeNil)
	// moving 2px per frame, the prediction should be close to x1 = 22
	test.That(t, got[0], test.ShouldAlmostEqual, 22, 1.5)
}

func TestKalmanShrinkingAreaClamped(t *testing.T) {
	kf := newKalmanBoxFilter(BBox{0, 0, 10, 10})
	kf.x.SetVec(6, -500)
	kf.predict()
	test.That(t, kf.x.AtVec(6), test.ShouldEqual, 0.0)
	_, err := kf.box()
	test.That(t, err, test.ShouldBeNil)
}
