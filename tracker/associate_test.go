package tracker

import (
	"testing"

	"go.viam.com/test"
)

func TestIOU(t *testing.T) {
	a := BBox{0, 0, 10, 10}
	test.That(t, IOU(a, a), test.ShouldEqual, 1.0)
	test.That(t, IOU(a, BBox{20, 20, 30, 30}), test.ShouldEqual, 0.0)
	test.That(t, IOU(a, BBox{5, 0, 15, 10}), test.ShouldAlmostEqual, 1.0/3)
	// symmetric
	b := BBox{3, 4, 12, 9}
	test.That(t, IOU(a, b), test.ShouldAlmostEqual, IOU(b, a))
	// degenerate boxes never divide by zero
	test.That(t, IOU(BBox{1, 1, 1, 1}, BBox{1, 1, 1, 1}), test.ShouldEqual, 0.0)
}

func TestAssociate(t *testing.T) {
	t.Run("crossed order", func(t *testing.T) {
		dets := []BBox{{0, 0, 10, 10}, {100, 100, 110, 110}}
		trks := []BBox{{101, 101, 111, 111}, {1, 0, 11, 10}}
		a, err := Associate(dets, trks, DefaultIOUThreshold)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, a.Matches, test.ShouldResemble, [][2]int{{0, 1}, {1, 0}})
		test.That(t, a.UnmatchedDetections, test.ShouldBeEmpty)
		test.That(t, a.UnmatchedTracks, test.ShouldBeEmpty)
	})

	t.Run("below threshold", func(t *testing.T) {
		dets := []BBox{{0, 0, 10, 10}}
		trks := []BBox{{8, 8, 18, 18}}
		a, err := Associate(dets, trks, DefaultIOUThreshold)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, a.Matches, test.ShouldBeEmpty)
		test.That(t, a.UnmatchedDetections, test.ShouldResemble, []int{0})
		test.That(t, a.UnmatchedTracks, test.ShouldResemble, []int{0})
	})

	t.Run("more detections than tracks", func(t *testing.T) {
		dets := []BBox{{50, 50, 60, 60}, {0, 0, 10, 10}, {200, 200, 210, 210}}
		trks := []BBox{{0, 0, 10, 10}}
		a, err := Associate(dets, trks, DefaultIOUThreshold)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, a.Matches, test.ShouldResemble, [][2]int{{1, 0}})
		test.That(t, a.UnmatchedDetections, test.ShouldResemble, []int{0, 2})
		test.That(t, a.UnmatchedTracks, test.ShouldBeEmpty)
	})

	t.Run("empty inputs", func(t *testing.T) {
		a, err := Associate(nil, []BBox{{0, 0, 1, 1}, {2, 2, 3, 3}}, DefaultIOUThreshold)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, a.UnmatchedTracks, test.ShouldResemble, []int{0, 1})
		a, err = Associate([]BBox{{0, 0, 1, 1}}, nil, DefaultIOUThreshold)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, a.UnmatchedDetections, test.ShouldResemble, []int{0})
		test.That(t, a.Matches, test.ShouldBeEmpty)
	})
}

func TestBuildMatchingMatrix(t *testing.T) {
	m := BuildMatchingMatrix([]BBox{{0, 0, 10, 10}}, []BBox{{0, 0, 10, 10}, {5, 0, 15, 10}})
	test.That(t, len(m), test.ShouldEqual, 1)
	test.That(t, m[0][0], test.ShouldEqual, -1.0)
	test.That(t, m[0][1], test.ShouldAlmostEqual, -1.0/3)
}
