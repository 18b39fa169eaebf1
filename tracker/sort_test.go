package tracker

import (
	"math"
	"testing"

	"go.viam.com/test"
)

func coal(b BBox, conf float64) Detection {
	return Detection{BBox: b, Label: "coal", Confidence: conf}
}

func ids(out Output) []int {
	res := make([]int, 0, len(out.Tracks))
	for _, o := range out.Tracks {
		res = append(res, o.ID)
	}
	return res
}

func TestManagerSingleObject(t *testing.T) {
	m := NewManager(DefaultConfig())

	out, err := m.Update(1, []Detection{coal(BBox{0, 0, 10, 10}, 0.9)})
	test.That(t, err, test.ShouldBeNil)
	// emitted during warm-up even though hit_streak < min_hits
	test.That(t, ids(out), test.ShouldResemble, []int{1})
	test.That(t, out.UniqueCount, test.ShouldEqual, 1)
	test.That(t, out.Tracks[0].Label, test.ShouldEqual, "coal")

	out, err = m.Update(2, []Detection{coal(BBox{0, 0, 10, 10}, 0.8)})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, ids(out), test.ShouldResemble, []int{1})
	test.That(t, out.Tracks[0].Confidence, test.ShouldEqual, 0.8)
	test.That(t, out.UniqueCount, test.ShouldEqual, 1)

	trk, ok := m.Track(1)
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, trk.Hits, test.ShouldEqual, 2)
	test.That(t, trk.HitStreak, test.ShouldEqual, 2)
	test.That(t, trk.TimeSinceUpdate, test.ShouldEqual, 0)
	test.That(t, len(trk.StateVector()), test.ShouldEqual, 7)
}

func TestManagerDropsCorruptedTrack(t *testing.T) {
	m := NewManager(DefaultConfig())
	det := coal(BBox{0, 0, 10, 10}, 0.9)
	_, err := m.Update(1, []Detection{det})
	test.That(t, err, test.ShouldBeNil)

	m.tracks[0].kf.x.SetVec(0, math.NaN())

	out, err := m.Update(2, []Detection{det})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, m.Dropped(), test.ShouldEqual, 1)
	test.That(t, len(m.Tracks()), test.ShouldEqual, 1)
	_, ok := m.Track(1)
	test.That(t, ok, test.ShouldBeFalse)
	// the same object continues under a fresh id
	test.That(t, ids(out), test.ShouldResemble, []int{2})
	test.That(t, out.UniqueCount, test.ShouldEqual, 2)
}

func TestManagerConfirmationAfterWarmUp(t *testing.T) {
	m := NewManager(DefaultConfig())
	a := coal(BBox{0, 0, 10, 10}, 0.9)
	b := coal(BBox{100, 100, 120, 120}, 0.7)

	for f := 1; f <= 3; f++ {
		_, err := m.Update(f, []Detection{a})
		test.That(t, err, test.ShouldBeNil)
	}
	// a new object after warm-up must build a streak first
	out, err := m.Update(4, []Detection{a, b})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, ids(out), test.ShouldResemble, []int{1})
	test.That(t, out.UniqueCount, test.ShouldEqual, 1)
	test.That(t, len(m.Tracks()), test.ShouldEqual, 2)

	out, err = m.Update(5, []Detection{a, b})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, ids(out), test.ShouldResemble, []int{1, 2})
	test.That(t, out.UniqueCount, test.ShouldEqual, 2)
}

func TestManagerEvictionAndNoReuse(t *testing.T) {
	m := NewManager(Config{MaxAge: 1, MinHits: 2, IOUThreshold: 0.3})
	box := BBox{0, 0, 10, 10}

	_, err := m.Update(1, []Detection{coal(box, 0.9)})
	test.That(t, err, test.ShouldBeNil)

	out, err := m.Update(2, nil)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, out.Tracks, test.ShouldBeEmpty)
	test.That(t, len(m.Tracks()), test.ShouldEqual, 1)

	_, err = m.Update(3, nil)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, len(m.Tracks()), test.ShouldEqual, 0)

	_, err = m.Update(4, []Detection{coal(box, 0.9)})
	test.That(t, err, test.ShouldBeNil)
	trks := m.Tracks()
	test.That(t, len(trks), test.ShouldEqual, 1)
	test.That(t, trks[0].ID, test.ShouldEqual, 2)
	test.That(t, m.FrameCount(), test.ShouldEqual, 4)
}

func TestManagerMissedFrameResetsStreak(t *testing.T) {
	m := NewManager(Config{MaxAge: 5, MinHits: 2, IOUThreshold: 0.3})
	d := coal(BBox{0, 0, 10, 10}, 0.9)
	for f := 1; f <= 3; f++ {
		_, err := m.Update(f, []Detection{d})
		test.That(t, err, test.ShouldBeNil)
	}
	_, err := m.Update(4, nil)
	test.That(t, err, test.ShouldBeNil)

	// first frame back: streak restarts at 1, below min_hits
	out, err := m.Update(5, []Detection{d})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, out.Tracks, test.ShouldBeEmpty)

	out, err = m.Update(6, []Detection{d})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, ids(out), test.ShouldResemble, []int{1})
}

func TestManagerDeterministic(t *testing.T) {
	frames := [][]Detection{
		{coal(BBox{0, 0, 10, 10}, 0.9), coal(BBox{50, 50, 70, 70}, 0.6)},
		{coal(BBox{1, 1, 11, 11}, 0.9), coal(BBox{52, 51, 72, 71}, 0.6)},
		{coal(BBox{53, 52, 73, 72}, 0.5)},
		{coal(BBox{3, 3, 13, 13}, 0.9), coal(BBox{54, 53, 74, 73}, 0.6), coal(BBox{200, 200, 230, 230}, 0.4)},
	}
	run := func() []Output {
		m := NewManager(DefaultConfig())
		var res []Output
		for i, dets := range frames {
			out, err := m.Update(i+1, dets)
			test.That(t, err, test.ShouldBeNil)
			res = append(res, out)
		}
		return res
	}
	test.That(t, run(), test.ShouldResemble, run())
}

func TestConfigValidate(t *testing.T) {
	test.That(t, DefaultConfig().Validate(), test.ShouldBeNil)
	test.That(t, Config{MaxAge: -1}.Validate(), test.ShouldNotBeNil)
	test.That(t, Config{MinHits: -1}.Validate(), test.ShouldNotBeNil)
	test.That(t, Config{IOUThreshold: 1.5}.Validate(), test.ShouldNotBeNil)
}

func TestIDAllocator(t *testing.T) {
	var a IDAllocator
	test.That(t, a.Last(), test.ShouldEqual, 0)
	test.That(t, a.Next(), test.ShouldEqual, 1)
	test.That(t, a.Next(), test.ShouldEqual, 2)
	test.That(t, a.Last(), test.ShouldEqual, 2)
}
