package events

import (
	"errors"
	"testing"

	"go.viam.com/test"
)

func TestBusDropOldest(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	sub, err := bus.Subscribe("slow", 2)
	test.That(t, err, test.ShouldBeNil)

	for i := 0; i < 5; i++ {
		bus.Publish(Event{Topic: "t", Payload: i})
	}
	stats, err := bus.Stats("slow")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, stats.Sent, test.ShouldEqual, uint64(5))
	test.That(t, stats.Dropped, test.ShouldEqual, uint64(3))
	test.That(t, bus.Published(), test.ShouldEqual, uint64(5))

	// the two newest remain, oldest first
	ev := <-sub.C()
	test.That(t, ev.Payload, test.ShouldEqual, 3)
	test.That(t, ev.Time.IsZero(), test.ShouldBeFalse)
	ev = <-sub.C()
	test.That(t, ev.Payload, test.ShouldEqual, 4)
}

func TestBusFanOut(t *testing.T) {
	bus := NewBus()
	a, err := bus.Subscribe("a", 4)
	test.That(t, err, test.ShouldBeNil)
	b, err := bus.Subscribe("b", 4)
	test.That(t, err, test.ShouldBeNil)

	_, err = bus.Subscribe("a", 4)
	test.That(t, errors.Is(err, ErrSubscriberExists), test.ShouldBeTrue)

	bus.Publish(Event{Topic: TopicVideoSaved, Payload: SegmentClosed{CameraID: 1, FilePath: "x.mp4"}})
	test.That(t, (<-a.C()).Topic, test.ShouldEqual, TopicVideoSaved)
	test.That(t, (<-b.C()).Payload.(SegmentClosed).FilePath, test.ShouldEqual, "x.mp4")

	test.That(t, bus.Unsubscribe("a"), test.ShouldBeNil)
	_, ok := <-a.C()
	test.That(t, ok, test.ShouldBeFalse)
	test.That(t, errors.Is(bus.Unsubscribe("a"), ErrSubscriberNotFound), test.ShouldBeTrue)

	test.That(t, bus.Close(), test.ShouldBeNil)
	_, ok = <-b.C()
	test.That(t, ok, test.ShouldBeFalse)
	// publishing after close is a no-op
	bus.Publish(Event{Topic: "late"})
	_, err = bus.Subscribe("c", 1)
	test.That(t, errors.Is(err, ErrBusClosed), test.ShouldBeTrue)
}

func TestTopicsAndNormalize(t *testing.T) {
	test.That(t, DetectionResultTopic(3), test.ShouldEqual, "detection_result_3")
	test.That(t, VideoFrameTopic(0), test.ShouldEqual, "video_frame_0")
	test.That(t, Topic("plant/line1/", "video_saved"), test.ShouldEqual, "plant/line1/video_saved")
	test.That(t, Topic("", "video_saved"), test.ShouldEqual, "video_saved")
	test.That(t, Normalize([4]float64{64, 48, 320, 240}, 640, 480), test.ShouldResemble, [4]float64{10, 10, 50, 50})
	test.That(t, Normalize([4]float64{1, 1, 2, 2}, 0, 480), test.ShouldResemble, [4]float64{})
}
