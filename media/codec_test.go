package media

import (
	"image"
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"go.viam.com/test"
)

type nopWriter struct{ codec string }

func (w *nopWriter) Write(img image.Image) error { return nil }
func (w *nopWriter) Close() error                { return nil }

func TestOpenWriterFallback(t *testing.T) {
	var tried []string
	open := func(path, codec string, fps float64, size image.Point) (VideoWriter, error) {
		tried = append(tried, codec)
		switch codec {
		case "avc1":
			return nil, errors.New("codec not found")
		case "XVID":
			return nil, nil
		default:
			return &nopWriter{codec: codec}, nil
		}
	}

	w, codec, attempts, err := OpenWriter(open, "out.mp4", SegmentCodecs, 20, image.Pt(640, 480))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, codec, test.ShouldEqual, "mp4v")
	test.That(t, w.(*nopWriter).codec, test.ShouldEqual, "mp4v")
	test.That(t, tried, test.ShouldResemble, []string{"avc1", "XVID", "mp4v"})
	test.That(t, len(attempts), test.ShouldEqual, 3)
	test.That(t, attempts[0].Err, test.ShouldNotBeNil)
	test.That(t, attempts[1].Err, test.ShouldNotBeNil)
	test.That(t, attempts[2].Err, test.ShouldBeNil)
}

func TestOpenWriterFirstWins(t *testing.T) {
	calls := 0
	open := func(path, codec string, fps float64, size image.Point) (VideoWriter, error) {
		calls++
		return &nopWriter{codec: codec}, nil
	}
	_, codec, _, err := OpenWriter(open, "out.mp4", BatchCodecs, 20, image.Pt(640, 480))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, codec, test.ShouldEqual, "H264")
	test.That(t, calls, test.ShouldEqual, 1)
}

func TestOpenWriterAllFail(t *testing.T) {
	open := func(path, codec string, fps float64, size image.Point) (VideoWriter, error) {
		return nil, errors.Errorf("%s unavailable", codec)
	}
	w, _, attempts, err := OpenWriter(open, "out.mp4", BatchCodecs, 20, image.Pt(640, 480))
	test.That(t, w, test.ShouldBeNil)
	test.That(t, errors.Is(err, ErrEncoder), test.ShouldBeTrue)
	test.That(t, len(attempts), test.ShouldEqual, 3)
	test.That(t, err.Error(), test.ShouldContainSubstring, "H264: H264 unavailable")
	test.That(t, err.Error(), test.ShouldContainSubstring, "mp4v: mp4v unavailable")
}

func TestNormalizeFPS(t *testing.T) {
	test.That(t, NormalizeFPS(0), test.ShouldEqual, DefaultFPS)
	test.That(t, NormalizeFPS(-3), test.ShouldEqual, DefaultFPS)
	test.That(t, NormalizeFPS(120), test.ShouldEqual, DefaultFPS)
	test.That(t, NormalizeFPS(30), test.ShouldEqual, 30.0)
	test.That(t, NormalizeFPS(60), test.ShouldEqual, 60.0)
}

// touchAndFail mimics an encoder that creates the output file and then fails to open.
func touchAndFail(t *testing.T, seen *[]bool) WriterOpener {
	return func(path, codec string, fps float64, size image.Point) (VideoWriter, error) {
		_, err := os.Stat(path)
		*seen = append(*seen, err == nil)
		test.That(t, os.WriteFile(path, nil, 0o644), test.ShouldBeNil)
		return nil, errors.Errorf("%s did not open", codec)
	}
}

func TestOpenWriterCleanup(t *testing.T) {
	t.Run("removes leftovers", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "seg.mp4")
		var seen []bool
		_, _, _, err := OpenWriter(touchAndFail(t, &seen), path, SegmentCodecs, 20, image.Pt(640, 480))
		test.That(t, errors.Is(err, ErrEncoder), test.ShouldBeTrue)
		_, err = os.Stat(path)
		test.That(t, os.IsNotExist(err), test.ShouldBeTrue)
	})

	t.Run("keeps reserved name", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "result_1.mp4")
		test.That(t, os.WriteFile(path, nil, 0o644), test.ShouldBeNil)
		var seen []bool
		_, _, _, err := OpenWriter(touchAndFail(t, &seen), path, BatchCodecs, 20, image.Pt(640, 480))
		test.That(t, errors.Is(err, ErrEncoder), test.ShouldBeTrue)
		test.That(t, seen, test.ShouldResemble, []bool{true, true, true})
		_, err = os.Stat(path)
		test.That(t, err, test.ShouldBeNil)
	})

	t.Run("reserved name survives fallback", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "result_2.mp4")
		test.That(t, os.WriteFile(path, nil, 0o644), test.ShouldBeNil)
		var seen []bool
		fail := touchAndFail(t, &seen)
		open := func(p, codec string, fps float64, size image.Point) (VideoWriter, error) {
			if codec == "mp4v" {
				_, err := os.Stat(p)
				seen = append(seen, err == nil)
				return &nopWriter{codec: codec}, nil
			}
			return fail(p, codec, fps, size)
		}
		_, codec, _, err := OpenWriter(open, path, BatchCodecs, 20, image.Pt(640, 480))
		test.That(t, err, test.ShouldBeNil)
		test.That(t, codec, test.ShouldEqual, "mp4v")
		test.That(t, seen, test.ShouldResemble, []bool{true, true, true})
	})
}
