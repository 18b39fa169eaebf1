package media

import (
	"fmt"
	"image"
	"os"
	"strings"

	"github.com/pkg/errors"
)

// Codec fallback orders. The first codec that opens wins.
var (
	SegmentCodecs = []string{"avc1", "XVID", "mp4v"}
	BatchCodecs   = []string{"H264", "avc1", "mp4v"}
)

// WriterOpener opens a writer for a single codec. Returning a nil writer with a nil error means the encoder
// accepted the parameters but did not open.
type WriterOpener func(path, codec string, fps float64, size image.Point) (VideoWriter, error)

// Attempt records the outcome of trying one codec.
type Attempt struct {
	Codec string
	Err   error
}

func (a Attempt) String() string {
	if a.Err == nil {
		return a.Codec + ": ok"
	}
	return fmt.Sprintf("%s: %v", a.Codec, a.Err)
}

// EncoderError lists every codec tried before giving up. It wraps ErrEncoder.
type EncoderError struct {
	Path     string
	Attempts []Attempt
}

func (e *EncoderError) Error() string {
	parts := make([]string, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		parts = append(parts, a.String())
	}
	return fmt.Sprintf("%v for %s (tried %s)", ErrEncoder, e.Path, strings.Join(parts, "; "))
}

// Unwrap lets errors.Is match ErrEncoder.
func (e *EncoderError) Unwrap() error { return ErrEncoder }

// OpenWriter tries codecs in order and returns the first open writer, the codec used and every attempt made.
// When every codec fails, a file left at path by the failed attempts is removed, unless path already
// existed before the first attempt (a name reserved by the caller).
func OpenWriter(open WriterOpener, path string, codecs []string, fps float64, size image.Point) (VideoWriter, string, []Attempt, error) {
	_, statErr := os.Stat(path)
	preexisting := statErr == nil
	attempts := make([]Attempt, 0, len(codecs))
	for _, codec := range codecs {
		w, err := open(path, codec, fps, size)
		if err == nil && w == nil {
			err = errors.New("writer not opened")
		}
		attempts = append(attempts, Attempt{Codec: codec, Err: err})
		if err != nil {
			continue
		}
		return w, codec, attempts, nil
	}
	if len(codecs) == 0 {
		attempts = append(attempts, Attempt{Codec: "none", Err: errors.New("empty codec list")})
	}
	if !preexisting {
		//nolint:errcheck
		os.Remove(path)
	}
	return nil, "", attempts, &EncoderError{Path: path, Attempts: attempts}
}
