// Package media defines the capture, writer, annotation and encoding contracts used by camera sessions and
// batch jobs, and the ordered codec fallback used to open video writers.
package media

import (
	"image"

	"github.com/pkg/errors"
)

var (
	// ErrDevice is returned when a capture device cannot be opened or read.
	ErrDevice = errors.New("capture device error")
	// ErrEncoder is returned when no codec in the fallback list produced a usable writer.
	ErrEncoder = errors.New("no usable video encoder")
)

// Capture is a source of frames: a camera device or a video file.
type Capture interface {
	// Read returns the next frame. It returns io.EOF at the end of a file.
	Read() (image.Image, error)
	FPS() float64
	FrameSize() image.Point
	// FrameCount is the total number of frames for files, 0 when unknown.
	FrameCount() int
	Close() error
}

// VideoWriter appends frames to an encoded video.
type VideoWriter interface {
	Write(img image.Image) error
	Close() error
}

// Box is one annotated object.
type Box struct {
	Rect       image.Rectangle
	TrackID    int
	Label      string
	Confidence float64
}

// Annotator draws tracked boxes and an overlay line onto a frame.
type Annotator interface {
	Annotate(img image.Image, boxes []Box, overlay string) (image.Image, error)
}

// FrameEncoder compresses a frame for transport.
type FrameEncoder interface {
	EncodeJPEG(img image.Image) ([]byte, error)
}

// DefaultFPS replaces frame rates reported by devices that are missing or implausible.
const DefaultFPS = 20.0

// NormalizeFPS maps a non-positive or greater than 60 frame rate to DefaultFPS.
func NormalizeFPS(fps float64) float64 {
	if fps <= 0 || fps > 60 {
		return DefaultFPS
	}
	return fps
}
