// Package tracker implements SORT multi-object tracking: a constant-velocity Kalman filter per object and
// Hungarian association of detections to predicted boxes by IOU.
package tracker

import (
	"fmt"
	"math"

	"github.com/pkg/errors"
)

var (
	// ErrInput is returned for malformed detections (degenerate boxes, bad confidence).
	ErrInput = errors.New("invalid detection")
	// ErrStateCorruption is returned when a track's filter state can no longer produce a box.
	ErrStateCorruption = errors.New("corrupted track state")
)

// BBox is an axis-aligned box in pixel coordinates: x1, y1, x2, y2.
type BBox [4]float64

// Width of the box.
func (b BBox) Width() float64 { return b[2] - b[0] }

// Height of the box.
func (b BBox) Height() float64 { return b[3] - b[1] }

// Area of the box, zero for inverted boxes.
func (b BBox) Area() float64 {
	w, h := b.Width(), b.Height()
	if w <= 0 || h <= 0 {
		return 0
	}
	return w * h
}

func (b BBox) finite() bool {
	for _, v := range b {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// Detection is one box reported by the detector for a single frame.
type Detection struct {
	BBox       BBox
	Label      string
	Confidence float64
}

// Validate checks the box is well formed and the confidence is in [0,1].
func (d Detection) Validate() error {
	if !d.BBox.finite() {
		return errors.Wrapf(ErrInput, "non-finite box %v", d.BBox)
	}
	if d.BBox[0] >= d.BBox[2] || d.BBox[1] >= d.BBox[3] {
		return errors.Wrapf(ErrInput, "degenerate box %v", d.BBox)
	}
	if math.IsNaN(d.Confidence) || d.Confidence < 0 || d.Confidence > 1 {
		return errors.Wrapf(ErrInput, "confidence %v out of range", d.Confidence)
	}
	return nil
}

func (d Detection) String() string {
	return fmt.Sprintf("%s %.2f [%.1f %.1f %.1f %.1f]", d.Label, d.Confidence, d.BBox[0], d.BBox[1], d.BBox[2], d.BBox[3])
}
