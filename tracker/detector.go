package tracker

import (
	"context"
	"image"

	"github.com/pkg/errors"
	objdet "go.viam.com/rdk/vision/objectdetection"
)

// Detector is anything that can produce object detections for an image. A Viam vision service satisfies it.
type Detector interface {
	Detections(ctx context.Context, img image.Image, extra map[string]interface{}) ([]objdet.Detection, error)
}

// FromObjectDetections converts detector output to tracker detections. Malformed detections are skipped and
// reported together in one ErrInput error; the valid ones are always returned.
func FromObjectDetections(dets []objdet.Detection) ([]Detection, error) {
	out := make([]Detection, 0, len(dets))
	var bad []string
	for _, d := range dets {
		if d == nil || d.BoundingBox() == nil {
			bad = append(bad, "missing bounding box")
			continue
		}
		r := d.BoundingBox()
		det := Detection{
			BBox:       BBox{float64(r.Min.X), float64(r.Min.Y), float64(r.Max.X), float64(r.Max.Y)},
			Label:      d.Label(),
			Confidence: d.Score(),
		}
		if err := det.Validate(); err != nil {
			bad = append(bad, err.Error())
			continue
		}
		out = append(out, det)
	}
	if len(bad) > 0 {
		return out, errors.Wrapf(ErrInput, "dropped %d of %d detections: %v", len(bad), len(dets), bad)
	}
	return out, nil
}

// Detect runs the detector on img, applies the label and confidence filters, and converts the result.
// A non-nil ErrInput error is returned alongside the usable detections.
func Detect(
	ctx context.Context,
	d Detector,
	img image.Image,
	chosenLabels map[string]float64,
	minConf float64,
) ([]Detection, error) {
	raw, err := d.Detections(ctx, img, nil)
	if err != nil {
		return nil, errors.Wrap(err, "detector failed")
	}
	return FromObjectDetections(FilterDetections(chosenLabels, raw, minConf))
}
