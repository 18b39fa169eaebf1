// This file contains methods that are useful for classifying the detections
package sortservice

import (
	"context"
	"image"

	"github.com/pkg/errors"
	"go.viam.com/rdk/services/vision"

	"github.com/viam-modules/sort-tracking/tracker"
)

// classifyTracks runs the classifier on a crop of each track and returns the top label per track id.
// Tracks that cannot be classified are left out.
func classifyTracks(
	ctx context.Context,
	objs []tracker.TrackedObject,
	img image.Image,
	classifier vision.Service,
) (map[int]string, error) {
	out := make(map[int]string, len(objs))
	var lastErr error
	for _, obj := range objs {
		cropped, err := cropImage(img, obj.BBox)
		if err != nil {
			lastErr = err
			continue
		}
		res, err := classifier.Classifications(ctx, cropped, 1, nil)
		if err != nil {
			lastErr = err
			continue
		}
		if len(res) != 1 {
			continue
		}
		out[obj.ID] = res[0].Label()
	}
	return out, lastErr
}

func cropImage(img image.Image, b tracker.BBox) (image.Image, error) {
	sub, ok := img.(interface {
		SubImage(r image.Rectangle) image.Image
	})
	if !ok {
		return nil, errors.Errorf("image type %T cannot be cropped", img)
	}
	rect := image.Rect(int(b[0]), int(b[1]), int(b[2]), int(b[3])).Intersect(img.Bounds())
	if rect.Empty() {
		return nil, errors.Errorf("track box %v is outside the image", b)
	}
	return sub.SubImage(rect), nil
}
