// This file contains methods that handle the label (or name) of a detection.
// Every emitted track is labeled classname_ID, with an optional _classification suffix.
package sortservice

import (
	"fmt"
	"image"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	objdet "go.viam.com/rdk/vision/objectdetection"

	"github.com/viam-modules/sort-tracking/tracker"
)

// GetTimestamp will retrieve and format a timestamp to be YYYYMMDD_HHMMSS
func GetTimestamp(now time.Time) string {
	return now.Format("20060102_150405")
}

// TrackLabel builds the label of a track. The class name is lowercased and stripped of any suffix.
func TrackLabel(class string, id int, classification string) string {
	base := strings.ToLower(strings.Split(class, "_")[0])
	label := base + "_" + strconv.Itoa(id)
	if classification != "" {
		label += "_" + classification
	}
	return label
}

// toDetection turns an emitted track into a Viam detection.
func toDetection(obj tracker.TrackedObject, classification string) objdet.Detection {
	rect := image.Rect(
		int(math.Round(obj.BBox[0])),
		int(math.Round(obj.BBox[1])),
		int(math.Round(obj.BBox[2])),
		int(math.Round(obj.BBox[3])),
	)
	return objdet.NewDetection(rect, obj.Confidence, TrackLabel(obj.Label, obj.ID, classification))
}

type trackedObject struct {
	FullLabel string `json:"full_label"`
	Label     string `json:"label"`
	ID        int    `json:"id"`
	Time      string `json:"time"`
}

func newTrackedObject(label string, now time.Time) (trackedObject, error) {
	parts := strings.Split(label, "_")
	if len(parts) < 2 {
		return trackedObject{}, errors.Errorf("unable to parse label %v", label)
	}
	id, err := strconv.Atoi(parts[1])
	if err != nil {
		return trackedObject{}, errors.Wrapf(err, "unable to parse label %v", label)
	}
	return trackedObject{
		FullLabel: fmt.Sprintf("%s_%s", label, GetTimestamp(now)),
		Label:     parts[0],
		ID:        id,
		Time:      GetTimestamp(now),
	}, nil
}
