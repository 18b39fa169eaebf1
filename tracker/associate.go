package tracker

import (
	"sort"

	hg "github.com/charles-haynes/munkres"
	"github.com/pkg/errors"
)

// DefaultIOUThreshold is the minimum overlap for a detection to continue a track.
const DefaultIOUThreshold = 0.3

// IOU returns the intersection over union of two boxes, 0 when the union is empty.
func IOU(a, b BBox) float64 {
	x1 := max(a[0], b[0])
	y1 := max(a[1], b[1])
	x2 := min(a[2], b[2])
	y2 := min(a[3], b[3])

	intersection := max(0, x2-x1) * max(0, y2-y1)
	union := a.Area() + b.Area() - intersection
	if union <= 0 {
		return 0
	}
	return intersection / union
}

// Association is the result of matching detections to predicted track boxes.
// Matches hold (detection index, track index) pairs.
type Association struct {
	Matches             [][2]int
	UnmatchedDetections []int
	UnmatchedTracks     []int
}

// BuildMatchingMatrix sets up a cost matrix for the Hungarian algorithm with one row per detection.
// Cost is -IOU between boxes (b/c solver will find min).
func BuildMatchingMatrix(detections, predicted []BBox) [][]float64 {
	matchMtx := make([][]float64, len(detections))
	for i, d := range detections {
		row := make([]float64, len(predicted))
		for j, p := range predicted {
			row[j] = -IOU(d, p)
		}
		matchMtx[i] = row
	}
	return matchMtx
}

// Associate solves the optimal detection-to-track assignment and rejects pairs whose IOU is below threshold.
// All output index slices are sorted ascending.
func Associate(detections, predicted []BBox, threshold float64) (Association, error) {
	var out Association
	if len(predicted) == 0 {
		out.UnmatchedDetections = seq(len(detections))
		return out, nil
	}
	if len(detections) == 0 {
		out.UnmatchedTracks = seq(len(predicted))
		return out, nil
	}

	matchMtx := BuildMatchingMatrix(detections, predicted)
	HA, err := hg.NewHungarianAlgorithm(matchMtx)
	if err != nil {
		return out, errors.Wrap(err, "cannot build assignment problem")
	}
	matches := HA.Execute()

	trackUsed := make([]bool, len(predicted))
	for detIdx, trkIdx := range matches {
		if trkIdx < 0 || trkIdx >= len(predicted) {
			out.UnmatchedDetections = append(out.UnmatchedDetections, detIdx)
			continue
		}
		if -matchMtx[detIdx][trkIdx] < threshold {
			out.UnmatchedDetections = append(out.UnmatchedDetections, detIdx)
			continue
		}
		trackUsed[trkIdx] = true
		out.Matches = append(out.Matches, [2]int{detIdx, trkIdx})
	}
	for trkIdx, used := range trackUsed {
		if !used {
			out.UnmatchedTracks = append(out.UnmatchedTracks, trkIdx)
		}
	}
	sort.Ints(out.UnmatchedDetections)
	return out, nil
}

func seq(n int) []int {
	if n == 0 {
		return nil
	}
	out := make([]int, n)
	for i := range out {
		out[i] = i
	}
	return out
}
