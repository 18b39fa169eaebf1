package batch

import "fmt"

// Size class boundaries in square pixels.
const (
	smallArea  = 5000
	mediumArea = 20000
	// frameBuckets is the number of FrameDistribution buckets.
	frameBuckets = 5
)

// Detection is one unique object of a processed video.
type Detection struct {
	Class      string     `json:"class"`
	Confidence float64    `json:"confidence"`
	BBox       [4]float64 `json:"bbox"`
	TrackID    int        `json:"track_id"`
	FirstFrame int        `json:"first_frame"`
	LastFrame  int        `json:"last_frame"`
}

// SizeDistribution counts objects by the area of their best box.
type SizeDistribution struct {
	Small  int `json:"small"`
	Medium int `json:"medium"`
	Large  int `json:"large"`
}

// FrameBucket counts the objects first seen in [Start, End).
type FrameBucket struct {
	Range string `json:"range"`
	Start int    `json:"start"`
	End   int    `json:"end"`
	Count int    `json:"count"`
}

// Summary aggregates the unique objects of one video.
type Summary struct {
	TotalCount        int              `json:"total_count"`
	TotalFrames       int              `json:"total_frames"`
	VideoDuration     float64          `json:"video_duration"`
	AverageConfidence float64          `json:"average_confidence"`
	SizeDistribution  SizeDistribution `json:"size_distribution"`
	FrameDistribution []FrameBucket    `json:"frame_distribution"`
}

// Summarize builds the summary of dets over a video of frames frames at fps.
func Summarize(dets []Detection, frames int, fps float64) Summary {
	s := Summary{
		TotalCount:        len(dets),
		TotalFrames:       frames,
		FrameDistribution: []FrameBucket{},
	}
	if fps > 0 {
		s.VideoDuration = float64(frames) / fps
	}
	var confSum float64
	for _, d := range dets {
		confSum += d.Confidence
		area := (d.BBox[2] - d.BBox[0]) * (d.BBox[3] - d.BBox[1])
		switch {
		case area < smallArea:
			s.SizeDistribution.Small++
		case area < mediumArea:
			s.SizeDistribution.Medium++
		default:
			s.SizeDistribution.Large++
		}
	}
	if len(dets) > 0 {
		s.AverageConfidence = confSum / float64(len(dets))
	}

	if frames > 0 {
		size := frames / frameBuckets
		for i := 0; i < frameBuckets; i++ {
			start := i * size
			end := (i + 1) * size
			if i == frameBuckets-1 {
				end = frames
			}
			b := FrameBucket{Range: fmt.Sprintf("%d-%d", start, end), Start: start, End: end}
			for _, d := range dets {
				if d.FirstFrame >= start && d.FirstFrame < end {
					b.Count++
				}
			}
			s.FrameDistribution = append(s.FrameDistribution, b)
		}
	}
	return s
}
