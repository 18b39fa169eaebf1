package camera

import (
	"fmt"
	"image"
	"path/filepath"
	"time"

	"github.com/viam-modules/sort-tracking/media"
)

// segment is one open video file and the records destined for its sidecar.
type segment struct {
	cameraID    int
	start       time.Time
	videoPath   string
	resultsPath string
	codec       string
	writer      media.VideoWriter
	fps         float64
	frameCount  int
	records     []Record
}

// segmentBase is the shared file name of a segment's video and sidecar.
func segmentBase(cameraID int, start time.Time) string {
	return fmt.Sprintf("cam%d_seg_%s", cameraID, start.Format("15-04-05"))
}

func openSegment(
	cameraID int,
	dir string,
	start time.Time,
	open media.WriterOpener,
	codecs []string,
	fps float64,
	size image.Point,
) (*segment, []media.Attempt, error) {
	base := segmentBase(cameraID, start)
	videoPath := filepath.Join(dir, base+".mp4")
	w, codec, attempts, err := media.OpenWriter(open, videoPath, codecs, fps, size)
	if err != nil {
		return nil, attempts, err
	}
	return &segment{
		cameraID:    cameraID,
		start:       start,
		videoPath:   videoPath,
		resultsPath: filepath.Join(dir, base+".json"),
		codec:       codec,
		writer:      w,
		fps:         fps,
	}, attempts, nil
}

func (seg *segment) sidecar(now time.Time) Sidecar {
	unique := Dedup(seg.records)
	records := seg.records
	if records == nil {
		records = []Record{}
	}
	return Sidecar{
		CameraID:  seg.cameraID,
		VideoPath: seg.videoPath,
		VideoMetadata: VideoMetadata{
			StartTime:   unixSeconds(seg.start),
			CurrentTime: unixSeconds(now),
			Duration:    now.Sub(seg.start).Seconds(),
			FrameCount:  seg.frameCount,
			FPS:         seg.fps,
		},
		Detections:       records,
		UniqueDetections: unique,
		UniqueCount:      len(unique),
	}
}

// flush rewrites the sidecar with everything recorded so far.
func (seg *segment) flush(now time.Time) error {
	return writeJSON(seg.resultsPath, seg.sidecar(now))
}

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}
