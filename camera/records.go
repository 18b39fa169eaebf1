package camera

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

// Record is one tracked object seen in one recorded frame.
type Record struct {
	Class        string     `json:"class"`
	Confidence   float64    `json:"confidence"`
	BBox         [4]float64 `json:"bbox"`
	TrackID      int        `json:"track_id"`
	AbsTimestamp float64    `json:"abs_timestamp"`
	RelTimestamp float64    `json:"rel_timestamp"`
	FrameNumber  int        `json:"frame_number"`
}

// UniqueRecord summarizes every sighting of one track in a segment: the first record, the time and frame of
// the last sighting, and the bbox and confidence of the most confident sighting.
type UniqueRecord struct {
	Record
	LastTimestamp    float64 `json:"last_timestamp"`
	LastRelTimestamp float64 `json:"last_rel_timestamp"`
	LastFrame        int     `json:"last_frame"`
}

// VideoMetadata describes the segment's video file.
type VideoMetadata struct {
	StartTime   float64 `json:"start_time"`
	CurrentTime float64 `json:"current_time"`
	Duration    float64 `json:"duration"`
	FrameCount  int     `json:"frame_count"`
	FPS         float64 `json:"fps"`
}

// Sidecar is the JSON document stored next to every segment video.
type Sidecar struct {
	CameraID         int            `json:"camera_id"`
	VideoPath        string         `json:"video_path"`
	VideoMetadata    VideoMetadata  `json:"video_metadata"`
	Detections       []Record       `json:"detections"`
	UniqueDetections []UniqueRecord `json:"unique_detections"`
	UniqueCount      int            `json:"unique_count"`
}

// Dedup collapses records to one entry per track id, in order of first appearance.
// On equal confidence the later sighting's bbox wins.
func Dedup(records []Record) []UniqueRecord {
	index := make(map[int]int, len(records))
	out := make([]UniqueRecord, 0)
	for _, r := range records {
		i, ok := index[r.TrackID]
		if !ok {
			index[r.TrackID] = len(out)
			out = append(out, UniqueRecord{
				Record:           r,
				LastTimestamp:    r.AbsTimestamp,
				LastRelTimestamp: r.RelTimestamp,
				LastFrame:        r.FrameNumber,
			})
			continue
		}
		u := &out[i]
		u.LastTimestamp = r.AbsTimestamp
		u.LastRelTimestamp = r.RelTimestamp
		u.LastFrame = r.FrameNumber
		if r.Confidence >= u.Confidence {
			u.Confidence = r.Confidence
			u.BBox = r.BBox
		}
	}
	return out
}

// writeJSON replaces path atomically so readers never see a half written sidecar.
func writeJSON(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errors.Wrap(ErrIO, err.Error())
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp*")
	if err != nil {
		return errors.Wrap(ErrIO, err.Error())
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		//nolint:errcheck
		tmp.Close()
		//nolint:errcheck
		os.Remove(tmpName)
		return errors.Wrap(ErrIO, err.Error())
	}
	if err := tmp.Close(); err != nil {
		//nolint:errcheck
		os.Remove(tmpName)
		return errors.Wrap(ErrIO, err.Error())
	}
	if err := os.Rename(tmpName, path); err != nil {
		//nolint:errcheck
		os.Remove(tmpName)
		return errors.Wrap(ErrIO, fmt.Sprintf("cannot replace %s: %v", path, err))
	}
	return nil
}
