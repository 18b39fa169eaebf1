package events

import "fmt"

// Topics published by camera sessions and batch jobs.
const (
	TopicVideoSaved    = "video_saved"
	TopicVideoProgress = "video_progress"
	TopicTaskFailed    = "task_failed"
	TopicTaskCompleted = "task_completed"
)

// DetectionResultTopic is the per-camera live detection topic.
func DetectionResultTopic(cameraID int) string {
	return fmt.Sprintf("detection_result_%d", cameraID)
}

// VideoFrameTopic is the per-camera live frame topic.
func VideoFrameTopic(cameraID int) string {
	return fmt.Sprintf("video_frame_%d", cameraID)
}

// NormalizedDetection is a tracked object with its box in percent of the frame size.
type NormalizedDetection struct {
	Class        string     `json:"class"`
	Confidence   float64    `json:"confidence"`
	TrackID      int        `json:"track_id"`
	RelTimestamp float64    `json:"rel_timestamp"`
	FrameNumber  int        `json:"frame_number"`
	BBox         [4]float64 `json:"bbox"`
}

// Normalize converts pixel coordinates to 0-100 percentages of width and height.
func Normalize(bbox [4]float64, width, height int) [4]float64 {
	if width <= 0 || height <= 0 {
		return [4]float64{}
	}
	w, h := float64(width), float64(height)
	return [4]float64{bbox[0] / w * 100, bbox[1] / h * 100, bbox[2] / w * 100, bbox[3] / h * 100}
}

// DetectionResult is published for every recorded frame that has tracked objects.
type DetectionResult struct {
	CameraID     int                   `json:"camera_id"`
	Detections   []NormalizedDetection `json:"detections"`
	Count        int                   `json:"count"`
	CurrentCount int                   `json:"current_count"`
	FrameCount   int                   `json:"frame_count"`
	RelTime      float64               `json:"rel_time"`
}

// SegmentClosed is published when a segment's writer is released.
type SegmentClosed struct {
	CameraID  int     `json:"camera_id"`
	FilePath  string  `json:"file_path"`
	Timestamp float64 `json:"timestamp"`
}

// VideoFrame carries one JPEG encoded frame.
type VideoFrame struct {
	CameraID  int     `json:"camera_id"`
	Frame     []byte  `json:"frame"`
	Timestamp float64 `json:"timestamp"`
}

// JobProgress reports batch progress in percent.
type JobProgress struct {
	TaskID   string  `json:"task_id"`
	Progress float64 `json:"progress"`
}

// JobFailed carries the verbatim failure message of a batch job.
type JobFailed struct {
	TaskID string `json:"task_id"`
	Error  string `json:"error"`
}

// JobCompleted is published when a batch job finishes successfully.
type JobCompleted struct {
	TaskID    string `json:"task_id"`
	ResultURL string `json:"result_url"`
}
