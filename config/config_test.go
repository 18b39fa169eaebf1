package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.viam.com/test"

	"github.com/viam-modules/sort-tracking/tracker"
)

const minimal = `
save_path: /data/videos
detector:
  address: robot.local:8080
  service: coal-detector
`

func TestParseDefaults(t *testing.T) {
	cfg, err := Parse([]byte(minimal))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, cfg.SavePath, test.ShouldEqual, "/data/videos")
	test.That(t, cfg.UploadFolder, test.ShouldEqual, "uploads")
	test.That(t, cfg.Cameras, test.ShouldResemble, []int{0})
	test.That(t, cfg.SegmentDuration, test.ShouldEqual, 15*time.Minute)
	test.That(t, cfg.FrameInterval, test.ShouldEqual, 50*time.Millisecond)
	test.That(t, cfg.JPEGQuality, test.ShouldEqual, 70)
	test.That(t, cfg.PrimaryClass, test.ShouldEqual, "coal")
	test.That(t, cfg.Tracker, test.ShouldResemble, tracker.DefaultConfig())
	test.That(t, cfg.Detector.MinConfidence, test.ShouldEqual, 0.3)
	test.That(t, cfg.Detector.Sensitivity, test.ShouldEqual, 0.5)
	test.That(t, cfg.Jobs.Retention, test.ShouldEqual, time.Hour)
	test.That(t, cfg.Jobs.SweepInterval, test.ShouldEqual, time.Hour)
	test.That(t, cfg.Events.Buffer, test.ShouldEqual, 64)
	test.That(t, cfg.MQTT, test.ShouldBeNil)
}

func TestLoadFull(t *testing.T) {
	path := filepath.Join(t.TempDir(), "recorder.yaml")
	data := `
save_path: /data/videos
upload_folder: /data/uploads
cameras: [0, -1, 2]
segment_duration: 5m
primary_class: ore
tracker:
  max_age: 10
  min_hits: 3
  iou_threshold: 0.4
detector:
  address: robot.local:8080
  service: coal-detector
  sensitivity: 0.6
  chosen_labels:
    coal: 0.4
jobs:
  retention: 30m
mqtt:
  broker: localhost:1883
  qos: 1
`
	test.That(t, os.WriteFile(path, []byte(data), 0o600), test.ShouldBeNil)
	cfg, err := Load(path)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, cfg.Cameras, test.ShouldResemble, []int{0, -1, 2})
	test.That(t, cfg.SegmentDuration, test.ShouldEqual, 5*time.Minute)
	test.That(t, cfg.Tracker, test.ShouldResemble, tracker.Config{MaxAge: 10, MinHits: 3, IOUThreshold: 0.4})
	test.That(t, cfg.Detector.ChosenLabels["coal"], test.ShouldEqual, 0.4)
	test.That(t, cfg.Jobs.Retention, test.ShouldEqual, 30*time.Minute)
	test.That(t, cfg.MQTT.QoS, test.ShouldEqual, byte(1))
	test.That(t, cfg.MQTT.TopicPrefix, test.ShouldEqual, "sort-tracking")
}

func TestValidateErrors(t *testing.T) {
	for _, doc := range []string{
		"detector: {address: a, service: b}",
		"save_path: x",
		"save_path: x\ndetector: {address: a, service: b, sensitivity: 2}",
		"save_path: x\ndetector: {address: a, service: b}\ntracker: {iou_threshold: 3}",
		"save_path: x\ndetector: {address: a, service: b}\nmqtt: {qos: 1}",
		"save_path: x\ndetector: {address: a, service: b}\nsegment_duration: -1s",
		"save_path: [",
	} {
		_, err := Parse([]byte(doc))
		test.That(t, err, test.ShouldNotBeNil)
	}
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	test.That(t, err, test.ShouldNotBeNil)
}
