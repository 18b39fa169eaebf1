// Package config loads the YAML configuration of the recorder binary.
package config

import (
	"os"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/viam-modules/sort-tracking/events"
	"github.com/viam-modules/sort-tracking/tracker"
)

// Config is the complete recorder configuration.
type Config struct {
	SavePath     string `yaml:"save_path"`
	UploadFolder string `yaml:"upload_folder"`
	// Cameras maps camera ids (positions) to device indices; -1 marks a slot with no device.
	Cameras         []int         `yaml:"cameras"`
	CaptureWidth    int           `yaml:"capture_width"`
	CaptureHeight   int           `yaml:"capture_height"`
	SegmentDuration time.Duration `yaml:"segment_duration"`
	FrameInterval   time.Duration `yaml:"frame_interval"`
	JPEGQuality     int           `yaml:"jpeg_quality"`
	PrimaryClass    string        `yaml:"primary_class"`
	// AutoStart enables detection on every connected camera at startup.
	AutoStart bool `yaml:"auto_start"`

	Tracker  tracker.Config     `yaml:"tracker"`
	Detector DetectorConfig     `yaml:"detector"`
	Jobs     JobsConfig         `yaml:"jobs"`
	Events   EventsConfig       `yaml:"events"`
	MQTT     *events.MQTTConfig `yaml:"mqtt,omitempty"`
}

// DetectorConfig names the Viam vision service used as the detector.
type DetectorConfig struct {
	Address  string `yaml:"address"`
	APIKeyID string `yaml:"api_key_id"`
	APIKey   string `yaml:"api_key"`
	Service  string `yaml:"service"`

	MinConfidence float64            `yaml:"min_confidence"`
	Sensitivity   float64            `yaml:"sensitivity"`
	ChosenLabels  map[string]float64 `yaml:"chosen_labels"`
}

// JobsConfig controls batch job retention.
type JobsConfig struct {
	Retention     time.Duration `yaml:"retention"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// EventsConfig sizes subscriber queues.
type EventsConfig struct {
	Buffer int `yaml:"buffer"`
}

// Load reads, parses and validates a YAML configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read config file")
	}
	return Parse(data)
}

// Parse decodes and validates YAML configuration.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, errors.Wrap(err, "failed to parse config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid configuration")
	}
	return &cfg, nil
}

// Validate checks required fields and fills defaults.
func (cfg *Config) Validate() error {
	if cfg.SavePath == "" {
		return errors.New("save_path is required")
	}
	if cfg.UploadFolder == "" {
		cfg.UploadFolder = "uploads"
	}
	if len(cfg.Cameras) == 0 {
		cfg.Cameras = []int{0}
	}
	if cfg.SegmentDuration < 0 || cfg.FrameInterval < 0 {
		return errors.New("segment_duration and frame_interval cannot be negative")
	}
	if cfg.SegmentDuration == 0 {
		cfg.SegmentDuration = 15 * time.Minute
	}
	if cfg.FrameInterval == 0 {
		cfg.FrameInterval = 50 * time.Millisecond
	}
	if cfg.JPEGQuality < 0 || cfg.JPEGQuality > 100 {
		return errors.New("jpeg_quality must be between 0 and 100")
	}
	if cfg.JPEGQuality == 0 {
		cfg.JPEGQuality = 70
	}
	if cfg.PrimaryClass == "" {
		cfg.PrimaryClass = "coal"
	}

	if cfg.Tracker == (tracker.Config{}) {
		cfg.Tracker = tracker.DefaultConfig()
	}
	if err := cfg.Tracker.Validate(); err != nil {
		return errors.Wrap(err, "tracker")
	}

	if cfg.Detector.Service == "" {
		return errors.New("detector.service is required")
	}
	if cfg.Detector.Address == "" {
		return errors.New("detector.address is required")
	}
	if cfg.Detector.MinConfidence == 0 {
		cfg.Detector.MinConfidence = 0.3
	}
	if cfg.Detector.Sensitivity == 0 {
		cfg.Detector.Sensitivity = 0.5
	}
	for name, v := range map[string]float64{
		"min_confidence": cfg.Detector.MinConfidence,
		"sensitivity":    cfg.Detector.Sensitivity,
	} {
		if v < 0 || v > 1 {
			return errors.Errorf("detector.%s must be between 0.0 and 1.0", name)
		}
	}

	if cfg.Jobs.Retention <= 0 {
		cfg.Jobs.Retention = time.Hour
	}
	if cfg.Jobs.SweepInterval <= 0 {
		cfg.Jobs.SweepInterval = time.Hour
	}
	if cfg.Events.Buffer <= 0 {
		cfg.Events.Buffer = events.DefaultBuffer
	}

	if cfg.MQTT != nil {
		if cfg.MQTT.Broker == "" {
			return errors.New("mqtt.broker is required when mqtt is set")
		}
		if cfg.MQTT.QoS > 2 {
			return errors.New("mqtt.qos must be 0, 1 or 2")
		}
		if cfg.MQTT.TopicPrefix == "" {
			cfg.MQTT.TopicPrefix = "sort-tracking"
		}
	}
	return nil
}
