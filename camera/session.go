// Package camera runs detection-triggered recording for a fixed set of capture devices.
//
// Each Session owns one device, one tracker and one open segment at a time. While detection is enabled every
// captured frame is tracked, annotated and appended to the current segment video, and the segment's JSON
// sidecar is rewritten. Segments rotate after a fixed duration.
package camera

import (
	"context"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.viam.com/rdk/logging"
	viamutils "go.viam.com/utils"

	"github.com/viam-modules/sort-tracking/events"
	"github.com/viam-modules/sort-tracking/media"
	"github.com/viam-modules/sort-tracking/tracker"
)

var (
	// ErrIO is returned for segment and sidecar write failures.
	ErrIO = errors.New("recording io error")
	// ErrNotConnected is returned for camera slots with no device.
	ErrNotConnected = errors.New("camera not connected")
	// ErrInvalidCamera is returned for camera ids outside the configured set.
	ErrInvalidCamera = errors.New("invalid camera id")
)

// Defaults for Options.
var (
	DefaultSegmentDuration = 15 * time.Minute
	DefaultFrameInterval   = 50 * time.Millisecond
	DefaultMinConfidence   = 0.3
	DefaultPrimaryClass    = "coal"
)

// Options are the collaborators and settings shared by the sessions of one recorder.
type Options struct {
	Annotator  media.Annotator
	Encoder    media.FrameEncoder
	OpenWriter media.WriterOpener
	// Codecs is the writer fallback order, media.SegmentCodecs when empty.
	Codecs    []string
	Publisher events.Publisher
	Logger    logging.Logger
	Now       func() time.Time

	SegmentDuration time.Duration
	FrameInterval   time.Duration
	Tracker         tracker.Config
	// MinConfidence is the floor applied below the per-session sensitivity.
	MinConfidence float64
	ChosenLabels  map[string]float64
	PrimaryClass  string
	SavePath      string
}

func (o Options) withDefaults() Options {
	if len(o.Codecs) == 0 {
		o.Codecs = media.SegmentCodecs
	}
	if o.Publisher == nil {
		o.Publisher = events.Discard
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.SegmentDuration <= 0 {
		o.SegmentDuration = DefaultSegmentDuration
	}
	if o.FrameInterval <= 0 {
		o.FrameInterval = DefaultFrameInterval
	}
	if o.Tracker == (tracker.Config{}) {
		o.Tracker = tracker.DefaultConfig()
	}
	if o.MinConfidence <= 0 {
		o.MinConfidence = DefaultMinConfidence
	}
	if o.PrimaryClass == "" {
		o.PrimaryClass = DefaultPrimaryClass
	}
	return o
}

// Session is one capture device and its recording state.
type Session struct {
	index    int
	opts     Options
	logger   logging.Logger
	detector tracker.Detector

	// mu covers one frame read plus its detection handling.
	mu          sync.Mutex
	device      media.Capture
	broken      error
	detecting   bool
	sensitivity float64
	savePath    string
	seg         *segment
	tracks      *tracker.Manager
	frameIndex  int

	cancelFunc              context.CancelFunc
	activeBackgroundWorkers sync.WaitGroup
}

// NewSession wraps an opened device. The session does not read from it until GetFrame or Start is called.
func NewSession(index int, device media.Capture, detector tracker.Detector, opts Options) *Session {
	opts = opts.withDefaults()
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewLogger("camera")
	}
	return &Session{
		index:    index,
		opts:     opts,
		logger:   logger.Sublogger(fmt.Sprintf("cam%d", index)),
		detector: detector,
		device:   device,
		savePath: opts.SavePath,
		tracks:   tracker.NewManager(opts.Tracker),
	}
}

// Index is the camera id.
func (s *Session) Index() int { return s.index }

// Detecting reports whether recording is enabled.
func (s *Session) Detecting() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.detecting
}

// UniqueCount is the number of distinct objects confirmed since the session started.
func (s *Session) UniqueCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tracks.UniqueCount()
}

// Err returns the device failure that made the session non-functional, if any.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.broken
}

// GetFrame reads one frame, runs the recording pipeline on it when detection is enabled, and returns the
// raw frame as JPEG. A read failure makes the session non-functional; it is not retried.
func (s *Session) GetFrame(ctx context.Context) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.device == nil {
		return nil, ErrNotConnected
	}
	if s.broken != nil {
		return nil, s.broken
	}
	img, err := s.device.Read()
	if err != nil {
		s.broken = errors.Wrapf(media.ErrDevice, "camera %d: %v", s.index, err)
		s.logger.Errorw("camera read failed, session stopped", "error", err)
		return nil, s.broken
	}
	if s.detecting {
		if err := s.handleDetection(ctx, img); err != nil {
			s.logger.Errorw("frame not recorded", "frame", s.frameIndex, "error", err)
		}
	}
	if s.opts.Encoder == nil {
		return nil, errors.New("no frame encoder configured")
	}
	return s.opts.Encoder.EncodeJPEG(img)
}

// StartDetection enables recording into savePath (the configured path when empty) with the given
// confidence threshold. Calling it again only updates the settings.
func (s *Session) StartDetection(savePath string, sensitivity float64) error {
	if sensitivity < 0 || sensitivity > 1 {
		return errors.Errorf("sensitivity %v must be between 0.0 and 1.0", sensitivity)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.device == nil {
		return ErrNotConnected
	}
	if s.detector == nil {
		return errors.New("no detector configured")
	}
	if savePath != "" {
		s.savePath = savePath
	}
	if s.savePath == "" {
		return errors.New("no save path configured")
	}
	if err := os.MkdirAll(s.savePath, 0o755); err != nil {
		return errors.Wrap(ErrIO, err.Error())
	}
	s.sensitivity = sensitivity
	if !s.detecting {
		s.logger.Infow("detection started", "save_path", s.savePath, "sensitivity", sensitivity)
	}
	s.detecting = true
	return nil
}

// StopDetection disables recording and closes the open segment, if any.
func (s *Session) StopDetection() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.detecting {
		s.logger.Infow("detection stopped", "frames", s.frameIndex)
	}
	s.detecting = false
	return s.closeSegment(s.opts.Now())
}

func (s *Session) minConfidence() float64 {
	return max(s.sensitivity, s.opts.MinConfidence)
}

// handleDetection records one frame. Per-frame failures after the segment is open are logged and do not
// stop the frame from being written.
func (s *Session) handleDetection(ctx context.Context, img image.Image) error {
	now := s.opts.Now()
	dir := filepath.Join(s.savePath, now.Format("2006-01-02"))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrap(ErrIO, err.Error())
	}
	s.frameIndex++

	if s.seg == nil || now.Sub(s.seg.start) >= s.opts.SegmentDuration {
		if err := s.closeSegment(now); err != nil {
			s.logger.Warnw("previous segment not finalized", "error", err)
		}
		if err := s.openSegment(dir, now, img); err != nil {
			return err
		}
	}
	seg := s.seg
	seg.frameCount++
	relTime := float64(seg.frameCount) / seg.fps

	var out tracker.Output
	dets, err := tracker.Detect(ctx, s.detector, img, s.opts.ChosenLabels, s.minConfidence())
	switch {
	case err == nil:
	case errors.Is(err, tracker.ErrInput):
		s.logger.Debugw("skipped malformed detections", "error", err)
	default:
		// keep recording; the tracker is not advanced on a frame it never saw
		s.logger.Warnw("detector failed", "frame", s.frameIndex, "error", err)
		dets = nil
	}
	if err == nil || errors.Is(err, tracker.ErrInput) {
		out, err = s.tracks.Update(s.frameIndex, dets)
		if err != nil {
			s.logger.Warnw("tracker update failed", "frame", s.frameIndex, "error", err)
		}
	}
	out.UniqueCount = s.tracks.UniqueCount()

	boxes := make([]media.Box, 0, len(out.Tracks))
	records := make([]Record, 0, len(out.Tracks))
	abs := unixSeconds(now)
	for _, obj := range out.Tracks {
		boxes = append(boxes, media.Box{
			Rect:       image.Rect(int(obj.BBox[0]), int(obj.BBox[1]), int(obj.BBox[2]), int(obj.BBox[3])),
			TrackID:    obj.ID,
			Label:      obj.Label,
			Confidence: obj.Confidence,
		})
		records = append(records, Record{
			Class:        obj.Label,
			Confidence:   obj.Confidence,
			BBox:         obj.BBox,
			TrackID:      obj.ID,
			AbsTimestamp: abs,
			RelTimestamp: relTime,
			FrameNumber:  seg.frameCount,
		})
	}

	annotated := img
	if s.opts.Annotator != nil {
		overlay := fmt.Sprintf("Unique: %d | Frame: %d", out.UniqueCount, s.frameIndex)
		if a, err := s.opts.Annotator.Annotate(img, boxes, overlay); err != nil {
			s.logger.Warnw("cannot annotate frame", "error", err)
		} else {
			annotated = a
		}
	}
	if err := seg.writer.Write(annotated); err != nil {
		s.logger.Errorw("cannot write frame", "path", seg.videoPath, "error", errors.Wrap(ErrIO, err.Error()))
	}

	seg.records = append(seg.records, records...)
	if err := seg.flush(now); err != nil {
		s.logger.Errorw("cannot write sidecar", "path", seg.resultsPath, "error", err)
	}

	if len(records) > 0 {
		bounds := img.Bounds()
		normalized := make([]events.NormalizedDetection, 0, len(records))
		for _, r := range records {
			normalized = append(normalized, events.NormalizedDetection{
				Class:        r.Class,
				Confidence:   r.Confidence,
				TrackID:      r.TrackID,
				RelTimestamp: r.RelTimestamp,
				FrameNumber:  r.FrameNumber,
				BBox:         events.Normalize(r.BBox, bounds.Dx(), bounds.Dy()),
			})
		}
		s.opts.Publisher.Publish(events.Event{
			Topic: events.DetectionResultTopic(s.index),
			Payload: events.DetectionResult{
				CameraID:     s.index,
				Detections:   normalized,
				Count:        out.UniqueCount,
				CurrentCount: len(normalized),
				FrameCount:   seg.frameCount,
				RelTime:      relTime,
			},
			Time: now,
		})
	}
	return nil
}

func (s *Session) openSegment(dir string, now time.Time, img image.Image) error {
	size := s.device.FrameSize()
	if size.X <= 0 || size.Y <= 0 {
		size = img.Bounds().Size()
	}
	fps := media.NormalizeFPS(s.device.FPS())
	seg, attempts, err := openSegment(s.index, dir, now, s.opts.OpenWriter, s.opts.Codecs, fps, size)
	if err != nil {
		return err
	}
	if len(attempts) > 1 {
		s.logger.Warnw("fell back to another codec", "codec", seg.codec, "attempts", attempts)
	}
	s.logger.Infow("segment opened", "path", seg.videoPath, "codec", seg.codec, "fps", fps)
	s.seg = seg
	return nil
}

// closeSegment releases the writer, writes the final sidecar and announces the file.
func (s *Session) closeSegment(now time.Time) error {
	seg := s.seg
	if seg == nil {
		return nil
	}
	s.seg = nil
	var errs error
	if err := seg.writer.Close(); err != nil {
		errs = errors.Wrap(ErrIO, err.Error())
	}
	if err := seg.flush(now); err != nil && errs == nil {
		errs = err
	}
	s.logger.Infow("segment closed", "path", seg.videoPath, "frames", seg.frameCount, "records", len(seg.records))
	s.opts.Publisher.Publish(events.Event{
		Topic: events.TopicVideoSaved,
		Payload: events.SegmentClosed{
			CameraID:  s.index,
			FilePath:  seg.videoPath,
			Timestamp: unixSeconds(now),
		},
		Time: now,
	})
	return errs
}

// Start runs the capture loop in the background. It reads a frame, publishes it as a live video frame
// event and waits FrameInterval, until the context is cancelled, Close is called or the device fails.
func (s *Session) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancelFunc = cancel
	s.mu.Unlock()
	s.activeBackgroundWorkers.Add(1)
	viamutils.ManagedGo(func() {
		s.Run(ctx)
	}, s.activeBackgroundWorkers.Done)
}

// Run is the capture loop used by Start.
func (s *Session) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		frame, err := s.GetFrame(ctx)
		if err != nil {
			if errors.Is(err, media.ErrDevice) || errors.Is(err, ErrNotConnected) {
				return
			}
			s.logger.Errorf("can't get frame. got err: %s", err)
		} else {
			now := s.opts.Now()
			s.opts.Publisher.Publish(events.Event{
				Topic:   events.VideoFrameTopic(s.index),
				Payload: events.VideoFrame{CameraID: s.index, Frame: frame, Timestamp: unixSeconds(now)},
				Time:    now,
			})
		}
		if !viamutils.SelectContextOrWait(ctx, s.opts.FrameInterval) {
			return
		}
	}
}

// Close stops the capture loop, finalizes any open segment and releases the device.
func (s *Session) Close() error {
	s.mu.Lock()
	cancel := s.cancelFunc
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.activeBackgroundWorkers.Wait()

	err := s.StopDetection()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.device != nil {
		if cerr := s.device.Close(); cerr != nil && err == nil {
			err = cerr
		}
		s.device = nil
	}
	return err
}
