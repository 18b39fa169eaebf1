// Package sortservice implements a SORT object tracker as a Viam vision service.
package sortservice

import (
	"context"
	"fmt"
	"image"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"go.viam.com/rdk/components/camera"
	"go.viam.com/rdk/gostream"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/resource"
	"go.viam.com/rdk/services/vision"
	vis "go.viam.com/rdk/vision"
	"go.viam.com/rdk/vision/classification"
	objdet "go.viam.com/rdk/vision/objectdetection"
	"go.viam.com/rdk/vision/viscapture"
	viamutils "go.viam.com/utils"

	"github.com/viam-modules/sort-tracking/tracker"
)

// ModelName is the name of the model
const (
	ModelName              = "sort-tracker"
	NewObjectDetectedLabel = "new-object-detected"
)

var (
	// Model is the colon-delimited-triplet of the service.
	Model                  = resource.NewModel("viam", "vision", ModelName)
	errUnimplemented       = errors.New("unimplemented")
	DefaultMinConfidence   = 0.2
	DefaultMaxFrequency    = 10.0
	DefaultTriggerCoolDown = 5.0
)

func init() {
	resource.RegisterService(vision.API, Model, resource.Registration[vision.Service, *Config]{
		Constructor: newTracker,
	})
}

// Config contains names for necessary resources (camera and vision service) and the tracker thresholds.
type Config struct {
	CameraName      string             `json:"camera_name"`
	DetectorName    string             `json:"detector_name"`
	ClassifierName  string             `json:"classifier_name,omitempty"`
	ChosenLabels    map[string]float64 `json:"chosen_labels"`
	MaxAge          *int               `json:"max_age,omitempty"`
	MinHits         *int               `json:"min_hits,omitempty"`
	IOUThreshold    *float64           `json:"iou_threshold,omitempty"`
	MaxFrequency    float64            `json:"max_frequency_hz"`
	MinConfidence   *float64           `json:"min_confidence,omitempty"`
	TriggerCoolDown *float64           `json:"trigger_cool_down_s,omitempty"`
}

// Validate validates the config and returns implicit dependencies,
// this Validate checks if the camera and detector(vision svc) exist for the module's vision model.
func (cfg *Config) Validate(path string) ([]string, error) {
	if cfg.CameraName == "" {
		return nil, fmt.Errorf(`expected "camera_name" attribute for object tracker %q`, path)
	}
	if cfg.DetectorName == "" {
		return nil, fmt.Errorf(`expected "detector_name" attribute for object tracker %q`, path)
	}
	if _, err := cfg.trackerConfig(); err != nil {
		return nil, err
	}
	if cfg.MaxFrequency < 0 {
		return nil, errors.New("frequency(Hz) must be a positive number")
	}
	if cfg.TriggerCoolDown != nil && *cfg.TriggerCoolDown < 0 {
		return nil, errors.New("trigger_cool_down_s is a duration given in seconds and should be above 0")
	}
	if cfg.MinConfidence != nil && (*cfg.MinConfidence < 0 || *cfg.MinConfidence > 1) {
		return nil, errors.New("minimum thresholding confidence must be between 0.0 and 1.0")
	}

	deps := []string{cfg.CameraName, cfg.DetectorName}
	if cfg.ClassifierName != "" {
		deps = append(deps, cfg.ClassifierName)
	}
	return deps, nil
}

func (cfg *Config) trackerConfig() (tracker.Config, error) {
	tc := tracker.DefaultConfig()
	if cfg.MaxAge != nil {
		tc.MaxAge = *cfg.MaxAge
	}
	if cfg.MinHits != nil {
		tc.MinHits = *cfg.MinHits
	}
	if cfg.IOUThreshold != nil {
		tc.IOUThreshold = *cfg.IOUThreshold
	}
	return tc, tc.Validate()
}

// frameState is what the service answers queries with until the next frame is processed.
type frameState struct {
	mutex      sync.RWMutex
	detections []objdet.Detection
	img        image.Image
	unique     int
}

type sortTracker struct {
	resource.Named
	logger        logging.Logger
	cancelFunc    context.CancelFunc
	cancelContext context.Context

	triggerCancelFunc context.CancelFunc

	activeBackgroundWorkers sync.WaitGroup
	current                 frameState
	newInstance             atomic.Bool
	properties              vision.Properties

	cam           camera.Camera
	camName       string
	detector      vision.Service
	classifier    vision.Service
	frequency     float64
	minConfidence float64
	chosenLabels  map[string]float64
	coolDown      float64
	now           func() time.Time

	// owned by the run loop
	manager         *tracker.Manager
	frame           int
	classifications map[int]string
	seen            map[int]struct{}

	statsMutex sync.RWMutex
	timeStats  []time.Duration
	freshLog   []trackedObject
}

func newTracker(ctx context.Context, deps resource.Dependencies, conf resource.Config, logger logging.Logger) (vision.Service, error) {
	t := &sortTracker{
		Named:  conf.ResourceName().AsNamed(),
		logger: logger,
		now:    time.Now,
		properties: vision.Properties{
			ClassificationSupported: true,
			DetectionSupported:      true,
			ObjectPCDsSupported:     false,
		},
	}
	if err := t.Reconfigure(ctx, deps, conf); err != nil {
		return nil, err
	}
	return t, nil
}

// Reconfigure stops the running loop, applies the new settings and starts a fresh tracker.
func (t *sortTracker) Reconfigure(ctx context.Context, deps resource.Dependencies, conf resource.Config) error {
	// This takes the generic resource.Config passed down from the parent and converts it to the
	// model-specific (aka "native") Config structure defined above.
	trackerConfig, err := resource.NativeConfig[*Config](conf)
	if err != nil {
		return errors.Errorf("Could not assert proper config for %s", ModelName)
	}
	tc, err := trackerConfig.trackerConfig()
	if err != nil {
		return err
	}

	t.stop()

	cam, err := camera.FromDependencies(deps, trackerConfig.CameraName)
	if err != nil {
		return errors.Wrapf(err, "unable to get camera %v for object tracker", trackerConfig.CameraName)
	}
	detector, err := vision.FromDependencies(deps, trackerConfig.DetectorName)
	if err != nil {
		return errors.Wrapf(err, "unable to get detector %v for object tracker", trackerConfig.DetectorName)
	}
	var classifier vision.Service
	if trackerConfig.ClassifierName != "" {
		classifier, err = vision.FromDependencies(deps, trackerConfig.ClassifierName)
		if err != nil {
			return errors.Wrapf(err, "unable to get classifier %v for object tracker", trackerConfig.ClassifierName)
		}
	}

	t.configure(trackerConfig, tc)
	t.cam = cam
	t.camName = trackerConfig.CameraName
	t.detector = detector
	t.classifier = classifier

	cancelableCtx, cancel := context.WithCancel(context.Background())
	t.cancelFunc = cancel
	t.cancelContext = cancelableCtx

	stream, err := t.cam.Stream(cancelableCtx, nil)
	if err != nil {
		cancel()
		return errors.Wrapf(err, "unable to stream camera %v", t.camName)
	}
	t.activeBackgroundWorkers.Add(1)
	viamutils.ManagedGo(func() {
		t.run(cancelableCtx, stream)
	}, func() {
		cancel()
		if err := stream.Close(context.Background()); err != nil {
			t.logger.Warnw("closing camera stream", "camera", t.camName, "error", err)
		}
		t.activeBackgroundWorkers.Done()
	})
	return nil
}

// configure resets the tracker state for new settings. It must not run concurrently with the loop.
func (t *sortTracker) configure(cfg *Config, tc tracker.Config) {
	t.frequency = cfg.MaxFrequency
	if t.frequency == 0 {
		t.frequency = DefaultMaxFrequency
	}
	t.coolDown = DefaultTriggerCoolDown
	if cfg.TriggerCoolDown != nil {
		t.coolDown = *cfg.TriggerCoolDown
	}
	t.minConfidence = DefaultMinConfidence
	if cfg.MinConfidence != nil {
		t.minConfidence = *cfg.MinConfidence
	}
	t.chosenLabels = cfg.ChosenLabels

	t.manager = tracker.NewManager(tc)
	t.frame = 0
	t.classifications = make(map[int]string)
	t.seen = make(map[int]struct{})

	t.statsMutex.Lock()
	t.timeStats = nil
	t.freshLog = nil
	t.statsMutex.Unlock()

	t.current.mutex.Lock()
	t.current.detections = nil
	t.current.img = nil
	t.current.unique = 0
	t.current.mutex.Unlock()
}

// run is a (cancelable) infinite loop that takes new detections from the camera and feeds them to the tracker.
func (t *sortTracker) run(ctx context.Context, stream gostream.VideoStream) {
	for {
		if ctx.Err() != nil {
			return
		}
		start := time.Now()
		img, release, err := stream.Next(ctx)
		if err != nil {
			t.logger.Errorf("can't get image. got err: %s", err)
			if !t.wait(ctx, start) {
				return
			}
			continue
		}
		if img == nil {
			t.logger.Errorf("got nil image")
			if release != nil {
				release()
			}
			if !t.wait(ctx, start) {
				return
			}
			continue
		}
		if err := t.process(ctx, img); err != nil {
			t.logger.Errorf("can't track frame. got err: %s", err)
		}
		if release != nil {
			release()
		}

		t.statsMutex.Lock()
		t.timeStats = append(t.timeStats, time.Since(start))
		t.statsMutex.Unlock()
		if !t.wait(ctx, start) {
			return
		}
	}
}

// wait sleeps out the rest of the frame period that began at start. It returns false once ctx is done.
func (t *sortTracker) wait(ctx context.Context, start time.Time) bool {
	waitFor := time.Duration((1/t.frequency)*float64(time.Second)) - time.Since(start)
	if waitFor <= time.Microsecond {
		return ctx.Err() == nil
	}
	return viamutils.SelectContextOrWait(ctx, waitFor)
}

// process detects, tracks and publishes one frame. Malformed detections are logged and skipped.
func (t *sortTracker) process(ctx context.Context, img image.Image) error {
	dets, err := tracker.Detect(ctx, t.detector, img, t.chosenLabels, t.minConfidence)
	if err != nil {
		if !errors.Is(err, tracker.ErrInput) {
			return err
		}
		t.logger.Warnw("skipping malformed detections", "camera", t.camName, "error", err)
	}
	out, err := t.manager.Update(t.frame, dets)
	t.frame++
	if err != nil {
		return err
	}

	var fresh []tracker.TrackedObject
	for _, obj := range out.Tracks {
		if _, ok := t.seen[obj.ID]; !ok {
			t.seen[obj.ID] = struct{}{}
			fresh = append(fresh, obj)
		}
	}
	if len(fresh) > 0 {
		t.onFresh(ctx, img, fresh)
	}

	dets2 := make([]objdet.Detection, 0, len(out.Tracks))
	for _, obj := range out.Tracks {
		dets2 = append(dets2, toDetection(obj, t.classifications[obj.ID]))
	}
	// classifications are only needed while the track lives
	for id := range t.classifications {
		if _, alive := t.manager.Track(id); !alive {
			delete(t.classifications, id)
		}
	}

	t.current.mutex.Lock()
	t.current.detections = dets2
	t.current.img = img
	t.current.unique = out.UniqueCount
	t.current.mutex.Unlock()
	return nil
}

// onFresh classifies newly confirmed tracks, logs them and fires the trigger.
func (t *sortTracker) onFresh(ctx context.Context, img image.Image, fresh []tracker.TrackedObject) {
	if t.classifier != nil {
		labels, err := classifyTracks(ctx, fresh, img, t.classifier)
		if err != nil {
			t.logger.Warnw("classification failed", "error", err)
		}
		for id, label := range labels {
			t.classifications[id] = label
		}
	}

	now := t.now()
	t.statsMutex.Lock()
	for _, obj := range fresh {
		to, err := newTrackedObject(TrackLabel(obj.Label, obj.ID, t.classifications[obj.ID]), now)
		if err != nil {
			t.logger.Error(err)
			continue
		}
		t.freshLog = append(t.freshLog, to)
	}
	t.statsMutex.Unlock()
	t.trigger()
}

func (t *sortTracker) trigger() {
	if t.triggerCancelFunc != nil {
		t.triggerCancelFunc()
	}
	triggerContext, triggerCancelFunc := context.WithCancel(t.cancelContext)
	t.triggerCancelFunc = triggerCancelFunc

	t.newInstance.Store(true)
	t.activeBackgroundWorkers.Add(1)

	viamutils.ManagedGo(
		func() {
			if viamutils.SelectContextOrWait(triggerContext, time.Duration(t.coolDown*float64(time.Second))) {
				t.newInstance.Store(false)
			}
		},
		func() {
			t.activeBackgroundWorkers.Done()
		})
}

func (t *sortTracker) currentDetections(ctx context.Context) ([]objdet.Detection, error) {
	select {
	case <-t.cancelContext.Done():
		return nil, t.cancelContext.Err()
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	t.current.mutex.RLock()
	defer t.current.mutex.RUnlock()
	return append([]objdet.Detection(nil), t.current.detections...), nil
}

func (t *sortTracker) currentClassifications() classification.Classifications {
	if t.newInstance.Load() {
		return classification.Classifications{classification.NewClassification(1, NewObjectDetectedLabel)}
	}
	return classification.Classifications{}
}

func (t *sortTracker) checkCamera(cameraName string) error {
	if cameraName != t.camName {
		return errors.Errorf("Camera name given to method, %v is not the same as configured camera %v", cameraName, t.camName)
	}
	return nil
}

func (t *sortTracker) DetectionsFromCamera(
	ctx context.Context,
	cameraName string,
	extra map[string]interface{},
) ([]objdet.Detection, error) {
	if err := t.checkCamera(cameraName); err != nil {
		return nil, err
	}
	return t.currentDetections(ctx)
}

// Detections ignores img and returns the tracks of the latest camera frame.
func (t *sortTracker) Detections(ctx context.Context, img image.Image, extra map[string]interface{}) ([]objdet.Detection, error) {
	return t.currentDetections(ctx)
}

func (t *sortTracker) ClassificationsFromCamera(
	ctx context.Context,
	cameraName string,
	n int,
	extra map[string]interface{},
) (classification.Classifications, error) {
	if err := t.checkCamera(cameraName); err != nil {
		return nil, err
	}
	return t.currentClassifications(), nil
}

func (t *sortTracker) Classifications(ctx context.Context, img image.Image,
	n int, extra map[string]interface{},
) (classification.Classifications, error) {
	return t.currentClassifications(), nil
}

func (t *sortTracker) GetProperties(ctx context.Context, extra map[string]interface{}) (*vision.Properties, error) {
	return &t.properties, nil
}

func (t *sortTracker) GetObjectPointClouds(
	ctx context.Context,
	cameraName string,
	extra map[string]interface{},
) ([]*vis.Object, error) {
	return nil, errUnimplemented
}

func (t *sortTracker) CaptureAllFromCamera(
	ctx context.Context,
	cameraName string,
	opt viscapture.CaptureOptions,
	extra map[string]interface{},
) (viscapture.VisCapture, error) {
	if err := t.checkCamera(cameraName); err != nil {
		return viscapture.VisCapture{}, err
	}
	var out viscapture.VisCapture
	if opt.ReturnDetections {
		dets, err := t.currentDetections(ctx)
		if err != nil {
			return viscapture.VisCapture{}, err
		}
		out.Detections = dets
	}
	if opt.ReturnImage {
		t.current.mutex.RLock()
		out.Image = t.current.img
		t.current.mutex.RUnlock()
	}
	if opt.ReturnClassifications {
		out.Classifications = t.currentClassifications()
	}
	return out, nil
}

// stop cancels the loop and any pending trigger and waits for them.
func (t *sortTracker) stop() {
	if t.cancelFunc != nil {
		t.cancelFunc()
	}
	t.activeBackgroundWorkers.Wait()
	t.triggerCancelFunc = nil
	t.newInstance.Store(false)
}

func (t *sortTracker) Close(ctx context.Context) error {
	t.stop()
	return nil
}

type benchmark struct {
	Slowest      float64 `json:"slowest"`
	Fastest      float64 `json:"fastest"`
	Average      float64 `json:"average"`
	NumberOfRuns int     `json:"number_of_runs"`
}

// DoCommand returns timing stats ("benchmark"), first-seen tracks ("logs") and the unique count ("unique_count").
func (t *sortTracker) DoCommand(ctx context.Context, cmd map[string]interface{}) (map[string]interface{}, error) {
	out := make(map[string]interface{})
	if cmd["benchmark"] != nil {
		t.statsMutex.RLock()
		stats := append([]time.Duration(nil), t.timeStats...)
		t.statsMutex.RUnlock()
		var b benchmark
		if n := len(stats); n > 0 {
			tmin, tmax := stats[0], stats[0]
			var sum time.Duration
			for _, tt := range stats {
				tmin = min(tmin, tt)
				tmax = max(tmax, tt)
				sum += tt
			}
			b = benchmark{
				Slowest:      float64(tmax),
				Fastest:      float64(tmin),
				Average:      float64(sum / time.Duration(n)),
				NumberOfRuns: n,
			}
		}
		out["benchmark"] = b
	}
	if cmd["logs"] != nil {
		t.statsMutex.RLock()
		out["logs"] = append([]trackedObject(nil), t.freshLog...)
		t.statsMutex.RUnlock()
	}
	if cmd["unique_count"] != nil {
		t.current.mutex.RLock()
		out["unique_count"] = t.current.unique
		t.current.mutex.RUnlock()
	}
	return out, nil
}
