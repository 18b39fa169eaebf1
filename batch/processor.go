package batch

import (
	"context"
	"fmt"
	"image"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/pkg/errors"
	"go.viam.com/rdk/logging"

	"github.com/viam-modules/sort-tracking/media"
	"github.com/viam-modules/sort-tracking/tracker"
)

// DefaultMinConfidence is the detection floor for batch jobs.
const DefaultMinConfidence = 0.3

// progressInterval is the minimum time between progress reports.
const progressInterval = time.Second

// Result is the outcome of processing one video.
type Result struct {
	OutputPath string
	Detections []Detection
	Summary    Summary
}

// Processor runs the tracker over every frame of a video file and writes an annotated copy.
type Processor struct {
	Open      func(path string) (media.Capture, error)
	Writer    media.WriterOpener
	Codecs    []string
	Annotator media.Annotator
	Detector  tracker.Detector
	Tracker   tracker.Config
	// MinConfidence defaults to DefaultMinConfidence.
	MinConfidence float64
	ChosenLabels  map[string]float64
	OutputDir     string
	Now           func() time.Time
	Logger        logging.Logger
}

// Process tracks every frame of the video at path. onProgress, if set, receives the percentage done at most
// once per second. The context is checked between frames. A frame whose detection or annotation fails is still
// written, and a failed detection does not advance the tracker; only open, read and write failures fail the job.
func (p *Processor) Process(ctx context.Context, path string, onProgress func(float64)) (*Result, error) {
	now := p.Now
	if now == nil {
		now = time.Now
	}
	codecs := p.Codecs
	if len(codecs) == 0 {
		codecs = media.BatchCodecs
	}
	minConf := p.MinConfidence
	if minConf <= 0 {
		minConf = DefaultMinConfidence
	}
	trackerCfg := p.Tracker
	if trackerCfg == (tracker.Config{}) {
		trackerCfg = tracker.DefaultConfig()
	}
	logger := p.Logger
	if logger == nil {
		logger = logging.NewLogger("batch")
	}

	capture, err := p.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot open video %s", path)
	}
	defer func() {
		if err := capture.Close(); err != nil {
			logger.Warnw("cannot release input", "path", path, "error", err)
		}
	}()

	fps := capture.FPS()
	size := capture.FrameSize()
	total := capture.FrameCount()
	logger.Infow("processing video", "path", path, "width", size.X, "height", size.Y, "fps", fps, "frames", total)

	if err := os.MkdirAll(p.OutputDir, 0o755); err != nil {
		return nil, err
	}
	outPath, err := reserveOutput(p.OutputDir, now())
	if err != nil {
		return nil, err
	}
	writerFPS := fps
	if writerFPS <= 0 {
		writerFPS = media.DefaultFPS
	}
	writer, codec, _, err := media.OpenWriter(p.Writer, outPath, codecs, writerFPS, size)
	if err != nil {
		//nolint:errcheck
		os.Remove(outPath)
		return nil, err
	}
	logger.Infow("writing result", "path", outPath, "codec", codec)
	writerOpen := true
	defer func() {
		if writerOpen {
			//nolint:errcheck
			writer.Close()
		}
	}()

	tracks := tracker.NewManager(trackerCfg)
	unique := make(map[int]*Detection)
	frameCount := 0
	detectorFailures := 0
	lastReport := now()

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		img, err := capture.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}

		var out tracker.Output
		dets, err := tracker.Detect(ctx, p.Detector, img, p.ChosenLabels, minConf)
		switch {
		case err == nil:
		case errors.Is(err, tracker.ErrInput):
			logger.Debugw("skipped malformed detections", "frame", frameCount, "error", err)
		default:
			// the frame is still written; the tracker is not advanced on a frame it never saw
			logger.Warnw("detector failed", "frame", frameCount, "error", err)
			detectorFailures++
		}
		if err == nil || errors.Is(err, tracker.ErrInput) {
			out, err = tracks.Update(frameCount, dets)
			if err != nil {
				logger.Warnw("tracker update failed", "frame", frameCount, "error", err)
			}
		}

		boxes := make([]media.Box, 0, len(out.Tracks))
		for _, obj := range out.Tracks {
			if d, ok := unique[obj.ID]; !ok {
				unique[obj.ID] = &Detection{
					Class:      obj.Label,
					Confidence: obj.Confidence,
					BBox:       obj.BBox,
					TrackID:    obj.ID,
					FirstFrame: frameCount,
					LastFrame:  frameCount,
				}
			} else {
				d.LastFrame = frameCount
				if obj.Confidence >= d.Confidence {
					d.Confidence = obj.Confidence
					d.BBox = obj.BBox
				}
			}
			boxes = append(boxes, media.Box{
				Rect:       image.Rect(int(obj.BBox[0]), int(obj.BBox[1]), int(obj.BBox[2]), int(obj.BBox[3])),
				TrackID:    obj.ID,
				Label:      obj.Label,
				Confidence: obj.Confidence,
			})
		}

		annotated := img
		if p.Annotator != nil {
			overlay := fmt.Sprintf("Unique: %d | Frame: %d/%d", len(unique), frameCount, total)
			if a, err := p.Annotator.Annotate(img, boxes, overlay); err != nil {
				logger.Warnw("cannot annotate frame", "frame", frameCount, "error", err)
			} else {
				annotated = a
			}
		}
		if err := writer.Write(annotated); err != nil {
			return nil, errors.Wrapf(err, "cannot write frame %d", frameCount)
		}
		frameCount++

		if t := now(); t.Sub(lastReport) > progressInterval {
			lastReport = t
			progress := 0.0
			if total > 0 {
				progress = float64(frameCount) / float64(total) * 100
			}
			logger.Debugw("progress", "percent", progress, "frame", frameCount, "frames", total)
			if onProgress != nil {
				onProgress(progress)
			}
		}
	}

	writerOpen = false
	if err := writer.Close(); err != nil {
		return nil, errors.Wrap(err, "cannot finalize result video")
	}
	info, err := os.Stat(outPath)
	if err != nil || info.Size() == 0 {
		return nil, errors.Errorf("result video %s was not created or is empty", outPath)
	}

	final := make([]Detection, 0, len(unique))
	for _, d := range unique {
		final = append(final, *d)
	}
	sort.Slice(final, func(i, j int) bool { return final[i].TrackID < final[j].TrackID })
	logger.Infow("video processed",
		"path", outPath,
		"unique", len(final),
		"frames", frameCount,
		"detector_failures", detectorFailures,
	)
	return &Result{
		OutputPath: outPath,
		Detections: final,
		Summary:    Summarize(final, frameCount, fps),
	}, nil
}

// reserveOutput claims result_{unix}.mp4 in dir, adding a counter when jobs start in the same second.
func reserveOutput(dir string, now time.Time) (string, error) {
	base := fmt.Sprintf("result_%d", now.Unix())
	for i := 0; i < 1000; i++ {
		name := base + ".mp4"
		if i > 0 {
			name = fmt.Sprintf("%s_%d.mp4", base, i)
		}
		path := filepath.Join(dir, name)
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if os.IsExist(err) {
			continue
		}
		if err != nil {
			return "", err
		}
		return path, f.Close()
	}
	return "", errors.Errorf("no free result name for %s in %s", base, dir)
}
