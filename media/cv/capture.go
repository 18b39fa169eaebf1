// Package cv implements the media contracts on top of OpenCV through gocv.
package cv

import (
	"image"
	"io"
	"sync"

	"github.com/pkg/errors"
	"gocv.io/x/gocv"

	"github.com/viam-modules/sort-tracking/media"
)

// Default capture resolution requested from camera devices.
const (
	DefaultWidth  = 1280
	DefaultHeight = 960
)

type capture struct {
	mu     sync.Mutex
	vc     *gocv.VideoCapture
	frame  gocv.Mat
	file   bool
	fps    float64
	size   image.Point
	frames int
}

// OpenDevice opens a camera by index and requests the given resolution (0 keeps the defaults).
func OpenDevice(index, width, height int) (media.Capture, error) {
	vc, err := gocv.OpenVideoCapture(index)
	if err != nil {
		return nil, errors.Wrapf(media.ErrDevice, "cannot open camera %d: %v", index, err)
	}
	if !vc.IsOpened() {
		//nolint:errcheck
		vc.Close()
		return nil, errors.Wrapf(media.ErrDevice, "camera %d did not open", index)
	}
	if width <= 0 {
		width = DefaultWidth
	}
	if height <= 0 {
		height = DefaultHeight
	}
	vc.Set(gocv.VideoCaptureFrameWidth, float64(width))
	vc.Set(gocv.VideoCaptureFrameHeight, float64(height))
	return newCapture(vc, false), nil
}

// OpenFile opens a video file for sequential reading.
func OpenFile(path string) (media.Capture, error) {
	vc, err := gocv.VideoCaptureFile(path)
	if err != nil {
		return nil, errors.Wrapf(media.ErrDevice, "cannot open video %s: %v", path, err)
	}
	if !vc.IsOpened() {
		//nolint:errcheck
		vc.Close()
		return nil, errors.Wrapf(media.ErrDevice, "video %s did not open", path)
	}
	return newCapture(vc, true), nil
}

func newCapture(vc *gocv.VideoCapture, file bool) *capture {
	return &capture{
		vc:     vc,
		frame:  gocv.NewMat(),
		file:   file,
		fps:    vc.Get(gocv.VideoCaptureFPS),
		size:   image.Pt(int(vc.Get(gocv.VideoCaptureFrameWidth)), int(vc.Get(gocv.VideoCaptureFrameHeight))),
		frames: int(vc.Get(gocv.VideoCaptureFrameCount)),
	}
}

func (c *capture) Read() (image.Image, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ok := c.vc.Read(&c.frame); !ok || c.frame.Empty() {
		if c.file {
			return nil, io.EOF
		}
		return nil, errors.Wrap(media.ErrDevice, "failed to read frame")
	}
	img, err := c.frame.ToImage()
	if err != nil {
		return nil, errors.Wrap(media.ErrDevice, err.Error())
	}
	return img, nil
}

func (c *capture) FPS() float64 { return c.fps }

func (c *capture) FrameSize() image.Point { return c.size }

func (c *capture) FrameCount() int {
	if !c.file || c.frames < 0 {
		return 0
	}
	return c.frames
}

func (c *capture) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.frame.Close(); err != nil {
		return err
	}
	return c.vc.Close()
}
