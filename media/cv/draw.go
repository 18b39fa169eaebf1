package cv

import (
	"fmt"
	"image"
	"image/color"
	"strings"

	"github.com/pkg/errors"
	"gocv.io/x/gocv"

	"github.com/viam-modules/sort-tracking/media"
)

var (
	green = color.RGBA{0, 255, 0, 0}
	red   = color.RGBA{255, 0, 0, 0}
)

// Annotator draws boxes in green for the primary class and red for everything else.
type Annotator struct {
	PrimaryClass string
}

// Annotate draws each box with an "ID:n class conf" label and the overlay text at the top left.
func (a *Annotator) Annotate(img image.Image, boxes []media.Box, overlay string) (image.Image, error) {
	mat, err := gocv.ImageToMatRGB(img)
	if err != nil {
		return nil, errors.Wrap(err, "cannot convert frame")
	}
	defer mat.Close()

	for _, b := range boxes {
		c := red
		if strings.EqualFold(b.Label, a.PrimaryClass) {
			c = green
		}
		gocv.Rectangle(&mat, b.Rect, c, 2)
		label := fmt.Sprintf("ID:%d %s %.2f", b.TrackID, b.Label, b.Confidence)
		gocv.PutText(&mat, label, image.Pt(b.Rect.Min.X, b.Rect.Min.Y-10), gocv.FontHersheySimplex, 0.5, c, 2)
	}
	if overlay != "" {
		gocv.PutText(&mat, overlay, image.Pt(10, 30), gocv.FontHersheySimplex, 1, green, 2)
	}
	return mat.ToImage()
}

// JPEGEncoder compresses frames at a fixed quality.
type JPEGEncoder struct {
	Quality int
}

// DefaultJPEGQuality is used when Quality is unset.
const DefaultJPEGQuality = 70

// EncodeJPEG converts img to JPEG bytes.
func (e *JPEGEncoder) EncodeJPEG(img image.Image) ([]byte, error) {
	q := e.Quality
	if q <= 0 {
		q = DefaultJPEGQuality
	}
	mat, err := gocv.ImageToMatRGB(img)
	if err != nil {
		return nil, err
	}
	defer mat.Close()
	buf, err := gocv.IMEncodeWithParams(gocv.JPEGFileExt, mat, []int{gocv.IMWriteJpegQuality, q})
	if err != nil {
		return nil, err
	}
	defer buf.Close()
	out := make([]byte, buf.Len())
	copy(out, buf.GetBytes())
	return out, nil
}
