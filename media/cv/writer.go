package cv

import (
	"image"

	"github.com/pkg/errors"
	"gocv.io/x/gocv"

	"github.com/viam-modules/sort-tracking/media"
)

type writer struct {
	vw   *gocv.VideoWriter
	size image.Point
}

// OpenWriter is a media.WriterOpener backed by OpenCV's VideoWriter.
func OpenWriter(path, codec string, fps float64, size image.Point) (media.VideoWriter, error) {
	vw, err := gocv.VideoWriterFile(path, codec, fps, size.X, size.Y, true)
	if err != nil {
		return nil, err
	}
	if !vw.IsOpened() {
		//nolint:errcheck
		vw.Close()
		return nil, errors.Errorf("codec %s did not open", codec)
	}
	return &writer{vw: vw, size: size}, nil
}

func (w *writer) Write(img image.Image) error {
	mat, err := gocv.ImageToMatRGB(img)
	if err != nil {
		return err
	}
	defer mat.Close()
	if mat.Cols() != w.size.X || mat.Rows() != w.size.Y {
		resized := gocv.NewMat()
		defer resized.Close()
		gocv.Resize(mat, &resized, w.size, 0, 0, gocv.InterpolationLinear)
		return w.vw.Write(resized)
	}
	return w.vw.Write(mat)
}

func (w *writer) Close() error {
	return w.vw.Close()
}
