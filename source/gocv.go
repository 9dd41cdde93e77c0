//go:build gocv

package source

import (
	"image"
	"io"

	"github.com/pkg/errors"
	"gocv.io/x/gocv"
)

// DefaultOpener decodes video files with OpenCV
func DefaultOpener() Opener {
	return GoCVOpener{}
}

// GoCVOpener opens video files through OpenCV VideoCapture.
type GoCVOpener struct{}

// Open starts decoding of the video file
func (GoCVOpener) Open(video Video) (Decoder, error) {
	capture, err := gocv.VideoCaptureFile(video.Path)
	if err != nil {
		return nil, errors.Wrapf(ErrDecode, "Can't open video '%s': %s", video.Path, err)
	}
	return &gocvDecoder{
		capture: capture,
		img:     gocv.NewMat(),
	}, nil
}

// Probe reads frame rate and frame count from the container
func (GoCVOpener) Probe(path string) (float64, int64, error) {
	capture, err := gocv.VideoCaptureFile(path)
	if err != nil {
		return 0, 0, errors.Wrapf(ErrDecode, "Can't open video '%s': %s", path, err)
	}
	defer capture.Close()
	fps := capture.Get(gocv.VideoCaptureFPS)
	frames := int64(capture.Get(gocv.VideoCaptureFrameCount))
	return fps, frames, nil
}

type gocvDecoder struct {
	capture *gocv.VideoCapture
	img     gocv.Mat
}

func (decoder *gocvDecoder) Read() (image.Image, error) {
	if ok := decoder.capture.Read(&decoder.img); !ok || decoder.img.Empty() {
		return nil, io.EOF
	}
	img, err := decoder.img.ToImage()
	if err != nil {
		return nil, errors.Wrap(ErrDecode, err.Error())
	}
	return img, nil
}

func (decoder *gocvDecoder) SeekFrame(frame int64) error {
	decoder.capture.Set(gocv.VideoCapturePosFrames, float64(frame))
	return nil
}

func (decoder *gocvDecoder) Close() error {
	decoder.img.Close()
	return decoder.capture.Close()
}
