package source

import (
	"image"
	"io"
)

// Decoder reads frames of a single opened video.
type Decoder interface {
	// Read decodes next frame. Returns io.EOF at end of the video
	Read() (image.Image, error)
	// SeekFrame moves decoder so that Read returns local frame index
	SeekFrame(frame int64) error
	Close() error
}

// Opener opens videos for decoding and reads their metadata.
type Opener interface {
	Open(video Video) (Decoder, error)
	// Probe returns frame rate and number of frames of a video file
	Probe(path string) (float64, int64, error)
}

// BlankOpener yields frames without pixels. It is meant for detectors which
// don't need image data (replayed detections) and for tests.
type BlankOpener struct{}

// Open returns decoder producing video.Frames empty frames
func (BlankOpener) Open(video Video) (Decoder, error) {
	return &blankDecoder{frames: video.Frames}, nil
}

// Probe always fails: file metadata must be given explicitly
func (BlankOpener) Probe(path string) (float64, int64, error) {
	return 0, 0, ErrProbeUnsupported
}

type blankDecoder struct {
	frames int64
	next   int64
}

func (decoder *blankDecoder) Read() (image.Image, error) {
	if decoder.next >= decoder.frames {
		return nil, io.EOF
	}
	decoder.next++
	return nil, nil
}

func (decoder *blankDecoder) SeekFrame(frame int64) error {
	decoder.next = frame
	return nil
}

func (decoder *blankDecoder) Close() error {
	return nil
}
