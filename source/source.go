// Package source provides frames of one or more consecutive video files.
package source

import (
	"context"
	"image"
	"time"

	"github.com/pkg/errors"
)

var (
	// ErrDecode is returned when a frame can't be decoded
	ErrDecode = errors.New("decode failure")
	// ErrCursorMismatch is returned when a cursor doesn't point into the source
	ErrCursorMismatch = errors.New("cursor does not match source")
	// ErrProbeUnsupported is returned by openers which can't read video metadata
	ErrProbeUnsupported = errors.New("video probing is not supported")
)

// Cursor points at a frame inside the source: video position plus local frame index.
type Cursor struct {
	VideoIndex int    `json:"video_index"`
	VideoID    string `json:"video_id"`
	Frame      int64  `json:"frame"`
}

// Frame is a single decoded frame.
type Frame struct {
	// Absolute index over all videos of the source
	Index int64
	// Position of this frame
	Cursor    Cursor
	Timestamp time.Time
	// Nil for metadata-only sources
	Image image.Image
}

// Source yields frames in order. Next returns io.EOF once every video is exhausted.
type Source interface {
	Next(ctx context.Context) (Frame, error)
	// Seek moves source so that Next returns frame at cursor
	Seek(cursor Cursor) error
	// Position returns cursor of the frame Next would return
	Position() Cursor
	// Len returns total number of frames
	Len() int64
	Close() error
}
