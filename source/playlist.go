package source

import (
	"context"
	"io"
	"sort"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Playlist is a Source over consecutive video files ordered by start time.
// Absolute frame index runs through all videos without gaps.
type Playlist struct {
	videos []Video
	// Absolute index of the first frame of each video
	offsets []int64
	total   int64
	opener  Opener
	logger  *zap.Logger

	pos     Cursor
	decoder Decoder
	// Index of the video decoder is open for
	decoderFor int
}

// NewPlaylist validates and sorts videos. Two videos starting at the same time are rejected.
func NewPlaylist(videos []Video, opener Opener, logger *zap.Logger) (*Playlist, error) {
	if len(videos) == 0 {
		return nil, errors.New("playlist is empty")
	}
	if opener == nil {
		opener = DefaultOpener()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	sorted := append([]Video(nil), videos...)
	for i := range sorted {
		sorted[i].Start = sorted[i].Start.Round(0).UTC()
		if err := sorted[i].validate(); err != nil {
			return nil, err
		}
	}
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Start.Before(sorted[j].Start)
	})
	ids := make(map[string]struct{}, len(sorted))
	offsets := make([]int64, len(sorted))
	var total int64
	for i, video := range sorted {
		if i > 0 && video.Start.Equal(sorted[i-1].Start) {
			return nil, errors.Errorf("videos '%s' and '%s' have the same start time %s", sorted[i-1].ID, video.ID, video.Start)
		}
		if _, ok := ids[video.ID]; ok {
			return nil, errors.Errorf("duplicate video id '%s'", video.ID)
		}
		ids[video.ID] = struct{}{}
		offsets[i] = total
		total += video.Frames
	}
	return &Playlist{
		videos:     sorted,
		offsets:    offsets,
		total:      total,
		opener:     opener,
		logger:     logger,
		pos:        Cursor{VideoIndex: 0, VideoID: sorted[0].ID, Frame: 0},
		decoderFor: -1,
	}, nil
}

// Videos returns videos in playback order
func (playlist *Playlist) Videos() []Video {
	return append([]Video(nil), playlist.videos...)
}

// Next returns the frame at current position and advances it
func (playlist *Playlist) Next(ctx context.Context) (Frame, error) {
	for {
		if err := ctx.Err(); err != nil {
			return Frame{}, err
		}
		if playlist.pos.VideoIndex >= len(playlist.videos) {
			return Frame{}, io.EOF
		}
		video := playlist.videos[playlist.pos.VideoIndex]
		if playlist.decoderFor != playlist.pos.VideoIndex {
			if err := playlist.openCurrent(); err != nil {
				return Frame{}, err
			}
		}
		img, err := playlist.decoder.Read()
		if err == io.EOF {
			// Container reported more frames than it holds
			playlist.logger.Warn("Video ended before expected frame count",
				zap.String("video_id", video.ID),
				zap.Int64("frame", playlist.pos.Frame),
				zap.Int64("frames", video.Frames),
			)
			playlist.advanceVideo()
			continue
		}
		if err != nil {
			return Frame{}, errors.Wrapf(ErrDecode, "video '%s' frame %d: %s", video.ID, playlist.pos.Frame, err)
		}
		frame := Frame{
			Index:     playlist.offsets[playlist.pos.VideoIndex] + playlist.pos.Frame,
			Cursor:    playlist.pos,
			Timestamp: video.TimestampAt(playlist.pos.Frame),
			Image:     img,
		}
		playlist.pos.Frame++
		if playlist.pos.Frame >= video.Frames {
			playlist.advanceVideo()
		}
		return frame, nil
	}
}

func (playlist *Playlist) openCurrent() error {
	playlist.closeDecoder()
	video := playlist.videos[playlist.pos.VideoIndex]
	decoder, err := playlist.opener.Open(video)
	if err != nil {
		return errors.Wrapf(err, "Can't open video '%s'", video.ID)
	}
	if playlist.pos.Frame > 0 {
		if err := decoder.SeekFrame(playlist.pos.Frame); err != nil {
			decoder.Close()
			return errors.Wrapf(ErrDecode, "Can't seek video '%s' to frame %d: %s", video.ID, playlist.pos.Frame, err)
		}
	}
	playlist.decoder = decoder
	playlist.decoderFor = playlist.pos.VideoIndex
	playlist.logger.Debug("Opened video", zap.String("video_id", video.ID), zap.Int64("frame", playlist.pos.Frame))
	return nil
}

func (playlist *Playlist) advanceVideo() {
	playlist.closeDecoder()
	playlist.pos.VideoIndex++
	playlist.pos.Frame = 0
	playlist.pos.VideoID = ""
	if playlist.pos.VideoIndex < len(playlist.videos) {
		playlist.pos.VideoID = playlist.videos[playlist.pos.VideoIndex].ID
	}
}

func (playlist *Playlist) closeDecoder() {
	if playlist.decoder == nil {
		return
	}
	if err := playlist.decoder.Close(); err != nil {
		playlist.logger.Warn("Can't close decoder", zap.Error(err))
	}
	playlist.decoder = nil
	playlist.decoderFor = -1
}

// Seek moves playlist to cursor. A cursor past the last video means end of stream.
func (playlist *Playlist) Seek(cursor Cursor) error {
	if cursor.VideoIndex == len(playlist.videos) && cursor.Frame == 0 {
		playlist.closeDecoder()
		playlist.pos = Cursor{VideoIndex: cursor.VideoIndex}
		return nil
	}
	if cursor.VideoIndex < 0 || cursor.VideoIndex >= len(playlist.videos) {
		return errors.Wrapf(ErrCursorMismatch, "video index %d is out of [0, %d)", cursor.VideoIndex, len(playlist.videos))
	}
	video := playlist.videos[cursor.VideoIndex]
	if cursor.VideoID != video.ID {
		return errors.Wrapf(ErrCursorMismatch, "video %d is '%s', cursor points to '%s'", cursor.VideoIndex, video.ID, cursor.VideoID)
	}
	if cursor.Frame < 0 || cursor.Frame >= video.Frames {
		return errors.Wrapf(ErrCursorMismatch, "frame %d is out of video '%s' with %d frames", cursor.Frame, video.ID, video.Frames)
	}
	if playlist.decoderFor == cursor.VideoIndex && playlist.decoder != nil {
		if err := playlist.decoder.SeekFrame(cursor.Frame); err != nil {
			playlist.closeDecoder()
		}
	}
	playlist.pos = cursor
	return nil
}

// Locate converts absolute frame index to cursor
func (playlist *Playlist) Locate(index int64) (Cursor, error) {
	if index < 0 || index > playlist.total {
		return Cursor{}, errors.Wrapf(ErrCursorMismatch, "frame %d is out of [0, %d]", index, playlist.total)
	}
	if index == playlist.total {
		return Cursor{VideoIndex: len(playlist.videos)}, nil
	}
	i := sort.Search(len(playlist.offsets), func(i int) bool {
		return playlist.offsets[i] > index
	}) - 1
	return Cursor{
		VideoIndex: i,
		VideoID:    playlist.videos[i].ID,
		Frame:      index - playlist.offsets[i],
	}, nil
}

// Position returns cursor of the frame Next would return
func (playlist *Playlist) Position() Cursor {
	return playlist.pos
}

// Len returns total number of frames
func (playlist *Playlist) Len() int64 {
	return playlist.total
}

// Progress returns processed share of frames in percents
func (playlist *Playlist) Progress() float64 {
	if playlist.pos.VideoIndex >= len(playlist.videos) {
		return 100.0
	}
	done := playlist.offsets[playlist.pos.VideoIndex] + playlist.pos.Frame
	return float64(done) / float64(playlist.total) * 100.0
}

// Close releases decoder
func (playlist *Playlist) Close() error {
	playlist.closeDecoder()
	return nil
}
