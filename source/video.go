package source

import (
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Recordings are split in parts; every part index shifts start by this offset
const partOffset = 30 * time.Minute

var filenameTimestamp = regexp.MustCompile(`\[(\d{4}-\d{2}-\d{2}_\d{2}-\d{2}-\d{2})\](?:-(\d{3}))?`)

// Video is a single file of the source with its metadata.
type Video struct {
	ID     string    `json:"id" yaml:"id"`
	Path   string    `json:"path" yaml:"path"`
	Start  time.Time `json:"start" yaml:"start"`
	FPS    float64   `json:"fps" yaml:"fps"`
	Frames int64     `json:"frames" yaml:"frames"`
}

// TimestampAt returns wall clock time of local frame index
func (video Video) TimestampAt(frame int64) time.Time {
	offset := time.Duration(float64(frame) / video.FPS * float64(time.Second))
	return video.Start.Add(offset)
}

// Duration returns playback length of the video
func (video Video) Duration() time.Duration {
	return time.Duration(float64(video.Frames) / video.FPS * float64(time.Second))
}

func (video Video) validate() error {
	if video.ID == "" {
		return errors.Errorf("video '%s' has empty id", video.Path)
	}
	if !(video.FPS > 0) {
		return errors.Errorf("video '%s' has non-positive fps %f", video.ID, video.FPS)
	}
	if video.Frames <= 0 {
		return errors.Errorf("video '%s' has no frames", video.ID)
	}
	if video.Start.IsZero() {
		return errors.Errorf("video '%s' has no start time", video.ID)
	}
	return nil
}

// VideoID derives identifier of a video from its file name
func VideoID(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// ParseFilenameTimestamp extracts recording start from names like
// "cam-[2020-03-28_12-30-10]-001.mp4". The optional three digit part index adds
// 30 minutes per step. Time is interpreted in loc.
func ParseFilenameTimestamp(name string, loc *time.Location) (time.Time, error) {
	match := filenameTimestamp.FindStringSubmatch(filepath.Base(name))
	if match == nil {
		return time.Time{}, errors.Errorf("no timestamp in file name '%s'", name)
	}
	if loc == nil {
		loc = time.UTC
	}
	start, err := time.ParseInLocation("2006-01-02_15-04-05", match[1], loc)
	if err != nil {
		return time.Time{}, errors.Wrapf(err, "Can't parse timestamp of '%s'", name)
	}
	if match[2] != "" {
		part, err := strconv.Atoi(match[2])
		if err != nil {
			return time.Time{}, errors.Wrapf(err, "Can't parse part index of '%s'", name)
		}
		start = start.Add(time.Duration(part) * partOffset)
	}
	return start, nil
}
