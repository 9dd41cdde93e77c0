package source

import (
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/pkg/errors"
)

// Resolve expands glob patterns ("videos/**/*.mp4") into videos. Start time is
// parsed from the file name, frame rate and frame count are probed with opener.
func Resolve(patterns []string, opener Opener, loc *time.Location) ([]Video, error) {
	if opener == nil {
		opener = DefaultOpener()
	}
	paths := make(map[string]struct{})
	for _, raw := range patterns {
		pattern := filepath.ToSlash(strings.TrimSpace(raw))
		if pattern == "" {
			continue
		}
		if !doublestar.ValidatePattern(pattern) {
			return nil, errors.Errorf("invalid glob pattern '%s'", raw)
		}
		matches, err := doublestar.FilepathGlob(pattern, doublestar.WithFilesOnly())
		if err != nil {
			return nil, errors.Wrapf(err, "Can't expand pattern '%s'", raw)
		}
		for _, path := range matches {
			paths[path] = struct{}{}
		}
	}
	if len(paths) == 0 {
		return nil, errors.Errorf("no video files match %v", patterns)
	}
	sorted := make([]string, 0, len(paths))
	for path := range paths {
		sorted = append(sorted, path)
	}
	sort.Strings(sorted)

	videos := make([]Video, 0, len(sorted))
	for _, path := range sorted {
		start, err := ParseFilenameTimestamp(path, loc)
		if err != nil {
			return nil, err
		}
		fps, frames, err := opener.Probe(path)
		if err != nil {
			return nil, errors.Wrapf(err, "Can't probe video '%s'", path)
		}
		videos = append(videos, Video{
			ID:     VideoID(path),
			Path:   path,
			Start:  start,
			FPS:    fps,
			Frames: frames,
		})
	}
	return videos, nil
}
