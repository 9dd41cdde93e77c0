package mot

import (
	"time"

	"github.com/pkg/errors"
)

// FrameInfo describes the frame whose detections are passed to Tracker.Step.
type FrameInfo struct {
	// Absolute frame index over the whole source
	Index int64
	// Timestamp of the frame. Must grow from frame to frame
	Timestamp time.Time
	// Identifier of the video file the frame belongs to
	VideoID string
}

// TrackerConfig holds parameters of the track lifecycle and association.
type TrackerConfig struct {
	// Number of cumulative hits needed to confirm a track
	MinHits int `json:"min_hits" mapstructure:"min_hits" yaml:"min_hits"`
	// Consecutive misses after which confirmed track is finalized
	MaxAge int `json:"max_age" mapstructure:"max_age" yaml:"max_age"`
	// Consecutive misses after which tentative track is discarded
	MaxAgeTentative int `json:"max_age_tentative" mapstructure:"max_age_tentative" yaml:"max_age_tentative"`
	// Minimum IoU between predicted track and detection to be matched
	IoUThreshold float64 `json:"iou_threshold" mapstructure:"iou_threshold" yaml:"iou_threshold"`
	// Assignment solver
	Algorithm MatchingAlgorithm `json:"algorithm" mapstructure:"algorithm" yaml:"algorithm"`
	// Two-stage (ByteTrack-like) association
	TwoStage       bool    `json:"two_stage" mapstructure:"two_stage" yaml:"two_stage"`
	HighConfidence float64 `json:"high_confidence" mapstructure:"high_confidence" yaml:"high_confidence"`
	LowConfidence  float64 `json:"low_confidence" mapstructure:"low_confidence" yaml:"low_confidence"`
	// Unmatched detections below this confidence do not spawn tracks
	MinSpawnConfidence float64 `json:"min_spawn_confidence" mapstructure:"min_spawn_confidence" yaml:"min_spawn_confidence"`
	// Kalman filter noise
	Kalman KalmanParams `json:"kalman" mapstructure:"kalman" yaml:"kalman"`
}

// DefaultTrackerConfig returns defaults of classic SORT: max_age=1, min_hits=3, iou_threshold=0.3.
func DefaultTrackerConfig() TrackerConfig {
	return TrackerConfig{
		MinHits:            3,
		MaxAge:             1,
		MaxAgeTentative:    1,
		IoUThreshold:       0.3,
		Algorithm:          MatchingAlgorithmHungarian,
		TwoStage:           false,
		HighConfidence:     0.5,
		LowConfidence:      0.1,
		MinSpawnConfidence: 0.0,
		Kalman:             DefaultKalmanParams(),
	}
}

// Validate checks configuration consistency
func (cfg TrackerConfig) Validate() error {
	if cfg.MinHits < 1 {
		return errors.Wrapf(ErrInvalidConfig, "min_hits must be at least 1, got %d", cfg.MinHits)
	}
	if cfg.MaxAge < 1 {
		return errors.Wrapf(ErrInvalidConfig, "max_age must be at least 1, got %d", cfg.MaxAge)
	}
	if cfg.MaxAgeTentative < 1 || cfg.MaxAgeTentative > cfg.MaxAge {
		return errors.Wrapf(ErrInvalidConfig, "max_age_tentative must be in [1, %d], got %d", cfg.MaxAge, cfg.MaxAgeTentative)
	}
	if cfg.IoUThreshold < 0 || cfg.IoUThreshold > 1 {
		return errors.Wrapf(ErrInvalidConfig, "iou_threshold must be in [0, 1], got %f", cfg.IoUThreshold)
	}
	if cfg.TwoStage && cfg.LowConfidence > cfg.HighConfidence {
		return errors.Wrapf(ErrInvalidConfig, "low_confidence %f is above high_confidence %f", cfg.LowConfidence, cfg.HighConfidence)
	}
	return cfg.Kalman.validate()
}

func (cfg TrackerConfig) association() AssociationConfig {
	return AssociationConfig{
		IoUThreshold:   cfg.IoUThreshold,
		Algorithm:      cfg.Algorithm,
		TwoStage:       cfg.TwoStage,
		HighConfidence: cfg.HighConfidence,
		LowConfidence:  cfg.LowConfidence,
	}
}

// Tracker is SORT-like multi-object tracker: Kalman prediction plus IoU association.
// It is not safe for concurrent use: frames must be fed sequentially.
type Tracker struct {
	cfg TrackerConfig
	// Live tracks ordered by ascending id
	tracks        []*Track
	nextID        uint64
	lastTimestamp time.Time
	lastFrame     int64
	hasTimestamp  bool
}

// NewTracker creates new instance of Tracker
func NewTracker(cfg TrackerConfig) (*Tracker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Tracker{
		cfg:       cfg,
		tracks:    make([]*Track, 0),
		nextID:    1,
		lastFrame: -1,
	}, nil
}

// StepResult is outcome of one processed frame.
type StepResult struct {
	// Tracks finalized on this frame ordered by track id
	Finalized []FinalizedObject
	// Association of this frame. Indices refer to live tracks before the frame and to accepted detections
	Association Association
	// Ids of tracks spawned on this frame
	Spawned []uint64
	// Ids of tentative tracks dropped as noise
	Discarded []uint64
	// Indices of input detections rejected as malformed
	Rejected []int
}

// Step processes detections of a single frame. On error (ErrNumericAnomaly) the
// frame is skipped as a whole and tracker state is left as it was.
func (tracker *Tracker) Step(frame FrameInfo, detections []Detection) (StepResult, error) {
	frame.Timestamp = frame.Timestamp.Round(0).UTC()
	var dt time.Duration
	if tracker.hasTimestamp {
		dt = frame.Timestamp.Sub(tracker.lastTimestamp)
		if dt <= 0 {
			return StepResult{}, errors.Wrapf(ErrNumericAnomaly, "frame %d: non-positive time step %s", frame.Index, dt)
		}
	}

	result := StepResult{
		Finalized: make([]FinalizedObject, 0),
		Spawned:   make([]uint64, 0),
		Discarded: make([]uint64, 0),
		Rejected:  make([]int, 0),
	}
	accepted := make([]Detection, 0, len(detections))
	for i, detection := range detections {
		if !detection.Box.Valid() || !(detection.Confidence >= 0 && detection.Confidence <= 1) {
			result.Rejected = append(result.Rejected, i)
			continue
		}
		accepted = append(accepted, detection)
	}

	// 1. Predict every live track, even if it ends up unmatched
	predicted := make([]*KalmanBox, len(tracker.tracks))
	predictedBoxes := make([]Rectangle, len(tracker.tracks))
	for i, track := range tracker.tracks {
		next, err := track.kf.Predicted(dt)
		if err != nil {
			return StepResult{}, errors.Wrapf(err, "frame %d: can't predict track %d", frame.Index, track.id)
		}
		predicted[i] = next
		predictedBoxes[i] = next.BBox()
	}

	// 2. Associate
	association := Associate(predictedBoxes, accepted, tracker.cfg.association())
	result.Association = association

	// 3. Correct matched tracks
	corrected := make(map[int]*KalmanBox, len(association.Matches))
	for _, match := range association.Matches {
		next, err := predicted[match.Track].Corrected(accepted[match.Detection].Box)
		if err != nil {
			return StepResult{}, errors.Wrapf(err, "frame %d: can't update track %d", frame.Index, tracker.tracks[match.Track].id)
		}
		corrected[match.Track] = next
	}

	// 4. Commit. Nothing below can fail
	for i, track := range tracker.tracks {
		track.predictedBBox = predictedBoxes[i]
		track.kf = predicted[i]
	}
	for _, match := range association.Matches {
		track := tracker.tracks[match.Track]
		track.kf = corrected[match.Track]
		track.observe(frame, accepted[match.Detection])
		if track.status == TrackTentative && track.hits >= tracker.cfg.MinHits {
			track.status = TrackConfirmed
			track.confirmedFrame = frame.Index
		}
	}
	removed := make(map[int]struct{})
	for _, idx := range association.UnmatchedTracks {
		track := tracker.tracks[idx]
		track.misses++
		switch {
		case track.status == TrackConfirmed && track.misses >= tracker.cfg.MaxAge:
			result.Finalized = append(result.Finalized, track.finalize())
			removed[idx] = struct{}{}
		case track.status == TrackTentative && track.misses >= tracker.cfg.MaxAgeTentative:
			result.Discarded = append(result.Discarded, track.id)
			removed[idx] = struct{}{}
		}
	}

	live := make([]*Track, 0, len(tracker.tracks)+len(association.UnmatchedDetections))
	for i, track := range tracker.tracks {
		if _, ok := removed[i]; !ok {
			live = append(live, track)
		}
	}
	// Spawned ids are larger than any existing one, so live stays sorted
	for _, detIdx := range association.UnmatchedDetections {
		detection := accepted[detIdx]
		if detection.Confidence < tracker.cfg.MinSpawnConfidence {
			continue
		}
		track := newTrack(tracker.nextID, frame, detection, tracker.cfg.Kalman)
		tracker.nextID++
		if track.hits >= tracker.cfg.MinHits {
			track.status = TrackConfirmed
			track.confirmedFrame = frame.Index
		}
		live = append(live, track)
		result.Spawned = append(result.Spawned, track.id)
	}
	tracker.tracks = live
	tracker.lastTimestamp = frame.Timestamp
	tracker.lastFrame = frame.Index
	tracker.hasTimestamp = true
	return result, nil
}

// Finish ends the stream: confirmed tracks are finalized with exit time of their
// last detection, tentative tracks are discarded. Tracker is empty afterwards.
func (tracker *Tracker) Finish() []FinalizedObject {
	finalized := make([]FinalizedObject, 0, len(tracker.tracks))
	for _, track := range tracker.tracks {
		if track.status == TrackConfirmed {
			finalized = append(finalized, track.finalize())
		}
	}
	tracker.tracks = make([]*Track, 0)
	return finalized
}

// Tracks returns live tracks ordered by id. Returned tracks must not be modified.
func (tracker *Tracker) Tracks() []*Track {
	return append([]*Track(nil), tracker.tracks...)
}

// LastFrame returns index of the latest applied frame or -1
func (tracker *Tracker) LastFrame() int64 {
	return tracker.lastFrame
}

// Config returns tracker configuration
func (tracker *Tracker) Config() TrackerConfig {
	return tracker.cfg
}
