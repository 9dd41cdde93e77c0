package mot

import (
	"sort"
	"time"
)

// TrackStatus is lifecycle state of a track
type TrackStatus uint8

const (
	// TrackTentative is a track that has not collected enough hits yet
	TrackTentative TrackStatus = iota + 1
	// TrackConfirmed is a verified track
	TrackConfirmed
	// TrackLost is a finalized track. It is never resurrected
	TrackLost
)

func (s TrackStatus) String() string {
	switch s {
	case TrackTentative:
		return "tentative"
	case TrackConfirmed:
		return "confirmed"
	case TrackLost:
		return "lost"
	default:
		return "unknown"
	}
}

// Detection is one bounding box produced by a detector for a single frame.
type Detection struct {
	Box        Rectangle `json:"box"`
	Label      string    `json:"label"`
	Confidence float64   `json:"confidence"`
	Frame      int64     `json:"frame"`
	Timestamp  time.Time `json:"timestamp"`
}

// LabelVote accumulates support of a single label over a track's lifetime.
type LabelVote struct {
	Count      int     `json:"count"`
	Confidence float64 `json:"confidence"`
}

// Track is a single physical object followed across frames.
type Track struct {
	id             uint64
	status         TrackStatus
	kf             *KalmanBox
	predictedBBox  Rectangle
	hits           int
	misses         int
	votes          map[string]LabelVote
	firstFrame     int64
	lastFrame      int64
	firstSeen      time.Time
	lastSeen       time.Time
	firstBBox      Rectangle
	lastBBox       Rectangle
	confirmedFrame int64
	videoIDs       []string
}

func newTrack(id uint64, frame FrameInfo, detection Detection, params KalmanParams) *Track {
	track := Track{
		id:             id,
		status:         TrackTentative,
		kf:             NewKalmanBox(detection.Box, params),
		predictedBBox:  detection.Box,
		votes:          make(map[string]LabelVote),
		firstFrame:     frame.Index,
		firstSeen:      frame.Timestamp,
		firstBBox:      detection.Box,
		confirmedFrame: -1,
	}
	track.observe(frame, detection)
	return &track
}

// observe folds matched detection into counters, label votes and lifetime bounds.
func (track *Track) observe(frame FrameInfo, detection Detection) {
	track.hits++
	track.misses = 0
	vote := track.votes[detection.Label]
	vote.Count++
	vote.Confidence += detection.Confidence
	track.votes[detection.Label] = vote
	track.lastFrame = frame.Index
	track.lastSeen = frame.Timestamp
	track.lastBBox = detection.Box
	track.addVideo(frame.VideoID)
}

func (track *Track) addVideo(videoID string) {
	if videoID == "" {
		return
	}
	idx := sort.SearchStrings(track.videoIDs, videoID)
	if idx < len(track.videoIDs) && track.videoIDs[idx] == videoID {
		return
	}
	track.videoIDs = append(track.videoIDs, "")
	copy(track.videoIDs[idx+1:], track.videoIDs[idx:])
	track.videoIDs[idx] = videoID
}

// GetID returns track's identifier
func (track *Track) GetID() uint64 {
	return track.id
}

// GetStatus returns track's lifecycle state
func (track *Track) GetStatus() TrackStatus {
	return track.status
}

// GetHits returns cumulative number of matched detections
func (track *Track) GetHits() int {
	return track.hits
}

// GetMisses returns number of consecutive frames without a match
func (track *Track) GetMisses() int {
	return track.misses
}

// GetBBox returns track's current (filtered) bounding box
func (track *Track) GetBBox() Rectangle {
	return track.kf.BBox()
}

// GetPredictedBBox returns box predicted for the latest processed frame
func (track *Track) GetPredictedBBox() Rectangle {
	return track.predictedBBox
}

// GetConfirmedFrame returns frame index of confirmation or -1
func (track *Track) GetConfirmedFrame() int64 {
	return track.confirmedFrame
}

// GetFirstSeen returns frame index and time of the first detection
func (track *Track) GetFirstSeen() (int64, time.Time) {
	return track.firstFrame, track.firstSeen
}

// GetLastSeen returns frame index and time of the latest matched detection
func (track *Track) GetLastSeen() (int64, time.Time) {
	return track.lastFrame, track.lastSeen
}

// GetUncertainty returns trace of track's state covariance
func (track *Track) GetUncertainty() float64 {
	return track.kf.Uncertainty()
}

// BestLabel returns label with the most votes and its mean probability over all hits.
// Ties go to the label with higher accumulated confidence, then to the smaller label.
func (track *Track) BestLabel() (string, float64) {
	bestLabel := ""
	best := LabelVote{Count: -1}
	for label, vote := range track.votes {
		switch {
		case vote.Count > best.Count:
		case vote.Count == best.Count && vote.Confidence > best.Confidence:
		case vote.Count == best.Count && vote.Confidence == best.Confidence && label < bestLabel:
		default:
			continue
		}
		bestLabel = label
		best = vote
	}
	if track.hits == 0 || best.Count < 0 {
		return bestLabel, 0
	}
	return bestLabel, best.Confidence / float64(track.hits)
}

// FinalizedObject is immutable output record of a finished track.
type FinalizedObject struct {
	TrackID        uint64    `json:"track_id"`
	Label          string    `json:"label"`
	Probability    float64   `json:"probability"`
	EntryFrame     int64     `json:"entry_frame"`
	ExitFrame      int64     `json:"exit_frame"`
	EntryTime      time.Time `json:"entry_time"`
	ExitTime       time.Time `json:"exit_time"`
	ConfirmedFrame int64     `json:"confirmed_frame"`
	Hits           int       `json:"hits"`
	Displacement   float64   `json:"displacement"`
	VideoIDs       []string  `json:"video_ids"`
}

func (track *Track) finalize() FinalizedObject {
	track.status = TrackLost
	label, probability := track.BestLabel()
	return FinalizedObject{
		TrackID:        track.id,
		Label:          label,
		Probability:    probability,
		EntryFrame:     track.firstFrame,
		ExitFrame:      track.lastFrame,
		EntryTime:      track.firstSeen,
		ExitTime:       track.lastSeen,
		ConfirmedFrame: track.confirmedFrame,
		Hits:           track.hits,
		Displacement:   euclideanDistance(track.firstBBox.Center(), track.lastBBox.Center()),
		VideoIDs:       append([]string(nil), track.videoIDs...),
	}
}
