package mot

import (
	"sort"
	"time"

	"github.com/pkg/errors"
)

// TrackSnapshot is serializable state of a single live track.
type TrackSnapshot struct {
	ID             uint64               `json:"id"`
	Status         TrackStatus          `json:"status"`
	Mean           []float64            `json:"mean"`
	Covariance     []float64            `json:"covariance"`
	PredictedBBox  Rectangle            `json:"predicted_bbox"`
	Hits           int                  `json:"hits"`
	Misses         int                  `json:"misses"`
	Votes          map[string]LabelVote `json:"votes"`
	FirstFrame     int64                `json:"first_frame"`
	LastFrame      int64                `json:"last_frame"`
	FirstSeen      int64                `json:"first_seen_ns"`
	LastSeen       int64                `json:"last_seen_ns"`
	FirstBBox      Rectangle            `json:"first_bbox"`
	LastBBox       Rectangle            `json:"last_bbox"`
	ConfirmedFrame int64                `json:"confirmed_frame"`
	VideoIDs       []string             `json:"video_ids"`
}

// TrackerSnapshot is serializable state of the whole tracker. Restoring it
// yields a tracker that behaves exactly like the one it was taken from.
type TrackerSnapshot struct {
	NextID        uint64          `json:"next_id"`
	LastFrame     int64           `json:"last_frame"`
	LastTimestamp int64           `json:"last_timestamp_ns"`
	HasTimestamp  bool            `json:"has_timestamp"`
	Tracks        []TrackSnapshot `json:"tracks"`
}

// Snapshot exports full tracker state including tentative tracks
func (tracker *Tracker) Snapshot() TrackerSnapshot {
	snapshot := TrackerSnapshot{
		NextID:       tracker.nextID,
		LastFrame:    tracker.lastFrame,
		HasTimestamp: tracker.hasTimestamp,
		Tracks:       make([]TrackSnapshot, 0, len(tracker.tracks)),
	}
	if tracker.hasTimestamp {
		snapshot.LastTimestamp = tracker.lastTimestamp.UnixNano()
	}
	for _, track := range tracker.tracks {
		votes := make(map[string]LabelVote, len(track.votes))
		for label, vote := range track.votes {
			votes[label] = vote
		}
		snapshot.Tracks = append(snapshot.Tracks, TrackSnapshot{
			ID:             track.id,
			Status:         track.status,
			Mean:           track.kf.Mean(),
			Covariance:     track.kf.Covariance(),
			PredictedBBox:  track.predictedBBox,
			Hits:           track.hits,
			Misses:         track.misses,
			Votes:          votes,
			FirstFrame:     track.firstFrame,
			LastFrame:      track.lastFrame,
			FirstSeen:      track.firstSeen.UnixNano(),
			LastSeen:       track.lastSeen.UnixNano(),
			FirstBBox:      track.firstBBox,
			LastBBox:       track.lastBBox,
			ConfirmedFrame: track.confirmedFrame,
			VideoIDs:       append([]string(nil), track.videoIDs...),
		})
	}
	return snapshot
}

// RestoreTracker rebuilds tracker from snapshot. Any inconsistency is reported as ErrCorruptSnapshot.
func RestoreTracker(cfg TrackerConfig, snapshot TrackerSnapshot) (*Tracker, error) {
	tracker, err := NewTracker(cfg)
	if err != nil {
		return nil, err
	}
	if snapshot.NextID < 1 {
		return nil, errors.Wrap(ErrCorruptSnapshot, "next id must be positive")
	}
	if len(snapshot.Tracks) > 0 && !snapshot.HasTimestamp {
		return nil, errors.Wrap(ErrCorruptSnapshot, "live tracks without last timestamp")
	}
	tracker.nextID = snapshot.NextID
	tracker.lastFrame = snapshot.LastFrame
	tracker.hasTimestamp = snapshot.HasTimestamp
	if snapshot.HasTimestamp {
		tracker.lastTimestamp = time.Unix(0, snapshot.LastTimestamp).UTC()
	}
	var prevID uint64
	for i, state := range snapshot.Tracks {
		if state.ID == 0 || state.ID >= snapshot.NextID || (i > 0 && state.ID <= prevID) {
			return nil, errors.Wrapf(ErrCorruptSnapshot, "track id %d is out of order or range", state.ID)
		}
		prevID = state.ID
		if state.Status != TrackTentative && state.Status != TrackConfirmed {
			return nil, errors.Wrapf(ErrCorruptSnapshot, "track %d has status %s", state.ID, state.Status)
		}
		if state.Hits < 1 || state.Misses < 0 {
			return nil, errors.Wrapf(ErrCorruptSnapshot, "track %d has hits=%d misses=%d", state.ID, state.Hits, state.Misses)
		}
		kf, err := restoreKalmanBox(state.Mean, state.Covariance, cfg.Kalman)
		if err != nil {
			return nil, errors.Wrapf(err, "track %d", state.ID)
		}
		votes := make(map[string]LabelVote, len(state.Votes))
		for label, vote := range state.Votes {
			votes[label] = vote
		}
		videoIDs := append([]string(nil), state.VideoIDs...)
		if !sort.StringsAreSorted(videoIDs) {
			return nil, errors.Wrapf(ErrCorruptSnapshot, "track %d video ids are not sorted", state.ID)
		}
		tracker.tracks = append(tracker.tracks, &Track{
			id:             state.ID,
			status:         state.Status,
			kf:             kf,
			predictedBBox:  state.PredictedBBox,
			hits:           state.Hits,
			misses:         state.Misses,
			votes:          votes,
			firstFrame:     state.FirstFrame,
			lastFrame:      state.LastFrame,
			firstSeen:      time.Unix(0, state.FirstSeen).UTC(),
			lastSeen:       time.Unix(0, state.LastSeen).UTC(),
			firstBBox:      state.FirstBBox,
			lastBBox:       state.LastBBox,
			confirmedFrame: state.ConfirmedFrame,
			videoIDs:       videoIDs,
		})
	}
	return tracker, nil
}
