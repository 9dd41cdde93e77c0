// Package report maps finalized tracks into object records and aggregates them for listings, statistics and charts.
package report

import (
	"strconv"
	"time"

	"github.com/LdDl/mot-pipeline/mot"
	"github.com/google/uuid"
)

// recordNamespace seeds deterministic record ids
var recordNamespace = uuid.MustParse("6f1c7c52-4a0e-4b8e-9d55-1f3c2a9e0b7d")

// ObjectRecord is a finalized object as exposed by listings.
type ObjectRecord struct {
	// Deterministic id derived from job id and track id
	ID             string    `json:"id"`
	JobID          string    `json:"job_id"`
	TrackID        uint64    `json:"track_id"`
	Label          string    `json:"label"`
	Probability    float64   `json:"probability"`
	TimeIn         time.Time `json:"time_in"`
	TimeOut        time.Time `json:"time_out"`
	FrameIn        int64     `json:"frame_in"`
	FrameOut       int64     `json:"frame_out"`
	ConfirmedFrame int64     `json:"confirmed_frame"`
	Hits           int       `json:"hits"`
	Displacement   float64   `json:"displacement"`
	VideoIDs       []string  `json:"video_ids"`
}

// RecordID returns id of the record for a track of a job. Same input always yields same id.
func RecordID(jobID string, trackID uint64) string {
	return uuid.NewSHA1(recordNamespace, []byte(jobID+"/"+strconv.FormatUint(trackID, 10))).String()
}

// FromFinalized converts finalized track into record
func FromFinalized(jobID string, object mot.FinalizedObject) ObjectRecord {
	videoIDs := object.VideoIDs
	if videoIDs == nil {
		videoIDs = []string{}
	}
	return ObjectRecord{
		ID:             RecordID(jobID, object.TrackID),
		JobID:          jobID,
		TrackID:        object.TrackID,
		Label:          object.Label,
		Probability:    object.Probability,
		TimeIn:         object.EntryTime,
		TimeOut:        object.ExitTime,
		FrameIn:        object.EntryFrame,
		FrameOut:       object.ExitFrame,
		ConfirmedFrame: object.ConfirmedFrame,
		Hits:           object.Hits,
		Displacement:   object.Displacement,
		VideoIDs:       append([]string(nil), videoIDs...),
	}
}

// Duration returns time the object stayed in view
func (record ObjectRecord) Duration() time.Duration {
	return record.TimeOut.Sub(record.TimeIn)
}
