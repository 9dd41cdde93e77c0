package pipeline

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/LdDl/mot-pipeline/mot"
	"github.com/LdDl/mot-pipeline/source"
	"github.com/pkg/errors"
)

const checkpointVersion = 1

// Checkpoint is durable state of a job sufficient to resume it bit for bit.
type Checkpoint struct {
	JobID string `json:"job_id"`
	// Grows by one with every flush
	Seq uint64 `json:"seq"`
	// Position of the next frame to process
	Cursor     source.Cursor `json:"cursor"`
	FramesDone int64         `json:"frames_done"`
	// Last frame applied to the tracker. -1 if none
	LastGoodFrame int64               `json:"last_good_frame"`
	Objects       int64               `json:"objects"`
	Tracker       mot.TrackerSnapshot `json:"tracker"`
	CreatedAt     time.Time           `json:"created_at"`
}

// Validate checks checkpoint belongs to the job and is internally consistent
func (checkpoint Checkpoint) Validate(jobID string) error {
	if checkpoint.JobID != jobID {
		return errors.Wrapf(ErrCorruptCheckpoint, "checkpoint of job '%s' loaded for job '%s'", checkpoint.JobID, jobID)
	}
	if checkpoint.Seq == 0 {
		return errors.Wrap(ErrCorruptCheckpoint, "zero sequence number")
	}
	if checkpoint.FramesDone < 0 || checkpoint.Cursor.Frame < 0 || checkpoint.Cursor.VideoIndex < 0 {
		return errors.Wrapf(ErrCorruptCheckpoint, "negative position %+v", checkpoint.Cursor)
	}
	return nil
}

type checkpointEnvelope struct {
	Version  int             `json:"version"`
	Checksum string          `json:"checksum"`
	Payload  json.RawMessage `json:"payload"`
}

// EncodeCheckpoint serializes checkpoint with a checksum of its payload
func EncodeCheckpoint(checkpoint Checkpoint) ([]byte, error) {
	payload, err := json.Marshal(checkpoint)
	if err != nil {
		return nil, errors.Wrap(err, "Can't marshal checkpoint")
	}
	sum := sha256.Sum256(payload)
	return json.Marshal(checkpointEnvelope{
		Version:  checkpointVersion,
		Checksum: hex.EncodeToString(sum[:]),
		Payload:  payload,
	})
}

// DecodeCheckpoint parses and verifies checkpoint. Any damage is reported as ErrCorruptCheckpoint.
func DecodeCheckpoint(data []byte) (Checkpoint, error) {
	var envelope checkpointEnvelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		return Checkpoint{}, errors.Wrap(ErrCorruptCheckpoint, err.Error())
	}
	if envelope.Version != checkpointVersion {
		return Checkpoint{}, errors.Wrapf(ErrCorruptCheckpoint, "unsupported version %d", envelope.Version)
	}
	sum := sha256.Sum256(envelope.Payload)
	if hex.EncodeToString(sum[:]) != envelope.Checksum {
		return Checkpoint{}, errors.Wrap(ErrCorruptCheckpoint, "checksum mismatch")
	}
	var checkpoint Checkpoint
	if err := json.Unmarshal(envelope.Payload, &checkpoint); err != nil {
		return Checkpoint{}, errors.Wrap(ErrCorruptCheckpoint, err.Error())
	}
	return checkpoint, nil
}
