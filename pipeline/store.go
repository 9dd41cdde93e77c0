package pipeline

import (
	"context"

	"github.com/LdDl/mot-pipeline/report"
)

// JobStore persists jobs. GetJob returns ErrJobNotFound for unknown ids.
type JobStore interface {
	SaveJob(ctx context.Context, job Job) error
	GetJob(ctx context.Context, id string) (Job, error)
	ListJobs(ctx context.Context) ([]Job, error)
	DeleteJob(ctx context.Context, id string) error
}

// CheckpointStore keeps the latest checkpoint of every job. Saving must be atomic:
// a reader sees either the previous or the new checkpoint.
type CheckpointStore interface {
	SaveCheckpoint(ctx context.Context, checkpoint Checkpoint) error
	// LoadCheckpoint returns ErrCheckpointNotFound or ErrCorruptCheckpoint on failure
	LoadCheckpoint(ctx context.Context, jobID string) (Checkpoint, error)
	DeleteCheckpoint(ctx context.Context, jobID string) error
}

// ObjectSink receives finalized objects. Saving a record with an existing id overwrites it.
type ObjectSink interface {
	SaveObjects(ctx context.Context, records []report.ObjectRecord) error
	DeleteObjects(ctx context.Context, jobID string) error
}

// Store is everything a scheduler persists.
type Store interface {
	JobStore
	CheckpointStore
	ObjectSink
}

// ObjectReader serves listings of persisted objects.
type ObjectReader interface {
	ListObjects(ctx context.Context, q report.Query) (report.Page, error)
	// JobObjects returns every record of the job ordered by track id
	JobObjects(ctx context.Context, jobID string) ([]report.ObjectRecord, error)
}

// Backend is a durable store the command line and the HTTP server work with.
type Backend interface {
	Store
	ObjectReader
	Close() error
}
