package sqlite

import (
	"context"
	"database/sql"

	"github.com/LdDl/mot-pipeline/pipeline"
	"github.com/pkg/errors"
)

// SaveCheckpoint replaces the checkpoint of the job in a single statement
func (store *Store) SaveCheckpoint(ctx context.Context, checkpoint pipeline.Checkpoint) error {
	data, err := pipeline.EncodeCheckpoint(checkpoint)
	if err != nil {
		return err
	}
	_, err = store.db.ExecContext(ctx, `
		INSERT INTO checkpoints (job_id, seq, created_at, data)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(job_id) DO UPDATE SET
			seq = excluded.seq,
			created_at = excluded.created_at,
			data = excluded.data
	`, checkpoint.JobID, int64(checkpoint.Seq), checkpoint.CreatedAt.UnixNano(), data)
	return errors.Wrapf(err, "Can't save checkpoint %d of job '%s'", checkpoint.Seq, checkpoint.JobID)
}

// LoadCheckpoint returns the latest checkpoint of the job
func (store *Store) LoadCheckpoint(ctx context.Context, jobID string) (pipeline.Checkpoint, error) {
	var data []byte
	err := store.db.QueryRowContext(ctx, `SELECT data FROM checkpoints WHERE job_id = ?`, jobID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return pipeline.Checkpoint{}, errors.Wrapf(pipeline.ErrCheckpointNotFound, "job '%s'", jobID)
	}
	if err != nil {
		return pipeline.Checkpoint{}, errors.Wrapf(err, "Can't load checkpoint of job '%s'", jobID)
	}
	return pipeline.DecodeCheckpoint(data)
}

// DeleteCheckpoint removes checkpoint of the job if any
func (store *Store) DeleteCheckpoint(ctx context.Context, jobID string) error {
	_, err := store.db.ExecContext(ctx, `DELETE FROM checkpoints WHERE job_id = ?`, jobID)
	return errors.Wrapf(err, "Can't delete checkpoint of job '%s'", jobID)
}
