package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/LdDl/mot-pipeline/pipeline"
	"github.com/pkg/errors"
)

// SaveJob inserts or replaces job
func (store *Store) SaveJob(ctx context.Context, job pipeline.Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return errors.Wrapf(err, "Can't marshal job '%s'", job.ID)
	}
	_, err = store.db.ExecContext(ctx, `
		INSERT INTO jobs (id, name, status, created_at, updated_at, data)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			status = excluded.status,
			updated_at = excluded.updated_at,
			data = excluded.data
	`, job.ID, job.Name, string(job.Status), job.CreatedAt.UnixNano(), job.UpdatedAt.UnixNano(), string(data))
	return errors.Wrapf(err, "Can't save job '%s'", job.ID)
}

// GetJob returns job by id
func (store *Store) GetJob(ctx context.Context, id string) (pipeline.Job, error) {
	var data string
	err := store.db.QueryRowContext(ctx, `SELECT data FROM jobs WHERE id = ?`, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return pipeline.Job{}, errors.Wrapf(pipeline.ErrJobNotFound, "job '%s'", id)
	}
	if err != nil {
		return pipeline.Job{}, errors.Wrapf(err, "Can't load job '%s'", id)
	}
	return decodeJob(data)
}

// ListJobs returns jobs ordered by creation time
func (store *Store) ListJobs(ctx context.Context) ([]pipeline.Job, error) {
	rows, err := store.db.QueryContext(ctx, `SELECT data FROM jobs ORDER BY created_at, id`)
	if err != nil {
		return nil, errors.Wrap(err, "Can't list jobs")
	}
	defer rows.Close()
	jobs := make([]pipeline.Job, 0)
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, errors.Wrap(err, "Can't scan job")
		}
		job, err := decodeJob(data)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, errors.Wrap(rows.Err(), "Can't list jobs")
}

// DeleteJob removes job. Removing unknown job is not an error
func (store *Store) DeleteJob(ctx context.Context, id string) error {
	_, err := store.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, id)
	return errors.Wrapf(err, "Can't delete job '%s'", id)
}

func decodeJob(data string) (pipeline.Job, error) {
	var job pipeline.Job
	if err := json.Unmarshal([]byte(data), &job); err != nil {
		return pipeline.Job{}, errors.Wrap(err, "Can't unmarshal job")
	}
	return job, nil
}
