// Package filestore keeps jobs, checkpoints and objects as JSON files.
//
// Directory layout:
//
//	<root>/<job_id>/job.json
//	<root>/<job_id>/checkpoint.json
//	<root>/<job_id>/objects.json
//
// Every file is replaced atomically: written to a temporary file, then renamed.
package filestore

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/LdDl/mot-pipeline/pipeline"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const (
	jobFile        = "job.json"
	checkpointFile = "checkpoint.json"
	objectsFile    = "objects.json"
)

// Store implements pipeline.Backend over a directory
type Store struct {
	root   string
	logger *zap.Logger
	// Serializes read-modify-write of objects files
	mu sync.Mutex
}

var _ pipeline.Backend = (*Store)(nil)

// Open creates root directory if needed
func Open(root string, logger *zap.Logger) (*Store, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		return nil, errors.New("file store root dir is empty")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, errors.Wrapf(err, "Can't create file store root '%s'", root)
	}
	return &Store{
		root:   root,
		logger: logger,
	}, nil
}

// Close is a no-op
func (store *Store) Close() error {
	return nil
}

func (store *Store) jobDir(jobID string) (string, error) {
	if jobID == "" || jobID == "." || jobID == ".." || strings.ContainsAny(jobID, `/\`) {
		return "", errors.Errorf("invalid job id '%s'", jobID)
	}
	return filepath.Join(store.root, jobID), nil
}

func (store *Store) path(jobID, name string) (string, error) {
	dir, err := store.jobDir(jobID)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, name), nil
}

// writeFile replaces file with data so that readers never see a partial write
func writeFile(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return errors.Wrapf(err, "Can't create dir '%s'", dir)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp.*")
	if err != nil {
		return errors.Wrap(err, "Can't create temp file")
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return errors.Wrapf(err, "Can't write '%s'", tmpName)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return errors.Wrapf(err, "Can't sync '%s'", tmpName)
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrapf(err, "Can't close '%s'", tmpName)
	}
	return errors.Wrapf(os.Rename(tmpName, path), "Can't rename into '%s'", path)
}

func writeJSON(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errors.Wrapf(err, "Can't marshal '%s'", filepath.Base(path))
	}
	return writeFile(path, append(data, '\n'))
}

func removeFile(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return errors.Wrapf(err, "Can't remove '%s'", path)
	}
	return nil
}

// SaveJob writes job.json
func (store *Store) SaveJob(ctx context.Context, job pipeline.Job) error {
	path, err := store.path(job.ID, jobFile)
	if err != nil {
		return err
	}
	return writeJSON(path, job)
}

// GetJob reads job.json
func (store *Store) GetJob(ctx context.Context, id string) (pipeline.Job, error) {
	path, err := store.path(id, jobFile)
	if err != nil {
		return pipeline.Job{}, errors.Wrap(pipeline.ErrJobNotFound, err.Error())
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return pipeline.Job{}, errors.Wrapf(pipeline.ErrJobNotFound, "job '%s'", id)
	}
	if err != nil {
		return pipeline.Job{}, errors.Wrapf(err, "Can't read job '%s'", id)
	}
	var job pipeline.Job
	if err := json.Unmarshal(data, &job); err != nil {
		return pipeline.Job{}, errors.Wrapf(err, "Can't parse job '%s'", id)
	}
	return job, nil
}

// ListJobs returns jobs ordered by creation time. Unreadable entries are skipped
func (store *Store) ListJobs(ctx context.Context) ([]pipeline.Job, error) {
	entries, err := os.ReadDir(store.root)
	if err != nil {
		return nil, errors.Wrap(err, "Can't read file store root")
	}
	jobs := make([]pipeline.Job, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		job, err := store.GetJob(ctx, entry.Name())
		if errors.Is(err, pipeline.ErrJobNotFound) {
			continue
		}
		if err != nil {
			store.logger.Warn("Skip unreadable job", zap.String("job_id", entry.Name()), zap.Error(err))
			continue
		}
		jobs = append(jobs, job)
	}
	sort.Slice(jobs, func(i, j int) bool {
		if !jobs[i].CreatedAt.Equal(jobs[j].CreatedAt) {
			return jobs[i].CreatedAt.Before(jobs[j].CreatedAt)
		}
		return jobs[i].ID < jobs[j].ID
	})
	return jobs, nil
}

// DeleteJob removes job.json and the job directory once it is empty
func (store *Store) DeleteJob(ctx context.Context, id string) error {
	dir, err := store.jobDir(id)
	if err != nil {
		return err
	}
	if err := removeFile(filepath.Join(dir, jobFile)); err != nil {
		return err
	}
	// Fails while other files of the job are left
	_ = os.Remove(dir)
	return nil
}

// SaveCheckpoint replaces checkpoint.json
func (store *Store) SaveCheckpoint(ctx context.Context, checkpoint pipeline.Checkpoint) error {
	path, err := store.path(checkpoint.JobID, checkpointFile)
	if err != nil {
		return err
	}
	data, err := pipeline.EncodeCheckpoint(checkpoint)
	if err != nil {
		return err
	}
	return writeFile(path, data)
}

// LoadCheckpoint reads checkpoint.json
func (store *Store) LoadCheckpoint(ctx context.Context, jobID string) (pipeline.Checkpoint, error) {
	path, err := store.path(jobID, checkpointFile)
	if err != nil {
		return pipeline.Checkpoint{}, err
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return pipeline.Checkpoint{}, errors.Wrapf(pipeline.ErrCheckpointNotFound, "job '%s'", jobID)
	}
	if err != nil {
		return pipeline.Checkpoint{}, errors.Wrapf(err, "Can't read checkpoint of job '%s'", jobID)
	}
	return pipeline.DecodeCheckpoint(data)
}

// DeleteCheckpoint removes checkpoint.json
func (store *Store) DeleteCheckpoint(ctx context.Context, jobID string) error {
	path, err := store.path(jobID, checkpointFile)
	if err != nil {
		return err
	}
	return removeFile(path)
}
