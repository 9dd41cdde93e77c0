package pipeline

import (
	"context"
	"sort"
	"sync"

	"github.com/LdDl/mot-pipeline/report"
)

// memStore keeps everything in memory. Checkpoints are kept encoded to go through the same path as durable stores.
type memStore struct {
	mu          sync.Mutex
	jobs        map[string]Job
	checkpoints map[string][]byte
	objects     map[string]report.ObjectRecord
}

func newMemStore() *memStore {
	return &memStore{
		jobs:        make(map[string]Job),
		checkpoints: make(map[string][]byte),
		objects:     make(map[string]report.ObjectRecord),
	}
}

func (store *memStore) SaveJob(ctx context.Context, job Job) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	store.jobs[job.ID] = job
	return nil
}

func (store *memStore) GetJob(ctx context.Context, id string) (Job, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	job, ok := store.jobs[id]
	if !ok {
		return Job{}, ErrJobNotFound
	}
	return job, nil
}

func (store *memStore) ListJobs(ctx context.Context) ([]Job, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	jobs := make([]Job, 0, len(store.jobs))
	for _, job := range store.jobs {
		jobs = append(jobs, job)
	}
	return jobs, nil
}

func (store *memStore) DeleteJob(ctx context.Context, id string) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	delete(store.jobs, id)
	return nil
}

func (store *memStore) SaveCheckpoint(ctx context.Context, checkpoint Checkpoint) error {
	data, err := EncodeCheckpoint(checkpoint)
	if err != nil {
		return err
	}
	store.mu.Lock()
	defer store.mu.Unlock()
	store.checkpoints[checkpoint.JobID] = data
	return nil
}

func (store *memStore) LoadCheckpoint(ctx context.Context, jobID string) (Checkpoint, error) {
	store.mu.Lock()
	data, ok := store.checkpoints[jobID]
	store.mu.Unlock()
	if !ok {
		return Checkpoint{}, ErrCheckpointNotFound
	}
	return DecodeCheckpoint(data)
}

func (store *memStore) DeleteCheckpoint(ctx context.Context, jobID string) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	delete(store.checkpoints, jobID)
	return nil
}

func (store *memStore) SaveObjects(ctx context.Context, records []report.ObjectRecord) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	for _, record := range records {
		store.objects[record.ID] = record
	}
	return nil
}

func (store *memStore) DeleteObjects(ctx context.Context, jobID string) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	for id, record := range store.objects {
		if record.JobID == jobID {
			delete(store.objects, id)
		}
	}
	return nil
}

// jobObjects returns records of the job ordered by track id
func (store *memStore) jobObjects(jobID string) []report.ObjectRecord {
	store.mu.Lock()
	defer store.mu.Unlock()
	records := make([]report.ObjectRecord, 0)
	for _, record := range store.objects {
		if record.JobID == jobID {
			records = append(records, record)
		}
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].TrackID < records[j].TrackID
	})
	return records
}

func (store *memStore) corruptCheckpoint(jobID string) {
	store.mu.Lock()
	defer store.mu.Unlock()
	data := store.checkpoints[jobID]
	store.checkpoints[jobID] = data[:len(data)/2]
}
