package filestore

import (
	"context"
	"encoding/json"
	"os"
	"sort"

	"github.com/LdDl/mot-pipeline/report"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

func (store *Store) readObjects(jobID string) ([]report.ObjectRecord, error) {
	path, err := store.path(jobID, objectsFile)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return []report.ObjectRecord{}, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "Can't read objects of job '%s'", jobID)
	}
	records := make([]report.ObjectRecord, 0)
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, errors.Wrapf(err, "Can't parse objects of job '%s'", jobID)
	}
	return records, nil
}

// SaveObjects merges records into objects.json of their jobs. A record with a known id replaces the old one
func (store *Store) SaveObjects(ctx context.Context, records []report.ObjectRecord) error {
	if len(records) == 0 {
		return nil
	}
	byJob := make(map[string][]report.ObjectRecord)
	for _, record := range records {
		byJob[record.JobID] = append(byJob[record.JobID], record)
	}
	store.mu.Lock()
	defer store.mu.Unlock()
	for jobID, incoming := range byJob {
		existing, err := store.readObjects(jobID)
		if err != nil {
			return err
		}
		merged := make(map[string]report.ObjectRecord, len(existing)+len(incoming))
		for _, record := range existing {
			merged[record.ID] = record
		}
		for _, record := range incoming {
			merged[record.ID] = record
		}
		out := make([]report.ObjectRecord, 0, len(merged))
		for _, record := range merged {
			out = append(out, record)
		}
		sortByTrack(out)
		path, err := store.path(jobID, objectsFile)
		if err != nil {
			return err
		}
		if err := writeJSON(path, out); err != nil {
			return err
		}
		store.logger.Debug("Objects saved", zap.String("job_id", jobID), zap.Int("new", len(incoming)), zap.Int("total", len(out)))
	}
	return nil
}

// DeleteObjects removes objects.json of the job
func (store *Store) DeleteObjects(ctx context.Context, jobID string) error {
	path, err := store.path(jobID, objectsFile)
	if err != nil {
		return err
	}
	store.mu.Lock()
	defer store.mu.Unlock()
	return removeFile(path)
}

// JobObjects returns every record of the job ordered by track id
func (store *Store) JobObjects(ctx context.Context, jobID string) ([]report.ObjectRecord, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	return store.readObjects(jobID)
}

// ListObjects loads records of the queried job (or of every job) and lists them in memory
func (store *Store) ListObjects(ctx context.Context, q report.Query) (report.Page, error) {
	if q.JobID != "" {
		records, err := store.JobObjects(ctx, q.JobID)
		if err != nil {
			return report.Page{}, err
		}
		return report.Apply(records, q)
	}
	entries, err := os.ReadDir(store.root)
	if err != nil {
		return report.Page{}, errors.Wrap(err, "Can't read file store root")
	}
	all := make([]report.ObjectRecord, 0)
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		records, err := store.JobObjects(ctx, entry.Name())
		if err != nil {
			return report.Page{}, err
		}
		all = append(all, records...)
	}
	return report.Apply(all, q)
}

func sortByTrack(records []report.ObjectRecord) {
	sort.Slice(records, func(i, j int) bool {
		if records[i].TrackID != records[j].TrackID {
			return records[i].TrackID < records[j].TrackID
		}
		return records[i].ID < records[j].ID
	})
}
