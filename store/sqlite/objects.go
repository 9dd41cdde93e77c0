package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/LdDl/mot-pipeline/report"
	"github.com/pkg/errors"
)

const objectColumns = `id, job_id, track_id, label, probability, time_in_ns, time_out_ns,
	frame_in, frame_out, confirmed_frame, hits, displacement, video_ids`

// SaveObjects upserts records by id in one transaction
func (store *Store) SaveObjects(ctx context.Context, records []report.ObjectRecord) error {
	if len(records) == 0 {
		return nil
	}
	return store.inTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO objects (`+objectColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				job_id = excluded.job_id,
				track_id = excluded.track_id,
				label = excluded.label,
				probability = excluded.probability,
				time_in_ns = excluded.time_in_ns,
				time_out_ns = excluded.time_out_ns,
				frame_in = excluded.frame_in,
				frame_out = excluded.frame_out,
				confirmed_frame = excluded.confirmed_frame,
				hits = excluded.hits,
				displacement = excluded.displacement,
				video_ids = excluded.video_ids
		`)
		if err != nil {
			return errors.Wrap(err, "Can't prepare object upsert")
		}
		defer stmt.Close()
		for _, record := range records {
			videoIDs := record.VideoIDs
			if videoIDs == nil {
				videoIDs = []string{}
			}
			videos, err := json.Marshal(videoIDs)
			if err != nil {
				return errors.Wrapf(err, "Can't marshal video ids of object '%s'", record.ID)
			}
			_, err = stmt.ExecContext(ctx,
				record.ID,
				record.JobID,
				int64(record.TrackID),
				record.Label,
				record.Probability,
				record.TimeIn.UnixNano(),
				record.TimeOut.UnixNano(),
				record.FrameIn,
				record.FrameOut,
				record.ConfirmedFrame,
				record.Hits,
				record.Displacement,
				string(videos),
			)
			if err != nil {
				return errors.Wrapf(err, "Can't save object '%s'", record.ID)
			}
		}
		return nil
	})
}

// DeleteObjects removes every record of the job
func (store *Store) DeleteObjects(ctx context.Context, jobID string) error {
	_, err := store.db.ExecContext(ctx, `DELETE FROM objects WHERE job_id = ?`, jobID)
	return errors.Wrapf(err, "Can't delete objects of job '%s'", jobID)
}

// JobObjects returns every record of the job ordered by track id
func (store *Store) JobObjects(ctx context.Context, jobID string) ([]report.ObjectRecord, error) {
	return store.queryObjects(ctx, `SELECT `+objectColumns+` FROM objects WHERE job_id = ? ORDER BY track_id`, jobID)
}

// ListObjects filters, orders and pages records in SQL with the same semantics as report.Apply
func (store *Store) ListObjects(ctx context.Context, q report.Query) (report.Page, error) {
	q, err := q.Normalize()
	if err != nil {
		return report.Page{}, err
	}
	where, args := objectFilter(q)

	var total int
	if err := store.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM objects`+where, args...).Scan(&total); err != nil {
		return report.Page{}, errors.Wrap(err, "Can't count objects")
	}
	items, err := store.queryObjects(ctx,
		`SELECT `+objectColumns+` FROM objects`+where+` ORDER BY `+objectOrder(q)+` LIMIT ? OFFSET ?`,
		append(args, q.Limit, q.Offset)...,
	)
	if err != nil {
		return report.Page{}, err
	}
	return report.Page{
		Items:  items,
		Total:  total,
		Offset: q.Offset,
		Limit:  q.Limit,
	}, nil
}

func objectFilter(q report.Query) (string, []interface{}) {
	conditions := []string{"probability >= ?"}
	args := []interface{}{q.MinProbability}
	if q.JobID != "" {
		conditions = append(conditions, "job_id = ?")
		args = append(args, q.JobID)
	}
	if q.Label != "" {
		conditions = append(conditions, "label = ?")
		args = append(args, q.Label)
	}
	if !q.From.IsZero() {
		conditions = append(conditions, "time_out_ns >= ?")
		args = append(args, q.From.UnixNano())
	}
	if !q.To.IsZero() {
		conditions = append(conditions, "time_in_ns <= ?")
		args = append(args, q.To.UnixNano())
	}
	return " WHERE " + strings.Join(conditions, " AND "), args
}

// objectOrder mirrors report.Query.Less
func objectOrder(q report.Query) string {
	direction := "ASC"
	if q.Desc {
		direction = "DESC"
	}
	var column string
	switch q.Sort {
	case report.SortByTimeOut:
		column = "time_out_ns"
	case report.SortByProbability:
		column = "probability"
	case report.SortByLabel:
		column = "label"
	case report.SortByID:
	default:
		column = "time_in_ns"
	}
	order := make([]string, 0, 4)
	if column != "" {
		order = append(order, column+" "+direction)
	}
	return strings.Join(append(order, "job_id ASC", "track_id "+direction, "id ASC"), ", ")
}

func (store *Store) queryObjects(ctx context.Context, query string, args ...interface{}) ([]report.ObjectRecord, error) {
	rows, err := store.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "Can't query objects")
	}
	defer rows.Close()
	records := make([]report.ObjectRecord, 0)
	for rows.Next() {
		var (
			record          report.ObjectRecord
			trackID         int64
			timeIn, timeOut int64
			videos          string
		)
		err := rows.Scan(
			&record.ID,
			&record.JobID,
			&trackID,
			&record.Label,
			&record.Probability,
			&timeIn,
			&timeOut,
			&record.FrameIn,
			&record.FrameOut,
			&record.ConfirmedFrame,
			&record.Hits,
			&record.Displacement,
			&videos,
		)
		if err != nil {
			return nil, errors.Wrap(err, "Can't scan object")
		}
		record.TrackID = uint64(trackID)
		record.TimeIn = time.Unix(0, timeIn).UTC()
		record.TimeOut = time.Unix(0, timeOut).UTC()
		if err := json.Unmarshal([]byte(videos), &record.VideoIDs); err != nil {
			return nil, errors.Wrapf(err, "Can't unmarshal video ids of object '%s'", record.ID)
		}
		records = append(records, record)
	}
	return records, errors.Wrap(rows.Err(), "Can't read objects")
}
