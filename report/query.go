package report

import (
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// SortField is a column object listings can be ordered by
type SortField string

const (
	SortByID          SortField = "id"
	SortByTimeIn      SortField = "time_in"
	SortByTimeOut     SortField = "time_out"
	SortByProbability SortField = "probability"
	SortByLabel       SortField = "label"
)

const (
	DefaultLimit = 50
	MaxLimit     = 1000
)

// ParseSortField converts string into SortField. Empty string means time_in
func ParseSortField(s string) (SortField, error) {
	switch field := SortField(strings.ToLower(strings.TrimSpace(s))); field {
	case "":
		return SortByTimeIn, nil
	case SortByID, SortByTimeIn, SortByTimeOut, SortByProbability, SortByLabel:
		return field, nil
	default:
		return "", errors.Errorf("can't sort by '%s'", s)
	}
}

// Query selects and orders object records. Zero values disable filters.
type Query struct {
	JobID string
	Label string
	// Objects staying in view at any moment of [From, To]
	From           time.Time
	To             time.Time
	MinProbability float64
	Sort           SortField
	Desc           bool
	Offset         int
	Limit          int
}

// Normalize fills defaults and clamps paging
func (q Query) Normalize() (Query, error) {
	field, err := ParseSortField(string(q.Sort))
	if err != nil {
		return q, err
	}
	q.Sort = field
	if q.Offset < 0 {
		return q, errors.Errorf("negative offset %d", q.Offset)
	}
	if q.Limit <= 0 {
		q.Limit = DefaultLimit
	}
	if q.Limit > MaxLimit {
		q.Limit = MaxLimit
	}
	if !q.From.IsZero() && !q.To.IsZero() && q.To.Before(q.From) {
		return q, errors.Errorf("time range ends (%s) before it starts (%s)", q.To, q.From)
	}
	return q, nil
}

// Matches reports whether record passes every filter of the query
func (q Query) Matches(record ObjectRecord) bool {
	if q.JobID != "" && record.JobID != q.JobID {
		return false
	}
	if q.Label != "" && record.Label != q.Label {
		return false
	}
	if !q.From.IsZero() && record.TimeOut.Before(q.From) {
		return false
	}
	if !q.To.IsZero() && record.TimeIn.After(q.To) {
		return false
	}
	return record.Probability >= q.MinProbability
}

// Page is a single page of a listing
type Page struct {
	Items  []ObjectRecord `json:"items"`
	Total  int            `json:"total"`
	Offset int            `json:"offset"`
	Limit  int            `json:"limit"`
}

// Less orders records by the query sort field. Ties are broken by track id, then record id
func (q Query) Less(a, b ObjectRecord) bool {
	var less, greater bool
	switch q.Sort {
	case SortByTimeOut:
		less, greater = a.TimeOut.Before(b.TimeOut), a.TimeOut.After(b.TimeOut)
	case SortByProbability:
		less, greater = a.Probability < b.Probability, a.Probability > b.Probability
	case SortByLabel:
		less, greater = a.Label < b.Label, a.Label > b.Label
	case SortByID:
	default:
		less, greater = a.TimeIn.Before(b.TimeIn), a.TimeIn.After(b.TimeIn)
	}
	if q.Desc {
		less, greater = greater, less
	}
	if less || greater {
		return less
	}
	if a.JobID != b.JobID {
		return a.JobID < b.JobID
	}
	if a.TrackID != b.TrackID {
		return (a.TrackID < b.TrackID) != q.Desc
	}
	return a.ID < b.ID
}

// Apply filters, sorts and pages records in memory
func Apply(records []ObjectRecord, q Query) (Page, error) {
	q, err := q.Normalize()
	if err != nil {
		return Page{}, err
	}
	selected := make([]ObjectRecord, 0, len(records))
	for _, record := range records {
		if q.Matches(record) {
			selected = append(selected, record)
		}
	}
	sort.SliceStable(selected, func(i, j int) bool {
		return q.Less(selected[i], selected[j])
	})
	page := Page{
		Items:  make([]ObjectRecord, 0),
		Total:  len(selected),
		Offset: q.Offset,
		Limit:  q.Limit,
	}
	if q.Offset < len(selected) {
		end := q.Offset + q.Limit
		if end > len(selected) {
			end = len(selected)
		}
		page.Items = append(page.Items, selected[q.Offset:end]...)
	}
	return page, nil
}
