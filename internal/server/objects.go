package server

import (
	"bytes"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/LdDl/mot-pipeline/report"
	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
)

// parseQuery reads listing parameters: start, length, sort, order, label, from, to, min_probability
func parseQuery(r *http.Request) (report.Query, error) {
	values := r.URL.Query()
	q := report.Query{
		JobID: values.Get("job_id"),
		Label: values.Get("label"),
	}
	var err error
	if q.Offset, err = intParam(values.Get("start")); err != nil {
		return q, errors.Wrapf(errBadRequest, "start: %s", err)
	}
	if q.Limit, err = intParam(values.Get("length")); err != nil {
		return q, errors.Wrapf(errBadRequest, "length: %s", err)
	}
	if q.Sort, err = report.ParseSortField(values.Get("sort")); err != nil {
		return q, errors.Wrap(errBadRequest, err.Error())
	}
	switch strings.ToLower(values.Get("order")) {
	case "", "asc":
	case "desc":
		q.Desc = true
	default:
		return q, errors.Wrapf(errBadRequest, "order must be asc or desc, got '%s'", values.Get("order"))
	}
	if q.From, err = timeParam(values.Get("from")); err != nil {
		return q, errors.Wrapf(errBadRequest, "from: %s", err)
	}
	if q.To, err = timeParam(values.Get("to")); err != nil {
		return q, errors.Wrapf(errBadRequest, "to: %s", err)
	}
	if raw := values.Get("min_probability"); raw != "" {
		if q.MinProbability, err = strconv.ParseFloat(raw, 64); err != nil {
			return q, errors.Wrapf(errBadRequest, "min_probability: %s", err)
		}
	}
	if jobID := chi.URLParam(r, "jobID"); jobID != "" {
		q.JobID = jobID
	}
	if _, err := q.Normalize(); err != nil {
		return q, errors.Wrap(errBadRequest, err.Error())
	}
	return q, nil
}

func intParam(raw string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	return strconv.Atoi(raw)
}

func timeParam(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

func (s *Server) handleListObjects(w http.ResponseWriter, r *http.Request) {
	q, err := parseQuery(r)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	if q.JobID != "" {
		if _, err := s.scheduler.Status(r.Context(), q.JobID); err != nil {
			s.respondError(w, r, err)
			return
		}
	}
	page, err := s.objects.ListObjects(r.Context(), q)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (s *Server) jobStats(r *http.Request) (report.Stats, string, error) {
	job, err := s.scheduler.Status(r.Context(), chi.URLParam(r, "jobID"))
	if err != nil {
		return report.Stats{}, "", err
	}
	records, err := s.objects.JobObjects(r.Context(), job.ID)
	if err != nil {
		return report.Stats{}, "", err
	}
	return report.Summarize(records), job.Name, nil
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, _, err := s.jobStats(r)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// handleChart renders statistics as HTML (default) or PNG (format=png)
func (s *Server) handleChart(w http.ResponseWriter, r *http.Request) {
	stats, name, err := s.jobStats(r)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	var buf bytes.Buffer
	contentType := "text/html; charset=utf-8"
	switch format := r.URL.Query().Get("format"); format {
	case "", "html":
		err = report.RenderHTML(&buf, stats, name)
	case "png":
		contentType = "image/png"
		err = report.RenderPNG(&buf, stats, name)
	default:
		err = errors.Wrapf(errBadRequest, "unknown chart format '%s'", format)
	}
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(buf.Bytes())
}
