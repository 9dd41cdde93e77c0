package server

import (
	"encoding/json"
	"net/http"

	"github.com/LdDl/mot-pipeline/pipeline"
	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

type action string

const (
	actionStart  action = "start"
	actionPause  action = "pause"
	actionResume action = "resume"
)

// target returns status the job ends up in after a successful action
func (a action) target() pipeline.Status {
	if a == actionPause {
		return pipeline.StatusPaused
	}
	return pipeline.StatusRunning
}

// ToggleResponse reports the single transition a toggle made
type ToggleResponse struct {
	From pipeline.Status `json:"from"`
	To   pipeline.Status `json:"to"`
	Job  pipeline.Job    `json:"job"`
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.scheduler.List(r.Context())
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	// Fields missing in the body keep configured defaults
	spec := s.defaults
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&spec); err != nil {
		s.respondError(w, r, errors.Wrapf(errBadRequest, "can't parse job spec: %s", err))
		return
	}
	job, err := s.scheduler.Create(r.Context(), spec)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	if r.URL.Query().Get("start") == "true" {
		if err := s.scheduler.Start(r.Context(), job.ID); err != nil {
			s.respondError(w, r, err)
			return
		}
		if job, err = s.scheduler.Status(r.Context(), job.ID); err != nil {
			s.respondError(w, r, err)
			return
		}
	}
	writeJSON(w, http.StatusCreated, job)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.scheduler.Status(r.Context(), chi.URLParam(r, "jobID"))
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	if err := s.scheduler.Cancel(r.Context(), chi.URLParam(r, "jobID")); err != nil {
		s.respondError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleAction runs start, pause or resume. Asking for the status the job already has is a success
func (s *Server) handleAction(a action) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "jobID")
		var err error
		switch a {
		case actionStart:
			err = s.scheduler.Start(r.Context(), id)
		case actionPause:
			err = s.scheduler.Pause(r.Context(), id)
		case actionResume:
			err = s.scheduler.Resume(r.Context(), id)
		}
		if err != nil && !errors.Is(err, pipeline.ErrInvalidTransition) {
			s.respondError(w, r, err)
			return
		}
		job, statusErr := s.scheduler.Status(r.Context(), id)
		if statusErr != nil {
			s.respondError(w, r, statusErr)
			return
		}
		if err != nil && job.Status != a.target() {
			s.respondError(w, r, err)
			return
		}
		if err != nil {
			s.logger.Debug("Job already in requested status", zap.String("job_id", id), zap.String("action", string(a)), zap.String("status", string(job.Status)))
		}
		writeJSON(w, http.StatusOK, job)
	}
}

func (s *Server) handleToggle(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "jobID")
	from, to, err := s.scheduler.Toggle(r.Context(), id)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	job, err := s.scheduler.Status(r.Context(), id)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ToggleResponse{From: from, To: to, Job: job})
}
