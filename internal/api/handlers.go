package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/crawlkit/scraperd/internal/cronexpr"
	"github.com/crawlkit/scraperd/internal/history"
	"github.com/crawlkit/scraperd/internal/schedule"
	"github.com/crawlkit/scraperd/internal/scraper"
)

const (
	defaultPreviewCount = 5
	maxPreviewCount     = 50
)

func (s *Server) listJobs(w http.ResponseWriter, _ *http.Request) {
	jobs := s.orch.ListJobs()
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].ID < jobs[j].ID })
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func (s *Server) startJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	switch s.orch.Start(jobID) {
	case scraper.StartStarted:
		writeJSON(w, http.StatusAccepted, map[string]string{"job_id": jobID, "result": "started"})
	case scraper.StartAlreadyRunning:
		writeError(w, http.StatusConflict, "job is already running")
	case scraper.StartNotFound:
		writeError(w, http.StatusNotFound, "job not found")
	case scraper.StartConfigInvalid:
		writeError(w, http.StatusUnprocessableEntity, "job configuration is invalid")
	default:
		writeError(w, http.StatusInternalServerError, "unexpected start result")
	}
}

func (s *Server) stopJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	switch s.orch.Stop(jobID) {
	case scraper.StopStopped:
		writeJSON(w, http.StatusOK, map[string]string{"job_id": jobID, "result": "stopped"})
	case scraper.StopNotRunning:
		writeError(w, http.StatusConflict, "job is not running")
	case scraper.StopNotFound:
		writeError(w, http.StatusNotFound, "job not found")
	default:
		writeError(w, http.StatusInternalServerError, "unexpected stop result")
	}
}

func (s *Server) jobStatus(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	state, ok := s.orch.Status(jobID)
	if !ok {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	writeJSON(w, http.StatusOK, state)
}

// jobHistory serves one run document. With no run token it returns the
// in-flight run when present, otherwise the latest persisted run.
func (s *Server) jobHistory(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	token := r.URL.Query().Get("run")

	doc, err := s.orch.GetRunHistory(jobID, token)
	if err != nil {
		if errors.Is(err, history.ErrNotFound) {
			writeError(w, http.StatusNotFound, "run history not found")
			return
		}
		s.logger.Error("read run history failed")
		writeError(w, http.StatusInternalServerError, "failed to read run history")
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (s *Server) listJobSchedules(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	writeJSON(w, http.StatusOK, map[string]any{"schedules": s.schedules.ListForJob(jobID)})
}

type createScheduleRequest struct {
	JobID             string `json:"job_id"`
	Name              string `json:"name"`
	Expression        string `json:"expression"`
	Enabled           *bool  `json:"enabled"`
	MaxRuntimeMinutes int    `json:"max_runtime_minutes"`
}

func (s *Server) createSchedule(w http.ResponseWriter, r *http.Request) {
	var req createScheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if req.JobID == "" {
		writeError(w, http.StatusUnprocessableEntity, "job_id is required")
		return
	}
	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}

	entry, err := s.schedules.Create(req.JobID, req.Name, req.Expression, enabled, req.MaxRuntimeMinutes)
	if err != nil {
		if errors.Is(err, cronexpr.ErrInvalidExpression) {
			writeError(w, http.StatusUnprocessableEntity, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to create schedule")
		return
	}
	writeJSON(w, http.StatusCreated, entry)
}

func (s *Server) listSchedules(w http.ResponseWriter, r *http.Request) {
	var entries []schedule.Entry
	if jobID := r.URL.Query().Get("job_id"); jobID != "" {
		entries = s.schedules.ListForJob(jobID)
	} else {
		entries = s.schedules.ListAll()
	}
	writeJSON(w, http.StatusOK, map[string]any{"schedules": entries})
}

func (s *Server) getSchedule(w http.ResponseWriter, r *http.Request) {
	entry, ok := s.schedules.Get(chi.URLParam(r, "schedule_id"))
	if !ok {
		writeError(w, http.StatusNotFound, "schedule not found")
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

type updateScheduleRequest struct {
	Name              *string `json:"name"`
	Expression        *string `json:"expression"`
	Enabled           *bool   `json:"enabled"`
	MaxRuntimeMinutes *int    `json:"max_runtime_minutes"`
}

func (s *Server) updateSchedule(w http.ResponseWriter, r *http.Request) {
	scheduleID := chi.URLParam(r, "schedule_id")

	var req updateScheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	ok, err := s.schedules.Update(scheduleID, schedule.Update{
		Name:              req.Name,
		Expression:        req.Expression,
		Enabled:           req.Enabled,
		MaxRuntimeMinutes: req.MaxRuntimeMinutes,
	})
	if err != nil {
		if errors.Is(err, cronexpr.ErrInvalidExpression) {
			writeError(w, http.StatusUnprocessableEntity, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to update schedule")
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "schedule not found")
		return
	}

	entry, _ := s.schedules.Get(scheduleID)
	writeJSON(w, http.StatusOK, entry)
}

func (s *Server) removeSchedule(w http.ResponseWriter, r *http.Request) {
	if !s.schedules.Remove(chi.URLParam(r, "schedule_id")) {
		writeError(w, http.StatusNotFound, "schedule not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) previewSchedule(w http.ResponseWriter, r *http.Request) {
	count := defaultPreviewCount
	if raw := r.URL.Query().Get("count"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "count must be a positive integer")
			return
		}
		count = n
	}
	if count > maxPreviewCount {
		count = maxPreviewCount
	}

	times, ok := s.schedules.Preview(chi.URLParam(r, "schedule_id"), count)
	if !ok {
		writeError(w, http.StatusNotFound, "schedule not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"occurrences": times})
}
