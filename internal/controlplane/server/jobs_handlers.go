package server

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/marcus-qen/opsplane/internal/controlplane/events"
	"github.com/marcus-qen/opsplane/internal/controlplane/jobs"
)

func (s *Server) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	var req jobs.SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}
	// The Idempotency-Key header wins over the body field.
	if key := r.Header.Get("Idempotency-Key"); key != "" {
		req.IdempotencyKey = key
	}

	job, err := s.engine.Submit(r.Context(), req, actorID(r))
	if err != nil {
		writeError(w, err)
		return
	}
	status := http.StatusCreated
	if job.RequiresApproval {
		status = http.StatusAccepted
	}
	writeJSON(w, status, job)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	list, err := s.engine.Store().ListJobs(callerScope(r), r.URL.Query().Get("status"), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": list, "count": len(list)})
}

// visibleJob loads a job and applies scope masking. Out-of-scope jobs are
// indistinguishable from missing ones.
func (s *Server) visibleJob(w http.ResponseWriter, r *http.Request) (*jobs.Job, bool) {
	job, err := s.engine.Store().GetJob(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return nil, false
	}
	if !s.engine.Store().VisibleTo(job, callerScope(r)) {
		writeJSONError(w, http.StatusNotFound, "not_found", "resource not found")
		return nil, false
	}
	return job, true
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, ok := s.visibleJob(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleJobTasks(w http.ResponseWriter, r *http.Request) {
	job, ok := s.visibleJob(w, r)
	if !ok {
		return
	}
	tasks, err := s.engine.Store().ListTasks(job.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks, "count": len(tasks)})
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	job, ok := s.visibleJob(w, r)
	if !ok {
		return
	}
	cancelled, err := s.engine.Cancel(r.Context(), job.ID, actorID(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cancelled)
}

func (s *Server) handleRetryJob(w http.ResponseWriter, r *http.Request) {
	job, ok := s.visibleJob(w, r)
	if !ok {
		return
	}
	var sel jobs.RetrySelection
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&sel); err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
			return
		}
	}
	if !sel.All && !sel.FailedOnly && len(sel.TaskIDs) == 0 {
		sel.FailedOnly = true
	}
	retried, err := s.engine.Retry(r.Context(), job.ID, sel, actorID(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, retried)
}

func (s *Server) handleJobStream(w http.ResponseWriter, r *http.Request) {
	job, ok := s.visibleJob(w, r)
	if !ok {
		return
	}
	stream := events.NewJobStream(s.bus, job.ID, events.DefaultHeartbeatInterval)
	defer stream.Close()
	events.ServeSSE(w, r, stream)
}

func (s *Server) handleJobStatistics(w http.ResponseWriter, r *http.Request) {
	stats, err := s.engine.Store().Statistics(callerScope(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleCreateTemplate(w http.ResponseWriter, r *http.Request) {
	var tpl jobs.Template
	if err := json.NewDecoder(r.Body).Decode(&tpl); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}
	tpl.CreatedBy = actorID(r)
	created, err := s.templates.Create(tpl)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleListTemplates(w http.ResponseWriter, _ *http.Request) {
	list, err := s.templates.List()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"templates": list, "count": len(list)})
}

func (s *Server) handleGetTemplate(w http.ResponseWriter, r *http.Request) {
	tpl, err := s.templates.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tpl)
}

func (s *Server) handleUpdateTemplate(w http.ResponseWriter, r *http.Request) {
	var tpl jobs.Template
	if err := json.NewDecoder(r.Body).Decode(&tpl); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}
	updated, err := s.templates.Update(r.PathValue("id"), tpl)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleDeleteTemplate(w http.ResponseWriter, r *http.Request) {
	if err := s.templates.Delete(r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSubmitTemplate(w http.ResponseWriter, r *http.Request) {
	tpl, err := s.templates.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	var body struct {
		Parameters map[string]string `json:"parameters,omitempty"`
	}
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
			return
		}
	}
	job, err := s.engine.SubmitFromTemplate(r.Context(), tpl, body.Parameters, actorID(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, job)
}
