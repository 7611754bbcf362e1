package server

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/marcus-qen/opsplane/internal/controlplane/jobs"
)

// buildsEnabled guards the build routes; the build subsystem is optional
// and absent when no broker is configured.
func (s *Server) buildsEnabled(w http.ResponseWriter) bool {
	if s.builds == nil {
		writeJSONError(w, http.StatusServiceUnavailable, "unavailable", "build subsystem is not configured")
		return false
	}
	return true
}

// handleSubmitBuild is the build-first alias for job submission: the body
// is the build spec, the job wrapper is implicit.
func (s *Server) handleSubmitBuild(w http.ResponseWriter, r *http.Request) {
	if !s.buildsEnabled(w) {
		return
	}
	var spec jobs.BuildSpec
	if err := json.NewDecoder(r.Body).Decode(&spec); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}
	job, err := s.engine.Submit(r.Context(), jobs.SubmitRequest{
		Kind:           jobs.KindBuild,
		Name:           spec.ProjectName,
		Build:          &spec,
		IdempotencyKey: r.Header.Get("Idempotency-Key"),
	}, actorID(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, job)
}

// handleRetryBuild re-runs the job task behind a finished build. Dispatch
// links the fresh build row to this one via retry_of.
func (s *Server) handleRetryBuild(w http.ResponseWriter, r *http.Request) {
	if !s.buildsEnabled(w) {
		return
	}
	build, err := s.builds.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	job, err := s.engine.Retry(r.Context(), build.JobID, jobs.RetrySelection{TaskIDs: []string{build.TaskID}}, actorID(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleListBuilds(w http.ResponseWriter, r *http.Request) {
	if !s.buildsEnabled(w) {
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	list, err := s.builds.List(r.URL.Query().Get("status"), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"builds": list, "count": len(list)})
}

func (s *Server) handleGetBuild(w http.ResponseWriter, r *http.Request) {
	if !s.buildsEnabled(w) {
		return
	}
	build, err := s.builds.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, build)
}

func (s *Server) handleBuildSteps(w http.ResponseWriter, r *http.Request) {
	if !s.buildsEnabled(w) {
		return
	}
	if _, err := s.builds.Get(r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	steps, err := s.builds.Steps(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"steps": steps, "count": len(steps)})
}

func (s *Server) handleBuildArtifacts(w http.ResponseWriter, r *http.Request) {
	if !s.buildsEnabled(w) {
		return
	}
	if _, err := s.builds.Get(r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	artifacts, err := s.builds.Artifacts(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"artifacts": artifacts, "count": len(artifacts)})
}

func (s *Server) handleGetArtifact(w http.ResponseWriter, r *http.Request) {
	if !s.buildsEnabled(w) {
		return
	}
	artifact, err := s.builds.GetArtifact(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, artifact)
}

// handleDownloadArtifact records the download and returns the artifact
// descriptor. The artifact bytes live on the runner-attached store; the
// path field tells the caller where to fetch them.
func (s *Server) handleDownloadArtifact(w http.ResponseWriter, r *http.Request) {
	if !s.buildsEnabled(w) {
		return
	}
	artifact, err := s.builds.RecordDownload(r.PathValue("id"), actorID(r))
	if err != nil {
		writeError(w, err)
		return
	}
	if s.auditLog != nil {
		s.auditLog.Record("artifact.download", actorID(r), "artifact", artifact.ID, map[string]any{
			"name":    artifact.Name,
			"version": artifact.Version,
		})
	}
	writeJSON(w, http.StatusOK, artifact)
}

func (s *Server) handleBuildStatistics(w http.ResponseWriter, r *http.Request) {
	if !s.buildsEnabled(w) {
		return
	}
	stats, err := s.builds.Statistics()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}
