package server

import (
	"net/http"
)

func (s *Server) registerRoutes(mux *http.ServeMux) {
	// Health + version
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /version", s.handleVersion)

	// Prometheus scrape
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics.Handler())
	}

	// Jobs
	mux.HandleFunc("POST /api/v1/jobs", s.handleSubmitJob)
	mux.HandleFunc("GET /api/v1/jobs", s.handleListJobs)
	mux.HandleFunc("GET /api/v1/jobs/statistics", s.handleJobStatistics)
	mux.HandleFunc("GET /api/v1/jobs/{id}", s.handleGetJob)
	mux.HandleFunc("GET /api/v1/jobs/{id}/tasks", s.handleJobTasks)
	mux.HandleFunc("POST /api/v1/jobs/{id}/cancel", s.handleCancelJob)
	mux.HandleFunc("POST /api/v1/jobs/{id}/retry", s.handleRetryJob)
	mux.HandleFunc("GET /api/v1/jobs/{id}/stream", s.handleJobStream)

	// Templates
	mux.HandleFunc("POST /api/v1/templates", s.handleCreateTemplate)
	mux.HandleFunc("GET /api/v1/templates", s.handleListTemplates)
	mux.HandleFunc("GET /api/v1/templates/{id}", s.handleGetTemplate)
	mux.HandleFunc("PUT /api/v1/templates/{id}", s.handleUpdateTemplate)
	mux.HandleFunc("DELETE /api/v1/templates/{id}", s.handleDeleteTemplate)
	mux.HandleFunc("POST /api/v1/templates/{id}/submit", s.handleSubmitTemplate)

	// Builds and artifacts
	mux.HandleFunc("POST /api/v1/builds", s.handleSubmitBuild)
	mux.HandleFunc("GET /api/v1/builds", s.handleListBuilds)
	mux.HandleFunc("GET /api/v1/builds/statistics", s.handleBuildStatistics)
	mux.HandleFunc("GET /api/v1/builds/{id}", s.handleGetBuild)
	mux.HandleFunc("GET /api/v1/builds/{id}/steps", s.handleBuildSteps)
	mux.HandleFunc("GET /api/v1/builds/{id}/artifacts", s.handleBuildArtifacts)
	mux.HandleFunc("POST /api/v1/builds/{id}/retry", s.handleRetryBuild)
	mux.HandleFunc("GET /api/v1/artifacts/{id}", s.handleGetArtifact)
	mux.HandleFunc("GET /api/v1/artifacts/{id}/download", s.handleDownloadArtifact)

	// Approvals
	mux.HandleFunc("POST /api/v1/approvals", s.handleCreateApproval)
	mux.HandleFunc("GET /api/v1/approvals", s.handleListApprovals)
	mux.HandleFunc("GET /api/v1/approvals/statistics", s.handleApprovalStatistics)
	mux.HandleFunc("GET /api/v1/approvals/stream", s.handleApprovalStream)
	mux.HandleFunc("GET /api/v1/approvals/{id}", s.handleGetApproval)
	mux.HandleFunc("GET /api/v1/approvals/{id}/records", s.handleApprovalRecords)
	mux.HandleFunc("POST /api/v1/approvals/{id}/decide", s.handleDecideApproval)
	mux.HandleFunc("POST /api/v1/approvals/{id}/cancel", s.handleCancelApproval)

	// Runner pool
	mux.HandleFunc("POST /api/v1/runners/register", s.handleRegisterRunner)
	mux.HandleFunc("POST /api/v1/runners/heartbeat", s.handleRunnerHeartbeat)
	mux.HandleFunc("GET /api/v1/runners", s.handleListRunners)
	mux.HandleFunc("GET /api/v1/runners/{id}", s.handleGetRunner)

	// Audit trail
	mux.HandleFunc("GET /api/v1/audit", s.handleAuditQuery)

	// Live event feed
	mux.HandleFunc("GET /events/ws", s.feed.Handle)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleVersion(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"version": Version,
		"commit":  Commit,
		"date":    Date,
	})
}
