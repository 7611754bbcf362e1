package server

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/marcus-qen/opsplane/internal/controlplane/approval"
	"github.com/marcus-qen/opsplane/internal/controlplane/events"
	"github.com/marcus-qen/opsplane/internal/telemetry"
)

// handleCreateApproval opens a standalone approval request, not linked to
// a job. Used for out-of-band change gates.
func (s *Server) handleCreateApproval(w http.ResponseWriter, r *http.Request) {
	var req approval.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}
	if req.Title == "" {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "title is required")
		return
	}
	req.RequestedBy = actorID(r)
	created, err := s.approvals.Create(req, s.cfg.ApprovalTimeout())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleListApprovals(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	list, err := s.approvals.List(r.URL.Query().Get("status"), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"approvals": list, "count": len(list)})
}

func (s *Server) handleGetApproval(w http.ResponseWriter, r *http.Request) {
	req, err := s.approvals.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (s *Server) handleApprovalRecords(w http.ResponseWriter, r *http.Request) {
	if _, err := s.approvals.Get(r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	records, err := s.approvals.Records(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"records": records, "count": len(records)})
}

func (s *Server) handleDecideApproval(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Decision string `json:"decision"`
		Comment  string `json:"comment,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}
	if body.Decision != approval.DecisionApproved && body.Decision != approval.DecisionRejected {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "decision must be approved or rejected")
		return
	}
	_, span := telemetry.StartApprovalSpan(r.Context(), r.PathValue("id"), body.Decision)
	defer span.End()
	req, err := s.approvals.Decide(r.PathValue("id"), actorID(r), body.Decision, body.Comment)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (s *Server) handleCancelApproval(w http.ResponseWriter, r *http.Request) {
	req, err := s.approvals.Cancel(r.PathValue("id"), actorID(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (s *Server) handleApprovalStatistics(w http.ResponseWriter, _ *http.Request) {
	stats, err := s.approvals.Statistics()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleApprovalStream(w http.ResponseWriter, r *http.Request) {
	stream := events.NewApprovalStream(s.bus, events.DefaultHeartbeatInterval)
	defer stream.Close()
	events.ServeSSE(w, r, stream)
}
