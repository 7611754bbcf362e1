package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/marcus-qen/opsplane/internal/controlplane/audit"
	"github.com/marcus-qen/opsplane/internal/controlplane/broker"
	"github.com/marcus-qen/opsplane/internal/controlplane/runners"
)

func (s *Server) handleRegisterRunner(w http.ResponseWriter, r *http.Request) {
	var reg runners.Registration
	if err := json.NewDecoder(r.Body).Decode(&reg); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}
	if reg.Name == "" {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "runner name is required")
		return
	}
	runner, err := s.runners.Register(reg)
	if err != nil {
		writeError(w, err)
		return
	}
	if s.auditLog != nil {
		s.auditLog.Record("runner.register", actorID(r), "runner", runner.ID, map[string]any{
			"name":         runner.Name,
			"capabilities": runner.Capabilities,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"runner": runner,
		"queue": runners.QueueBinding{
			Exchange:          broker.BuildExchange,
			RoutingKeyPattern: "build.*." + runner.Name,
			QueueName:         "build.tasks." + runner.Name,
		},
		"heartbeat_secs": int(s.cfg.HeartbeatInterval().Seconds()),
	})
}

func (s *Server) handleRunnerHeartbeat(w http.ResponseWriter, r *http.Request) {
	var hb runners.Heartbeat
	if err := json.NewDecoder(r.Body).Decode(&hb); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}
	if hb.Name == "" {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "runner name is required")
		return
	}
	runner, err := s.runners.RecordHeartbeat(hb)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, runner)
}

func (s *Server) handleListRunners(w http.ResponseWriter, r *http.Request) {
	list, err := s.runners.List()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runners": list, "count": len(list)})
}

func (s *Server) handleGetRunner(w http.ResponseWriter, r *http.Request) {
	runner, err := s.runners.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, runner)
}

func (s *Server) handleAuditQuery(w http.ResponseWriter, r *http.Request) {
	if s.auditLog == nil {
		writeJSON(w, http.StatusOK, map[string]any{"entries": nil, "count": 0})
		return
	}
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	filter := audit.Filter{
		Action:       q.Get("action"),
		Actor:        q.Get("actor"),
		ResourceType: q.Get("resource_type"),
		ResourceID:   q.Get("resource_id"),
		Limit:        limit,
	}
	if raw := q.Get("since"); raw != "" {
		ts, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid_request", "since must be RFC3339")
			return
		}
		filter.Since = ts
	}
	entries, err := s.auditLog.Query(filter)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries, "count": len(entries)})
}
