package realtime

import (
	"encoding/json"
	"net/http"

	"deckhand/internal/claude"
	"deckhand/internal/protocol"
)

type openSessionRequest struct {
	Kind      string               `json:"kind"`
	ProjectID string               `json:"projectId"`
	Path      string               `json:"path,omitempty"`
	Options   protocol.OpenOptions `json:"options,omitempty"`
}

type switchProviderRequest struct {
	Provider string `json:"provider"`
}

func (s *Server) handleOpenSession(w http.ResponseWriter, r *http.Request) {
	var req openSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid request body"}`, http.StatusBadRequest)
		return
	}

	if req.Kind == "" {
		http.Error(w, `{"error":"kind is required"}`, http.StatusBadRequest)
		return
	}

	sess, err := s.openSession(protocol.SessionOpenPayload{
		Kind:      req.Kind,
		ProjectID: req.ProjectID,
		Path:      req.Path,
		Options:   req.Options,
	})
	if err != nil {
		status := http.StatusInternalServerError
		switch errorCode(err) {
		case protocol.ErrProjectNotFound:
			status = http.StatusNotFound
		case protocol.ErrMaxSessions:
			status = http.StatusConflict
		}
		http.Error(w, `{"error":"`+err.Error()+`"}`, status)
		return
	}

	s.broadcastSessionUpdate(sess)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(sess.Snapshot())
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions := s.core.Sessions()
	infos := make([]any, 0, len(sessions))
	for _, sess := range sessions {
		infos = append(infos, sess.Snapshot())
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(infos)
}

func (s *Server) handleSessionStatus(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	info, err := s.core.GetSessionStatus(id)
	if err != nil {
		http.Error(w, `{"error":"session not found"}`, http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(info)
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	if err := s.core.Close(id); err != nil {
		http.Error(w, `{"error":"`+err.Error()+`"}`, http.StatusNotFound)
		return
	}

	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"terminated"}`))
}

func (s *Server) handleTerminalStats(w http.ResponseWriter, r *http.Request) {
	stats := s.core.GetTerminalStats(r.URL.Query().Get("project"))
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(stats)
}

func (s *Server) handleDashboardStats(w http.ResponseWriter, r *http.Request) {
	stats := s.core.GetDashboardStats()
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(stats)
}

func (s *Server) handleProjectTimes(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	times := s.core.GetProjectTimes(id)
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(times)
}

func (s *Server) handleGlobalTimes(w http.ResponseWriter, r *http.Request) {
	times := s.core.GetGlobalTimes()
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(times)
}

func (s *Server) handleSwitchProvider(w http.ResponseWriter, r *http.Request) {
	var req switchProviderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid request body"}`, http.StatusBadRequest)
		return
	}

	if err := s.core.SwitchProvider(req.Provider); err != nil {
		http.Error(w, `{"error":"`+err.Error()+`"}`, http.StatusBadRequest)
		return
	}

	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"provider":"` + s.core.ActiveProvider() + `"}`))
}

func (s *Server) handleHookIngest(w http.ResponseWriter, r *http.Request) {
	var msg claude.HookMessage
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		http.Error(w, `{"error":"invalid request body"}`, http.StatusBadRequest)
		return
	}

	if err := s.core.IngestHook(msg); err != nil {
		http.Error(w, `{"error":"`+err.Error()+`"}`, http.StatusBadRequest)
		return
	}

	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ok"}`))
}
