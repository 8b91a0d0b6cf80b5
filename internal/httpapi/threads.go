package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/MrWong99/convoke/internal/thread"
)

type createThreadRequest struct {
	ThreadID string `json:"thread_id,omitempty"`
}

type threadResponse struct {
	ThreadID     string            `json:"thread_id"`
	OrgID        string            `json:"org_id"`
	Turns        []turnResponse    `json:"turns"`
	Summary      string            `json:"summary,omitempty"`
	ProfileFacts map[string]string `json:"profile_facts,omitempty"`
	LastIntent   string            `json:"last_intent,omitempty"`
	LastProvider string            `json:"last_provider,omitempty"`
	LastModel    string            `json:"last_model,omitempty"`
}

type turnResponse struct {
	Seq       int64  `json:"seq"`
	Role      string `json:"role"`
	Content   string `json:"content"`
	CreatedAt string `json:"created_at"`
	Provider  string `json:"provider,omitempty"`
	Model     string `json:"model,omitempty"`
}

// handleCreateThread registers a thread id for the org. The id is optional
// in the body; one is generated when absent. Creating an existing thread is
// idempotent.
func (s *Server) handleCreateThread(w http.ResponseWriter, r *http.Request) {
	org := s.orgID(w, r)
	if org == "" {
		return
	}
	var body createThreadRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
	}
	id := body.ThreadID
	if id == "" {
		id = uuid.NewString()
	}
	if err := s.core.Threads().Bootstrap(r.Context(), org, id); err != nil {
		s.logger.Error("thread bootstrap failed", "thread_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "thread creation failed")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"thread_id": id, "org_id": org})
}

func (s *Server) handleGetThread(w http.ResponseWriter, r *http.Request) {
	org := s.orgID(w, r)
	if org == "" {
		return
	}
	threadID := r.PathValue("thread_id")
	if err := s.core.Threads().Bootstrap(r.Context(), org, threadID); err != nil {
		s.logger.Error("thread load failed", "thread_id", threadID, "error", err)
		writeError(w, http.StatusInternalServerError, "thread load failed")
		return
	}
	snap := s.core.Threads().Snapshot(threadID)
	writeJSON(w, http.StatusOK, toThreadResponse(snap))
}

// handleThreadAudit lists the audit trail for a thread, newest first.
func (s *Server) handleThreadAudit(w http.ResponseWriter, r *http.Request) {
	org := s.orgID(w, r)
	if org == "" {
		return
	}
	threadID := r.PathValue("thread_id")
	limit := 50
	if q := r.URL.Query().Get("limit"); q != "" {
		n, err := strconv.Atoi(q)
		if err != nil || n < 1 || n > 500 {
			writeError(w, http.StatusBadRequest, "limit must be between 1 and 500")
			return
		}
		limit = n
	}
	records, err := s.core.Audit().ListByThread(r.Context(), threadID, limit)
	if err != nil {
		s.logger.Error("audit list failed", "thread_id", threadID, "error", err)
		writeError(w, http.StatusInternalServerError, "audit list failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"records": records})
}

func toThreadResponse(snap thread.Snapshot) threadResponse {
	resp := threadResponse{
		ThreadID:     snap.ThreadID,
		OrgID:        snap.OrgID,
		Turns:        make([]turnResponse, 0, len(snap.Turns)),
		Summary:      snap.Summary,
		ProfileFacts: snap.ProfileFacts,
		LastIntent:   snap.LastIntent,
		LastProvider: snap.LastProvider,
		LastModel:    snap.LastModel,
	}
	for _, t := range snap.Turns {
		resp.Turns = append(resp.Turns, turnResponse{
			Seq:       t.Seq,
			Role:      t.Role,
			Content:   t.Content,
			CreatedAt: t.CreatedAt.UTC().Format("2006-01-02T15:04:05Z07:00"),
			Provider:  t.Provider,
			Model:     t.Model,
		})
	}
	return resp
}
