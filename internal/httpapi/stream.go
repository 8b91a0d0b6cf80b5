package httpapi

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/convoke/internal/dispatch"
)

// messageRequest is the body of the streaming endpoint. Provider and model
// are hints; the router decides when they are absent.
type messageRequest struct {
	Content    string `json:"content"`
	Role       string `json:"role,omitempty"`
	Provider   string `json:"provider,omitempty"`
	Model      string `json:"model,omitempty"`
	Reason     string `json:"reason,omitempty"`
	Scope      string `json:"scope,omitempty"`
	UseMemory  *bool  `json:"use_memory,omitempty"`
	NoCoalesce bool   `json:"no_coalesce,omitempty"`
}

// handleStream is the single externally visible streaming entry point.
// All client validation happens before the SSE headers are written; once
// the ping is on the wire the only terminal signal is the done event.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if !s.streaming {
		writeError(w, http.StatusServiceUnavailable, "streaming pipeline disabled")
		return
	}
	org := s.orgID(w, r)
	if org == "" {
		return
	}
	threadID := r.PathValue("thread_id")

	var body messageRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(body.Content) == "" {
		writeError(w, http.StatusBadRequest, "content must not be empty")
		return
	}
	if body.Role != "" && body.Role != "user" {
		writeError(w, http.StatusBadRequest, "role must be \"user\"")
		return
	}
	scope := body.Scope
	switch scope {
	case "":
		scope = dispatch.ScopePrivate
	case dispatch.ScopePrivate, dispatch.ScopeShared:
	default:
		writeError(w, http.StatusBadRequest, "scope must be \"private\" or \"shared\"")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	// Anti-buffering headers; the stream must never be gzipped or held by
	// an intermediary.
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-store, no-transform")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	em := newSSEEmitter(w, flusher)
	// Bytes on the wire before any upstream work.
	if err := em.Ping(); err != nil {
		s.logger.Warn("client gone before ping", "thread_id", threadID, "error", err)
		return
	}

	useMemory := true
	if body.UseMemory != nil {
		useMemory = *body.UseMemory
	}
	req := dispatch.Request{
		RequestID:    uuid.NewString(),
		OrgID:        org,
		ThreadID:     threadID,
		Content:      body.Content,
		ProviderHint: body.Provider,
		ModelHint:    body.Model,
		Scope:        scope,
		UseMemory:    useMemory,
		NoCoalesce:   body.NoCoalesce,
		AcceptedAt:   time.Now(),
	}

	// r.Context() is cancelled on client half-close, which is how a
	// dropped connection propagates into the pipeline.
	s.core.Handle(r.Context(), req, em)
}

// handleCancel signals the in-flight request's handle. 204 when the
// request was found and cancelled, 404 otherwise.
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	if org := s.orgID(w, r); org == "" {
		return
	}
	requestID := r.PathValue("request_id")
	if !s.core.Cancel(requestID) {
		writeError(w, http.StatusNotFound, "unknown request id")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
