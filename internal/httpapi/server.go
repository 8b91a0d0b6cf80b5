// Package httpapi exposes the gateway over HTTP: the streaming message
// endpoint, request cancellation, thread inspection, the audit trail, and
// provider-key management.
//
// Every route that acts on tenant data requires the x-org-id header. The
// streaming endpoint speaks SSE; everything else is plain JSON.
package httpapi

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/MrWong99/convoke/internal/dispatch"
)

// Server holds the handler dependencies. Construct with New and mount with
// Register.
type Server struct {
	core      *dispatch.Core
	logger    *slog.Logger
	streaming bool
}

// Option configures a Server.
type Option func(*Server)

// WithStreamingEnabled toggles the streaming endpoint. When off the
// endpoint answers 503; the rollout flag lives in config.
func WithStreamingEnabled(on bool) Option {
	return func(s *Server) { s.streaming = on }
}

// New creates a Server around the dispatch core. Streaming is enabled
// unless an option turns it off.
func New(core *dispatch.Core, logger *slog.Logger, opts ...Option) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{core: core, logger: logger, streaming: true}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register mounts all API routes on mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /threads", s.handleCreateThread)
	mux.HandleFunc("GET /threads/{thread_id}", s.handleGetThread)
	mux.HandleFunc("GET /threads/{thread_id}/audit", s.handleThreadAudit)
	mux.HandleFunc("POST /threads/{thread_id}/messages/stream", s.handleStream)
	mux.HandleFunc("POST /threads/{thread_id}/cancel/{request_id}", s.handleCancel)

	mux.HandleFunc("PUT /keys/{provider}", s.handlePutKey)
	mux.HandleFunc("GET /keys", s.handleListKeys)
	mux.HandleFunc("DELETE /keys/{provider}", s.handleDeleteKey)
}

// orgID extracts the tenant header, writing the 401 contract when absent.
// Returns "" after writing the response.
func (s *Server) orgID(w http.ResponseWriter, r *http.Request) string {
	org := r.Header.Get("x-org-id")
	if org == "" {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"detail": "Missing x-org-id header"})
		return ""
	}
	return org
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}
