package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/MrWong99/convoke/internal/keys"
)

type putKeyRequest struct {
	APIKey string `json:"api_key"`
	Label  string `json:"label,omitempty"`
}

// handlePutKey stores (or replaces) the org's credential for one provider.
// The plaintext key is accepted once and never returned by any endpoint.
func (s *Server) handlePutKey(w http.ResponseWriter, r *http.Request) {
	org := s.orgID(w, r)
	if org == "" {
		return
	}
	provider := r.PathValue("provider")

	var body putKeyRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(body.APIKey) == "" {
		writeError(w, http.StatusBadRequest, "api_key must not be empty")
		return
	}
	if err := s.core.Keys().Put(r.Context(), org, provider, body.Label, body.APIKey); err != nil {
		s.logger.Error("credential store failed", "provider", provider, "error", err)
		writeError(w, http.StatusInternalServerError, "credential store failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"provider": provider, "label": body.Label})
}

// handleListKeys lists the org's credential records: provider, label, and
// timestamps only.
func (s *Server) handleListKeys(w http.ResponseWriter, r *http.Request) {
	org := s.orgID(w, r)
	if org == "" {
		return
	}
	records, err := s.core.Keys().List(r.Context(), org)
	if err != nil {
		s.logger.Error("credential list failed", "error", err)
		writeError(w, http.StatusInternalServerError, "credential list failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"keys": records})
}

func (s *Server) handleDeleteKey(w http.ResponseWriter, r *http.Request) {
	org := s.orgID(w, r)
	if org == "" {
		return
	}
	provider := r.PathValue("provider")
	if err := s.core.Keys().Delete(r.Context(), org, provider); err != nil {
		if errors.Is(err, keys.ErrNotFound) {
			writeError(w, http.StatusNotFound, "no credential for provider")
			return
		}
		s.logger.Error("credential delete failed", "provider", provider, "error", err)
		writeError(w, http.StatusInternalServerError, "credential delete failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
