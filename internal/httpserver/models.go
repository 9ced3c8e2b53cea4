package httpserver

import (
	"fmt"
	"net/http"

	"github.com/orbit-rag/orbit/internal/domain"
)

// handleModels serves GET /v1/models, when enabled: it lists the adapter
// reachable for the caller's API key, not an upstream provider's model
// catalog (SPEC_FULL §6.1 — no provider catalog API is in scope).
func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	if !s.cfg.ModelsEndpointEnabled {
		http.NotFound(w, r)
		return
	}

	ctx := r.Context()
	apiKey := r.Header.Get("X-API-Key")
	rec, err := s.authn.ResolveAPIKey(ctx, apiKey)
	if err != nil {
		writeError(w, r, err)
		return
	}

	descriptor, ok := s.registry.Descriptor(rec.AdapterName)
	if !ok {
		writeError(w, r, fmt.Errorf("op=httpserver.handleModels: %w: %s", domain.ErrAdapterNotFound, rec.AdapterName))
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"models": []map[string]any{
			{
				"name":                  descriptor.Name,
				"type":                  descriptor.Type,
				"supports_autocomplete": descriptor.Capabilities.SupportsAutocomplete,
				"supports_files":        descriptor.Capabilities.SupportsFiles,
			},
		},
	})
}
