package httpserver

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/orbit-rag/orbit/internal/domain"
	"github.com/orbit-rag/orbit/internal/ratelimit"
)

// handleAutocomplete serves GET /v1/autocomplete?q=&limit= (spec §6),
// scored suggestions over the caller's bound adapter's nl_examples corpus.
func (s *Server) handleAutocomplete(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	apiKey := r.Header.Get("X-API-Key")
	rec, err := s.authn.ResolveAPIKey(ctx, apiKey)
	if err != nil {
		writeError(w, r, err)
		return
	}

	decision, err := s.limiter.Allow(ctx, r.URL.Path, ratelimit.ScopeAPIKey, rec.Fingerprint)
	if err != nil {
		writeError(w, r, fmt.Errorf("op=httpserver.handleAutocomplete: %w: %v", domain.ErrInternal, err))
		return
	}
	ratelimit.ApplyHeaders(w, decision)
	if !decision.Allowed {
		writeError(w, r, fmt.Errorf("op=httpserver.handleAutocomplete: %w", domain.ErrRateLimited))
		return
	}

	q := r.URL.Query().Get("q")
	if q == "" {
		writeError(w, r, fmt.Errorf("op=httpserver.handleAutocomplete: %w: q is required", domain.ErrValidation))
		return
	}
	limit := 10
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, r, fmt.Errorf("op=httpserver.handleAutocomplete: %w: invalid limit", domain.ErrValidation))
			return
		}
		limit = n
	}

	suggestions, err := s.autocomplete.Suggest(ctx, rec.AdapterName, q, limit)
	if err != nil {
		writeError(w, r, fmt.Errorf("op=httpserver.handleAutocomplete: %w: %v", domain.ErrAdapterFailure, err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"suggestions": suggestions})
}
