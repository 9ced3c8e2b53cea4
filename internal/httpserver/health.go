package httpserver

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// handleHealth serves GET /health: a bare liveness check, no auth, no
// dependency on any downstream system.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

// adapterHealth is one entry of GET /health/adapters' per-adapter report.
type adapterHealth struct {
	Name            string `json:"name"`
	Type            string `json:"type"`
	State           string `json:"state"`
	ConsecFailures  int    `json:"consec_failures"`
	ConsecSuccesses int    `json:"consec_successes"`
	TimeoutCalls    uint64 `json:"timeout_calls"`
}

// handleHealthAdapters serves GET /health/adapters: every registered
// adapter's descriptor joined with its circuit breaker's current state
// (spec §6 "returns per-adapter {state, stats}").
func (s *Server) handleHealthAdapters(w http.ResponseWriter, r *http.Request) {
	snapshots := make(map[string]adapterHealth)
	for _, snap := range s.breakers.Snapshots() {
		snapshots[snap.AdapterName] = adapterHealth{
			Name:            snap.AdapterName,
			State:           snap.State,
			ConsecFailures:  snap.ConsecFailures,
			ConsecSuccesses: snap.ConsecSuccesses,
			TimeoutCalls:    snap.TimeoutCalls,
		}
	}

	out := make([]adapterHealth, 0, len(snapshots))
	for _, descriptor := range s.registry.List() {
		entry := snapshots[descriptor.Name]
		entry.Name = descriptor.Name
		entry.Type = string(descriptor.Type)
		if entry.State == "" {
			entry.State = "closed"
		}
		out = append(out, entry)
	}
	writeJSON(w, http.StatusOK, map[string]any{"adapters": out})
}

// handleHealthAdapterReset serves POST /health/adapters/{name}/reset,
// forcing the named adapter's circuit breaker closed. Admin-only: the
// caller must present a valid admin bearer token.
func (s *Server) handleHealthAdapterReset(w http.ResponseWriter, r *http.Request) {
	if !s.authn.ValidateAdminBearer(r) {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	name := chi.URLParam(r, "name")
	if _, ok := s.registry.Descriptor(name); !ok {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	s.breakers.GetBreaker(name).Reset()
	writeJSON(w, http.StatusOK, map[string]any{"adapter": name, "reset": true})
}
