package httpserver

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/orbit-rag/orbit/internal/domain"
	"github.com/orbit-rag/orbit/internal/observability"
)

// errorEnvelope is the non-stream error shape from spec §6:
// {error: {code, message}, request_id}.
type errorEnvelope struct {
	Error     apiError `json:"error"`
	RequestID string   `json:"request_id,omitempty"`
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps err onto the spec §7 taxonomy's HTTP status codes and
// writes the error envelope. Unrecognized errors fall back to 500/INTERNAL
// so a bug in a new error path never silently leaks a 200.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	code := string(domain.KindInternal)
	switch {
	case errors.Is(err, domain.ErrValidation):
		status, code = http.StatusBadRequest, string(domain.KindValidation)
	case errors.Is(err, domain.ErrMissingSession):
		status, code = http.StatusBadRequest, string(domain.KindMissingSession)
	case errors.Is(err, domain.ErrAdapterNotFound):
		status, code = http.StatusBadRequest, string(domain.KindAdapterNotFound)
	case errors.Is(err, domain.ErrAuth):
		status, code = http.StatusUnauthorized, string(domain.KindAuth)
	case errors.Is(err, domain.ErrRateLimited):
		status, code = http.StatusTooManyRequests, string(domain.KindRateLimited)
	case errors.Is(err, domain.ErrPoolSaturated):
		status, code = http.StatusServiceUnavailable, string(domain.KindPoolSaturated)
	case errors.Is(err, domain.ErrCircuitOpen):
		status, code = http.StatusServiceUnavailable, string(domain.KindCircuitOpen)
	case errors.Is(err, domain.ErrTimeout):
		status, code = http.StatusGatewayTimeout, string(domain.KindTimeout)
	case errors.Is(err, domain.ErrUpstream):
		status, code = http.StatusBadGateway, string(domain.KindUpstream)
	}
	writeJSON(w, status, errorEnvelope{
		Error:     apiError{Code: code, Message: err.Error()},
		RequestID: observability.RequestIDFromContext(r.Context()),
	})
}
