package httpserver

import (
	"fmt"
	"net/http"

	"github.com/orbit-rag/orbit/internal/domain"
	"github.com/orbit-rag/orbit/internal/ratelimit"
)

// ipRateLimit enforces C3's IP-scoped fixed window ahead of the API-key
// scope checked inside each handler (spec §4.3: both scopes apply, the IP
// check guards unauthenticated abuse before an API key is even resolved).
func (s *Server) ipRateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := ratelimit.ClientIP(r)
		decision, err := s.limiter.Allow(r.Context(), r.URL.Path, ratelimit.ScopeIP, ip)
		if err != nil {
			writeError(w, r, fmt.Errorf("op=httpserver.ipRateLimit: %w: %v", domain.ErrInternal, err))
			return
		}
		ratelimit.ApplyHeaders(w, decision)
		if !decision.Allowed {
			writeError(w, r, fmt.Errorf("op=httpserver.ipRateLimit: %w", domain.ErrRateLimited))
			return
		}
		next.ServeHTTP(w, r)
	})
}
