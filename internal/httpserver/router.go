package httpserver

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/orbit-rag/orbit/internal/observability"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// coarsePreLimit bounds raw request volume per IP well above any legitimate
// per-adapter traffic, in-process and independent of Redis. It runs ahead
// of C3's precise per-scope fixed-window limiter (internal/ratelimit) so a
// flood that would otherwise hammer Redis with INCRs is rejected before it
// gets there; C3 still owns the documented per-minute/per-hour limits and
// headers.
const coarsePreLimitRequests = 1000

func coarsePreLimit() func(http.Handler) http.Handler {
	return httprate.LimitByIP(coarsePreLimitRequests, time.Minute)
}

// NewRouter builds ORBIT's HTTP handler: every row of the §6 interface
// table, wrapped in the teacher's middleware stack (recover, request id,
// security headers, access log, Prometheus) plus CORS.
func NewRouter(s *Server) http.Handler {
	r := chi.NewRouter()

	r.Use(Recoverer())
	r.Use(RequestID())
	r.Use(SecurityHeaders)
	r.Use(AccessLog())
	r.Use(observability.HTTPMetricsMiddleware)
	r.Use(coarsePreLimit())
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{"X-Request-ID", "X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset"},
		MaxAge:           300,
	}))

	r.Get("/health", s.handleHealth)
	r.Get("/health/adapters", s.handleHealthAdapters)
	r.Post("/health/adapters/{name}/reset", s.handleHealthAdapterReset)
	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	// /v1/chat carries its own deadline (pipeline timeout / context.WithTimeout
	// in handleChat) rather than a fixed wrapper, since a streaming response
	// can legitimately run long; it still sits behind the IP rate limit.
	r.Group(func(api chi.Router) {
		api.Use(s.ipRateLimit)
		api.Post("/v1/chat", s.handleChat)
		api.Post("/v1/chat/stop", s.handleChatStop)
	})

	r.Group(func(api chi.Router) {
		api.Use(s.ipRateLimit)
		api.Use(TimeoutMiddleware(10 * time.Second))
		api.Get("/v1/autocomplete", s.handleAutocomplete)
		if s.cfg.ModelsEndpointEnabled {
			api.Get("/v1/models", s.handleModels)
		}
	})

	return r
}
