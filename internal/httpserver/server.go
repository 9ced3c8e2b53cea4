package httpserver

import (
	"context"
	"sync"
	"time"

	"github.com/orbit-rag/orbit/internal/autocomplete"
	"github.com/orbit-rag/orbit/internal/authn"
	"github.com/orbit-rag/orbit/internal/breaker"
	"github.com/orbit-rag/orbit/internal/history"
	"github.com/orbit-rag/orbit/internal/pipeline"
	"github.com/orbit-rag/orbit/internal/ratelimit"
	"github.com/orbit-rag/orbit/internal/registry"
)

// Config holds the front door's own tunables, sourced from RAGConfig
// sections that don't belong to any single inner component.
type Config struct {
	ModelsEndpointEnabled bool
	ChatTimeout           time.Duration
}

// Server is ORBIT's service container for the HTTP front door: every
// component the handlers call into, built once at startup and passed in
// (spec §9 "global mutable state → explicit service container").
type Server struct {
	authn        *authn.Authenticator
	limiter      *ratelimit.Limiter
	registry     *registry.Registry
	breakers     *breaker.Manager
	pipeline     *pipeline.Engine
	autocomplete *autocomplete.Engine
	history      *history.Service
	cfg          Config

	mu     sync.Mutex
	active map[string]context.CancelFunc
}

// New builds a Server from its component dependencies.
func New(a *authn.Authenticator, limiter *ratelimit.Limiter, reg *registry.Registry, breakers *breaker.Manager, eng *pipeline.Engine, ac *autocomplete.Engine, hist *history.Service, cfg Config) *Server {
	return &Server{
		authn:        a,
		limiter:      limiter,
		registry:     reg,
		breakers:     breakers,
		pipeline:     eng,
		autocomplete: ac,
		history:      hist,
		cfg:          cfg,
		active:       make(map[string]context.CancelFunc),
	}
}

// registerActive tracks a cancellable in-flight /v1/chat call keyed by
// session id, so /v1/chat/stop can cancel it. A request without a
// session id is not tracked.
func (s *Server) registerActive(sessionID string, cancel context.CancelFunc) (forget func()) {
	if sessionID == "" {
		return func() {}
	}
	s.mu.Lock()
	s.active[sessionID] = cancel
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.active, sessionID)
		s.mu.Unlock()
	}
}

// stopActive cancels the in-flight request for sessionID, reporting whether
// one was found.
func (s *Server) stopActive(sessionID string) bool {
	s.mu.Lock()
	cancel, ok := s.active[sessionID]
	s.mu.Unlock()
	if !ok {
		return false
	}
	cancel()
	return true
}
