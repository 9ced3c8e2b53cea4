package httpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/orbit-rag/orbit/internal/domain"
	"github.com/orbit-rag/orbit/internal/observability"
	"github.com/orbit-rag/orbit/internal/ratelimit"
	"github.com/orbit-rag/orbit/pkg/textx"
)

// chatRequest is the decoded POST /v1/chat body (spec §6).
type chatRequest struct {
	Messages  []domain.ChatMessage `json:"messages"`
	Stream    bool                 `json:"stream"`
	FileIDs   []string             `json:"file_ids"`
	SessionID string               `json:"session_id"`
}

// chatResponse is the non-stream 200 body.
type chatResponse struct {
	RequestID     string               `json:"request_id"`
	Content       string               `json:"content"`
	Refused       bool                 `json:"refused"`
	RetrievalMeta domain.RetrievalMeta `json:"retrieval_meta"`
	Errors        []domain.TaggedError `json:"errors,omitempty"`
}

// sseEvent is one line of the SSE stream (spec §6 "SSE stream format").
type sseEvent struct {
	Type    string `json:"type"` // delta | done | error
	Content string `json:"content,omitempty"`
	Error   string `json:"error,omitempty"`
}

// lastUserMessage returns the content of the final message in msgs, the
// turn the pipeline treats as this request's input; earlier entries are
// informational only since C9 owns the persisted history window.
func lastUserMessage(msgs []domain.ChatMessage) string {
	if len(msgs) == 0 {
		return ""
	}
	return msgs[len(msgs)-1].Content
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	apiKey := r.Header.Get("X-API-Key")
	rec, err := s.authn.ResolveAPIKey(ctx, apiKey)
	if err != nil {
		writeError(w, r, err)
		return
	}

	decision, err := s.limiter.Allow(ctx, r.URL.Path, ratelimit.ScopeAPIKey, rec.Fingerprint)
	if err != nil {
		writeError(w, r, fmt.Errorf("op=httpserver.handleChat: %w: %v", domain.ErrInternal, err))
		return
	}
	ratelimit.ApplyHeaders(w, decision)
	if !decision.Allowed {
		writeError(w, r, fmt.Errorf("op=httpserver.handleChat: %w", domain.ErrRateLimited))
		return
	}

	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, fmt.Errorf("op=httpserver.handleChat: %w: %v", domain.ErrValidation, err))
		return
	}
	message := textx.SanitizeText(lastUserMessage(req.Messages))
	if message == "" {
		writeError(w, r, fmt.Errorf("op=httpserver.handleChat: %w: messages must not be empty", domain.ErrValidation))
		return
	}

	sessionID := r.Header.Get("X-Session-ID")
	if sessionID == "" {
		sessionID = req.SessionID
	}
	if sessionID != "" {
		if err := s.authn.ValidateSession(ctx, sessionID); err != nil {
			writeError(w, r, err)
			return
		}
	}

	requestID := observability.RequestIDFromContext(ctx)
	pc := &domain.ProcessingContext{
		RequestID:         requestID,
		SessionID:         sessionID,
		UserID:            r.Header.Get("X-User-ID"),
		APIKeyFingerprint: rec.Fingerprint,
		TraceID:           requestID,
		CorrelationID:     requestID,
		AdapterName:       rec.AdapterName,
		Message:           message,
		FileIDs:           req.FileIDs,
	}

	runCtx := ctx
	if s.cfg.ChatTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, s.cfg.ChatTimeout)
		defer cancel()
	}
	runCtx, cancelActive := context.WithCancel(runCtx)
	defer cancelActive()
	forget := s.registerActive(sessionID, cancelActive)
	defer forget()

	if req.Stream {
		s.streamChat(w, r, runCtx, pc)
		return
	}

	resp := s.pipeline.Run(runCtx, pc, nil)
	s.persistTurn(ctx, pc, resp)
	writeJSON(w, http.StatusOK, chatResponse{
		RequestID:     resp.RequestID,
		Content:       resp.Content,
		Refused:       resp.Refused,
		RetrievalMeta: resp.RetrievalMeta,
		Errors:        resp.Errors,
	})
}

// streamChat runs the pipeline in streaming mode and relays its output as SSE
// events. Delta events are held until the pipeline has post-validated the
// full completion: they are written only when the response is not refused,
// so a refused completion reaches the client solely as the refusal in the
// final "done" event. That event and the persisted history turn reflect the
// pipeline's post-validated PipelineResponse.
func (s *Server) streamChat(w http.ResponseWriter, r *http.Request, ctx context.Context, pc *domain.ProcessingContext) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, fmt.Errorf("op=httpserver.streamChat: %w: streaming unsupported", domain.ErrInternal))
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	writeSSE := func(ev sseEvent) {
		raw, _ := json.Marshal(ev)
		_, _ = w.Write([]byte("data: "))
		_, _ = w.Write(raw)
		_, _ = w.Write([]byte("\n\n"))
		flusher.Flush()
	}

	var pending []sseEvent
	onChunk := func(c domain.StreamChunk) {
		if c.Err != nil {
			pending = append(pending, sseEvent{Type: "error", Error: c.Err.Error()})
			return
		}
		pending = append(pending, sseEvent{Type: "delta", Content: c.Delta})
	}

	resp := s.pipeline.Run(ctx, pc, onChunk)
	s.persistTurn(r.Context(), pc, resp)

	for _, ev := range pending {
		if resp.Refused && ev.Type == "delta" {
			continue
		}
		writeSSE(ev)
	}
	writeSSE(sseEvent{Type: "done", Content: resp.Content})
	_, _ = w.Write([]byte("data: [DONE]\n\n"))
	flusher.Flush()
}

// persistTurn appends the user/assistant pair to C9 once the pipeline has
// produced its terminal envelope. A refused response is still persisted —
// the refusal is what the assistant actually said.
func (s *Server) persistTurn(ctx context.Context, pc *domain.ProcessingContext, resp domain.PipelineResponse) {
	if s.history == nil || pc.SessionID == "" {
		return
	}
	if err := s.history.AddConversationTurn(ctx, pc.SessionID, pc.Message, resp.Content, pc.FileIDs, nil, time.Now()); err != nil {
		observability.LoggerFromContext(ctx).Warn("failed to persist conversation turn",
			"session_id", pc.SessionID, "error", err)
	}
}

func (s *Server) handleChatStop(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SessionID string `json:"session_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.SessionID == "" {
		writeError(w, r, fmt.Errorf("op=httpserver.handleChatStop: %w: session_id required", domain.ErrValidation))
		return
	}
	if !s.stopActive(req.SessionID) {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"stopped": true, "session_id": req.SessionID})
}
