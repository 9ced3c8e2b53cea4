// Package history implements the chat history service (C9): append-only
// per-session turns with token-budget-aware trimming at read time.
package history

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/orbit-rag/orbit/internal/adapter/ai/tokencount"
	"github.com/orbit-rag/orbit/internal/domain"
)

// Store is the persistence port for conversation turns, grounded on the
// teacher's internal/adapter/repo/postgres fakeable-interface convention.
type Store interface {
	// AppendTurns writes one or more turns for a session in a single
	// transaction. Used for the atomic user+assistant pair write.
	AppendTurns(ctx context.Context, sessionID string, turns []domain.ConversationTurn) error

	// RecentTurns returns up to limit turns for a session, oldest first.
	RecentTurns(ctx context.Context, sessionID string, limit int) ([]domain.ConversationTurn, error)
}

// BudgetPolicy decides how many of the newest turns fit a model's context
// budget. Pluggable so the default tiktoken-based estimate can be swapped
// in tests or for providers tiktoken doesn't model well.
type BudgetPolicy interface {
	Fit(turns []domain.ConversationTurn, model string, maxTokens int) (kept []domain.ConversationTurn, dropped int)
}

// TokenBudgetPolicy is the default BudgetPolicy, grounded on
// internal/adapter/ai/tokencount.Counter's per-model tiktoken accounting.
// It walks turns newest-first, accumulating each turn's token cost (plus
// the same per-message overhead CountChatTokens charges) until the next
// turn would exceed maxTokens, then stops.
type TokenBudgetPolicy struct {
	counter *tokencount.Counter
}

// NewTokenBudgetPolicy builds a TokenBudgetPolicy. A nil counter falls
// back to tokencount.DefaultCounter.
func NewTokenBudgetPolicy(counter *tokencount.Counter) *TokenBudgetPolicy {
	if counter == nil {
		counter = tokencount.DefaultCounter
	}
	return &TokenBudgetPolicy{counter: counter}
}

const perMessageOverheadTokens = 4 // mirrors tokencount.tokensPerMessage + tokensPerRole

func (p *TokenBudgetPolicy) Fit(turns []domain.ConversationTurn, model string, maxTokens int) ([]domain.ConversationTurn, int) {
	if maxTokens <= 0 || len(turns) == 0 {
		return turns, 0
	}

	kept := make([]domain.ConversationTurn, 0, len(turns))
	used := 0
	for i := len(turns) - 1; i >= 0; i-- {
		turn := turns[i]
		n, err := p.counter.CountTokens(turn.Content, model)
		if err != nil {
			n = len(turn.Content) / 4
		}
		n += perMessageOverheadTokens
		if used+n > maxTokens && len(kept) > 0 {
			break
		}
		used += n
		kept = append(kept, turn)
	}

	// kept was built newest-first; restore chronological order.
	for i, j := 0, len(kept)-1; i < j; i, j = i+1, j-1 {
		kept[i], kept[j] = kept[j], kept[i]
	}
	return kept, len(turns) - len(kept)
}

// Service is the chat history service (C9): append-only writes, bounded
// chronological reads trimmed to a model's context budget.
type Service struct {
	store  Store
	budget BudgetPolicy
	logger *slog.Logger
}

// New builds a Service. A nil budget falls back to NewTokenBudgetPolicy(nil).
func New(store Store, budget BudgetPolicy, logger *slog.Logger) *Service {
	if budget == nil {
		budget = NewTokenBudgetPolicy(nil)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, budget: budget, logger: logger}
}

// GetConversationHistory returns the most recent limit turns for a session,
// in chronological order, trimmed to fit maxTokens for the given model.
// Trimming never silently discards: a drop is always logged with the
// session id and the number of turns dropped.
func (s *Service) GetConversationHistory(ctx context.Context, sessionID string, limit int, model string, maxTokens int) ([]domain.ConversationTurn, error) {
	turns, err := s.store.RecentTurns(ctx, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("op=history.GetConversationHistory session=%s: %w: %v", sessionID, domain.ErrUpstream, err)
	}

	kept, dropped := s.budget.Fit(turns, model, maxTokens)
	if dropped > 0 {
		s.logger.Warn("conversation history trimmed to fit model context budget",
			slog.String("session_id", sessionID),
			slog.String("model", model),
			slog.Int("dropped_turns", dropped),
			slog.Int("kept_turns", len(kept)),
		)
	}
	return kept, nil
}

// AddConversationTurn writes a user+assistant pair atomically, stamping
// both with now and attaching file_ids/adapters_used metadata to the
// assistant turn (the side that actually used them).
func (s *Service) AddConversationTurn(ctx context.Context, sessionID, userMessage, assistantMessage string, fileIDs, adaptersUsed []string, now time.Time) error {
	turns := []domain.ConversationTurn{
		{Role: "user", Content: userMessage, Timestamp: now},
		{Role: "assistant", Content: assistantMessage, Timestamp: now, FileIDs: fileIDs, Adapters: adaptersUsed},
	}
	if err := s.store.AppendTurns(ctx, sessionID, turns); err != nil {
		return fmt.Errorf("op=history.AddConversationTurn session=%s: %w: %v", sessionID, domain.ErrUpstream, err)
	}
	return nil
}
