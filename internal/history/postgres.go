package history

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/orbit-rag/orbit/internal/domain"
)

// PostgresPool is a minimal subset of *pgxpool.Pool, grounded on the
// teacher's internal/adapter/repo/postgres.PgxPool convention, extended
// with BeginTx for the atomic user+assistant pair write.
type PostgresPool interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
}

// PostgresStore persists conversation turns in the chat_history table.
type PostgresStore struct {
	pool PostgresPool
}

// NewPostgresStore builds a PostgresStore.
func NewPostgresStore(pool PostgresPool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// AppendTurns writes all turns for a session inside one transaction so the
// user+assistant pair is never observed half-written.
func (s *PostgresStore) AppendTurns(ctx context.Context, sessionID string, turns []domain.ConversationTurn) error {
	tracer := otel.Tracer("history.postgres")
	ctx, span := tracer.Start(ctx, "history.AppendTurns")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "INSERT"),
		attribute.String("db.sql.table", "chat_history"),
		attribute.Int("turn_count", len(turns)),
	)

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("op=history.postgres.AppendTurns session=%s: %w: %v", sessionID, domain.ErrUpstream, err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // no-op once committed

	const q = `INSERT INTO chat_history (session_id, role, content, ts, file_ids, adapters_used)
		VALUES ($1, $2, $3, $4, $5, $6)`
	for _, turn := range turns {
		if _, err := tx.Exec(ctx, q, sessionID, turn.Role, turn.Content, turn.Timestamp, turn.FileIDs, turn.Adapters); err != nil {
			return fmt.Errorf("op=history.postgres.AppendTurns session=%s: %w: %v", sessionID, domain.ErrUpstream, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("op=history.postgres.AppendTurns session=%s: %w: %v", sessionID, domain.ErrUpstream, err)
	}
	return nil
}

// RecentTurns returns up to limit turns for a session, oldest first. The
// newest-limit window is selected in SQL (ORDER BY ts DESC LIMIT $2), then
// reversed in Go since callers expect chronological order.
func (s *PostgresStore) RecentTurns(ctx context.Context, sessionID string, limit int) ([]domain.ConversationTurn, error) {
	tracer := otel.Tracer("history.postgres")
	ctx, span := tracer.Start(ctx, "history.RecentTurns")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "SELECT"),
		attribute.String("db.sql.table", "chat_history"),
	)

	const q = `SELECT role, content, ts, file_ids, adapters_used FROM chat_history
		WHERE session_id = $1 ORDER BY ts DESC LIMIT $2`
	rows, err := s.pool.Query(ctx, q, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("op=history.postgres.RecentTurns session=%s: %w: %v", sessionID, domain.ErrUpstream, err)
	}
	defer rows.Close()

	var turns []domain.ConversationTurn
	for rows.Next() {
		var t domain.ConversationTurn
		if err := rows.Scan(&t.Role, &t.Content, &t.Timestamp, &t.FileIDs, &t.Adapters); err != nil {
			return nil, fmt.Errorf("op=history.postgres.RecentTurns session=%s: %w: %v", sessionID, domain.ErrUpstream, err)
		}
		turns = append(turns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=history.postgres.RecentTurns session=%s: %w: %v", sessionID, domain.ErrUpstream, err)
	}

	for i, j := 0, len(turns)-1; i < j; i, j = i+1, j-1 {
		turns[i], turns[j] = turns[j], turns[i]
	}
	return turns, nil
}
