package retriever

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/orbit-rag/orbit/internal/domain"
)

// PgxPool is a minimal subset of *pgxpool.Pool used by SQLRetriever, the
// same fakeable-interface pattern the teacher's repo layer uses (see
// internal/adapter/repo/postgres.PgxPool) so tests don't need a live
// database.
type PgxPool interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Ping(ctx context.Context) error
}

// SQLTemplate is a single parameterized, admin-authored query this
// retriever is allowed to run. Caller-supplied values only ever fill `$N`
// placeholders; the template text itself is never built from user input.
type SQLTemplate struct {
	Name            string
	Query           string // e.g. "SELECT title, body FROM docs WHERE body ILIKE $1 LIMIT $2"
	ApprovedByAdmin bool
}

// SQLRetriever implements domain.Retriever against a Postgres pool,
// grounded on the teacher's internal/adapter/repo/postgres connection and
// query conventions (pgx/v5, context-scoped timeouts).
type SQLRetriever struct {
	adapterName    string
	pool           PgxPool
	template       SQLTemplate
	queryTimeout   time.Duration
	maxResults     int
	returnResults  int
	securityFilter string
	allowedColumns []string
}

// NewSQLRetriever builds a SQLRetriever from a descriptor's config. Exactly
// one template is bound per adapter; the template's ApprovedByAdmin flag is
// carried but not read, so multi-template adapters are not supported.
// max_results bounds the query's own LIMIT (a
// safety cap against the database); return_results is the smaller count
// actually handed back to the caller, tracked identically to the vector
// retriever's top_k/return_results split so Truncated reflects a real
// client-side cut rather than one the database already applied.
func NewSQLRetriever(adapterName string, pool PgxPool, tmpl SQLTemplate, cfg map[string]any) *SQLRetriever {
	maxResults := ConfigInt(cfg, "max_results", 20)
	returnResults := ConfigInt(cfg, "return_results", 5)
	if returnResults > maxResults {
		returnResults = maxResults
	}
	return &SQLRetriever{
		adapterName:    adapterName,
		pool:           pool,
		template:       tmpl,
		queryTimeout:   time.Duration(ConfigInt(cfg, "query_timeout_ms", 5000)) * time.Millisecond,
		maxResults:     maxResults,
		returnResults:  returnResults,
		securityFilter: ConfigString(cfg, "security_filter", ""),
		allowedColumns: splitCSV(ConfigString(cfg, "allowed_columns", "")),
	}
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

func (s *SQLRetriever) Initialize(ctx context.Context) error {
	if s.pool == nil {
		return fmt.Errorf("adapter=%s: nil connection pool", s.adapterName)
	}
	return s.pool.Ping(ctx)
}

func (s *SQLRetriever) Close(ctx context.Context) error { return nil }

// SetCollection checks a template name against the one bound template.
// SQLRetriever is constructed against exactly one template, so the bound
// template's name (or an empty name) is a no-op and any other name is
// rejected with ErrValidation.
func (s *SQLRetriever) SetCollection(name string) error {
	if name != "" && name != s.template.Name {
		return fmt.Errorf("adapter=%s template=%s: %w: template not bound (approved_by_admin required for multi-template adapters)", s.adapterName, name, domain.ErrValidation)
	}
	return nil
}

func (s *SQLRetriever) GetRelevantContext(ctx context.Context, query string, inv domain.AdapterInvocation) ([]domain.ContextDocument, domain.RetrievalMeta, error) {
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	sqlText := s.template.Query
	args := []any{query, s.maxResults}
	if s.securityFilter != "" {
		sqlText = fmt.Sprintf("SELECT * FROM (%s) t WHERE %s", strings.TrimSuffix(strings.TrimSpace(sqlText), ";"), s.securityFilter)
	}

	rows, err := s.pool.Query(queryCtx, sqlText, args...)
	if err != nil {
		return nil, domain.RetrievalMeta{}, fmt.Errorf("op=sqlRetriever.GetRelevantContext adapter=%s: %w: %v", s.adapterName, domain.ErrUpstream, err)
	}
	defer rows.Close()

	docs, originalCount, err := s.scanRows(rows)
	if err != nil {
		return nil, domain.RetrievalMeta{}, fmt.Errorf("op=sqlRetriever.GetRelevantContext adapter=%s: %w: %v", s.adapterName, domain.ErrUpstream, err)
	}

	truncated := originalCount > len(docs)
	meta := domain.RetrievalMeta{
		ResultCount:    len(docs),
		TotalAvailable: originalCount,
		Truncated:      truncated,
		Stages: domain.RetrievalStageCounts{
			Vector:     originalCount,
			Confidence: originalCount,
			Domain:     len(docs),
		},
	}
	return docs, meta, nil
}

func (s *SQLRetriever) scanRows(rows pgx.Rows) ([]domain.ContextDocument, int, error) {
	fields := rows.FieldDescriptions()
	docs := make([]domain.ContextDocument, 0, s.returnResults)
	count := 0
	for rows.Next() {
		count++
		values, err := rows.Values()
		if err != nil {
			return nil, 0, err
		}
		var sb strings.Builder
		for i, f := range fields {
			if s.allowedColumns != nil && !contains(s.allowedColumns, string(f.Name)) {
				continue
			}
			if i > 0 {
				sb.WriteString(" ")
			}
			fmt.Fprintf(&sb, "%s: %v", f.Name, values[i])
		}
		if len(docs) < s.returnResults {
			docs = append(docs, domain.ContextDocument{
				Content: sb.String(),
				Metadata: domain.ContextMetadata{
					Adapter:    s.adapterName,
					Source:     s.template.Name,
					Confidence: 1.0,
				},
				Score: 1.0,
			})
		}
	}
	return docs, count, rows.Err()
}

func contains(ss []string, v string) bool {
	for _, s := range ss {
		if s == v {
			return true
		}
	}
	return false
}
