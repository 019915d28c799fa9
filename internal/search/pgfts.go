package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// PgFTS implements Searcher using PostgreSQL full-text search as a fallback.
type PgFTS struct {
	db *sql.DB
}

// NewPgFTS creates a PostgreSQL FTS searcher.
func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true — if Postgres is down, the whole app is down.
func (p *PgFTS) Healthy() bool {
	return true
}

// Search runs plainto_tsquery over the prompts table with ts_rank ordering
// and ts_headline snippets.
func (p *PgFTS) Search(q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	where := "p.fts @@ plainto_tsquery('english', $1)"
	args := []any{q.Text}
	argN := 2

	if q.FilterStatus != "" {
		where += fmt.Sprintf(" AND p.status = $%d", argN)
		args = append(args, q.FilterStatus)
		argN++
	}
	if q.PublicOnly {
		where += " AND p.visibility = 'public'"
	}

	countSQL := "SELECT count(*) FROM prompts p WHERE " + where

	dataSQL := fmt.Sprintf(`
		SELECT p.id, p.title,
			ts_headline('english', p.body, plainto_tsquery('english', $1), 'MaxFragments=1,MaxWords=30') AS snippet,
			p.status, p.visibility
		FROM prompts p
		WHERE %s
		ORDER BY ts_rank(p.fts, plainto_tsquery('english', $1)) DESC
		LIMIT %d OFFSET %d`, where, limit, offset)

	ctx := context.Background()

	var total int
	if err := p.db.QueryRowContext(ctx, countSQL, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, dataSQL, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		if err := rows.Scan(&r.ID, &r.Title, &r.Snippet, &r.Status, &r.Visibility); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		results = append(results, r)
	}

	return results, total, rows.Err()
}

// LoadAllRecords returns all prompts for full reindexing, tags included.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]PromptRecord, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT p.id, p.title, p.body, p.status, p.visibility,
			coalesce(array_agg(t.name) FILTER (WHERE t.name IS NOT NULL), '{}')
		FROM prompts p
		LEFT JOIN prompt_tags pt ON pt.prompt_id = p.id
		LEFT JOIN tags t ON t.id = pt.tag_id
		GROUP BY p.id
	`)
	if err != nil {
		return nil, fmt.Errorf("load prompts: %w", err)
	}
	defer rows.Close()

	records := make([]PromptRecord, 0)
	for rows.Next() {
		var rec PromptRecord
		var tags []byte
		if err := rows.Scan(&rec.ID, &rec.Title, &rec.Body, &rec.Status, &rec.Visibility, &tags); err != nil {
			return nil, fmt.Errorf("scan prompt: %w", err)
		}
		rec.Tags = parseTextArray(string(tags))
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate prompts: %w", err)
	}
	return records, nil
}

// parseTextArray decodes a simple Postgres text[] literal. Tag names are
// constrained to identifier-safe characters so quoting never appears.
func parseTextArray(raw string) []string {
	raw = strings.Trim(raw, "{}")
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		out = append(out, strings.Trim(part, `"`))
	}
	return out
}
