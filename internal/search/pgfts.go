package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// PgFTS implements search using PostgreSQL full-text search as a fallback.
type PgFTS struct {
	db *sql.DB
}

func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true; if Postgres is down, the whole app is down.
func (p *PgFTS) Healthy() bool {
	return true
}

// Search executes a UNION ALL query across storyboards and articles using
// plainto_tsquery and ts_rank, with ts_headline for snippets.
func (p *PgFTS) Search(ctx context.Context, q Query) ([]Result, int, error) {
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

	const tsQuery = "plainto_tsquery('english', $1)"
	args := []any{q.Text}

	var subQueries []string

	if q.FilterType == "" || q.FilterType == ResultStoryboard {
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'storyboard'::text AS type, s.id, s.title,
				ts_headline('english', coalesce(s.description, ''), %s, 'MaxFragments=1,MaxWords=30') AS snippet,
				''::text AS slug,
				ts_rank(to_tsvector('english', s.title || ' ' || s.description), %s) AS rank
			FROM storyboards s
			WHERE to_tsvector('english', s.title || ' ' || s.description) @@ %s`, tsQuery, tsQuery, tsQuery))
	}

	if q.FilterType == "" || q.FilterType == ResultArticle {
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'article'::text AS type, a.id, a.title,
				ts_headline('english', coalesce(a.body, ''), %s, 'MaxFragments=1,MaxWords=30') AS snippet,
				a.slug,
				ts_rank(to_tsvector('english', a.title || ' ' || a.body), %s) AS rank
			FROM articles a
			WHERE to_tsvector('english', a.title || ' ' || a.body) @@ %s`, tsQuery, tsQuery, tsQuery))
	}

	if len(subQueries) == 0 {
		return nil, 0, nil
	}

	countSQL := fmt.Sprintf("SELECT count(*) FROM (%s) sub", strings.Join(subQueries, " UNION ALL "))
	dataSQL := fmt.Sprintf(`SELECT type, id, title, snippet, slug
		FROM (%s) sub
		ORDER BY rank DESC
		LIMIT %d OFFSET %d`,
		strings.Join(subQueries, " UNION ALL "), limit, offset)

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
		var typ string
		if err := rows.Scan(&typ, &r.ID, &r.Title, &r.Snippet, &r.Slug); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		r.Type = ResultType(typ)
		results = append(results, r)
	}

	return results, total, rows.Err()
}
