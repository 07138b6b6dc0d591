package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// PgFTS searches with PostgreSQL full-text search as a fallback.
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

// Search runs a UNION ALL over sections and comments using plainto_tsquery
// and ts_rank, with ts_headline for snippets.
func (p *PgFTS) Search(ctx context.Context, q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}
	if q.BidIDs != nil && len(q.BidIDs) == 0 {
		return nil, 0, nil
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := max(q.Offset, 0)

	tsQuery := "plainto_tsquery('english', $1)"
	args := []any{q.Text}
	argN := 2
	scope := func(alias string) string {
		where := ""
		if q.BidIDs != nil {
			where += fmt.Sprintf(" AND %s.bid_id = ANY($%d)", alias, argN)
			args = append(args, q.BidIDs)
			argN++
		}
		if q.ExcludeBidID != "" {
			where += fmt.Sprintf(" AND %s.bid_id <> $%d", alias, argN)
			args = append(args, q.ExcludeBidID)
			argN++
		}
		return where
	}

	var subQueries []string
	if q.FilterType == "" || q.FilterType == ResultSection {
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'section'::text AS type, s.id, s.heading AS title,
				ts_headline('english', coalesce(s.answer, ''), %s, 'MaxFragments=1,MaxWords=30,StartSel=<mark>,StopSel=</mark>') AS snippet,
				s.bid_id, s.id AS section_id,
				ts_rank(s.search_vector, %s) AS rank
			FROM sections s
			WHERE s.search_vector @@ %s%s`, tsQuery, tsQuery, tsQuery, scope("s")))
	}
	if q.FilterType == "" || q.FilterType == ResultComment {
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'comment'::text AS type, c.id, sec.heading AS title,
				ts_headline('english', coalesce(c.text, ''), %s, 'MaxFragments=1,MaxWords=30,StartSel=<mark>,StopSel=</mark>') AS snippet,
				c.bid_id, c.section_id,
				ts_rank(c.search_vector, %s) AS rank
			FROM comments c
			JOIN sections sec ON sec.bid_id = c.bid_id AND sec.id = c.section_id
			WHERE c.search_vector @@ %s%s`, tsQuery, tsQuery, tsQuery, scope("c")))
	}
	if len(subQueries) == 0 {
		return nil, 0, nil
	}

	union := strings.Join(subQueries, " UNION ALL ")
	countSQL := fmt.Sprintf("SELECT count(*) FROM (%s) sub", union)
	dataSQL := fmt.Sprintf(`SELECT type, id, title, snippet, bid_id, section_id
		FROM (%s) sub
		ORDER BY rank DESC
		LIMIT %d OFFSET %d`, union, limit, offset)

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
		if err := rows.Scan(&typ, &r.ID, &r.Title, &r.Snippet, &r.BidID, &r.SectionID); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		r.Type = ResultType(typ)
		results = append(results, r)
	}
	return results, total, rows.Err()
}

// LoadAllRecords returns all searchable records for full reindexing.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]SectionRecord, []CommentRecord, error) {
	secRows, err := p.db.QueryContext(ctx, `
		SELECT bid_id, id, heading, question, answer, status FROM sections
	`)
	if err != nil {
		return nil, nil, fmt.Errorf("load sections: %w", err)
	}
	defer secRows.Close()

	sections := make([]SectionRecord, 0)
	for secRows.Next() {
		var s SectionRecord
		if err := secRows.Scan(&s.BidID, &s.SectionID, &s.Heading, &s.Question, &s.Answer, &s.Status); err != nil {
			return nil, nil, fmt.Errorf("scan section: %w", err)
		}
		s.ID = SectionRecordID(s.BidID, s.SectionID)
		s.Answer = PlainText(s.Answer)
		sections = append(sections, s)
	}
	if err := secRows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate sections: %w", err)
	}

	commentRows, err := p.db.QueryContext(ctx, `
		SELECT id, bid_id, section_id, text, author, resolved FROM comments
	`)
	if err != nil {
		return nil, nil, fmt.Errorf("load comments: %w", err)
	}
	defer commentRows.Close()

	comments := make([]CommentRecord, 0)
	for commentRows.Next() {
		var c CommentRecord
		if err := commentRows.Scan(&c.ID, &c.BidID, &c.SectionID, &c.Text, &c.Author, &c.Resolved); err != nil {
			return nil, nil, fmt.Errorf("scan comment: %w", err)
		}
		comments = append(comments, c)
	}
	if err := commentRows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate comments: %w", err)
	}
	return sections, comments, nil
}
