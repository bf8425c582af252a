package repo

import (
	"fmt"
	"strings"
	"time"
)

// SearchMessages runs a full-text query over message content, joined with
// session metadata. Results are ordered by descending relevance (BM25),
// then descending timestamp. The limit is clamped to MaxSearchLimit and a
// negative offset is treated as zero.
//
// A query FTS5 cannot parse is a client input shape, not a server fault:
// it logs a warning and returns zero results.
func (r *Repository) SearchMessages(q SearchQuery) ([]SearchResult, error) {
	limit := q.Limit
	if limit <= 0 || limit > MaxSearchLimit {
		limit = MaxSearchLimit
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	var where []string
	var args []any

	args = append(args, translateQuery(q.Query))

	if q.SessionType != "" {
		where = append(where, "s.type = ?")
		args = append(args, q.SessionType)
	}
	if q.SessionID != "" {
		where = append(where, "m.session_id = ?")
		args = append(args, q.SessionID)
	}
	if q.ModelID != "" {
		where = append(where, "m.session_id IN (SELECT session_id FROM usage_logs WHERE model_id = ?)")
		args = append(args, q.ModelID)
	}
	if q.StartDate != nil {
		where = append(where, "m.created_at >= ?")
		args = append(args, q.StartDate.UTC().Format(timeLayout))
	}
	if q.EndDate != nil {
		where = append(where, "m.created_at <= ?")
		args = append(args, q.EndDate.UTC().Format(timeLayout))
	}

	query := `
		SELECT m.id, m.session_id, m.role, m.content, m.created_at,
		       s.type, COALESCE(s.title, ''),
		       snippet(messages_fts, 0, '<mark>', '</mark>', '…', 12),
		       -bm25(messages_fts) AS relevance
		FROM messages_fts
		JOIN messages m ON m.rowid = messages_fts.rowid
		JOIN sessions s ON s.id = m.session_id
		WHERE messages_fts MATCH ?`
	if len(where) > 0 {
		query += " AND " + strings.Join(where, " AND ")
	}
	query += " ORDER BY relevance DESC, m.created_at DESC LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	rows, err := r.store.DB.Query(query, args...)
	if err != nil {
		if isFTSQueryError(err) {
			r.log.Warn().Err(err).Str("query", q.Query).Msg("unparseable search query")
			return nil, nil
		}
		return nil, fmt.Errorf("search messages: %w", err)
	}
	defer rows.Close()

	var out []SearchResult
	for rows.Next() {
		var sr SearchResult
		var createdAt string
		if err := rows.Scan(&sr.MessageID, &sr.SessionID, &sr.Role, &sr.Content, &createdAt,
			&sr.SessionType, &sr.SessionTitle, &sr.Snippet, &sr.Rank); err != nil {
			return nil, fmt.Errorf("scan search result: %w", err)
		}
		sr.CreatedAt, _ = time.Parse(timeLayout, createdAt)
		out = append(out, sr)
	}
	if err := rows.Err(); err != nil {
		if isFTSQueryError(err) {
			r.log.Warn().Err(err).Str("query", q.Query).Msg("unparseable search query")
			return nil, nil
		}
		return nil, fmt.Errorf("search messages: %w", err)
	}
	return out, nil
}

// translateQuery maps the search box's "-term" exclusion shorthand onto
// FTS5's NOT operator. Quoted phrases pass through untouched; everything
// else is already native MATCH syntax.
func translateQuery(q string) string {
	var out []string
	inQuote := false
	for _, tok := range strings.Fields(q) {
		if !inQuote && strings.HasPrefix(tok, "-") && len(tok) > 1 {
			out = append(out, "NOT", tok[1:])
		} else {
			out = append(out, tok)
		}
		if strings.Count(tok, `"`)%2 == 1 {
			inQuote = !inQuote
		}
	}
	return strings.Join(out, " ")
}

// isFTSQueryError recognizes FTS5 MATCH syntax errors from the driver.
func isFTSQueryError(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "fts5: syntax error") ||
		strings.Contains(msg, "unknown special query") ||
		strings.Contains(msg, "malformed MATCH expression") ||
		strings.Contains(msg, "no such column") ||
		strings.Contains(msg, "unterminated string")
}
