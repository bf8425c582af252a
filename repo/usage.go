package repo

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/localmesh/orgateway/apierr"
)

const usageColumns = "id, session_id, profile_id, model_id, prompt_tokens, completion_tokens, total_tokens, cost_usd, created_at"

func scanUsageLog(row interface{ Scan(...any) error }) (UsageLog, error) {
	var u UsageLog
	var profileID sql.NullInt64
	var createdAt string
	if err := row.Scan(&u.ID, &u.SessionID, &profileID, &u.ModelID,
		&u.PromptTokens, &u.CompletionTokens, &u.TotalTokens, &u.CostUSD, &createdAt); err != nil {
		return UsageLog{}, err
	}
	if profileID.Valid {
		id := profileID.Int64
		u.ProfileID = &id
	}
	u.CreatedAt, _ = time.Parse(timeLayout, createdAt)
	return u, nil
}

// AppendUsageLog records one completed stream's token accounting. Total
// tokens is always the sum of prompt and completion counts; the caller's
// value is not trusted.
func (r *Repository) AppendUsageLog(sessionID string, profileID *int64, modelID string, promptTokens, completionTokens int, costUSD float64) (UsageLog, error) {
	if promptTokens < 0 || completionTokens < 0 || costUSD < 0 {
		return UsageLog{}, apierr.New(apierr.BadRequest, "usage counters must be non-negative")
	}
	now := time.Now().UTC()
	id := newID()
	total := promptTokens + completionTokens

	_, err := r.store.DB.Exec(
		`INSERT INTO usage_logs (id, session_id, profile_id, model_id, prompt_tokens, completion_tokens, total_tokens, cost_usd, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, sessionID, nullableInt64(profileID), modelID, promptTokens, completionTokens, total, costUSD, now.Format(timeLayout),
	)
	if err != nil {
		return UsageLog{}, fmt.Errorf("insert usage log: %w", err)
	}
	return UsageLog{
		ID: id, SessionID: sessionID, ProfileID: profileID, ModelID: modelID,
		PromptTokens: promptTokens, CompletionTokens: completionTokens, TotalTokens: total,
		CostUSD: costUSD, CreatedAt: now,
	}, nil
}

// GetUsageLog returns one accounting row by id.
func (r *Repository) GetUsageLog(id string) (UsageLog, error) {
	row := r.store.DB.QueryRow(`SELECT `+usageColumns+` FROM usage_logs WHERE id = ?`, id)
	u, err := scanUsageLog(row)
	if errors.Is(err, sql.ErrNoRows) {
		return UsageLog{}, apierr.NotFound(apierr.UsageLogNotFound, "usage_log", id)
	}
	if err != nil {
		return UsageLog{}, fmt.Errorf("get usage log: %w", err)
	}
	return u, nil
}

// ListUsageLogs returns accounting rows newest-first, optionally scoped
// to one session.
func (r *Repository) ListUsageLogs(sessionID *string, limit, offset int) ([]UsageLog, error) {
	if limit <= 0 || limit > MaxSearchLimit {
		limit = MaxSearchLimit
	}
	if offset < 0 {
		offset = 0
	}

	var rows *sql.Rows
	var err error
	if sessionID != nil {
		rows, err = r.store.DB.Query(
			`SELECT `+usageColumns+` FROM usage_logs WHERE session_id = ? ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`,
			*sessionID, limit, offset)
	} else {
		rows, err = r.store.DB.Query(
			`SELECT `+usageColumns+` FROM usage_logs ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`,
			limit, offset)
	}
	if err != nil {
		return nil, fmt.Errorf("list usage logs: %w", err)
	}
	defer rows.Close()

	var out []UsageLog
	for rows.Next() {
		u, err := scanUsageLog(rows)
		if err != nil {
			return nil, fmt.Errorf("scan usage log: %w", err)
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// DeleteUsageLog removes one accounting row.
func (r *Repository) DeleteUsageLog(id string) error {
	res, err := r.store.DB.Exec(`DELETE FROM usage_logs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete usage log: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return apierr.NotFound(apierr.UsageLogNotFound, "usage_log", id)
	}
	return nil
}

// UsageTimeline groups usage by day, week, or month over an optional date
// range.
func (r *Repository) UsageTimeline(granularity string, start, end *time.Time) ([]TimelineBucket, error) {
	var format string
	switch granularity {
	case "day", "":
		format = "%Y-%m-%d"
	case "week":
		format = "%Y-W%W"
	case "month":
		format = "%Y-%m"
	default:
		return nil, apierr.New(apierr.BadRequest, "granularity must be day, week, or month")
	}

	var where []string
	var args []any
	args = append(args, format)
	if start != nil {
		where = append(where, "created_at >= ?")
		args = append(args, start.UTC().Format(timeLayout))
	}
	if end != nil {
		where = append(where, "created_at <= ?")
		args = append(args, end.UTC().Format(timeLayout))
	}

	query := `
		SELECT strftime(?, created_at) AS period,
		       SUM(total_tokens), SUM(prompt_tokens), SUM(completion_tokens),
		       SUM(cost_usd), COUNT(*)
		FROM usage_logs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " GROUP BY period ORDER BY period"

	rows, err := r.store.DB.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("usage timeline: %w", err)
	}
	defer rows.Close()

	var out []TimelineBucket
	for rows.Next() {
		var b TimelineBucket
		if err := rows.Scan(&b.Period, &b.TotalTokens, &b.PromptTokens, &b.CompletionTokens, &b.TotalCostUSD, &b.RequestCount); err != nil {
			return nil, fmt.Errorf("scan timeline bucket: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// UsageStats returns the overall accounting summary.
func (r *Repository) UsageStats() (UsageStats, error) {
	row := r.store.DB.QueryRow(`
		SELECT COALESCE(SUM(total_tokens), 0), COALESCE(SUM(cost_usd), 0),
		       COUNT(DISTINCT model_id), COUNT(DISTINCT session_id),
		       COUNT(*), MIN(created_at), MAX(created_at)
		FROM usage_logs`)

	var s UsageStats
	var count int
	var first, last sql.NullString
	if err := row.Scan(&s.TotalTokens, &s.TotalCostUSD, &s.UniqueModels, &s.UniqueSessions, &count, &first, &last); err != nil {
		return UsageStats{}, fmt.Errorf("usage stats: %w", err)
	}
	if count > 0 {
		s.AvgCostPerReq = s.TotalCostUSD / float64(count)
	}
	if first.Valid {
		t, _ := time.Parse(timeLayout, first.String)
		s.FirstAt = &t
	}
	if last.Valid {
		t, _ := time.Parse(timeLayout, last.String)
		s.LastAt = &t
	}
	return s, nil
}

// UsageByModel returns the per-model accounting breakdown, most expensive
// first.
func (r *Repository) UsageByModel() ([]ModelUsage, error) {
	rows, err := r.store.DB.Query(`
		SELECT model_id, SUM(total_tokens), SUM(prompt_tokens), SUM(completion_tokens),
		       SUM(cost_usd), COUNT(*)
		FROM usage_logs
		GROUP BY model_id
		ORDER BY SUM(cost_usd) DESC, model_id`)
	if err != nil {
		return nil, fmt.Errorf("usage by model: %w", err)
	}
	defer rows.Close()

	var out []ModelUsage
	for rows.Next() {
		var m ModelUsage
		if err := rows.Scan(&m.ModelID, &m.TotalTokens, &m.PromptTokens, &m.CompletionTokens, &m.TotalCostUSD, &m.RequestCount); err != nil {
			return nil, fmt.Errorf("scan model usage: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
