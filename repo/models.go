package repo

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/localmesh/orgateway/apierr"
)

const modelColumns = "external_id, name, context_length, prompt_unit_price, completion_unit_price, reasoning, created_at"

func scanModel(row interface{ Scan(...any) error }) (Model, error) {
	var m Model
	var promptPrice, completionPrice sql.NullFloat64
	var reasoning int
	var createdAt string
	if err := row.Scan(&m.ExternalID, &m.Name, &m.ContextLength, &promptPrice, &completionPrice, &reasoning, &createdAt); err != nil {
		return Model{}, err
	}
	if promptPrice.Valid {
		v := promptPrice.Float64
		m.PromptUnitPrice = &v
	}
	if completionPrice.Valid {
		v := completionPrice.Float64
		m.CompletionUnitPrice = &v
	}
	m.Reasoning = reasoning != 0
	m.CreatedAt, _ = time.Parse(timeLayout, createdAt)
	return m, nil
}

// UpsertModels bulk-upserts the catalog by external id and clears the
// entire model cache (§4.2). Callers must have already normalized unit
// prices to dollars-per-token (§9's resolved open question).
func (r *Repository) UpsertModels(models []Model) (int, error) {
	tx, err := r.store.DB.Begin()
	if err != nil {
		return 0, fmt.Errorf("begin upsert tx: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC().Format(timeLayout)
	stmt, err := tx.Prepare(`
		INSERT INTO models (external_id, name, context_length, prompt_unit_price, completion_unit_price, reasoning, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(external_id) DO UPDATE SET
			name=excluded.name, context_length=excluded.context_length,
			prompt_unit_price=excluded.prompt_unit_price, completion_unit_price=excluded.completion_unit_price,
			reasoning=excluded.reasoning`)
	if err != nil {
		return 0, fmt.Errorf("prepare upsert: %w", err)
	}
	defer stmt.Close()

	for _, m := range models {
		reasoning := 0
		if m.Reasoning {
			reasoning = 1
		}
		if _, err := stmt.Exec(m.ExternalID, m.Name, m.ContextLength, nullableFloat(m.PromptUnitPrice), nullableFloat(m.CompletionUnitPrice), reasoning, now); err != nil {
			return 0, fmt.Errorf("upsert model %s: %w", m.ExternalID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit upsert tx: %w", err)
	}

	r.caches.Models.Clear()
	return len(models), nil
}

// GetModel returns a model by external id.
func (r *Repository) GetModel(externalID string) (Model, error) {
	row := r.store.DB.QueryRow(`SELECT `+modelColumns+` FROM models WHERE external_id = ?`, externalID)
	m, err := scanModel(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Model{}, apierr.New(apierr.BadRequest, "unknown model: "+externalID)
	}
	if err != nil {
		return Model{}, fmt.Errorf("get model: %w", err)
	}
	return m, nil
}

// ListModels returns the catalog filtered per ModelFilter, consulting the
// models cache first (keyed by the filter's shape).
func (r *Repository) ListModels(filter ModelFilter) ([]Model, error) {
	key := modelListCacheKey + filterCacheSuffix(filter)
	if v, ok := r.caches.Models.Get(key); ok {
		return v.([]Model), nil
	}

	var where []string
	var args []any
	if filter.Reasoning != nil {
		where = append(where, "reasoning = ?")
		v := 0
		if *filter.Reasoning {
			v = 1
		}
		args = append(args, v)
	}
	if filter.MinContext != nil {
		where = append(where, "context_length >= ?")
		args = append(args, *filter.MinContext)
	}
	if filter.MaxPrice != nil {
		where = append(where, "(prompt_unit_price IS NULL OR prompt_unit_price <= ?)")
		args = append(args, *filter.MaxPrice)
	}

	query := `SELECT ` + modelColumns + ` FROM models`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY external_id"

	rows, err := r.store.DB.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list models: %w", err)
	}
	defer rows.Close()

	var out []Model
	for rows.Next() {
		m, err := scanModel(rows)
		if err != nil {
			return nil, fmt.Errorf("scan model: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	r.caches.Models.Set(key, out)
	return out, nil
}

func filterCacheSuffix(f ModelFilter) string {
	var b strings.Builder
	if f.Reasoning != nil {
		fmt.Fprintf(&b, ":r=%v", *f.Reasoning)
	}
	if f.MinContext != nil {
		fmt.Fprintf(&b, ":mc=%d", *f.MinContext)
	}
	if f.MaxPrice != nil {
		fmt.Fprintf(&b, ":mp=%f", *f.MaxPrice)
	}
	return b.String()
}

func nullableFloat(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}
