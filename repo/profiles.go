package repo

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/localmesh/orgateway/apierr"
)

const timeLayout = time.RFC3339Nano

func scanProfile(row interface{ Scan(...any) error }) (Profile, error) {
	var p Profile
	var createdAt, updatedAt string
	var systemPrompt, presetLabel sql.NullString
	if err := row.Scan(&p.ID, &p.Name, &systemPrompt, &p.Temperature, &p.MaxTokens, &presetLabel, &createdAt, &updatedAt); err != nil {
		return Profile{}, err
	}
	p.SystemPrompt = systemPrompt.String
	p.PresetLabel = presetLabel.String
	p.CreatedAt, _ = time.Parse(timeLayout, createdAt)
	p.UpdatedAt, _ = time.Parse(timeLayout, updatedAt)
	return p, nil
}

const profileColumns = "id, name, system_prompt, temperature, max_tokens, preset_label, created_at, updated_at"

// CreateProfile inserts a new profile and invalidates the profile list cache.
func (r *Repository) CreateProfile(name, systemPrompt string, temperature float64, maxTokens int, presetLabel string) (Profile, error) {
	if name == "" {
		return Profile{}, apierr.New(apierr.BadRequest, "profile name must not be empty")
	}
	now := time.Now().UTC()
	res, err := r.store.DB.Exec(
		`INSERT INTO profiles (name, system_prompt, temperature, max_tokens, preset_label, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		name, nullableString(systemPrompt), temperature, maxTokens, nullableString(presetLabel),
		now.Format(timeLayout), now.Format(timeLayout),
	)
	if err != nil {
		return Profile{}, fmt.Errorf("insert profile: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return Profile{}, fmt.Errorf("profile last insert id: %w", err)
	}

	r.caches.Profiles.Invalidate(profileListCacheKey)
	return Profile{
		ID: id, Name: name, SystemPrompt: systemPrompt, Temperature: temperature,
		MaxTokens: maxTokens, PresetLabel: presetLabel, CreatedAt: now, UpdatedAt: now,
	}, nil
}

// GetProfile returns a profile by id, consulting the profiles cache first.
func (r *Repository) GetProfile(id int64) (Profile, error) {
	key := profileCacheKey(id)
	if v, ok := r.caches.Profiles.Get(key); ok {
		return v.(Profile), nil
	}

	row := r.store.DB.QueryRow(`SELECT `+profileColumns+` FROM profiles WHERE id = ?`, id)
	p, err := scanProfile(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Profile{}, apierr.NotFound(apierr.ProfileNotFound, "profile", fmt.Sprint(id))
	}
	if err != nil {
		return Profile{}, fmt.Errorf("get profile: %w", err)
	}

	r.caches.Profiles.Set(key, p)
	return p, nil
}

// ListProfiles returns every profile, consulting the profiles cache first.
func (r *Repository) ListProfiles() ([]Profile, error) {
	if v, ok := r.caches.Profiles.Get(profileListCacheKey); ok {
		return v.([]Profile), nil
	}

	rows, err := r.store.DB.Query(`SELECT ` + profileColumns + ` FROM profiles ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list profiles: %w", err)
	}
	defer rows.Close()

	var out []Profile
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, fmt.Errorf("scan profile: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	r.caches.Profiles.Set(profileListCacheKey, out)
	return out, nil
}

// ProfileUpdate carries the mutable fields of a profile update; a nil
// field leaves the stored value unchanged.
type ProfileUpdate struct {
	Name         *string
	SystemPrompt *string
	Temperature  *float64
	MaxTokens    *int
	PresetLabel  *string
}

// UpdateProfile applies a partial update and invalidates both the
// single-profile key and the list-all key.
func (r *Repository) UpdateProfile(id int64, upd ProfileUpdate) (Profile, error) {
	existing, err := r.GetProfile(id)
	if err != nil {
		return Profile{}, err
	}
	if upd.Name != nil {
		existing.Name = *upd.Name
	}
	if upd.SystemPrompt != nil {
		existing.SystemPrompt = *upd.SystemPrompt
	}
	if upd.Temperature != nil {
		existing.Temperature = *upd.Temperature
	}
	if upd.MaxTokens != nil {
		existing.MaxTokens = *upd.MaxTokens
	}
	if upd.PresetLabel != nil {
		existing.PresetLabel = *upd.PresetLabel
	}
	now := time.Now().UTC()

	_, err = r.store.DB.Exec(
		`UPDATE profiles SET name=?, system_prompt=?, temperature=?, max_tokens=?, preset_label=?, updated_at=? WHERE id=?`,
		existing.Name, nullableString(existing.SystemPrompt), existing.Temperature, existing.MaxTokens,
		nullableString(existing.PresetLabel), now.Format(timeLayout), id,
	)
	if err != nil {
		return Profile{}, fmt.Errorf("update profile: %w", err)
	}
	existing.UpdatedAt = now

	r.caches.Profiles.Invalidate(profileCacheKey(id))
	r.caches.Profiles.Invalidate(profileListCacheKey)
	return existing, nil
}

// DeleteProfile removes a profile. Sessions referencing it are nulled out
// by the store's ON DELETE SET NULL foreign key.
func (r *Repository) DeleteProfile(id int64) error {
	res, err := r.store.DB.Exec(`DELETE FROM profiles WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete profile: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return apierr.NotFound(apierr.ProfileNotFound, "profile", fmt.Sprint(id))
	}

	r.caches.Profiles.Invalidate(profileCacheKey(id))
	r.caches.Profiles.Invalidate(profileListCacheKey)
	return nil
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
