package repo

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/localmesh/orgateway/apierr"
)

const sessionColumns = "id, type, title, profile_id, created_at, updated_at"

func scanSession(row interface{ Scan(...any) error }) (Session, error) {
	var s Session
	var title sql.NullString
	var profileID sql.NullInt64
	var createdAt, updatedAt string
	if err := row.Scan(&s.ID, &s.Type, &title, &profileID, &createdAt, &updatedAt); err != nil {
		return Session{}, err
	}
	s.Title = title.String
	if profileID.Valid {
		id := profileID.Int64
		s.ProfileID = &id
	}
	s.CreatedAt, _ = time.Parse(timeLayout, createdAt)
	s.UpdatedAt, _ = time.Parse(timeLayout, updatedAt)
	return s, nil
}

// CreateSession inserts a new session. sessionType must be one of the
// four allowed values.
func (r *Repository) CreateSession(sessionType, title string, profileID *int64) (Session, error) {
	if !ValidSessionType(sessionType) {
		return Session{}, apierr.New(apierr.BadRequest, "invalid session type: "+sessionType)
	}
	now := time.Now().UTC()
	id := newID()

	_, err := r.store.DB.Exec(
		`INSERT INTO sessions (id, type, title, profile_id, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
		id, sessionType, nullableString(title), nullableInt64(profileID), now.Format(timeLayout), now.Format(timeLayout),
	)
	if err != nil {
		return Session{}, fmt.Errorf("insert session: %w", err)
	}
	return Session{ID: id, Type: sessionType, Title: title, ProfileID: profileID, CreatedAt: now, UpdatedAt: now}, nil
}

// GetSession returns a session by id.
func (r *Repository) GetSession(id string) (Session, error) {
	row := r.store.DB.QueryRow(`SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	s, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, apierr.NotFound(apierr.SessionNotFound, "session", id)
	}
	if err != nil {
		return Session{}, fmt.Errorf("get session: %w", err)
	}
	return s, nil
}

// ListSessions lists sessions, optionally filtered by type.
func (r *Repository) ListSessions(sessionType *string) ([]Session, error) {
	var rows *sql.Rows
	var err error
	if sessionType != nil {
		rows, err = r.store.DB.Query(`SELECT `+sessionColumns+` FROM sessions WHERE type = ? ORDER BY created_at DESC`, *sessionType)
	} else {
		rows, err = r.store.DB.Query(`SELECT ` + sessionColumns + ` FROM sessions ORDER BY created_at DESC`)
	}
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// UpdateSessionTitle renames a session.
func (r *Repository) UpdateSessionTitle(id, title string) (Session, error) {
	now := time.Now().UTC()
	res, err := r.store.DB.Exec(`UPDATE sessions SET title = ?, updated_at = ? WHERE id = ?`, nullableString(title), now.Format(timeLayout), id)
	if err != nil {
		return Session{}, fmt.Errorf("update session title: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return Session{}, apierr.NotFound(apierr.SessionNotFound, "session", id)
	}
	return r.GetSession(id)
}

// DeleteSession removes a session; its messages and usage logs cascade
// via the store's ON DELETE CASCADE foreign keys.
func (r *Repository) DeleteSession(id string) error {
	res, err := r.store.DB.Exec(`DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return apierr.NotFound(apierr.SessionNotFound, "session", id)
	}
	return nil
}

func nullableInt64(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}
