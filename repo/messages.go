package repo

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/localmesh/orgateway/apierr"
)

const messageColumns = "id, session_id, role, content, created_at"

func scanMessage(row interface{ Scan(...any) error }) (Message, error) {
	var m Message
	var createdAt string
	if err := row.Scan(&m.ID, &m.SessionID, &m.Role, &m.Content, &createdAt); err != nil {
		return Message{}, err
	}
	m.CreatedAt, _ = time.Parse(timeLayout, createdAt)
	return m, nil
}

// AppendMessage inserts a new message for a session. Used directly for
// user-authored turns over the CRUD surface and internally by the
// streaming pipeline for the assistant turn.
func (r *Repository) AppendMessage(sessionID, role, content string) (Message, error) {
	if !ValidRole(role) {
		return Message{}, apierr.New(apierr.BadRequest, "invalid message role: "+role)
	}
	now := time.Now().UTC()
	id := newID()
	_, err := r.store.DB.Exec(
		`INSERT INTO messages (id, session_id, role, content, created_at) VALUES (?, ?, ?, ?, ?)`,
		id, sessionID, role, content, now.Format(timeLayout),
	)
	if err != nil {
		return Message{}, fmt.Errorf("insert message: %w", err)
	}
	return Message{ID: id, SessionID: sessionID, Role: role, Content: content, CreatedAt: now}, nil
}

// GetMessage returns a message by id.
func (r *Repository) GetMessage(id string) (Message, error) {
	row := r.store.DB.QueryRow(`SELECT `+messageColumns+` FROM messages WHERE id = ?`, id)
	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Message{}, apierr.NotFound(apierr.MessageNotFound, "message", id)
	}
	if err != nil {
		return Message{}, fmt.Errorf("get message: %w", err)
	}
	return m, nil
}

// ListMessagesBySession returns a session's messages in ascending
// (created_at, id) order — the total order the data model requires.
// A limit of zero means unbounded; the pipeline needs the full history.
func (r *Repository) ListMessagesBySession(sessionID string, limit, offset int) ([]Message, error) {
	if limit <= 0 {
		limit = -1
	} else if limit > MaxSearchLimit {
		limit = MaxSearchLimit
	}
	if offset < 0 {
		offset = 0
	}
	rows, err := r.store.DB.Query(
		`SELECT `+messageColumns+` FROM messages WHERE session_id = ? ORDER BY created_at ASC, id ASC LIMIT ? OFFSET ?`,
		sessionID, limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// DeleteMessage removes a single message.
func (r *Repository) DeleteMessage(id string) error {
	res, err := r.store.DB.Exec(`DELETE FROM messages WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete message: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return apierr.NotFound(apierr.MessageNotFound, "message", id)
	}
	return nil
}
