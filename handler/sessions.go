package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/localmesh/orgateway/apierr"
	"github.com/localmesh/orgateway/repo"
)

type sessionDTO struct {
	ID        string `json:"id"`
	Type      string `json:"type"`
	Title     string `json:"title,omitempty"`
	ProfileID *int64 `json:"profile_id"`
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
}

func toSessionDTO(s repo.Session) sessionDTO {
	return sessionDTO{
		ID:        s.ID,
		Type:      s.Type,
		Title:     s.Title,
		ProfileID: s.ProfileID,
		CreatedAt: s.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt: s.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

// CreateSession makes a new conversation container.
func (h *Handler) CreateSession(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Type      string `json:"type"`
		Title     string `json:"title"`
		ProfileID *int64 `json:"profile_id"`
	}
	if err := decode(r, &body); err != nil {
		h.fail(w, r, err)
		return
	}

	if body.ProfileID != nil {
		if _, err := h.repo.GetProfile(*body.ProfileID); err != nil {
			h.fail(w, r, err)
			return
		}
	}

	s, err := h.repo.CreateSession(body.Type, body.Title, body.ProfileID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.respond(w, http.StatusCreated, toSessionDTO(s))
}

// ListSessions lists sessions, optionally by type.
func (h *Handler) ListSessions(w http.ResponseWriter, r *http.Request) {
	var sessionType *string
	if t := r.URL.Query().Get("type"); t != "" {
		if !repo.ValidSessionType(t) {
			h.fail(w, r, apierr.New(apierr.BadRequest, "invalid session type: "+t))
			return
		}
		sessionType = &t
	}

	sessions, err := h.repo.ListSessions(sessionType)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	out := make([]sessionDTO, len(sessions))
	for i, s := range sessions {
		out[i] = toSessionDTO(s)
	}
	h.respond(w, http.StatusOK, map[string]any{"sessions": out})
}

// GetSession returns one session by id.
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	s, err := h.repo.GetSession(chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.respond(w, http.StatusOK, toSessionDTO(s))
}

// UpdateSession renames a session.
func (h *Handler) UpdateSession(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Title string `json:"title"`
	}
	if err := decode(r, &body); err != nil {
		h.fail(w, r, err)
		return
	}

	s, err := h.repo.UpdateSessionTitle(chi.URLParam(r, "id"), body.Title)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.respond(w, http.StatusOK, toSessionDTO(s))
}

// DeleteSession removes a session and, by cascade, its messages.
func (h *Handler) DeleteSession(w http.ResponseWriter, r *http.Request) {
	if err := h.repo.DeleteSession(chi.URLParam(r, "id")); err != nil {
		h.fail(w, r, err)
		return
	}
	h.respond(w, http.StatusOK, map[string]bool{"deleted": true})
}
