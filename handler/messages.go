package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/localmesh/orgateway/apierr"
	"github.com/localmesh/orgateway/repo"
)

type messageDTO struct {
	ID        string `json:"id"`
	SessionID string `json:"session_id"`
	Role      string `json:"role"`
	Content   string `json:"content"`
	CreatedAt string `json:"created_at"`
}

func toMessageDTO(m repo.Message) messageDTO {
	return messageDTO{
		ID:        m.ID,
		SessionID: m.SessionID,
		Role:      m.Role,
		Content:   m.Content,
		CreatedAt: m.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
}

// ListSessionMessages returns a session's messages in chronological
// order.
func (h *Handler) ListSessionMessages(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")
	if _, err := h.repo.GetSession(sessionID); err != nil {
		h.fail(w, r, err)
		return
	}

	limit, err := queryInt(r, "limit", 0)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	offset, err := queryInt(r, "offset", 0)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	messages, err := h.repo.ListMessagesBySession(sessionID, limit, offset)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	out := make([]messageDTO, len(messages))
	for i, m := range messages {
		out[i] = toMessageDTO(m)
	}
	h.respond(w, http.StatusOK, map[string]any{"messages": out})
}

// AppendSessionMessage records a user-authored turn.
func (h *Handler) AppendSessionMessage(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")
	if _, err := h.repo.GetSession(sessionID); err != nil {
		h.fail(w, r, err)
		return
	}

	var body struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}
	if err := decode(r, &body); err != nil {
		h.fail(w, r, err)
		return
	}
	if body.Role == "" {
		body.Role = repo.RoleUser
	}

	m, err := h.repo.AppendMessage(sessionID, body.Role, body.Content)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.respond(w, http.StatusCreated, toMessageDTO(m))
}

// GetMessage returns one message by id.
func (h *Handler) GetMessage(w http.ResponseWriter, r *http.Request) {
	m, err := h.repo.GetMessage(chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.respond(w, http.StatusOK, toMessageDTO(m))
}

// DeleteMessage removes one message.
func (h *Handler) DeleteMessage(w http.ResponseWriter, r *http.Request) {
	if err := h.repo.DeleteMessage(chi.URLParam(r, "id")); err != nil {
		h.fail(w, r, err)
		return
	}
	h.respond(w, http.StatusOK, map[string]bool{"deleted": true})
}

type searchResultDTO struct {
	MessageID    string  `json:"message_id"`
	SessionID    string  `json:"session_id"`
	Role         string  `json:"role"`
	Content      string  `json:"content"`
	CreatedAt    string  `json:"created_at"`
	SessionType  string  `json:"session_type"`
	SessionTitle string  `json:"session_title"`
	Snippet      string  `json:"snippet"`
	Rank         float64 `json:"rank"`
}

// SearchMessages runs the full-text search over message content.
func (h *Handler) SearchMessages(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("query")
	if query == "" {
		h.fail(w, r, apierr.New(apierr.BadRequest, "query is required"))
		return
	}

	limit, err := queryInt(r, "limit", 50)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	offset, err := queryInt(r, "offset", 0)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	start, err := queryDate(r, "start_date")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	end, err := queryDate(r, "end_date")
	if err != nil {
		h.fail(w, r, err)
		return
	}

	if st := r.URL.Query().Get("session_type"); st != "" && !repo.ValidSessionType(st) {
		h.fail(w, r, apierr.New(apierr.BadRequest, "invalid session type: "+st))
		return
	}

	results, err := h.repo.SearchMessages(repo.SearchQuery{
		Query:       query,
		SessionType: r.URL.Query().Get("session_type"),
		SessionID:   r.URL.Query().Get("session_id"),
		ModelID:     r.URL.Query().Get("model_id"),
		StartDate:   start,
		EndDate:     end,
		Limit:       limit,
		Offset:      offset,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}

	out := make([]searchResultDTO, len(results))
	for i, sr := range results {
		out[i] = searchResultDTO{
			MessageID:    sr.MessageID,
			SessionID:    sr.SessionID,
			Role:         sr.Role,
			Content:      sr.Content,
			CreatedAt:    sr.CreatedAt.UTC().Format(time.RFC3339Nano),
			SessionType:  sr.SessionType,
			SessionTitle: sr.SessionTitle,
			Snippet:      sr.Snippet,
			Rank:         sr.Rank,
		}
	}
	h.respond(w, http.StatusOK, map[string]any{"results": out})
}
