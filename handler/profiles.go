package handler

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/localmesh/orgateway/apierr"
	"github.com/localmesh/orgateway/repo"
)

type profileDTO struct {
	ID           int64   `json:"id"`
	Name         string  `json:"name"`
	SystemPrompt string  `json:"system_prompt,omitempty"`
	Temperature  float64 `json:"temperature"`
	MaxTokens    int     `json:"max_tokens"`
	PresetLabel  string  `json:"preset_label,omitempty"`
	CreatedAt    string  `json:"created_at"`
	UpdatedAt    string  `json:"updated_at"`
}

func toProfileDTO(p repo.Profile) profileDTO {
	return profileDTO{
		ID:           p.ID,
		Name:         p.Name,
		SystemPrompt: p.SystemPrompt,
		Temperature:  p.Temperature,
		MaxTokens:    p.MaxTokens,
		PresetLabel:  p.PresetLabel,
		CreatedAt:    p.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:    p.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

type profileBody struct {
	Name         *string  `json:"name"`
	SystemPrompt *string  `json:"system_prompt"`
	Temperature  *float64 `json:"temperature"`
	MaxTokens    *int     `json:"max_tokens"`
	PresetLabel  *string  `json:"preset_label"`
}

// CreateProfile makes a new preset. Omitted temperature and max_tokens
// take the documented defaults.
func (h *Handler) CreateProfile(w http.ResponseWriter, r *http.Request) {
	var body profileBody
	if err := decode(r, &body); err != nil {
		h.fail(w, r, err)
		return
	}
	if body.Name == nil || *body.Name == "" {
		h.fail(w, r, apierr.New(apierr.BadRequest, "name is required"))
		return
	}

	temperature := 0.7
	if body.Temperature != nil {
		temperature = *body.Temperature
	}
	maxTokens := 2048
	if body.MaxTokens != nil {
		maxTokens = *body.MaxTokens
	}
	if maxTokens <= 0 {
		h.fail(w, r, apierr.New(apierr.BadRequest, "max_tokens must be positive"))
		return
	}

	p, err := h.repo.CreateProfile(*body.Name, deref(body.SystemPrompt), temperature, maxTokens, deref(body.PresetLabel))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.respond(w, http.StatusCreated, toProfileDTO(p))
}

// ListProfiles returns every preset.
func (h *Handler) ListProfiles(w http.ResponseWriter, r *http.Request) {
	profiles, err := h.repo.ListProfiles()
	if err != nil {
		h.fail(w, r, err)
		return
	}
	out := make([]profileDTO, len(profiles))
	for i, p := range profiles {
		out[i] = toProfileDTO(p)
	}
	h.respond(w, http.StatusOK, map[string]any{"profiles": out})
}

// GetProfile returns one preset by id.
func (h *Handler) GetProfile(w http.ResponseWriter, r *http.Request) {
	id, err := profileID(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	p, err := h.repo.GetProfile(id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.respond(w, http.StatusOK, toProfileDTO(p))
}

// UpdateProfile applies a partial update.
func (h *Handler) UpdateProfile(w http.ResponseWriter, r *http.Request) {
	id, err := profileID(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var body profileBody
	if err := decode(r, &body); err != nil {
		h.fail(w, r, err)
		return
	}
	if body.Name != nil && *body.Name == "" {
		h.fail(w, r, apierr.New(apierr.BadRequest, "name must not be empty"))
		return
	}
	if body.MaxTokens != nil && *body.MaxTokens <= 0 {
		h.fail(w, r, apierr.New(apierr.BadRequest, "max_tokens must be positive"))
		return
	}

	p, err := h.repo.UpdateProfile(id, repo.ProfileUpdate{
		Name:         body.Name,
		SystemPrompt: body.SystemPrompt,
		Temperature:  body.Temperature,
		MaxTokens:    body.MaxTokens,
		PresetLabel:  body.PresetLabel,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.respond(w, http.StatusOK, toProfileDTO(p))
}

// DeleteProfile removes a preset; referencing sessions get a null
// profile via the store's foreign key.
func (h *Handler) DeleteProfile(w http.ResponseWriter, r *http.Request) {
	id, err := profileID(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if err := h.repo.DeleteProfile(id); err != nil {
		h.fail(w, r, err)
		return
	}
	h.respond(w, http.StatusOK, map[string]bool{"deleted": true})
}

func profileID(r *http.Request) (int64, error) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, apierr.New(apierr.BadRequest, "profile id must be an integer")
	}
	return id, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
