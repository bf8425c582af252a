package handler

import (
	"errors"
	"net/http"
	"time"

	"github.com/localmesh/orgateway/apierr"
	"github.com/localmesh/orgateway/openrouter"
	"github.com/localmesh/orgateway/repo"
)

type modelDTO struct {
	ID                  string   `json:"id"`
	Name                string   `json:"name"`
	ContextLength       int      `json:"context_length"`
	PromptUnitPrice     *float64 `json:"prompt_unit_price"`
	CompletionUnitPrice *float64 `json:"completion_unit_price"`
	Reasoning           bool     `json:"reasoning"`
	CreatedAt           string   `json:"created_at"`
}

func toModelDTO(m repo.Model) modelDTO {
	return modelDTO{
		ID:                  m.ExternalID,
		Name:                m.Name,
		ContextLength:       m.ContextLength,
		PromptUnitPrice:     m.PromptUnitPrice,
		CompletionUnitPrice: m.CompletionUnitPrice,
		Reasoning:           m.Reasoning,
		CreatedAt:           m.CreatedAt.UTC().Format(time.RFC3339),
	}
}

// SyncModels refreshes the model catalog from the provider.
func (h *Handler) SyncModels(w http.ResponseWriter, r *http.Request) {
	infos, err := h.catalog.ListModels(r.Context())
	if err != nil {
		h.fail(w, r, upstreamToAPIError(err))
		return
	}

	models := make([]repo.Model, len(infos))
	for i, m := range infos {
		models[i] = repo.Model{
			ExternalID:          m.ID,
			Name:                m.Name,
			ContextLength:       m.ContextLength,
			PromptUnitPrice:     m.PromptUnitPrice,
			CompletionUnitPrice: m.CompletionUnitPrice,
			Reasoning:           m.Reasoning,
		}
	}

	n, err := h.repo.UpsertModels(models)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.respond(w, http.StatusOK, map[string]int{"synced": n})
}

// ListModels returns the cached catalog with optional filters.
func (h *Handler) ListModels(w http.ResponseWriter, r *http.Request) {
	var filter repo.ModelFilter
	var err error

	if filter.Reasoning, err = queryBool(r, "reasoning"); err != nil {
		h.fail(w, r, err)
		return
	}
	minContext, err := queryInt(r, "min_context", 0)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if minContext > 0 {
		filter.MinContext = &minContext
	}
	if filter.MaxPrice, err = queryFloat(r, "max_price"); err != nil {
		h.fail(w, r, err)
		return
	}

	models, err := h.repo.ListModels(filter)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	out := make([]modelDTO, len(models))
	for i, m := range models {
		out[i] = toModelDTO(m)
	}
	h.respond(w, http.StatusOK, map[string]any{"models": out})
}

// upstreamToAPIError maps OpenRouter client failures onto the taxonomy
// for the JSON endpoints.
func upstreamToAPIError(err error) error {
	var statusErr *openrouter.StatusError
	switch {
	case errors.Is(err, openrouter.ErrMissingAPIKey):
		return apierr.New(apierr.MissingAPIKey, "OpenRouter API key is not configured")
	case errors.As(err, &statusErr):
		aerr := apierr.New(apierr.OpenRouterError, "OpenRouter request failed")
		aerr.Details = map[string]any{"upstream_status": statusErr.Status, "upstream_body": statusErr.Body}
		return aerr
	default:
		return apierr.New(apierr.OpenRouterError, "OpenRouter request failed").Wrap(err)
	}
}
