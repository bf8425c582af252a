package openrouter

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
)

// ModelInfo is one catalog row fetched from the provider, with unit
// prices already normalized to dollars-per-token.
type ModelInfo struct {
	ID                  string
	Name                string
	ContextLength       int
	PromptUnitPrice     *float64
	CompletionUnitPrice *float64
	Reasoning           bool
}

// modelsResponse is the wire shape of GET /models.
type modelsResponse struct {
	Data []struct {
		ID            string `json:"id"`
		Name          string `json:"name"`
		ContextLength int    `json:"context_length"`
		Pricing       struct {
			Prompt     string `json:"prompt"`
			Completion string `json:"completion"`
		} `json:"pricing"`
		SupportedParameters []string `json:"supported_parameters"`
	} `json:"data"`
}

// ListModels fetches the provider's model catalog.
func (c *Client) ListModels(ctx context.Context) ([]ModelInfo, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/models", nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	c.setHeaders(httpReq)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("fetch models: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &StatusError{Status: resp.StatusCode, Body: string(body)}
	}

	var listResp modelsResponse
	if err := json.NewDecoder(resp.Body).Decode(&listResp); err != nil {
		return nil, fmt.Errorf("decode models: %w", err)
	}

	models := make([]ModelInfo, 0, len(listResp.Data))
	for _, m := range listResp.Data {
		info := ModelInfo{
			ID:                  m.ID,
			Name:                m.Name,
			ContextLength:       m.ContextLength,
			PromptUnitPrice:     normalizePrice(m.Pricing.Prompt),
			CompletionUnitPrice: normalizePrice(m.Pricing.Completion),
		}
		for _, p := range m.SupportedParameters {
			if p == "reasoning" || p == "include_reasoning" {
				info.Reasoning = true
				break
			}
		}
		models = append(models, info)
	}
	return models, nil
}

// normalizePrice parses a catalog price string into dollars-per-token.
// The wire format quotes per-token; anything at a cent or more per token
// can only be a per-million quote and is scaled down.
func normalizePrice(s string) *float64 {
	if s == "" {
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || v < 0 {
		return nil
	}
	if v >= 0.01 {
		v /= 1_000_000
	}
	return &v
}
