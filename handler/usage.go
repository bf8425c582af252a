package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/localmesh/orgateway/repo"
)

type usageLogDTO struct {
	ID               string  `json:"id"`
	SessionID        string  `json:"session_id"`
	ProfileID        *int64  `json:"profile_id"`
	ModelID          string  `json:"model_id"`
	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	TotalTokens      int     `json:"total_tokens"`
	CostUSD          float64 `json:"cost_usd"`
	CreatedAt        string  `json:"created_at"`
}

func toUsageLogDTO(u repo.UsageLog) usageLogDTO {
	return usageLogDTO{
		ID:               u.ID,
		SessionID:        u.SessionID,
		ProfileID:        u.ProfileID,
		ModelID:          u.ModelID,
		PromptTokens:     u.PromptTokens,
		CompletionTokens: u.CompletionTokens,
		TotalTokens:      u.TotalTokens,
		CostUSD:          u.CostUSD,
		CreatedAt:        u.CreatedAt.UTC().Format(time.RFC3339),
	}
}

// ListUsageLogs returns accounting rows, optionally for one session.
func (h *Handler) ListUsageLogs(w http.ResponseWriter, r *http.Request) {
	var sessionID *string
	if s := r.URL.Query().Get("session_id"); s != "" {
		sessionID = &s
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

	logs, err := h.repo.ListUsageLogs(sessionID, limit, offset)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	out := make([]usageLogDTO, len(logs))
	for i, u := range logs {
		out[i] = toUsageLogDTO(u)
	}
	h.respond(w, http.StatusOK, map[string]any{"usage_logs": out})
}

// GetUsageLog returns one accounting row.
func (h *Handler) GetUsageLog(w http.ResponseWriter, r *http.Request) {
	u, err := h.repo.GetUsageLog(chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.respond(w, http.StatusOK, toUsageLogDTO(u))
}

// DeleteUsageLog removes one accounting row.
func (h *Handler) DeleteUsageLog(w http.ResponseWriter, r *http.Request) {
	if err := h.repo.DeleteUsageLog(chi.URLParam(r, "id")); err != nil {
		h.fail(w, r, err)
		return
	}
	h.respond(w, http.StatusOK, map[string]bool{"deleted": true})
}

// UsageTimeline returns usage grouped by day, week, or month.
func (h *Handler) UsageTimeline(w http.ResponseWriter, r *http.Request) {
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

	buckets, err := h.repo.UsageTimeline(r.URL.Query().Get("granularity"), start, end)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	type bucketDTO struct {
		Period           string  `json:"period"`
		TotalTokens      int     `json:"total_tokens"`
		PromptTokens     int     `json:"prompt_tokens"`
		CompletionTokens int     `json:"completion_tokens"`
		TotalCostUSD     float64 `json:"total_cost_usd"`
		RequestCount     int     `json:"request_count"`
	}
	out := make([]bucketDTO, len(buckets))
	for i, b := range buckets {
		out[i] = bucketDTO(b)
	}
	h.respond(w, http.StatusOK, map[string]any{"timeline": out})
}

// UsageStats returns the overall accounting summary.
func (h *Handler) UsageStats(w http.ResponseWriter, r *http.Request) {
	s, err := h.repo.UsageStats()
	if err != nil {
		h.fail(w, r, err)
		return
	}

	resp := map[string]any{
		"total_tokens":     s.TotalTokens,
		"total_cost_usd":   s.TotalCostUSD,
		"unique_models":    s.UniqueModels,
		"unique_sessions":  s.UniqueSessions,
		"avg_cost_per_req": s.AvgCostPerReq,
	}
	if s.FirstAt != nil {
		resp["first_at"] = s.FirstAt.UTC().Format(time.RFC3339)
	}
	if s.LastAt != nil {
		resp["last_at"] = s.LastAt.UTC().Format(time.RFC3339)
	}
	h.respond(w, http.StatusOK, resp)
}

// UsageByModel returns the per-model accounting breakdown.
func (h *Handler) UsageByModel(w http.ResponseWriter, r *http.Request) {
	rowsByModel, err := h.repo.UsageByModel()
	if err != nil {
		h.fail(w, r, err)
		return
	}

	type modelUsageDTO struct {
		ModelID          string  `json:"model_id"`
		TotalTokens      int     `json:"total_tokens"`
		PromptTokens     int     `json:"prompt_tokens"`
		CompletionTokens int     `json:"completion_tokens"`
		TotalCostUSD     float64 `json:"total_cost_usd"`
		RequestCount     int     `json:"request_count"`
	}
	out := make([]modelUsageDTO, len(rowsByModel))
	for i, m := range rowsByModel {
		out[i] = modelUsageDTO(m)
	}
	h.respond(w, http.StatusOK, map[string]any{"models": out})
}
