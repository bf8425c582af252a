package handler

import (
	"net/http"
	"strconv"

	"github.com/localmesh/orgateway/apierr"
	"github.com/localmesh/orgateway/middleware"
	"github.com/localmesh/orgateway/pipeline"
	"github.com/localmesh/orgateway/sse"
)

// Stream runs a streaming completion. The response is always 200 with
// text/event-stream once headers are sent — browser EventSource cannot
// read error bodies off non-2xx responses, so even preflight failures
// arrive as a single error frame.
func (h *Handler) Stream(w http.ResponseWriter, r *http.Request) {
	reqID := middleware.GetRequestID(r.Context())

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	sw, ok := sse.NewWriter(w)
	if !ok {
		h.log.Error().Str("request_id", reqID).Msg("response writer does not support flushing")
		return
	}

	req, aerr := parseStreamRequest(r)
	if aerr != nil {
		h.log.Warn().Str("request_id", reqID).Str("error_code", string(aerr.Code)).Msg("invalid stream request")
		_ = sw.WriteFrame(sse.EventError, aerr.ToEnvelope(reqID))
		return
	}

	h.pipe.Run(r.Context(), sw, reqID, req)
}

func parseStreamRequest(r *http.Request) (pipeline.Request, *apierr.Error) {
	q := r.URL.Query()

	req := pipeline.Request{
		SessionID: q.Get("session_id"),
		ModelID:   q.Get("model_id"),
	}
	if req.SessionID == "" {
		return req, apierr.New(apierr.BadRequest, "session_id is required")
	}
	if req.ModelID == "" {
		return req, apierr.New(apierr.BadRequest, "model_id is required")
	}

	if v := q.Get("profile_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return req, apierr.New(apierr.BadRequest, "profile_id must be an integer")
		}
		req.ProfileID = &id
	}
	if v := q.Get("temperature"); v != "" {
		t, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return req, apierr.New(apierr.BadRequest, "temperature must be a number")
		}
		req.Temperature = &t
	}
	if v := q.Get("max_tokens"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return req, apierr.New(apierr.BadRequest, "max_tokens must be a positive integer")
		}
		req.MaxTokens = &n
	}
	return req, nil
}
