// Package handler implements the gateway's HTTP surface: request
// validation, JSON envelopes, and the SSE streaming endpoint.
package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/localmesh/orgateway/apierr"
	"github.com/localmesh/orgateway/config"
	"github.com/localmesh/orgateway/middleware"
	"github.com/localmesh/orgateway/openrouter"
	"github.com/localmesh/orgateway/pipeline"
	"github.com/localmesh/orgateway/repo"
)

// Catalog is the slice of the OpenRouter client the model-sync endpoint
// needs; tests substitute a fake.
type Catalog interface {
	ListModels(ctx context.Context) ([]openrouter.ModelInfo, error)
}

// Handler carries the dependencies shared by all endpoints.
type Handler struct {
	cfg     *config.Config
	log     zerolog.Logger
	repo    *repo.Repository
	pipe    *pipeline.Pipeline
	catalog Catalog
}

// New builds the HTTP handler set.
func New(cfg *config.Config, log zerolog.Logger, r *repo.Repository, pipe *pipeline.Pipeline, catalog Catalog) *Handler {
	return &Handler{cfg: cfg, log: log, repo: r, pipe: pipe, catalog: catalog}
}

// respond writes v as JSON with the given status.
func (h *Handler) respond(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.log.Error().Err(err).Msg("encode response failed")
	}
}

// fail translates an error into the canonical JSON envelope. Typed
// repository errors map 1:1 to the taxonomy; anything else becomes a
// logged 500.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	reqID := middleware.GetRequestID(r.Context())
	if aerr, ok := apierr.As(err); ok {
		aerr.WriteJSON(w, reqID)
		return
	}
	h.log.Error().Err(err).Str("request_id", reqID).Str("path", r.URL.Path).Msg("unhandled error")
	apierr.New(apierr.StreamError, "internal error").WriteJSON(w, reqID)
}

// decode parses a JSON body into dst, returning a typed bad-request on
// malformed input.
func decode(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return apierr.New(apierr.BadRequest, "invalid JSON body: "+err.Error())
	}
	return nil
}

func queryInt(r *http.Request, key string, fallback int) (int, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, apierr.New(apierr.BadRequest, key+" must be an integer")
	}
	return n, nil
}

func queryFloat(r *http.Request, key string) (*float64, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return nil, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return nil, apierr.New(apierr.BadRequest, key+" must be a number")
	}
	return &f, nil
}

func queryBool(r *http.Request, key string) (*bool, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return nil, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return nil, apierr.New(apierr.BadRequest, key+" must be a boolean")
	}
	return &b, nil
}

// queryDate accepts RFC 3339 timestamps or bare YYYY-MM-DD dates.
func queryDate(r *http.Request, key string) (*time.Time, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return &t, nil
	}
	if t, err := time.Parse("2006-01-02", v); err == nil {
		return &t, nil
	}
	return nil, apierr.New(apierr.BadRequest, key+" must be an RFC 3339 timestamp or YYYY-MM-DD date")
}
