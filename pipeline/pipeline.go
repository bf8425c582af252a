// Package pipeline orchestrates a single streaming request end-to-end:
// preflight resolution of session/profile/model, upstream consumption,
// downstream SSE relay, and final persistence plus usage accounting.
package pipeline

import (
	"context"
	"errors"
	"io"
	"strings"

	"github.com/rs/zerolog"

	"github.com/localmesh/orgateway/apierr"
	"github.com/localmesh/orgateway/openrouter"
	"github.com/localmesh/orgateway/repo"
	"github.com/localmesh/orgateway/sse"
)

const (
	defaultTemperature = 0.7
	defaultMaxTokens   = 2048
	presetPrefix       = "@preset/"
)

// Upstream is the slice of the OpenRouter client the pipeline consumes,
// split out so tests can substitute a scripted fake.
type Upstream interface {
	HasKey() bool
	StreamChat(ctx context.Context, req openrouter.ChatRequest) (openrouter.DeltaStream, error)
}

// Pipeline runs streaming requests. One Run call per in-flight request.
type Pipeline struct {
	repo *repo.Repository
	up   Upstream
	log  zerolog.Logger
}

// New builds the pipeline over the repository and upstream client.
func New(r *repo.Repository, up Upstream, log zerolog.Logger) *Pipeline {
	return &Pipeline{repo: r, up: up, log: log.With().Str("component", "pipeline").Logger()}
}

// Request carries the admitted stream parameters. Explicit ProfileID wins
// over the session's stored default; absent both, no profile is used.
type Request struct {
	SessionID   string
	ModelID     string
	ProfileID   *int64
	Temperature *float64
	MaxTokens   *int
}

// descriptor is a fully resolved stream, ready to open upstream.
type descriptor struct {
	session     repo.Session
	profileID   *int64
	model       repo.Model // zero-valued when the catalog has no row
	effModelID  string
	temperature float64
	maxTokens   int
	messages    []openrouter.ChatMessage
}

// startPayload is the first frame of every successful stream.
type startPayload struct {
	SessionID string `json:"session_id"`
	ModelID   string `json:"model_id"`
}

type tokenPayload struct {
	Token string `json:"token"`
}

type usagePayload struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type donePayload struct {
	Assistant string        `json:"assistant"`
	Usage     *usagePayload `json:"usage"`
}

// preflight resolves the request into a descriptor or a typed error that
// the caller turns into a single terminal error frame.
func (p *Pipeline) preflight(req Request) (*descriptor, *apierr.Error) {
	if !p.up.HasKey() {
		return nil, apierr.New(apierr.MissingAPIKey, "OpenRouter API key is not configured")
	}

	session, err := p.repo.GetSession(req.SessionID)
	if err != nil {
		return nil, asAPIError(err)
	}

	profileID := req.ProfileID
	if profileID == nil {
		profileID = session.ProfileID
	}

	var profile *repo.Profile
	if profileID != nil {
		pr, err := p.repo.GetProfile(*profileID)
		if err != nil {
			return nil, asAPIError(err)
		}
		profile = &pr
	}

	temperature := defaultTemperature
	maxTokens := defaultMaxTokens
	if profile != nil {
		temperature = profile.Temperature
		maxTokens = profile.MaxTokens
	}
	if req.Temperature != nil {
		temperature = *req.Temperature
	}
	if req.MaxTokens != nil {
		maxTokens = *req.MaxTokens
	}

	effModelID := req.ModelID
	if profile != nil && profile.PresetLabel != "" && !strings.Contains(effModelID, presetPrefix) {
		label := profile.PresetLabel
		if strings.HasPrefix(label, presetPrefix) {
			effModelID += label
		} else {
			effModelID += presetPrefix + label
		}
	}

	// Pricing row is optional: an unknown model streams fine, it just
	// yields a zero-cost usage log.
	model, err := p.repo.GetModel(req.ModelID)
	if err != nil {
		model = repo.Model{}
	}

	history, err := p.repo.ListMessagesBySession(req.SessionID, 0, 0)
	if err != nil {
		return nil, asAPIError(err)
	}

	var messages []openrouter.ChatMessage
	if profile != nil && profile.SystemPrompt != "" {
		messages = append(messages, openrouter.ChatMessage{Role: repo.RoleSystem, Content: profile.SystemPrompt})
	}
	for _, m := range history {
		messages = append(messages, openrouter.ChatMessage{Role: m.Role, Content: m.Content})
	}

	return &descriptor{
		session:     session,
		profileID:   profileID,
		model:       model,
		effModelID:  effModelID,
		temperature: temperature,
		maxTokens:   maxTokens,
		messages:    messages,
	}, nil
}

// Run executes one streaming request, writing SSE frames to sw. Every
// path emits at most one terminal frame; a downstream disconnect emits
// none and persists nothing.
func (p *Pipeline) Run(ctx context.Context, sw *sse.Writer, requestID string, req Request) {
	log := p.log.With().Str("request_id", requestID).Str("session_id", req.SessionID).Logger()

	desc, aerr := p.preflight(req)
	if aerr != nil {
		log.Warn().Str("error_code", string(aerr.Code)).Msg("stream preflight failed")
		_ = sw.WriteFrame(sse.EventError, aerr.ToEnvelope(requestID))
		return
	}

	if err := sw.WriteFrame(sse.EventStart, startPayload{SessionID: desc.session.ID, ModelID: desc.effModelID}); err != nil {
		log.Info().Msg("client gone before start frame")
		return
	}

	temperature := desc.temperature
	maxTokens := desc.maxTokens
	stream, err := p.up.StreamChat(ctx, openrouter.ChatRequest{
		Model:       desc.effModelID,
		Messages:    desc.messages,
		Temperature: &temperature,
		MaxTokens:   &maxTokens,
	})
	if err != nil {
		p.emitUpstreamError(sw, log, requestID, err)
		return
	}
	defer stream.Close()

	var assistant strings.Builder
	var usage *openrouter.Usage

	for {
		if ctx.Err() != nil {
			log.Info().Msg("stream cancelled by client")
			return
		}

		delta, err := stream.Recv()
		if err != nil {
			switch {
			case errors.Is(err, io.EOF):
				p.finish(sw, log, requestID, desc, assistant.String(), usage)
			case errors.Is(err, context.Canceled) || ctx.Err() != nil:
				log.Info().Msg("stream cancelled by client")
			default:
				p.emitUpstreamError(sw, log, requestID, err)
			}
			return
		}

		if delta.Usage != nil {
			usage = delta.Usage
		}
		if delta.Content == "" {
			continue
		}

		assistant.WriteString(delta.Content)
		if err := sw.WriteFrame(sse.EventToken, tokenPayload{Token: delta.Content}); err != nil {
			log.Info().Msg("client disconnected mid-stream")
			return
		}
	}
}

// finish persists the completed turn and emits the done frame.
func (p *Pipeline) finish(sw *sse.Writer, log zerolog.Logger, requestID string, desc *descriptor, assistant string, usage *openrouter.Usage) {
	if _, err := p.repo.AppendMessage(desc.session.ID, repo.RoleAssistant, assistant); err != nil {
		log.Error().Err(err).Msg("persist assistant message failed")
		aerr := apierr.New(apierr.StreamError, "failed to persist assistant message")
		_ = sw.WriteFrame(sse.EventError, aerr.ToEnvelope(requestID))
		return
	}

	var done donePayload
	done.Assistant = assistant

	if usage != nil {
		cost := tokenCost(usage.PromptTokens, desc.model.PromptUnitPrice) +
			tokenCost(usage.CompletionTokens, desc.model.CompletionUnitPrice)
		if _, err := p.repo.AppendUsageLog(desc.session.ID, desc.profileID, desc.effModelID,
			usage.PromptTokens, usage.CompletionTokens, cost); err != nil {
			log.Error().Err(err).Msg("append usage log failed")
		}
		done.Usage = &usagePayload{
			PromptTokens:     usage.PromptTokens,
			CompletionTokens: usage.CompletionTokens,
			TotalTokens:      usage.PromptTokens + usage.CompletionTokens,
		}
	}

	_ = sw.WriteFrame(sse.EventDone, done)
	log.Info().Int("assistant_len", len(assistant)).Bool("usage_recorded", usage != nil).Msg("stream complete")
}

// emitUpstreamError maps an upstream failure to its terminal error frame.
func (p *Pipeline) emitUpstreamError(sw *sse.Writer, log zerolog.Logger, requestID string, err error) {
	var aerr *apierr.Error

	var statusErr *openrouter.StatusError
	var fault *openrouter.StreamFault
	switch {
	case errors.Is(err, openrouter.ErrMissingAPIKey):
		aerr = apierr.New(apierr.MissingAPIKey, "OpenRouter API key is not configured")
	case errors.As(err, &statusErr):
		aerr = apierr.New(apierr.OpenRouterError, "OpenRouter request failed")
		aerr.Details = map[string]any{"upstream_status": statusErr.Status, "upstream_body": statusErr.Body}
	case errors.As(err, &fault):
		aerr = apierr.New(apierr.OpenRouterError, fault.Message)
		aerr.Details = map[string]any{"upstream_code": fault.Code}
	case errors.Is(err, openrouter.ErrIdleTimeout):
		aerr = apierr.New(apierr.StreamError, "upstream stream stalled")
	default:
		aerr = apierr.New(apierr.OpenRouterError, "OpenRouter request failed").Wrap(err)
	}

	log.Error().Err(err).Str("error_code", string(aerr.Code)).Msg("upstream failure")
	_ = sw.WriteFrame(sse.EventError, aerr.ToEnvelope(requestID))
}

func tokenCost(tokens int, unitPrice *float64) float64 {
	if unitPrice == nil {
		return 0
	}
	return float64(tokens) * *unitPrice
}

// asAPIError converts any repository error into a typed taxonomy error,
// defaulting to STREAM_ERROR for the unexpected.
func asAPIError(err error) *apierr.Error {
	if aerr, ok := apierr.As(err); ok {
		return aerr
	}
	return apierr.New(apierr.StreamError, "unexpected error").Wrap(err)
}
