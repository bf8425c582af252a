// Package openrouter is the gateway's HTTP client for the OpenRouter
// chat-completions API: request construction, streaming chunk decoding,
// and the model catalog fetch behind POST /api/models/sync.
package openrouter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

const defaultBaseURL = "https://openrouter.ai/api/v1"

// ErrMissingAPIKey is returned when no provider key is configured.
var ErrMissingAPIKey = errors.New("openrouter: api key not configured")

// ErrIdleTimeout is returned by a stream whose per-read inactivity budget
// elapsed with no chunk from the provider.
var ErrIdleTimeout = errors.New("openrouter: stream idle timeout")

// StatusError is a non-success HTTP status from the provider, carrying a
// fragment of the response body.
type StatusError struct {
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("openrouter returned status %d: %s", e.Status, e.Body)
}

// StreamFault is an error object the provider emitted inside the stream
// itself (a decoded error chunk rather than a transport failure).
type StreamFault struct {
	Code    int
	Message string
}

func (e *StreamFault) Error() string {
	return fmt.Sprintf("openrouter stream error %d: %s", e.Code, e.Message)
}

// Config holds the client's connection settings.
type Config struct {
	APIKey      string
	BaseURL     string
	HTTPReferer string
	XTitle      string
	// ReadIdleTimeout bounds the gap between consecutive chunks on a
	// stream. There is deliberately no overall request timeout; streams
	// may legitimately last minutes.
	ReadIdleTimeout time.Duration
}

// Client talks to the OpenRouter API. One connection is opened per
// in-flight stream; the transport's idle pool is shared.
type Client struct {
	cfg    Config
	client *http.Client
	log    zerolog.Logger
}

// New creates an OpenRouter client.
func New(cfg Config, log zerolog.Logger) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.ReadIdleTimeout == 0 {
		cfg.ReadIdleTimeout = 5 * time.Minute
	}

	transport := &http.Transport{
		MaxIdleConns:        10,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
	}

	return &Client{
		cfg: cfg,
		client: &http.Client{
			Transport: transport,
			// No Timeout: the per-read idle budget governs streams.
		},
		log: log.With().Str("component", "openrouter").Logger(),
	}
}

// HasKey reports whether a provider API key is configured.
func (c *Client) HasKey() bool {
	return c.cfg.APIKey != ""
}

// ChatMessage is a single turn in a chat-completion request.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest is the OpenRouter chat-completions request body.
type ChatRequest struct {
	Model       string        `json:"model"`
	Messages    []ChatMessage `json:"messages"`
	Stream      bool          `json:"stream,omitempty"`
	Temperature *float64      `json:"temperature,omitempty"`
	MaxTokens   *int          `json:"max_tokens,omitempty"`
	Usage       *UsageInclude `json:"usage,omitempty"`
}

// UsageInclude asks the provider to attach token accounting to the
// final stream chunk.
type UsageInclude struct {
	Include bool `json:"include"`
}

// Usage is the provider's token accounting snapshot.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Delta is one decoded stream chunk: a text piece and, when the provider
// attaches one, a usage snapshot. Later snapshots supersede earlier ones.
type Delta struct {
	Content string
	Usage   *Usage
}

// DeltaStream is a sequence of decoded chunks. Recv returns io.EOF once
// the provider's completion sentinel arrives. The caller must Close.
type DeltaStream interface {
	Recv() (Delta, error)
	Close() error
}

// StreamChat opens a streaming chat completion. Cancelling ctx closes the
// upstream connection promptly.
func (c *Client) StreamChat(ctx context.Context, req ChatRequest) (DeltaStream, error) {
	if !c.HasKey() {
		return nil, ErrMissingAPIKey
	}

	req.Stream = true
	if req.Usage == nil {
		req.Usage = &UsageInclude{Include: true}
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	c.setHeaders(httpReq)
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("openrouter stream request failed: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, &StatusError{Status: resp.StatusCode, Body: string(respBody)}
	}

	return newChunkStream(resp.Body, c.cfg.ReadIdleTimeout), nil
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	if c.cfg.HTTPReferer != "" {
		req.Header.Set("HTTP-Referer", c.cfg.HTTPReferer)
	}
	if c.cfg.XTitle != "" {
		req.Header.Set("X-Title", c.cfg.XTitle)
	}
}
