package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/localmesh/orgateway/cache"
	"github.com/localmesh/orgateway/config"
	"github.com/localmesh/orgateway/handler"
	"github.com/localmesh/orgateway/openrouter"
	"github.com/localmesh/orgateway/pipeline"
	"github.com/localmesh/orgateway/repo"
	"github.com/localmesh/orgateway/router"
	"github.com/localmesh/orgateway/sse"
	"github.com/localmesh/orgateway/store"
)

// newUpstream fakes the provider: an SSE body streaming "Hi" in two
// chunks with a final usage snapshot, plus a /models catalog.
func newUpstream(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/chat/completions":
			if auth := r.Header.Get("Authorization"); auth != "Bearer sk-test" {
				http.Error(w, "bad key", http.StatusUnauthorized)
				return
			}
			w.Header().Set("Content-Type", "text/event-stream")
			io.WriteString(w, ": OPENROUTER PROCESSING\n\n")
			io.WriteString(w, `data: {"choices":[{"delta":{"content":"H"}}]}`+"\n\n")
			io.WriteString(w, `data: {"choices":[{"delta":{"content":"i"}}],"usage":{"prompt_tokens":3,"completion_tokens":2,"total_tokens":5}}`+"\n\n")
			io.WriteString(w, "data: [DONE]\n\n")
		case "/models":
			io.WriteString(w, `{"data":[{"id":"test/model","name":"Test Model","context_length":8192,
				"pricing":{"prompt":"0.000001","completion":"0.000002"},
				"supported_parameters":["temperature"]}]}`)
		default:
			http.NotFound(w, r)
		}
	}))
}

type gateway struct {
	srv  *httptest.Server
	repo *repo.Repository
}

func newGateway(t *testing.T, apiKey, upstreamURL string) *gateway {
	t.Helper()
	cfg := &config.Config{
		AppOrigins:        []string{"*"},
		RateLimitEnabled:  false,
		RateLimitPolicies: map[string]config.RateLimitPolicy{},
		MaxBodyBytes:      1 << 20,
		RequestTimeout:    10 * time.Second,
		UploadsDir:        t.TempDir(),
	}
	log := zerolog.Nop()

	s, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	r := repo.New(s, cache.NewNamed(), cfg.UploadsDir, log)
	or := openrouter.New(openrouter.Config{
		APIKey:          apiKey,
		BaseURL:         upstreamURL,
		ReadIdleTimeout: 5 * time.Second,
	}, log)
	pipe := pipeline.New(r, or, log)
	h := handler.New(cfg, log, r, pipe, or)

	srv := httptest.NewServer(router.New(cfg, log, h))
	t.Cleanup(srv.Close)
	return &gateway{srv: srv, repo: r}
}

func (g *gateway) postJSON(t *testing.T, path string, body any, out any) *http.Response {
	t.Helper()
	raw, _ := json.Marshal(body)
	resp, err := http.Post(g.srv.URL+path, "application/json", bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode POST %s response: %v", path, err)
		}
	}
	return resp
}

func (g *gateway) getJSON(t *testing.T, path string, out any) *http.Response {
	t.Helper()
	resp, err := http.Get(g.srv.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode GET %s response: %v", path, err)
		}
	}
	return resp
}

func TestStreamEndToEnd(t *testing.T) {
	up := newUpstream(t)
	defer up.Close()
	g := newGateway(t, "sk-test", up.URL)

	// Sync the catalog so the usage row gets real pricing.
	var sync struct {
		Synced int `json:"synced"`
	}
	if resp := g.postJSON(t, "/api/models/sync", nil, &sync); resp.StatusCode != http.StatusOK || sync.Synced != 1 {
		t.Fatalf("sync: status %d, synced %d", resp.StatusCode, sync.Synced)
	}

	var profile struct {
		ID int64 `json:"id"`
	}
	g.postJSON(t, "/api/profiles", map[string]any{
		"name": "helpful", "system_prompt": "You are helpful.", "temperature": 0.5,
	}, &profile)

	var session struct {
		ID string `json:"id"`
	}
	g.postJSON(t, "/api/sessions", map[string]any{
		"type": "chat", "profile_id": profile.ID,
	}, &session)

	g.postJSON(t, "/api/sessions/"+session.ID+"/messages", map[string]any{
		"role": "user", "content": "hi",
	}, nil)

	resp, err := http.Get(g.srv.URL + "/api/stream?session_id=" + session.ID + "&model_id=test/model")
	if err != nil {
		t.Fatalf("GET stream: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("stream status %d", resp.StatusCode)
	}
	if resp.Header.Get("X-Request-ID") == "" {
		t.Fatal("stream response missing X-Request-ID")
	}

	frames, err := sse.Decode(resp.Body)
	if err != nil {
		t.Fatalf("decode frames: %v", err)
	}
	if len(frames) != 4 {
		t.Fatalf("expected start/token/token/done, got %+v", frames)
	}
	if frames[0].Event != "start" || frames[1].Event != "token" || frames[3].Event != "done" {
		t.Fatalf("unexpected frame order: %+v", frames)
	}

	var done struct {
		Assistant string `json:"assistant"`
		Usage     *struct {
			TotalTokens int `json:"total_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal([]byte(frames[3].Payload), &done); err != nil {
		t.Fatalf("decode done payload: %v", err)
	}
	if done.Assistant != "Hi" || done.Usage == nil || done.Usage.TotalTokens != 5 {
		t.Fatalf("unexpected done payload: %+v", done)
	}

	// Exactly one assistant row and one usage row landed.
	msgs, _ := g.repo.ListMessagesBySession(session.ID, 0, 0)
	if len(msgs) != 2 || msgs[1].Role != "assistant" || msgs[1].Content != "Hi" {
		t.Fatalf("unexpected messages: %+v", msgs)
	}

	var usage struct {
		UsageLogs []struct {
			ModelID string  `json:"model_id"`
			CostUSD float64 `json:"cost_usd"`
			Total   int     `json:"total_tokens"`
		} `json:"usage_logs"`
	}
	g.getJSON(t, "/api/usage", &usage)
	if len(usage.UsageLogs) != 1 {
		t.Fatalf("expected one usage log, got %+v", usage.UsageLogs)
	}
	wantCost := 3*1e-6 + 2*2e-6
	if diff := usage.UsageLogs[0].CostUSD - wantCost; diff > 1e-12 || diff < -1e-12 {
		t.Fatalf("cost %g, want %g", usage.UsageLogs[0].CostUSD, wantCost)
	}

	// The new assistant message is searchable through the FTS shadow.
	var search struct {
		Results []struct {
			Snippet string `json:"snippet"`
		} `json:"results"`
	}
	g.getJSON(t, "/api/messages/search?query=hi", &search)
	if len(search.Results) == 0 {
		t.Fatal("expected search hits for streamed content")
	}
}

func TestStreamMissingKeyEndToEnd(t *testing.T) {
	up := newUpstream(t)
	defer up.Close()
	g := newGateway(t, "", up.URL)

	resp, err := http.Get(g.srv.URL + "/api/stream?session_id=s1&model_id=m")
	if err != nil {
		t.Fatalf("GET stream: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d, want 200", resp.StatusCode)
	}
	frames, _ := sse.Decode(resp.Body)
	if len(frames) != 1 || frames[0].Event != "error" {
		t.Fatalf("expected one error frame, got %+v", frames)
	}
	if !strings.Contains(frames[0].Payload, `"error_code":"MISSING_API_KEY"`) ||
		!strings.Contains(frames[0].Payload, `"status":400`) {
		t.Fatalf("unexpected payload: %s", frames[0].Payload)
	}

	logs, _ := g.repo.ListUsageLogs(nil, 0, 0)
	if len(logs) != 0 {
		t.Fatal("no rows may be written on preflight failure")
	}
}

func TestDocumentUploadEndToEnd(t *testing.T) {
	up := newUpstream(t)
	defer up.Close()
	g := newGateway(t, "sk-test", up.URL)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, _ := mw.CreateFormFile("file", "notes.txt")
	fmt.Fprint(fw, "document body")
	mw.Close()

	resp, err := http.Post(g.srv.URL+"/api/documents", mw.FormDataContentType(), &buf)
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("upload status %d", resp.StatusCode)
	}

	getResp, err := http.Get(g.srv.URL + "/api/documents/notes.txt")
	if err != nil {
		t.Fatalf("get document: %v", err)
	}
	defer getResp.Body.Close()
	body, _ := io.ReadAll(getResp.Body)
	if string(body) != "document body" {
		t.Fatalf("document content %q", body)
	}

	// Escaping paths collapse to not-found.
	escResp, err := http.Get(g.srv.URL + "/api/documents/..%2F..%2Fetc%2Fpasswd")
	if err != nil {
		t.Fatalf("get escaping document: %v", err)
	}
	defer escResp.Body.Close()
	if escResp.StatusCode != http.StatusNotFound {
		t.Fatalf("escape status %d, want 404", escResp.StatusCode)
	}
}

func TestRateLimitEndToEnd(t *testing.T) {
	up := newUpstream(t)
	defer up.Close()

	policy, _ := config.ParseRateLimitPolicy("2 per minute")
	cfg := &config.Config{
		AppOrigins:        []string{"*"},
		RateLimitEnabled:  true,
		RateLimitPolicies: map[string]config.RateLimitPolicy{"HEALTH_CHECK": policy},
		MaxBodyBytes:      1 << 20,
		RequestTimeout:    10 * time.Second,
		UploadsDir:        t.TempDir(),
	}
	log := zerolog.Nop()

	s, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer s.Close()

	r := repo.New(s, cache.NewNamed(), cfg.UploadsDir, log)
	or := openrouter.New(openrouter.Config{APIKey: "sk-test", BaseURL: up.URL}, log)
	h := handler.New(cfg, log, r, pipeline.New(r, or, log), or)
	srv := httptest.NewServer(router.New(cfg, log, h))
	defer srv.Close()

	var last *http.Response
	for i := 0; i < 3; i++ {
		last, err = http.Get(srv.URL + "/api/health")
		if err != nil {
			t.Fatalf("GET health: %v", err)
		}
		last.Body.Close()
	}
	if last.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("third health check: %d, want 429", last.StatusCode)
	}
	if last.Header.Get("Retry-After") == "" {
		t.Fatal("expected Retry-After on 429")
	}
	if last.Header.Get("X-RateLimit-Limit") != "2 per minute" {
		t.Fatalf("X-RateLimit-Limit = %q", last.Header.Get("X-RateLimit-Limit"))
	}
}
