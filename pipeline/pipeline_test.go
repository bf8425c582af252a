package pipeline_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/localmesh/orgateway/cache"
	"github.com/localmesh/orgateway/openrouter"
	"github.com/localmesh/orgateway/pipeline"
	"github.com/localmesh/orgateway/repo"
	"github.com/localmesh/orgateway/sse"
	"github.com/localmesh/orgateway/store"
)

// fakeUpstream scripts the provider side of a stream.
type fakeUpstream struct {
	noKey   bool
	openErr error
	deltas  []openrouter.Delta
	termErr error // returned after the deltas instead of io.EOF

	gotReq openrouter.ChatRequest
	opened bool
}

func (f *fakeUpstream) HasKey() bool { return !f.noKey }

func (f *fakeUpstream) StreamChat(ctx context.Context, req openrouter.ChatRequest) (openrouter.DeltaStream, error) {
	f.gotReq = req
	f.opened = true
	if f.openErr != nil {
		return nil, f.openErr
	}
	return &fakeStream{deltas: f.deltas, termErr: f.termErr}, nil
}

type fakeStream struct {
	deltas  []openrouter.Delta
	termErr error
	i       int
	closed  bool
}

func (s *fakeStream) Recv() (openrouter.Delta, error) {
	if s.i < len(s.deltas) {
		d := s.deltas[s.i]
		s.i++
		return d, nil
	}
	if s.termErr != nil {
		return openrouter.Delta{}, s.termErr
	}
	return openrouter.Delta{}, io.EOF
}

func (s *fakeStream) Close() error {
	s.closed = true
	return nil
}

type env struct {
	repo *repo.Repository
	up   *fakeUpstream
	pipe *pipeline.Pipeline
}

func newEnv(t *testing.T, up *fakeUpstream) *env {
	t.Helper()
	s, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	r := repo.New(s, cache.NewNamed(), t.TempDir(), zerolog.Nop())
	return &env{repo: r, up: up, pipe: pipeline.New(r, up, zerolog.Nop())}
}

func run(t *testing.T, e *env, req pipeline.Request) []sse.Frame {
	t.Helper()
	rec := httptest.NewRecorder()
	sw, ok := sse.NewWriter(rec)
	if !ok {
		t.Fatal("recorder must support flushing")
	}
	e.pipe.Run(context.Background(), sw, "req-1", req)
	frames, err := sse.Decode(strings.NewReader(rec.Body.String()))
	if err != nil {
		t.Fatalf("decode frames: %v", err)
	}
	return frames
}

func decodePayload(t *testing.T, f sse.Frame, dst any) {
	t.Helper()
	if err := json.Unmarshal([]byte(f.Payload), dst); err != nil {
		t.Fatalf("unmarshal %s payload %q: %v", f.Event, f.Payload, err)
	}
}

func seedModel(t *testing.T, r *repo.Repository) {
	t.Helper()
	prompt, completion := 1e-6, 2e-6
	if _, err := r.UpsertModels([]repo.Model{{
		ExternalID: "m", Name: "Model M", ContextLength: 8192,
		PromptUnitPrice: &prompt, CompletionUnitPrice: &completion,
	}}); err != nil {
		t.Fatalf("seed model: %v", err)
	}
}

func TestHappyPath(t *testing.T) {
	up := &fakeUpstream{deltas: []openrouter.Delta{
		{Content: "H"},
		{Content: "i", Usage: &openrouter.Usage{PromptTokens: 3, CompletionTokens: 2, TotalTokens: 5}},
	}}
	e := newEnv(t, up)
	seedModel(t, e.repo)

	p, _ := e.repo.CreateProfile("helpful", "You are helpful.", 0.5, 1024, "")
	s, _ := e.repo.CreateSession(repo.SessionTypeChat, "", &p.ID)
	_, _ = e.repo.AppendMessage(s.ID, repo.RoleUser, "hi")

	frames := run(t, e, pipeline.Request{SessionID: s.ID, ModelID: "m"})

	if len(frames) != 4 {
		t.Fatalf("expected start/token/token/done, got %d frames: %+v", len(frames), frames)
	}
	if frames[0].Event != sse.EventStart || frames[3].Event != sse.EventDone {
		t.Fatalf("unexpected frame order: %+v", frames)
	}

	var start struct {
		SessionID string `json:"session_id"`
		ModelID   string `json:"model_id"`
	}
	decodePayload(t, frames[0], &start)
	if start.SessionID != s.ID || start.ModelID != "m" {
		t.Fatalf("unexpected start payload: %+v", start)
	}

	var done struct {
		Assistant string `json:"assistant"`
		Usage     *struct {
			PromptTokens     int `json:"prompt_tokens"`
			CompletionTokens int `json:"completion_tokens"`
			TotalTokens      int `json:"total_tokens"`
		} `json:"usage"`
	}
	decodePayload(t, frames[3], &done)
	if done.Assistant != "Hi" || done.Usage == nil || done.Usage.TotalTokens != 5 {
		t.Fatalf("unexpected done payload: %+v", done)
	}

	// The synthetic system turn is sent upstream but never persisted.
	if len(up.gotReq.Messages) != 2 ||
		up.gotReq.Messages[0].Role != repo.RoleSystem ||
		up.gotReq.Messages[0].Content != "You are helpful." ||
		up.gotReq.Messages[1].Content != "hi" {
		t.Fatalf("unexpected upstream messages: %+v", up.gotReq.Messages)
	}
	if up.gotReq.Temperature == nil || *up.gotReq.Temperature != 0.5 {
		t.Fatalf("expected profile temperature, got %v", up.gotReq.Temperature)
	}

	msgs, _ := e.repo.ListMessagesBySession(s.ID, 0, 0)
	if len(msgs) != 2 || msgs[1].Role != repo.RoleAssistant || msgs[1].Content != "Hi" {
		t.Fatalf("expected one persisted assistant turn, got %+v", msgs)
	}

	logs, _ := e.repo.ListUsageLogs(nil, 0, 0)
	if len(logs) != 1 {
		t.Fatalf("expected one usage row, got %d", len(logs))
	}
	wantCost := 3*1e-6 + 2*2e-6
	if diff := logs[0].CostUSD - wantCost; diff > 1e-12 || diff < -1e-12 {
		t.Fatalf("cost_usd = %g, want %g", logs[0].CostUSD, wantCost)
	}
	if logs[0].TotalTokens != 5 {
		t.Fatalf("total_tokens = %d, want 5", logs[0].TotalTokens)
	}
}

func TestMissingAPIKey(t *testing.T) {
	e := newEnv(t, &fakeUpstream{noKey: true})

	frames := run(t, e, pipeline.Request{SessionID: "any", ModelID: "m"})

	if len(frames) != 1 || frames[0].Event != sse.EventError {
		t.Fatalf("expected a single error frame, got %+v", frames)
	}
	var env struct {
		ErrorCode string `json:"error_code"`
		Status    int    `json:"status"`
		Message   string `json:"message"`
		RequestID string `json:"request_id"`
	}
	decodePayload(t, frames[0], &env)
	if env.ErrorCode != "MISSING_API_KEY" || env.Status != 400 || env.RequestID != "req-1" {
		t.Fatalf("unexpected envelope: %+v", env)
	}
	if env.Message != "OpenRouter API key is not configured" {
		t.Fatalf("unexpected message: %q", env.Message)
	}
}

func TestUnknownSession(t *testing.T) {
	e := newEnv(t, &fakeUpstream{})

	frames := run(t, e, pipeline.Request{SessionID: "missing", ModelID: "m"})

	if len(frames) != 1 || frames[0].Event != sse.EventError {
		t.Fatalf("expected a single error frame, got %+v", frames)
	}
	var env struct {
		ErrorCode  string `json:"error_code"`
		ResourceID string `json:"resource_id"`
	}
	decodePayload(t, frames[0], &env)
	if env.ErrorCode != "SESSION_NOT_FOUND" || env.ResourceID != "missing" {
		t.Fatalf("unexpected envelope: %+v", env)
	}
	if e.up.opened {
		t.Fatal("preflight failure must not open upstream")
	}
}

func TestUnknownProfile(t *testing.T) {
	e := newEnv(t, &fakeUpstream{})
	s, _ := e.repo.CreateSession(repo.SessionTypeChat, "", nil)

	missing := int64(999)
	frames := run(t, e, pipeline.Request{SessionID: s.ID, ModelID: "m", ProfileID: &missing})

	var env struct {
		ErrorCode string `json:"error_code"`
	}
	decodePayload(t, frames[0], &env)
	if env.ErrorCode != "PROFILE_NOT_FOUND" {
		t.Fatalf("unexpected envelope: %+v", env)
	}
}

func TestMidStreamUpstreamFailure(t *testing.T) {
	up := &fakeUpstream{
		deltas:  []openrouter.Delta{{Content: "pa"}, {Content: "rt"}},
		termErr: &openrouter.StreamFault{Code: 502, Message: "upstream exploded"},
	}
	e := newEnv(t, up)
	s, _ := e.repo.CreateSession(repo.SessionTypeChat, "", nil)
	_, _ = e.repo.AppendMessage(s.ID, repo.RoleUser, "hi")

	frames := run(t, e, pipeline.Request{SessionID: s.ID, ModelID: "m"})

	last := frames[len(frames)-1]
	if last.Event != sse.EventError {
		t.Fatalf("expected terminal error frame, got %+v", frames)
	}
	var env struct {
		ErrorCode string `json:"error_code"`
	}
	decodePayload(t, last, &env)
	if env.ErrorCode != "OPENROUTER_ERROR" {
		t.Fatalf("unexpected code: %+v", env)
	}

	// Partial output is never persisted.
	msgs, _ := e.repo.ListMessagesBySession(s.ID, 0, 0)
	if len(msgs) != 1 {
		t.Fatalf("expected no assistant row, got %+v", msgs)
	}
	logs, _ := e.repo.ListUsageLogs(nil, 0, 0)
	if len(logs) != 0 {
		t.Fatalf("expected no usage rows, got %d", len(logs))
	}
}

func TestUpstreamStatusError(t *testing.T) {
	e := newEnv(t, &fakeUpstream{openErr: &openrouter.StatusError{Status: 429, Body: "slow down"}})
	s, _ := e.repo.CreateSession(repo.SessionTypeChat, "", nil)

	frames := run(t, e, pipeline.Request{SessionID: s.ID, ModelID: "m"})

	last := frames[len(frames)-1]
	var env struct {
		ErrorCode string         `json:"error_code"`
		Details   map[string]any `json:"details"`
	}
	decodePayload(t, last, &env)
	if env.ErrorCode != "OPENROUTER_ERROR" {
		t.Fatalf("unexpected code: %+v", env)
	}
	if env.Details["upstream_status"] != float64(429) {
		t.Fatalf("expected upstream status detail, got %+v", env.Details)
	}
}

func TestIdleTimeoutIsStreamError(t *testing.T) {
	e := newEnv(t, &fakeUpstream{termErr: openrouter.ErrIdleTimeout})
	s, _ := e.repo.CreateSession(repo.SessionTypeChat, "", nil)

	frames := run(t, e, pipeline.Request{SessionID: s.ID, ModelID: "m"})

	last := frames[len(frames)-1]
	var env struct {
		ErrorCode string `json:"error_code"`
	}
	decodePayload(t, last, &env)
	if env.ErrorCode != "STREAM_ERROR" {
		t.Fatalf("unexpected code: %+v", env)
	}
}

func TestClientCancelPersistsNothing(t *testing.T) {
	up := &fakeUpstream{deltas: []openrouter.Delta{{Content: "x"}}, termErr: context.Canceled}
	e := newEnv(t, up)
	s, _ := e.repo.CreateSession(repo.SessionTypeChat, "", nil)
	_, _ = e.repo.AppendMessage(s.ID, repo.RoleUser, "hi")

	ctx, cancel := context.WithCancel(context.Background())
	rec := httptest.NewRecorder()
	sw, _ := sse.NewWriter(rec)

	cancel()
	e.pipe.Run(ctx, sw, "req-1", pipeline.Request{SessionID: s.ID, ModelID: "m"})

	frames, _ := sse.Decode(strings.NewReader(rec.Body.String()))
	for _, f := range frames {
		if f.Event == sse.EventDone || f.Event == sse.EventError {
			t.Fatalf("cancelled stream must not emit a terminal frame, got %+v", frames)
		}
	}

	msgs, _ := e.repo.ListMessagesBySession(s.ID, 0, 0)
	if len(msgs) != 1 {
		t.Fatalf("expected no assistant row after cancel, got %+v", msgs)
	}
}

func TestPresetComposition(t *testing.T) {
	cases := []struct {
		label   string
		modelID string
		want    string
	}{
		{"coding", "m", "m@preset/coding"},
		{"@preset/coding", "m", "m@preset/coding"},
		{"coding", "m@preset/other", "m@preset/other"},
		{"", "m", "m"},
	}
	for _, tc := range cases {
		up := &fakeUpstream{}
		e := newEnv(t, up)
		p, _ := e.repo.CreateProfile("p", "", 0.7, 2048, tc.label)
		s, _ := e.repo.CreateSession(repo.SessionTypeChat, "", &p.ID)

		run(t, e, pipeline.Request{SessionID: s.ID, ModelID: tc.modelID})

		if up.gotReq.Model != tc.want {
			t.Errorf("label %q model %q: sent %q, want %q", tc.label, tc.modelID, up.gotReq.Model, tc.want)
		}
	}
}

func TestParameterPrecedence(t *testing.T) {
	up := &fakeUpstream{}
	e := newEnv(t, up)

	p, _ := e.repo.CreateProfile("p", "", 0.3, 512, "")
	s, _ := e.repo.CreateSession(repo.SessionTypeChat, "", &p.ID)

	temp := 0.9
	maxTok := 64
	run(t, e, pipeline.Request{SessionID: s.ID, ModelID: "m", Temperature: &temp, MaxTokens: &maxTok})
	if *up.gotReq.Temperature != 0.9 || *up.gotReq.MaxTokens != 64 {
		t.Fatalf("explicit overrides must win: %v %v", *up.gotReq.Temperature, *up.gotReq.MaxTokens)
	}

	run(t, e, pipeline.Request{SessionID: s.ID, ModelID: "m"})
	if *up.gotReq.Temperature != 0.3 || *up.gotReq.MaxTokens != 512 {
		t.Fatalf("profile values must apply absent overrides: %v %v", *up.gotReq.Temperature, *up.gotReq.MaxTokens)
	}

	s2, _ := e.repo.CreateSession(repo.SessionTypeChat, "", nil)
	run(t, e, pipeline.Request{SessionID: s2.ID, ModelID: "m"})
	if *up.gotReq.Temperature != 0.7 || *up.gotReq.MaxTokens != 2048 {
		t.Fatalf("defaults must apply absent profile: %v %v", *up.gotReq.Temperature, *up.gotReq.MaxTokens)
	}
}

func TestExplicitProfileWinsOverSessionDefault(t *testing.T) {
	up := &fakeUpstream{}
	e := newEnv(t, up)

	def, _ := e.repo.CreateProfile("default", "", 0.2, 256, "")
	exp, _ := e.repo.CreateProfile("explicit", "", 0.8, 4096, "")
	s, _ := e.repo.CreateSession(repo.SessionTypeChat, "", &def.ID)

	run(t, e, pipeline.Request{SessionID: s.ID, ModelID: "m", ProfileID: &exp.ID})
	if *up.gotReq.Temperature != 0.8 {
		t.Fatalf("explicit profile_id must win over the session default, got temp %v", *up.gotReq.Temperature)
	}
}

func TestEmptySystemPromptAddsNoTurn(t *testing.T) {
	up := &fakeUpstream{}
	e := newEnv(t, up)

	p, _ := e.repo.CreateProfile("p", "", 0.7, 2048, "")
	s, _ := e.repo.CreateSession(repo.SessionTypeChat, "", &p.ID)
	_, _ = e.repo.AppendMessage(s.ID, repo.RoleUser, "hi")

	run(t, e, pipeline.Request{SessionID: s.ID, ModelID: "m"})

	if len(up.gotReq.Messages) != 1 || up.gotReq.Messages[0].Role != repo.RoleUser {
		t.Fatalf("expected only the user turn, got %+v", up.gotReq.Messages)
	}
}

func TestUnknownModelStreamsWithZeroCost(t *testing.T) {
	up := &fakeUpstream{deltas: []openrouter.Delta{
		{Content: "ok", Usage: &openrouter.Usage{PromptTokens: 1, CompletionTokens: 1, TotalTokens: 2}},
	}}
	e := newEnv(t, up)
	s, _ := e.repo.CreateSession(repo.SessionTypeChat, "", nil)

	frames := run(t, e, pipeline.Request{SessionID: s.ID, ModelID: "uncatalogued"})
	if frames[len(frames)-1].Event != sse.EventDone {
		t.Fatalf("expected done, got %+v", frames)
	}

	logs, _ := e.repo.ListUsageLogs(nil, 0, 0)
	if len(logs) != 1 || logs[0].CostUSD != 0 {
		t.Fatalf("expected one zero-cost usage row, got %+v", logs)
	}
}
