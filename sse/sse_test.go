package sse_test

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/localmesh/orgateway/sse"
)

func TestWriteFrameFormat(t *testing.T) {
	rec := httptest.NewRecorder()
	w, ok := sse.NewWriter(rec)
	if !ok {
		t.Fatal("expected httptest.ResponseRecorder to satisfy http.Flusher")
	}
	if err := w.WriteFrame(sse.EventToken, map[string]string{"token": " hello"}); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	got := rec.Body.String()
	want := "event: token\ndata: {\"token\":\" hello\"}\n\n"
	if got != want {
		t.Fatalf("got %q want %q", got, want)
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	rec := httptest.NewRecorder()
	w, _ := sse.NewWriter(rec)
	_ = w.WriteFrame(sse.EventStart, map[string]string{"session_id": "s1", "model_id": "m"})
	_ = w.WriteFrame(sse.EventToken, map[string]string{"token": "Hi"})
	_ = w.WriteFrame(sse.EventDone, map[string]any{"assistant": "Hi", "usage": nil})

	frames, err := sse.Decode(strings.NewReader(rec.Body.String()))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(frames) != 3 {
		t.Fatalf("expected 3 frames, got %d", len(frames))
	}
	if frames[0].Event != sse.EventStart || frames[1].Event != sse.EventToken || frames[2].Event != sse.EventDone {
		t.Fatalf("unexpected event ordering: %+v", frames)
	}
	if frames[1].Payload != `{"token":"Hi"}` {
		t.Fatalf("unexpected token payload: %q", frames[1].Payload)
	}
}

func TestDecodeMultiLineData(t *testing.T) {
	raw := "event: token\ndata: {\"token\":\"line1\ndata: line2\"}\n\n"
	frames, err := sse.Decode(strings.NewReader(raw))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(frames) != 1 {
		t.Fatalf("expected 1 frame, got %d", len(frames))
	}
	if frames[0].Payload != "{\"token\":\"line1\nline2\"}" {
		t.Fatalf("unexpected joined payload: %q", frames[0].Payload)
	}
}
