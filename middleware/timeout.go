package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/localmesh/orgateway/apierr"
)

// Timeout bounds ordinary JSON requests with a wall-clock deadline. The
// streaming endpoint is never wrapped with this; its budget is the
// pipeline's per-read inactivity deadline.
type Timeout struct {
	log zerolog.Logger
	d   time.Duration
}

// NewTimeout creates the JSON-endpoint timeout middleware.
func NewTimeout(log zerolog.Logger, d time.Duration) *Timeout {
	return &Timeout{log: log, d: d}
}

// Handler wraps next with the deadline. A handler that outlives it gets
// its context cancelled and any late writes suppressed.
func (t *Timeout) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if t.d <= 0 {
			next.ServeHTTP(w, r)
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), t.d)
		defer cancel()

		done := make(chan struct{})
		tw := &timeoutWriter{ResponseWriter: w}

		go func() {
			next.ServeHTTP(tw, r.WithContext(ctx))
			close(done)
		}()

		select {
		case <-done:
			return
		case <-ctx.Done():
			tw.mu.Lock()
			tw.timedOut = true
			if !tw.wroteHeader {
				env := apierr.New(apierr.StreamError, "request timed out after "+t.d.String()).
					ToEnvelope(GetRequestID(r.Context()))
				env.Status = http.StatusGatewayTimeout
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusGatewayTimeout)
				_ = json.NewEncoder(w).Encode(env)
				tw.wroteHeader = true
			}
			tw.mu.Unlock()

			t.log.Warn().
				Str("path", r.URL.Path).
				Dur("timeout", t.d).
				Str("request_id", GetRequestID(r.Context())).
				Msg("request timed out")

			// The cancelled context makes well-behaved handlers return
			// promptly; wait so the goroutine never outlives the request.
			<-done
		}
	})
}

// timeoutWriter suppresses writes from a handler goroutine that lost the
// race against the deadline.
type timeoutWriter struct {
	http.ResponseWriter
	mu          sync.Mutex
	timedOut    bool
	wroteHeader bool
}

func (tw *timeoutWriter) WriteHeader(code int) {
	tw.mu.Lock()
	defer tw.mu.Unlock()
	if tw.timedOut || tw.wroteHeader {
		return
	}
	tw.wroteHeader = true
	tw.ResponseWriter.WriteHeader(code)
}

func (tw *timeoutWriter) Write(b []byte) (int, error) {
	tw.mu.Lock()
	defer tw.mu.Unlock()
	if tw.timedOut {
		return len(b), nil
	}
	if !tw.wroteHeader {
		tw.wroteHeader = true
	}
	return tw.ResponseWriter.Write(b)
}
