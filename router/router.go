// Package router assembles the gateway's middleware chain and routes.
package router

import (
	"net/http"
	"runtime/debug"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/localmesh/orgateway/apierr"
	"github.com/localmesh/orgateway/config"
	"github.com/localmesh/orgateway/handler"
	gwmw "github.com/localmesh/orgateway/middleware"
)

// New returns the configured chi router with the full middleware chain
// and all API routes mounted.
func New(cfg *config.Config, log zerolog.Logger, h *handler.Handler) http.Handler {
	r := chi.NewRouter()

	// Order matters: request id first so every response, CORS preflight
	// answers included, carries it and every later layer (logs,
	// envelopes) can use it; then CORS so preflight requests are answered
	// before the rest of the chain runs.
	r.Use(gwmw.RequestID)
	r.Use(gwmw.CORS(cfg.AppOrigins))
	r.Use(gwmw.SecurityHeaders)
	r.Use(recoverer(log))
	r.Use(requestLogger(log))
	r.Use(maxBodySize(cfg.MaxBodyBytes))

	rl := gwmw.NewRateLimiter(cfg, log)
	timeout := gwmw.NewTimeout(log, cfg.RequestTimeout)

	r.Route("/api", func(r chi.Router) {
		r.With(rl.Limit("HEALTH_CHECK")).Get("/health", h.Health)

		// The stream endpoint carries no wall-clock timeout; its budget
		// is the pipeline's per-read inactivity deadline.
		r.With(rl.Limit("STREAM")).Get("/stream", h.Stream)

		r.Group(func(r chi.Router) {
			r.Use(timeout.Handler)

			r.With(rl.Limit("MODEL_SYNC")).Post("/models/sync", h.SyncModels)
			r.With(rl.Limit("MODELS_LIST")).Get("/models", h.ListModels)

			r.Route("/profiles", func(r chi.Router) {
				r.Use(rl.Limit("PROFILES"))
				r.Post("/", h.CreateProfile)
				r.Get("/", h.ListProfiles)
				r.Get("/{id}", h.GetProfile)
				r.Put("/{id}", h.UpdateProfile)
				r.Delete("/{id}", h.DeleteProfile)
			})

			r.Route("/sessions", func(r chi.Router) {
				r.Use(rl.Limit("SESSIONS"))
				r.Post("/", h.CreateSession)
				r.Get("/", h.ListSessions)
				r.Get("/{id}", h.GetSession)
				r.Put("/{id}", h.UpdateSession)
				r.Delete("/{id}", h.DeleteSession)
				r.Get("/{id}/messages", h.ListSessionMessages)
				r.Post("/{id}/messages", h.AppendSessionMessage)
			})

			r.Route("/messages", func(r chi.Router) {
				r.Use(rl.Limit("MESSAGES"))
				r.Get("/search", h.SearchMessages)
				r.Get("/{id}", h.GetMessage)
				r.Delete("/{id}", h.DeleteMessage)
			})

			r.Route("/documents", func(r chi.Router) {
				r.Use(rl.Limit("UPLOAD"))
				r.Post("/", h.UploadDocument)
				r.Get("/", h.ListDocuments)
				r.Get("/{filename}", h.GetDocument)
				r.Delete("/{filename}", h.DeleteDocument)
			})

			r.Route("/usage", func(r chi.Router) {
				r.Use(rl.Limit("USAGE_LOGS"))
				r.Get("/", h.ListUsageLogs)
				r.Get("/timeline", h.UsageTimeline)
				r.Get("/stats", h.UsageStats)
				r.Get("/models", h.UsageByModel)
				r.Get("/{id}", h.GetUsageLog)
				r.Delete("/{id}", h.DeleteUsageLog)
			})
		})
	})

	return r
}

// recoverer is the process's only panic boundary: a recovered panic
// becomes a generic 500 envelope with the stack logged.
func recoverer(log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					if rec == http.ErrAbortHandler {
						panic(rec)
					}
					log.Error().
						Interface("panic", rec).
						Str("request_id", gwmw.GetRequestID(r.Context())).
						Str("path", r.URL.Path).
						Bytes("stack", debug.Stack()).
						Msg("panic recovered")
					apierr.New(apierr.StreamError, "internal error").
						WriteJSON(w, gwmw.GetRequestID(r.Context()))
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func requestLogger(log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			sw := &statusWriter{ResponseWriter: w}
			next.ServeHTTP(sw, r)
			log.Info().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Str("request_id", gwmw.GetRequestID(r.Context())).
				Int("status", sw.status()).
				Dur("duration", time.Since(start)).
				Msg("request completed")
		})
	}
}

// statusWriter records the response status for the request log line while
// passing Flush through for the streaming endpoint.
type statusWriter struct {
	http.ResponseWriter
	code int
}

func (sw *statusWriter) WriteHeader(code int) {
	if sw.code == 0 {
		sw.code = code
	}
	sw.ResponseWriter.WriteHeader(code)
}

func (sw *statusWriter) Write(b []byte) (int, error) {
	if sw.code == 0 {
		sw.code = http.StatusOK
	}
	return sw.ResponseWriter.Write(b)
}

func (sw *statusWriter) Flush() {
	if f, ok := sw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (sw *statusWriter) status() int {
	if sw.code == 0 {
		return http.StatusOK
	}
	return sw.code
}

func maxBodySize(maxBytes int64) func(http.Handler) http.Handler {
	if maxBytes <= 0 {
		maxBytes = 1 * 1024 * 1024
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.ContentLength > maxBytes {
				apierr.New(apierr.BadRequest, "request body too large").
					WriteJSON(w, gwmw.GetRequestID(r.Context()))
				return
			}
			r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			next.ServeHTTP(w, r)
		})
	}
}
