package middleware

import (
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/localmesh/orgateway/apierr"
	"github.com/localmesh/orgateway/config"
)

// RateLimiter applies per-endpoint, IP-keyed token buckets driven by the
// configured "<N> per <unit>" policy strings. One limiter instance is
// shared across all endpoints; buckets are keyed (endpoint, client IP).
type RateLimiter struct {
	log      zerolog.Logger
	enabled  bool
	policies map[string]config.RateLimitPolicy

	mu      sync.Mutex
	buckets map[string]*rate.Limiter
}

// NewRateLimiter builds the limiter from the gateway configuration.
func NewRateLimiter(cfg *config.Config, log zerolog.Logger) *RateLimiter {
	return &RateLimiter{
		log:      log,
		enabled:  cfg.RateLimitEnabled,
		policies: cfg.RateLimitPolicies,
		buckets:  make(map[string]*rate.Limiter),
	}
}

// Limit returns middleware enforcing the named endpoint policy. Requests
// over budget are rejected synchronously with a typed 429 envelope and a
// Retry-After header, before any handler work.
func (rl *RateLimiter) Limit(endpoint string) func(http.Handler) http.Handler {
	policy := rl.policies[endpoint]

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !rl.enabled || policy.Count <= 0 {
				next.ServeHTTP(w, r)
				return
			}

			w.Header().Set("X-RateLimit-Limit", policy.String())

			lim := rl.bucket(endpoint+"|"+clientIP(r), policy)
			res := lim.Reserve()
			if delay := res.Delay(); delay > 0 {
				res.Cancel()
				retryAfter := int(math.Ceil(delay.Seconds()))
				w.Header().Set("Retry-After", strconv.Itoa(retryAfter))

				aerr := apierr.New(apierr.RateLimited, "rate limit exceeded: "+policy.String())
				aerr.Details = map[string]any{"retry_after": retryAfter}
				aerr.WriteJSON(w, GetRequestID(r.Context()))

				rl.log.Warn().
					Str("endpoint", endpoint).
					Str("ip", clientIP(r)).
					Str("policy", policy.String()).
					Str("request_id", GetRequestID(r.Context())).
					Msg("rate limit exceeded")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func (rl *RateLimiter) bucket(key string, policy config.RateLimitPolicy) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	lim, ok := rl.buckets[key]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(float64(policy.Count)/policy.Per.Seconds()), policy.Count)
		rl.buckets[key] = lim
	}
	return lim
}

// Reset clears all buckets. Tests use this between cases.
func (rl *RateLimiter) Reset() {
	rl.mu.Lock()
	rl.buckets = make(map[string]*rate.Limiter)
	rl.mu.Unlock()
}

// clientIP resolves the rate-limit key: the first X-Forwarded-For hop
// when present, the connection's remote host otherwise.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if i := strings.IndexByte(xff, ','); i >= 0 {
			return strings.TrimSpace(xff[:i])
		}
		return strings.TrimSpace(xff)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
