// Package config loads gateway configuration from the environment.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// RateLimitPolicy is a parsed "<N> per <unit>" rate-limit string.
type RateLimitPolicy struct {
	Count int
	Per   time.Duration
}

// Config holds all gateway configuration values.
type Config struct {
	// Server
	Addr            string
	Env             string
	GracefulTimeout time.Duration
	RequestTimeout  time.Duration

	// Persisted state
	DBPath     string
	UploadsDir string

	// Upstream (OpenRouter)
	OpenRouterAPIKey     string
	OpenRouterBaseURL    string
	OpenRouterHTTPReferer string
	OpenRouterXTitle     string
	UpstreamReadIdleTimeout time.Duration

	// CORS
	AppOrigins []string

	// Rate limiting
	RateLimitEnabled  bool
	RateLimitPolicies map[string]RateLimitPolicy

	// Body limits
	MaxBodyBytes int64

	// Logging
	LogLevel string
}

var rateLimitEndpoints = []string{
	"STREAM", "MODEL_SYNC", "UPLOAD", "SESSIONS", "MESSAGES",
	"PROFILES", "MODELS_LIST", "USAGE_LOGS", "HEALTH_CHECK",
}

var defaultRateLimits = map[string]string{
	"STREAM":       "30 per minute",
	"MODEL_SYNC":   "6 per hour",
	"UPLOAD":       "30 per minute",
	"SESSIONS":     "120 per minute",
	"MESSAGES":     "120 per minute",
	"PROFILES":     "60 per minute",
	"MODELS_LIST":  "60 per minute",
	"USAGE_LOGS":   "60 per minute",
	"HEALTH_CHECK": "300 per minute",
}

// Load reads configuration from environment variables and an optional .env file.
func Load() *Config {
	_ = godotenv.Load()

	gracefulSec := getEnvInt("GATEWAY_GRACEFUL_TIMEOUT_SEC", 15)
	requestSec := getEnvInt("GATEWAY_REQUEST_TIMEOUT_SEC", 30)
	idleSec := getEnvInt("UPSTREAM_READ_IDLE_TIMEOUT_SEC", 300)

	cfg := &Config{
		Addr:            getEnv("GATEWAY_ADDR", ":8080"),
		Env:             getEnv("ENV", "development"),
		GracefulTimeout: time.Duration(gracefulSec) * time.Second,
		RequestTimeout:  time.Duration(requestSec) * time.Second,

		DBPath:     getEnv("DB_PATH", "./data/gateway.db"),
		UploadsDir: getEnv("UPLOADS_DIR", "./data/uploads"),

		OpenRouterAPIKey:      getEnv("OPENROUTER_API_KEY", ""),
		OpenRouterBaseURL:     getEnv("OPENROUTER_BASE_URL", "https://openrouter.ai/api/v1"),
		OpenRouterHTTPReferer: getEnv("OPENROUTER_HTTP_REFERER", "http://localhost"),
		OpenRouterXTitle:      getEnv("OPENROUTER_X_TITLE", "local-gateway"),
		UpstreamReadIdleTimeout: time.Duration(idleSec) * time.Second,

		AppOrigins: splitCSV(getEnv("APP_ORIGINS", "*")),

		RateLimitEnabled:  getEnvBool("RATE_LIMIT_ENABLED", true),
		RateLimitPolicies: loadRateLimitPolicies(),

		MaxBodyBytes: int64(getEnvInt("GATEWAY_MAX_BODY_BYTES", 1*1024*1024)),

		// Empty means "derive from Env" (debug in development, info
		// otherwise); see logger.New.
		LogLevel: getEnv("LOG_LEVEL", ""),
	}
	return cfg
}

func loadRateLimitPolicies() map[string]RateLimitPolicy {
	policies := make(map[string]RateLimitPolicy, len(rateLimitEndpoints))
	for _, ep := range rateLimitEndpoints {
		raw := getEnv("RATE_LIMIT_"+ep, defaultRateLimits[ep])
		p, err := ParseRateLimitPolicy(raw)
		if err != nil {
			p, _ = ParseRateLimitPolicy(defaultRateLimits[ep])
		}
		policies[ep] = p
	}
	return policies
}

// ParseRateLimitPolicy parses a "<N> per <unit>" string, unit in
// {second, minute, hour, day}.
func ParseRateLimitPolicy(s string) (RateLimitPolicy, error) {
	fields := strings.Fields(strings.ToLower(strings.TrimSpace(s)))
	if len(fields) != 3 || fields[1] != "per" {
		return RateLimitPolicy{}, &policyParseError{s}
	}
	n, err := strconv.Atoi(fields[0])
	if err != nil || n <= 0 {
		return RateLimitPolicy{}, &policyParseError{s}
	}
	var per time.Duration
	switch fields[2] {
	case "second":
		per = time.Second
	case "minute":
		per = time.Minute
	case "hour":
		per = time.Hour
	case "day":
		per = 24 * time.Hour
	default:
		return RateLimitPolicy{}, &policyParseError{s}
	}
	return RateLimitPolicy{Count: n, Per: per}, nil
}

// String renders the policy back in its "<N> per <unit>" wire form, as
// surfaced in the X-RateLimit-Limit response header.
func (p RateLimitPolicy) String() string {
	unit := "second"
	switch p.Per {
	case time.Minute:
		unit = "minute"
	case time.Hour:
		unit = "hour"
	case 24 * time.Hour:
		unit = "day"
	}
	return strconv.Itoa(p.Count) + " per " + unit
}

type policyParseError struct{ raw string }

func (e *policyParseError) Error() string {
	return "invalid rate limit policy: " + e.raw
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Policy returns the configured rate-limit policy for an endpoint key,
// falling back to HEALTH_CHECK's policy (the most permissive default) if
// the key is unrecognized.
func (c *Config) Policy(endpoint string) RateLimitPolicy {
	if p, ok := c.RateLimitPolicies[endpoint]; ok {
		return p
	}
	return c.RateLimitPolicies["HEALTH_CHECK"]
}

func splitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v, ok := os.LookupEnv(key); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}
