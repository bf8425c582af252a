package config_test

import (
	"os"
	"testing"
	"time"

	"github.com/localmesh/orgateway/config"
)

func TestLoadConfigFromEnv(t *testing.T) {
	os.Setenv("DB_PATH", "/tmp/gw.db")
	os.Setenv("OPENROUTER_API_KEY", "sk-test")
	os.Setenv("ENV", "test")
	defer func() {
		os.Unsetenv("DB_PATH")
		os.Unsetenv("OPENROUTER_API_KEY")
		os.Unsetenv("ENV")
	}()

	cfg := config.Load()
	if cfg.DBPath != "/tmp/gw.db" {
		t.Fatalf("expected DB_PATH to be loaded, got %s", cfg.DBPath)
	}
	if cfg.OpenRouterAPIKey != "sk-test" {
		t.Fatalf("expected OPENROUTER_API_KEY to be loaded, got %s", cfg.OpenRouterAPIKey)
	}
	if cfg.Env != "test" {
		t.Fatalf("expected ENV=test, got %s", cfg.Env)
	}
}

func TestParseRateLimitPolicy(t *testing.T) {
	cases := []struct {
		in      string
		count   int
		per     time.Duration
		wantErr bool
	}{
		{"30 per minute", 30, time.Minute, false},
		{"6 per hour", 6, time.Hour, false},
		{"1 per second", 1, time.Second, false},
		{"100 per day", 100, 24 * time.Hour, false},
		{"nonsense", 0, 0, true},
		{"0 per minute", 0, 0, true},
	}
	for _, tc := range cases {
		got, err := config.ParseRateLimitPolicy(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Errorf("ParseRateLimitPolicy(%q): expected error", tc.in)
			}
			continue
		}
		if err != nil {
			t.Fatalf("ParseRateLimitPolicy(%q): unexpected error: %v", tc.in, err)
		}
		if got.Count != tc.count || got.Per != tc.per {
			t.Errorf("ParseRateLimitPolicy(%q) = %+v, want {%d %v}", tc.in, got, tc.count, tc.per)
		}
	}
}

func TestPolicyFallback(t *testing.T) {
	cfg := config.Load()
	p := cfg.Policy("NOT_A_REAL_ENDPOINT")
	if p.Count <= 0 {
		t.Fatalf("expected fallback policy to be populated, got %+v", p)
	}
}
