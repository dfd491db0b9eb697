package profile

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
)

var runtimeEnvVars = []string{
	"AGENT_RUNTIME_API_KEY",
	"AGENT_RUNTIME_LIVEKIT_URL", "LIVEKIT_URL",
	"AGENT_RUNTIME_LIVEKIT_API_KEY", "LIVEKIT_API_KEY",
	"AGENT_RUNTIME_LIVEKIT_API_SECRET", "LIVEKIT_API_SECRET",
	"AGENT_RUNTIME_REDIS_ADDR", "REDIS_ADDR",
	"AGENT_RUNTIME_REDIS_PASSWORD", "REDIS_PASSWORD",
	"AGENT_RUNTIME_REDIS_CHANNEL",
	"DATABASE_URL",
	"AGENT_RUNTIME_PORT", "PORT",
	"AGENT_RUNTIME_MAX_AGENTS", "MAX_AGENTS_PER_INSTANCE",
	"AGENT_RUNTIME_MAX_SESSIONS", "MAX_SESSIONS_PER_AGENT",
	"AGENT_RUNTIME_RETENTION_DAYS", "SESSION_RETENTION_DAYS",
}

// clearRuntimeEnvVars blanks every variable FromEnv reads for the duration of the test.
func clearRuntimeEnvVars(t *testing.T) {
	t.Helper()
	for _, key := range runtimeEnvVars {
		t.Setenv(key, "")
	}
}

func TestProfileDefaults(t *testing.T) {
	clearRuntimeEnvVars(t)

	profile := &Profile{}
	profile.FromEnv()

	if profile.Port != 8080 {
		t.Errorf("expected default port 8080, got %d", profile.Port)
	}
	if profile.MaxAgentsPerInstance != defaultMaxAgentsPerInstance {
		t.Errorf("expected max agents %d, got %d", defaultMaxAgentsPerInstance, profile.MaxAgentsPerInstance)
	}
	if profile.MaxSessionsPerAgent != defaultMaxSessionsPerAgent {
		t.Errorf("expected max sessions %d, got %d", defaultMaxSessionsPerAgent, profile.MaxSessionsPerAgent)
	}
	if profile.RedisChannel != "agentruntime:sessions" {
		t.Errorf("unexpected redis channel %q", profile.RedisChannel)
	}
	if profile.IsLiveKitConfigured() {
		t.Error("LiveKit should not be configured by default")
	}
	if profile.IsRedisEnabled() {
		t.Error("Redis should not be enabled by default")
	}
}

func TestProfileFromEnv(t *testing.T) {
	tests := []struct {
		name     string
		envVar   string
		envValue string
		field    func(*Profile) string
		expected string
	}{
		{
			name:     "legacy LIVEKIT_URL",
			envVar:   "LIVEKIT_URL",
			envValue: "wss://test.livekit.io",
			field:    func(p *Profile) string { return p.LiveKitURL },
			expected: "wss://test.livekit.io",
		},
		{
			name:     "prefixed LiveKit key",
			envVar:   "AGENT_RUNTIME_LIVEKIT_API_KEY",
			envValue: "APItest123",
			field:    func(p *Profile) string { return p.LiveKitAPIKey },
			expected: "APItest123",
		},
		{
			name:     "legacy LiveKit secret",
			envVar:   "LIVEKIT_API_SECRET",
			envValue: "secrettest123",
			field:    func(p *Profile) string { return p.LiveKitAPISecret },
			expected: "secrettest123",
		},
		{
			name:     "api key",
			envVar:   "AGENT_RUNTIME_API_KEY",
			envValue: "runtime-key",
			field:    func(p *Profile) string { return p.APIKey },
			expected: "runtime-key",
		},
		{
			name:     "DATABASE_URL selects postgres",
			envVar:   "DATABASE_URL",
			envValue: "postgres://u:p@localhost:5432/runtime",
			field:    func(p *Profile) string { return p.Driver + "|" + p.DSN },
			expected: "postgres|postgres://u:p@localhost:5432/runtime",
		},
		{
			name:     "legacy PORT",
			envVar:   "PORT",
			envValue: "9090",
			field:    func(p *Profile) string { return intToString(p.Port) },
			expected: "9090",
		},
		{
			name:     "legacy MAX_SESSIONS_PER_AGENT",
			envVar:   "MAX_SESSIONS_PER_AGENT",
			envValue: "7",
			field:    func(p *Profile) string { return intToString(p.MaxSessionsPerAgent) },
			expected: "7",
		},
		{
			name:     "invalid MAX_AGENTS_PER_INSTANCE falls back to default",
			envVar:   "MAX_AGENTS_PER_INSTANCE",
			envValue: "many",
			field:    func(p *Profile) string { return intToString(p.MaxAgentsPerInstance) },
			expected: intToString(defaultMaxAgentsPerInstance),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearRuntimeEnvVars(t)
			t.Setenv(tt.envVar, tt.envValue)

			profile := &Profile{}
			profile.FromEnv()

			if got := tt.field(profile); got != tt.expected {
				t.Errorf("expected %q, got %q", tt.expected, got)
			}
		})
	}
}

func TestProfileFromEnvKeepsExplicitValues(t *testing.T) {
	clearRuntimeEnvVars(t)
	t.Setenv("LIVEKIT_URL", "wss://env.livekit.io")
	t.Setenv("PORT", "9999")

	profile := &Profile{LiveKitURL: "wss://flag.livekit.io", Port: 8081}
	profile.FromEnv()

	if profile.LiveKitURL != "wss://flag.livekit.io" {
		t.Errorf("explicit LiveKitURL overwritten: %q", profile.LiveKitURL)
	}
	if profile.Port != 8081 {
		t.Errorf("explicit Port overwritten: %d", profile.Port)
	}
}

func TestProfileValidate(t *testing.T) {
	t.Run("sqlite derives dsn from data dir", func(t *testing.T) {
		dir := t.TempDir()
		profile := &Profile{Mode: "dev", Data: dir}
		if err := profile.Validate(); err != nil {
			t.Fatalf("Validate failed: %v", err)
		}
		if profile.Driver != "sqlite" {
			t.Errorf("expected sqlite driver, got %q", profile.Driver)
		}
		if !strings.HasSuffix(profile.DSN, filepath.Join(filepath.Base(dir), "agentruntime_dev.db")) {
			t.Errorf("unexpected dsn %q", profile.DSN)
		}
	})

	t.Run("unknown mode falls back to demo", func(t *testing.T) {
		profile := &Profile{Mode: "staging", Data: t.TempDir()}
		if err := profile.Validate(); err != nil {
			t.Fatalf("Validate failed: %v", err)
		}
		if profile.Mode != "demo" {
			t.Errorf("expected demo mode, got %q", profile.Mode)
		}
	})

	t.Run("postgres requires dsn", func(t *testing.T) {
		profile := &Profile{Mode: "prod", Driver: "postgres"}
		if err := profile.Validate(); err == nil {
			t.Error("expected error for postgres without dsn")
		}
	})

	t.Run("unsupported driver", func(t *testing.T) {
		profile := &Profile{Mode: "prod", Driver: "mysql", DSN: "x"}
		if err := profile.Validate(); err == nil {
			t.Error("expected error for mysql driver")
		}
	})

	t.Run("missing data dir", func(t *testing.T) {
		profile := &Profile{Mode: "dev", Data: filepath.Join(os.TempDir(), "agentruntime-does-not-exist-42")}
		if err := profile.Validate(); err == nil {
			t.Error("expected error for missing data dir")
		}
	})

	t.Run("fills limits", func(t *testing.T) {
		profile := &Profile{Mode: "prod", Driver: "postgres", DSN: "postgres://localhost/x"}
		if err := profile.Validate(); err != nil {
			t.Fatalf("Validate failed: %v", err)
		}
		if profile.MaxAgentsPerInstance != defaultMaxAgentsPerInstance || profile.MaxSessionsPerAgent != defaultMaxSessionsPerAgent {
			t.Errorf("limits not defaulted: %+v", profile)
		}
		if profile.RateLimit != 10 || profile.RateBurst != 20 {
			t.Errorf("rate limits not defaulted: %v/%d", profile.RateLimit, profile.RateBurst)
		}
	})
}

func intToString(n int) string {
	return strconv.Itoa(n)
}
