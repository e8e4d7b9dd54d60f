package config

import (
	"testing"
	"time"
)

func TestLoadDefaultsMatchDefaults(t *testing.T) {
	for _, key := range []string{
		"API_ADDR", "REDIS_URL", "COLLAB_HEARTBEAT_SECONDS", "COLLAB_IDLE_SECONDS",
		"COLLAB_SESSION_IDLE_SECONDS", "COLLAB_TEARDOWN_GRACE_SECONDS", "COLLAB_ACK_TIMEOUT_SECONDS",
		"COLLAB_DEBOUNCE_MS", "COLLAB_TRANSFORM_WINDOW", "COLLAB_SWEEP_SECONDS", "COLLAB_DEV_TOKENS",
	} {
		t.Setenv(key, "")
	}

	cfg := Load()
	defaults := Defaults()
	if cfg.HeartbeatInterval != defaults.HeartbeatInterval {
		t.Errorf("expected heartbeat %s, got %s", defaults.HeartbeatInterval, cfg.HeartbeatInterval)
	}
	if cfg.SessionIdle != 5*time.Minute {
		t.Errorf("expected session idle 5m, got %s", cfg.SessionIdle)
	}
	if cfg.TextDebounce != 500*time.Millisecond {
		t.Errorf("expected debounce 500ms, got %s", cfg.TextDebounce)
	}
	if cfg.RedisURL != "" {
		t.Errorf("expected empty redis url, got %q", cfg.RedisURL)
	}
	if cfg.DevTokens || defaults.DevTokens {
		t.Error("expected the development token endpoint off by default")
	}
}

func TestLoadOverridesAndOfflineAfter(t *testing.T) {
	t.Setenv("COLLAB_HEARTBEAT_SECONDS", "10")
	t.Setenv("COLLAB_TRANSFORM_WINDOW", "not-a-number")
	t.Setenv("COLLAB_DEV_TOKENS", "true")

	cfg := Load()
	if cfg.OfflineAfter() != 30*time.Second {
		t.Errorf("expected offline after 30s, got %s", cfg.OfflineAfter())
	}
	if cfg.TransformWindow != 64 {
		t.Errorf("expected fallback window 64, got %d", cfg.TransformWindow)
	}
	if !cfg.DevTokens {
		t.Error("expected COLLAB_DEV_TOKENS to enable the token endpoint")
	}
}

func TestLoadAgent(t *testing.T) {
	t.Setenv("COLLAB_SERVER_URL", "")
	t.Setenv("COLLAB_OUTBOX_PATH", "/tmp/pending.db")
	t.Setenv("COLLAB_DEBOUNCE_MS", "250")
	t.Setenv("COLLAB_TOKEN", "signed")

	agent := LoadAgent()
	if agent.ServerURL != "http://localhost:8787" {
		t.Errorf("expected default server url, got %q", agent.ServerURL)
	}
	if agent.OutboxPath != "/tmp/pending.db" {
		t.Errorf("expected outbox path override, got %q", agent.OutboxPath)
	}
	if agent.Token != "signed" {
		t.Errorf("expected token from env, got %q", agent.Token)
	}
	if agent.TextDebounce != 250*time.Millisecond {
		t.Errorf("expected debounce 250ms, got %s", agent.TextDebounce)
	}
}
