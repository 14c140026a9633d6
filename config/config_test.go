package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	for _, k := range []string{
		"TWITCH_CHANNEL", "TWITCH_BOT_USERNAME", "TWITCH_SCOPES",
		"COMMAND_PREFIXES", "COMMANDS_DIR", "HANDLER_TIMEOUT",
		"DEDUP_TTL", "METADATA_TTL", "RECONNECT_BASE", "RECONNECT_CAP",
		"RECONNECT_GROWTH", "RECONNECT_MAX_ATTEMPTS", "DB_DSN",
	} {
		t.Setenv(k, "")
	}
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := cfg.CommandPrefixes; len(got) != 1 || got[0] != "!" {
		t.Errorf("CommandPrefixes = %v, want [!]", got)
	}
	if cfg.CommandsDir != "commands.d" {
		t.Errorf("CommandsDir = %q", cfg.CommandsDir)
	}
	if cfg.HandlerTimeout != 30*time.Second {
		t.Errorf("HandlerTimeout = %v", cfg.HandlerTimeout)
	}
	if cfg.DedupTTL != 10*time.Minute || cfg.MetadataTTL != 15*time.Minute {
		t.Errorf("TTLs = %v, %v", cfg.DedupTTL, cfg.MetadataTTL)
	}
	if cfg.ReconnectBase != time.Second || cfg.ReconnectCap != time.Minute {
		t.Errorf("reconnect base/cap = %v, %v", cfg.ReconnectBase, cfg.ReconnectCap)
	}
	if cfg.ReconnectGrowth != 1.5 || cfg.ReconnectMaxAttempts != 10 {
		t.Errorf("reconnect growth/max = %v, %d", cfg.ReconnectGrowth, cfg.ReconnectMaxAttempts)
	}
	if cfg.TwitchScopes == "" {
		t.Error("default scopes empty")
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("COMMAND_PREFIXES", "/, !, .")
	t.Setenv("HANDLER_TIMEOUT", "5s")
	t.Setenv("RECONNECT_GROWTH", "2.0")
	t.Setenv("RECONNECT_MAX_ATTEMPTS", "4")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	want := []string{"/", "!", "."}
	if len(cfg.CommandPrefixes) != len(want) {
		t.Fatalf("CommandPrefixes = %v", cfg.CommandPrefixes)
	}
	for i := range want {
		if cfg.CommandPrefixes[i] != want[i] {
			t.Errorf("prefix[%d] = %q, want %q", i, cfg.CommandPrefixes[i], want[i])
		}
	}
	if cfg.HandlerTimeout != 5*time.Second {
		t.Errorf("HandlerTimeout = %v", cfg.HandlerTimeout)
	}
	if cfg.ReconnectGrowth != 2.0 || cfg.ReconnectMaxAttempts != 4 {
		t.Errorf("growth/max = %v, %d", cfg.ReconnectGrowth, cfg.ReconnectMaxAttempts)
	}
}

func TestLoadRejectsBadValues(t *testing.T) {
	cases := map[string]string{
		"HANDLER_TIMEOUT":        "soon",
		"DEDUP_TTL":              "-5m",
		"RECONNECT_GROWTH":       "0.5",
		"RECONNECT_MAX_ATTEMPTS": "zero",
	}
	for key, val := range cases {
		t.Run(key, func(t *testing.T) {
			t.Setenv(key, val)
			if _, err := Load(); err == nil {
				t.Errorf("Load accepted %s=%q", key, val)
			}
		})
	}
}

func TestValidateChatReady(t *testing.T) {
	cfg := &Config{}
	if err := cfg.ValidateChatReady(); err == nil {
		t.Error("expected error with no channel/username")
	}
	cfg.TwitchChannel = "somechannel"
	cfg.TwitchBotUsername = "somebot"
	if err := cfg.ValidateChatReady(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if err := cfg.ValidatePairingReady(); err == nil {
		t.Error("expected error with no client id")
	}
}

func TestScopeList(t *testing.T) {
	cfg := &Config{TwitchScopes: "chat:read chat:edit"}
	got := cfg.ScopeList()
	if len(got) != 2 || got[0] != "chat:read" || got[1] != "chat:edit" {
		t.Errorf("ScopeList = %v", got)
	}
}
