package config

import "testing"

func TestGetByPath(t *testing.T) {
	cfg := Defaults()
	val, err := GetByPath(cfg, "reasoning.defaultProvider")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if val != "ollama" {
		t.Fatalf("value = %v", val)
	}

	if _, err := GetByPath(cfg, "no.such.key"); err == nil {
		t.Fatal("expected error for unknown path")
	}
}

func TestSetByPath_TypeCoercion(t *testing.T) {
	cfg := Defaults()

	if err := SetByPath(cfg, "general.workers", "9"); err != nil {
		t.Fatalf("set int: %v", err)
	}
	if cfg.General.Workers != 9 {
		t.Fatalf("workers = %d", cfg.General.Workers)
	}

	if err := SetByPath(cfg, "routine.enabled", "false"); err != nil {
		t.Fatalf("set bool: %v", err)
	}
	if cfg.Routine.Enabled {
		t.Fatal("routine.enabled should be false")
	}

	if err := SetByPath(cfg, "reasoning.defaultProvider", "openai"); err != nil {
		t.Fatalf("set string: %v", err)
	}
	if cfg.Reasoning.DefaultProvider != "openai" {
		t.Fatalf("provider = %q", cfg.Reasoning.DefaultProvider)
	}
}

func TestSanitize_MasksSecrets(t *testing.T) {
	cfg := Defaults()
	cfg.Providers["openai"] = ProviderConfig{Enabled: true, APIKey: "sk-verysecretapikey123"}
	cfg.Channels.Telegram.Token = "123456789:telegram-bot-token"

	clean := Sanitize(cfg)
	if clean.Providers["openai"].APIKey == cfg.Providers["openai"].APIKey {
		t.Fatal("api key not masked")
	}
	if clean.Channels.Telegram.Token == cfg.Channels.Telegram.Token {
		t.Fatal("telegram token not masked")
	}
	// The original must be untouched.
	if cfg.Providers["openai"].APIKey != "sk-verysecretapikey123" {
		t.Fatal("sanitize mutated the original config")
	}
}
