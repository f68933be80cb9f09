package provider

import (
	"testing"

	"steward/internal/config"
)

func factoryConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Reasoning.DefaultProvider = "ollama"
	cfg.Providers = map[string]config.ProviderConfig{
		"ollama":   {Enabled: true, APIBase: "http://localhost:11434", DefaultModel: "llama3.2"},
		"openai":   {Enabled: true, APIKey: "sk-test", DefaultModel: "gpt-4o-mini"},
		"disabled": {Enabled: false, APIBase: "http://example.com"},
		"custom":   {Enabled: true, APIBase: "http://custom.example.com/v1", APIKey: "k"},
	}
	return cfg
}

func TestFactory_DefaultProvider(t *testing.T) {
	f := NewFactory(factoryConfig(), testLogger())
	p, err := f.DefaultProvider()
	if err != nil {
		t.Fatalf("DefaultProvider: %v", err)
	}
	if p.Name() != "ollama" {
		t.Errorf("name = %q", p.Name())
	}
}

func TestFactory_CachesInstances(t *testing.T) {
	f := NewFactory(factoryConfig(), testLogger())
	a, err := f.Get("openai")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	b, err := f.Get("openai")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if a != b {
		t.Error("expected same cached instance")
	}
}

func TestFactory_UnknownAndDisabled(t *testing.T) {
	f := NewFactory(factoryConfig(), testLogger())
	if _, err := f.Get("nope"); err == nil {
		t.Error("expected error for unknown provider")
	}
	if _, err := f.Get("disabled"); err == nil {
		t.Error("expected error for disabled provider")
	}
}

func TestFactory_UnknownNameFallsBackToOpenAICompatible(t *testing.T) {
	f := NewFactory(factoryConfig(), testLogger())
	p, err := f.Get("custom")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if _, ok := p.(*OpenAI); !ok {
		t.Errorf("provider type = %T, want *OpenAI", p)
	}
}
