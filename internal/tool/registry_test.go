package tool

import (
	"context"
	"log/slog"
	"os"
	"testing"

	"steward/internal/domain"
)

// stubTool is a minimal tool for testing the registry.
type stubTool struct {
	name   string
	result string
	err    error
}

func (s *stubTool) Name() string        { return s.name }
func (s *stubTool) Description() string { return "stub: " + s.name }
func (s *stubTool) Parameters() map[string]any {
	return map[string]any{"type": "object", "properties": map[string]any{}}
}
func (s *stubTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	return s.result, s.err
}

var _ domain.Tool = (*stubTool)(nil)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestRegistry_RegisterAndGet(t *testing.T) {
	reg := NewRegistry(testLogger())
	reg.Register(&stubTool{name: "test_tool", result: "ok"})

	got := reg.Get("test_tool")
	if got == nil {
		t.Fatal("expected to find registered tool")
	}
	if got.Name() != "test_tool" {
		t.Fatalf("expected 'test_tool', got %q", got.Name())
	}
	if reg.Get("nonexistent") != nil {
		t.Fatal("expected nil for unknown tool")
	}
}

func TestRegistry_Execute(t *testing.T) {
	reg := NewRegistry(testLogger())
	reg.Register(&stubTool{name: "echo", result: "hello"})

	result, err := reg.Execute(context.Background(), "echo", nil)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if result != "hello" {
		t.Fatalf("expected 'hello', got %q", result)
	}

	if _, err := reg.Execute(context.Background(), "missing", nil); err == nil {
		t.Fatal("expected error for unknown tool")
	}
}

func TestRegistry_NamesSorted(t *testing.T) {
	reg := NewRegistry(testLogger())
	reg.Register(&stubTool{name: "beta"})
	reg.Register(&stubTool{name: "alpha"})

	names := reg.Names()
	if len(names) != 2 || names[0] != "alpha" || names[1] != "beta" {
		t.Fatalf("expected sorted names, got %v", names)
	}
}

func TestRegistry_Definitions(t *testing.T) {
	reg := NewRegistry(testLogger())
	reg.Register(&stubTool{name: "tool2"})
	reg.Register(&stubTool{name: "tool1"})

	defs := reg.Definitions()
	if len(defs) != 2 {
		t.Fatalf("expected 2 definitions, got %d", len(defs))
	}
	if defs[0].Name != "tool1" || defs[1].Name != "tool2" {
		t.Fatalf("expected sorted definitions, got %v", defs)
	}
}

func TestRegistry_OverwriteRegistration(t *testing.T) {
	reg := NewRegistry(testLogger())
	reg.Register(&stubTool{name: "dup", result: "v1"})
	reg.Register(&stubTool{name: "dup", result: "v2"})

	result, _ := reg.Execute(context.Background(), "dup", nil)
	if result != "v2" {
		t.Fatalf("expected overwritten tool result 'v2', got %q", result)
	}
}

func TestRegistry_Scoped(t *testing.T) {
	reg := NewRegistry(testLogger())
	reg.Register(&stubTool{name: "shell", result: "sh"})
	reg.Register(&stubTool{name: "web_search", result: "ws"})
	reg.Register(&stubTool{name: "send_to_channel", result: "snd"})

	scoped := reg.Scoped([]string{"shell", "web_search", "never_registered"})

	names := scoped.Names()
	if len(names) != 2 {
		t.Fatalf("expected 2 scoped tools, got %v", names)
	}
	if scoped.Get("send_to_channel") != nil {
		t.Fatal("scoped registry must not expose unscoped tools")
	}
	if _, err := scoped.Execute(context.Background(), "send_to_channel", nil); err == nil {
		t.Fatal("executing an unscoped tool must fail")
	}
	if got, _ := scoped.Execute(context.Background(), "shell", nil); got != "sh" {
		t.Fatalf("scoped tool should execute, got %q", got)
	}
}

func TestToolParameters(t *testing.T) {
	params := ToolParameters(
		map[string]Param{
			"name": {Type: "string", Description: "The name"},
			"age":  {Type: "number", Description: "The age in years"},
		},
		[]string{"name"},
	)

	if params["type"] != "object" {
		t.Fatal("expected type=object")
	}
	props := params["properties"].(map[string]any)
	if len(props) != 2 {
		t.Fatalf("expected 2 properties, got %d", len(props))
	}
	required := params["required"].([]string)
	if len(required) != 1 || required[0] != "name" {
		t.Fatalf("unexpected required: %v", required)
	}

	noReq := ToolParameters(map[string]Param{"q": {Type: "string"}}, nil)
	if _, ok := noReq["required"]; ok {
		t.Fatal("should not have 'required' key when nil")
	}
}

func TestArgsString(t *testing.T) {
	args := map[string]any{"key": "value", "num": 42.0}
	if got := ArgsString(args, "key"); got != "value" {
		t.Fatalf("expected 'value', got %q", got)
	}
	if got := ArgsString(args, "missing"); got != "" {
		t.Fatalf("expected empty, got %q", got)
	}
	if got := ArgsString(nil, "key"); got != "" {
		t.Fatalf("expected empty for nil args, got %q", got)
	}
	if got := ArgsString(args, "num"); got != "42" {
		t.Fatalf("expected JSON-encoded number, got %q", got)
	}
}
