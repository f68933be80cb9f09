package guardrail

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"steward/internal/config"
	"steward/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// recordingAudit collects audit entries for assertions.
type recordingAudit struct {
	mu      sync.Mutex
	entries []domain.AuditEntry
}

func (r *recordingAudit) LogAudit(ctx context.Context, entry domain.AuditEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, entry)
	return nil
}

func (r *recordingAudit) actions() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.entries))
	for i, e := range r.entries {
		out[i] = e.Action
	}
	return out
}

func testCfg() config.GuardrailConfig {
	return config.GuardrailConfig{
		Denylist:              []string{"rm -rf /", "mkfs"},
		Allowlist:             []string{"ls", "cat", "git status"},
		ConfirmPatterns:       []string{"rm ", "sudo ", "mv ", "kill "},
		ConfirmTimeoutSeconds: 60,
		AuditLog:              true,
	}
}

func mustEngine(t *testing.T, audit domain.AuditLogger) *Engine {
	t.Helper()
	e, err := NewEngine(testCfg(), audit, testLogger())
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	return e
}

func shellCall(command string) domain.ToolCall {
	return domain.ToolCall{ID: "tc1", Name: "shell", Arguments: map[string]any{"command": command}}
}

func TestClassify_DenylistBlocks(t *testing.T) {
	e := mustEngine(t, &recordingAudit{})
	if v := e.Classify(context.Background(), shellCall("sudo rm -rf / --no-preserve-root")); v != VerdictBlock {
		t.Fatalf("expected block, got %v", v)
	}
}

func TestClassify_AllowlistPasses(t *testing.T) {
	e := mustEngine(t, &recordingAudit{})
	if v := e.Classify(context.Background(), shellCall("ls -la")); v != VerdictAllow {
		t.Fatalf("expected allow, got %v", v)
	}
}

func TestClassify_AllowlistAnchorsToLeadingToken(t *testing.T) {
	e := mustEngine(t, &recordingAudit{})
	ctx := context.Background()

	// An allowlist entry embedded inside a hazardous command must not
	// neutralize the confirm patterns.
	hazardous := []string{
		"sudo cat /etc/shadow",
		"rm echo.txt",
		"mv catalog.txt /tmp/gone",
		"kill -9 1234",
	}
	for _, cmd := range hazardous {
		if v := e.Classify(ctx, shellCall(cmd)); v != VerdictConfirm {
			t.Errorf("Classify(%q) = %v, want confirm", cmd, v)
		}
	}

	// Leading-token matches still pass.
	for _, cmd := range []string{"cat notes.txt", "ls", "git status --short"} {
		if v := e.Classify(ctx, shellCall(cmd)); v != VerdictAllow {
			t.Errorf("Classify(%q) = %v, want allow", cmd, v)
		}
	}
}

func TestClassify_AllowlistSkipsCompoundCommands(t *testing.T) {
	e := mustEngine(t, &recordingAudit{})
	ctx := context.Background()

	for _, cmd := range []string{
		"ls && rm -rf ~",
		"cat notes.txt; sudo reboot",
		"ls $(sudo id)",
	} {
		if v := e.Classify(ctx, shellCall(cmd)); v != VerdictConfirm {
			t.Errorf("Classify(%q) = %v, want confirm", cmd, v)
		}
	}
}

func TestClassify_ConfirmPattern(t *testing.T) {
	e := mustEngine(t, &recordingAudit{})
	if v := e.Classify(context.Background(), shellCall("sudo systemctl restart nginx")); v != VerdictConfirm {
		t.Fatalf("expected confirm, got %v", v)
	}
	if VerdictConfirm.Classification() != domain.ClassHazardous {
		t.Fatal("confirm verdict should classify hazardous")
	}
}

func TestClassify_UnlistedIsSafe(t *testing.T) {
	e := mustEngine(t, &recordingAudit{})
	if v := e.Classify(context.Background(), shellCall("go vet ./...")); v != VerdictAllow {
		t.Fatalf("expected allow for unlisted command, got %v", v)
	}
}

func TestClassify_NonCommandToolIsSafe(t *testing.T) {
	e := mustEngine(t, &recordingAudit{})
	call := domain.ToolCall{Name: "list_active_chats", Arguments: map[string]any{}}
	if v := e.Classify(context.Background(), call); v != VerdictAllow {
		t.Fatalf("expected allow for argument-free tool, got %v", v)
	}
}

func TestClassify_FileWriteInspected(t *testing.T) {
	e, err := NewEngine(config.GuardrailConfig{
		ConfirmPatterns:       []string{"write /etc/"},
		ConfirmTimeoutSeconds: 60,
	}, nil, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	call := domain.ToolCall{Name: "write_file", Arguments: map[string]any{"path": "/etc/passwd", "content": "x"}}
	if v := e.Classify(context.Background(), call); v != VerdictConfirm {
		t.Fatalf("expected confirm for /etc write, got %v", v)
	}
}

func TestRequestResolve_Confirmed(t *testing.T) {
	audit := &recordingAudit{}
	e := mustEngine(t, audit)
	ctx := context.Background()

	req, err := e.Request(ctx, "cli:direct", shellCall("rm notes.txt"), nil)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if req.State != domain.StatePending {
		t.Fatalf("expected pending, got %v", req.State)
	}
	if !e.HasPending("cli:direct") {
		t.Fatal("expected pending request")
	}

	resolved, err := e.Resolve(ctx, "cli:direct", true)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if resolved.State != domain.StateConfirmed {
		t.Fatalf("expected confirmed, got %v", resolved.State)
	}
	if resolved.ID != req.ID {
		t.Fatal("resolved a different request")
	}
	if e.HasPending("cli:direct") {
		t.Fatal("request should be terminal after resolve")
	}
}

func TestResolve_Denied(t *testing.T) {
	e := mustEngine(t, &recordingAudit{})
	ctx := context.Background()

	e.Request(ctx, "cli:direct", shellCall("sudo reboot"), nil)
	resolved, err := e.Resolve(ctx, "cli:direct", false)
	if err != nil {
		t.Fatal(err)
	}
	if resolved.State != domain.StateDenied {
		t.Fatalf("expected denied, got %v", resolved.State)
	}
}

func TestResolve_NoPending(t *testing.T) {
	e := mustEngine(t, &recordingAudit{})
	_, err := e.Resolve(context.Background(), "cli:direct", true)
	if !errors.Is(err, domain.ErrNoPendingRequest) {
		t.Fatalf("expected ErrNoPendingRequest, got %v", err)
	}
}

func TestResolve_ForeignChatFails(t *testing.T) {
	e := mustEngine(t, &recordingAudit{})
	ctx := context.Background()

	e.Request(ctx, "discord:general", shellCall("rm x"), nil)
	_, err := e.Resolve(ctx, "discord:other", true)
	if !errors.Is(err, domain.ErrNoPendingRequest) {
		t.Fatalf("resolving from another chat must fail, got %v", err)
	}
	if !e.HasPending("discord:general") {
		t.Fatal("original request must stay pending")
	}
}

func TestResolve_NoReuse(t *testing.T) {
	e := mustEngine(t, &recordingAudit{})
	ctx := context.Background()

	e.Request(ctx, "cli:direct", shellCall("rm x"), nil)
	if _, err := e.Resolve(ctx, "cli:direct", true); err != nil {
		t.Fatal(err)
	}
	if _, err := e.Resolve(ctx, "cli:direct", true); !errors.Is(err, domain.ErrNoPendingRequest) {
		t.Fatalf("terminal request must not be reusable, got %v", err)
	}
}

func TestCancel_SupersedesPending(t *testing.T) {
	e := mustEngine(t, &recordingAudit{})
	ctx := context.Background()

	e.Request(ctx, "cli:direct", shellCall("rm x"), nil)
	if !e.Cancel(ctx, "cli:direct") {
		t.Fatal("expected cancel to report a pending request")
	}
	if e.Cancel(ctx, "cli:direct") {
		t.Fatal("second cancel should find nothing")
	}
	if _, err := e.Resolve(ctx, "cli:direct", true); !errors.Is(err, domain.ErrNoPendingRequest) {
		t.Fatalf("stale confirm after cancel must fail, got %v", err)
	}
}

func TestExpiry_FiresExactlyOnce(t *testing.T) {
	audit := &recordingAudit{}
	e := mustEngine(t, audit)
	e.timeout = 20 * time.Millisecond

	var notified atomic.Int32
	var gotState domain.RequestState
	var mu sync.Mutex
	notify := func(chatKey string, req domain.GuardrailRequest) {
		notified.Add(1)
		mu.Lock()
		gotState = req.State
		mu.Unlock()
	}

	e.Request(context.Background(), "cli:direct", shellCall("rm x"), notify)

	time.Sleep(100 * time.Millisecond)

	if n := notified.Load(); n != 1 {
		t.Fatalf("expected exactly one expiry notification, got %d", n)
	}
	mu.Lock()
	state := gotState
	mu.Unlock()
	if state != domain.StateExpired {
		t.Fatalf("expected expired state, got %v", state)
	}
	if _, err := e.Resolve(context.Background(), "cli:direct", true); !errors.Is(err, domain.ErrNoPendingRequest) {
		t.Fatalf("confirm after expiry must fail, got %v", err)
	}
}

func TestExpiry_NoNotifyAfterResolve(t *testing.T) {
	e := mustEngine(t, &recordingAudit{})
	e.timeout = 20 * time.Millisecond

	var notified atomic.Int32
	notify := func(string, domain.GuardrailRequest) { notified.Add(1) }

	e.Request(context.Background(), "cli:direct", shellCall("rm x"), notify)
	if _, err := e.Resolve(context.Background(), "cli:direct", false); err != nil {
		t.Fatal(err)
	}

	time.Sleep(60 * time.Millisecond)
	if n := notified.Load(); n != 0 {
		t.Fatalf("resolved request must not expire, got %d notifications", n)
	}
}

func TestAudit_RecordsDecisions(t *testing.T) {
	audit := &recordingAudit{}
	e := mustEngine(t, audit)
	ctx := context.Background()

	e.Classify(ctx, shellCall("rm -rf /"))
	e.Request(ctx, "cli:direct", shellCall("rm x"), nil)
	e.Resolve(ctx, "cli:direct", false)

	actions := audit.actions()
	want := map[string]bool{}
	for _, a := range actions {
		want[a] = true
	}
	if !want["command_blocked"] || !want["confirm_no"] {
		t.Fatalf("missing audit actions: %v", actions)
	}
}
