package store

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"steward/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "steward.db"), testLogger())
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestAppendTurn_StrictlyOrdered(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	key := domain.ChatKey("cli", "direct")
	if err := s.TouchConversation(ctx, "cli", "direct"); err != nil {
		t.Fatalf("touch: %v", err)
	}

	contents := []string{"first", "second", "third", "fourth"}
	for _, c := range contents {
		if _, err := s.AppendTurn(ctx, domain.Turn{ChatKey: key, Role: domain.RoleUser, Content: c}); err != nil {
			t.Fatalf("append %q: %v", c, err)
		}
	}

	turns, err := s.RecentTurns(ctx, key, 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(turns) != 4 {
		t.Fatalf("expected 4 turns, got %d", len(turns))
	}
	for i, turn := range turns {
		if turn.Content != contents[i] {
			t.Fatalf("turn %d: expected %q, got %q", i, contents[i], turn.Content)
		}
		if i > 0 && turns[i].ID <= turns[i-1].ID {
			t.Fatalf("turn IDs not strictly increasing: %d then %d", turns[i-1].ID, turns[i].ID)
		}
	}
}

func TestRecentTurns_WindowKeepsNewest(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	key := domain.ChatKey("cli", "direct")
	for i := 0; i < 10; i++ {
		if _, err := s.AppendTurn(ctx, domain.Turn{ChatKey: key, Role: domain.RoleUser, Content: string(rune('a' + i))}); err != nil {
			t.Fatal(err)
		}
	}

	turns, err := s.RecentTurns(ctx, key, 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(turns) != 3 {
		t.Fatalf("expected 3 turns, got %d", len(turns))
	}
	if turns[0].Content != "h" || turns[2].Content != "j" {
		t.Fatalf("expected newest three in order, got %q..%q", turns[0].Content, turns[2].Content)
	}
}

func TestTurns_IsolatedByChatKey(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	a := domain.ChatKey("discord", "general")
	b := domain.ChatKey("discord", "random")
	s.AppendTurn(ctx, domain.Turn{ChatKey: a, Role: domain.RoleUser, Content: "for a"})
	s.AppendTurn(ctx, domain.Turn{ChatKey: b, Role: domain.RoleUser, Content: "for b"})

	turns, err := s.RecentTurns(ctx, a, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(turns) != 1 || turns[0].Content != "for a" {
		t.Fatalf("chat a sees foreign turns: %+v", turns)
	}
}

func TestAppendTurn_ToolCallsRoundTrip(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	key := domain.ChatKey("cli", "direct")
	calls := []domain.ToolCall{{ID: "tc1", Name: "shell", Arguments: map[string]any{"command": "ls"}}}
	if _, err := s.AppendTurn(ctx, domain.Turn{ChatKey: key, Role: domain.RoleAgent, ToolCalls: calls}); err != nil {
		t.Fatal(err)
	}

	turns, err := s.RecentTurns(ctx, key, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(turns) != 1 || len(turns[0].ToolCalls) != 1 {
		t.Fatalf("expected one turn with one tool call, got %+v", turns)
	}
	if turns[0].ToolCalls[0].Name != "shell" {
		t.Fatalf("unexpected tool call: %+v", turns[0].ToolCalls[0])
	}
}

func TestHistoryArchive_CountAndOldest(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	key := domain.ChatKey("cli", "direct")
	for i := 0; i < 5; i++ {
		s.AppendTurn(ctx, domain.Turn{ChatKey: key, Role: domain.RoleUser, Content: string(rune('a' + i))})
	}
	s.AppendTurn(ctx, domain.Turn{ChatKey: domain.ChatKey("cli", "other"), Role: domain.RoleUser, Content: "foreign"})

	n, err := s.CountTurns(ctx, key)
	if err != nil {
		t.Fatal(err)
	}
	if n != 5 {
		t.Fatalf("expected 5 turns, got %d", n)
	}

	oldest, err := s.OldestTurns(ctx, key, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(oldest) != 2 || oldest[0].Content != "a" || oldest[1].Content != "b" {
		t.Fatalf("expected the two oldest turns, got %+v", oldest)
	}
}

func TestHistoryArchive_DeleteTurnsThrough(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	key := domain.ChatKey("cli", "direct")
	other := domain.ChatKey("cli", "other")
	var cutoff int64
	for i := 0; i < 4; i++ {
		id, err := s.AppendTurn(ctx, domain.Turn{ChatKey: key, Role: domain.RoleUser, Content: string(rune('a' + i))})
		if err != nil {
			t.Fatal(err)
		}
		if i == 1 {
			cutoff = id
		}
	}
	s.AppendTurn(ctx, domain.Turn{ChatKey: other, Role: domain.RoleUser, Content: "untouched"})

	if err := s.DeleteTurnsThrough(ctx, key, cutoff); err != nil {
		t.Fatal(err)
	}

	turns, _ := s.RecentTurns(ctx, key, 10)
	if len(turns) != 2 || turns[0].Content != "c" {
		t.Fatalf("expected turns c and d to survive, got %+v", turns)
	}
	foreign, _ := s.RecentTurns(ctx, other, 10)
	if len(foreign) != 1 {
		t.Fatal("foreign chat must keep its turns")
	}
}

func TestHistoryArchive_SummaryRollsForward(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	key := domain.ChatKey("telegram", "42")
	if got, err := s.Summary(ctx, key); err != nil || got != "" {
		t.Fatalf("expected empty summary for fresh chat, got %q err %v", got, err)
	}

	if err := s.SaveSummary(ctx, key, "first pass"); err != nil {
		t.Fatal(err)
	}
	if err := s.SaveSummary(ctx, key, "second pass, merged"); err != nil {
		t.Fatal(err)
	}

	got, err := s.Summary(ctx, key)
	if err != nil {
		t.Fatal(err)
	}
	if got != "second pass, merged" {
		t.Fatalf("expected replaced summary, got %q", got)
	}
}

func TestListActiveChats_OrderedByRecency(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	s.TouchConversation(ctx, "discord", "old")
	time.Sleep(5 * time.Millisecond)
	s.TouchConversation(ctx, "telegram", "new")

	chats, err := s.ListActiveChats(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(chats) != 2 {
		t.Fatalf("expected 2 chats, got %d", len(chats))
	}
	if chats[0].ChatID != "new" {
		t.Fatalf("expected newest first, got %+v", chats)
	}
}

func TestScratch_SetGetOverwrite(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	key := domain.ChatKey("cli", "direct")
	if err := s.SetScratch(ctx, key, "note", "v1"); err != nil {
		t.Fatal(err)
	}
	if err := s.SetScratch(ctx, key, "note", "v2"); err != nil {
		t.Fatal(err)
	}

	v, err := s.GetScratch(ctx, key, "note")
	if err != nil {
		t.Fatal(err)
	}
	if v != "v2" {
		t.Fatalf("expected v2, got %q", v)
	}

	// Missing key reads as empty, not an error.
	v, err = s.GetScratch(ctx, key, "absent")
	if err != nil || v != "" {
		t.Fatalf("expected empty for absent key, got %q err=%v", v, err)
	}
}

func TestScratch_IsolatedByChatKey(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	s.SetScratch(ctx, domain.ChatKey("cli", "a"), "note", "mine")

	all, err := s.ListScratch(ctx, domain.ChatKey("cli", "b"))
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 0 {
		t.Fatalf("chat b sees foreign scratch: %v", all)
	}
}

func TestRoutines_UpsertListRemove(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	entry := domain.RoutineEntry{
		Name:          "check-email",
		Frequency:     domain.FrequencyDaily,
		PreferredTime: "08:00",
		Description:   "check email",
	}
	if err := s.UpsertRoutine(ctx, entry); err != nil {
		t.Fatal(err)
	}

	entries, err := s.ListRoutines(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].PreferredTime != "08:00" {
		t.Fatalf("unexpected routines: %+v", entries)
	}
	if !entries[0].LastFired.IsZero() {
		t.Fatal("new routine should have no watermark")
	}

	// Upsert edits in place without resetting the watermark.
	now := time.Now().UTC().Truncate(time.Second)
	if err := s.MarkFired(ctx, "check-email", now); err != nil {
		t.Fatal(err)
	}
	entry.Description = "check email twice"
	if err := s.UpsertRoutine(ctx, entry); err != nil {
		t.Fatal(err)
	}
	entries, _ = s.ListRoutines(ctx)
	if entries[0].Description != "check email twice" {
		t.Fatalf("description not updated: %+v", entries[0])
	}
	if !entries[0].LastFired.Equal(now) {
		t.Fatalf("watermark lost on edit: %v != %v", entries[0].LastFired, now)
	}

	if err := s.RemoveRoutine(ctx, "check-email"); err != nil {
		t.Fatal(err)
	}
	entries, _ = s.ListRoutines(ctx)
	if len(entries) != 0 {
		t.Fatalf("expected empty after remove, got %+v", entries)
	}
}

func TestMarkFired_UnknownRoutine(t *testing.T) {
	s := testStore(t)
	if err := s.MarkFired(context.Background(), "ghost", time.Now()); err == nil {
		t.Fatal("expected error for unknown routine")
	}
}

func TestLogAudit(t *testing.T) {
	s := testStore(t)
	err := s.LogAudit(context.Background(), domain.AuditEntry{
		Action:   "command_blocked",
		ToolName: "shell",
		Detail:   "rm -rf /",
		Result:   "blocked",
	})
	if err != nil {
		t.Fatalf("audit: %v", err)
	}
}
