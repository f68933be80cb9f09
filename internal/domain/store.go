package domain

import (
	"context"
	"time"
)

// ConversationStore is the durable, chat-scoped history and scratch state.
// All turn writes are append-only per chat key; no accessor may touch a chat
// key other than the one it was invoked with.
type ConversationStore interface {
	// TouchConversation creates the conversation row if missing and bumps
	// its last-active timestamp.
	TouchConversation(ctx context.Context, channel, chatID string) error

	// AppendTurn appends one turn to the conversation's history and returns
	// its assigned ID. Append is the unit of durability.
	AppendTurn(ctx context.Context, turn Turn) (int64, error)

	// RecentTurns returns up to limit most recent turns in chronological order.
	RecentTurns(ctx context.Context, chatKey string, limit int) ([]Turn, error)

	// ListActiveChats returns conversations ordered by recency, newest first.
	ListActiveChats(ctx context.Context, limit int) ([]ActiveChat, error)

	// SetScratch and GetScratch access the per-conversation scratchpad.
	SetScratch(ctx context.Context, chatKey, key, value string) error
	GetScratch(ctx context.Context, chatKey, key string) (string, error)
	ListScratch(ctx context.Context, chatKey string) (map[string]string, error)

	Close() error
}

// HistoryArchive is the compaction surface of a conversation store: it
// counts, drains, and summarizes a chat's oldest turns so history stays
// bounded without losing context. Implemented by the SQLite store.
type HistoryArchive interface {
	// CountTurns returns the number of stored turns for the chat.
	CountTurns(ctx context.Context, chatKey string) (int, error)

	// OldestTurns returns up to limit turns in chronological order,
	// starting from the oldest.
	OldestTurns(ctx context.Context, chatKey string, limit int) ([]Turn, error)

	// DeleteTurnsThrough removes every turn with ID <= throughID.
	DeleteTurnsThrough(ctx context.Context, chatKey string, throughID int64) error

	// Summary and SaveSummary access the chat's rolling history summary.
	// Summary returns "" when the chat has never been compacted.
	Summary(ctx context.Context, chatKey string) (string, error)
	SaveSummary(ctx context.Context, chatKey, content string) error
}

// RoutineFrequency is how often a routine entry recurs.
type RoutineFrequency string

const (
	FrequencyHourly RoutineFrequency = "hourly"
	FrequencyDaily  RoutineFrequency = "daily"
	FrequencyWeekly RoutineFrequency = "weekly"
)

// RoutineEntry is one declarative periodic task. Entries are curated only
// through the routine tool and read by the scheduler on each tick.
type RoutineEntry struct {
	Name          string           `json:"name"`
	Frequency     RoutineFrequency `json:"frequency"`
	PreferredTime string           `json:"preferred_time,omitempty"` // "HH:MM", daily/weekly only
	Description   string           `json:"description"`
	LastFired     time.Time        `json:"last_fired,omitzero"`
	CreatedAt     time.Time        `json:"created_at"`
}

// RoutineStore persists routine entries and their last-fired watermarks.
type RoutineStore interface {
	UpsertRoutine(ctx context.Context, entry RoutineEntry) error
	RemoveRoutine(ctx context.Context, name string) error
	ListRoutines(ctx context.Context) ([]RoutineEntry, error)

	// MarkFired advances the entry's watermark. The scheduler calls this
	// before publishing so a slow tick cannot double-fire.
	MarkFired(ctx context.Context, name string, at time.Time) error
}

// AuditEntry records a security- or audit-relevant action.
type AuditEntry struct {
	Action   string // tool_exec | command_blocked | confirm_yes | confirm_no | confirm_expired | crosschannel_send | message_dropped
	ToolName string
	Detail   string
	Result   string // allowed | blocked | confirmed | denied | expired | sent | dropped
}

// AuditLogger persists audit entries.
type AuditLogger interface {
	LogAudit(ctx context.Context, entry AuditEntry) error
}
