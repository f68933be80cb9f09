package domain

import "time"

// ChatKey identifies one conversation thread: "<channel>:<chat_id>".
// It is the isolation key for history, guardrail state, and delegation.
func ChatKey(channel, chatID string) string {
	return channel + ":" + chatID
}

// InboundMessage is a message from a channel (or the routine scheduler)
// toward the orchestrator. Immutable once published.
type InboundMessage struct {
	ID        string
	Channel   string
	ChatID    string
	SenderID  string
	Content   string
	Media     []string
	Timestamp time.Time
}

// OutboundMessage is a response from the orchestrator toward a channel.
// Immutable once published.
type OutboundMessage struct {
	ID        string
	Channel   string
	ChatID    string
	Content   string
	InReplyTo string // inbound message ID this replies to, if any
	Timestamp time.Time
}

// TurnRole classifies who produced a conversation turn.
type TurnRole string

const (
	RoleUser   TurnRole = "user"
	RoleAgent  TurnRole = "agent"
	RoleTool   TurnRole = "tool"
	RoleSystem TurnRole = "system"
)

// Turn is one entry of a conversation's append-only history.
type Turn struct {
	ID        int64      `json:"id"`
	ChatKey   string     `json:"chat_key"`
	Role      TurnRole   `json:"role"`
	Content   string     `json:"content"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

// ActiveChat is a conversation summary for the cross-channel listing.
type ActiveChat struct {
	Channel    string    `json:"channel"`
	ChatID     string    `json:"chat_id"`
	LastActive time.Time `json:"last_active"`
}
