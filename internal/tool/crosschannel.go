package tool

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"steward/internal/bus"
	"steward/internal/domain"
)

const defaultActiveChatLimit = 20

// ListActiveChatsTool surfaces recently active conversations across every
// channel so the agent can reference or address them.
type ListActiveChatsTool struct {
	store domain.ConversationStore
}

func NewListActiveChatsTool(store domain.ConversationStore) *ListActiveChatsTool {
	return &ListActiveChatsTool{store: store}
}

func (t *ListActiveChatsTool) Name() string { return "list_active_chats" }
func (t *ListActiveChatsTool) Description() string {
	return "List recently active conversations across all channels. Returns channel, chat_id, and last activity time for each."
}
func (t *ListActiveChatsTool) Parameters() map[string]any {
	return ToolParameters(
		map[string]Param{
			"limit": {Type: "integer", Description: "Maximum number of chats to return (default 20)"},
		},
		nil,
	)
}

func (t *ListActiveChatsTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	limit := defaultActiveChatLimit
	if v, ok := args["limit"]; ok {
		if f, ok := v.(float64); ok && f > 0 {
			limit = int(f)
		}
	}

	chats, err := t.store.ListActiveChats(ctx, limit)
	if err != nil {
		return "", fmt.Errorf("list active chats: %w", err)
	}
	if len(chats) == 0 {
		return "No active conversations.", nil
	}

	var b strings.Builder
	b.WriteString("Active conversations (newest first):\n")
	for _, c := range chats {
		fmt.Fprintf(&b, "- %s:%s (last active %s)\n", c.Channel, c.ChatID, c.LastActive.Format(time.RFC3339))
	}
	return b.String(), nil
}

// SendToChannelTool sends a message to an arbitrary channel and chat. Every
// send is audited because it crosses the conversation boundary.
type SendToChannelTool struct {
	msgBus domain.MessageBus
	audit  domain.AuditLogger
	events *bus.EventBus
}

func NewSendToChannelTool(msgBus domain.MessageBus, audit domain.AuditLogger, events *bus.EventBus) *SendToChannelTool {
	return &SendToChannelTool{msgBus: msgBus, audit: audit, events: events}
}

func (t *SendToChannelTool) Name() string { return "send_to_channel" }
func (t *SendToChannelTool) Description() string {
	return "Send a message to a specific channel and chat. Use list_active_chats first to find valid destinations."
}
func (t *SendToChannelTool) Parameters() map[string]any {
	return ToolParameters(
		map[string]Param{
			"channel": {Type: "string", Description: "Destination channel name (e.g. 'discord', 'telegram', 'cli')"},
			"chat_id": {Type: "string", Description: "Destination chat identifier within the channel"},
			"content": {Type: "string", Description: "Message text to send"},
		},
		[]string{"channel", "chat_id", "content"},
	)
}

func (t *SendToChannelTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	channel := strings.TrimSpace(ArgsString(args, "channel"))
	chatID := strings.TrimSpace(ArgsString(args, "chat_id"))
	content := ArgsString(args, "content")
	if channel == "" || chatID == "" {
		return "", fmt.Errorf("missing argument: channel and chat_id are required")
	}
	if content == "" {
		return "", fmt.Errorf("missing argument: content")
	}

	err := t.msgBus.PublishOutbound(ctx, domain.OutboundMessage{
		ID:        uuid.NewString(),
		Channel:   channel,
		ChatID:    chatID,
		Content:   content,
		Timestamp: time.Now(),
	})

	dest := domain.ChatKey(channel, chatID)
	if t.audit != nil {
		result := "sent"
		if err != nil {
			result = "failed"
		}
		t.audit.LogAudit(ctx, domain.AuditEntry{
			Action:   "crosschannel_send",
			ToolName: t.Name(),
			Detail:   dest,
			Result:   result,
		})
	}
	if err != nil {
		return "", fmt.Errorf("send to %s: %w", dest, err)
	}
	if t.events != nil {
		t.events.Emit(bus.Event{
			Type:    bus.EventCrossChannelSent,
			Source:  t.Name(),
			Payload: map[string]any{"destination": dest},
		})
	}
	return fmt.Sprintf("Message sent to %s.", dest), nil
}

var (
	_ domain.Tool = (*ListActiveChatsTool)(nil)
	_ domain.Tool = (*SendToChannelTool)(nil)
)
