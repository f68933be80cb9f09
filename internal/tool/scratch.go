package tool

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"steward/internal/domain"
)

// ScratchTool reads and writes the per-conversation scratchpad. Each instance
// is bound to one chat key so a conversation can never touch another's notes.
type ScratchTool struct {
	store   domain.ConversationStore
	chatKey string
}

func NewScratchTool(store domain.ConversationStore, chatKey string) *ScratchTool {
	return &ScratchTool{store: store, chatKey: chatKey}
}

func (t *ScratchTool) Name() string { return "scratchpad" }

func (t *ScratchTool) Description() string {
	return "Persistent notes for this conversation. Actions: 'set' stores a value under a key, 'get' retrieves one, 'list' shows all notes."
}

func (t *ScratchTool) Parameters() map[string]any {
	return ToolParameters(
		map[string]Param{
			"action": {Type: "string", Description: "One of: set, get, list"},
			"key":    {Type: "string", Description: "Note key (required for set and get)"},
			"value":  {Type: "string", Description: "Note value (required for set)"},
		},
		[]string{"action"},
	)
}

func (t *ScratchTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	action := strings.ToLower(strings.TrimSpace(ArgsString(args, "action")))
	key := strings.TrimSpace(ArgsString(args, "key"))

	switch action {
	case "set":
		if key == "" {
			return "", fmt.Errorf("missing argument: key")
		}
		value := ArgsString(args, "value")
		if err := t.store.SetScratch(ctx, t.chatKey, key, value); err != nil {
			return "", fmt.Errorf("set scratch: %w", err)
		}
		return fmt.Sprintf("Noted %q.", key), nil
	case "get":
		if key == "" {
			return "", fmt.Errorf("missing argument: key")
		}
		value, err := t.store.GetScratch(ctx, t.chatKey, key)
		if err != nil {
			return "", fmt.Errorf("get scratch: %w", err)
		}
		if value == "" {
			return fmt.Sprintf("No note stored under %q.", key), nil
		}
		return value, nil
	case "list":
		notes, err := t.store.ListScratch(ctx, t.chatKey)
		if err != nil {
			return "", fmt.Errorf("list scratch: %w", err)
		}
		if len(notes) == 0 {
			return "No notes stored.", nil
		}
		keys := make([]string, 0, len(notes))
		for k := range notes {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		var b strings.Builder
		for _, k := range keys {
			fmt.Fprintf(&b, "%s: %s\n", k, notes[k])
		}
		return b.String(), nil
	default:
		return "", fmt.Errorf("unknown action %q (expected set, get, or list)", action)
	}
}

var _ domain.Tool = (*ScratchTool)(nil)
