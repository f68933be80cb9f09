package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"time"

	"steward/internal/domain"
	"steward/internal/skill"
)

// PromptBuilder assembles the reasoning context for one turn: identity,
// the expert catalog, the conversation's scratchpad, then the history window.
type PromptBuilder struct {
	workspace string
	skills    *skill.Registry
	store     domain.ConversationStore
	logger    *slog.Logger
}

func NewPromptBuilder(workspace string, skills *skill.Registry, store domain.ConversationStore, logger *slog.Logger) *PromptBuilder {
	return &PromptBuilder{
		workspace: workspace,
		skills:    skills,
		store:     store,
		logger:    logger,
	}
}

// BuildSystemPrompt renders the identity block for one chat. The expert
// catalog carries names and descriptions only; instructions stay with the
// delegation coordinator.
func (p *PromptBuilder) BuildSystemPrompt(ctx context.Context, chatKey string) string {
	now := time.Now().Format("2006-01-02 15:04 (Monday)")
	workspacePath, err := filepath.Abs(p.workspace)
	if err != nil {
		workspacePath = p.workspace
	}

	var b strings.Builder
	fmt.Fprintf(&b, `# Steward

You are Steward, a personal assistant reachable over several chat channels. You can:
- Read, write, and list files in the workspace
- Execute shell commands
- Search the web and fetch pages
- Send messages to other chats and channels
- Manage periodic routines
- Delegate focused tasks to specialized experts

## Current Time
%s

## Runtime
%s %s

## Workspace
%s

## Conversation
%s

## Rules
1. When the user asks you to DO something, use the appropriate tool. Never claim you cannot without trying.
2. For a task matching a specialized expert, call delegate_to_expert with the expert's ID and a self-contained task description.
3. After tool execution, present results clearly. Do not mention tool names to the user.
4. Respond in the same language the user writes in.
5. Be helpful, accurate, and concise.
`, now, runtime.GOOS, runtime.GOARCH, workspacePath, chatKey)

	b.WriteString("\n## Experts\n")
	b.WriteString(p.skills.CatalogPrompt())

	if notes := p.scratchSection(ctx, chatKey); notes != "" {
		b.WriteString(notes)
	}

	return b.String()
}

// scratchSection renders the conversation's scratchpad, if any.
func (p *PromptBuilder) scratchSection(ctx context.Context, chatKey string) string {
	notes, err := p.store.ListScratch(ctx, chatKey)
	if err != nil {
		p.logger.Warn("failed to load scratchpad for prompt", "chat", chatKey, "err", err)
		return ""
	}
	if len(notes) == 0 {
		return ""
	}

	keys := make([]string, 0, len(notes))
	for k := range notes {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString("\n## Notes for this conversation\n")
	for _, k := range keys {
		fmt.Fprintf(&b, "- %s: %s\n", k, notes[k])
	}
	return b.String()
}

// BuildMessages constructs [system + archived summary + history window +
// current message]. The summary slot is present only for chats whose older
// turns have been compacted away.
func (p *PromptBuilder) BuildMessages(ctx context.Context, chatKey string, history []domain.Turn, current string) []domain.Message {
	messages := []domain.Message{
		{Role: "system", Content: p.BuildSystemPrompt(ctx, chatKey)},
	}
	if summary := p.archivedSummary(ctx, chatKey); summary != "" {
		messages = append(messages, domain.Message{
			Role:    "system",
			Content: "[Summary of earlier conversation]\n" + summary,
		})
	}
	for _, t := range history {
		messages = append(messages, turnToMessage(t))
	}
	return append(messages, domain.Message{Role: "user", Content: current})
}

// archivedSummary loads the chat's rolling summary when the store keeps one.
func (p *PromptBuilder) archivedSummary(ctx context.Context, chatKey string) string {
	archive, ok := p.store.(domain.HistoryArchive)
	if !ok {
		return ""
	}
	summary, err := archive.Summary(ctx, chatKey)
	if err != nil {
		p.logger.Warn("failed to load history summary for prompt", "chat", chatKey, "err", err)
		return ""
	}
	return summary
}

func turnToMessage(t domain.Turn) domain.Message {
	msg := domain.Message{Content: t.Content}
	switch t.Role {
	case domain.RoleUser:
		msg.Role = "user"
	case domain.RoleAgent:
		msg.Role = "assistant"
		msg.ToolCalls = t.ToolCalls
	case domain.RoleTool:
		msg.Role = "tool"
	default:
		msg.Role = "system"
	}
	return msg
}
