package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"steward/internal/domain"
)

const (
	defaultCompactThreshold = 150
	defaultCompactKeep      = 50

	summaryTokenBudget = 512
	summaryTemperature = 0.3
)

// Compactor keeps per-chat history bounded. Once a chat's stored turns pass
// the threshold, everything but the most recent turns is folded into a
// rolling summary and deleted. The summary carries forward: each compaction
// merges the previous summary with the newly archived turns, so context
// survives arbitrarily long conversations.
type Compactor struct {
	archive   domain.HistoryArchive
	provider  domain.Provider
	threshold int
	keep      int
	logger    *slog.Logger
}

type CompactorConfig struct {
	Archive   domain.HistoryArchive
	Provider  domain.Provider
	Threshold int // stored turns that trigger compaction
	Keep      int // recent turns spared
	Logger    *slog.Logger
}

func NewCompactor(cfg CompactorConfig) *Compactor {
	threshold := cfg.Threshold
	if threshold <= 0 {
		threshold = defaultCompactThreshold
	}
	keep := cfg.Keep
	if keep <= 0 || keep >= threshold {
		keep = defaultCompactKeep
	}
	return &Compactor{
		archive:   cfg.Archive,
		provider:  cfg.Provider,
		threshold: threshold,
		keep:      keep,
		logger:    cfg.Logger,
	}
}

// Compact checks the chat's stored turn count and archives the overflow.
// A failed summarization leaves the history untouched; losing turns is
// worse than carrying them another round.
func (c *Compactor) Compact(ctx context.Context, chatKey string) error {
	total, err := c.archive.CountTurns(ctx, chatKey)
	if err != nil {
		return fmt.Errorf("count turns: %w", err)
	}
	if total <= c.threshold {
		return nil
	}

	old, err := c.archive.OldestTurns(ctx, chatKey, total-c.keep)
	if err != nil {
		return fmt.Errorf("load oldest turns: %w", err)
	}
	if len(old) == 0 {
		return nil
	}

	previous, err := c.archive.Summary(ctx, chatKey)
	if err != nil {
		return fmt.Errorf("load summary: %w", err)
	}

	summary, err := c.summarize(ctx, previous, old)
	if err != nil {
		return fmt.Errorf("summarize history: %w", err)
	}
	if strings.TrimSpace(summary) == "" {
		return fmt.Errorf("summarizer returned empty content")
	}

	if err := c.archive.SaveSummary(ctx, chatKey, summary); err != nil {
		return fmt.Errorf("save summary: %w", err)
	}
	if err := c.archive.DeleteTurnsThrough(ctx, chatKey, old[len(old)-1].ID); err != nil {
		return fmt.Errorf("delete archived turns: %w", err)
	}

	c.logger.Info("history compacted",
		"chat", chatKey,
		"archived_turns", len(old),
		"kept_turns", c.keep,
	)
	return nil
}

// summarize asks the provider for a merged summary of the previous summary
// and the turns being archived.
func (c *Compactor) summarize(ctx context.Context, previous string, turns []domain.Turn) (string, error) {
	var sb strings.Builder
	if previous != "" {
		sb.WriteString("Previous summary:\n")
		sb.WriteString(previous)
		sb.WriteString("\n\nNew conversation since then:\n")
	}
	for _, t := range turns {
		sb.WriteString(string(t.Role))
		sb.WriteString(": ")
		sb.WriteString(t.Content)
		if len(t.ToolCalls) > 0 {
			names := make([]string, len(t.ToolCalls))
			for i, tc := range t.ToolCalls {
				names[i] = tc.Name
			}
			fmt.Fprintf(&sb, " [called: %s]", strings.Join(names, ", "))
		}
		sb.WriteString("\n")
	}

	resp, err := c.provider.Chat(ctx, domain.ChatRequest{
		Messages: []domain.Message{
			{
				Role: "system",
				Content: "You summarize conversations. Produce one concise summary of everything below, merging any previous summary with the new messages. Preserve key facts, decisions, names, and unfinished tasks. Stay under 200 words.",
			},
			{Role: "user", Content: sb.String()},
		},
		MaxTokens:   summaryTokenBudget,
		Temperature: summaryTemperature,
	})
	if err != nil {
		return "", err
	}
	return resp.Content, nil
}
