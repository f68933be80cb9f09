package tool

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"steward/internal/domain"
)

var preferredTimeRe = regexp.MustCompile(`^([01]?\d|2[0-3]):[0-5]\d$`)

// RoutineTool curates the periodic routine list. The scheduler only ever
// reads entries; all mutation goes through this tool.
type RoutineTool struct {
	store domain.RoutineStore
}

func NewRoutineTool(store domain.RoutineStore) *RoutineTool {
	return &RoutineTool{store: store}
}

func (t *RoutineTool) Name() string { return "manage_routines" }

func (t *RoutineTool) Description() string {
	return "Manage periodic routines. Actions: 'list' shows all routines; 'add' creates or updates a routine (name, frequency, description, optional preferred_time); 'remove' deletes one by name."
}

func (t *RoutineTool) Parameters() map[string]any {
	return ToolParameters(
		map[string]Param{
			"action":         {Type: "string", Description: "One of: list, add, remove"},
			"name":           {Type: "string", Description: "Routine name (required for add and remove)"},
			"frequency":      {Type: "string", Description: "One of: hourly, daily, weekly (required for add)"},
			"preferred_time": {Type: "string", Description: "Preferred fire time as HH:MM, for daily and weekly routines"},
			"description":    {Type: "string", Description: "What the routine should do when it fires (required for add)"},
		},
		[]string{"action"},
	)
}

func (t *RoutineTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	action := strings.ToLower(strings.TrimSpace(ArgsString(args, "action")))
	switch action {
	case "list":
		return t.list(ctx)
	case "add":
		return t.add(ctx, args)
	case "remove":
		return t.remove(ctx, args)
	default:
		return "", fmt.Errorf("unknown action %q (expected list, add, or remove)", action)
	}
}

func (t *RoutineTool) list(ctx context.Context) (string, error) {
	entries, err := t.store.ListRoutines(ctx)
	if err != nil {
		return "", fmt.Errorf("list routines: %w", err)
	}
	if len(entries) == 0 {
		return "No routines configured.", nil
	}
	var b strings.Builder
	b.WriteString("Configured routines:\n")
	for _, e := range entries {
		fmt.Fprintf(&b, "- %s (%s", e.Name, e.Frequency)
		if e.PreferredTime != "" {
			fmt.Fprintf(&b, " @ %s", e.PreferredTime)
		}
		b.WriteString(")")
		if e.Description != "" {
			fmt.Fprintf(&b, ": %s", e.Description)
		}
		if !e.LastFired.IsZero() {
			fmt.Fprintf(&b, " [last fired %s]", e.LastFired.Format(time.RFC3339))
		}
		b.WriteString("\n")
	}
	return b.String(), nil
}

func (t *RoutineTool) add(ctx context.Context, args map[string]any) (string, error) {
	name := strings.TrimSpace(ArgsString(args, "name"))
	if name == "" {
		return "", fmt.Errorf("missing argument: name")
	}
	freq := domain.RoutineFrequency(strings.ToLower(strings.TrimSpace(ArgsString(args, "frequency"))))
	switch freq {
	case domain.FrequencyHourly, domain.FrequencyDaily, domain.FrequencyWeekly:
	default:
		return "", fmt.Errorf("invalid frequency %q (expected hourly, daily, or weekly)", freq)
	}
	description := strings.TrimSpace(ArgsString(args, "description"))
	if description == "" {
		return "", fmt.Errorf("missing argument: description")
	}

	preferred := strings.TrimSpace(ArgsString(args, "preferred_time"))
	if preferred != "" {
		if freq == domain.FrequencyHourly {
			return "", fmt.Errorf("preferred_time is not valid for hourly routines")
		}
		if !preferredTimeRe.MatchString(preferred) {
			return "", fmt.Errorf("invalid preferred_time %q (expected HH:MM)", preferred)
		}
	}

	entry := domain.RoutineEntry{
		Name:          name,
		Frequency:     freq,
		PreferredTime: preferred,
		Description:   description,
		CreatedAt:     time.Now(),
	}
	if err := t.store.UpsertRoutine(ctx, entry); err != nil {
		return "", fmt.Errorf("save routine: %w", err)
	}
	return fmt.Sprintf("Routine %q saved (%s).", name, freq), nil
}

func (t *RoutineTool) remove(ctx context.Context, args map[string]any) (string, error) {
	name := strings.TrimSpace(ArgsString(args, "name"))
	if name == "" {
		return "", fmt.Errorf("missing argument: name")
	}
	if err := t.store.RemoveRoutine(ctx, name); err != nil {
		return "", fmt.Errorf("remove routine: %w", err)
	}
	return fmt.Sprintf("Routine %q removed.", name), nil
}

var _ domain.Tool = (*RoutineTool)(nil)
