package delegate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"steward/internal/config"
	"steward/internal/domain"
	"steward/internal/guardrail"
	"steward/internal/skill"
	"steward/internal/tool"
)

const (
	defaultTimeout       = 300 * time.Second
	defaultMaxIterations = 15
	delegateMaxTokens    = 4096
	delegateTemperature  = 0.3
)

// defaultSafeTools is the tool set handed to experts whose skill declares
// none. Read-only by construction.
var defaultSafeTools = []string{"read_file", "list_dir", "web_search", "web_fetch"}

// Coordinator runs delegated expert tasks. Each task gets a fresh reasoning
// context seeded only with the skill's instructions and the delegation
// instruction; parent conversation history never crosses the boundary, and
// only the final content comes back.
type Coordinator struct {
	skills   *skill.Registry
	provider domain.Provider
	tools    *tool.Registry
	guard    *guardrail.Engine
	logger   *slog.Logger

	timeout       time.Duration
	maxIterations int
}

func NewCoordinator(cfg config.DelegationConfig, skills *skill.Registry, provider domain.Provider, tools *tool.Registry, guard *guardrail.Engine, logger *slog.Logger) *Coordinator {
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	maxIter := cfg.MaxIterations
	if maxIter <= 0 {
		maxIter = defaultMaxIterations
	}
	return &Coordinator{
		skills:        skills,
		provider:      provider,
		tools:         tools,
		guard:         guard,
		logger:        logger,
		timeout:       timeout,
		maxIterations: maxIter,
	}
}

// Delegate runs one expert task to completion and returns its final content.
// Unknown expert IDs fail immediately with ErrUnknownExpert, before any
// reasoning call is made.
func (c *Coordinator) Delegate(ctx context.Context, parentChatKey, expertID, instruction string) (domain.DelegationResult, error) {
	desc, ok := c.skills.Descriptor(expertID)
	if !ok {
		return domain.DelegationResult{}, fmt.Errorf("%w: %s", domain.ErrUnknownExpert, expertID)
	}

	task := domain.DelegationTask{
		TaskID:        uuid.NewString(),
		ParentChatKey: parentChatKey,
		ExpertID:      expertID,
		Instruction:   instruction,
		Status:        domain.TaskRunning,
		StartedAt:     time.Now(),
	}
	c.logger.Info("delegation started",
		"task_id", task.TaskID,
		"expert", expertID,
		"parent", parentChatKey,
	)

	runCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	content, err := c.run(runCtx, desc, instruction)
	duration := time.Since(task.StartedAt)
	if err != nil {
		c.logger.Warn("delegation failed", "task_id", task.TaskID, "expert", expertID, "error", err)
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			return domain.DelegationResult{}, &domain.DelegationError{ExpertID: expertID, Reason: "task timed out"}
		}
		return domain.DelegationResult{}, &domain.DelegationError{ExpertID: expertID, Reason: err.Error()}
	}

	c.logger.Info("delegation completed", "task_id", task.TaskID, "expert", expertID, "duration", duration)
	return domain.DelegationResult{
		TaskID:   task.TaskID,
		ExpertID: expertID,
		Content:  content,
		Duration: duration,
	}, nil
}

// run executes the bounded reasoning loop for one expert task.
func (c *Coordinator) run(ctx context.Context, desc domain.SkillDescriptor, instruction string) (string, error) {
	scoped := c.scopedTools(desc)
	toolDefs := scoped.Definitions()

	messages := []domain.Message{
		{Role: "system", Content: desc.Instructions},
		{Role: "user", Content: instruction},
	}

	for iteration := 0; iteration < c.maxIterations; iteration++ {
		resp, err := c.provider.Chat(ctx, domain.ChatRequest{
			Messages:    messages,
			Tools:       toolDefs,
			MaxTokens:   delegateMaxTokens,
			Temperature: delegateTemperature,
		})
		if err != nil {
			return "", fmt.Errorf("reasoning call: %w", err)
		}

		if !resp.HasToolCalls() {
			return resp.Content, nil
		}

		messages = append(messages, domain.Message{
			Role:      "assistant",
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})

		for _, tc := range resp.ToolCalls {
			result := c.executeCall(ctx, scoped, tc)
			messages = append(messages, domain.Message{
				Role:       "tool",
				Content:    result,
				ToolCallID: tc.ID,
				ToolName:   tc.Name,
			})
		}
	}

	return "", fmt.Errorf("no answer after %d iterations", c.maxIterations)
}

// executeCall runs one tool call inside the delegation. Hazardous calls are
// refused outright: there is no user to ask inside a delegated task.
func (c *Coordinator) executeCall(ctx context.Context, scoped *tool.Registry, tc domain.ToolCall) string {
	if c.guard != nil {
		if v := c.guard.Classify(ctx, tc); v != guardrail.VerdictAllow {
			c.logger.Warn("hazardous call refused in delegation", "tool", tc.Name)
			return fmt.Sprintf("Tool call refused: %s requires user confirmation, which is not available during a delegated task.", tc.Name)
		}
	}
	result, err := scoped.Execute(ctx, tc.Name, tc.Arguments)
	if err != nil {
		return fmt.Sprintf("Error executing tool %s: %s", tc.Name, err.Error())
	}
	return result
}

func (c *Coordinator) scopedTools(desc domain.SkillDescriptor) *tool.Registry {
	declared := desc.DeclaredTools
	if len(declared) == 0 {
		declared = defaultSafeTools
	}
	return c.tools.Scoped(declared)
}
