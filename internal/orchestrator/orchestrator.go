// Package orchestrator is the control core: it serializes work per chat,
// drives the reasoning loop, enforces guardrail decisions, and merges
// delegation results back into the owning conversation.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"steward/internal/bus"
	"steward/internal/config"
	"steward/internal/domain"
	"steward/internal/guardrail"
	"steward/internal/skill"
	"steward/internal/tool"
)

const (
	defaultMaxIterations = 20
	defaultHistoryLimit  = 50
	defaultMaxTokens     = 4096
	defaultTemperature   = 0.7

	publishAttempts = 3
	publishBackoff  = 200 * time.Millisecond
)

var confirmWords = map[string]bool{
	"yes": true, "y": true, "ok": true, "confirm": true, "approve": true, "do it": true,
}

var denyWords = map[string]bool{
	"no": true, "n": true, "deny": true, "cancel": true, "reject": true, "stop": true,
}

// Delegator runs expert tasks on behalf of a conversation.
type Delegator interface {
	Delegate(ctx context.Context, parentChatKey, expertID, instruction string) (domain.DelegationResult, error)
}

// continuation is a reasoning loop parked on a pending guardrail decision.
// It resumes when the same chat confirms, and dies on deny, expiry, or
// supersession.
type continuation struct {
	origin    domain.InboundMessage
	messages  []domain.Message
	call      domain.ToolCall
	rest      []domain.ToolCall
	iteration int
}

// Orchestrator owns the per-turn state machine for every conversation.
type Orchestrator struct {
	provider  domain.Provider
	msgBus    domain.MessageBus
	events    *bus.EventBus
	store     domain.ConversationStore
	skills    *skill.Registry
	guard     *guardrail.Engine
	delegator Delegator
	tools     *tool.Registry
	prompt    *PromptBuilder
	compactor *Compactor
	audit     domain.AuditLogger
	logger    *slog.Logger

	maxIterations int
	historyLimit  int
	maxTokens     int
	temperature   float64

	mu      sync.Mutex
	pending map[string]*continuation
}

type Config struct {
	Reasoning config.ReasoningConfig
	Provider  domain.Provider
	Bus       domain.MessageBus
	Events    *bus.EventBus
	Store     domain.ConversationStore
	Skills    *skill.Registry
	Guard     *guardrail.Engine
	Delegator Delegator
	Tools     *tool.Registry
	Prompt    *PromptBuilder
	Compactor *Compactor
	Audit     domain.AuditLogger
	Logger    *slog.Logger
}

func New(cfg Config) *Orchestrator {
	maxIter := cfg.Reasoning.MaxIterations
	if maxIter <= 0 {
		maxIter = defaultMaxIterations
	}
	historyLimit := cfg.Reasoning.HistoryLimit
	if historyLimit <= 0 {
		historyLimit = defaultHistoryLimit
	}
	maxTokens := cfg.Reasoning.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	temperature := cfg.Reasoning.Temperature
	if temperature <= 0 {
		temperature = defaultTemperature
	}
	return &Orchestrator{
		provider:      cfg.Provider,
		msgBus:        cfg.Bus,
		events:        cfg.Events,
		store:         cfg.Store,
		skills:        cfg.Skills,
		guard:         cfg.Guard,
		delegator:     cfg.Delegator,
		tools:         cfg.Tools,
		prompt:        cfg.Prompt,
		compactor:     cfg.Compactor,
		audit:         cfg.Audit,
		logger:        cfg.Logger,
		maxIterations: maxIter,
		historyLimit:  historyLimit,
		maxTokens:     maxTokens,
		temperature:   temperature,
		pending:       make(map[string]*continuation),
	}
}

// HandleMessage processes one inbound message to completion. The dispatcher
// guarantees that no two calls for the same chat key overlap.
func (o *Orchestrator) HandleMessage(ctx context.Context, msg domain.InboundMessage) {
	chatKey := domain.ChatKey(msg.Channel, msg.ChatID)
	o.logger.Info("processing message", "chat", chatKey, "sender", msg.SenderID, "content_len", len(msg.Content))
	defer o.compactInBackground(chatKey)

	if err := o.store.TouchConversation(ctx, msg.Channel, msg.ChatID); err != nil {
		o.logger.Warn("touch conversation failed", "chat", chatKey, "err", err)
	}

	if o.guard != nil && o.guard.HasPending(chatKey) {
		if o.handleConfirmationReply(ctx, chatKey, msg) {
			return
		}
		// Anything that is not a clear yes/no supersedes the pending request.
		o.cancelPending(ctx, chatKey, msg)
	}

	o.appendTurn(ctx, domain.Turn{ChatKey: chatKey, Role: domain.RoleUser, Content: msg.Content})

	history, err := o.store.RecentTurns(ctx, chatKey, o.historyLimit)
	if err != nil {
		o.logger.Warn("failed to load history, continuing without it", "chat", chatKey, "err", err)
		history = nil
	}
	// The current message was just appended; the window must not repeat it.
	if n := len(history); n > 0 && history[n-1].Role == domain.RoleUser && history[n-1].Content == msg.Content {
		history = history[:n-1]
	}

	messages := o.prompt.BuildMessages(ctx, chatKey, history, msg.Content)
	o.runLoop(ctx, chatKey, msg, messages, 0)
}

// compactInBackground checks the chat's history size after each turn and
// archives the overflow. It runs detached so a slow summarization call never
// delays the reply that already went out.
func (o *Orchestrator) compactInBackground(chatKey string) {
	if o.compactor == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		defer cancel()
		if err := o.compactor.Compact(ctx, chatKey); err != nil {
			o.logger.Warn("history compaction failed", "chat", chatKey, "err", err)
		}
	}()
}

// handleConfirmationReply consumes a yes/no answer to a pending guardrail
// request. Returns true when the message was consumed.
func (o *Orchestrator) handleConfirmationReply(ctx context.Context, chatKey string, msg domain.InboundMessage) bool {
	normalized := strings.ToLower(strings.TrimSpace(msg.Content))

	switch {
	case confirmWords[normalized]:
		req, err := o.guard.Resolve(ctx, chatKey, true)
		if err != nil {
			o.respond(ctx, msg, "That request is no longer pending.")
			return true
		}
		o.emit(bus.EventGuardrailConfirmed, chatKey, map[string]any{"tool": req.Call.Name})
		o.resume(ctx, chatKey, msg, req)
		return true

	case denyWords[normalized]:
		req, err := o.guard.Resolve(ctx, chatKey, false)
		if err != nil {
			o.respond(ctx, msg, "That request is no longer pending.")
			return true
		}
		o.emit(bus.EventGuardrailDenied, chatKey, map[string]any{"tool": req.Call.Name})
		o.resumeDenied(ctx, chatKey, msg, req)
		return true
	}
	return false
}

// cancelPending supersedes a parked request because the user moved on.
func (o *Orchestrator) cancelPending(ctx context.Context, chatKey string, msg domain.InboundMessage) {
	if !o.guard.Cancel(ctx, chatKey) {
		return
	}
	o.mu.Lock()
	delete(o.pending, chatKey)
	o.mu.Unlock()
	o.respond(ctx, msg, "Cancelled the pending action; it was not executed.")
}

// resume continues a parked loop after the user confirmed. The confirmed
// call runs without re-classification.
func (o *Orchestrator) resume(ctx context.Context, chatKey string, msg domain.InboundMessage, req domain.GuardrailRequest) {
	cont := o.takeContinuation(chatKey)
	if cont == nil {
		o.respond(ctx, msg, "Confirmed, but the original task is gone. Please ask again.")
		return
	}

	result, err := o.chatTools(chatKey).Execute(ctx, cont.call.Name, cont.call.Arguments)
	if err != nil {
		result = fmt.Sprintf("Error executing tool %s: %s", cont.call.Name, err.Error())
	}
	cont.messages = o.appendToolResult(ctx, chatKey, cont.messages, cont.call, result)

	if parked := o.executeCalls(ctx, chatKey, cont.origin, &cont.messages, cont.rest, cont.iteration); parked {
		return
	}
	o.runLoop(ctx, chatKey, cont.origin, cont.messages, cont.iteration+1)
}

// resumeDenied continues a parked loop after the user denied: the model
// learns the call was refused and answers with what it has.
func (o *Orchestrator) resumeDenied(ctx context.Context, chatKey string, msg domain.InboundMessage, req domain.GuardrailRequest) {
	cont := o.takeContinuation(chatKey)
	if cont == nil {
		o.respond(ctx, msg, "Understood, I won't do that.")
		return
	}

	result := fmt.Sprintf("Action denied by user: %s was not executed.", cont.call.Name)
	cont.messages = o.appendToolResult(ctx, chatKey, cont.messages, cont.call, result)

	if parked := o.executeCalls(ctx, chatKey, cont.origin, &cont.messages, cont.rest, cont.iteration); parked {
		return
	}
	o.runLoop(ctx, chatKey, cont.origin, cont.messages, cont.iteration+1)
}

func (o *Orchestrator) takeContinuation(chatKey string) *continuation {
	o.mu.Lock()
	defer o.mu.Unlock()
	cont := o.pending[chatKey]
	delete(o.pending, chatKey)
	return cont
}

// runLoop drives the call-reason-act cycle until the model answers in plain
// text, the iteration budget runs out, or a hazardous call parks the turn.
func (o *Orchestrator) runLoop(ctx context.Context, chatKey string, origin domain.InboundMessage, messages []domain.Message, iteration int) {
	toolDefs := append(o.chatTools(chatKey).Definitions(), delegateDefinition())

	for ; iteration < o.maxIterations; iteration++ {
		resp, err := o.provider.Chat(ctx, domain.ChatRequest{
			Messages:    messages,
			Tools:       toolDefs,
			MaxTokens:   o.maxTokens,
			Temperature: o.temperature,
		})
		if err != nil {
			o.logger.Error("reasoning call failed", "chat", chatKey, "err", fmt.Errorf("%w: %v", domain.ErrReasoningUnavailable, err))
			o.respond(ctx, origin, "I'm unable to reach my reasoning service right now. Please try again in a moment.")
			return
		}

		if !resp.HasToolCalls() {
			content := resp.Content
			if content == "" {
				content = "I've completed processing but have no additional response."
			}
			o.appendTurn(ctx, domain.Turn{ChatKey: chatKey, Role: domain.RoleAgent, Content: content})
			o.respond(ctx, origin, content)
			return
		}

		messages = append(messages, domain.Message{
			Role:      "assistant",
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})
		o.appendTurn(ctx, domain.Turn{
			ChatKey:   chatKey,
			Role:      domain.RoleAgent,
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})

		if parked := o.executeCalls(ctx, chatKey, origin, &messages, resp.ToolCalls, iteration); parked {
			return
		}
	}

	o.respond(ctx, origin, "I couldn't finish that within my working limits. Try breaking the task into smaller steps.")
}

// executeCalls runs tool calls in order. A hazardous call parks the loop and
// returns true; the remaining calls travel with the continuation.
func (o *Orchestrator) executeCalls(ctx context.Context, chatKey string, origin domain.InboundMessage, messages *[]domain.Message, calls []domain.ToolCall, iteration int) bool {
	registry := o.chatTools(chatKey)

	for i, call := range calls {
		if call.Name == "delegate_to_expert" {
			result := o.runDelegation(ctx, chatKey, call)
			*messages = o.appendToolResult(ctx, chatKey, *messages, call, result)
			continue
		}

		verdict := guardrail.VerdictAllow
		if o.guard != nil {
			verdict = o.guard.Classify(ctx, call)
		}
		switch verdict {
		case guardrail.VerdictBlock:
			o.emit(bus.EventGuardrailBlocked, chatKey, map[string]any{"tool": call.Name})
			result := fmt.Sprintf("Action blocked by security policy: %s", call.Name)
			*messages = o.appendToolResult(ctx, chatKey, *messages, call, result)

		case guardrail.VerdictConfirm:
			req, err := o.guard.Request(ctx, chatKey, call, o.onExpiry)
			if err != nil {
				result := fmt.Sprintf("Error requesting confirmation for %s: %s", call.Name, err.Error())
				*messages = o.appendToolResult(ctx, chatKey, *messages, call, result)
				continue
			}
			o.mu.Lock()
			o.pending[chatKey] = &continuation{
				origin:    origin,
				messages:  *messages,
				call:      call,
				rest:      calls[i+1:],
				iteration: iteration,
			}
			o.mu.Unlock()
			o.respond(ctx, origin, guardrail.ConfirmQuestion(req))
			return true

		default:
			result, err := registry.Execute(ctx, call.Name, call.Arguments)
			if err != nil {
				result = fmt.Sprintf("Error executing tool %s: %s", call.Name, err.Error())
			}
			*messages = o.appendToolResult(ctx, chatKey, *messages, call, result)
		}
	}
	return false
}

// runDelegation routes a delegate_to_expert call to the coordinator and
// folds the outcome into a tool result.
func (o *Orchestrator) runDelegation(ctx context.Context, chatKey string, call domain.ToolCall) string {
	expertID := tool.ArgsString(call.Arguments, "expert_id")
	task := tool.ArgsString(call.Arguments, "task")
	if expertID == "" || task == "" {
		return "Error: delegate_to_expert requires both expert_id and task."
	}
	if o.delegator == nil {
		return "Error: delegation is not available."
	}

	o.emit(bus.EventDelegationStarted, chatKey, map[string]any{"expert": expertID})
	result, err := o.delegator.Delegate(ctx, chatKey, expertID, task)
	if err != nil {
		o.emit(bus.EventDelegationFailed, chatKey, map[string]any{"expert": expertID, "error": err.Error()})
		if errors.Is(err, domain.ErrUnknownExpert) {
			return fmt.Sprintf("Error: no expert with ID %q. Check the expert catalog and use an exact ID.", expertID)
		}
		var delErr *domain.DelegationError
		if errors.As(err, &delErr) {
			return fmt.Sprintf("The expert %q could not complete the task: %s", delErr.ExpertID, delErr.Reason)
		}
		return fmt.Sprintf("Delegation failed: %s", err.Error())
	}

	o.emit(bus.EventDelegationCompleted, chatKey, map[string]any{
		"expert":  expertID,
		"task_id": result.TaskID,
	})
	return result.Content
}

// onExpiry tells the chat its confirmation window closed. The parked loop
// is discarded; expiry is terminal.
func (o *Orchestrator) onExpiry(chatKey string, req domain.GuardrailRequest) {
	o.emit(bus.EventGuardrailExpired, chatKey, map[string]any{"tool": req.Call.Name})

	o.mu.Lock()
	cont := o.pending[chatKey]
	delete(o.pending, chatKey)
	o.mu.Unlock()
	if cont == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	o.respond(ctx, cont.origin, fmt.Sprintf(
		"The confirmation for %s timed out; nothing was executed. Ask again if you still want it.",
		req.Call.Name,
	))
}

// appendToolResult records a tool turn and extends the message window.
func (o *Orchestrator) appendToolResult(ctx context.Context, chatKey string, messages []domain.Message, call domain.ToolCall, result string) []domain.Message {
	o.appendTurn(ctx, domain.Turn{ChatKey: chatKey, Role: domain.RoleTool, Content: result})
	return append(messages, domain.Message{
		Role:       "tool",
		Content:    result,
		ToolCallID: call.ID,
		ToolName:   call.Name,
	})
}

func (o *Orchestrator) appendTurn(ctx context.Context, turn domain.Turn) {
	if _, err := o.store.AppendTurn(ctx, turn); err != nil {
		o.logger.Warn("failed to persist turn", "chat", turn.ChatKey, "role", turn.Role, "err", err)
	}
}

// respond publishes the reply, retrying transient bus saturation with
// backoff. A reply is never silently dropped without a log entry.
func (o *Orchestrator) respond(ctx context.Context, origin domain.InboundMessage, content string) {
	msg := domain.OutboundMessage{
		ID:        uuid.NewString(),
		Channel:   origin.Channel,
		ChatID:    origin.ChatID,
		Content:   content,
		InReplyTo: origin.ID,
		Timestamp: time.Now(),
	}

	backoff := publishBackoff
	var err error
	for attempt := 0; attempt < publishAttempts; attempt++ {
		err = o.msgBus.PublishOutbound(ctx, msg)
		if err == nil {
			return
		}
		if !errors.Is(err, domain.ErrBusUnavailable) {
			break
		}
		select {
		case <-ctx.Done():
			err = ctx.Err()
			attempt = publishAttempts
		case <-time.After(backoff):
			backoff *= 2
		}
	}
	o.logger.Error("failed to deliver reply", "channel", origin.Channel, "chat_id", origin.ChatID, "err", err)
}

// chatTools builds the tool set for one chat: the shared registry plus the
// conversation-bound scratchpad.
func (o *Orchestrator) chatTools(chatKey string) *tool.Registry {
	reg := o.tools.Scoped(o.tools.Names())
	reg.Register(tool.NewScratchTool(o.store, chatKey))
	return reg
}

func (o *Orchestrator) emit(eventType, chatKey string, payload map[string]any) {
	if o.events == nil {
		return
	}
	if payload == nil {
		payload = map[string]any{}
	}
	payload["chat_key"] = chatKey
	o.events.Emit(bus.Event{Type: eventType, Source: "orchestrator", Payload: payload})
}

func delegateDefinition() domain.ToolDefinition {
	return domain.ToolDefinition{
		Name:        "delegate_to_expert",
		Description: "Hand a focused task to a specialized expert from the catalog. The expert works in isolation and returns only its final result.",
		Parameters: tool.ToolParameters(
			map[string]tool.Param{
				"expert_id": {Type: "string", Description: "Exact expert ID from the catalog"},
				"task":      {Type: "string", Description: "Self-contained task description; the expert sees nothing else"},
			},
			[]string{"expert_id", "task"},
		),
	}
}
