// Package hooks gates agent tool calls through ordered hook chains.
package hooks

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"github.com/randalmurphal/apex/internal/config"
)

// Hook points.
const (
	PreToolUse  = "PreToolUse"
	PostToolUse = "PostToolUse"
)

// Action is a hook's verdict for a tool call.
type Action string

const (
	ActionAllow Action = "allow"
	ActionDeny  Action = "deny"
	ActionWarn  Action = "warn"
)

// Decision is the outcome of evaluating one hook, or a whole chain.
type Decision struct {
	Action Action `json:"action"`
	Reason string `json:"reason,omitempty"`
}

// Allowed reports whether the tool call may proceed.
func (d Decision) Allowed() bool {
	return d.Action != ActionDeny
}

// ToolCall is the input presented to each hook.
type ToolCall struct {
	TaskID string
	Tool   string
	Input  json.RawMessage
}

// Hook evaluates one tool call. Implementations must be safe for concurrent
// use; the gateway enforces a per-hook deadline.
type Hook interface {
	Name() string
	Evaluate(ctx context.Context, call *ToolCall) Decision
}

// DefaultHookTimeout bounds one hook's evaluation.
const DefaultHookTimeout = 5 * time.Second

// logTruncateAt caps string arguments in the debug log.
const logTruncateAt = 200

// Gateway runs hook chains at the two tool-call boundaries.
type Gateway struct {
	pre     []Hook
	post    []Hook
	timeout time.Duration
	logger  *slog.Logger
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(g *Gateway) { g.logger = l }
}

// WithTimeout overrides the per-hook deadline.
func WithTimeout(d time.Duration) Option {
	return func(g *Gateway) { g.timeout = d }
}

// NewGateway builds a gateway with the built-in safety hooks plus any custom
// rules from config. Invalid custom patterns fail construction.
func NewGateway(rules []config.HookRule, opts ...Option) (*Gateway, error) {
	g := &Gateway{
		timeout: DefaultHookTimeout,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}

	g.pre = []Hook{
		&dangerousCommandHook{},
		&riskyCommandHook{logger: g.logger},
		&sensitivePathHook{logger: g.logger},
	}
	g.post = []Hook{
		&secretLeakHook{logger: g.logger},
	}
	for _, r := range rules {
		h, err := newCustomHook(r)
		if err != nil {
			return nil, err
		}
		g.pre = append(g.pre, h)
	}

	return g, nil
}

// Register appends a hook to the named chain.
func (g *Gateway) Register(point string, h Hook) {
	switch point {
	case PreToolUse:
		g.pre = append(g.pre, h)
	case PostToolUse:
		g.post = append(g.post, h)
	}
}

// CheckPreToolUse runs the PreToolUse chain. A deny from any hook dominates;
// warns are logged and do not stop the call.
func (g *Gateway) CheckPreToolUse(ctx context.Context, call *ToolCall) Decision {
	g.logCall(call)
	return g.run(ctx, g.pre, call)
}

// CheckPostToolUse runs the PostToolUse chain over a completed call.
func (g *Gateway) CheckPostToolUse(ctx context.Context, call *ToolCall) Decision {
	return g.run(ctx, g.post, call)
}

func (g *Gateway) run(ctx context.Context, chain []Hook, call *ToolCall) Decision {
	for _, h := range chain {
		d := g.evaluate(ctx, h, call)
		switch d.Action {
		case ActionDeny:
			g.logger.Warn("tool call denied",
				"task", call.TaskID, "tool", call.Tool, "hook", h.Name(), "reason", d.Reason)
			return d
		case ActionWarn:
			g.logger.Warn("tool call flagged",
				"task", call.TaskID, "tool", call.Tool, "hook", h.Name(), "reason", d.Reason)
		}
	}
	return Decision{Action: ActionAllow}
}

// evaluate runs one hook under the gateway deadline. A hook that overruns is
// skipped with a warning rather than blocking the chain.
func (g *Gateway) evaluate(ctx context.Context, h Hook, call *ToolCall) Decision {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	done := make(chan Decision, 1)
	go func() {
		done <- h.Evaluate(ctx, call)
	}()

	select {
	case d := <-done:
		return d
	case <-ctx.Done():
		g.logger.Warn("hook timed out", "hook", h.Name(), "tool", call.Tool)
		return Decision{Action: ActionAllow}
	}
}

// logCall emits the default debug record for every tool invocation.
func (g *Gateway) logCall(call *ToolCall) {
	g.logger.Debug("tool call",
		"task", call.TaskID, "tool", call.Tool, "input", truncate(string(call.Input), logTruncateAt))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// customHook is a config-supplied rule matched by regex against the
// serialized tool input.
type customHook struct {
	rule    config.HookRule
	pattern *regexp.Regexp
}

func newCustomHook(r config.HookRule) (*customHook, error) {
	switch Action(r.Action) {
	case ActionAllow, ActionDeny, ActionWarn:
	default:
		return nil, fmt.Errorf("hook for tool %q has unknown action %q", r.Tool, r.Action)
	}

	h := &customHook{rule: r}
	if r.Pattern != "" {
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			return nil, fmt.Errorf("hook pattern %q: %w", r.Pattern, err)
		}
		h.pattern = re
	}
	return h, nil
}

func (h *customHook) Name() string {
	return "custom:" + h.rule.Tool
}

func (h *customHook) Evaluate(_ context.Context, call *ToolCall) Decision {
	if h.rule.Tool != "" && h.rule.Tool != "*" && h.rule.Tool != call.Tool {
		return Decision{Action: ActionAllow}
	}
	if h.pattern != nil && !h.pattern.MatchString(string(call.Input)) {
		return Decision{Action: ActionAllow}
	}

	reason := h.rule.Message
	if reason == "" {
		reason = fmt.Sprintf("matched custom %s rule for tool %s", h.rule.Action, h.rule.Tool)
	}
	return Decision{Action: Action(h.rule.Action), Reason: reason}
}
