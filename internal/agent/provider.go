package agent

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/randalmurphal/apex/internal/task"
)

// DefaultBinary is the agent CLI invoked by CLIProvider.
const DefaultBinary = "claude"

// scanBufferSize bounds one stream-json line; tool results can be large.
const scanBufferSize = 4 * 1024 * 1024

// CLIProvider runs agents through the Claude Code CLI in non-interactive
// mode and parses its stream-json event feed. The conversation state carried
// across stages is the CLI session ID, so resumes use --resume.
type CLIProvider struct {
	binary string
	logger *slog.Logger
}

// CLIOption configures a CLIProvider.
type CLIOption func(*CLIProvider)

// WithBinary overrides the agent CLI binary.
func WithBinary(path string) CLIOption {
	return func(p *CLIProvider) { p.binary = path }
}

// WithCLILogger sets the logger.
func WithCLILogger(l *slog.Logger) CLIOption {
	return func(p *CLIProvider) { p.logger = l }
}

// NewCLIProvider creates a provider that shells out to the agent CLI.
func NewCLIProvider(opts ...CLIOption) *CLIProvider {
	p := &CLIProvider{binary: DefaultBinary, logger: slog.Default()}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Execute runs one agent invocation to completion.
func (p *CLIProvider) Execute(ctx context.Context, req Request, cb Callbacks) (Result, error) {
	args := []string{"-p", req.Prompt, "--output-format", "stream-json", "--verbose"}
	if req.Model != "" && req.Model != "default" {
		args = append(args, "--model", req.Model)
	}
	if req.MaxTurns > 0 {
		args = append(args, "--max-turns", strconv.Itoa(req.MaxTurns))
	}
	if req.Agent != nil && req.Agent.Instructions != "" {
		args = append(args, "--append-system-prompt", req.Agent.Instructions)
	}
	if len(req.Conversation) > 0 {
		args = append(args, "--resume", string(req.Conversation))
	}

	cmd := exec.CommandContext(ctx, p.binary, args...)
	cmd.Dir = req.WorkDir
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return Result{}, fmt.Errorf("agent cli stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return Result{}, fmt.Errorf("start agent cli %s: %w", p.binary, err)
	}

	var (
		output    string
		sessionID string
		cbErr     error
	)
	// tool_use id → tool name, so results can be attributed to their call.
	toolNames := make(map[string]string)

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), scanBufferSize)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || !gjson.Valid(line) {
			continue
		}
		ev := gjson.Parse(line)
		if id := ev.Get("session_id").String(); id != "" {
			sessionID = id
		}

		switch ev.Get("type").String() {
		case "assistant":
			msg := parseMessage(ev.Get("message"))
			recordToolUses(ev.Get("message"), toolNames)
			if cb.OnMessage != nil {
				if err := cb.OnMessage(msg); err != nil {
					cbErr = err
				}
			}
			if cb.OnToolUse != nil {
				for _, call := range msg.ToolCalls() {
					if err := cb.OnToolUse(call.Tool, call.Input); err != nil {
						// The CLI enforces its own permission settings; a
						// gateway denial here is recorded but cannot be
						// injected back into a running session.
						p.logger.Warn("tool call denied", "tool", call.Tool, "error", err)
					}
				}
			}
		case "user":
			if cb.OnToolResult != nil {
				ev.Get("message.content").ForEach(func(_, block gjson.Result) bool {
					if block.Get("type").String() != "tool_result" {
						return true
					}
					name := toolNames[block.Get("tool_use_id").String()]
					result := json.RawMessage(block.Get("content").Raw)
					if err := cb.OnToolResult(name, result); err != nil {
						cbErr = err
						return false
					}
					return true
				})
			}
		case "result":
			if text := ev.Get("result").String(); text != "" {
				output = text
			}
			if cb.OnUsage != nil {
				if err := cb.OnUsage(resultUsage(ev)); err != nil {
					cbErr = err
				}
			}
			if ev.Get("is_error").Bool() {
				cbErr = fmt.Errorf("agent reported error: %s", ev.Get("result").String())
			}
		}

		if cbErr != nil {
			_ = cmd.Process.Kill()
			break
		}
	}
	scanErr := scanner.Err()

	waitErr := cmd.Wait()
	switch {
	case cbErr != nil:
		return Result{}, cbErr
	case scanErr != nil:
		return Result{}, fmt.Errorf("read agent cli output: %w", scanErr)
	case waitErr != nil:
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		return Result{}, fmt.Errorf("agent cli: %w: %s", waitErr, tail(stderr.String(), 512))
	}

	return Result{Output: output, Conversation: []byte(sessionID)}, nil
}

// parseMessage converts one streamed assistant message into a Message.
func parseMessage(m gjson.Result) Message {
	msg := Message{Role: m.Get("role").String()}
	m.Get("content").ForEach(func(_, block gjson.Result) bool {
		switch block.Get("type").String() {
		case "text":
			msg.Blocks = append(msg.Blocks, ContentBlock{Kind: "text", Text: block.Get("text").String()})
		case "thinking":
			msg.Blocks = append(msg.Blocks, ContentBlock{Kind: "thinking", Text: block.Get("thinking").String()})
		case "tool_use":
			msg.Blocks = append(msg.Blocks, ContentBlock{
				Kind:  "tool_use",
				Tool:  block.Get("name").String(),
				Input: json.RawMessage(block.Get("input").Raw),
			})
		}
		return true
	})
	return msg
}

// recordToolUses maps the tool_use block IDs of an assistant message to their
// tool names.
func recordToolUses(m gjson.Result, names map[string]string) {
	m.Get("content").ForEach(func(_, block gjson.Result) bool {
		if block.Get("type").String() == "tool_use" {
			names[block.Get("id").String()] = block.Get("name").String()
		}
		return true
	})
}

// resultUsage extracts the invocation's token and cost totals from the
// terminal result event.
func resultUsage(ev gjson.Result) task.Usage {
	in := int(ev.Get("usage.input_tokens").Int())
	out := int(ev.Get("usage.output_tokens").Int())
	return task.Usage{
		InputTokens:   in,
		OutputTokens:  out,
		TotalTokens:   in + out,
		EstimatedCost: ev.Get("total_cost_usd").Float(),
	}
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
