package agent

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/apex/internal/task"
)

// fakeCLI writes a script that emits the given stream-json lines and exits 0.
func fakeCLI(t *testing.T, lines ...string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("stub script requires a POSIX shell")
	}
	script := "#!/bin/sh\n"
	for _, l := range lines {
		script += "echo '" + l + "'\n"
	}
	path := filepath.Join(t.TempDir(), "claude")
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

func TestCLIProviderParsesStream(t *testing.T) {
	bin := fakeCLI(t,
		`{"type":"system","subtype":"init","session_id":"sess-42"}`,
		`{"type":"assistant","message":{"role":"assistant","content":[{"type":"thinking","thinking":"planning the fix"},{"type":"text","text":"On it."},{"type":"tool_use","name":"Bash","input":{"command":"ls"}}]}}`,
		`{"type":"result","subtype":"success","is_error":false,"result":"done","session_id":"sess-42","total_cost_usd":0.25,"usage":{"input_tokens":100,"output_tokens":50}}`,
	)
	p := NewCLIProvider(WithBinary(bin))

	var (
		thinking []string
		tools    []string
		usages   []task.Usage
	)
	cb := Callbacks{
		OnMessage: func(m Message) error {
			if text := m.ThinkingText(); text != "" {
				thinking = append(thinking, text)
			}
			return nil
		},
		OnToolUse: func(tool string, input json.RawMessage) error {
			tools = append(tools, tool)
			return nil
		},
		OnUsage: func(delta task.Usage) error {
			usages = append(usages, delta)
			return nil
		},
	}

	res, err := p.Execute(context.Background(), Request{Prompt: "fix it", MaxTurns: 3}, cb)
	require.NoError(t, err)
	assert.Equal(t, "done", res.Output)
	assert.Equal(t, "sess-42", string(res.Conversation))
	assert.Equal(t, []string{"planning the fix"}, thinking)
	assert.Equal(t, []string{"Bash"}, tools)
	require.Len(t, usages, 1)
	assert.Equal(t, 100, usages[0].InputTokens)
	assert.Equal(t, 50, usages[0].OutputTokens)
	assert.Equal(t, 150, usages[0].TotalTokens)
	assert.InDelta(t, 0.25, usages[0].EstimatedCost, 1e-9)
}

func TestCLIProviderAttributesToolResults(t *testing.T) {
	bin := fakeCLI(t,
		`{"type":"assistant","message":{"role":"assistant","content":[{"type":"tool_use","id":"tu-1","name":"Bash","input":{"command":"ls"}}]},"session_id":"s"}`,
		`{"type":"user","message":{"role":"user","content":[{"type":"tool_result","tool_use_id":"tu-1","content":"main.go"}]},"session_id":"s"}`,
		`{"type":"result","is_error":false,"result":"done","session_id":"s"}`,
	)
	p := NewCLIProvider(WithBinary(bin))

	var gotTool, gotResult string
	cb := Callbacks{
		OnToolResult: func(tool string, result json.RawMessage) error {
			gotTool = tool
			gotResult = string(result)
			return nil
		},
	}

	_, err := p.Execute(context.Background(), Request{Prompt: "x"}, cb)
	require.NoError(t, err)
	assert.Equal(t, "Bash", gotTool)
	assert.Contains(t, gotResult, "main.go")
}

func TestCLIProviderToolResultAbort(t *testing.T) {
	bin := fakeCLI(t,
		`{"type":"assistant","message":{"role":"assistant","content":[{"type":"tool_use","id":"tu-1","name":"Bash","input":{"command":"cat key"}}]},"session_id":"s"}`,
		`{"type":"user","message":{"role":"user","content":[{"type":"tool_result","tool_use_id":"tu-1","content":"secret"}]},"session_id":"s"}`,
		`{"type":"result","is_error":false,"result":"done","session_id":"s"}`,
	)
	p := NewCLIProvider(WithBinary(bin))

	wantErr := assert.AnError
	_, err := p.Execute(context.Background(), Request{Prompt: "x"}, Callbacks{
		OnToolResult: func(string, json.RawMessage) error { return wantErr },
	})
	require.ErrorIs(t, err, wantErr)
}

func TestCLIProviderErrorResult(t *testing.T) {
	bin := fakeCLI(t,
		`{"type":"result","subtype":"error_during_execution","is_error":true,"result":"session limit reached","session_id":"s"}`,
	)
	p := NewCLIProvider(WithBinary(bin))

	_, err := p.Execute(context.Background(), Request{Prompt: "x"}, Callbacks{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "session limit reached")
}

func TestCLIProviderUsageAbort(t *testing.T) {
	bin := fakeCLI(t,
		`{"type":"result","is_error":false,"result":"ok","usage":{"input_tokens":1,"output_tokens":1},"total_cost_usd":99}`,
	)
	p := NewCLIProvider(WithBinary(bin))

	wantErr := assert.AnError
	_, err := p.Execute(context.Background(), Request{Prompt: "x"}, Callbacks{
		OnUsage: func(task.Usage) error { return wantErr },
	})
	require.ErrorIs(t, err, wantErr)
}

func TestCLIProviderMissingBinary(t *testing.T) {
	p := NewCLIProvider(WithBinary(filepath.Join(t.TempDir(), "nope")))
	_, err := p.Execute(context.Background(), Request{Prompt: "x"}, Callbacks{})
	require.Error(t, err)
}
