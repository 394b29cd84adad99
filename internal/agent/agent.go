// Package agent defines agent roles and the LLM provider boundary.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/randalmurphal/apex/internal/config"
	"github.com/randalmurphal/apex/internal/task"
)

// Definition describes one agent role available to workflows.
type Definition struct {
	Name         string   `yaml:"name"`
	Model        string   `yaml:"model,omitempty"`
	Instructions string   `yaml:"instructions"`
	Tools        []string `yaml:"tools,omitempty"`
}

// Validate checks structural integrity of a definition.
func (d *Definition) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("agent has no name")
	}
	if d.Instructions == "" {
		return fmt.Errorf("agent %s has no instructions", d.Name)
	}
	return nil
}

// Registry holds the agents available to a project.
type Registry struct {
	agents map[string]*Definition
}

// NewRegistry returns a registry seeded with the built-in agents.
func NewRegistry() *Registry {
	r := &Registry{agents: make(map[string]*Definition)}
	for _, d := range builtins() {
		r.agents[d.Name] = d
	}
	return r
}

// Get returns the named agent definition.
func (r *Registry) Get(name string) (*Definition, error) {
	d, ok := r.agents[name]
	if !ok {
		return nil, fmt.Errorf("unknown agent %q", name)
	}
	return d, nil
}

// Add validates and registers a definition, replacing any same-named one.
func (r *Registry) Add(d *Definition) error {
	if err := d.Validate(); err != nil {
		return err
	}
	r.agents[d.Name] = d
	return nil
}

// LoadDir loads agent yamls from .apex/agents/, overriding built-ins of the
// same name. A missing directory is not an error.
func (r *Registry) LoadDir(projectPath string) error {
	dir := filepath.Join(projectPath, config.ApexDir, config.AgentsDir)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read agents dir: %w", err)
	}

	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := filepath.Ext(e.Name())
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		path := filepath.Join(dir, e.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read agent %s: %w", path, err)
		}
		var d Definition
		if err := yaml.Unmarshal(data, &d); err != nil {
			return fmt.Errorf("parse agent %s: %w", path, err)
		}
		if d.Name == "" {
			d.Name = strings.TrimSuffix(e.Name(), ext)
		}
		if err := d.Validate(); err != nil {
			return fmt.Errorf("agent %s: %w", path, err)
		}
		r.agents[d.Name] = &d
	}
	return nil
}

func builtins() []*Definition {
	return []*Definition{
		{
			Name:         "planner",
			Instructions: "Break the task into a concrete implementation plan. List the files to change and the acceptance checks.",
		},
		{
			Name:         "coder",
			Instructions: "Implement the plan. Make the smallest change that satisfies the acceptance criteria, with tests.",
		},
		{
			Name:         "reviewer",
			Instructions: "Review the diff against the acceptance criteria. Flag defects; do not restate the plan.",
		},
	}
}

// ContentBlock is one block of a streamed message.
type ContentBlock struct {
	// Kind is "text", "thinking", or "tool_use".
	Kind  string          `json:"kind"`
	Text  string          `json:"text,omitempty"`
	Tool  string          `json:"tool,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`
}

// Message is a single streamed message from the provider.
type Message struct {
	Role   string         `json:"role"`
	Blocks []ContentBlock `json:"blocks,omitempty"`

	// Thinking carries provider-level reasoning when it is not delivered
	// as a content block.
	Thinking string `json:"thinking,omitempty"`

	// Usage is the token/cost delta attributed to this message, if any.
	Usage *task.Usage `json:"usage,omitempty"`
}

// ThinkingText extracts the reasoning text of a message. Thinking content
// blocks take precedence over the top-level property. Returns the trimmed
// text, empty when the message carries none.
func (m Message) ThinkingText() string {
	for _, b := range m.Blocks {
		if b.Kind == "thinking" {
			if text := strings.TrimSpace(b.Text); text != "" {
				return text
			}
		}
	}
	return strings.TrimSpace(m.Thinking)
}

// ToolCalls returns the tool_use blocks of a message.
func (m Message) ToolCalls() []ContentBlock {
	var calls []ContentBlock
	for _, b := range m.Blocks {
		if b.Kind == "tool_use" {
			calls = append(calls, b)
		}
	}
	return calls
}

// Text concatenates the plain text blocks of a message.
func (m Message) Text() string {
	var b strings.Builder
	for _, blk := range m.Blocks {
		if blk.Kind == "text" {
			b.WriteString(blk.Text)
		}
	}
	return b.String()
}

// Request is one agent invocation within a stage.
type Request struct {
	Agent  *Definition
	Model  string
	Prompt string

	// WorkDir is the directory the agent operates in (the task workspace,
	// or the project root when the task has no isolated workspace).
	WorkDir string

	// Conversation is the opaque serialized conversation state carried
	// across stages and checkpoints. Empty on a fresh task.
	Conversation []byte

	MaxTurns int
}

// Result is the outcome of a completed agent invocation.
type Result struct {
	Output       string
	Conversation []byte
}

// Callbacks receive streamed events during an invocation. A nil callback is
// skipped. An error returned from OnToolUse denies the tool call; any other
// callback error aborts the invocation.
type Callbacks struct {
	OnMessage func(Message) error
	OnToolUse func(tool string, input json.RawMessage) error

	// OnToolResult fires after a tool call completes, with the result
	// content. tool may be empty when the provider cannot attribute the
	// result to a prior call.
	OnToolResult func(tool string, result json.RawMessage) error

	OnUsage func(delta task.Usage) error
}

// Provider executes agent invocations against an LLM endpoint.
type Provider interface {
	Execute(ctx context.Context, req Request, cb Callbacks) (Result, error)
}
