// Package workflow defines stage DAGs that drive task execution.
package workflow

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/randalmurphal/apex/internal/config"
)

// Stage is one step of a workflow, executed by a named agent once all of its
// dependencies have completed.
type Stage struct {
	Name      string   `yaml:"name"`
	Agent     string   `yaml:"agent"`
	DependsOn []string `yaml:"depends_on,omitempty"`
}

// Workflow is an ordered set of stages forming a DAG.
type Workflow struct {
	Name        string  `yaml:"name"`
	Description string  `yaml:"description,omitempty"`
	Stages      []Stage `yaml:"stages"`
}

// Validate checks structural integrity: at least one stage, unique stage
// names, non-empty agents, dependencies that reference declared stages, and
// no dependency cycles.
func (w *Workflow) Validate() error {
	if w.Name == "" {
		return fmt.Errorf("workflow has no name")
	}
	if len(w.Stages) == 0 {
		return fmt.Errorf("workflow %s has no stages", w.Name)
	}

	seen := make(map[string]bool, len(w.Stages))
	for _, s := range w.Stages {
		if s.Name == "" {
			return fmt.Errorf("workflow %s has a stage with no name", w.Name)
		}
		if s.Agent == "" {
			return fmt.Errorf("workflow %s stage %s has no agent", w.Name, s.Name)
		}
		if seen[s.Name] {
			return fmt.Errorf("workflow %s has duplicate stage %s", w.Name, s.Name)
		}
		seen[s.Name] = true
	}
	for _, s := range w.Stages {
		for _, dep := range s.DependsOn {
			if dep == s.Name {
				return fmt.Errorf("workflow %s stage %s depends on itself", w.Name, s.Name)
			}
			if !seen[dep] {
				return fmt.Errorf("workflow %s stage %s depends on unknown stage %s", w.Name, s.Name, dep)
			}
		}
	}

	if _, err := w.TopoOrder(); err != nil {
		return err
	}
	return nil
}

// TopoOrder returns the stages in dependency order. Declaration order is the
// tie-break, so a workflow with no dependencies runs in file order.
func (w *Workflow) TopoOrder() ([]Stage, error) {
	indegree := make(map[string]int, len(w.Stages))
	byName := make(map[string]Stage, len(w.Stages))
	for _, s := range w.Stages {
		byName[s.Name] = s
		if _, ok := indegree[s.Name]; !ok {
			indegree[s.Name] = 0
		}
		indegree[s.Name] += len(s.DependsOn)
	}

	ordered := make([]Stage, 0, len(w.Stages))
	done := make(map[string]bool, len(w.Stages))
	for len(ordered) < len(w.Stages) {
		progressed := false
		for _, s := range w.Stages {
			if done[s.Name] {
				continue
			}
			ready := true
			for _, dep := range s.DependsOn {
				if !done[dep] {
					ready = false
					break
				}
			}
			if ready {
				ordered = append(ordered, s)
				done[s.Name] = true
				progressed = true
			}
		}
		if !progressed {
			var stuck []string
			for _, s := range w.Stages {
				if !done[s.Name] {
					stuck = append(stuck, s.Name)
				}
			}
			return nil, fmt.Errorf("workflow %s has a dependency cycle among stages: %s",
				w.Name, strings.Join(stuck, ", "))
		}
	}
	return ordered, nil
}

// StageIndex returns the position of the named stage in topological order,
// or -1 when absent.
func (w *Workflow) StageIndex(name string) int {
	ordered, err := w.TopoOrder()
	if err != nil {
		return -1
	}
	for i, s := range ordered {
		if s.Name == name {
			return i
		}
	}
	return -1
}

// Registry holds the workflows available to a project.
type Registry struct {
	workflows map[string]*Workflow
}

// NewRegistry returns a registry seeded with the built-in workflows.
func NewRegistry() *Registry {
	r := &Registry{workflows: make(map[string]*Workflow)}
	for _, w := range builtins() {
		r.workflows[w.Name] = w
	}
	return r
}

// Get returns the named workflow; the empty name resolves to "default".
func (r *Registry) Get(name string) (*Workflow, error) {
	if name == "" {
		name = "default"
	}
	w, ok := r.workflows[name]
	if !ok {
		return nil, fmt.Errorf("unknown workflow %q", name)
	}
	return w, nil
}

// Names returns the registered workflow names.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.workflows))
	for n := range r.workflows {
		names = append(names, n)
	}
	return names
}

// Add validates and registers a workflow, replacing any same-named one.
func (r *Registry) Add(w *Workflow) error {
	if err := w.Validate(); err != nil {
		return err
	}
	r.workflows[w.Name] = w
	return nil
}

// LoadDir loads every workflow yaml under .apex/workflows/, overriding
// built-ins of the same name. A missing directory is not an error. Any
// malformed or cyclic definition fails the whole load.
func (r *Registry) LoadDir(projectPath string) error {
	dir := filepath.Join(projectPath, config.ApexDir, config.WorkflowsDir)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read workflows dir: %w", err)
	}

	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := filepath.Ext(e.Name())
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		w, err := Load(filepath.Join(dir, e.Name()))
		if err != nil {
			return err
		}
		r.workflows[w.Name] = w
	}
	return nil
}

// Load parses and validates a single workflow file. The workflow name
// defaults to the file basename.
func Load(path string) (*Workflow, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read workflow %s: %w", path, err)
	}
	var w Workflow
	if err := yaml.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("parse workflow %s: %w", path, err)
	}
	if w.Name == "" {
		w.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	if err := w.Validate(); err != nil {
		return nil, fmt.Errorf("workflow %s: %w", path, err)
	}
	return &w, nil
}

// builtins are the workflows every project starts with.
func builtins() []*Workflow {
	return []*Workflow{
		{
			Name:        "default",
			Description: "Plan, implement, review.",
			Stages: []Stage{
				{Name: "planning", Agent: "planner"},
				{Name: "implementation", Agent: "coder", DependsOn: []string{"planning"}},
				{Name: "review", Agent: "reviewer", DependsOn: []string{"implementation"}},
			},
		},
		{
			Name:        "quick",
			Description: "Single implementation pass for trivial tasks.",
			Stages: []Stage{
				{Name: "implementation", Agent: "coder"},
			},
		},
	}
}
