package workspace

import (
	"context"
	"fmt"

	"github.com/randalmurphal/apex/internal/task"
)

// SupportsContainerWorkspaces reports whether a container runtime is
// available on this host.
func (m *Manager) SupportsContainerWorkspaces() bool {
	_, err := m.runner.Run(m.projectPath, "docker", "version", "--format", "{{.Server.Version}}")
	return err == nil
}

// mergedContainerSpec overlays task-level container settings on the project
// defaults.
func (m *Manager) mergedContainerSpec(t *task.Task) *task.ContainerSpec {
	d := m.cfg.Container
	spec := &task.ContainerSpec{
		Image:          d.Image,
		NetworkMode:    d.NetworkMode,
		AutoRemove:     d.AutoRemove,
		InstallTimeout: d.InstallTimeout,
	}
	if len(d.ResourceLimits) > 0 {
		spec.ResourceLimits = make(map[string]string, len(d.ResourceLimits))
		for k, v := range d.ResourceLimits {
			spec.ResourceLimits[k] = v
		}
	}
	if len(d.Environment) > 0 {
		spec.Environment = make(map[string]string, len(d.Environment))
		for k, v := range d.Environment {
			spec.Environment[k] = v
		}
	}

	if t.Workspace == nil || t.Workspace.Container == nil {
		return spec
	}
	o := t.Workspace.Container
	if o.Image != "" {
		spec.Image = o.Image
	}
	if o.NetworkMode != "" {
		spec.NetworkMode = o.NetworkMode
	}
	if o.AutoRemove {
		spec.AutoRemove = true
	}
	if o.InstallTimeout > 0 {
		spec.InstallTimeout = o.InstallTimeout
	}
	for k, v := range o.ResourceLimits {
		if spec.ResourceLimits == nil {
			spec.ResourceLimits = make(map[string]string)
		}
		spec.ResourceLimits[k] = v
	}
	for k, v := range o.Environment {
		if spec.Environment == nil {
			spec.Environment = make(map[string]string)
		}
		spec.Environment[k] = v
	}
	return spec
}

// createContainer starts a detached container with the project mounted.
func (m *Manager) createContainer(ctx context.Context, taskID string, spec *task.ContainerSpec) error {
	if spec.Image == "" {
		return fmt.Errorf("no container image configured")
	}

	args := []string{"run", "-d", "--name", containerName(taskID)}
	if spec.AutoRemove {
		args = append(args, "--rm")
	}
	if spec.NetworkMode != "" {
		args = append(args, "--network", spec.NetworkMode)
	}
	for k, v := range spec.ResourceLimits {
		args = append(args, fmt.Sprintf("--%s=%s", k, v))
	}
	for k, v := range spec.Environment {
		args = append(args, "-e", fmt.Sprintf("%s=%s", k, v))
	}
	args = append(args,
		"-v", m.projectPath+":/workspace",
		"-w", "/workspace",
		spec.Image,
		"sleep", "infinity")

	if _, err := m.runner.Run(m.projectPath, "docker", args...); err != nil {
		return fmt.Errorf("docker run: %w", err)
	}
	return nil
}

// removeContainer force-removes a task's container.
func (m *Manager) removeContainer(taskID string) error {
	_, err := m.runner.Run(m.projectPath, "docker", "rm", "-f", containerName(taskID))
	return err
}

// GetContainerHealth returns the container's runtime status string
// (running, exited, ...).
func (m *Manager) GetContainerHealth(taskID string) (string, error) {
	out, err := m.runner.Run(m.projectPath, "docker", "inspect",
		"--format", "{{.State.Status}}", containerName(taskID))
	if err != nil {
		return "", fmt.Errorf("inspect container for %s: %w", taskID, err)
	}
	return out, nil
}
