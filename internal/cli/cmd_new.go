// Package cli implements the apex command-line interface.
package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/randalmurphal/apex/internal/task"
)

// newNewCmd creates the new task command
func newNewCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "new <description>",
		Short: "Queue a new task",
		Long: `Queue a new task for the daemon to execute.

The task enters the queue as pending; a running daemon picks it up when
capacity allows. Workflow defaults to "default" (planning, implementation,
review); use --workflow quick for a single implementation stage.

Example:
  apex new "Fix authentication timeout bug"
  apex new "Implement user dashboard" --workflow quick
  apex new "Migrate schema" --priority high --depends-on task-001
  apex new "Part 2" --parent task-003`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			rt, err := buildRuntime(cfg)
			if err != nil {
				return err
			}
			defer rt.close()

			id, _ := cmd.Flags().GetString("id")
			workflowName, _ := cmd.Flags().GetString("workflow")
			priority, _ := cmd.Flags().GetString("priority")
			effort, _ := cmd.Flags().GetString("effort")
			strategy, _ := cmd.Flags().GetString("workspace")
			parent, _ := cmd.Flags().GetString("parent")
			dependsOn, _ := cmd.Flags().GetStringSlice("depends-on")
			criteria, _ := cmd.Flags().GetString("criteria")

			t := &task.Task{
				ID:                 id,
				Description:        args[0],
				AcceptanceCriteria: criteria,
				Workflow:           workflowName,
				ParentTaskID:       parent,
				DependsOn:          dependsOn,
			}
			if priority != "" {
				p := task.Priority(priority)
				if !task.IsValidPriority(p) {
					return fmt.Errorf("invalid priority: %s (valid: urgent, high, normal, low)", priority)
				}
				t.Priority = p
			}
			if effort != "" {
				e := task.Effort(effort)
				if !task.IsValidEffort(e) {
					return fmt.Errorf("invalid effort: %s (valid: xs, small, medium, large, xl)", effort)
				}
				t.Effort = e
			}
			if strategy != "" {
				s := task.WorkspaceStrategy(strategy)
				if !task.IsValidWorkspaceStrategy(s) {
					return fmt.Errorf("invalid workspace strategy: %s (valid: none, worktree, container, directory)", strategy)
				}
				t.Workspace = &task.Workspace{Strategy: s}
			}

			created, err := rt.orch.CreateTask(cmd.Context(), t)
			if err != nil {
				return err
			}

			if jsonOut {
				return printJSON(created)
			}
			if !quiet {
				fmt.Printf("Created task %s (%s workflow, branch %s)\n",
					created.ID, created.Workflow, created.BranchName)
			}
			return nil
		},
	}

	cmd.Flags().String("id", "", "explicit task ID (default: generated)")
	cmd.Flags().StringP("workflow", "w", "", "workflow name (default, quick, or a project workflow)")
	cmd.Flags().StringP("priority", "p", "", "priority (urgent, high, normal, low)")
	cmd.Flags().String("effort", "", "effort estimate (xs, small, medium, large, xl)")
	cmd.Flags().String("workspace", "", "workspace strategy override (none, worktree, container, directory)")
	cmd.Flags().String("parent", "", "parent task ID (creates a subtask)")
	cmd.Flags().StringSlice("depends-on", nil, "task IDs this task depends on")
	cmd.Flags().String("criteria", "", "acceptance criteria")
	return cmd
}
