// Package cli implements the apex command-line interface.
package cli

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/randalmurphal/apex/internal/db"
	"github.com/randalmurphal/apex/internal/task"
)

// newListCmd creates the list command
func newListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List tasks",
		Long: `List tasks in the current project.

Example:
  apex list
  apex list --status paused
  apex list --all`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			store, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			status, _ := cmd.Flags().GetString("status")
			all, _ := cmd.Flags().GetBool("all")

			filter := db.TaskFilter{
				IncludeTrashed:  all,
				IncludeArchived: all,
				OrderByPriority: true,
			}
			if status != "" {
				s := task.Status(status)
				if !task.IsValidStatus(s) {
					return fmt.Errorf("invalid status: %s", status)
				}
				filter.Status = s
			}

			tasks, err := store.ListTasks(cmd.Context(), filter)
			if err != nil {
				return fmt.Errorf("list tasks: %w", err)
			}

			if jsonOut {
				return printJSON(tasks)
			}
			if len(tasks) == 0 {
				fmt.Println("No tasks found. Create one with: apex new \"Your task\"")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tSTATUS\tPRIORITY\tWORKFLOW\tCOST\tDESCRIPTION")
			fmt.Fprintln(w, "──\t──────\t────────\t────────\t────\t───────────")
			for _, t := range tasks {
				fmt.Fprintf(w, "%s\t%s %s\t%s\t%s\t$%.2f\t%s\n",
					t.ID, statusIcon(t.Status), t.Status, t.Priority, t.Workflow,
					t.Usage.EstimatedCost, truncate(t.Description, 48))
			}
			return w.Flush()
		},
	}

	cmd.Flags().String("status", "", "filter by status (pending, in-progress, paused, completed, failed, cancelled)")
	cmd.Flags().Bool("all", false, "include trashed and archived tasks")
	return cmd
}
