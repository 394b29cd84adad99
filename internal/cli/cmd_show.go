// Package cli implements the apex command-line interface.
package cli

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	apexerrors "github.com/randalmurphal/apex/internal/errors"
)

// newShowCmd creates the show command
func newShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <task-id>",
		Short: "Show one task in detail",
		Args:  cobra.ExactArgs(1),
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

			t, err := store.GetTask(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if t == nil {
				return apexerrors.ErrTaskNotFound(args[0])
			}

			if jsonOut {
				return printJSON(t)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintf(w, "ID\t%s\n", t.ID)
			fmt.Fprintf(w, "Status\t%s %s\n", statusIcon(t.Status), t.Status)
			fmt.Fprintf(w, "Description\t%s\n", t.Description)
			fmt.Fprintf(w, "Workflow\t%s\n", t.Workflow)
			fmt.Fprintf(w, "Priority\t%s\n", t.Priority)
			fmt.Fprintf(w, "Branch\t%s\n", t.BranchName)
			if t.Workspace != nil {
				fmt.Fprintf(w, "Workspace\t%s %s\n", t.Workspace.Strategy, t.Workspace.Path)
			}
			if t.ParentTaskID != "" {
				fmt.Fprintf(w, "Parent\t%s\n", t.ParentTaskID)
			}
			if len(t.SubtaskIDs) > 0 {
				fmt.Fprintf(w, "Subtasks\t%v\n", t.SubtaskIDs)
			}
			if len(t.DependsOn) > 0 {
				fmt.Fprintf(w, "Depends on\t%v\n", t.DependsOn)
			}
			if t.PauseReason != "" {
				fmt.Fprintf(w, "Pause reason\t%s\n", t.PauseReason)
				fmt.Fprintf(w, "Resume attempts\t%d/%d\n", t.ResumeAttempts, t.MaxResumeAttempts)
			}
			fmt.Fprintf(w, "Usage\t%d tokens, $%.4f\n", t.Usage.TotalTokens, t.Usage.EstimatedCost)
			if t.Error != "" {
				fmt.Fprintf(w, "Error\t%s\n", t.Error)
			}
			fmt.Fprintf(w, "Created\t%s\n", t.CreatedAt.Format(time.RFC3339))
			if t.CompletedAt != nil {
				fmt.Fprintf(w, "Completed\t%s\n", t.CompletedAt.Format(time.RFC3339))
			}
			if err := w.Flush(); err != nil {
				return err
			}

			showLogs, _ := cmd.Flags().GetBool("logs")
			if showLogs {
				logs, err := store.GetLogs(cmd.Context(), t.ID)
				if err != nil {
					return err
				}
				fmt.Println()
				for _, entry := range logs {
					fmt.Printf("[%s] %-5s %s\n",
						entry.Timestamp.Format("15:04:05"), entry.Level, entry.Message)
				}
			}
			return nil
		},
	}
	cmd.Flags().Bool("logs", false, "include the task's execution log")
	return cmd
}
