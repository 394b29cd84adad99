// Package cli implements the apex command-line interface.
package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	apexerrors "github.com/randalmurphal/apex/internal/errors"
	"github.com/randalmurphal/apex/internal/task"
)

// newResumeCmd creates the resume command
func newResumeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resume <task-id>",
		Short: "Re-enqueue a paused task",
		Long: `Re-enqueue a paused task so the daemon picks it up again.

The task returns to pending; when the daemon dispatches it, execution
continues from the latest checkpoint. Tasks paused manually stay paused
until resumed this way.`,
		Args: cobra.ExactArgs(1),
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
			if t.Status != task.StatusPaused {
				return &apexerrors.Error{
					Code: apexerrors.CodeIllegalState,
					What: fmt.Sprintf("task %s is %s, not paused", t.ID, t.Status),
					Fix:  "Only paused tasks can be resumed",
				}
			}
			if t.ResumeAttempts >= t.MaxResumeAttempts {
				return &apexerrors.Error{
					Code: apexerrors.CodeIllegalState,
					What: fmt.Sprintf("task %s exhausted its resume attempts (%d/%d)",
						t.ID, t.ResumeAttempts, t.MaxResumeAttempts),
					Fix: "Create a new task; this one will fail on the next resume",
				}
			}

			if _, err := store.UpdateTaskStatus(cmd.Context(), t.ID, task.StatusPending, ""); err != nil {
				return err
			}
			if !quiet {
				fmt.Printf("Task %s re-enqueued (resume attempt %d/%d)\n",
					t.ID, t.ResumeAttempts+1, t.MaxResumeAttempts)
			}
			return nil
		},
	}
}
