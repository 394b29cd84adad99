// Package cli implements the apex command-line interface.
package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// newCancelCmd creates the cancel command
func newCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <task-id>",
		Short: "Cancel a task",
		Long: `Cancel a pending or paused task.

A task currently being executed by the daemon is interrupted at the next
stage boundary and checkpointed before it is cancelled.`,
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

			if err := rt.orch.CancelTask(cmd.Context(), args[0]); err != nil {
				return err
			}
			if !quiet {
				fmt.Printf("Cancelled task %s\n", args[0])
			}
			return nil
		},
	}
}
