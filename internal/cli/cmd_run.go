// Package cli implements the apex command-line interface.
package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// newRunCmd creates the run command
func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run <task-id>",
		Short: "Execute a task in the foreground",
		Long: `Execute a pending task immediately, without the daemon.

Useful for debugging a single task; budget accounting, hooks, and
checkpointing apply exactly as under the daemon.`,
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

			if err := rt.orch.ExecuteTask(cmd.Context(), args[0]); err != nil {
				return err
			}
			if !quiet {
				fmt.Printf("Task %s completed\n", args[0])
			}
			return nil
		},
	}
}
