// Package cli implements the apex command-line interface.
package cli

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

// newTrashCmd creates the trash command group
func newTrashCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "trash",
		Short: "Manage trashed tasks",
	}
	cmd.AddCommand(newTrashListCmd())
	cmd.AddCommand(newTrashPutCmd())
	cmd.AddCommand(newTrashRestoreCmd())
	cmd.AddCommand(newTrashEmptyCmd())
	return cmd
}

func newTrashListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List trashed tasks",
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

			tasks, err := store.ListTrashed(cmd.Context())
			if err != nil {
				return err
			}
			if jsonOut {
				return printJSON(tasks)
			}
			if len(tasks) == 0 {
				fmt.Println("Trash is empty.")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tSTATUS\tTRASHED\tDESCRIPTION")
			for _, t := range tasks {
				trashed := "-"
				if t.TrashedAt != nil {
					trashed = t.TrashedAt.Format(time.RFC3339)
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", t.ID, t.Status, trashed, truncate(t.Description, 48))
			}
			return w.Flush()
		},
	}
}

func newTrashPutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "put <task-id>",
		Short: "Move a task to the trash",
		Long: `Move a task to the trash. Its workspace is removed immediately;
the task record stays recoverable until the trash is emptied.`,
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

			if err := rt.orch.TrashTask(cmd.Context(), args[0]); err != nil {
				return err
			}
			if !quiet {
				fmt.Printf("Task %s moved to trash\n", args[0])
			}
			return nil
		},
	}
}

func newTrashRestoreCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "restore <task-id>",
		Short: "Restore a task from the trash",
		Args:  cobra.ExactArgs(1),
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

			if err := rt.orch.RestoreTask(cmd.Context(), args[0]); err != nil {
				return err
			}
			if !quiet {
				fmt.Printf("Task %s restored\n", args[0])
			}
			return nil
		},
	}
}

func newTrashEmptyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "empty",
		Short: "Permanently delete all trashed tasks",
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

			deleted, err := rt.orch.EmptyTrash(cmd.Context())
			if err != nil {
				return err
			}
			if jsonOut {
				return printJSON(deleted)
			}
			if !quiet {
				fmt.Printf("Deleted %d task(s)\n", len(deleted))
			}
			return nil
		},
	}
}
