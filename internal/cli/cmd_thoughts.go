// Package cli implements the apex command-line interface.
package cli

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/randalmurphal/apex/internal/db"
)

// newThoughtsCmd creates the thoughts command group
func newThoughtsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "thoughts",
		Short: "Capture and promote ideas",
		Long: `Capture quick ideas without interrupting running work.

Thoughts are stored alongside tasks and mirrored to .apex/thoughts.json.
Promote one to a task when it is ready to be worked on.`,
	}
	cmd.AddCommand(newThoughtsAddCmd())
	cmd.AddCommand(newThoughtsListCmd())
	cmd.AddCommand(newThoughtsSearchCmd())
	cmd.AddCommand(newThoughtsPromoteCmd())
	return cmd
}

func newThoughtsAddCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "add <content>",
		Short: "Capture a thought",
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

			tags, _ := cmd.Flags().GetStringSlice("tag")
			th, err := rt.orch.CaptureThought(cmd.Context(), args[0], tags)
			if err != nil {
				return err
			}
			if jsonOut {
				return printJSON(th)
			}
			if !quiet {
				fmt.Printf("Captured thought %s\n", th.ID)
			}
			return nil
		},
	}
	cmd.Flags().StringSlice("tag", nil, "tags for later search")
	return cmd
}

func newThoughtsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List thoughts",
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

			thoughts, err := store.ListThoughts(cmd.Context())
			if err != nil {
				return err
			}
			return renderThoughts(thoughts)
		},
	}
}

func newThoughtsSearchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "search <query>",
		Short: "Search thoughts by content or tag",
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

			thoughts, err := store.SearchThoughts(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return renderThoughts(thoughts)
		},
	}
}

func newThoughtsPromoteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "promote <thought-id>",
		Short: "Promote a thought to a task",
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

			t, err := rt.orch.PromoteThought(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if jsonOut {
				return printJSON(t)
			}
			if !quiet {
				fmt.Printf("Promoted to task %s\n", t.ID)
			}
			return nil
		},
	}
}

func renderThoughts(thoughts []*db.Thought) error {
	if jsonOut {
		return printJSON(thoughts)
	}
	if len(thoughts) == 0 {
		fmt.Println("No thoughts captured.")
		return nil
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTAGS\tSTATE\tCONTENT")
	for _, th := range thoughts {
		state := "open"
		if th.Implemented {
			state = "done → " + th.TaskID
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
			th.ID, strings.Join(th.Tags, ","), state, truncate(th.Content, 56))
	}
	return w.Flush()
}
