// Package cli implements the apex command-line interface.
package cli

import (
	"fmt"
	"runtime/debug"

	"github.com/spf13/cobra"

	"github.com/randalmurphal/apex/internal/daemon"
)

// newVersionCmd creates the version command
func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			version := daemon.Version
			if version == "dev" {
				if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" && info.Main.Version != "(devel)" {
					version = info.Main.Version
				}
			}
			if jsonOut {
				return printJSON(map[string]string{"version": version})
			}
			fmt.Printf("apex %s\n", version)
			return nil
		},
	}
}
