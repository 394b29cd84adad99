// Package cli implements the apex command-line interface.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile     string
	projectFlag string
	verbose     bool
	quiet       bool
	jsonOut     bool
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "apex",
	Short: "Autonomous AI task daemon",
	Long: `apex runs AI coding tasks unattended through a local daemon.

Tasks move through a staged workflow (plan, implement, review) with
checkpoints after every stage, budget-aware scheduling, and isolated
git-worktree workspaces.

Quick start:
  apex new "Fix login bug"      Queue a new task
  apex daemon start             Run the daemon (foreground)
  apex list                     Show all tasks
  apex daemon status            Show daemon and budget state`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is .apex/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&projectFlag, "project", "", "project directory (default is current directory)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "suppress non-essential output")
	rootCmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "output as JSON")

	// Add subcommands
	rootCmd.AddCommand(newDaemonCmd())
	rootCmd.AddCommand(newNewCmd())
	rootCmd.AddCommand(newListCmd())
	rootCmd.AddCommand(newShowCmd())
	rootCmd.AddCommand(newRunCmd())
	rootCmd.AddCommand(newCancelCmd())
	rootCmd.AddCommand(newResumeCmd())
	rootCmd.AddCommand(newTrashCmd())
	rootCmd.AddCommand(newThoughtsCmd())
	rootCmd.AddCommand(newVersionCmd())
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		// Search for config in .apex directory
		viper.AddConfigPath(".apex")
		viper.AddConfigPath("$HOME/.apex")
		viper.SetConfigType("yaml")
		viper.SetConfigName("config")
	}

	viper.SetEnvPrefix("APEX")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		if verbose {
			fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
		}
	}
}
