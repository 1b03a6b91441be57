package main

import (
	"errors"
	"os"

	"github.com/spf13/cobra"
)

var (
	serverAddr string
	configPath string
	verbose    bool
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		var exitErr *exitError
		if errors.As(err, &exitErr) {
			os.Exit(exitErr.code)
		}
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "prwatch",
		Short: "Watch open pull requests for review bot progress",
		Long: "prwatch polls GitHub for the open pull requests of your selected repositories " +
			"and tracks whether each review or CI bot is running, waiting to comment, or done.",
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVar(&serverAddr, "server", "", "daemon server address (default: discovered from the runtime file)")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default: $PRWATCH_DATA_DIR/config.toml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	rootCmd.AddCommand(daemonCmd())
	rootCmd.AddCommand(checkCmd())
	rootCmd.AddCommand(discoverCmd())
	rootCmd.AddCommand(reposCmd())
	rootCmd.AddCommand(whoamiCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(refreshCmd())
	rootCmd.AddCommand(eventsCmd())
	rootCmd.AddCommand(activityCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(versionCmd())

	return rootCmd
}
