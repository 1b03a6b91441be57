package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roborev-dev/prwatch/internal/version"
)

func versionCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "version",
		Short: "Show prwatch version",
		RunE: func(cmd *cobra.Command, args []string) error {
			if jsonOutput {
				return json.NewEncoder(cmd.OutOrStdout()).Encode(version.Get())
			}
			info := version.Get()
			fmt.Fprintf(cmd.OutOrStdout(), "prwatch %s (%s, %s)\n", version.Full(), info.GoVersion, info.Platform)
			return nil
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output build information as JSON")
	return cmd
}
