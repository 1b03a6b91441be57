package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/roborev-dev/prwatch/internal/review"
)

type agentList struct {
	Agents []review.AgentIdentity `toml:"agents" json:"agents" yaml:"agents"`
}

func discoverCmd() *cobra.Command {
	var (
		format   string
		repoArgs []string
		write    bool
		timeout  time.Duration
	)

	cmd := &cobra.Command{
		Use:   "discover",
		Short: "Find review bots active on open pull requests",
		Long: `Scan the check-runs and comments of every open pull request and propose
agent definitions for the bots found there. Agents that are already
configured are not repeated.

With --write the new agents are appended to the config file.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			switch format {
			case "toml", "yaml", "json":
			default:
				return fmt.Errorf("invalid --format %q (use toml, yaml or json)", format)
			}

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			repos, err := selectRepos(cfg, repoArgs)
			if err != nil {
				return err
			}
			log, err := newLogger(cfg, false)
			if err != nil {
				return err
			}
			defer log.Sync() //nolint:errcheck

			agg, err := newCLIAggregator(cfg, log)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			discovered, err := agg.Discover(ctx, repos)
			if err != nil {
				return describeFetchError(err)
			}

			merged, added := review.MergeDiscovered(cfg.Agents, discovered)
			if len(added) == 0 {
				fmt.Fprintln(cmd.ErrOrStderr(), "No new agents found.")
				return nil
			}

			if write {
				cfg.Agents = merged
				if err := saveConfig(cfg); err != nil {
					return fmt.Errorf("save config: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Added %s to %s\n", plural(len(added), "agent"), resolvedConfigPath())
				for _, a := range added {
					fmt.Fprintf(cmd.OutOrStdout(), "  %s (%s)\n", a.Label(), a.ID)
				}
				return nil
			}
			return writeAgents(cmd.OutOrStdout(), format, added)
		},
	}

	cmd.Flags().StringVar(&format, "format", "toml", "output format: toml, yaml or json")
	cmd.Flags().StringSliceVar(&repoArgs, "repo", nil, "repository to scan as owner/name (repeatable; overrides the config)")
	cmd.Flags().BoolVar(&write, "write", false, "append the new agents to the config file")
	cmd.Flags().DurationVar(&timeout, "timeout", 2*time.Minute, "give up after this long")

	return cmd
}

func writeAgents(w io.Writer, format string, agents []review.AgentIdentity) error {
	list := agentList{Agents: agents}
	switch format {
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(list); err != nil {
			return err
		}
		return enc.Close()
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(list)
	default:
		return toml.NewEncoder(w).Encode(list)
	}
}
