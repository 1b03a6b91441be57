package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/roborev-dev/prwatch/internal/config"
	"github.com/roborev-dev/prwatch/internal/daemon"
	"github.com/roborev-dev/prwatch/internal/ghclient"
	"github.com/roborev-dev/prwatch/internal/review"
)

func checkCmd() *cobra.Command {
	var (
		jsonOutput bool
		repoArgs   []string
		timeout    time.Duration
	)

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Run one polling cycle and print the result",
		Long: `Fetch the open pull requests of every enabled repository once, without
the daemon, and print each PR with the status of its agents.

Use --repo to check repositories that are not in the config file.`,
		RunE: func(cmd *cobra.Command, args []string) error {
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
			result, err := agg.FetchSections(ctx, repos, cfg.Agents)
			if err != nil {
				return describeFetchError(err)
			}

			if jsonOutput {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(result)
			}
			newPrinter(cmd.OutOrStdout(), stdoutIsTTY()).Result(result)
			return nil
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output the cycle result as JSON")
	cmd.Flags().StringSliceVar(&repoArgs, "repo", nil, "repository to check as owner/name (repeatable; overrides the config)")
	cmd.Flags().DurationVar(&timeout, "timeout", 2*time.Minute, "give up after this long")

	return cmd
}

// selectRepos returns the --repo targets when given, otherwise the
// enabled repositories of cfg.
func selectRepos(cfg *config.Config, repoArgs []string) ([]review.RepositoryTarget, error) {
	if len(repoArgs) == 0 {
		repos := cfg.EnabledRepos()
		if len(repos) == 0 {
			return nil, fmt.Errorf("no repositories enabled; add one with: prwatch repos add owner/name")
		}
		return repos, nil
	}
	repos := make([]review.RepositoryTarget, 0, len(repoArgs))
	for _, arg := range repoArgs {
		repo, ok := review.ParseRepositoryTarget(arg)
		if !ok {
			return nil, fmt.Errorf("invalid repository %q (expected owner/name)", arg)
		}
		repos = append(repos, repo)
	}
	return repos, nil
}

func newCLIAggregator(cfg *config.Config, log *zap.SugaredLogger) (*daemon.Aggregator, error) {
	client, err := daemon.NewGitHubClient(cfg)
	if err != nil {
		return nil, describeFetchError(err)
	}
	return daemon.NewAggregator(client, cfg.ResolvedRepoConcurrency(), cfg.ResolvedPRConcurrency(), log), nil
}

// describeFetchError adds a hint for the failures a user can act on.
func describeFetchError(err error) error {
	if ghclient.IsMissingCredential(err) {
		return fmt.Errorf("%w\nStore one with: prwatch config set github.token <token>", err)
	}
	if reset, ok := ghclient.IsRateLimited(err); ok {
		wait := daemon.RateLimitBackoff(reset, time.Now()).Round(time.Second)
		return fmt.Errorf("%w (retry in %s)", err, wait)
	}
	return err
}
