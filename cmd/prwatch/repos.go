package main

import (
	"context"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/roborev-dev/prwatch/internal/config"
	"github.com/roborev-dev/prwatch/internal/daemon"
	"github.com/roborev-dev/prwatch/internal/ghclient"
	"github.com/roborev-dev/prwatch/internal/review"
)

func reposCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "repos",
		Short: "Select the repositories to watch",
	}

	cmd.AddCommand(reposListCmd())
	cmd.AddCommand(reposRemoteCmd())
	cmd.AddCommand(reposAddCmd())
	cmd.AddCommand(reposRemoveCmd())
	cmd.AddCommand(reposToggleCmd("enable", true))
	cmd.AddCommand(reposToggleCmd("disable", false))

	return cmd
}

func reposListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List configured repositories",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if len(cfg.Repos) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No repositories configured.")
				return nil
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			for _, r := range cfg.Repos {
				state := "enabled"
				if !r.Enabled {
					state = "disabled"
				}
				fmt.Fprintf(w, "%s\t%s\n", r.FullName(), state)
			}
			return w.Flush()
		},
	}
}

// reposRemoteCmd lists the repositories the token can see, to pick from.
func reposRemoteCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "remote",
		Short: "List repositories visible to your GitHub token",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			client, err := daemon.NewGitHubClient(cfg)
			if err != nil {
				return describeFetchError(err)
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
			defer cancel()
			repos, err := listViewerRepos(ctx, client, limit)
			if err != nil {
				return describeFetchError(err)
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			for _, r := range repos {
				var flags []string
				if cfg.HasRepo(r.FullName) {
					flags = append(flags, "watched")
				}
				if r.Private {
					flags = append(flags, "private")
				}
				if r.Archived {
					flags = append(flags, "archived")
				}
				fmt.Fprintf(w, "%s\t%s\t%s\n", r.FullName, formatAge(time.Now(), r.PushedAt), strings.Join(flags, ","))
			}
			return w.Flush()
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 100, "maximum number of repositories to list")
	return cmd
}

func listViewerRepos(ctx context.Context, client *ghclient.Client, limit int) ([]ghclient.RepoSummary, error) {
	var out []ghclient.RepoSummary
	page := 1
	for page != 0 && len(out) < limit {
		repos, next, err := client.ListViewerRepos(ctx, page)
		if err != nil {
			return nil, err
		}
		out = append(out, repos...)
		page = next
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func reposAddCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "add <owner/name>...",
		Short: "Watch one or more repositories",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return updateRepos(func(cfg *config.Config) error {
				for _, arg := range args {
					repo, ok := review.ParseRepositoryTarget(arg)
					if !ok {
						return fmt.Errorf("invalid repository %q (expected owner/name)", arg)
					}
					if cfg.HasRepo(repo.FullName()) {
						fmt.Fprintf(cmd.OutOrStdout(), "%s is already configured\n", repo.FullName())
						continue
					}
					cfg.Repos = append(cfg.Repos, repo)
					fmt.Fprintf(cmd.OutOrStdout(), "Added %s\n", repo.FullName())
				}
				return nil
			})
		},
	}
}

func reposRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <owner/name>",
		Short: "Stop watching a repository",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return updateRepos(func(cfg *config.Config) error {
				i := indexRepo(cfg, args[0])
				if i < 0 {
					return fmt.Errorf("repository %q is not configured", args[0])
				}
				cfg.Repos = append(cfg.Repos[:i], cfg.Repos[i+1:]...)
				fmt.Fprintf(cmd.OutOrStdout(), "Removed %s\n", args[0])
				return nil
			})
		},
	}
}

func reposToggleCmd(name string, enabled bool) *cobra.Command {
	return &cobra.Command{
		Use:   name + " <owner/name>",
		Short: strings.ToUpper(name[:1]) + name[1:] + " polling of a configured repository",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return updateRepos(func(cfg *config.Config) error {
				i := indexRepo(cfg, args[0])
				if i < 0 {
					return fmt.Errorf("repository %q is not configured", args[0])
				}
				cfg.Repos[i].Enabled = enabled
				fmt.Fprintf(cmd.OutOrStdout(), "%s %sd\n", cfg.Repos[i].FullName(), name)
				return nil
			})
		},
	}
}

func indexRepo(cfg *config.Config, fullName string) int {
	for i, r := range cfg.Repos {
		if strings.EqualFold(r.FullName(), fullName) {
			return i
		}
	}
	return -1
}

// updateRepos loads the config, applies fn and saves it. A running daemon
// picks the change up through its config watcher.
func updateRepos(fn func(cfg *config.Config) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := fn(cfg); err != nil {
		return err
	}
	if err := saveConfig(cfg); err != nil {
		return fmt.Errorf("save config: %w", err)
	}
	return nil
}

func whoamiCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show the GitHub login of the configured token",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			_, source := config.ResolveToken(cfg)
			client, err := daemon.NewGitHubClient(cfg)
			if err != nil {
				return describeFetchError(err)
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			login, err := client.ViewerLogin(ctx)
			if err != nil {
				return describeFetchError(err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s (token from %s)\n", login, source)
			return nil
		},
	}
}
