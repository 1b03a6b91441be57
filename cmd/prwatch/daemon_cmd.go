package main

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/roborev-dev/prwatch/internal/config"
	"github.com/roborev-dev/prwatch/internal/daemon"
	"github.com/roborev-dev/prwatch/internal/version"
)

// daemonCmd runs the daemon in the foreground
func daemonCmd() *cobra.Command {
	var (
		addr     string
		jsonLogs bool
	)

	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run the polling daemon in the foreground",
		Long: `Run the polling daemon in the foreground. It polls the enabled
repositories, emits completion events, runs configured hooks and serves
the local API used by status, refresh, events and activity.

Edits to the config file are picked up without a restart.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := resolvedConfigPath()
			cfg, err := config.LoadGlobalFrom(path)
			if err != nil {
				return fmt.Errorf("load config from %s: %w", path, err)
			}
			log, err := newLogger(cfg, jsonLogs)
			if err != nil {
				return err
			}
			defer log.Sync() //nolint:errcheck

			if info, err := daemon.FindRunningDaemon(); err == nil {
				return fmt.Errorf("daemon already running (pid %d, %s)", info.PID, info.Addr)
			}

			log.Infow("starting prwatch daemon",
				"version", version.Version,
				"config", path,
				"data_dir", config.DataDir(),
				"repos", len(cfg.EnabledRepos()),
				"agents", len(cfg.Agents),
			)
			if token, _ := config.ResolveToken(cfg); token == "" {
				log.Warn("no GitHub token configured; polling is paused until one is set")
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if err := daemon.Run(ctx, cfg, daemon.RunOptions{
				ConfigPath: path,
				Addr:       addr,
				Log:        log,
			}); err != nil {
				return err
			}
			log.Info("daemon stopped")
			return nil
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default: server_addr from the config)")
	cmd.Flags().BoolVar(&jsonLogs, "json-logs", false, "write logs as JSON")

	cmd.AddCommand(daemonStopCmd())

	return cmd
}

func daemonStopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the running daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := daemonClient()
			if errors.Is(err, daemon.ErrDaemonNotRunning) {
				fmt.Fprintln(cmd.OutOrStdout(), "Daemon was not running")
				return nil
			}
			if err != nil {
				return err
			}
			if err := client.Shutdown(cmd.Context()); err != nil {
				return fmt.Errorf("stop daemon: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Daemon stopped")
			return nil
		},
	}
}
