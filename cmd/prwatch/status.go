package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/roborev-dev/prwatch/internal/daemon"
)

func statusCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show daemon health and the latest cycle result",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			client, err := daemonClient()
			if errors.Is(err, daemon.ErrDaemonNotRunning) {
				fmt.Fprintln(out, "Daemon: not running")
				fmt.Fprintln(out)
				fmt.Fprintln(out, "Start with: prwatch daemon")
				return nil
			}
			if err != nil {
				return err
			}

			status, err := client.Status(cmd.Context())
			if err != nil {
				return err
			}
			if jsonOutput {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(status)
			}
			health, err := client.Health(cmd.Context())
			if err != nil {
				return err
			}

			p := newPrinter(out, stdoutIsTTY())
			printStatus(p, status, health)
			return nil
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output the raw status as JSON")
	return cmd
}

func printStatus(p *printer, status *daemon.StatusResponse, health *daemon.HealthStatus) {
	now := p.now()
	fmt.Fprintf(p.w, "Daemon: running (uptime: %s) [%s]\n", status.Uptime, status.Version)
	fmt.Fprintf(p.w, "Repos:  %d enabled, %d agents\n", status.Repos, status.Agents)

	snap := status.Scheduler
	switch {
	case snap.InProgress:
		fmt.Fprintln(p.w, "Cycle:  in progress")
	case !snap.LastRefresh.IsZero():
		fmt.Fprintf(p.w, "Cycle:  last refresh %s, next %s\n", formatAge(now, snap.LastRefresh), formatUntil(now, snap.NextRunAt))
	default:
		fmt.Fprintf(p.w, "Cycle:  next %s\n", formatUntil(now, snap.NextRunAt))
	}
	if snap.LastError != "" {
		p.Error(fmt.Sprintf("Last error (%s): %s", snap.LastErrorKind, snap.LastError))
	}

	if health != nil {
		if health.Healthy {
			fmt.Fprintln(p.w, "Health: OK")
		} else {
			fmt.Fprintln(p.w, "Health: DEGRADED")
		}
		for _, comp := range health.Components {
			mark := "+"
			if !comp.Healthy {
				mark = "!"
			}
			msg := comp.Message
			if msg == "" {
				msg = "healthy"
			}
			fmt.Fprintf(p.w, "  %s %s: %s\n", mark, comp.Name, msg)
		}
		if health.ErrorCount > 0 {
			fmt.Fprintf(p.w, "Recent Errors (last 24h): %d\n", health.ErrorCount)
			for _, e := range health.RecentErrors {
				fmt.Fprintf(p.w, "  [%s] %s: %s\n", formatAge(now, e.Timestamp), e.Component, e.Message)
			}
		}
	}
	fmt.Fprintln(p.w)

	if !snap.HasResult {
		fmt.Fprintln(p.w, "No cycle has completed yet.")
		return
	}
	p.Result(snap.Result)
}

func refreshCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "refresh",
		Short: "Ask the daemon to poll now",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := daemonClient()
			if err != nil {
				return err
			}
			if err := client.Refresh(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Refresh started")
			return nil
		},
	}
}

func eventsCmd() *cobra.Command {
	var (
		repo       string
		jsonOutput bool
	)

	cmd := &cobra.Command{
		Use:   "events",
		Short: "Stream daemon events until interrupted",
		Long: `Print completion and cycle events as the daemon emits them. With --json
each event is written as one JSON object per line, suitable for piping
into other tools.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := daemonClient()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			p := newPrinter(out, stdoutIsTTY())
			enc := json.NewEncoder(out)
			return client.StreamEvents(cmd.Context(), repo, func(ev daemon.Event) error {
				if jsonOutput {
					return enc.Encode(ev)
				}
				printEvent(p, ev)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&repo, "repo", "", "only show events for owner/name")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output NDJSON")
	return cmd
}

func printEvent(p *printer, ev daemon.Event) {
	ts := ev.TS
	if ts.IsZero() {
		ts = p.now()
	}
	prefix := p.paint(dimStyle, ts.Local().Format("15:04:05"))
	var msg string
	switch ev.Type {
	case daemon.EventAgentCompleted:
		msg = fmt.Sprintf("%s finished on %s#%d %s", ev.AgentName, ev.Repo, ev.PRNumber, truncate(ev.PRTitle, titleWidth))
		if ev.Conclusion != "" {
			msg += p.paint(dimStyle, " ("+ev.Conclusion+")")
		}
	case daemon.EventPRCompleted:
		msg = fmt.Sprintf("all agents done on %s#%d %s", ev.Repo, ev.PRNumber, truncate(ev.PRTitle, titleWidth))
	case daemon.EventCycleCompleted:
		msg = p.paint(dimStyle, fmt.Sprintf("cycle completed, %s", plural(ev.PRCount, "open PR")))
	case daemon.EventCycleFailed:
		msg = p.paint(errorStyle, "cycle failed: "+ev.Error)
	default:
		msg = ev.Type
	}
	fmt.Fprintf(p.w, "%s %s\n", prefix, msg)
}

func activityCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "activity",
		Short: "Show recent daemon activity",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := daemonClient()
			if err != nil {
				return err
			}
			entries, err := client.Activity(cmd.Context(), limit)
			if err != nil {
				return err
			}
			return printActivity(cmd.OutOrStdout(), entries)
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 50, "number of entries to show")
	return cmd
}

func printActivity(w io.Writer, entries []daemon.ActivityEntry) error {
	if len(entries) == 0 {
		fmt.Fprintln(w, "No activity recorded.")
		return nil
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	for _, e := range entries {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", e.Timestamp.Local().Format(time.DateTime), e.Event, e.Component, e.Message)
	}
	return tw.Flush()
}
