// Package daemon runs prwatch's polling engine: the fan-out aggregator,
// the adaptive scheduler with its notification state, and the local HTTP
// API that the CLI talks to.
package daemon

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/roborev-dev/prwatch/internal/config"
	"github.com/roborev-dev/prwatch/internal/ghclient"
)

var _ Fetcher = (*ghclient.Client)(nil)

// NewGitHubClient builds the GitHub client for cfg, resolving the token
// from the config, the environment or the data directory's .env file.
func NewGitHubClient(cfg *config.Config) (*ghclient.Client, error) {
	token, _ := config.ResolveToken(cfg)
	return ghclient.New(ghclient.Options{
		Token:             token,
		BaseURL:           cfg.GitHub.APIURL,
		RequestsPerSecond: cfg.RequestsPerSecond,
	})
}

// GitHubAggregatorFactory returns an AggregatorFactory backed by the
// GitHub REST API.
func GitHubAggregatorFactory(log *zap.SugaredLogger) AggregatorFactory {
	return func(cfg *config.Config) (*Aggregator, error) {
		client, err := NewGitHubClient(cfg)
		if err != nil {
			return nil, err
		}
		return NewAggregator(client, cfg.ResolvedRepoConcurrency(), cfg.ResolvedPRConcurrency(), log), nil
	}
}

// RunOptions configures Run.
type RunOptions struct {
	ConfigPath string
	// Addr overrides server_addr.
	Addr string
	Log  *zap.SugaredLogger
	// NewAggregator defaults to GitHubAggregatorFactory.
	NewAggregator AggregatorFactory
}

// Run starts the config watcher, the scheduler and the HTTP API, and
// blocks until ctx is cancelled, the API receives a shutdown request or
// the server fails.
func Run(ctx context.Context, cfg *config.Config, opts RunOptions) error {
	log := opts.Log
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if opts.NewAggregator == nil {
		opts.NewAggregator = GitHubAggregatorFactory(log)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	broadcaster := NewBroadcaster()

	activity, err := NewActivityLog(DefaultActivityLogPath())
	if err != nil {
		log.Warnw("daemon: activity log disabled", "error", err)
		activity = nil
	} else {
		defer activity.Close()
	}
	errorLog, err := NewErrorLog(DefaultErrorLogPath())
	if err != nil {
		log.Warnw("daemon: error log disabled", "error", err)
		errorLog = nil
	} else {
		defer errorLog.Close()
	}

	watcher := NewConfigWatcher(opts.ConfigPath, cfg, broadcaster, activity, log)
	scheduler := NewScheduler(SchedulerOptions{
		Config:        watcher,
		NewAggregator: opts.NewAggregator,
		Notifier:      MultiNotifier{BroadcastNotifier(broadcaster), LogNotifier(log, activity)},
		Activity:      activity,
		Errors:        errorLog,
		Log:           log,
	})
	watcher.OnChange(func(*config.Config) { scheduler.OnConfigChanged() })

	hooks := NewHookRunner(watcher, broadcaster, log)
	defer hooks.Stop()

	server := NewServer(ServerOptions{
		Scheduler:   scheduler,
		Config:      watcher,
		Broadcaster: broadcaster,
		Activity:    activity,
		Errors:      errorLog,
		Log:         log,
		Shutdown:    cancel,
	})

	if err := watcher.Start(ctx); err != nil {
		log.Warnw("daemon: config hot reload disabled", "error", err)
	}
	defer watcher.Stop()

	if err := scheduler.Start(); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	defer scheduler.Stop()

	if activity != nil {
		activity.Log("daemon.started", "daemon", "daemon started", map[string]string{
			"repos":  fmt.Sprint(len(cfg.EnabledRepos())),
			"agents": fmt.Sprint(len(cfg.Agents)),
		})
	}

	addr := opts.Addr
	if addr == "" {
		addr = cfg.ServerAddr
	}
	serveErr := make(chan error, 1)
	go func() { serveErr <- server.ListenAndServe(addr) }()

	select {
	case <-ctx.Done():
		log.Info("daemon: shutting down")
		if err := server.Stop(); err != nil {
			log.Warnw("daemon: server shutdown", "error", err)
		}
		<-serveErr
		return nil
	case err := <-serveErr:
		return err
	}
}
