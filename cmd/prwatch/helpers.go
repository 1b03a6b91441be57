package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/mattn/go-isatty"
	"go.uber.org/zap"

	"github.com/roborev-dev/prwatch/internal/config"
	"github.com/roborev-dev/prwatch/internal/daemon"
	"github.com/roborev-dev/prwatch/internal/logging"
)

// exitError is an error that signals a specific exit code
type exitError struct {
	code int
}

func (e *exitError) Error() string {
	return fmt.Sprintf("exit code %d", e.code)
}

var isTerminal = func(fd uintptr) bool {
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

func stdoutIsTTY() bool {
	return isTerminal(os.Stdout.Fd())
}

func resolvedConfigPath() string {
	if configPath != "" {
		return configPath
	}
	return config.GlobalConfigPath()
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadGlobalFrom(resolvedConfigPath())
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// saveConfig refuses to write a config that LoadGlobalFrom would reject.
func saveConfig(cfg *config.Config) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("refusing to save invalid config: %w", err)
	}
	return config.SaveGlobalTo(resolvedConfigPath(), cfg)
}

// newLogger honours --verbose over the configured log level.
func newLogger(cfg *config.Config, json bool) (*zap.SugaredLogger, error) {
	level := cfg.LogLevel
	if verbose {
		level = "debug"
	}
	return logging.New(level, json)
}

// daemonClient returns a client for --server, or for the daemon found via
// its runtime file.
func daemonClient() (daemon.Client, error) {
	if serverAddr != "" {
		return daemon.NewHTTPClient(serverAddr), nil
	}
	client, err := daemon.NewHTTPClientFromRuntime()
	if errors.Is(err, daemon.ErrDaemonNotRunning) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("find daemon: %w", err)
	}
	return client, nil
}
