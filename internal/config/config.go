package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/roborev-dev/prwatch/internal/review"
)

// Polling cadence bounds.
const (
	MinPollInterval     = 30 * time.Second
	DefaultPollInterval = 60 * time.Second
	DefaultIdleInterval = 600 * time.Second
)

// Config holds the prwatch configuration
type Config struct {
	ServerAddr          string  `toml:"server_addr"`
	PollIntervalSeconds int     `toml:"poll_interval_seconds"`
	IdleIntervalSeconds int     `toml:"idle_interval_seconds"`
	RepoConcurrency     int     `toml:"repo_concurrency"`
	PRConcurrency       int     `toml:"pr_concurrency"`
	RequestsPerSecond   float64 `toml:"requests_per_second"`
	LogLevel            string  `toml:"log_level"`

	GitHub GitHubConfig `toml:"github"`
	Notify NotifyConfig `toml:"notify"`

	Repos  []review.RepositoryTarget `toml:"repos"`
	Agents []review.AgentIdentity    `toml:"agents"`
	Hooks  []HookConfig              `toml:"hooks"`
}

// HookConfig runs a shell command when a daemon event fires.
// Event is an exact type ("pr.completed"), a prefix wildcard ("agent.*")
// or "*" for every event.
type HookConfig struct {
	Event   string `toml:"event"`
	Command string `toml:"command"`
}

// GitHubConfig holds API access settings
type GitHubConfig struct {
	Token  string `toml:"token" sensitive:"true"`
	APIURL string `toml:"api_url"`
}

// NotifyConfig selects which completion events are emitted
type NotifyConfig struct {
	AgentCompleted bool `toml:"agent_completed"`
	PRCompleted    bool `toml:"pr_completed"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		ServerAddr:          "127.0.0.1:7474",
		PollIntervalSeconds: int(DefaultPollInterval / time.Second),
		IdleIntervalSeconds: int(DefaultIdleInterval / time.Second),
		RepoConcurrency:     4,
		PRConcurrency:       6,
		RequestsPerSecond:   10,
		LogLevel:            "info",
		Notify: NotifyConfig{
			AgentCompleted: true,
			PRCompleted:    true,
		},
	}
}

// PollInterval is the cadence while open PRs exist, never below 30s.
func (c *Config) PollInterval() time.Duration {
	d := time.Duration(c.PollIntervalSeconds) * time.Second
	if d <= 0 {
		d = DefaultPollInterval
	}
	if d < MinPollInterval {
		d = MinPollInterval
	}
	return d
}

// IdleInterval is the cadence when no open PRs were found.
func (c *Config) IdleInterval() time.Duration {
	if c.IdleIntervalSeconds <= 0 {
		return DefaultIdleInterval
	}
	d := time.Duration(c.IdleIntervalSeconds) * time.Second
	if d < MinPollInterval {
		d = MinPollInterval
	}
	return d
}

// ResolvedRepoConcurrency returns the repository gate size (default 4).
func (c *Config) ResolvedRepoConcurrency() int {
	if c.RepoConcurrency > 0 {
		return c.RepoConcurrency
	}
	return 4
}

// ResolvedPRConcurrency returns the pull request gate size (default 6).
func (c *Config) ResolvedPRConcurrency() int {
	if c.PRConcurrency > 0 {
		return c.PRConcurrency
	}
	return 6
}

// EnabledRepos returns the repositories selected for polling.
func (c *Config) EnabledRepos() []review.RepositoryTarget {
	var out []review.RepositoryTarget
	for _, r := range c.Repos {
		if r.Enabled {
			out = append(out, r)
		}
	}
	return out
}

// HasRepo reports whether owner/name is already configured (case-insensitive).
func (c *Config) HasRepo(fullName string) bool {
	for _, r := range c.Repos {
		if strings.EqualFold(r.FullName(), fullName) {
			return true
		}
	}
	return false
}

// Validate checks repository entries and agent definitions.
func (c *Config) Validate() error {
	seen := make(map[string]bool)
	for i, r := range c.Repos {
		if r.Owner == "" || r.Name == "" {
			return fmt.Errorf("repos[%d]: owner and name are required", i)
		}
		key := strings.ToLower(r.FullName())
		if seen[key] {
			return fmt.Errorf("repos[%d]: duplicate repository %s", i, r.FullName())
		}
		seen[key] = true
	}
	ids := make(map[string]bool)
	for i, a := range c.Agents {
		if a.Key() == "" {
			return fmt.Errorf("agents[%d]: id or display_name is required", i)
		}
		if strings.TrimSpace(a.CheckNamePattern) == "" && strings.TrimSpace(a.CommentAuthorLogin) == "" {
			return fmt.Errorf("agents[%d] (%s): check_name_pattern or comment_author_login is required", i, a.Label())
		}
		if ids[a.Key()] {
			return fmt.Errorf("agents[%d]: duplicate agent id %q", i, a.Key())
		}
		ids[a.Key()] = true
	}
	for i, h := range c.Hooks {
		if strings.TrimSpace(h.Event) == "" || strings.TrimSpace(h.Command) == "" {
			return fmt.Errorf("hooks[%d]: event and command are required", i)
		}
	}
	return nil
}

// DataDir returns the prwatch data directory.
// Uses PRWATCH_DATA_DIR env var if set, otherwise ~/.prwatch
func DataDir() string {
	if dir := os.Getenv("PRWATCH_DATA_DIR"); dir != "" {
		return dir
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".prwatch")
}

// GlobalConfigPath returns the path to the config file
func GlobalConfigPath() string {
	return filepath.Join(DataDir(), "config.toml")
}

// LoadGlobal loads the configuration from the default path
func LoadGlobal() (*Config, error) {
	return LoadGlobalFrom(GlobalConfigPath())
}

// LoadGlobalFrom loads the configuration from a specific path. A missing
// file yields the defaults.
func LoadGlobalFrom(path string) (*Config, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	return cfg, nil
}

// SaveGlobal saves the configuration to the default path
func SaveGlobal(cfg *Config) error {
	return SaveGlobalTo(GlobalConfigPath(), cfg)
}

// SaveGlobalTo writes cfg atomically so the config watcher never observes
// a half-written file.
func SaveGlobalTo(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".config-*.toml")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if err := toml.NewEncoder(tmp).Encode(cfg); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
