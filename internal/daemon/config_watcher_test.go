package daemon

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/roborev-dev/prwatch/internal/config"
	"github.com/roborev-dev/prwatch/internal/testenv"
)

// configWatcherHarness encapsulates the watcher, broadcaster, temp paths, and event channel.
type configWatcherHarness struct {
	Watcher     *ConfigWatcher
	Broadcaster Broadcaster
	ConfigPath  string
	EventCh     <-chan Event
	Changes     *atomic.Int32
}

const reloadTimeout = 2 * time.Second

const baseConfig = `
poll_interval_seconds = 60

[[repos]]
owner = "acme"
name = "widgets"
enabled = true
`

func newConfigWatcherHarness(t *testing.T, initialConfig string) *configWatcherHarness {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	writeTestFile(t, path, initialConfig)

	cfg, err := config.LoadGlobalFrom(path)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	bc := NewBroadcaster()
	_, ch := bc.Subscribe("")
	cw := NewConfigWatcher(path, cfg, bc, nil, nil)
	cw.debounceDelay = 20 * time.Millisecond

	var changes atomic.Int32
	cw.OnChange(func(*config.Config) { changes.Add(1) })

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	if err := cw.Start(ctx); err != nil {
		t.Fatalf("Failed to start watcher: %v", err)
	}
	t.Cleanup(cw.Stop)

	return &configWatcherHarness{
		Watcher:     cw,
		Broadcaster: bc,
		ConfigPath:  path,
		EventCh:     ch,
		Changes:     &changes,
	}
}

func (h *configWatcherHarness) updateConfigAndWait(t *testing.T, content string) {
	t.Helper()
	writeTestFile(t, h.ConfigPath, content)
	h.waitForReload(t)
}

func (h *configWatcherHarness) waitForReload(t *testing.T) {
	t.Helper()
	timeout := time.After(reloadTimeout)
	for {
		select {
		case event := <-h.EventCh:
			if event.Type == EventConfigReloaded {
				return
			}
		case <-timeout:
			t.Fatal("Timeout waiting for config.reloaded event")
		}
	}
}

func writeTestFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write %s: %v", filepath.Base(path), err)
	}
}

func TestStaticConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	sc := NewStaticConfig(cfg)
	if sc.Config() != cfg {
		t.Error("StaticConfig.Config() should return the same config object")
	}
}

func TestNewConfigWatcher(t *testing.T) {
	cfg := config.DefaultConfig()
	cw := NewConfigWatcher("/path/to/config.toml", cfg, NewBroadcaster(), nil, nil)

	if cw.Config() != cfg {
		t.Error("NewConfigWatcher should store the initial config")
	}
	if !cw.LastReloadedAt().IsZero() {
		t.Error("LastReloadedAt should be zero initially")
	}
	if cw.ReloadCounter() != 0 {
		t.Error("ReloadCounter should start at zero")
	}
}

func TestConfigWatcher_NoConfigPath(t *testing.T) {
	cw := NewConfigWatcher("", config.DefaultConfig(), NewBroadcaster(), nil, nil)
	if err := cw.Start(t.Context()); err != nil {
		t.Errorf("Start with empty configPath should not error, got: %v", err)
	}
	cw.Stop()
}

func TestConfigWatcher_Reloads(t *testing.T) {
	tests := []struct {
		name         string
		updateConfig string
		validate     func(*testing.T, *config.Config)
	}{
		{
			name:         "poll interval",
			updateConfig: "poll_interval_seconds = 120\n",
			validate: func(t *testing.T, cfg *config.Config) {
				if cfg.PollInterval() != 2*time.Minute {
					t.Errorf("PollInterval = %s, want 2m", cfg.PollInterval())
				}
			},
		},
		{
			name: "repositories and agents",
			updateConfig: baseConfig + `
[[repos]]
owner = "acme"
name = "gadgets"
enabled = true

[[agents]]
display_name = "Reviewer"
check_name_pattern = "reviewer"
`,
			validate: func(t *testing.T, cfg *config.Config) {
				if len(cfg.EnabledRepos()) != 2 {
					t.Errorf("expected 2 enabled repos, got %d", len(cfg.EnabledRepos()))
				}
				if len(cfg.Agents) != 1 || cfg.Agents[0].Key() != "reviewer" {
					t.Errorf("unexpected agents: %+v", cfg.Agents)
				}
			},
		},
		{
			name:         "token",
			updateConfig: baseConfig + "\n[github]\ntoken = \"ghp_new\"\n",
			validate: func(t *testing.T, cfg *config.Config) {
				if cfg.GitHub.Token != "ghp_new" {
					t.Errorf("token = %q, want ghp_new", cfg.GitHub.Token)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newConfigWatcherHarness(t, baseConfig)
			h.updateConfigAndWait(t, tt.updateConfig)

			tt.validate(t, h.Watcher.Config())
			if h.Watcher.LastReloadedAt().IsZero() {
				t.Error("LastReloadedAt should be set after reload")
			}
			if got := h.Changes.Load(); got < 1 {
				t.Errorf("OnChange callbacks = %d, want >= 1", got)
			}
		})
	}
}

func TestConfigWatcher_InvalidConfigDoesNotCrash(t *testing.T) {
	h := newConfigWatcherHarness(t, baseConfig)
	original := h.Watcher.Config()

	writeTestFile(t, h.ConfigPath, "[[repos]]\nowner = \"acme\"\n")
	time.Sleep(200 * time.Millisecond)

	if h.Watcher.Config() != original {
		t.Error("invalid config should not replace the current one")
	}
	if h.Changes.Load() != 0 {
		t.Error("OnChange should not fire for an invalid config")
	}
}

func TestConfigWatcher_DoubleStopSafe(t *testing.T) {
	cw := NewConfigWatcher("", config.DefaultConfig(), NewBroadcaster(), nil, nil)
	cw.Stop()
	cw.Stop()
}

func TestConfigWatcher_StartAfterStopErrors(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	writeTestFile(t, path, baseConfig)

	cw := NewConfigWatcher(path, config.DefaultConfig(), NewBroadcaster(), nil, nil)
	cw.Stop()
	if err := cw.Start(t.Context()); err == nil {
		t.Error("Start after Stop should return an error")
	}
}

func TestConfigWatcher_ReloadCounter(t *testing.T) {
	h := newConfigWatcherHarness(t, baseConfig)

	h.updateConfigAndWait(t, "poll_interval_seconds = 90\n")
	first := h.Watcher.ReloadCounter()
	h.updateConfigAndWait(t, "poll_interval_seconds = 100\n")

	if first < 1 {
		t.Errorf("ReloadCounter after first reload = %d, want >= 1", first)
	}
	if h.Watcher.ReloadCounter() <= first {
		t.Errorf("ReloadCounter should increase, got %d after %d", h.Watcher.ReloadCounter(), first)
	}
}

func TestConfigWatcher_AtomicSaveViaRename(t *testing.T) {
	h := newConfigWatcherHarness(t, baseConfig)

	cfg := config.DefaultConfig()
	cfg.PollIntervalSeconds = 300
	if err := config.SaveGlobalTo(h.ConfigPath, cfg); err != nil {
		t.Fatalf("SaveGlobalTo: %v", err)
	}
	h.waitForReload(t)

	if got := h.Watcher.Config().PollIntervalSeconds; got != 300 {
		t.Errorf("PollIntervalSeconds = %d, want 300", got)
	}
}

func TestConfigWatcher_EnvFileTriggersReload(t *testing.T) {
	dataDir := testenv.SetDataDir(t)
	path := filepath.Join(dataDir, "config.toml")
	writeTestFile(t, path, baseConfig)

	bc := NewBroadcaster()
	_, ch := bc.Subscribe("")
	cw := NewConfigWatcher(path, config.DefaultConfig(), bc, nil, nil)
	cw.debounceDelay = 20 * time.Millisecond
	if err := cw.Start(t.Context()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(cw.Stop)

	writeTestFile(t, filepath.Join(dataDir, ".env"), "GH_TOKEN=ghp_rotated\n")
	h := &configWatcherHarness{Watcher: cw, EventCh: ch}
	h.waitForReload(t)

	if cw.ReloadCounter() != 1 {
		t.Errorf("ReloadCounter = %d, want 1", cw.ReloadCounter())
	}
}

func TestConfigWatcher_IgnoresUnrelatedFiles(t *testing.T) {
	h := newConfigWatcherHarness(t, baseConfig)

	writeTestFile(t, filepath.Join(filepath.Dir(h.ConfigPath), "notes.txt"), "hello")
	writeTestFile(t, filepath.Join(filepath.Dir(h.ConfigPath), ".env"), "GH_TOKEN=x\n")
	time.Sleep(200 * time.Millisecond)

	if h.Changes.Load() != 0 {
		t.Errorf("unrelated files triggered %d reloads", h.Changes.Load())
	}
}
