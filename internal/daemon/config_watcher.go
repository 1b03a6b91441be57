package daemon

import (
	"context"
	"errors"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/roborev-dev/prwatch/internal/config"
)

// ConfigGetter returns the configuration in effect.
type ConfigGetter interface {
	Config() *config.Config
}

// StaticConfig is a ConfigGetter that never reloads.
type StaticConfig struct {
	cfg *config.Config
}

func NewStaticConfig(cfg *config.Config) *StaticConfig {
	return &StaticConfig{cfg: cfg}
}

func (sc *StaticConfig) Config() *config.Config {
	return sc.cfg
}

// ConfigWatcher swaps in a fresh configuration whenever config.toml
// changes on disk. When the config lives in the data directory, edits to
// the sibling .env file also trigger a reload, so a rotated token is
// picked up. Repositories, agents, intervals, gate sizes and the token
// apply from the next cycle; server_addr needs a restart.
//
// A stopped watcher cannot be started again.
type ConfigWatcher struct {
	configPath    string
	broadcaster   Broadcaster
	activityLog   *ActivityLog
	log           *zap.SugaredLogger
	onChange      []func(*config.Config)
	debounceDelay time.Duration

	mu             sync.RWMutex
	cfg            *config.Config
	stopped        bool
	lastReloadedAt time.Time
	reloadCounter  uint64

	watcher  *fsnotify.Watcher
	stopCh   chan struct{}
	stopOnce sync.Once
}

func NewConfigWatcher(configPath string, cfg *config.Config, broadcaster Broadcaster, activityLog *ActivityLog, log *zap.SugaredLogger) *ConfigWatcher {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &ConfigWatcher{
		configPath:    configPath,
		cfg:           cfg,
		broadcaster:   broadcaster,
		activityLog:   activityLog,
		log:           log,
		stopCh:        make(chan struct{}),
		debounceDelay: 200 * time.Millisecond,
	}
}

// OnChange registers fn to run after every successful reload. Register
// before Start.
func (cw *ConfigWatcher) OnChange(fn func(*config.Config)) {
	cw.onChange = append(cw.onChange, fn)
}

// watchedNames returns the base names in the config directory that
// trigger a reload.
func (cw *ConfigWatcher) watchedNames() map[string]bool {
	names := map[string]bool{filepath.Base(cw.configPath): true}
	envPath := config.EnvFilePath()
	if filepath.Dir(envPath) == filepath.Dir(cw.configPath) {
		names[filepath.Base(envPath)] = true
	}
	return names
}

// Start watches the config directory until ctx ends or Stop is called.
// With no config path it does nothing.
func (cw *ConfigWatcher) Start(ctx context.Context) error {
	cw.mu.RLock()
	stopped := cw.stopped
	cw.mu.RUnlock()
	if stopped {
		return errors.New("config watcher already stopped")
	}
	if cw.configPath == "" {
		return nil
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	// Editors and SaveGlobalTo replace the file by rename, which a watch
	// on the file itself would lose.
	if err := w.Add(filepath.Dir(cw.configPath)); err != nil {
		w.Close()
		return err
	}
	cw.watcher = w

	go cw.watchLoop(ctx, cw.watchedNames())
	return nil
}

// Stop is idempotent.
func (cw *ConfigWatcher) Stop() {
	cw.stopOnce.Do(func() {
		cw.mu.Lock()
		cw.stopped = true
		cw.mu.Unlock()
		close(cw.stopCh)
		if cw.watcher != nil {
			cw.watcher.Close()
		}
	})
}

func (cw *ConfigWatcher) Config() *config.Config {
	cw.mu.RLock()
	defer cw.mu.RUnlock()
	return cw.cfg
}

// LastReloadedAt is zero until the first successful reload.
func (cw *ConfigWatcher) LastReloadedAt() time.Time {
	cw.mu.RLock()
	defer cw.mu.RUnlock()
	return cw.lastReloadedAt
}

// ReloadCounter counts successful reloads.
func (cw *ConfigWatcher) ReloadCounter() uint64 {
	cw.mu.RLock()
	defer cw.mu.RUnlock()
	return cw.reloadCounter
}

// watchLoop coalesces bursts of file events into one reload, run on this
// goroutine so reloads never overlap.
func (cw *ConfigWatcher) watchLoop(ctx context.Context, names map[string]bool) {
	debounce := time.NewTimer(time.Hour)
	debounce.Stop()
	defer debounce.Stop()
	trigger := ""

	for {
		select {
		case <-ctx.Done():
			return
		case <-cw.stopCh:
			return
		case ev, ok := <-cw.watcher.Events:
			if !ok {
				return
			}
			name := filepath.Base(ev.Name)
			if !names[name] || !(ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename)) {
				continue
			}
			trigger = name
			debounce.Reset(cw.debounceDelay)
		case <-debounce.C:
			cw.reload(trigger)
		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}
			cw.log.Warnw("config watcher: error", "error", err)
		}
	}
}

func (cw *ConfigWatcher) reload(trigger string) {
	next, err := config.LoadGlobalFrom(cw.configPath)
	if err != nil {
		cw.log.Warnw("config watcher: reload failed, keeping previous config", "trigger", trigger, "error", err)
		return
	}

	now := time.Now()
	cw.mu.Lock()
	prev := cw.cfg
	cw.cfg = next
	cw.lastReloadedAt = now
	cw.reloadCounter++
	cw.mu.Unlock()

	logConfigChanges(cw.log, prev, next)

	if cw.broadcaster != nil {
		cw.broadcaster.Broadcast(Event{Type: EventConfigReloaded, TS: now})
	}
	if cw.activityLog != nil {
		cw.activityLog.Log(EventConfigReloaded, "config", "config reloaded",
			map[string]string{"path": cw.configPath, "trigger": trigger})
	}
	for _, fn := range cw.onChange {
		fn(next)
	}
	cw.log.Infow("config watcher: config reloaded", "trigger", trigger)
}

func logConfigChanges(log *zap.SugaredLogger, old, new *config.Config) {
	if old.PollInterval() != new.PollInterval() {
		log.Infof("config change: poll interval %s -> %s", old.PollInterval(), new.PollInterval())
	}
	if old.IdleInterval() != new.IdleInterval() {
		log.Infof("config change: idle interval %s -> %s", old.IdleInterval(), new.IdleInterval())
	}
	if old.ResolvedRepoConcurrency() != new.ResolvedRepoConcurrency() || old.ResolvedPRConcurrency() != new.ResolvedPRConcurrency() {
		log.Infof("config change: concurrency %d/%d -> %d/%d",
			old.ResolvedRepoConcurrency(), old.ResolvedPRConcurrency(),
			new.ResolvedRepoConcurrency(), new.ResolvedPRConcurrency())
	}
	if !slices.Equal(old.EnabledRepos(), new.EnabledRepos()) {
		log.Infof("config change: %d -> %d enabled repositories", len(old.EnabledRepos()), len(new.EnabledRepos()))
	}
	if !slices.Equal(old.Agents, new.Agents) {
		log.Infof("config change: %d -> %d agents", len(old.Agents), len(new.Agents))
	}
	if old.GitHub.Token != new.GitHub.Token {
		log.Info("config change: github.token updated")
	}
	if old.ServerAddr != new.ServerAddr {
		log.Infof("config change: server_addr %q -> %q (requires daemon restart to take effect)", old.ServerAddr, new.ServerAddr)
	}
}
