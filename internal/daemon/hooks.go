package daemon

import (
	"context"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/roborev-dev/prwatch/internal/config"
)

// hookTimeout bounds a single hook command.
const hookTimeout = 30 * time.Second

// HookRunner listens for broadcaster events and runs configured hooks.
type HookRunner struct {
	cfgGetter   ConfigGetter
	broadcaster Broadcaster
	log         *zap.SugaredLogger
	subID       int
	stopCh      chan struct{}
	doneCh      chan struct{}
	wg          sync.WaitGroup

	// exec runs one command; replaced in tests.
	exec func(ctx context.Context, command string) ([]byte, error)
}

// NewHookRunner creates a new HookRunner that subscribes to events from the broadcaster.
func NewHookRunner(cfgGetter ConfigGetter, broadcaster Broadcaster, log *zap.SugaredLogger) *HookRunner {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	subID, eventCh := broadcaster.Subscribe("")

	hr := &HookRunner{
		cfgGetter:   cfgGetter,
		broadcaster: broadcaster,
		log:         log,
		subID:       subID,
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
		exec:        runShell,
	}

	go hr.listen(eventCh)

	return hr
}

func (hr *HookRunner) listen(eventCh <-chan Event) {
	defer close(hr.doneCh)
	for {
		select {
		case <-hr.stopCh:
			return
		case event, ok := <-eventCh:
			if !ok {
				return
			}
			hr.handleEvent(event)
		}
	}
}

// Stop unsubscribes and waits for running hooks to finish.
func (hr *HookRunner) Stop() {
	close(hr.stopCh)
	<-hr.doneCh
	hr.broadcaster.Unsubscribe(hr.subID)
	hr.wg.Wait()
}

func (hr *HookRunner) handleEvent(event Event) {
	cfg := hr.cfgGetter.Config()
	if cfg == nil {
		return
	}

	fired := 0
	for _, hook := range cfg.Hooks {
		if !matchEvent(hook.Event, event.Type) {
			continue
		}
		cmd := interpolate(hook.Command, event)
		if cmd == "" {
			continue
		}
		fired++
		hr.wg.Add(1)
		go func() {
			defer hr.wg.Done()
			hr.runHook(hook, cmd)
		}()
	}

	if fired > 0 {
		hr.log.Debugw("hooks: fired", "count", fired, "type", event.Type, "repo", event.Repo, "pr", event.PRNumber)
	}
}

func (hr *HookRunner) runHook(hook config.HookConfig, command string) {
	ctx, cancel := context.WithTimeout(context.Background(), hookTimeout)
	defer cancel()

	output, err := hr.exec(ctx, command)
	if err != nil {
		hr.log.Warnw("hooks: command failed", "event", hook.Event, "command", command, "error", err, "output", string(output))
		return
	}
	if len(output) > 0 {
		hr.log.Debugw("hooks: command output", "command", command, "output", string(output))
	}
}

// matchEvent checks if an event type matches a hook's event pattern.
// Supports exact match, "agent.*" style prefixes and "*".
func matchEvent(pattern, eventType string) bool {
	if pattern == "*" || pattern == eventType {
		return true
	}
	if prefix, ok := strings.CutSuffix(pattern, ".*"); ok {
		return strings.HasPrefix(eventType, prefix+".")
	}
	return false
}

// interpolate replaces {var} template variables in a command string.
// Values are shell-escaped.
func interpolate(cmd string, event Event) string {
	if cmd == "" {
		return ""
	}
	pr := ""
	if event.PRNumber > 0 {
		pr = strconv.Itoa(event.PRNumber)
	}

	r := strings.NewReplacer(
		"{event}", shellEscape(event.Type),
		"{repo}", shellEscape(event.Repo),
		"{pr}", shellEscape(pr),
		"{title}", shellEscape(event.PRTitle),
		"{url}", shellEscape(event.PRURL),
		"{agent}", shellEscape(event.AgentName),
		"{agent_id}", shellEscape(event.AgentID),
		"{conclusion}", shellEscape(event.Conclusion),
		"{prs}", strconv.Itoa(event.PRCount),
		"{error}", shellEscape(event.Error),
	)
	return r.Replace(cmd)
}

// shellEscape quotes a value for safe interpolation into a shell command.
// On Windows (PowerShell) a doubled single quote escapes a literal one; on
// Unix the quote-break-quote idiom is used.
func shellEscape(s string) string {
	if runtime.GOOS == "windows" {
		return "'" + strings.ReplaceAll(s, "'", "''") + "'"
	}
	return "'" + strings.ReplaceAll(s, "'", "'\"'\"'") + "'"
}

func runShell(ctx context.Context, command string) ([]byte, error) {
	var cmd *exec.Cmd
	if runtime.GOOS == "windows" {
		cmd = exec.CommandContext(ctx, "powershell", "-NoProfile", "-Command", command)
	} else {
		cmd = exec.CommandContext(ctx, "sh", "-c", command)
	}
	return cmd.CombinedOutput()
}
