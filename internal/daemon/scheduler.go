package daemon

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/roborev-dev/prwatch/internal/config"
	"github.com/roborev-dev/prwatch/internal/ghclient"
	"github.com/roborev-dev/prwatch/internal/review"
)

// MinRateLimitBackoff is the shortest wait after a rate-limited cycle.
const MinRateLimitBackoff = 60 * time.Second

// Error kinds reported in Snapshot.
const (
	ErrorKindMissingCredential = "missing_credential"
	ErrorKindRateLimited       = "rate_limited"
	ErrorKindUpstream          = "upstream"
)

// AggregatorFactory builds the aggregator for a configuration. It returns
// ghclient.ErrMissingCredential when no token is available.
type AggregatorFactory func(cfg *config.Config) (*Aggregator, error)

// Timer is the subset of *time.Timer the scheduler uses.
type Timer interface {
	C() <-chan time.Time
	Stop() bool
}

type realTimer struct{ t *time.Timer }

func (r realTimer) C() <-chan time.Time { return r.t.C }
func (r realTimer) Stop() bool          { return r.t.Stop() }

func newRealTimer(d time.Duration) Timer { return realTimer{time.NewTimer(d)} }

// Snapshot is the scheduler state shown to users.
type Snapshot struct {
	Result        review.CycleResult `json:"result"`
	HasResult     bool               `json:"has_result"`
	LastRefresh   time.Time          `json:"last_refresh"`
	InProgress    bool               `json:"in_progress"`
	CycleID       string             `json:"cycle_id,omitempty"`
	LastError     string             `json:"last_error,omitempty"`
	LastErrorKind string             `json:"last_error_kind,omitempty"`
	NextRunAt     time.Time          `json:"next_run_at"`
	Cycles        int                `json:"cycles"`
	Failures      int                `json:"failures"`
}

// SchedulerOptions configures a Scheduler. Only Config and NewAggregator
// are required.
type SchedulerOptions struct {
	Config        ConfigGetter
	NewAggregator AggregatorFactory
	Notifier      Notifier
	Activity      *ActivityLog
	Errors        *ErrorLog
	Log           *zap.SugaredLogger

	Now      func() time.Time
	NewTimer func(time.Duration) Timer
}

type cycleOutcome struct {
	seq     uint64
	id      string
	cfg     *config.Config
	started time.Time
	result  review.CycleResult
	err     error
}

// Scheduler repeatedly runs polling cycles. A single coordinator goroutine
// owns the timer, the in-flight cycle and the notification state; Tick and
// OnConfigChanged only post requests to it.
type Scheduler struct {
	cfg        ConfigGetter
	newAgg     AggregatorFactory
	notifier   Notifier
	activity   *ActivityLog
	errorLog   *ErrorLog
	log        *zap.SugaredLogger
	now        func() time.Time
	newTimer   func(time.Duration) Timer
	tickCh     chan struct{}
	reloadCh   chan struct{}
	resultCh   chan cycleOutcome
	cycleHook  func(cycleOutcome) // test seam, called after each finished cycle
	stopCh     chan struct{}
	doneCh     chan struct{}
	cancelFunc context.CancelFunc
	running    bool
	wg         sync.WaitGroup

	// Owned by the coordinator goroutine.
	agg         *Aggregator
	timer       Timer
	seq         uint64
	cycleCancel context.CancelFunc
	notes       *NotificationState

	mu   sync.RWMutex
	snap Snapshot
}

// NewScheduler creates a scheduler; call Start to begin polling.
func NewScheduler(opts SchedulerOptions) *Scheduler {
	s := &Scheduler{
		cfg:      opts.Config,
		newAgg:   opts.NewAggregator,
		notifier: opts.Notifier,
		activity: opts.Activity,
		errorLog: opts.Errors,
		log:      opts.Log,
		now:      opts.Now,
		newTimer: opts.NewTimer,
		tickCh:   make(chan struct{}, 1),
		reloadCh: make(chan struct{}, 1),
		resultCh: make(chan cycleOutcome),
		notes:    NewNotificationState(),
	}
	if s.log == nil {
		s.log = zap.NewNop().Sugar()
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.newTimer == nil {
		s.newTimer = newRealTimer
	}
	return s
}

// Start launches the coordinator and runs the first cycle immediately.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("scheduler already running")
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	s.cancelFunc = cancel
	s.running = true

	go s.run(ctx, s.stopCh, s.doneCh)
	return nil
}

// Stop cancels any in-flight cycle and waits for the coordinator to exit.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	stopCh := s.stopCh
	doneCh := s.doneCh
	cancel := s.cancelFunc
	s.running = false
	s.mu.Unlock()

	cancel()
	close(stopCh)
	<-doneCh
	s.wg.Wait()
}

// Tick requests an immediate cycle, overriding any pending rate-limit
// backoff. It never blocks; requests made while one is already pending are
// coalesced.
func (s *Scheduler) Tick() {
	select {
	case s.tickCh <- struct{}{}:
	default:
	}
}

// OnConfigChanged rebuilds the aggregator from the current configuration
// and starts a new cycle, also overriding any rate-limit backoff.
func (s *Scheduler) OnConfigChanged() {
	select {
	case s.reloadCh <- struct{}{}:
	default:
	}
}

// Snapshot returns the latest state.
func (s *Scheduler) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap
}

// HealthCheck returns whether the scheduler is healthy
func (s *Scheduler) HealthCheck() (bool, string) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.running {
		return false, "not running"
	}
	switch s.snap.LastErrorKind {
	case ErrorKindMissingCredential:
		return false, "no GitHub token configured"
	case ErrorKindRateLimited:
		return true, "rate limited until " + s.snap.NextRunAt.Format(time.RFC3339)
	case ErrorKindUpstream:
		return true, "last cycle failed: " + s.snap.LastError
	}
	return true, "running"
}

func (s *Scheduler) run(ctx context.Context, stopCh, doneCh chan struct{}) {
	defer close(doneCh)

	s.startCycle(ctx)

	for {
		var timerC <-chan time.Time
		if s.timer != nil {
			timerC = s.timer.C()
		}

		select {
		case <-stopCh:
			s.stopTimer()
			if s.cycleCancel != nil {
				s.cycleCancel()
			}
			s.log.Info("scheduler: stopped")
			return
		case <-s.tickCh:
			s.log.Debug("scheduler: manual refresh")
			s.startCycle(ctx)
		case <-s.reloadCh:
			s.log.Info("scheduler: configuration changed, rebuilding client")
			s.agg = nil
			s.startCycle(ctx)
		case <-timerC:
			s.timer = nil
			s.startCycle(ctx)
		case out := <-s.resultCh:
			s.finishCycle(out)
		}
	}
}

// startCycle cancels any in-flight cycle and launches a new one. The
// cancelled cycle's outcome is discarded by sequence number.
func (s *Scheduler) startCycle(ctx context.Context) {
	s.stopTimer()
	if s.cycleCancel != nil {
		s.cycleCancel()
		s.cycleCancel = nil
	}
	s.seq++

	cfg := s.cfg.Config()
	out := cycleOutcome{
		seq:     s.seq,
		id:      uuid.NewString(),
		cfg:     cfg,
		started: s.now(),
	}

	s.mu.Lock()
	s.snap.InProgress = true
	s.snap.CycleID = out.id
	s.snap.NextRunAt = time.Time{}
	s.mu.Unlock()

	if s.agg == nil {
		agg, err := s.newAgg(cfg)
		if err != nil {
			out.err = err
			s.finishCycle(out)
			return
		}
		s.agg = agg
	}

	cctx, cancel := context.WithCancel(ctx)
	s.cycleCancel = cancel
	agg := s.agg
	repos := cfg.EnabledRepos()
	agents := cfg.Agents

	s.log.Debugw("scheduler: cycle started", "cycle", out.id, "repos", len(repos))
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer cancel()
		out.result, out.err = agg.FetchSections(cctx, repos, agents)
		select {
		case s.resultCh <- out:
		case <-ctx.Done():
		}
	}()
}

func (s *Scheduler) finishCycle(out cycleOutcome) {
	if out.seq != s.seq {
		s.log.Debugw("scheduler: discarding superseded cycle", "cycle", out.id)
		return
	}
	s.cycleCancel = nil
	now := s.now()
	elapsed := now.Sub(out.started)

	var delay time.Duration
	var events []Event

	s.mu.Lock()
	s.snap.InProgress = false
	s.snap.Cycles++
	if out.err == nil {
		s.snap.Result = out.result
		s.snap.HasResult = true
		s.snap.LastRefresh = now
		s.snap.LastError = ""
		s.snap.LastErrorKind = ""
		delay = s.successInterval(out.cfg, out.result)
	} else {
		s.snap.Failures++
		s.snap.LastError = out.err.Error()
		s.snap.LastErrorKind, delay = s.failureDelay(out, now)
	}
	if delay > 0 {
		s.snap.NextRunAt = now.Add(delay)
	}
	s.mu.Unlock()

	if out.err == nil {
		events = s.filterEvents(out.cfg, s.notes.Observe(out.result, now))
		s.log.Infow("scheduler: cycle completed",
			"cycle", out.id, "prs", out.result.PRCount(), "events", len(events),
			"elapsed", elapsed.Round(time.Millisecond), "next", delay)
		s.recordActivity(EventCycleCompleted, fmt.Sprintf("%d open PRs", out.result.PRCount()), map[string]string{
			"cycle": out.id,
			"prs":   strconv.Itoa(out.result.PRCount()),
		})
		events = append(events, Event{Type: EventCycleCompleted, TS: now, CycleID: out.id, PRCount: out.result.PRCount()})
	} else {
		s.log.Warnw("scheduler: cycle failed", "cycle", out.id, "error", out.err, "next", delay)
		s.recordActivity(EventCycleFailed, out.err.Error(), map[string]string{"cycle": out.id})
		if s.errorLog != nil {
			s.errorLog.LogError("scheduler", out.err.Error())
		}
		events = append(events, Event{Type: EventCycleFailed, TS: now, CycleID: out.id, Error: out.err.Error()})
	}

	if s.notifier != nil {
		for _, ev := range events {
			if err := s.notifier.Notify(context.Background(), ev); err != nil {
				s.log.Warnw("scheduler: notify failed", "type", ev.Type, "error", err)
			}
		}
	}

	if delay > 0 {
		s.timer = s.newTimer(delay)
	}
	if s.cycleHook != nil {
		s.cycleHook(out)
	}
}

func (s *Scheduler) successInterval(cfg *config.Config, result review.CycleResult) time.Duration {
	if result.HasOpenPRs() {
		return cfg.PollInterval()
	}
	return cfg.IdleInterval()
}

// failureDelay classifies a cycle error. Missing credentials stop the
// timer until Tick or OnConfigChanged; a rate limit waits until the reset
// and at least MinRateLimitBackoff; anything else keeps the normal cadence.
func (s *Scheduler) failureDelay(out cycleOutcome, now time.Time) (string, time.Duration) {
	switch {
	case ghclient.IsMissingCredential(out.err):
		s.agg = nil
		return ErrorKindMissingCredential, 0
	case isRateLimited(out.err):
		resetAt, _ := ghclient.IsRateLimited(out.err)
		return ErrorKindRateLimited, RateLimitBackoff(resetAt, now)
	default:
		if s.snap.HasResult && !s.snap.Result.HasOpenPRs() {
			return ErrorKindUpstream, out.cfg.IdleInterval()
		}
		return ErrorKindUpstream, out.cfg.PollInterval()
	}
}

func isRateLimited(err error) bool {
	_, ok := ghclient.IsRateLimited(err)
	return ok
}

// RateLimitBackoff returns max(MinRateLimitBackoff, resetAt-now).
func RateLimitBackoff(resetAt *time.Time, now time.Time) time.Duration {
	if resetAt == nil {
		return MinRateLimitBackoff
	}
	return max(MinRateLimitBackoff, resetAt.Sub(now))
}

func (s *Scheduler) filterEvents(cfg *config.Config, events []Event) []Event {
	out := events[:0]
	for _, ev := range events {
		switch ev.Type {
		case EventAgentCompleted:
			if !cfg.Notify.AgentCompleted {
				continue
			}
		case EventPRCompleted:
			if !cfg.Notify.PRCompleted {
				continue
			}
		}
		out = append(out, ev)
	}
	return out
}

func (s *Scheduler) stopTimer() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

func (s *Scheduler) recordActivity(event, message string, details map[string]string) {
	if s.activity != nil {
		s.activity.Log(event, "scheduler", message, details)
	}
}

// ErrNotRunning is returned by daemon operations that need a live scheduler.
var ErrNotRunning = errors.New("scheduler not running")
