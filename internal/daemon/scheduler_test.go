package daemon

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roborev-dev/prwatch/internal/config"
	"github.com/roborev-dev/prwatch/internal/ghclient"
	"github.com/roborev-dev/prwatch/internal/review"
)

type fakeTimer struct {
	d       time.Duration
	ch      chan time.Time
	stopped atomic.Bool
}

func (f *fakeTimer) C() <-chan time.Time { return f.ch }
func (f *fakeTimer) Stop() bool          { return !f.stopped.Swap(true) }

func (f *fakeTimer) fire() { f.ch <- time.Now() }

type eventRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *eventRecorder) Notify(_ context.Context, ev Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *eventRecorder) take() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.events
	r.events = nil
	return out
}

type schedulerHarness struct {
	s         *Scheduler
	cfg       *config.Config
	fetcher   *fakeFetcher
	notes     *eventRecorder
	timers    chan *fakeTimer
	cycles    chan cycleOutcome
	factories atomic.Int32

	mu         sync.Mutex
	factoryErr error
}

func newSchedulerHarness(t *testing.T, f *fakeFetcher) *schedulerHarness {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Repos = []review.RepositoryTarget{widgets}
	cfg.Agents = []review.AgentIdentity{reviewer}

	h := &schedulerHarness{
		cfg:     cfg,
		fetcher: f,
		notes:   &eventRecorder{},
		timers:  make(chan *fakeTimer, 16),
		cycles:  make(chan cycleOutcome, 16),
	}
	h.s = NewScheduler(SchedulerOptions{
		Config: NewStaticConfig(cfg),
		NewAggregator: func(cfg *config.Config) (*Aggregator, error) {
			h.factories.Add(1)
			h.mu.Lock()
			err := h.factoryErr
			h.mu.Unlock()
			if err != nil {
				return nil, err
			}
			return NewAggregator(h.fetcher, cfg.ResolvedRepoConcurrency(), cfg.ResolvedPRConcurrency(), nil), nil
		},
		Notifier: h.notes,
		Now:      func() time.Time { return baseTime },
		NewTimer: func(d time.Duration) Timer {
			ft := &fakeTimer{d: d, ch: make(chan time.Time, 1)}
			h.timers <- ft
			return ft
		},
	})
	h.s.cycleHook = func(out cycleOutcome) { h.cycles <- out }
	return h
}

func (h *schedulerHarness) setFactoryErr(err error) {
	h.mu.Lock()
	h.factoryErr = err
	h.mu.Unlock()
}

func (h *schedulerHarness) start(t *testing.T) {
	t.Helper()
	require.NoError(t, h.s.Start())
	t.Cleanup(h.s.Stop)
}

func (h *schedulerHarness) waitCycle(t *testing.T) cycleOutcome {
	t.Helper()
	select {
	case out := <-h.cycles:
		return out
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a cycle to finish")
		return cycleOutcome{}
	}
}

func (h *schedulerHarness) nextTimer(t *testing.T) *fakeTimer {
	t.Helper()
	select {
	case ft := <-h.timers:
		return ft
	default:
		t.Fatal("expected the scheduler to arm a timer")
		return nil
	}
}

func (h *schedulerHarness) assertNoTimer(t *testing.T) {
	t.Helper()
	select {
	case ft := <-h.timers:
		t.Fatalf("unexpected timer armed for %s", ft.d)
	default:
	}
}

func TestSchedulerSuccessUsesPollInterval(t *testing.T) {
	h := newSchedulerHarness(t, widgetsFetcher(true))
	h.start(t)

	out := h.waitCycle(t)
	require.NoError(t, out.err)
	assert.Equal(t, 60*time.Second, h.nextTimer(t).d)

	snap := h.s.Snapshot()
	assert.True(t, snap.HasResult)
	assert.False(t, snap.InProgress)
	assert.Equal(t, 1, snap.Result.PRCount())
	assert.Equal(t, baseTime, snap.LastRefresh)
	assert.Equal(t, baseTime.Add(60*time.Second), snap.NextRunAt)
	assert.Equal(t, 1, snap.Cycles)
	assert.Equal(t, out.id, snap.CycleID)
	assert.Empty(t, snap.LastError)

	ok, msg := h.s.HealthCheck()
	assert.True(t, ok)
	assert.Equal(t, "running", msg)
}

func TestSchedulerNoOpenPRsUsesIdleInterval(t *testing.T) {
	h := newSchedulerHarness(t, newFakeFetcher())
	h.start(t)

	require.NoError(t, h.waitCycle(t).err)
	assert.Equal(t, 600*time.Second, h.nextTimer(t).d)
}

func TestSchedulerTimerStartsNextCycle(t *testing.T) {
	h := newSchedulerHarness(t, widgetsFetcher(true))
	h.start(t)

	first := h.waitCycle(t)
	h.nextTimer(t).fire()
	second := h.waitCycle(t)

	assert.NotEqual(t, first.id, second.id)
	assert.Equal(t, 2, h.s.Snapshot().Cycles)
}

func TestSchedulerRateLimitBacksOffUntilReset(t *testing.T) {
	reset := baseTime.Add(300 * time.Second)
	f := newFakeFetcher()
	f.listErr["acme/widgets"] = &ghclient.RateLimitError{ResetAt: &reset}
	h := newSchedulerHarness(t, f)
	h.start(t)

	out := h.waitCycle(t)
	require.Error(t, out.err)

	assert.Equal(t, 300*time.Second, h.nextTimer(t).d)
	snap := h.s.Snapshot()
	assert.Equal(t, ErrorKindRateLimited, snap.LastErrorKind)
	assert.False(t, snap.NextRunAt.Before(reset))
	assert.Equal(t, 1, snap.Failures)

	ok, msg := h.s.HealthCheck()
	assert.True(t, ok)
	assert.Contains(t, msg, "rate limited until")
}

func TestSchedulerRateLimitWithoutResetWaitsMinimum(t *testing.T) {
	f := newFakeFetcher()
	f.listErr["acme/widgets"] = &ghclient.RateLimitError{}
	h := newSchedulerHarness(t, f)
	h.start(t)

	h.waitCycle(t)
	assert.Equal(t, MinRateLimitBackoff, h.nextTimer(t).d)
}

func TestSchedulerTickOverridesRateLimitBackoff(t *testing.T) {
	reset := baseTime.Add(30 * time.Minute)
	f := newFakeFetcher()
	f.listErr["acme/widgets"] = &ghclient.RateLimitError{ResetAt: &reset}
	h := newSchedulerHarness(t, f)
	h.start(t)

	h.waitCycle(t)
	backoff := h.nextTimer(t)
	require.Equal(t, 30*time.Minute, backoff.d)

	h.s.Tick()
	require.Error(t, h.waitCycle(t).err)
	assert.Equal(t, 2, h.s.Snapshot().Cycles)
}

func TestRateLimitBackoff(t *testing.T) {
	soon := baseTime.Add(10 * time.Second)
	late := baseTime.Add(15 * time.Minute)
	past := baseTime.Add(-time.Minute)

	assert.Equal(t, MinRateLimitBackoff, RateLimitBackoff(nil, baseTime))
	assert.Equal(t, MinRateLimitBackoff, RateLimitBackoff(&soon, baseTime))
	assert.Equal(t, MinRateLimitBackoff, RateLimitBackoff(&past, baseTime))
	assert.Equal(t, 15*time.Minute, RateLimitBackoff(&late, baseTime))
}

func TestSchedulerMissingCredentialStopsUntilTick(t *testing.T) {
	h := newSchedulerHarness(t, widgetsFetcher(true))
	h.setFactoryErr(ghclient.ErrMissingCredential)
	h.start(t)

	out := h.waitCycle(t)
	require.True(t, ghclient.IsMissingCredential(out.err))
	h.assertNoTimer(t)

	snap := h.s.Snapshot()
	assert.Equal(t, ErrorKindMissingCredential, snap.LastErrorKind)
	assert.True(t, snap.NextRunAt.IsZero())
	ok, _ := h.s.HealthCheck()
	assert.False(t, ok)

	h.setFactoryErr(nil)
	h.s.Tick()
	require.NoError(t, h.waitCycle(t).err)
	assert.Equal(t, 60*time.Second, h.nextTimer(t).d)
	assert.Equal(t, int32(2), h.factories.Load())
}

func TestSchedulerFailureKeepsPreviousResult(t *testing.T) {
	f := widgetsFetcher(true)
	h := newSchedulerHarness(t, f)
	h.start(t)

	require.NoError(t, h.waitCycle(t).err)
	before := h.s.Snapshot().Result

	f.runsErr["sha42"] = &ghclient.HTTPError{StatusCode: 502}
	h.nextTimer(t).fire()
	out := h.waitCycle(t)
	require.Error(t, out.err)

	snap := h.s.Snapshot()
	assert.True(t, snap.HasResult)
	assert.Equal(t, before, snap.Result)
	assert.Equal(t, baseTime, snap.LastRefresh)
	assert.Equal(t, ErrorKindUpstream, snap.LastErrorKind)
	assert.Contains(t, snap.LastError, "acme/widgets#42")
	assert.Equal(t, 60*time.Second, h.nextTimer(t).d)

	ok, msg := h.s.HealthCheck()
	assert.True(t, ok)
	assert.Contains(t, msg, "last cycle failed")
}

func TestSchedulerTickSupersedesInFlightCycle(t *testing.T) {
	f := widgetsFetcher(true)
	f.block = make(chan struct{})
	h := newSchedulerHarness(t, f)
	h.start(t)

	require.Eventually(t, func() bool { return h.s.Snapshot().InProgress && f.prActive.Load() == 1 }, time.Second, time.Millisecond)
	firstID := h.s.Snapshot().CycleID

	h.s.Tick()
	require.Eventually(t, func() bool { return h.s.Snapshot().CycleID != firstID }, time.Second, time.Millisecond)
	close(f.block)

	out := h.waitCycle(t)
	require.NoError(t, out.err)
	assert.NotEqual(t, firstID, out.id, "the cancelled cycle is discarded")
	assert.Equal(t, 1, h.s.Snapshot().Cycles)

	select {
	case extra := <-h.cycles:
		t.Fatalf("unexpected extra cycle %s (err %v)", extra.id, extra.err)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSchedulerOnConfigChangedRebuildsAggregator(t *testing.T) {
	h := newSchedulerHarness(t, widgetsFetcher(true))
	h.start(t)
	h.waitCycle(t)

	h.s.OnConfigChanged()
	require.NoError(t, h.waitCycle(t).err)
	assert.Equal(t, int32(2), h.factories.Load())

	// A plain tick reuses the aggregator
	h.s.Tick()
	h.waitCycle(t)
	assert.Equal(t, int32(2), h.factories.Load())
}

func TestSchedulerEmitsCompletionEvents(t *testing.T) {
	f := widgetsFetcher(false)
	h := newSchedulerHarness(t, f)
	h.start(t)

	h.waitCycle(t)
	assert.Equal(t, []string{EventCycleCompleted}, eventTypes(h.notes.take()))

	f.issueComments[commentsKey("acme", "widgets", 42)] = []review.Comment{
		{AuthorLogin: "reviewer-bot[bot]", CreatedAt: *at(0)},
	}
	h.nextTimer(t).fire()
	h.waitCycle(t)

	events := h.notes.take()
	require.Equal(t, []string{EventAgentCompleted, EventPRCompleted, EventCycleCompleted}, eventTypes(events))
	assert.Equal(t, "Reviewer", events[0].AgentName)
	assert.Equal(t, 1, events[2].PRCount)
}

func TestSchedulerNotifyFlagsFilterEvents(t *testing.T) {
	f := widgetsFetcher(false)
	h := newSchedulerHarness(t, f)
	h.cfg.Notify.PRCompleted = false
	h.start(t)

	h.waitCycle(t)
	h.notes.take()

	f.issueComments[commentsKey("acme", "widgets", 42)] = []review.Comment{
		{AuthorLogin: "reviewer-bot", CreatedAt: *at(1)},
	}
	h.nextTimer(t).fire()
	h.waitCycle(t)

	assert.Equal(t, []string{EventAgentCompleted, EventCycleCompleted}, eventTypes(h.notes.take()))
}

func TestSchedulerFailureEmitsCycleFailed(t *testing.T) {
	f := newFakeFetcher()
	f.listErr["acme/widgets"] = errors.New("connection reset")
	h := newSchedulerHarness(t, f)
	h.start(t)

	h.waitCycle(t)
	events := h.notes.take()
	require.Len(t, events, 1)
	assert.Equal(t, EventCycleFailed, events[0].Type)
	assert.Contains(t, events[0].Error, "connection reset")
}

func TestSchedulerStartStop(t *testing.T) {
	h := newSchedulerHarness(t, newFakeFetcher())
	require.NoError(t, h.s.Start())
	assert.Error(t, h.s.Start(), "second Start should fail")

	h.waitCycle(t)
	h.s.Stop()
	h.s.Stop()

	ok, msg := h.s.HealthCheck()
	assert.False(t, ok)
	assert.Equal(t, "not running", msg)
}

func TestSchedulerStopCancelsInFlightCycle(t *testing.T) {
	f := widgetsFetcher(true)
	f.block = make(chan struct{})
	h := newSchedulerHarness(t, f)
	require.NoError(t, h.s.Start())

	require.Eventually(t, func() bool { return f.prActive.Load() == 1 }, time.Second, time.Millisecond)

	done := make(chan struct{})
	go func() {
		h.s.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return while a cycle was blocked")
	}
}
