package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roborev-dev/prwatch/internal/review"
	"github.com/roborev-dev/prwatch/internal/version"
)

type serverFixture struct {
	server    *Server
	sched     *schedulerHarness
	b         Broadcaster
	activity  *ActivityLog
	errors    *ErrorLog
	shutdowns *atomic.Int32
}

func setupTestServer(t *testing.T, f *fakeFetcher) *serverFixture {
	t.Helper()
	h := newSchedulerHarness(t, f)
	al, _ := createTestActivityLog(t)
	el, _ := createTestErrorLog(t)
	b := NewBroadcaster()
	var shutdowns atomic.Int32

	srv := NewServer(ServerOptions{
		Scheduler:   h.s,
		Config:      NewStaticConfig(h.cfg),
		Broadcaster: b,
		Activity:    al,
		Errors:      el,
		Shutdown:    func() { shutdowns.Add(1) },
	})
	t.Cleanup(func() { srv.Stop() })
	return &serverFixture{server: srv, sched: h, b: b, activity: al, errors: el, shutdowns: &shutdowns}
}

func (fx *serverFixture) do(method, target string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	w := httptest.NewRecorder()
	fx.server.Handler().ServeHTTP(w, req)
	return w
}

func decodeBody[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.NewDecoder(w.Body).Decode(&out), "body: %s", w.Body.String())
	return out
}

func TestHandleStatus(t *testing.T) {
	fx := setupTestServer(t, widgetsFetcher(true))
	fx.sched.start(t)
	fx.sched.waitCycle(t)

	w := fx.do(http.MethodGet, "/api/status")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	resp := decodeBody[StatusResponse](t, w)
	assert.Equal(t, version.Version, resp.Version)
	assert.Equal(t, 1, resp.Repos)
	assert.Equal(t, 1, resp.Agents)
	assert.True(t, resp.Scheduler.HasResult)
	require.Len(t, resp.Scheduler.Result.Sections, 1)
	pr := resp.Scheduler.Result.Sections[0].PRs[0]
	assert.Equal(t, 42, pr.Number)
	assert.Equal(t, review.StatusDone, pr.Agents[0].Status)
}

func TestHealthEndpoint(t *testing.T) {
	fx := setupTestServer(t, widgetsFetcher(true))

	// Scheduler not started yet
	w := fx.do(http.MethodGet, "/api/health")
	require.Equal(t, http.StatusOK, w.Code)
	health := decodeBody[HealthStatus](t, w)
	assert.False(t, health.Healthy)
	require.Len(t, health.Components, 2)
	assert.Equal(t, "scheduler", health.Components[0].Name)
	assert.Equal(t, "not running", health.Components[0].Message)

	fx.sched.start(t)
	fx.sched.waitCycle(t)
	health = decodeBody[HealthStatus](t, fx.do(http.MethodGet, "/api/health"))
	assert.True(t, health.Healthy)
	assert.Equal(t, "1 enabled", health.Components[1].Message)
}

func TestHealthEndpointWithErrors(t *testing.T) {
	fx := setupTestServer(t, widgetsFetcher(true))
	fx.errors.LogError("scheduler", "acme/widgets: GitHub API 502")

	health := decodeBody[HealthStatus](t, fx.do(http.MethodGet, "/api/health"))
	assert.Equal(t, 1, health.ErrorCount)
	require.Len(t, health.RecentErrors, 1)
	assert.Equal(t, "scheduler", health.RecentErrors[0].Component)
}

func TestHealthEndpointMethodNotAllowed(t *testing.T) {
	fx := setupTestServer(t, widgetsFetcher(true))

	w := fx.do(http.MethodPost, "/api/health")
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
	assert.Equal(t, "method not allowed", decodeBody[ErrorResponse](t, w).Error)
}

func TestUnknownRouteReturnsJSON404(t *testing.T) {
	fx := setupTestServer(t, widgetsFetcher(true))

	w := fx.do(http.MethodGet, "/api/unknown")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "not found", decodeBody[ErrorResponse](t, w).Error)
}

func TestHandleActivity(t *testing.T) {
	fx := setupTestServer(t, widgetsFetcher(true))
	for range 5 {
		fx.activity.Log(EventCycleCompleted, "scheduler", "1 open PRs", nil)
	}

	tests := []struct {
		query    string
		wantCode int
		wantLen  int
	}{
		{"", http.StatusOK, 5},
		{"?limit=2", http.StatusOK, 2},
		{"?limit=0", http.StatusBadRequest, 0},
		{"?limit=abc", http.StatusBadRequest, 0},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			w := fx.do(http.MethodGet, "/api/activity"+tt.query)
			require.Equal(t, tt.wantCode, w.Code)
			if tt.wantCode != http.StatusOK {
				return
			}
			resp := decodeBody[struct {
				Entries []ActivityEntry `json:"entries"`
			}](t, w)
			assert.Len(t, resp.Entries, tt.wantLen)
		})
	}
}

func TestHandleRefresh(t *testing.T) {
	fx := setupTestServer(t, widgetsFetcher(true))

	w := fx.do(http.MethodPost, "/api/refresh")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	fx.sched.start(t)
	fx.sched.waitCycle(t)

	w = fx.do(http.MethodPost, "/api/refresh")
	assert.Equal(t, http.StatusAccepted, w.Code)
	fx.sched.waitCycle(t)
	assert.Equal(t, 2, fx.sched.s.Snapshot().Cycles)
}

func TestHandleShutdown(t *testing.T) {
	fx := setupTestServer(t, widgetsFetcher(true))

	w := fx.do(http.MethodPost, "/api/shutdown")
	assert.Equal(t, http.StatusOK, w.Code)
	require.Eventually(t, func() bool { return fx.shutdowns.Load() == 1 }, time.Second, time.Millisecond)
}

func TestHTTPClientAgainstServer(t *testing.T) {
	fx := setupTestServer(t, widgetsFetcher(true))
	fx.sched.start(t)
	fx.sched.waitCycle(t)
	fx.activity.Log(EventCycleCompleted, "scheduler", "1 open PRs", nil)

	ts := httptest.NewServer(fx.server.Handler())
	defer ts.Close()
	client := NewHTTPClient(strings.TrimPrefix(ts.URL, "http://"))
	ctx := context.Background()

	status, err := client.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, status.Scheduler.Result.PRCount())

	health, err := client.Health(ctx)
	require.NoError(t, err)
	assert.True(t, health.Healthy)

	entries, err := client.Activity(ctx, 10)
	require.NoError(t, err)
	assert.NotEmpty(t, entries)

	require.NoError(t, client.Refresh(ctx))
	fx.sched.waitCycle(t)

	require.NoError(t, client.Shutdown(ctx))
	require.Eventually(t, func() bool { return fx.shutdowns.Load() == 1 }, time.Second, time.Millisecond)
}

func TestHTTPClientDecodesErrors(t *testing.T) {
	fx := setupTestServer(t, widgetsFetcher(true))
	ts := httptest.NewServer(fx.server.Handler())
	defer ts.Close()

	err := NewHTTPClient(ts.URL).Refresh(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
	assert.Contains(t, err.Error(), ErrNotRunning.Error())
}

func TestStreamEventsFiltersByRepo(t *testing.T) {
	fx := setupTestServer(t, widgetsFetcher(true))
	ts := httptest.NewServer(fx.server.Handler())
	t.Cleanup(ts.Close)
	t.Cleanup(func() { fx.server.Stop() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	errStop := errors.New("stop")
	received := make(chan Event, 4)
	done := make(chan error, 1)
	go func() {
		done <- NewHTTPClient(ts.URL).StreamEvents(ctx, "acme/widgets", func(ev Event) error {
			received <- ev
			if ev.Type == EventPRCompleted {
				return errStop
			}
			return nil
		})
	}()

	require.Eventually(t, func() bool { return fx.b.SubscriberCount() == 1 }, 2*time.Second, 5*time.Millisecond)
	fx.b.Broadcast(Event{Type: EventPRCompleted, Repo: "acme/gadgets", PRNumber: 1})
	fx.b.Broadcast(Event{Type: EventCycleCompleted, PRCount: 2})
	fx.b.Broadcast(Event{Type: EventPRCompleted, Repo: "acme/widgets", PRNumber: 42, TS: baseTime})

	require.ErrorIs(t, <-done, errStop)
	close(received)

	var got []Event
	for ev := range received {
		got = append(got, ev)
	}
	require.Len(t, got, 2)
	assert.Equal(t, EventCycleCompleted, got[0].Type)
	assert.Equal(t, 42, got[1].PRNumber)
	assert.True(t, got[1].TS.Equal(baseTime))

	require.Eventually(t, func() bool { return fx.b.SubscriberCount() == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestStreamEventsEndsOnServerStop(t *testing.T) {
	fx := setupTestServer(t, widgetsFetcher(true))
	ts := httptest.NewServer(fx.server.Handler())
	defer ts.Close()

	done := make(chan error, 1)
	go func() {
		done <- NewHTTPClient(ts.URL).StreamEvents(context.Background(), "", func(Event) error { return nil })
	}()
	require.Eventually(t, func() bool { return fx.b.SubscriberCount() == 1 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, fx.server.Stop())
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not end after Stop")
	}
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{12 * time.Second, "12s"},
		{3*time.Minute + 4*time.Second, "3m 4s"},
		{2*time.Hour + 15*time.Minute, "2h 15m"},
	}
	for _, tt := range tests {
		if got := formatDuration(tt.d); got != tt.want {
			t.Errorf("formatDuration(%s) = %q, want %q", tt.d, got, tt.want)
		}
	}
}
