package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/roborev-dev/prwatch/internal/version"
)

// StatusResponse is returned by GET /api/status.
type StatusResponse struct {
	Version             string   `json:"version"`
	Uptime              string   `json:"uptime"`
	Repos               int      `json:"repos"`
	Agents              int      `json:"agents"`
	ConfigReloadedAt    string   `json:"config_reloaded_at,omitempty"`
	ConfigReloadCounter uint64   `json:"config_reload_counter"`
	Scheduler           Snapshot `json:"scheduler"`
}

// ComponentHealth is the health of one daemon component.
type ComponentHealth struct {
	Name    string `json:"name"`
	Healthy bool   `json:"healthy"`
	Message string `json:"message,omitempty"`
}

// HealthStatus is returned by GET /api/health.
type HealthStatus struct {
	Healthy      bool              `json:"healthy"`
	Uptime       string            `json:"uptime"`
	Version      string            `json:"version"`
	Components   []ComponentHealth `json:"components"`
	RecentErrors []ErrorEntry      `json:"recent_errors,omitempty"`
	ErrorCount   int               `json:"error_count_24h"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

// ServerOptions wires a Server. Scheduler and Config are required.
type ServerOptions struct {
	Scheduler   *Scheduler
	Config      ConfigGetter
	Broadcaster Broadcaster
	Activity    *ActivityLog
	Errors      *ErrorLog
	Log         *zap.SugaredLogger
	// Shutdown is called by POST /api/shutdown.
	Shutdown func()
}

// Server is the HTTP API of the daemon
type Server struct {
	scheduler   *Scheduler
	cfg         ConfigGetter
	broadcaster Broadcaster
	activityLog *ActivityLog
	errorLog    *ErrorLog
	log         *zap.SugaredLogger
	shutdown    func()
	handler     http.Handler
	startTime   time.Time

	mu         sync.Mutex
	httpServer *http.Server
	stopped    bool
	done       chan struct{}
}

// NewServer creates a new daemon server
func NewServer(opts ServerOptions) *Server {
	s := &Server{
		scheduler:   opts.Scheduler,
		cfg:         opts.Config,
		broadcaster: opts.Broadcaster,
		activityLog: opts.Activity,
		errorLog:    opts.Errors,
		log:         opts.Log,
		shutdown:    opts.Shutdown,
		startTime:   time.Now(),
		done:        make(chan struct{}),
	}
	if s.log == nil {
		s.log = zap.NewNop().Sugar()
	}
	if s.broadcaster == nil {
		s.broadcaster = NewBroadcaster()
	}
	s.handler = s.routes()
	return s
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)

	r.Route("/api", func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Get("/health", s.handleHealth)
		r.Get("/activity", s.handleActivity)
		r.Get("/stream/events", s.handleStreamEvents)
		r.Post("/refresh", s.handleRefresh)
		r.Post("/shutdown", s.handleShutdown)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})
	return r
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.handler
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debugw("http",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", float64(time.Since(start).Microseconds())/1000.0,
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

// ListenAndServe binds the first free port at or after addr, writes the
// runtime file and serves until Stop.
func (s *Server) ListenAndServe(addr string) error {
	ln, err := listenFirstFree(addr)
	if err != nil {
		return err
	}
	bound := ln.Addr().String()
	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		ln.Close()
		return nil
	}
	s.httpServer = srv
	s.mu.Unlock()

	if err := WriteRuntime(bound, version.Version); err != nil {
		s.log.Warnw("server: failed to write runtime info", "error", err)
	}

	s.log.Infof("server: listening on %s", bound)
	if err := srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
		RemoveRuntime()
		return err
	}
	return nil
}

// Stop gracefully shuts down the server
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	s.mu.Lock()
	if !s.stopped {
		s.stopped = true
		close(s.done)
	}
	srv := s.httpServer
	s.mu.Unlock()

	RemoveRuntime()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	cfg := s.cfg.Config()
	resp := StatusResponse{
		Version:   version.Version,
		Uptime:    formatDuration(time.Since(s.startTime)),
		Repos:     len(cfg.EnabledRepos()),
		Agents:    len(cfg.Agents),
		Scheduler: s.scheduler.Snapshot(),
	}
	if cw, ok := s.cfg.(*ConfigWatcher); ok {
		if t := cw.LastReloadedAt(); !t.IsZero() {
			resp.ConfigReloadedAt = t.Format(time.RFC3339Nano)
		}
		resp.ConfigReloadCounter = cw.ReloadCounter()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if ok, msg := s.scheduler.HealthCheck(); !ok && msg == "not running" {
		writeError(w, http.StatusServiceUnavailable, ErrNotRunning.Error())
		return
	}
	s.scheduler.Tick()
	writeJSON(w, http.StatusAccepted, map[string]any{"queued": true})
}

func (s *Server) handleShutdown(w http.ResponseWriter, r *http.Request) {
	if s.shutdown == nil {
		writeError(w, http.StatusNotImplemented, "shutdown not supported")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
	go s.shutdown()
}

func (s *Server) handleActivity(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, activityLogCapacity)
	}

	entries := []ActivityEntry{}
	if s.activityLog != nil {
		if recent := s.activityLog.RecentN(limit); recent != nil {
			entries = recent
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (s *Server) handleStreamEvents(w http.ResponseWriter, r *http.Request) {
	repoFilter := r.URL.Query().Get("repo")

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	subID, eventCh := s.broadcaster.Subscribe(repoFilter)
	defer s.broadcaster.Unsubscribe(subID)

	encoder := json.NewEncoder(w)
	for {
		select {
		case <-r.Context().Done():
			return
		case <-s.done:
			return
		case event, ok := <-eventCh:
			if !ok {
				return
			}
			if err := encoder.Encode(event); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	var components []ComponentHealth
	allHealthy := true

	schedHealthy, schedMsg := s.scheduler.HealthCheck()
	if !schedHealthy {
		allHealthy = false
	}
	components = append(components, ComponentHealth{
		Name:    "scheduler",
		Healthy: schedHealthy,
		Message: schedMsg,
	})

	cfg := s.cfg.Config()
	reposHealthy := len(cfg.EnabledRepos()) > 0
	reposMsg := fmt.Sprintf("%d enabled", len(cfg.EnabledRepos()))
	if !reposHealthy {
		reposMsg = "no repositories enabled"
	}
	components = append(components, ComponentHealth{
		Name:    "repositories",
		Healthy: reposHealthy,
		Message: reposMsg,
	})

	status := HealthStatus{
		Healthy:    allHealthy,
		Uptime:     formatDuration(time.Since(s.startTime)),
		Version:    version.Version,
		Components: components,
	}
	if s.errorLog != nil {
		status.RecentErrors = s.errorLog.RecentN(10)
		status.ErrorCount = s.errorLog.Count24h()
	}

	writeJSON(w, http.StatusOK, status)
}

// formatDuration formats a duration in human-readable form (e.g., "2h 15m")
func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second

	if h > 0 {
		return fmt.Sprintf("%dh %dm", h, m)
	}
	if m > 0 {
		return fmt.Sprintf("%dm %ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}
