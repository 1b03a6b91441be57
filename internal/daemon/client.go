package daemon

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client talks to a running daemon.
type Client interface {
	Status(ctx context.Context) (*StatusResponse, error)
	Health(ctx context.Context) (*HealthStatus, error)
	Refresh(ctx context.Context) error
	Activity(ctx context.Context, limit int) ([]ActivityEntry, error)
	StreamEvents(ctx context.Context, repo string, fn func(Event) error) error
	Shutdown(ctx context.Context) error
}

// HTTPClient is the default HTTP-based implementation of Client
type HTTPClient struct {
	baseURL    string
	httpClient *http.Client
	// streamClient has no timeout; streams end with their context.
	streamClient *http.Client
}

// NewHTTPClient creates a client for a daemon at addr ("host:port" or a URL).
func NewHTTPClient(addr string) *HTTPClient {
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	return &HTTPClient{
		baseURL:      strings.TrimSuffix(addr, "/"),
		httpClient:   &http.Client{Timeout: 10 * time.Second},
		streamClient: &http.Client{},
	}
}

// NewHTTPClientFromRuntime creates a client for the running daemon.
func NewHTTPClientFromRuntime() (*HTTPClient, error) {
	info, err := FindRunningDaemon()
	if err != nil {
		return nil, err
	}
	return NewHTTPClient(info.Addr), nil
}

func (c *HTTPClient) do(ctx context.Context, method, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return decodeError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var er ErrorResponse
	if json.Unmarshal(body, &er) == nil && er.Error != "" {
		return fmt.Errorf("daemon returned %d: %s", resp.StatusCode, er.Error)
	}
	return fmt.Errorf("daemon returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
}

// Status fetches the scheduler snapshot.
func (c *HTTPClient) Status(ctx context.Context) (*StatusResponse, error) {
	var out StatusResponse
	if err := c.do(ctx, http.MethodGet, "/api/status", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Health fetches component health.
func (c *HTTPClient) Health(ctx context.Context) (*HealthStatus, error) {
	var out HealthStatus
	if err := c.do(ctx, http.MethodGet, "/api/health", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Refresh asks the daemon to start a cycle now.
func (c *HTTPClient) Refresh(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/api/refresh", nil)
}

// Activity returns up to limit recent activity entries, newest first.
func (c *HTTPClient) Activity(ctx context.Context, limit int) ([]ActivityEntry, error) {
	path := "/api/activity"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var out struct {
		Entries []ActivityEntry `json:"entries"`
	}
	if err := c.do(ctx, http.MethodGet, path, &out); err != nil {
		return nil, err
	}
	return out.Entries, nil
}

// Shutdown asks the daemon to exit.
func (c *HTTPClient) Shutdown(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/api/shutdown", nil)
}

// StreamEvents calls fn for each event until ctx is done, the daemon closes
// the stream, or fn returns an error.
func (c *HTTPClient) StreamEvents(ctx context.Context, repo string, fn func(Event) error) error {
	path := "/api/stream/events"
	if repo != "" {
		path += "?repo=" + url.QueryEscape(repo)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.streamClient.Do(req)
	if err != nil {
		return fmt.Errorf("stream events: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return decodeError(resp)
	}

	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var ev Event
		if err := json.Unmarshal(line, &ev); err != nil {
			return fmt.Errorf("decode event: %w", err)
		}
		if err := fn(ev); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}
