package daemon

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/roborev-dev/prwatch/internal/config"
)

// RuntimeInfo is written by a running daemon so the CLI can find it.
type RuntimeInfo struct {
	PID       int       `json:"pid"`
	Addr      string    `json:"addr"`
	Port      int       `json:"port"`
	Version   string    `json:"version"`
	StartedAt time.Time `json:"started_at"`
}

// ErrDaemonNotRunning is returned when no responsive daemon is found.
var ErrDaemonNotRunning = errors.New("prwatch daemon is not running (start it with `prwatch daemon`)")

const (
	defaultListenHost = "127.0.0.1"
	defaultListenPort = 7474
	// portSearchRange is how many consecutive ports listenFirstFree tries.
	portSearchRange = 100
)

func runtimeFile(pid int) string {
	return filepath.Join(config.DataDir(), "daemon."+strconv.Itoa(pid)+".json")
}

// RuntimePath is the runtime file of the current process.
func RuntimePath() string { return runtimeFile(os.Getpid()) }

// WriteRuntime records addr (host:port) for this process. The file is
// replaced atomically so readers never see a partial document.
func WriteRuntime(addr, version string) error {
	info := RuntimeInfo{
		PID:       os.Getpid(),
		Addr:      addr,
		Version:   version,
		StartedAt: time.Now().UTC(),
	}
	if _, p, err := net.SplitHostPort(addr); err == nil {
		info.Port, _ = strconv.Atoi(p)
	}
	data, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return err
	}

	path := RuntimePath()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

func readRuntimeFile(path string) (*RuntimeInfo, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var info RuntimeInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}
	return &info, nil
}

// ReadRuntimeForPID reads the runtime file written by pid.
func ReadRuntimeForPID(pid int) (*RuntimeInfo, error) {
	return readRuntimeFile(runtimeFile(pid))
}

// RemoveRuntime deletes this process's runtime file, if any.
func RemoveRuntime() {
	os.Remove(RuntimePath())
}

// ListAllRuntimes returns every readable runtime file in the data dir.
// Files that fail to parse are deleted.
func ListAllRuntimes() ([]*RuntimeInfo, error) {
	matches, err := filepath.Glob(filepath.Join(config.DataDir(), "daemon.*.json"))
	if err != nil {
		return nil, err
	}
	runtimes := make([]*RuntimeInfo, 0, len(matches))
	for _, path := range matches {
		info, err := readRuntimeFile(path)
		switch {
		case err == nil:
			runtimes = append(runtimes, info)
		case !errors.Is(err, os.ErrNotExist):
			os.Remove(path)
		}
	}
	return runtimes, nil
}

// FindRunningDaemon returns the first daemon that answers on its address
// and deletes the runtime files of those that do not.
func FindRunningDaemon() (*RuntimeInfo, error) {
	runtimes, err := ListAllRuntimes()
	if err != nil {
		return nil, err
	}
	for _, info := range runtimes {
		if IsDaemonAlive(info.Addr) {
			return info, nil
		}
		os.Remove(runtimeFile(info.PID))
	}
	return nil, ErrDaemonNotRunning
}

// IsDaemonAlive probes /api/health. A degraded daemon (503) still counts.
func IsDaemonAlive(addr string) bool {
	if addr == "" {
		return false
	}
	client := &http.Client{Timeout: 500 * time.Millisecond}
	resp, err := client.Get("http://" + addr + "/api/health")
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusServiceUnavailable
}

// listenFirstFree binds the first free port at or after the one in
// startAddr. An empty startAddr means 127.0.0.1:7474.
func listenFirstFree(startAddr string) (net.Listener, error) {
	host, port := defaultListenHost, defaultListenPort
	if startAddr != "" {
		h, p, err := net.SplitHostPort(startAddr)
		if err != nil {
			return nil, fmt.Errorf("invalid server_addr %q: %w", startAddr, err)
		}
		if h != "" {
			host = h
		}
		if port, err = strconv.Atoi(p); err != nil {
			return nil, fmt.Errorf("invalid port in server_addr %q", startAddr)
		}
	}

	var lastErr error
	for i := range portSearchRange {
		ln, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port+i)))
		if err == nil {
			return ln, nil
		}
		lastErr = err
	}
	return nil, fmt.Errorf("no free port in %d-%d: %w", port, port+portSearchRange-1, lastErr)
}
