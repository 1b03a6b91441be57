package daemon

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/roborev-dev/prwatch/internal/config"
)

// ErrorEntry is a failed cycle or server error.
type ErrorEntry struct {
	Timestamp time.Time `json:"ts"`
	Level     string    `json:"level"`     // "error", "warn"
	Component string    `json:"component"` // "scheduler", "server"
	Message   string    `json:"message"`
}

// MaxErrorLogEntries is the number of errors kept in memory for
// /api/health.
const MaxErrorLogEntries = 100

const maxErrorLogSize = 1024 * 1024

// ErrorLog appends errors to errors.log and keeps the most recent in
// memory.
type ErrorLog struct {
	mu     sync.Mutex
	out    *jsonlFile
	recent *ring[ErrorEntry]
	now    func() time.Time
}

func NewErrorLog(path string) (*ErrorLog, error) {
	out, err := openJSONL(path, maxErrorLogSize, 100)
	if err != nil {
		return nil, err
	}
	return &ErrorLog{
		out:    out,
		recent: newRing[ErrorEntry](MaxErrorLogEntries),
		now:    time.Now,
	}, nil
}

// DefaultErrorLogPath returns $PRWATCH_DATA_DIR/errors.log.
func DefaultErrorLogPath() string {
	return filepath.Join(config.DataDir(), "errors.log")
}

// Log writes an entry to the file and the in-memory buffer.
func (e *ErrorLog) Log(level, component, message string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	entry := ErrorEntry{
		Timestamp: e.now(),
		Level:     level,
		Component: component,
		Message:   message,
	}
	e.out.append(entry)
	e.recent.push(entry)
}

func (e *ErrorLog) LogError(component, message string) { e.Log("error", component, message) }

func (e *ErrorLog) LogWarn(component, message string) { e.Log("warn", component, message) }

// RecentN returns up to n most recent entries, newest first.
func (e *ErrorLog) RecentN(n int) []ErrorEntry {
	if n <= 0 {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.recent.newest(n)
}

// Count24h counts buffered errors from the last 24 hours.
func (e *ErrorLog) Count24h() int {
	e.mu.Lock()
	defer e.mu.Unlock()

	cutoff := e.now().Add(-24 * time.Hour)
	count := 0
	for _, entry := range e.recent.newest(0) {
		if entry.Timestamp.After(cutoff) {
			count++
		}
	}
	return count
}

func (e *ErrorLog) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.out.close()
}
