package daemon

import (
	"maps"
	"path/filepath"
	"sync"
	"time"

	"github.com/roborev-dev/prwatch/internal/config"
)

// ActivityEntry is one line of activity.log: a cycle outcome, a completion
// event, a config reload or a daemon lifecycle step.
type ActivityEntry struct {
	Timestamp time.Time         `json:"ts"`
	Event     string            `json:"event"`
	Component string            `json:"component"`
	Message   string            `json:"message"`
	Details   map[string]string `json:"details,omitempty"`
}

const (
	activityLogCapacity = 500
	maxActivityLogSize  = 5 * 1024 * 1024
	// rotateCheckInterval is how often, in writes, the file size is checked.
	rotateCheckInterval = 1000
)

// ActivityLog records daemon activity to a JSONL file and keeps the latest
// entries in memory for GET /api/activity.
type ActivityLog struct {
	mu     sync.Mutex
	out    *jsonlFile
	recent *ring[ActivityEntry]
	now    func() time.Time
}

// NewActivityLog opens (or creates) the activity log at path.
func NewActivityLog(path string) (*ActivityLog, error) {
	return newActivityLog(path, maxActivityLogSize, rotateCheckInterval)
}

func newActivityLog(path string, maxSize int64, checkInterval int) (*ActivityLog, error) {
	out, err := openJSONL(path, maxSize, checkInterval)
	if err != nil {
		return nil, err
	}
	return &ActivityLog{
		out:    out,
		recent: newRing[ActivityEntry](activityLogCapacity),
		now:    time.Now,
	}, nil
}

// DefaultActivityLogPath returns $PRWATCH_DATA_DIR/activity.log.
func DefaultActivityLogPath() string {
	return filepath.Join(config.DataDir(), "activity.log")
}

// Log records an entry. The details map is copied.
func (a *ActivityLog) Log(event, component, message string, details map[string]string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	entry := ActivityEntry{
		Timestamp: a.now(),
		Event:     event,
		Component: component,
		Message:   message,
		Details:   copyDetails(details),
	}
	a.out.append(entry)
	a.recent.push(entry)
}

// Recent returns the buffered entries, newest first.
func (a *ActivityLog) Recent() []ActivityEntry {
	return a.RecentN(activityLogCapacity)
}

// RecentN returns up to n entries, newest first. Callers get their own
// copies of the details maps.
func (a *ActivityLog) RecentN(n int) []ActivityEntry {
	if n <= 0 {
		return nil
	}
	a.mu.Lock()
	entries := a.recent.newest(n)
	a.mu.Unlock()

	for i := range entries {
		entries[i].Details = copyDetails(entries[i].Details)
	}
	return entries
}

func (a *ActivityLog) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.out.close()
}

func copyDetails(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	cp := make(map[string]string, len(m))
	maps.Copy(cp, m)
	return cp
}
