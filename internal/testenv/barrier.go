package testenv

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// Appended logs are scanned for test markers; guarded files must be left
// exactly as they were.
var (
	scannedLogs  = []string{"activity.log", "errors.log"}
	guardedFiles = []string{"config.toml", ".env"}
)

// pollutionMarker flags a log line that only a test run writes.
type pollutionMarker struct {
	desc  string
	match func(line string) bool
}

var pollutionMarkers = []pollutionMarker{
	{`event:"test" entry`, func(l string) bool { return strings.Contains(l, `"event":"test"`) }},
	{"acme/* fixture repository", func(l string) bool {
		return strings.Contains(l, "acme/widgets") || strings.Contains(l, "acme/gadgets")
	}},
	{"fixture GitHub token", func(l string) bool { return strings.Contains(l, "ghp_testtoken") }},
}

type fileState struct {
	exists bool
	size   int64
	mtime  time.Time
}

func statFile(path string) fileState {
	info, err := os.Stat(path)
	if err != nil {
		return fileState{}
	}
	return fileState{exists: true, size: info.Size(), mtime: info.ModTime()}
}

func (s fileState) describeChange(now fileState) string {
	switch {
	case !s.exists && now.exists:
		return "created"
	case s.exists && !now.exists:
		return "deleted"
	case s.size != now.size || !s.mtime.Equal(now.mtime):
		return fmt.Sprintf("modified (size %d→%d, mtime %s→%s)",
			s.size, now.size, s.mtime.Format(time.RFC3339Nano), now.mtime.Format(time.RFC3339Nano))
	}
	return ""
}

// ProdLogBarrier snapshots the real data directory before tests run. Check
// reports anything the tests wrote there: marker lines appended to the
// logs, or changes to the config, the .env file or this process's runtime
// file.
type ProdLogBarrier struct {
	dir     string
	offsets map[string]int64
	guarded map[string]fileState
}

// DefaultProdDataDir returns the default production data directory
// (~/.prwatch), ignoring PRWATCH_DATA_DIR.
func DefaultProdDataDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".prwatch")
}

// NewProdLogBarrier snapshots realDataDir, which must be resolved before
// PRWATCH_DATA_DIR is overridden for tests.
func NewProdLogBarrier(realDataDir string) *ProdLogBarrier {
	b := &ProdLogBarrier{
		dir:     realDataDir,
		offsets: make(map[string]int64),
		guarded: make(map[string]fileState),
	}
	for _, name := range scannedLogs {
		b.offsets[name] = statFile(filepath.Join(realDataDir, name)).size
	}
	for _, name := range append([]string{runtimeFileName()}, guardedFiles...) {
		b.guarded[name] = statFile(filepath.Join(realDataDir, name))
	}
	return b
}

func runtimeFileName() string {
	return fmt.Sprintf("daemon.%d.json", os.Getpid())
}

// Check returns a non-empty report if tests polluted the data directory.
func (b *ProdLogBarrier) Check() string {
	var violations []string

	names := make([]string, 0, len(b.guarded))
	for name := range b.guarded {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if change := b.guarded[name].describeChange(statFile(filepath.Join(b.dir, name))); change != "" {
			violations = append(violations, fmt.Sprintf("test %s %s in prod data dir", change, name))
		}
	}

	for _, name := range scannedLogs {
		markers, err := scanAppended(filepath.Join(b.dir, name), b.offsets[name])
		if err != nil {
			markers = append(markers, fmt.Sprintf("scan error (barrier may be incomplete): %v", err))
		}
		if len(markers) > 0 {
			violations = append(violations, fmt.Sprintf("test pollution in prod %s: %s", name, strings.Join(markers, "; ")))
		}
	}

	if len(violations) == 0 {
		return ""
	}
	return "PROD LOG BARRIER FAILED:\n  " + strings.Join(violations, "\n  ")
}

// scanAppended returns the distinct markers found in lines written after
// offset. A missing file has no markers.
func scanAppended(path string, offset int64) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil
	}
	defer f.Close()
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return nil, err
	}

	var found []string
	seen := make(map[string]bool)
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		for _, m := range pollutionMarkers {
			if !seen[m.desc] && m.match(line) {
				seen[m.desc] = true
				found = append(found, m.desc)
			}
		}
	}
	return found, scanner.Err()
}
