// Package testenv provides environment isolation helpers for tests.
// This package has no dependencies on other internal packages.
package testenv

import (
	"fmt"
	"os"
	"testing"
)

// DataDirEnv is the variable config.DataDir consults first.
const DataDirEnv = "PRWATCH_DATA_DIR"

// SetDataDir points PRWATCH_DATA_DIR at a fresh temp directory for the
// duration of the test and returns it.
func SetDataDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv(DataDirEnv, dir)
	return dir
}

// RunIsolatedMain runs a test binary with PRWATCH_DATA_DIR pointing at a
// throwaway directory, then fails the run if anything leaked into the
// real data directory. Use it from TestMain:
//
//	func TestMain(m *testing.M) { os.Exit(testenv.RunIsolatedMain(m)) }
func RunIsolatedMain(m *testing.M) int {
	barrier := NewProdLogBarrier(DefaultProdDataDir())

	tmpDir, err := os.MkdirTemp("", "prwatch-test-")
	if err != nil {
		fmt.Fprintf(os.Stderr, "testenv: create temp data dir: %v\n", err)
		return 1
	}
	defer os.RemoveAll(tmpDir)

	orig, hadOrig := os.LookupEnv(DataDirEnv)
	os.Setenv(DataDirEnv, tmpDir)
	defer func() {
		if hadOrig {
			os.Setenv(DataDirEnv, orig)
		} else {
			os.Unsetenv(DataDirEnv)
		}
	}()

	code := m.Run()
	if msg := barrier.Check(); msg != "" {
		fmt.Fprintln(os.Stderr, msg)
		if code == 0 {
			code = 1
		}
	}
	return code
}
