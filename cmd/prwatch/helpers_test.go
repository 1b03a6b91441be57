package main

import (
	"bytes"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/roborev-dev/prwatch/internal/testenv"
)

// runCLI executes the root command with args and returns its stdout.
func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

// isolateCLI gives the test its own data dir and config file, hides any
// ambient GitHub token and forces plain output.
func isolateCLI(t *testing.T) string {
	t.Helper()
	dir := testenv.SetDataDir(t)
	t.Setenv("GH_TOKEN", "")
	t.Setenv("GITHUB_TOKEN", "")

	origTerminal := isTerminal
	isTerminal = func(uintptr) bool { return false }
	t.Cleanup(func() { isTerminal = origTerminal })

	return filepath.Join(dir, "config.toml")
}

type configOpts struct {
	apiURL   string
	noToken  bool
	noAgents bool
	extra    string
}

func writeCLIConfig(t *testing.T, path string, opts configOpts) {
	t.Helper()
	var b strings.Builder
	b.WriteString("requests_per_second = 0\n")
	b.WriteString(opts.extra)
	b.WriteString("\n[github]\n")
	if !opts.noToken {
		b.WriteString("token = \"ghp_testtoken1234\"\n")
	}
	if opts.apiURL != "" {
		fmt.Fprintf(&b, "api_url = %q\n", opts.apiURL)
	}
	b.WriteString(`
[[repos]]
owner = "acme"
name = "widgets"
enabled = true
`)
	if !opts.noAgents {
		b.WriteString(`
[[agents]]
id = "reviewer"
display_name = "Reviewer"
check_name_pattern = "reviewer"
comment_author_login = "reviewer[bot]"
`)
	}
	require.NoError(t, os.WriteFile(path, []byte(b.String()), 0o644))
}

// fakeGitHub serves acme/widgets with PR #42, a completed Reviewer check
// run and one comment from the reviewer bot.
func fakeGitHub(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/acme/widgets/pulls", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `[{"number":42,"title":"Fix bug","user":{"login":"alice"},"updated_at":"2026-03-01T12:00:00Z","html_url":"https://github.com/acme/widgets/pull/42","head":{"sha":"sha42"}}]`)
	})
	mux.HandleFunc("/repos/acme/widgets/commits/sha42/check-runs", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"total_count":1,"check_runs":[
			{"name":"reviewer-ci","status":"completed","conclusion":"success","started_at":"2026-03-01T10:00:00Z","completed_at":"2026-03-01T10:05:00Z","app":{"slug":"reviewer","name":"Reviewer"}}
		]}`)
	})
	mux.HandleFunc("/repos/acme/widgets/pulls/42/comments", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `[{"user":{"login":"reviewer[bot]"},"created_at":"2026-03-01T11:00:00Z"}]`)
	})
	mux.HandleFunc("/repos/acme/widgets/issues/42/comments", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `[]`)
	})
	mux.HandleFunc("/repos/acme/widgets/pulls/42/reviews", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `[]`)
	})
	mux.HandleFunc("/user", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"login":"octocat"}`)
	})
	mux.HandleFunc("/user/repos", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `[
			{"name":"widgets","full_name":"acme/widgets","owner":{"login":"acme"},"private":true,"pushed_at":"2026-03-01T12:00:00Z"},
			{"name":"gadgets","full_name":"acme/gadgets","owner":{"login":"acme"},"archived":true,"pushed_at":"2026-02-01T12:00:00Z"}
		]`)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

// lockedWriter collects output written from another goroutine.
type lockedWriter struct {
	mu sync.Mutex
	b  strings.Builder
}

func (w *lockedWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.b.Write(p)
}

func (w *lockedWriter) String() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.b.String()
}
