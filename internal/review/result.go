// Package review holds the daemon-free core of prwatch: the data model for
// pull requests, check-runs and bot comments, the heuristics that bind them
// to configured agents, and the status rules derived from them.
//
// Everything here is a pure function of its inputs. Fetching lives in
// internal/ghclient and orchestration in internal/daemon.
package review

import (
	"sort"
	"strings"
	"time"
)

// RepositoryTarget is a repository selected for polling.
type RepositoryTarget struct {
	Owner   string `toml:"owner" json:"owner" yaml:"owner"`
	Name    string `toml:"name" json:"name" yaml:"name"`
	Enabled bool   `toml:"enabled" json:"enabled" yaml:"enabled"`
}

// FullName returns "owner/name".
func (r RepositoryTarget) FullName() string {
	return r.Owner + "/" + r.Name
}

// ParseRepositoryTarget parses "owner/name" into an enabled target.
func ParseRepositoryTarget(s string) (RepositoryTarget, bool) {
	owner, name, ok := strings.Cut(strings.TrimSpace(s), "/")
	if !ok || owner == "" || name == "" || strings.Contains(name, "/") {
		return RepositoryTarget{}, false
	}
	return RepositoryTarget{Owner: owner, Name: name, Enabled: true}, true
}

// AgentIdentity is a named review or CI bot.
type AgentIdentity struct {
	ID                 string `toml:"id" json:"id" yaml:"id"`
	DisplayName        string `toml:"display_name" json:"display_name" yaml:"display_name"`
	CheckNamePattern   string `toml:"check_name_pattern" json:"check_name_pattern" yaml:"check_name_pattern"`
	CommentAuthorLogin string `toml:"comment_author_login" json:"comment_author_login" yaml:"comment_author_login"`
}

// Check-run lifecycle values as reported by GitHub.
const (
	CheckQueued     = "queued"
	CheckInProgress = "in_progress"
	CheckCompleted  = "completed"
)

// CheckRun is a single CI/automation result attached to a commit.
type CheckRun struct {
	Name        string     `json:"name"`
	Status      string     `json:"status"`
	Conclusion  string     `json:"conclusion,omitempty"`
	AppSlug     string     `json:"app_slug,omitempty"`
	AppName     string     `json:"app_name,omitempty"`
	CreatedAt   *time.Time `json:"created_at,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Completed reports whether the run has finished.
func (c CheckRun) Completed() bool {
	return c.Status == CheckCompleted
}

// ReferenceTime is the time from which comments are attributed to this
// run: started, else created, else completed. Zero when none is known.
func (c CheckRun) ReferenceTime() time.Time {
	for _, t := range []*time.Time{c.StartedAt, c.CreatedAt, c.CompletedAt} {
		if t != nil {
			return *t
		}
	}
	return time.Time{}
}

// latestTime is the most recent of the run's timestamps.
func (c CheckRun) latestTime() time.Time {
	var latest time.Time
	for _, t := range []*time.Time{c.StartedAt, c.CreatedAt, c.CompletedAt} {
		if t != nil && t.After(latest) {
			latest = *t
		}
	}
	return latest
}

// Comment is one entry of the unified comment stream of a PR: review
// comments, issue comments and submitted reviews with a body.
type Comment struct {
	AuthorLogin string    `json:"author_login"`
	CreatedAt   time.Time `json:"created_at"`
}

// SortComments orders comments by time, oldest first.
func SortComments(comments []Comment) {
	sort.SliceStable(comments, func(i, j int) bool {
		return comments[i].CreatedAt.Before(comments[j].CreatedAt)
	})
}

// PullRequest is an open pull request as returned by the fetch boundary.
type PullRequest struct {
	Number    int       `json:"number"`
	Title     string    `json:"title"`
	Author    string    `json:"author"`
	UpdatedAt time.Time `json:"updated_at"`
	URL       string    `json:"url"`
	HeadSHA   string    `json:"head_sha"`
}

// RunStatus is the derived state of one agent on one PR.
type RunStatus string

const (
	StatusRunning           RunStatus = "running"
	StatusWaitingForComment RunStatus = "waiting_for_comment"
	StatusDone              RunStatus = "done"
	StatusNotFound          RunStatus = "not_found"
)

// Label returns a short human label.
func (s RunStatus) Label() string {
	switch s {
	case StatusRunning:
		return "Running"
	case StatusWaitingForComment:
		return "Waiting for comment"
	case StatusDone:
		return "Done"
	case StatusNotFound:
		return "Not found"
	default:
		return string(s)
	}
}

// AgentRun is the per-cycle status of one agent on one PR.
type AgentRun struct {
	AgentID      string    `json:"agent_id"`
	DisplayName  string    `json:"display_name"`
	Status       RunStatus `json:"status"`
	CommentCount int       `json:"comment_count"`
	Conclusion   string    `json:"conclusion,omitempty"`
}

// PullRequestItem is a PR with its agents' statuses.
type PullRequestItem struct {
	Number       int        `json:"number"`
	Title        string     `json:"title"`
	Author       string     `json:"author"`
	UpdatedAt    time.Time  `json:"updated_at"`
	URL          string     `json:"url"`
	RepoFullName string     `json:"repo"`
	Agents       []AgentRun `json:"agents"`
}

// Status returns the most urgent status among the PR's agents.
func (p PullRequestItem) Status() RunStatus {
	return AggregateStatus(p.Agents)
}

// RepositorySection groups the open PRs of one repository.
type RepositorySection struct {
	FullName string            `json:"full_name"`
	PRs      []PullRequestItem `json:"prs"`
}

// CycleResult is the output of one polling cycle.
type CycleResult struct {
	Sections []RepositorySection `json:"sections"`
}

// HasOpenPRs reports whether any section contains a PR.
func (r CycleResult) HasOpenPRs() bool {
	for _, s := range r.Sections {
		if len(s.PRs) > 0 {
			return true
		}
	}
	return false
}

// PRCount returns the total number of PRs across sections.
func (r CycleResult) PRCount() int {
	n := 0
	for _, s := range r.Sections {
		n += len(s.PRs)
	}
	return n
}

// SortSections orders sections by name case-insensitively and the PRs of
// each section by recency, newest first.
func SortSections(sections []RepositorySection) {
	for i := range sections {
		prs := sections[i].PRs
		sort.SliceStable(prs, func(a, b int) bool {
			if !prs[a].UpdatedAt.Equal(prs[b].UpdatedAt) {
				return prs[a].UpdatedAt.After(prs[b].UpdatedAt)
			}
			return prs[a].Number > prs[b].Number
		})
	}
	sort.SliceStable(sections, func(a, b int) bool {
		la, lb := strings.ToLower(sections[a].FullName), strings.ToLower(sections[b].FullName)
		if la != lb {
			return la < lb
		}
		return sections[a].FullName < sections[b].FullName
	})
}
