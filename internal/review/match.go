package review

import (
	"strings"
	"time"
)

// Key returns the agent's stable identifier: its ID, or the normalized
// display name when no ID was configured.
func (a AgentIdentity) Key() string {
	if id := strings.TrimSpace(a.ID); id != "" {
		return id
	}
	return Normalize(a.DisplayName)
}

// Label returns the display name, falling back to the key.
func (a AgentIdentity) Label() string {
	if a.DisplayName != "" {
		return a.DisplayName
	}
	return a.Key()
}

// commentAuthorKey is the normalized login whose comments count for this
// agent. Without a configured login the display name stands in.
func (a AgentIdentity) commentAuthorKey() string {
	if login := Normalize(a.CommentAuthorLogin); login != "" {
		return login
	}
	return Normalize(a.DisplayName)
}

// RunMatchesAgent reports whether a check-run belongs to the agent. The
// check-name pattern is tried against the run name, app slug and app name;
// failing that, a run whose app slug starts with the agent's comment login
// is accepted.
func RunMatchesAgent(a AgentIdentity, run CheckRun) bool {
	if pattern := strings.TrimSpace(a.CheckNamePattern); pattern != "" {
		if containsFold(run.Name, pattern) || containsFold(run.AppSlug, pattern) || containsFold(run.AppName, pattern) {
			return true
		}
	}
	login := Normalize(a.CommentAuthorLogin)
	slug := Normalize(run.AppSlug)
	return login != "" && slug != "" && strings.HasPrefix(slug, login)
}

// RepresentativeRun picks the most recent run matching the agent. On equal
// times the earlier entry in runs wins.
func RepresentativeRun(a AgentIdentity, runs []CheckRun) (CheckRun, bool) {
	var best CheckRun
	found := false
	for _, run := range runs {
		if !RunMatchesAgent(a, run) {
			continue
		}
		if !found || run.latestTime().After(best.latestTime()) {
			best = run
			found = true
		}
	}
	return best, found
}

// CountComments counts comments by the agent's author at or after since.
// A zero since counts every comment.
func CountComments(a AgentIdentity, comments []Comment, since time.Time) int {
	author := a.commentAuthorKey()
	if author == "" {
		return 0
	}
	n := 0
	for _, c := range comments {
		if Normalize(c.AuthorLogin) != author {
			continue
		}
		if !since.IsZero() && c.CreatedAt.Before(since) {
			continue
		}
		n++
	}
	return n
}

// MatchAgent derives one configured agent's run on a PR.
func MatchAgent(a AgentIdentity, runs []CheckRun, comments []Comment) AgentRun {
	ar := AgentRun{AgentID: a.Key(), DisplayName: a.Label()}
	run, ok := RepresentativeRun(a, runs)
	if !ok {
		ar.CommentCount = CountComments(a, comments, time.Time{})
		ar.Status = DeriveStatus(nil, ar.CommentCount)
		return ar
	}
	ar.CommentCount = CountComments(a, comments, run.ReferenceTime())
	ar.Status = DeriveStatus(&run, ar.CommentCount)
	ar.Conclusion = run.Conclusion
	return ar
}

// MatchAgents derives a run for every configured agent, in configuration
// order. With no agents configured, agents are inferred from the runs.
func MatchAgents(agents []AgentIdentity, runs []CheckRun, comments []Comment) []AgentRun {
	if len(agents) == 0 {
		return InferAgents(runs, comments)
	}
	out := make([]AgentRun, 0, len(agents))
	for _, a := range agents {
		out = append(out, MatchAgent(a, runs, comments))
	}
	return out
}

// inferKey groups runs by app and run name.
func inferKey(run CheckRun) string {
	app := run.AppSlug
	if app == "" {
		app = run.AppName
	}
	return strings.ToLower(app) + "/" + strings.ToLower(run.Name)
}

// InferAgents treats every distinct (app, run name) pair as an agent,
// keeping the first run seen per pair. Comments are attributed when the
// author's normalized login is a prefix of the run's app slug, whenever
// they were posted. Comments that match no run produce no entry.
func InferAgents(runs []CheckRun, comments []Comment) []AgentRun {
	seen := make(map[string]bool, len(runs))
	var out []AgentRun
	for _, run := range runs {
		key := inferKey(run)
		if seen[key] {
			continue
		}
		seen[key] = true

		count := countInferredComments(run, comments)
		out = append(out, AgentRun{
			AgentID:      key,
			DisplayName:  run.Name,
			Status:       DeriveStatus(&run, count),
			CommentCount: count,
			Conclusion:   run.Conclusion,
		})
	}
	return out
}

func countInferredComments(run CheckRun, comments []Comment) int {
	slug := Normalize(run.AppSlug)
	if slug == "" {
		return 0
	}
	n := 0
	for _, c := range comments {
		if author := Normalize(c.AuthorLogin); author != "" && strings.HasPrefix(slug, author) {
			n++
		}
	}
	return n
}

// BuildItem assembles the display item for one PR.
func BuildItem(repoFullName string, pr PullRequest, agents []AgentIdentity, runs []CheckRun, comments []Comment) PullRequestItem {
	return PullRequestItem{
		Number:       pr.Number,
		Title:        pr.Title,
		Author:       pr.Author,
		UpdatedAt:    pr.UpdatedAt,
		URL:          pr.URL,
		RepoFullName: repoFullName,
		Agents:       MatchAgents(agents, runs, comments),
	}
}
