package review

import (
	"sort"
	"strings"
)

// PRActivity is the raw check-run and comment data of one PR.
type PRActivity struct {
	Runs     []CheckRun
	Comments []Comment
}

type cluster struct {
	key          string
	displayName  string
	pattern      string
	authorCounts map[string]int
}

// clusterKey is the normalized app slug, or the normalized run name for
// runs without an app.
func clusterKey(run CheckRun) (key string, fromApp bool) {
	if slug := Normalize(run.AppSlug); slug != "" {
		return slug, true
	}
	return Normalize(run.Name), false
}

// DiscoverAgents infers agent identities from PR activity. Check-runs are
// clustered by app (or run name); each cluster's comment author is the
// login whose normalized form equals or is contained in the cluster key
// most often on PRs where the cluster ran. The result is sorted by display
// name, case-insensitively.
func DiscoverAgents(prs []PRActivity) []AgentIdentity {
	clusters := make(map[string]*cluster)
	var order []string

	for _, pr := range prs {
		onPR := make(map[string]bool)
		for _, run := range pr.Runs {
			key, fromApp := clusterKey(run)
			if key == "" {
				continue
			}
			c, ok := clusters[key]
			if !ok {
				c = newCluster(key, run, fromApp)
				clusters[key] = c
				order = append(order, key)
			}
			onPR[key] = true
		}

		for key := range onPR {
			c := clusters[key]
			for _, cm := range pr.Comments {
				author := Normalize(cm.AuthorLogin)
				if author == "" {
					continue
				}
				if author == key || strings.Contains(key, author) {
					c.authorCounts[cm.AuthorLogin]++
				}
			}
		}
	}

	out := make([]AgentIdentity, 0, len(order))
	for _, key := range order {
		c := clusters[key]
		out = append(out, AgentIdentity{
			ID:                 c.key,
			DisplayName:        c.displayName,
			CheckNamePattern:   c.pattern,
			CommentAuthorLogin: topAuthor(c.authorCounts),
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		return strings.ToLower(out[i].DisplayName) < strings.ToLower(out[j].DisplayName)
	})
	return out
}

func newCluster(key string, run CheckRun, fromApp bool) *cluster {
	c := &cluster{key: key, authorCounts: make(map[string]int)}
	if !fromApp {
		c.displayName = run.Name
		c.pattern = run.Name
		return c
	}
	c.pattern = run.AppSlug
	switch {
	case run.AppName != "":
		c.displayName = run.AppName
	default:
		c.displayName = run.AppSlug
	}
	return c
}

// topAuthor returns the login with the highest count, preferring the
// lexically smaller login on ties. Empty when counts is empty.
func topAuthor(counts map[string]int) string {
	best, bestN := "", 0
	for login, n := range counts {
		if n > bestN || (n == bestN && login < best) {
			best, bestN = login, n
		}
	}
	return best
}

// IsKnownAgent reports whether candidate duplicates one of the configured
// agents by key, normalized display name, check pattern or comment author.
func IsKnownAgent(configured []AgentIdentity, candidate AgentIdentity) bool {
	key := candidate.Key()
	name := Normalize(candidate.DisplayName)
	pattern := Normalize(candidate.CheckNamePattern)
	author := Normalize(candidate.CommentAuthorLogin)
	for _, a := range configured {
		if key != "" && a.Key() == key {
			return true
		}
		if name != "" && Normalize(a.DisplayName) == name {
			return true
		}
		if pattern != "" && Normalize(a.CheckNamePattern) == pattern {
			return true
		}
		if author != "" && Normalize(a.CommentAuthorLogin) == author {
			return true
		}
	}
	return false
}

// MergeDiscovered appends the discovered agents that are not already
// configured. It returns the merged list and the agents that were added.
func MergeDiscovered(configured, discovered []AgentIdentity) (merged, added []AgentIdentity) {
	merged = append(merged, configured...)
	for _, d := range discovered {
		if IsKnownAgent(merged, d) {
			continue
		}
		merged = append(merged, d)
		added = append(added, d)
	}
	return merged, added
}
