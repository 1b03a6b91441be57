package review

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestDiscoverAgents(t *testing.T) {
	prs := []PRActivity{
		{
			Runs: []CheckRun{
				{Name: "CodeRabbit", AppSlug: "coderabbitai", AppName: "CodeRabbit"},
				{Name: "build", AppSlug: "github-actions", AppName: "GitHub Actions"},
				{Name: "test", AppSlug: "github-actions", AppName: "GitHub Actions"},
			},
			Comments: []Comment{
				{AuthorLogin: "coderabbitai[bot]", CreatedAt: baseTime},
				{AuthorLogin: "coderabbitai[bot]", CreatedAt: baseTime},
				{AuthorLogin: "rabbit", CreatedAt: baseTime},
				{AuthorLogin: "alice", CreatedAt: baseTime},
			},
		},
		{
			Runs: []CheckRun{{Name: "Danger JS"}},
			Comments: []Comment{
				{AuthorLogin: "danger", CreatedAt: baseTime},
				{AuthorLogin: "coderabbitai[bot]", CreatedAt: baseTime},
			},
		},
	}

	got := DiscoverAgents(prs)
	want := []AgentIdentity{
		{ID: "coderabbitai", DisplayName: "CodeRabbit", CheckNamePattern: "coderabbitai", CommentAuthorLogin: "coderabbitai[bot]"},
		{ID: "dangerjs", DisplayName: "Danger JS", CheckNamePattern: "Danger JS", CommentAuthorLogin: "danger"},
		{ID: "githubactions", DisplayName: "GitHub Actions", CheckNamePattern: "github-actions"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("DiscoverAgents mismatch (-want +got):\n%s", diff)
	}
}

func TestDiscoverAgentsCountsOnlyCoOccurringComments(t *testing.T) {
	prs := []PRActivity{
		{Runs: []CheckRun{{Name: "review", AppSlug: "sourcery-ai"}}},
		{Comments: []Comment{{AuthorLogin: "sourcery-ai[bot]", CreatedAt: baseTime}}},
	}
	got := DiscoverAgents(prs)
	if len(got) != 1 || got[0].CommentAuthorLogin != "" {
		t.Errorf("got %+v, want one agent without comment author", got)
	}
}

func TestTopAuthorTieBreak(t *testing.T) {
	if got := topAuthor(map[string]int{"b-bot": 2, "a-bot": 2, "c-bot": 1}); got != "a-bot" {
		t.Errorf("topAuthor = %q, want a-bot", got)
	}
	if got := topAuthor(nil); got != "" {
		t.Errorf("topAuthor(nil) = %q, want empty", got)
	}
}

func TestMergeDiscovered(t *testing.T) {
	configured := []AgentIdentity{
		{DisplayName: "Code Rabbit", CheckNamePattern: "rabbit", CommentAuthorLogin: "coderabbitai"},
	}
	discovered := []AgentIdentity{
		{ID: "coderabbitai", DisplayName: "CodeRabbit", CheckNamePattern: "coderabbitai", CommentAuthorLogin: "coderabbitai[bot]"},
		{ID: "copilot", DisplayName: "Copilot", CheckNamePattern: "copilot"},
		{ID: "lint", DisplayName: "Lint", CheckNamePattern: "RABBIT"},
	}

	merged, added := MergeDiscovered(configured, discovered)
	if diff := cmp.Diff([]AgentIdentity{discovered[1]}, added); diff != "" {
		t.Errorf("added mismatch (-want +got):\n%s", diff)
	}
	if len(merged) != 2 || merged[0] != configured[0] {
		t.Errorf("merged = %+v", merged)
	}
}

func TestMergeDiscoveredSkipsTakenID(t *testing.T) {
	configured := []AgentIdentity{
		{ID: "coderabbitai", DisplayName: "Rabbit", CheckNamePattern: "rabbit-review", CommentAuthorLogin: "rabbit"},
	}
	discovered := []AgentIdentity{
		{ID: "coderabbitai", DisplayName: "CodeRabbit", CheckNamePattern: "coderabbitai", CommentAuthorLogin: "coderabbitai[bot]"},
	}

	merged, added := MergeDiscovered(configured, discovered)
	if len(added) != 0 {
		t.Errorf("added = %+v, want none", added)
	}
	if diff := cmp.Diff(configured, merged); diff != "" {
		t.Errorf("merged mismatch (-want +got):\n%s", diff)
	}
}
