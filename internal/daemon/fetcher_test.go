package daemon

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/roborev-dev/prwatch/internal/review"
)

var baseTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func at(minutes int) *time.Time {
	t := baseTime.Add(time.Duration(minutes) * time.Minute)
	return &t
}

func commentsKey(owner, repo string, number int) string {
	return fmt.Sprintf("%s/%s#%d", owner, repo, number)
}

// fakeFetcher serves canned data and records concurrency.
type fakeFetcher struct {
	prs            map[string][]review.PullRequest
	runs           map[string][]review.CheckRun
	reviewComments map[string][]review.Comment
	issueComments  map[string][]review.Comment
	reviews        map[string][]review.Comment

	listErr map[string]error
	runsErr map[string]error

	// delay is applied to every call so that fan-out overlaps.
	delay time.Duration
	// block, when set, stalls ListCheckRuns until closed or ctx is done.
	block chan struct{}

	listActive, listMax atomic.Int64
	prActive, prMax     atomic.Int64
	calls               atomic.Int64

	mu    sync.Mutex
	order []string
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{
		prs:            make(map[string][]review.PullRequest),
		runs:           make(map[string][]review.CheckRun),
		reviewComments: make(map[string][]review.Comment),
		issueComments:  make(map[string][]review.Comment),
		reviews:        make(map[string][]review.Comment),
		listErr:        make(map[string]error),
		runsErr:        make(map[string]error),
	}
}

func trackMax(active, maxSeen *atomic.Int64) func() {
	n := active.Add(1)
	for {
		cur := maxSeen.Load()
		if n <= cur || maxSeen.CompareAndSwap(cur, n) {
			break
		}
	}
	return func() { active.Add(-1) }
}

func (f *fakeFetcher) wait(ctx context.Context) error {
	if f.delay == 0 {
		return ctx.Err()
	}
	select {
	case <-time.After(f.delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *fakeFetcher) ListOpenPullRequests(ctx context.Context, repo review.RepositoryTarget) ([]review.PullRequest, error) {
	f.calls.Add(1)
	defer trackMax(&f.listActive, &f.listMax)()
	f.mu.Lock()
	f.order = append(f.order, repo.FullName())
	f.mu.Unlock()
	if err := f.wait(ctx); err != nil {
		return nil, err
	}
	if err := f.listErr[repo.FullName()]; err != nil {
		return nil, err
	}
	return f.prs[repo.FullName()], nil
}

func (f *fakeFetcher) ListCheckRuns(ctx context.Context, owner, repo, sha string) ([]review.CheckRun, error) {
	f.calls.Add(1)
	defer trackMax(&f.prActive, &f.prMax)()
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err := f.wait(ctx); err != nil {
		return nil, err
	}
	if err := f.runsErr[sha]; err != nil {
		return nil, err
	}
	return f.runs[sha], nil
}

func (f *fakeFetcher) ListReviewComments(ctx context.Context, owner, repo string, number int) ([]review.Comment, error) {
	f.calls.Add(1)
	return f.reviewComments[commentsKey(owner, repo, number)], ctx.Err()
}

func (f *fakeFetcher) ListIssueComments(ctx context.Context, owner, repo string, number int) ([]review.Comment, error) {
	f.calls.Add(1)
	return f.issueComments[commentsKey(owner, repo, number)], ctx.Err()
}

func (f *fakeFetcher) ListReviews(ctx context.Context, owner, repo string, number int) ([]review.Comment, error) {
	f.calls.Add(1)
	return f.reviews[commentsKey(owner, repo, number)], ctx.Err()
}

var (
	widgets      = review.RepositoryTarget{Owner: "acme", Name: "widgets", Enabled: true}
	reviewer     = review.AgentIdentity{DisplayName: "Reviewer", CheckNamePattern: "reviewer", CommentAuthorLogin: "reviewer-bot"}
	fixBugPR     = review.PullRequest{Number: 42, Title: "Fix bug", Author: "alice", UpdatedAt: baseTime, URL: "https://github.com/acme/widgets/pull/42", HeadSHA: "sha42"}
	reviewerDone = review.CheckRun{Name: "reviewer-ci", Status: review.CheckCompleted, Conclusion: "success", StartedAt: at(-10), CompletedAt: at(-5)}
)

// widgetsFetcher returns the acme/widgets#42 fixture: one completed
// reviewer run and, when withComment is set, one bot comment after it.
func widgetsFetcher(withComment bool) *fakeFetcher {
	f := newFakeFetcher()
	f.prs["acme/widgets"] = []review.PullRequest{fixBugPR}
	f.runs["sha42"] = []review.CheckRun{reviewerDone}
	if withComment {
		f.issueComments[commentsKey("acme", "widgets", 42)] = []review.Comment{
			{AuthorLogin: "reviewer-bot[bot]", CreatedAt: *at(0)},
		}
	}
	return f
}
