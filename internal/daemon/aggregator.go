package daemon

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/roborev-dev/prwatch/internal/gate"
	"github.com/roborev-dev/prwatch/internal/review"
)

// Fetcher is the GitHub data the aggregator needs. Every method returns a
// complete, already paginated list. *ghclient.Client implements it.
type Fetcher interface {
	ListOpenPullRequests(ctx context.Context, repo review.RepositoryTarget) ([]review.PullRequest, error)
	ListCheckRuns(ctx context.Context, owner, repo, sha string) ([]review.CheckRun, error)
	ListReviewComments(ctx context.Context, owner, repo string, number int) ([]review.Comment, error)
	ListIssueComments(ctx context.Context, owner, repo string, number int) ([]review.Comment, error)
	ListReviews(ctx context.Context, owner, repo string, number int) ([]review.Comment, error)
}

// Aggregator fans out fetches across repositories and pull requests under
// two independent gates and assembles a CycleResult.
type Aggregator struct {
	fetcher  Fetcher
	repoGate *gate.Gate
	prGate   *gate.Gate
	log      *zap.SugaredLogger
}

// NewAggregator creates an aggregator admitting at most repoConcurrency
// concurrent repository listings and prConcurrency concurrent PR fetches.
func NewAggregator(fetcher Fetcher, repoConcurrency, prConcurrency int, log *zap.SugaredLogger) *Aggregator {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Aggregator{
		fetcher:  fetcher,
		repoGate: gate.New(repoConcurrency),
		prGate:   gate.New(prConcurrency),
		log:      log,
	}
}

// RepoGate exposes the repository-level gate.
func (a *Aggregator) RepoGate() *gate.Gate { return a.repoGate }

// PRGate exposes the PR-level gate.
func (a *Aggregator) PRGate() *gate.Gate { return a.prGate }

// prData is everything fetched for one pull request.
type prData struct {
	pr       review.PullRequest
	runs     []review.CheckRun
	comments []review.Comment
}

type repoData struct {
	repo review.RepositoryTarget
	prs  []prData
}

// FetchSections fetches every open PR of the enabled repositories and
// matches it against agents. An empty agents list switches to inference.
// Any fetch failure fails the whole call; no partial result is returned.
func (a *Aggregator) FetchSections(ctx context.Context, repos []review.RepositoryTarget, agents []review.AgentIdentity) (review.CycleResult, error) {
	data, err := a.fetchAll(ctx, repos)
	if err != nil {
		return review.CycleResult{}, err
	}

	sections := make([]review.RepositorySection, 0, len(data))
	for _, rd := range data {
		if len(rd.prs) == 0 {
			continue
		}
		section := review.RepositorySection{
			FullName: rd.repo.FullName(),
			PRs:      make([]review.PullRequestItem, 0, len(rd.prs)),
		}
		for _, pd := range rd.prs {
			section.PRs = append(section.PRs, review.BuildItem(section.FullName, pd.pr, agents, pd.runs, pd.comments))
		}
		sections = append(sections, section)
	}
	review.SortSections(sections)
	return review.CycleResult{Sections: sections}, nil
}

// Discover fetches the same data as FetchSections and clusters it into
// candidate agent identities.
func (a *Aggregator) Discover(ctx context.Context, repos []review.RepositoryTarget) ([]review.AgentIdentity, error) {
	data, err := a.fetchAll(ctx, repos)
	if err != nil {
		return nil, err
	}
	var activity []review.PRActivity
	for _, rd := range data {
		for _, pd := range rd.prs {
			activity = append(activity, review.PRActivity{Runs: pd.runs, Comments: pd.comments})
		}
	}
	return review.DiscoverAgents(activity), nil
}

// fetchAll runs the repository tier. Each repository task lists its PRs
// under the repo gate, releases it, then runs its own PR tier bounded by
// the shared PR gate. Cancelling ctx, or the first error, cancels every
// outstanding task.
func (a *Aggregator) fetchAll(ctx context.Context, repos []review.RepositoryTarget) ([]repoData, error) {
	var enabled []review.RepositoryTarget
	for _, r := range repos {
		if r.Enabled {
			enabled = append(enabled, r)
		}
	}

	out := make([]repoData, len(enabled))
	g, gctx := errgroup.WithContext(ctx)
	for i, repo := range enabled {
		g.Go(func() error {
			prs, err := a.listPullRequests(gctx, repo)
			if err != nil {
				return fmt.Errorf("%s: %w", repo.FullName(), err)
			}
			fetched, err := a.fetchPullRequests(gctx, repo, prs)
			if err != nil {
				return err
			}
			out[i] = repoData{repo: repo, prs: fetched}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func (a *Aggregator) listPullRequests(ctx context.Context, repo review.RepositoryTarget) ([]review.PullRequest, error) {
	var prs []review.PullRequest
	err := a.repoGate.Do(ctx, func(ctx context.Context) error {
		var err error
		prs, err = a.fetcher.ListOpenPullRequests(ctx, repo)
		return err
	})
	if err != nil {
		return nil, err
	}
	a.log.Debugw("aggregator: listed pull requests", "repo", repo.FullName(), "count", len(prs))
	return prs, nil
}

func (a *Aggregator) fetchPullRequests(ctx context.Context, repo review.RepositoryTarget, prs []review.PullRequest) ([]prData, error) {
	out := make([]prData, len(prs))
	g, gctx := errgroup.WithContext(ctx)
	for i, pr := range prs {
		g.Go(func() error {
			pd, err := a.fetchPullRequest(gctx, repo, pr)
			if err != nil {
				return fmt.Errorf("%s#%d: %w", repo.FullName(), pr.Number, err)
			}
			out[i] = pd
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// fetchPullRequest holds one PR permit while the check-runs and the three
// comment streams are fetched concurrently.
func (a *Aggregator) fetchPullRequest(ctx context.Context, repo review.RepositoryTarget, pr review.PullRequest) (prData, error) {
	if err := a.prGate.Acquire(ctx); err != nil {
		return prData{}, err
	}
	defer a.prGate.Release()

	var (
		runs                              []review.CheckRun
		reviewComments, issueComments, rv []review.Comment
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if pr.HeadSHA == "" {
			return nil
		}
		var err error
		runs, err = a.fetcher.ListCheckRuns(gctx, repo.Owner, repo.Name, pr.HeadSHA)
		return err
	})
	g.Go(func() error {
		var err error
		reviewComments, err = a.fetcher.ListReviewComments(gctx, repo.Owner, repo.Name, pr.Number)
		return err
	})
	g.Go(func() error {
		var err error
		issueComments, err = a.fetcher.ListIssueComments(gctx, repo.Owner, repo.Name, pr.Number)
		return err
	})
	g.Go(func() error {
		var err error
		rv, err = a.fetcher.ListReviews(gctx, repo.Owner, repo.Name, pr.Number)
		return err
	})
	if err := g.Wait(); err != nil {
		return prData{}, err
	}

	comments := make([]review.Comment, 0, len(reviewComments)+len(issueComments)+len(rv))
	comments = append(comments, reviewComments...)
	comments = append(comments, issueComments...)
	comments = append(comments, rv...)
	review.SortComments(comments)

	return prData{pr: pr, runs: runs, comments: comments}, nil
}
