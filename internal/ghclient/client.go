// Package ghclient is prwatch's boundary to the GitHub REST API. It hides
// pagination and maps GitHub failures onto a small error taxonomy:
// missing credential, rate limited, HTTP error and invalid response.
package ghclient

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/go-github/v68/github"
	"golang.org/x/time/rate"

	"github.com/roborev-dev/prwatch/internal/review"
	"github.com/roborev-dev/prwatch/internal/version"
)

const (
	defaultPerPage = 100
	defaultTimeout = 30 * time.Second
)

// Options configures a Client.
type Options struct {
	Token string
	// BaseURL overrides https://api.github.com/ (tests, GitHub Enterprise).
	BaseURL string
	// RequestsPerSecond paces outbound requests. Zero disables pacing.
	RequestsPerSecond float64
	// HTTPClient replaces the default client. Its transport is wrapped
	// for pacing.
	HTTPClient *http.Client
}

// Client fetches pull requests, check-runs and comments from GitHub.
type Client struct {
	gh      *github.Client
	perPage int
	now     func() time.Time
}

// RepoSummary is a repository visible to the authenticated user.
type RepoSummary struct {
	Owner    string    `json:"owner"`
	Name     string    `json:"name"`
	FullName string    `json:"full_name"`
	Private  bool      `json:"private"`
	Archived bool      `json:"archived"`
	PushedAt time.Time `json:"pushed_at"`
}

// New builds a client. It fails with ErrMissingCredential when no token
// is given.
func New(opts Options) (*Client, error) {
	if strings.TrimSpace(opts.Token) == "" {
		return nil, ErrMissingCredential
	}

	httpClient := &http.Client{Timeout: defaultTimeout}
	if opts.HTTPClient != nil {
		c := *opts.HTTPClient
		httpClient = &c
	}
	base := httpClient.Transport
	if base == nil {
		base = http.DefaultTransport
	}
	if opts.RequestsPerSecond > 0 {
		burst := int(opts.RequestsPerSecond)
		if burst < 1 {
			burst = 1
		}
		base = &pacedTransport{
			base:    base,
			limiter: rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), burst),
		}
	}
	httpClient.Transport = base

	gh := github.NewClient(httpClient).WithAuthToken(opts.Token)
	gh.UserAgent = "prwatch/" + version.Version
	if opts.BaseURL != "" {
		u, err := url.Parse(strings.TrimSuffix(opts.BaseURL, "/") + "/")
		if err != nil {
			return nil, fmt.Errorf("parse GitHub base URL %q: %w", opts.BaseURL, err)
		}
		gh.BaseURL = u
	}

	return &Client{gh: gh, perPage: defaultPerPage, now: time.Now}, nil
}

// pacedTransport waits on a token bucket before each request.
type pacedTransport struct {
	base    http.RoundTripper
	limiter *rate.Limiter
}

func (t *pacedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if err := t.limiter.Wait(req.Context()); err != nil {
		return nil, err
	}
	return t.base.RoundTrip(req)
}

func (c *Client) wrap(op string, err error) error {
	return fmt.Errorf("%s: %w", op, classify(err, c.now()))
}

// ListOpenPullRequests returns every open PR of repo.
func (c *Client) ListOpenPullRequests(ctx context.Context, repo review.RepositoryTarget) ([]review.PullRequest, error) {
	opts := &github.PullRequestListOptions{
		State:       "open",
		ListOptions: github.ListOptions{PerPage: c.perPage},
	}
	var out []review.PullRequest
	for {
		prs, resp, err := c.gh.PullRequests.List(ctx, repo.Owner, repo.Name, opts)
		if err != nil {
			return nil, c.wrap("list pull requests "+repo.FullName(), err)
		}
		for _, pr := range prs {
			out = append(out, review.PullRequest{
				Number:    pr.GetNumber(),
				Title:     pr.GetTitle(),
				Author:    pr.GetUser().GetLogin(),
				UpdatedAt: pr.GetUpdatedAt().Time,
				URL:       pr.GetHTMLURL(),
				HeadSHA:   pr.GetHead().GetSHA(),
			})
		}
		if resp.NextPage == 0 {
			return out, nil
		}
		opts.Page = resp.NextPage
	}
}

// ListCheckRuns returns the latest check-runs for a commit.
func (c *Client) ListCheckRuns(ctx context.Context, owner, repo, sha string) ([]review.CheckRun, error) {
	opts := &github.ListCheckRunsOptions{
		Filter:      github.Ptr("latest"),
		ListOptions: github.ListOptions{PerPage: c.perPage},
	}
	var out []review.CheckRun
	for {
		res, resp, err := c.gh.Checks.ListCheckRunsForRef(ctx, owner, repo, sha, opts)
		if err != nil {
			return nil, c.wrap(fmt.Sprintf("list check runs %s/%s@%s", owner, repo, shortSHA(sha)), err)
		}
		for _, run := range res.CheckRuns {
			out = append(out, review.CheckRun{
				Name:        run.GetName(),
				Status:      run.GetStatus(),
				Conclusion:  run.GetConclusion(),
				AppSlug:     run.GetApp().GetSlug(),
				AppName:     run.GetApp().GetName(),
				StartedAt:   timePtr(run.StartedAt),
				CompletedAt: timePtr(run.CompletedAt),
			})
		}
		if resp.NextPage == 0 {
			return out, nil
		}
		opts.Page = resp.NextPage
	}
}

// ListReviewComments returns the inline review comments of a PR.
func (c *Client) ListReviewComments(ctx context.Context, owner, repo string, number int) ([]review.Comment, error) {
	opts := &github.PullRequestListCommentsOptions{ListOptions: github.ListOptions{PerPage: c.perPage}}
	var out []review.Comment
	for {
		comments, resp, err := c.gh.PullRequests.ListComments(ctx, owner, repo, number, opts)
		if err != nil {
			return nil, c.wrap(fmt.Sprintf("list review comments %s/%s#%d", owner, repo, number), err)
		}
		for _, cm := range comments {
			out = append(out, review.Comment{
				AuthorLogin: cm.GetUser().GetLogin(),
				CreatedAt:   cm.GetCreatedAt().Time,
			})
		}
		if resp.NextPage == 0 {
			return out, nil
		}
		opts.Page = resp.NextPage
	}
}

// ListIssueComments returns the conversation comments of a PR.
func (c *Client) ListIssueComments(ctx context.Context, owner, repo string, number int) ([]review.Comment, error) {
	opts := &github.IssueListCommentsOptions{ListOptions: github.ListOptions{PerPage: c.perPage}}
	var out []review.Comment
	for {
		comments, resp, err := c.gh.Issues.ListComments(ctx, owner, repo, number, opts)
		if err != nil {
			return nil, c.wrap(fmt.Sprintf("list issue comments %s/%s#%d", owner, repo, number), err)
		}
		for _, cm := range comments {
			out = append(out, review.Comment{
				AuthorLogin: cm.GetUser().GetLogin(),
				CreatedAt:   cm.GetCreatedAt().Time,
			})
		}
		if resp.NextPage == 0 {
			return out, nil
		}
		opts.Page = resp.NextPage
	}
}

// ListReviews returns submitted reviews that have a body. Pending reviews
// and bare approvals are skipped.
func (c *Client) ListReviews(ctx context.Context, owner, repo string, number int) ([]review.Comment, error) {
	opts := &github.ListOptions{PerPage: c.perPage}
	var out []review.Comment
	for {
		reviews, resp, err := c.gh.PullRequests.ListReviews(ctx, owner, repo, number, opts)
		if err != nil {
			return nil, c.wrap(fmt.Sprintf("list reviews %s/%s#%d", owner, repo, number), err)
		}
		for _, r := range reviews {
			if r.SubmittedAt == nil || strings.TrimSpace(r.GetBody()) == "" {
				continue
			}
			out = append(out, review.Comment{
				AuthorLogin: r.GetUser().GetLogin(),
				CreatedAt:   r.SubmittedAt.Time,
			})
		}
		if resp.NextPage == 0 {
			return out, nil
		}
		opts.Page = resp.NextPage
	}
}

// ViewerLogin returns the login of the authenticated user.
func (c *Client) ViewerLogin(ctx context.Context) (string, error) {
	user, _, err := c.gh.Users.Get(ctx, "")
	if err != nil {
		return "", c.wrap("get authenticated user", err)
	}
	return user.GetLogin(), nil
}

// ListViewerRepos returns one page of repositories the authenticated user
// can access, most recently pushed first, and the next page number (0 when
// this was the last page).
func (c *Client) ListViewerRepos(ctx context.Context, page int) ([]RepoSummary, int, error) {
	opts := &github.RepositoryListByAuthenticatedUserOptions{
		Sort:        "pushed",
		ListOptions: github.ListOptions{Page: page, PerPage: c.perPage},
	}
	repos, resp, err := c.gh.Repositories.ListByAuthenticatedUser(ctx, opts)
	if err != nil {
		return nil, 0, c.wrap("list viewer repositories", err)
	}
	out := make([]RepoSummary, 0, len(repos))
	for _, r := range repos {
		out = append(out, RepoSummary{
			Owner:    r.GetOwner().GetLogin(),
			Name:     r.GetName(),
			FullName: r.GetFullName(),
			Private:  r.GetPrivate(),
			Archived: r.GetArchived(),
			PushedAt: r.GetPushedAt().Time,
		})
	}
	return out, resp.NextPage, nil
}

func timePtr(ts *github.Timestamp) *time.Time {
	if ts == nil || ts.Time.IsZero() {
		return nil
	}
	t := ts.Time
	return &t
}

func shortSHA(sha string) string {
	if len(sha) > 8 {
		return sha[:8]
	}
	return sha
}
