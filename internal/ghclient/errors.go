package ghclient

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/google/go-github/v68/github"
)

// ErrMissingCredential means no GitHub token could be resolved. Polling
// cannot proceed until one is supplied.
var ErrMissingCredential = errors.New("no GitHub token configured (set github.token, GH_TOKEN or GITHUB_TOKEN)")

// ErrInvalidResponse marks an upstream payload that could not be decoded.
var ErrInvalidResponse = errors.New("invalid response from GitHub")

// RateLimitError reports that GitHub refused the request because a rate
// limit is exhausted. ResetAt is nil when GitHub gave no hint.
type RateLimitError struct {
	ResetAt *time.Time
	Message string
}

func (e *RateLimitError) Error() string {
	if e.ResetAt != nil {
		return fmt.Sprintf("GitHub rate limit exceeded (resets %s)", e.ResetAt.Format(time.RFC3339))
	}
	if e.Message != "" {
		return "GitHub rate limit exceeded: " + e.Message
	}
	return "GitHub rate limit exceeded"
}

// HTTPError is a non-success response that is not a rate limit.
type HTTPError struct {
	StatusCode int
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("GitHub API %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("GitHub API %d", e.StatusCode)
}

// IsRateLimited reports whether err carries a rate-limit condition and
// returns its reset time, if known.
func IsRateLimited(err error) (*time.Time, bool) {
	var rl *RateLimitError
	if errors.As(err, &rl) {
		return rl.ResetAt, true
	}
	return nil, false
}

// IsMissingCredential reports whether err stems from a missing token.
func IsMissingCredential(err error) bool {
	return errors.Is(err, ErrMissingCredential)
}

// StatusCode returns the HTTP status carried by err, or 0.
func StatusCode(err error) int {
	var he *HTTPError
	if errors.As(err, &he) {
		return he.StatusCode
	}
	return 0
}

// classify maps go-github and decoding errors onto the package taxonomy.
// Unrecognized errors (transport failures, context cancellation) pass
// through unchanged.
func classify(err error, now time.Time) error {
	if err == nil {
		return nil
	}

	var rle *github.RateLimitError
	if errors.As(err, &rle) {
		out := &RateLimitError{Message: rle.Message}
		if !rle.Rate.Reset.Time.IsZero() {
			reset := rle.Rate.Reset.Time
			out.ResetAt = &reset
		}
		return out
	}

	var abuse *github.AbuseRateLimitError
	if errors.As(err, &abuse) {
		out := &RateLimitError{Message: abuse.Message}
		if abuse.RetryAfter != nil {
			reset := now.Add(*abuse.RetryAfter)
			out.ResetAt = &reset
		}
		return out
	}

	var er *github.ErrorResponse
	if errors.As(err, &er) && er.Response != nil {
		if rl := rateLimitFromResponse(er.Response, now); rl != nil {
			rl.Message = er.Message
			return rl
		}
		return &HTTPError{StatusCode: er.Response.StatusCode, Message: er.Message}
	}

	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) || errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}

	return err
}

// rateLimitFromResponse recognizes secondary rate limits that go-github
// leaves as plain error responses: 429, or 403 with an exhausted quota
// or a Retry-After header.
func rateLimitFromResponse(resp *http.Response, now time.Time) *RateLimitError {
	switch resp.StatusCode {
	case http.StatusTooManyRequests, http.StatusForbidden:
	default:
		return nil
	}

	retryAfter := resp.Header.Get("Retry-After")
	remaining := resp.Header.Get("X-RateLimit-Remaining")
	if resp.StatusCode == http.StatusForbidden && retryAfter == "" && remaining != "0" {
		return nil
	}

	out := &RateLimitError{}
	if secs, err := strconv.Atoi(retryAfter); err == nil && secs >= 0 {
		reset := now.Add(time.Duration(secs) * time.Second)
		out.ResetAt = &reset
	} else if epoch, err := strconv.ParseInt(resp.Header.Get("X-RateLimit-Reset"), 10, 64); err == nil && epoch > 0 {
		reset := time.Unix(epoch, 0)
		out.ResetAt = &reset
	}
	return out
}
