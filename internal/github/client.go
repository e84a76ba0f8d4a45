// Package github aggregates pull request state from the GitHub API into
// the renderer's State shape.
package github

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	gh "github.com/google/go-github/v84/github"
	"github.com/rs/zerolog"
	"golang.org/x/oauth2"

	"github.com/reviewrelay/internal/format"
)

// AggregationError reports a failure fetching upstream state. It aborts
// the reconciliation cycle; the next notification retries.
type AggregationError struct {
	Key string
	Err error
}

func (e *AggregationError) Error() string {
	return fmt.Sprintf("aggregating %s: %v", e.Key, e.Err)
}

func (e *AggregationError) Unwrap() error { return e.Err }

// Client fetches and classifies pull request state.
type Client struct {
	gh  *gh.Client
	log zerolog.Logger
}

// NewClient builds a Client authenticating with token. baseURL overrides
// the API root for GitHub Enterprise or tests; empty means github.com.
func NewClient(ctx context.Context, token, baseURL string, logger zerolog.Logger) (*Client, error) {
	src := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	client := gh.NewClient(oauth2.NewClient(ctx, src))
	if baseURL != "" {
		var err error
		client, err = client.WithEnterpriseURLs(baseURL, baseURL)
		if err != nil {
			return nil, fmt.Errorf("configuring github base url: %w", err)
		}
	}
	return &Client{gh: client, log: logger}, nil
}

// ParseKey splits a work-item key ("owner/repo#number") back into its
// parts.
func ParseKey(key string) (owner, repo string, number int, err error) {
	slash := strings.Index(key, "/")
	hash := strings.LastIndex(key, "#")
	if slash <= 0 || hash <= slash {
		return "", "", 0, fmt.Errorf("malformed work-item key %q", key)
	}
	number, err = strconv.Atoi(key[hash+1:])
	if err != nil {
		return "", "", 0, fmt.Errorf("malformed work-item key %q: %w", key, err)
	}
	return key[:slash], key[slash+1 : hash], number, nil
}

// Aggregate fetches the pull request, its reviews, and its head check
// runs, and resolves them into a renderable State.
func (c *Client) Aggregate(ctx context.Context, key string) (format.State, error) {
	owner, repo, number, err := ParseKey(key)
	if err != nil {
		return format.State{}, &AggregationError{Key: key, Err: err}
	}

	pr, _, err := c.gh.PullRequests.Get(ctx, owner, repo, number)
	if err != nil {
		return format.State{}, &AggregationError{Key: key, Err: fmt.Errorf("fetching pull request: %w", err)}
	}

	state := format.State{
		Title:  pr.GetTitle(),
		URL:    pr.GetHTMLURL(),
		Author: pr.GetUser().GetLogin(),
		Draft:  pr.GetDraft(),
		Merged: pr.GetMerged(),
		Closed: pr.GetState() == "closed" && !pr.GetMerged(),
	}

	state.Reviewers, err = c.resolveReviewers(ctx, owner, repo, number, pr)
	if err != nil {
		return format.State{}, &AggregationError{Key: key, Err: err}
	}

	state.Checks, err = c.resolveChecks(ctx, owner, repo, pr.GetHead().GetSHA())
	if err != nil {
		return format.State{}, &AggregationError{Key: key, Err: err}
	}

	c.log.Debug().Str("key", key).
		Int("reviewers", len(state.Reviewers)).
		Int("checks", len(state.Checks)).
		Msg("aggregated pull request state")
	return state, nil
}

// resolveReviewers applies the last-seen-review-per-reviewer rule, with
// requested reviewers lacking any review defaulting to pending.
func (c *Client) resolveReviewers(ctx context.Context, owner, repo string, number int, pr *gh.PullRequest) ([]format.Reviewer, error) {
	statuses := map[string]format.ReviewStatus{}

	opts := &gh.ListOptions{PerPage: 100}
	for {
		reviews, resp, err := c.gh.PullRequests.ListReviews(ctx, owner, repo, number, opts)
		if err != nil {
			return nil, fmt.Errorf("listing reviews: %w", err)
		}
		for _, r := range reviews {
			login := r.GetUser().GetLogin()
			if login == "" {
				continue
			}
			// Reviews arrive oldest-first; later entries overwrite.
			switch r.GetState() {
			case "APPROVED":
				statuses[login] = format.ReviewApproved
			case "CHANGES_REQUESTED":
				statuses[login] = format.ReviewChangesRequested
			case "DISMISSED":
				statuses[login] = format.ReviewPending
			}
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}

	for _, u := range pr.RequestedReviewers {
		if _, seen := statuses[u.GetLogin()]; !seen {
			statuses[u.GetLogin()] = format.ReviewPending
		}
	}

	reviewers := make([]format.Reviewer, 0, len(statuses))
	for login, status := range statuses {
		reviewers = append(reviewers, format.Reviewer{Login: login, Status: status})
	}
	sort.Slice(reviewers, func(i, j int) bool { return reviewers[i].Login < reviewers[j].Login })
	return reviewers, nil
}

// resolveChecks maps check run conclusions onto the three-valued status:
// success-like terminal conclusions (including no-op outcomes) are
// success, failure-like are failure, anything not completed is pending.
func (c *Client) resolveChecks(ctx context.Context, owner, repo, sha string) ([]format.Check, error) {
	if sha == "" {
		return nil, nil
	}

	var checks []format.Check
	opts := &gh.ListCheckRunsOptions{ListOptions: gh.ListOptions{PerPage: 100}}
	for {
		runs, resp, err := c.gh.Checks.ListCheckRunsForRef(ctx, owner, repo, sha, opts)
		if err != nil {
			return nil, fmt.Errorf("listing check runs: %w", err)
		}
		for _, run := range runs.CheckRuns {
			checks = append(checks, format.Check{
				Name:   run.GetName(),
				Status: classifyCheck(run.GetStatus(), run.GetConclusion()),
			})
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	sort.Slice(checks, func(i, j int) bool { return checks[i].Name < checks[j].Name })
	return checks, nil
}

func classifyCheck(status, conclusion string) format.CheckStatus {
	if status != "completed" {
		return format.CheckPending
	}
	switch conclusion {
	case "success", "neutral", "skipped":
		return format.CheckSuccess
	case "failure", "timed_out", "cancelled", "action_required", "stale":
		return format.CheckFailure
	default:
		return format.CheckPending
	}
}
