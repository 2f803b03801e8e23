// Copyright 2023 The Authors (see AUTHORS file)
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package providerclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/go-github/v61/github"
	"github.com/sethvargo/go-retry"
	"golang.org/x/oauth2"

	"github.com/caspianflow/remedyci/pkg/errs"
)

// GitHubClient implements [Client] against github.com (or a GitHub
// Enterprise Server instance) using google/go-github.
type GitHubClient struct {
	enterpriseBaseURL string
	limiter           *TokenLimiter
	maxRetryAttempts  uint64
}

// NewGitHubClient constructs a [GitHubClient]. limiter may be nil to
// disable local per-token rate limiting (the provider's own limiter
// still applies).
func NewGitHubClient(enterpriseBaseURL string, limiter *TokenLimiter, maxRetryAttempts uint64) *GitHubClient {
	if maxRetryAttempts == 0 {
		maxRetryAttempts = 3
	}
	return &GitHubClient{enterpriseBaseURL: enterpriseBaseURL, limiter: limiter, maxRetryAttempts: maxRetryAttempts}
}

func (c *GitHubClient) clientFor(ctx context.Context, token string) (*github.Client, error) {
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	hc := oauth2.NewClient(ctx, ts)
	gh := github.NewClient(hc)
	if c.enterpriseBaseURL != "" {
		var err error
		gh, err = gh.WithEnterpriseURLs(c.enterpriseBaseURL, c.enterpriseBaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to build enterprise client: %w", err)
		}
	}
	return gh, nil
}

// withRetry runs op with bounded exponential backoff and jitter for
// Transient/RateLimited outcomes, surfacing ProviderUnavailable once the
// budget is exhausted.
func (c *GitHubClient) withRetry(ctx context.Context, token string, op func(ctx context.Context) error) error {
	if c.limiter != nil {
		if wait, limited := c.limiter.Check(ctx, token); limited {
			return errs.NewRateLimited(wait)
		}
	}

	b := retry.NewFibonacci(250 * time.Millisecond)
	b = retry.WithMaxRetries(c.maxRetryAttempts-1, b)
	b = retry.WithCappedDuration(2*time.Second, b)
	b = retry.WithJitterPercent(10, b)

	err := retry.Do(ctx, b, func(ctx context.Context) error {
		err := op(ctx)
		if err == nil {
			return nil
		}

		kind := classifyGitHubError(err)
		switch {
		case errors.Is(kind, errs.ErrTransient):
			return retry.RetryableError(kind)
		default:
			return kind
		}
	})

	// retry.Do returns the last attempt's error once the backoff's retry
	// budget is exhausted; a still-Transient error at that point means
	// every attempt failed, which spec §7 calls ProviderUnavailable.
	if err != nil && errors.Is(err, errs.ErrTransient) {
		return fmt.Errorf("%w: %v", errs.ErrProviderUnavailable, err)
	}
	return err
}

// classifyGitHubError maps a go-github error to the typed taxonomy of
// spec §4.2/§7.
func classifyGitHubError(err error) error {
	var rle *github.RateLimitError
	if errors.As(err, &rle) {
		wait := time.Until(rle.Rate.Reset.Time)
		if wait < 0 {
			wait = time.Second
		}
		return &errs.RetryAfter{Err: errs.ErrTransient, RetryAfter: wait}
	}

	var are *github.AbuseRateLimitError
	if errors.As(err, &are) {
		wait := time.Second
		if are.RetryAfter != nil {
			wait = *are.RetryAfter
		}
		return &errs.RetryAfter{Err: errs.ErrTransient, RetryAfter: wait}
	}

	var ghErr *github.ErrorResponse
	if errors.As(err, &ghErr) {
		switch ghErr.Response.StatusCode {
		case http.StatusUnauthorized:
			return fmt.Errorf("%w: %s", errs.ErrUnauthorized, ghErr.Message)
		case http.StatusForbidden:
			return fmt.Errorf("%w: %s", errs.ErrForbidden, ghErr.Message)
		case http.StatusNotFound:
			return fmt.Errorf("%w: %s", errs.ErrNotFound, ghErr.Message)
		case http.StatusConflict:
			return fmt.Errorf("%w: %s", errs.ErrConflict, ghErr.Message)
		case http.StatusTooManyRequests:
			return fmt.Errorf("%w: %s", errs.ErrTransient, ghErr.Message)
		default:
			if ghErr.Response.StatusCode >= 500 {
				return fmt.Errorf("%w: provider returned %d: %s", errs.ErrTransient, ghErr.Response.StatusCode, ghErr.Message)
			}
			return fmt.Errorf("provider error %d: %s", ghErr.Response.StatusCode, ghErr.Message)
		}
	}

	// Unrecognized network-shaped errors (timeouts, connection resets)
	// are treated as transient so the bounded retry still applies.
	return fmt.Errorf("%w: %v", errs.ErrTransient, err)
}

func (c *GitHubClient) ListRepositories(ctx context.Context, token string, opts ListOptions) ([]Repository, error) {
	gh, err := c.clientFor(ctx, token)
	if err != nil {
		return nil, err
	}

	var out []Repository
	err = c.withRetry(ctx, token, func(ctx context.Context) error {
		repos, _, err := gh.Repositories.List(ctx, "", &github.RepositoryListOptions{
			Sort:        opts.Sort,
			ListOptions: github.ListOptions{Page: opts.Page, PerPage: 100},
		})
		if err != nil {
			return err
		}
		out = make([]Repository, 0, len(repos))
		for _, r := range repos {
			out = append(out, Repository{
				FullName:      r.GetFullName(),
				DefaultBranch: r.GetDefaultBranch(),
				Private:       r.GetPrivate(),
				Permissions:   r.GetPermissions(),
			})
		}
		return nil
	})
	return out, err
}

func (c *GitHubClient) GetRepository(ctx context.Context, token, owner, repo string) (*Repository, error) {
	gh, err := c.clientFor(ctx, token)
	if err != nil {
		return nil, err
	}

	var out *Repository
	err = c.withRetry(ctx, token, func(ctx context.Context) error {
		r, _, err := gh.Repositories.Get(ctx, owner, repo)
		if err != nil {
			return err
		}
		out = &Repository{
			FullName:      r.GetFullName(),
			DefaultBranch: r.GetDefaultBranch(),
			Private:       r.GetPrivate(),
			Permissions:   r.GetPermissions(),
		}
		return nil
	})
	return out, err
}

func (c *GitHubClient) GetFile(ctx context.Context, token, owner, repo, path, ref string) (*FileContent, error) {
	gh, err := c.clientFor(ctx, token)
	if err != nil {
		return nil, err
	}

	var out *FileContent
	err = c.withRetry(ctx, token, func(ctx context.Context) error {
		fc, _, _, err := gh.Repositories.GetContents(ctx, owner, repo, path, &github.RepositoryContentGetOptions{Ref: ref})
		if err != nil {
			return err
		}
		content, err := fc.GetContent()
		if err != nil {
			return fmt.Errorf("failed to decode file content: %w", err)
		}
		out = &FileContent{Content: content, SHA: fc.GetSHA(), Encoding: fc.GetEncoding()}
		return nil
	})
	return out, err
}

func (c *GitHubClient) CreateOrUpdateFile(ctx context.Context, token, owner, repo, path string, in CreateOrUpdateFileInput) error {
	gh, err := c.clientFor(ctx, token)
	if err != nil {
		return err
	}

	return c.withRetry(ctx, token, func(ctx context.Context) error {
		opts := &github.RepositoryContentFileOptions{
			Message: github.String(in.Message),
			Content: []byte(in.Content),
			Branch:  github.String(in.Branch),
		}
		if in.SHA != "" {
			opts.SHA = github.String(in.SHA)
		}
		_, _, err := gh.Repositories.UpdateFile(ctx, owner, repo, path, opts)
		return err
	})
}

func (c *GitHubClient) CreateBranch(ctx context.Context, token, owner, repo, fromSHA, name string) error {
	gh, err := c.clientFor(ctx, token)
	if err != nil {
		return err
	}

	return c.withRetry(ctx, token, func(ctx context.Context) error {
		ref := &github.Reference{
			Ref:    github.String("refs/heads/" + name),
			Object: &github.GitObject{SHA: github.String(fromSHA)},
		}
		_, _, err := gh.Git.CreateRef(ctx, owner, repo, ref)
		return err
	})
}

func (c *GitHubClient) CreatePullRequest(ctx context.Context, token, owner, repo string, in PullRequestInput) (*PullRequest, error) {
	gh, err := c.clientFor(ctx, token)
	if err != nil {
		return nil, err
	}

	var out *PullRequest
	err = c.withRetry(ctx, token, func(ctx context.Context) error {
		pr, _, err := gh.PullRequests.Create(ctx, owner, repo, &github.NewPullRequest{
			Title: github.String(in.Title),
			Head:  github.String(in.Head),
			Base:  github.String(in.Base),
			Body:  github.String(in.Body),
			Draft: github.Bool(in.Draft),
		})
		if err != nil {
			return err
		}
		out = &PullRequest{Number: pr.GetNumber(), URL: pr.GetHTMLURL(), State: pr.GetState()}
		return nil
	})
	return out, err
}

func (c *GitHubClient) CreateWebhook(ctx context.Context, token, owner, repo string, in WebhookInput) (*Webhook, error) {
	gh, err := c.clientFor(ctx, token)
	if err != nil {
		return nil, err
	}

	var out *Webhook
	err = c.withRetry(ctx, token, func(ctx context.Context) error {
		contentType := in.ContentType
		if contentType == "" {
			contentType = "json"
		}
		hook := &github.Hook{
			Name:   github.String("web"),
			Active: github.Bool(true),
			Events: in.Events,
			Config: &github.HookConfig{
				URL:         github.String(in.URL),
				Secret:      github.String(in.Secret),
				ContentType: github.String(contentType),
			},
		}
		created, _, err := gh.Repositories.CreateHook(ctx, owner, repo, hook)
		if err != nil {
			return err
		}
		out = &Webhook{ID: created.GetID()}
		return nil
	})
	return out, err
}

func (c *GitHubClient) DeleteWebhook(ctx context.Context, token, owner, repo string, id int64) error {
	gh, err := c.clientFor(ctx, token)
	if err != nil {
		return err
	}

	return c.withRetry(ctx, token, func(ctx context.Context) error {
		_, err := gh.Repositories.DeleteHook(ctx, owner, repo, id)
		return err
	})
}

func (c *GitHubClient) GetWorkflowRun(ctx context.Context, token, owner, repo, runID string) (*WorkflowRun, error) {
	gh, err := c.clientFor(ctx, token)
	if err != nil {
		return nil, err
	}

	id, err := parseInt64(runID)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid run id %q", errs.ErrInputRejected, runID)
	}

	var out *WorkflowRun
	err = c.withRetry(ctx, token, func(ctx context.Context) error {
		run, _, err := gh.Actions.GetWorkflowRunByID(ctx, owner, repo, id)
		if err != nil {
			return err
		}
		out = &WorkflowRun{
			ID:         runID,
			Name:       run.GetName(),
			Status:     run.GetStatus(),
			Conclusion: run.GetConclusion(),
			HeadBranch: run.GetHeadBranch(),
			HeadSHA:    run.GetHeadSHA(),
			HTMLURL:    run.GetHTMLURL(),
		}
		return nil
	})
	return out, err
}

func (c *GitHubClient) DownloadRunLogs(ctx context.Context, token, owner, repo, runID string) ([]byte, error) {
	gh, err := c.clientFor(ctx, token)
	if err != nil {
		return nil, err
	}

	id, err := parseInt64(runID)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid run id %q", errs.ErrInputRejected, runID)
	}

	var out []byte
	err = c.withRetry(ctx, token, func(ctx context.Context) error {
		url, _, err := gh.Actions.GetWorkflowRunLogs(ctx, owner, repo, id, 3)
		if err != nil {
			return err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url.String(), nil)
		if err != nil {
			return fmt.Errorf("%w: %v", errs.ErrTransient, err)
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return fmt.Errorf("%w: %v", errs.ErrTransient, err)
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 500 {
			return fmt.Errorf("%w: log download returned %d", errs.ErrTransient, resp.StatusCode)
		}
		if resp.StatusCode >= 400 {
			return fmt.Errorf("%w: log download returned %d", errs.ErrNotFound, resp.StatusCode)
		}
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("%w: %v", errs.ErrTransient, err)
		}
		out = body
		return nil
	})
	return out, err
}

func (c *GitHubClient) RerunWorkflow(ctx context.Context, token, owner, repo, runID string, failedOnly bool) error {
	gh, err := c.clientFor(ctx, token)
	if err != nil {
		return err
	}

	id, err := parseInt64(runID)
	if err != nil {
		return fmt.Errorf("%w: invalid run id %q", errs.ErrInputRejected, runID)
	}

	return c.withRetry(ctx, token, func(ctx context.Context) error {
		var err error
		if failedOnly {
			_, err = gh.Actions.RerunFailedJobsByID(ctx, owner, repo, id)
		} else {
			_, err = gh.Actions.RerunWorkflowByID(ctx, owner, repo, id)
		}
		return err
	})
}

// FetchProviderUserID implements oauthcoord.UserInfoFetcher.
func (c *GitHubClient) FetchProviderUserID(ctx context.Context, token string) (string, error) {
	gh, err := c.clientFor(ctx, token)
	if err != nil {
		return "", err
	}

	var id string
	err = c.withRetry(ctx, token, func(ctx context.Context) error {
		user, _, err := gh.Users.Get(ctx, "")
		if err != nil {
			return err
		}
		id = fmt.Sprintf("%d", user.GetID())
		return nil
	})
	return id, err
}

func (c *GitHubClient) RevokeToken(ctx context.Context, token string) error {
	gh, err := c.clientFor(ctx, token)
	if err != nil {
		return err
	}

	return c.withRetry(ctx, token, func(ctx context.Context) error {
		_, err := gh.Applications.DeleteGrant(ctx, "", token)
		return err
	})
}

func parseInt64(s string) (int64, error) {
	var n int64
	_, err := fmt.Sscanf(s, "%d", &n)
	if err != nil {
		return 0, err
	}
	return n, nil
}
