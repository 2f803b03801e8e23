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

// Package providerclient is the typed capability wrapper over the code
// host's HTTP API (C2). Every operation takes the OAuth token explicitly;
// the client never reads storage, matching the "out of scope" persistence
// boundary of spec §1.
package providerclient

import "context"

// Repository is a minimal projection of a code-host repository.
type Repository struct {
	FullName      string
	DefaultBranch string
	Private       bool
	Permissions   map[string]bool
}

// ListOptions page/sort a repository listing.
type ListOptions struct {
	Sort string
	Page int
}

// FileContent is the result of fetching a file's current contents.
type FileContent struct {
	Content  string
	SHA      string
	Encoding string
}

// CreateOrUpdateFileInput is the payload for writing a file on a branch.
type CreateOrUpdateFileInput struct {
	Content string
	SHA     string // required when updating an existing file
	Branch  string
	Message string
}

// PullRequestInput describes a PR to open.
type PullRequestInput struct {
	Head  string
	Base  string
	Title string
	Body  string
	Draft bool
}

// PullRequest is the result of creating a pull request.
type PullRequest struct {
	Number int
	URL    string
	State  string
}

// WebhookInput describes a webhook to provision.
type WebhookInput struct {
	URL         string
	Secret      string
	Events      []string
	ContentType string
}

// Webhook is the result of provisioning a webhook.
type Webhook struct {
	ID int64
}

// WorkflowRun is a minimal projection of a provider workflow/pipeline run.
type WorkflowRun struct {
	ID         string
	Name       string
	Status     string
	Conclusion string
	HeadBranch string
	HeadSHA    string
	HTMLURL    string
}

// Client is the capability surface the rest of the pipeline depends on.
// Implementations must retry Transient/RateLimited failures internally
// (bounded exponential backoff) and surface everything else as a typed
// error from pkg/errs.
type Client interface {
	ListRepositories(ctx context.Context, token string, opts ListOptions) ([]Repository, error)
	GetRepository(ctx context.Context, token, owner, repo string) (*Repository, error)
	GetFile(ctx context.Context, token, owner, repo, path, ref string) (*FileContent, error)
	CreateOrUpdateFile(ctx context.Context, token, owner, repo, path string, in CreateOrUpdateFileInput) error
	CreateBranch(ctx context.Context, token, owner, repo, fromSHA, name string) error
	CreatePullRequest(ctx context.Context, token, owner, repo string, in PullRequestInput) (*PullRequest, error)
	CreateWebhook(ctx context.Context, token, owner, repo string, in WebhookInput) (*Webhook, error)
	DeleteWebhook(ctx context.Context, token, owner, repo string, id int64) error
	GetWorkflowRun(ctx context.Context, token, owner, repo, runID string) (*WorkflowRun, error)
	DownloadRunLogs(ctx context.Context, token, owner, repo, runID string) ([]byte, error)
	RerunWorkflow(ctx context.Context, token, owner, repo, runID string, failedOnly bool) error
	RevokeToken(ctx context.Context, token string) error
}
