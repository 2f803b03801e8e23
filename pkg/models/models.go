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

// Package models holds the persisted entities of the remediation pipeline.
// These structs are the collapsed form of the ORM-style models of the
// source system; stores expose them through a narrow repository
// abstraction rather than free-form queries (see pkg/store).
package models

import "time"

// WebhookStatus is the lifecycle state of a RepositoryConnection's webhook.
type WebhookStatus string

const (
	WebhookStatusNotProvisioned WebhookStatus = "not_provisioned"
	WebhookStatusActive         WebhookStatus = "active"
	WebhookStatusInactive       WebhookStatus = "inactive"
	WebhookStatusFailed         WebhookStatus = "failed"
)

// Provider identifies the code-hosting provider family a connection targets.
type Provider string

const (
	ProviderGitHub Provider = "github"
	ProviderGitLab Provider = "gitlab"
)

// OAuthConnection is a (user_id, provider) scoped credential record. Tokens
// are always stored encrypted; callers must decrypt at point-of-use only.
type OAuthConnection struct {
	ID                   string
	UserID               string
	Provider             Provider
	EncryptedAccessToken []byte
	EncryptedRefresh     []byte // nil if the provider does not issue a refresh token
	Scopes               []string
	ExpiresAt            *time.Time
	ProviderUserID        string
	Revoked              bool
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// RepositoryConnection ties a repository to an OAuthConnection and owns the
// webhook lifecycle installed on behalf of that repository.
type RepositoryConnection struct {
	ID                     string
	UserID                 string
	RepositoryFullName     string
	OAuthConnectionID      string
	WebhookID              *int64
	EncryptedWebhookSecret []byte
	WebhookURL             string
	Events                 []string
	WebhookStatus          WebhookStatus
	AutoPREnabled          bool
	IsEnabled              bool
	DefaultBranch          string
	WebhookLastDeliveryAt  *time.Time
	CreatedAt              time.Time
	UpdatedAt              time.Time
}

// WorkflowRunStatus mirrors the provider's run status vocabulary.
type WorkflowRunStatus string

const (
	WorkflowRunQueued    WorkflowRunStatus = "queued"
	WorkflowRunRunning   WorkflowRunStatus = "running"
	WorkflowRunSuccess   WorkflowRunStatus = "success"
	WorkflowRunFailed    WorkflowRunStatus = "failed"
	WorkflowRunCancelled WorkflowRunStatus = "cancelled"
)

// WorkflowRun is keyed by (RepositoryConnectionID, ProviderRunID) and
// upserted idempotently as delivery events arrive for it.
type WorkflowRun struct {
	ID                     string
	RepositoryConnectionID string
	ProviderRunID          string
	Status                 WorkflowRunStatus
	Conclusion             string
	Branch                 string
	CommitSHA              string
	CommitMessage          string
	Author                 string
	RunURL                 string
	EventPayload           []byte
	CreatedAt              time.Time
	UpdatedAt              time.Time
}

// IncidentSeverity ranks how urgently a failure needs attention.
type IncidentSeverity string

const (
	SeverityLow      IncidentSeverity = "low"
	SeverityMedium   IncidentSeverity = "medium"
	SeverityHigh     IncidentSeverity = "high"
	SeverityCritical IncidentSeverity = "critical"
)

// IncidentStatus is the lifecycle state of an Incident.
type IncidentStatus string

const (
	IncidentStatusOpen           IncidentStatus = "open"
	IncidentStatusInvestigating  IncidentStatus = "investigating"
	IncidentStatusResolved       IncidentStatus = "resolved"
	IncidentStatusFailedTerminal IncidentStatus = "failed" // terminal remediation failure, see FailureReason
)

// FailureReason is the typed taxonomy of terminal remediation outcomes
// (spec §7, §10). The zero value means remediation has not concluded.
type FailureReason string

const (
	FailureReasonNone               FailureReason = ""
	FailureReasonNoCredentials      FailureReason = "failed_no_credentials"
	FailureReasonNoLogs             FailureReason = "failed_no_logs"
	FailureReasonNoSignal           FailureReason = "failed_no_signal"
	FailureReasonBudget             FailureReason = "failed_budget"
	FailureReasonConflict           FailureReason = "failed_conflict"
	FailureReasonProviderUnavailable FailureReason = "failed_provider"
	FailureReasonRemediation        FailureReason = "failed_remediation"
	FailureReasonTimeout            FailureReason = "failed_timeout"
)

// Incident is the internal representation of a single remediable failure.
type Incident struct {
	ID                     string
	UserID                 string
	RepositoryConnectionID string
	WorkflowRunID          string
	Severity               IncidentSeverity
	Status                 IncidentStatus
	Source                 string
	FailureType            string
	ErrorMessage           string
	RootCause              string
	Confidence             float64
	FailureReason          FailureReason
	RemediationAttemptedAt *time.Time
	CreatedAt              time.Time
	UpdatedAt              time.Time
}

// PullRequestState is the lifecycle of an auto-generated pull request.
type PullRequestState string

const (
	PullRequestOpen   PullRequestState = "open"
	PullRequestMerged PullRequestState = "merged"
	PullRequestClosed PullRequestState = "closed"
)

// PullRequestRecord is created only after a successful code-host PR creation.
type PullRequestRecord struct {
	ID          string
	IncidentID  string
	PRNumber    int
	PRURL       string
	BranchName  string
	State       PullRequestState
	FilesChanged int
	Truncated   bool
	CreatedAt   time.Time
}
