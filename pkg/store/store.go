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

// Package store defines the repository abstraction every component
// depends on instead of the ORM-style models of the source system (spec
// §9). It exposes only the upsert/guard operations enumerated in spec
// §3/§4, never free-form queries.
package store

import (
	"context"
	"time"

	"github.com/caspianflow/remedyci/pkg/models"
)

// OAuthConnections is the repository for OAuthConnection records.
type OAuthConnections interface {
	// Upsert creates or replaces the active connection for
	// (UserID, Provider); at most one active connection exists per pair.
	Upsert(ctx context.Context, conn *models.OAuthConnection) (*models.OAuthConnection, error)
	GetActive(ctx context.Context, userID string, provider models.Provider) (*models.OAuthConnection, error)
	Get(ctx context.Context, id string) (*models.OAuthConnection, error)
	MarkRevoked(ctx context.Context, id string) error
	// UpdateTokens persists a refreshed access/refresh token pair in place,
	// without disturbing the connection's id or revoking it — the lazy
	// 401-triggered refresh path of spec.md §4.3 updates the existing
	// record rather than minting a new one.
	UpdateTokens(ctx context.Context, id string, encryptedAccess, encryptedRefresh []byte, expiresAt *time.Time) error
}

// OAuthStates guards single-use CSRF state nonces for the authorization
// code flow. A nonce is consumed exactly once within its TTL.
type OAuthStates interface {
	// ConsumeOnce records the nonce as used and returns false if it had
	// already been consumed (replay) — this is the "single-use" half of
	// the state guard; the JWT itself encodes expiry and principal.
	ConsumeOnce(ctx context.Context, nonce string, ttl time.Duration) (fresh bool, err error)
}

// WebhookDeliveries guards against redelivery of the same webhook event,
// keyed by the provider's own delivery identifier. This is the
// (provider_delivery_id) half of ingest idempotency; signature verification
// alone does not prevent a provider from replaying one delivery twice.
type WebhookDeliveries interface {
	// ConsumeOnce records (provider, deliveryID) as seen and returns
	// fresh=false if it was already recorded.
	ConsumeOnce(ctx context.Context, provider models.Provider, deliveryID string) (fresh bool, err error)
}

// RepositoryConnections is the repository for RepositoryConnection records.
type RepositoryConnections interface {
	Create(ctx context.Context, conn *models.RepositoryConnection) (*models.RepositoryConnection, error)
	Get(ctx context.Context, id string) (*models.RepositoryConnection, error)
	GetByFullName(ctx context.Context, userID, fullName string) (*models.RepositoryConnection, error)
	// GetActiveByFullName looks up a connection by repository_full_name
	// alone, ignoring user scope — the shape a webhook delivery needs,
	// since the ingest URL carries no user identity (spec §5.9/§10 index
	// "(repository_full_name) lookup").
	GetActiveByFullName(ctx context.Context, fullName string) (*models.RepositoryConnection, error)
	List(ctx context.Context, userID string) ([]*models.RepositoryConnection, error)
	// Update persists arbitrary field changes (webhook lifecycle,
	// auto_pr_enabled, default_branch, ...) via a full-row replace.
	Update(ctx context.Context, conn *models.RepositoryConnection) error
	Delete(ctx context.Context, id string) error
}

// WorkflowRuns is the repository for WorkflowRun records, upserted
// idempotently on the natural key (RepositoryConnectionID, ProviderRunID).
type WorkflowRuns interface {
	Upsert(ctx context.Context, run *models.WorkflowRun) (*models.WorkflowRun, error)
	Get(ctx context.Context, repoConnID, providerRunID string) (*models.WorkflowRun, error)
	GetByID(ctx context.Context, id string) (*models.WorkflowRun, error)
}

// Incidents is the repository for Incident records, including the
// at-most-once remediation guard.
type Incidents interface {
	Create(ctx context.Context, incident *models.Incident) (*models.Incident, error)
	Get(ctx context.Context, id string) (*models.Incident, error)
	GetOpenForWorkflowRun(ctx context.Context, workflowRunID string) (*models.Incident, error)
	UpdateStatus(ctx context.Context, id string, status models.IncidentStatus, reason models.FailureReason) error
	// TryAcquireRemediationGuard atomically sets remediation_attempted_at
	// if and only if it was previously unset, returning acquired=false if
	// another caller already holds it. This is the at-most-once guard of
	// spec §4.6/§5.
	TryAcquireRemediationGuard(ctx context.Context, incidentID string, now time.Time) (acquired bool, err error)
}

// PullRequestRecords is the repository for PullRequestRecord records.
type PullRequestRecords interface {
	Create(ctx context.Context, pr *models.PullRequestRecord) (*models.PullRequestRecord, error)
	GetByIncident(ctx context.Context, incidentID string) (*models.PullRequestRecord, error)
}

// Store aggregates the full repository surface. Components receive the
// whole Store and call the sub-interfaces they need from it.
type Store interface {
	OAuthConnections() OAuthConnections
	OAuthStates() OAuthStates
	WebhookDeliveries() WebhookDeliveries
	RepositoryConnections() RepositoryConnections
	WorkflowRuns() WorkflowRuns
	Incidents() Incidents
	PullRequestRecords() PullRequestRecords
	Close() error
}
