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

package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/caspianflow/remedyci/pkg/errs"
	"github.com/caspianflow/remedyci/pkg/models"
)

// Mem is an in-memory Store, the fake used by other packages' unit tests in
// place of a live Postgres instance — the same role the source system's
// MockDatastore plays for BigQuery callers.
type Mem struct {
	mu sync.Mutex

	oauthConns        map[string]*models.OAuthConnection
	oauthStates       map[string]time.Time
	webhookDeliveries map[string]struct{}
	repoConns         map[string]*models.RepositoryConnection
	workflowRuns      map[string]*models.WorkflowRun
	incidents         map[string]*models.Incident
	prRecords         map[string]*models.PullRequestRecord
}

// NewMem constructs an empty in-memory Store.
func NewMem() *Mem {
	return &Mem{
		oauthConns:        make(map[string]*models.OAuthConnection),
		oauthStates:       make(map[string]time.Time),
		webhookDeliveries: make(map[string]struct{}),
		repoConns:         make(map[string]*models.RepositoryConnection),
		workflowRuns:      make(map[string]*models.WorkflowRun),
		incidents:         make(map[string]*models.Incident),
		prRecords:         make(map[string]*models.PullRequestRecord),
	}
}

func (m *Mem) OAuthConnections() OAuthConnections           { return (*memOAuthConnections)(m) }
func (m *Mem) OAuthStates() OAuthStates                     { return (*memOAuthStates)(m) }
func (m *Mem) WebhookDeliveries() WebhookDeliveries         { return (*memWebhookDeliveries)(m) }
func (m *Mem) RepositoryConnections() RepositoryConnections { return (*memRepositoryConnections)(m) }
func (m *Mem) WorkflowRuns() WorkflowRuns                   { return (*memWorkflowRuns)(m) }
func (m *Mem) Incidents() Incidents                         { return (*memIncidents)(m) }
func (m *Mem) PullRequestRecords() PullRequestRecords       { return (*memPullRequestRecords)(m) }
func (m *Mem) Close() error                                 { return nil }

type memOAuthConnections Mem

func (m *memOAuthConnections) Upsert(ctx context.Context, conn *models.OAuthConnection) (*models.OAuthConnection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.oauthConns {
		if existing.UserID == conn.UserID && existing.Provider == conn.Provider && !existing.Revoked {
			existing.Revoked = true
		}
	}

	clone := *conn
	if clone.ID == "" {
		clone.ID = uuid.NewString()
	}
	clone.UpdatedAt = conn.UpdatedAt
	m.oauthConns[clone.ID] = &clone
	out := clone
	return &out, nil
}

func (m *memOAuthConnections) GetActive(ctx context.Context, userID string, provider models.Provider) (*models.OAuthConnection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, conn := range m.oauthConns {
		if conn.UserID == userID && conn.Provider == provider && !conn.Revoked {
			out := *conn
			return &out, nil
		}
	}
	return nil, fmt.Errorf("oauth connection for user %q provider %q: %w", userID, provider, errs.ErrNotFound)
}

func (m *memOAuthConnections) Get(ctx context.Context, id string) (*models.OAuthConnection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	conn, ok := m.oauthConns[id]
	if !ok {
		return nil, fmt.Errorf("oauth connection %q: %w", id, errs.ErrNotFound)
	}
	out := *conn
	return &out, nil
}

func (m *memOAuthConnections) MarkRevoked(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	conn, ok := m.oauthConns[id]
	if !ok {
		return fmt.Errorf("oauth connection %q: %w", id, errs.ErrNotFound)
	}
	conn.Revoked = true
	return nil
}

func (m *memOAuthConnections) UpdateTokens(ctx context.Context, id string, encryptedAccess, encryptedRefresh []byte, expiresAt *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	conn, ok := m.oauthConns[id]
	if !ok {
		return fmt.Errorf("oauth connection %q: %w", id, errs.ErrNotFound)
	}
	conn.EncryptedAccessToken = encryptedAccess
	conn.EncryptedRefresh = encryptedRefresh
	conn.ExpiresAt = expiresAt
	conn.UpdatedAt = time.Now()
	return nil
}

type memOAuthStates Mem

func (m *memOAuthStates) ConsumeOnce(ctx context.Context, nonce string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	if expiry, seen := m.oauthStates[nonce]; seen && now.Before(expiry) {
		return false, nil
	}
	m.oauthStates[nonce] = now.Add(ttl)
	return true, nil
}

type memWebhookDeliveries Mem

func (m *memWebhookDeliveries) ConsumeOnce(ctx context.Context, provider models.Provider, deliveryID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := string(provider) + ":" + deliveryID
	if _, seen := m.webhookDeliveries[key]; seen {
		return false, nil
	}
	m.webhookDeliveries[key] = struct{}{}
	return true, nil
}

type memRepositoryConnections Mem

func (m *memRepositoryConnections) Create(ctx context.Context, conn *models.RepositoryConnection) (*models.RepositoryConnection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	clone := *conn
	if clone.ID == "" {
		clone.ID = uuid.NewString()
	}
	m.repoConns[clone.ID] = &clone
	out := clone
	return &out, nil
}

func (m *memRepositoryConnections) Get(ctx context.Context, id string) (*models.RepositoryConnection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	conn, ok := m.repoConns[id]
	if !ok {
		return nil, fmt.Errorf("repository connection %q: %w", id, errs.ErrNotFound)
	}
	out := *conn
	return &out, nil
}

func (m *memRepositoryConnections) GetByFullName(ctx context.Context, userID, fullName string) (*models.RepositoryConnection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, conn := range m.repoConns {
		if conn.UserID == userID && conn.RepositoryFullName == fullName {
			out := *conn
			return &out, nil
		}
	}
	return nil, fmt.Errorf("repository connection for %q %q: %w", userID, fullName, errs.ErrNotFound)
}

func (m *memRepositoryConnections) GetActiveByFullName(ctx context.Context, fullName string) (*models.RepositoryConnection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, conn := range m.repoConns {
		if conn.RepositoryFullName == fullName && conn.IsEnabled {
			out := *conn
			return &out, nil
		}
	}
	return nil, fmt.Errorf("repository connection for %q: %w", fullName, errs.ErrNotFound)
}

func (m *memRepositoryConnections) List(ctx context.Context, userID string) ([]*models.RepositoryConnection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*models.RepositoryConnection
	for _, conn := range m.repoConns {
		if conn.UserID == userID {
			c := *conn
			out = append(out, &c)
		}
	}
	return out, nil
}

func (m *memRepositoryConnections) Update(ctx context.Context, conn *models.RepositoryConnection) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.repoConns[conn.ID]; !ok {
		return fmt.Errorf("repository connection %q: %w", conn.ID, errs.ErrNotFound)
	}
	clone := *conn
	m.repoConns[conn.ID] = &clone
	return nil
}

func (m *memRepositoryConnections) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.repoConns[id]; !ok {
		return fmt.Errorf("repository connection %q: %w", id, errs.ErrNotFound)
	}
	delete(m.repoConns, id)
	return nil
}

type memWorkflowRuns Mem

func (m *memWorkflowRuns) Upsert(ctx context.Context, run *models.WorkflowRun) (*models.WorkflowRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.workflowRuns {
		if existing.RepositoryConnectionID == run.RepositoryConnectionID && existing.ProviderRunID == run.ProviderRunID {
			existing.Status = run.Status
			existing.Conclusion = run.Conclusion
			existing.Branch = run.Branch
			existing.CommitSHA = run.CommitSHA
			existing.CommitMessage = run.CommitMessage
			existing.Author = run.Author
			existing.RunURL = run.RunURL
			existing.EventPayload = run.EventPayload
			existing.UpdatedAt = run.UpdatedAt
			out := *existing
			return &out, nil
		}
	}

	clone := *run
	if clone.ID == "" {
		clone.ID = uuid.NewString()
	}
	m.workflowRuns[clone.ID] = &clone
	out := clone
	return &out, nil
}

func (m *memWorkflowRuns) Get(ctx context.Context, repoConnID, providerRunID string) (*models.WorkflowRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, run := range m.workflowRuns {
		if run.RepositoryConnectionID == repoConnID && run.ProviderRunID == providerRunID {
			out := *run
			return &out, nil
		}
	}
	return nil, fmt.Errorf("workflow run %q/%q: %w", repoConnID, providerRunID, errs.ErrNotFound)
}

func (m *memWorkflowRuns) GetByID(ctx context.Context, id string) (*models.WorkflowRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	run, ok := m.workflowRuns[id]
	if !ok {
		return nil, fmt.Errorf("workflow run %q: %w", id, errs.ErrNotFound)
	}
	out := *run
	return &out, nil
}

type memIncidents Mem

func (m *memIncidents) Create(ctx context.Context, incident *models.Incident) (*models.Incident, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	clone := *incident
	if clone.ID == "" {
		clone.ID = uuid.NewString()
	}
	m.incidents[clone.ID] = &clone
	out := clone
	return &out, nil
}

func (m *memIncidents) Get(ctx context.Context, id string) (*models.Incident, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	incident, ok := m.incidents[id]
	if !ok {
		return nil, fmt.Errorf("incident %q: %w", id, errs.ErrNotFound)
	}
	out := *incident
	return &out, nil
}

func (m *memIncidents) GetOpenForWorkflowRun(ctx context.Context, workflowRunID string) (*models.Incident, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, incident := range m.incidents {
		if incident.WorkflowRunID == workflowRunID &&
			(incident.Status == models.IncidentStatusOpen || incident.Status == models.IncidentStatusInvestigating) {
			out := *incident
			return &out, nil
		}
	}
	return nil, fmt.Errorf("open incident for workflow run %q: %w", workflowRunID, errs.ErrNotFound)
}

func (m *memIncidents) UpdateStatus(ctx context.Context, id string, status models.IncidentStatus, reason models.FailureReason) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	incident, ok := m.incidents[id]
	if !ok {
		return fmt.Errorf("incident %q: %w", id, errs.ErrNotFound)
	}
	incident.Status = status
	incident.FailureReason = reason
	return nil
}

func (m *memIncidents) TryAcquireRemediationGuard(ctx context.Context, incidentID string, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	incident, ok := m.incidents[incidentID]
	if !ok {
		return false, fmt.Errorf("incident %q: %w", incidentID, errs.ErrNotFound)
	}
	if incident.RemediationAttemptedAt != nil {
		return false, nil
	}
	t := now
	incident.RemediationAttemptedAt = &t
	return true, nil
}

type memPullRequestRecords Mem

func (m *memPullRequestRecords) Create(ctx context.Context, pr *models.PullRequestRecord) (*models.PullRequestRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	clone := *pr
	if clone.ID == "" {
		clone.ID = uuid.NewString()
	}
	m.prRecords[clone.ID] = &clone
	out := clone
	return &out, nil
}

func (m *memPullRequestRecords) GetByIncident(ctx context.Context, incidentID string) (*models.PullRequestRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, pr := range m.prRecords {
		if pr.IncidentID == incidentID {
			out := *pr
			return &out, nil
		}
	}
	return nil, fmt.Errorf("pull request record for incident %q: %w", incidentID, errs.ErrNotFound)
}
