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

// Package tracker is the entry point for verified webhook events (C6): it
// upserts workflow run state, mints incidents on terminal failures, and
// enqueues remediation tasks under an at-most-once guard.
package tracker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/abcxyz/pkg/logging"

	"github.com/caspianflow/remedyci/pkg/messaging"
	"github.com/caspianflow/remedyci/pkg/models"
	"github.com/caspianflow/remedyci/pkg/store"
)

// Event is the provider-normalized shape of a single workflow-run delivery.
// Providers emit non-workflow events too (pull_request, push); those never
// become an Event, and the ingest server only records their delivery time
// on the repository connection.
type Event struct {
	RepositoryConnectionID string
	ProviderRunID          string
	Status                 models.WorkflowRunStatus
	Conclusion             string
	Branch                 string
	CommitSHA              string
	CommitMessage          string
	Author                 string
	RunURL                 string
	RawPayload             []byte
}

// Tracker applies Events to the WorkflowRun state machine.
type Tracker struct {
	store  store.Store
	tasks  messaging.Messager
	logger *slog.Logger
}

// New constructs a Tracker. tasks publishes remediation-task messages to
// the remediation-tasks topic; it may be nil if auto-PR is globally disabled,
// in which case Apply never attempts to publish.
func New(ctx context.Context, st store.Store, tasks messaging.Messager) *Tracker {
	return &Tracker{store: st, tasks: tasks, logger: logging.FromContext(ctx)}
}

// Apply upserts the run described by ev and, on a failed terminal
// transition, opens an incident and enqueues remediation per spec.
func (t *Tracker) Apply(ctx context.Context, ev Event) (*models.WorkflowRun, error) {
	run, err := t.store.WorkflowRuns().Upsert(ctx, &models.WorkflowRun{
		RepositoryConnectionID: ev.RepositoryConnectionID,
		ProviderRunID:          ev.ProviderRunID,
		Status:                 ev.Status,
		Conclusion:             ev.Conclusion,
		Branch:                 ev.Branch,
		CommitSHA:              ev.CommitSHA,
		CommitMessage:          ev.CommitMessage,
		Author:                 ev.Author,
		RunURL:                 ev.RunURL,
		EventPayload:           ev.RawPayload,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to upsert workflow run: %w", err)
	}

	repoConn, err := t.store.RepositoryConnections().Get(ctx, ev.RepositoryConnectionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load owning repository connection: %w", err)
	}
	now := time.Now()
	repoConn.WebhookLastDeliveryAt = &now
	if err := t.store.RepositoryConnections().Update(ctx, repoConn); err != nil {
		return nil, fmt.Errorf("failed to record webhook delivery timestamp: %w", err)
	}

	if run.Status != models.WorkflowRunFailed {
		return run, nil
	}

	return run, t.onFailed(ctx, run, repoConn)
}

func (t *Tracker) onFailed(ctx context.Context, run *models.WorkflowRun, repoConn *models.RepositoryConnection) error {
	existing, err := t.store.Incidents().GetOpenForWorkflowRun(ctx, run.ID)
	if err == nil {
		t.logger.DebugContext(ctx, "incident already open for workflow run", "workflow_run_id", run.ID, "incident_id", existing.ID)
		return nil
	}

	incident, err := t.store.Incidents().Create(ctx, &models.Incident{
		UserID:                 repoConn.UserID,
		RepositoryConnectionID: repoConn.ID,
		WorkflowRunID:          run.ID,
		Severity:               severityFor(run, repoConn),
		Status:                 models.IncidentStatusOpen,
		Source:                 "workflow_run",
		FailureType:            run.Conclusion,
	})
	if err != nil {
		return fmt.Errorf("failed to create incident: %w", err)
	}

	if !repoConn.AutoPREnabled {
		return nil
	}
	if _, err := t.store.PullRequestRecords().GetByIncident(ctx, incident.ID); err == nil {
		return nil
	}

	return t.enqueue(ctx, incident)
}

// severityFor ranks default-branch failures higher, per spec.md §4.6.
func severityFor(run *models.WorkflowRun, repoConn *models.RepositoryConnection) models.IncidentSeverity {
	if repoConn.DefaultBranch != "" && run.Branch == repoConn.DefaultBranch {
		return models.SeverityHigh
	}
	return models.SeverityMedium
}

func (t *Tracker) enqueue(ctx context.Context, incident *models.Incident) error {
	acquired, err := t.store.Incidents().TryAcquireRemediationGuard(ctx, incident.ID, time.Now())
	if err != nil {
		return fmt.Errorf("failed to acquire remediation guard: %w", err)
	}
	if !acquired {
		t.logger.DebugContext(ctx, "remediation already attempted for incident", "incident_id", incident.ID)
		return nil
	}

	if t.tasks == nil {
		t.logger.WarnContext(ctx, "no remediation task publisher configured, skipping dispatch", "incident_id", incident.ID)
		return nil
	}

	task := RemediationTask{IncidentID: incident.ID, RepositoryConnectionID: incident.RepositoryConnectionID}
	payload, err := task.Marshal()
	if err != nil {
		return fmt.Errorf("failed to marshal remediation task: %w", err)
	}
	if err := t.tasks.Send(ctx, payload); err != nil {
		return fmt.Errorf("failed to enqueue remediation task: %w", err)
	}
	return nil
}
