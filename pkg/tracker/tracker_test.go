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

package tracker

import (
	"context"
	"sync"
	"testing"

	"github.com/caspianflow/remedyci/pkg/models"
	"github.com/caspianflow/remedyci/pkg/store"
)

type fakeMessager struct {
	mu   sync.Mutex
	sent [][]byte
}

func (f *fakeMessager) Send(ctx context.Context, msg []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeMessager) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func setup(t *testing.T) (*Tracker, store.Store, *fakeMessager, string) {
	t.Helper()
	ctx := context.Background()
	st := store.NewMem()

	oauthConn, err := st.OAuthConnections().Upsert(ctx, &models.OAuthConnection{
		UserID:   "user-1",
		Provider: models.ProviderGitHub,
	})
	if err != nil {
		t.Fatalf("Upsert oauth: %v", err)
	}

	repoConn, err := st.RepositoryConnections().Create(ctx, &models.RepositoryConnection{
		UserID:             "user-1",
		RepositoryFullName: "acme/widgets",
		OAuthConnectionID:  oauthConn.ID,
		AutoPREnabled:      true,
		IsEnabled:          true,
		DefaultBranch:      "main",
	})
	if err != nil {
		t.Fatalf("Create repo conn: %v", err)
	}

	msg := &fakeMessager{}
	return New(ctx, st, msg), st, msg, repoConn.ID
}

func TestTracker_FailedRunOpensIncidentAndEnqueues(t *testing.T) {
	t.Parallel()

	tr, st, msg, repoConnID := setup(t)
	ctx := context.Background()

	run, err := tr.Apply(ctx, Event{
		RepositoryConnectionID: repoConnID,
		ProviderRunID:          "run-1",
		Status:                 models.WorkflowRunFailed,
		Conclusion:             "failure",
		Branch:                 "main",
	})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}

	incident, err := st.Incidents().GetOpenForWorkflowRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("expected incident to be opened: %v", err)
	}
	if incident.Severity != models.SeverityHigh {
		t.Fatalf("expected high severity for default-branch failure, got %v", incident.Severity)
	}
	if msg.count() != 1 {
		t.Fatalf("expected exactly one remediation task enqueued, got %d", msg.count())
	}
}

func TestTracker_DuplicateDeliveryEnqueuesOnce(t *testing.T) {
	t.Parallel()

	tr, _, msg, repoConnID := setup(t)
	ctx := context.Background()

	ev := Event{
		RepositoryConnectionID: repoConnID,
		ProviderRunID:          "run-1",
		Status:                 models.WorkflowRunFailed,
		Conclusion:             "failure",
		Branch:                 "main",
	}

	if _, err := tr.Apply(ctx, ev); err != nil {
		t.Fatalf("first Apply: %v", err)
	}
	if _, err := tr.Apply(ctx, ev); err != nil {
		t.Fatalf("second Apply: %v", err)
	}

	if msg.count() != 1 {
		t.Fatalf("expected at-most-once enqueue across duplicate deliveries, got %d", msg.count())
	}
}

func TestTracker_NonDefaultBranchIsMediumSeverity(t *testing.T) {
	t.Parallel()

	tr, st, _, repoConnID := setup(t)
	ctx := context.Background()

	run, err := tr.Apply(ctx, Event{
		RepositoryConnectionID: repoConnID,
		ProviderRunID:          "run-2",
		Status:                 models.WorkflowRunFailed,
		Conclusion:             "failure",
		Branch:                 "feature/x",
	})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}

	incident, err := st.Incidents().GetOpenForWorkflowRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("GetOpenForWorkflowRun: %v", err)
	}
	if incident.Severity != models.SeverityMedium {
		t.Fatalf("expected medium severity for non-default-branch failure, got %v", incident.Severity)
	}
}

func TestTracker_RunningStatusDoesNotOpenIncident(t *testing.T) {
	t.Parallel()

	tr, st, msg, repoConnID := setup(t)
	ctx := context.Background()

	run, err := tr.Apply(ctx, Event{
		RepositoryConnectionID: repoConnID,
		ProviderRunID:          "run-3",
		Status:                 models.WorkflowRunRunning,
	})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}

	if _, err := st.Incidents().GetOpenForWorkflowRun(ctx, run.ID); err == nil {
		t.Fatalf("expected no incident for a non-terminal run status")
	}
	if msg.count() != 0 {
		t.Fatalf("expected no remediation task for a running status, got %d", msg.count())
	}
}
