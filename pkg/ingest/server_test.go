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

package ingest

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/caspianflow/remedyci/pkg/models"
	"github.com/caspianflow/remedyci/pkg/store"
	"github.com/caspianflow/remedyci/pkg/tracker"
)

type fakeVerifier struct {
	ok  bool
	err error
}

func (f *fakeVerifier) Verify(provider models.Provider, rawBody []byte, headerSignature string, encryptedSecret []byte) (bool, error) {
	return f.ok, f.err
}

func setupServer(t *testing.T, verifier Verifier) (*Server, store.Store) {
	t.Helper()
	ctx := context.Background()
	st := store.NewMem()

	oauthConn, err := st.OAuthConnections().Upsert(ctx, &models.OAuthConnection{UserID: "user-1", Provider: models.ProviderGitHub})
	if err != nil {
		t.Fatalf("Upsert oauth: %v", err)
	}
	if _, err := st.RepositoryConnections().Create(ctx, &models.RepositoryConnection{
		UserID:             "user-1",
		RepositoryFullName: "acme/widgets",
		OAuthConnectionID:  oauthConn.ID,
		IsEnabled:          true,
		DefaultBranch:      "main",
	}); err != nil {
		t.Fatalf("Create repo conn: %v", err)
	}

	tr := tracker.New(ctx, st, nil)
	return New(st, tr, verifier, nil, "test-project"), st
}

func TestHandleIngest_AcceptsValidWorkflowRunAndOpensIncident(t *testing.T) {
	t.Parallel()

	s, st := setupServer(t, &fakeVerifier{ok: true})
	body := `{"action":"completed","repository":{"full_name":"acme/widgets"},"workflow_run":{"id":42,"status":"completed","conclusion":"failure","head_branch":"main","head_sha":"abc123"}}`

	req := httptest.NewRequest(http.MethodPost, "/ingest/github", strings.NewReader(body))
	req.Header.Set("X-GitHub-Event", "workflow_run")
	req.Header.Set("X-Hub-Signature-256", "sha256=whatever")
	rec := httptest.NewRecorder()

	s.Routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	run, err := st.WorkflowRuns().Get(context.Background(), mustRepoConnID(t, st), "42")
	if err != nil {
		t.Fatalf("expected workflow run to be upserted: %v", err)
	}
	if run.Status != models.WorkflowRunFailed {
		t.Fatalf("expected failed status, got %v", run.Status)
	}
	if _, err := st.Incidents().GetOpenForWorkflowRun(context.Background(), run.ID); err != nil {
		t.Fatalf("expected an incident to be opened: %v", err)
	}
}

func TestHandleIngest_RejectsBadSignature(t *testing.T) {
	t.Parallel()

	s, _ := setupServer(t, &fakeVerifier{ok: false})
	body := `{"repository":{"full_name":"acme/widgets"},"workflow_run":{"id":1}}`

	req := httptest.NewRequest(http.MethodPost, "/ingest/github", strings.NewReader(body))
	req.Header.Set("X-GitHub-Event", "workflow_run")
	rec := httptest.NewRecorder()

	s.Routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestHandleIngest_UnknownRepositoryIgnoredWith200(t *testing.T) {
	t.Parallel()

	s, _ := setupServer(t, &fakeVerifier{ok: true})
	body := `{"repository":{"full_name":"someone/else"},"workflow_run":{"id":1}}`

	req := httptest.NewRequest(http.MethodPost, "/ingest/github", strings.NewReader(body))
	req.Header.Set("X-GitHub-Event", "workflow_run")
	rec := httptest.NewRecorder()

	s.Routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for unknown repository, got %d", rec.Code)
	}
}

func TestHandleIngest_MissingRepositoryIdentifierRejectedWith400(t *testing.T) {
	t.Parallel()

	s, _ := setupServer(t, &fakeVerifier{ok: true})
	body := `{"workflow_run":{"id":1}}`

	req := httptest.NewRequest(http.MethodPost, "/ingest/github", strings.NewReader(body))
	req.Header.Set("X-GitHub-Event", "workflow_run")
	rec := httptest.NewRecorder()

	s.Routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestHandleIngest_RejectsDuplicateDeliveryID(t *testing.T) {
	t.Parallel()

	s, st := setupServer(t, &fakeVerifier{ok: true})
	body := `{"action":"completed","repository":{"full_name":"acme/widgets"},"workflow_run":{"id":42,"status":"completed","conclusion":"failure","head_branch":"main","head_sha":"abc123"}}`

	send := func() int {
		req := httptest.NewRequest(http.MethodPost, "/ingest/github", strings.NewReader(body))
		req.Header.Set("X-GitHub-Event", "workflow_run")
		req.Header.Set("X-Hub-Signature-256", "sha256=whatever")
		req.Header.Set("X-GitHub-Delivery", "delivery-1")
		rec := httptest.NewRecorder()
		s.Routes().ServeHTTP(rec, req)
		return rec.Code
	}

	if code := send(); code != http.StatusOK {
		t.Fatalf("expected first delivery to return 200, got %d", code)
	}
	run, err := st.WorkflowRuns().Get(context.Background(), mustRepoConnID(t, st), "42")
	if err != nil {
		t.Fatalf("expected workflow run to be upserted: %v", err)
	}
	firstUpdatedAt := run.UpdatedAt

	if code := send(); code != http.StatusOK {
		t.Fatalf("expected redelivery to also return 200, got %d", code)
	}
	run, err = st.WorkflowRuns().Get(context.Background(), mustRepoConnID(t, st), "42")
	if err != nil {
		t.Fatalf("expected workflow run to still exist: %v", err)
	}
	if !run.UpdatedAt.Equal(firstUpdatedAt) {
		t.Fatal("expected duplicate delivery to be ignored without reapplying the event")
	}
}

func mustRepoConnID(t *testing.T, st store.Store) string {
	t.Helper()
	conn, err := st.RepositoryConnections().GetActiveByFullName(context.Background(), "acme/widgets")
	if err != nil {
		t.Fatalf("GetActiveByFullName: %v", err)
	}
	return conn.ID
}
