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

package httpapi

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"golang.org/x/oauth2"

	"github.com/caspianflow/remedyci/pkg/connection"
	"github.com/caspianflow/remedyci/pkg/models"
	"github.com/caspianflow/remedyci/pkg/oauthcoord"
	"github.com/caspianflow/remedyci/pkg/providerclient"
	"github.com/caspianflow/remedyci/pkg/store"
	"github.com/caspianflow/remedyci/pkg/vault"
	"github.com/caspianflow/remedyci/pkg/webhookmgr"
)

type fakeUserInfoFetcher struct{}

func (fakeUserInfoFetcher) FetchProviderUserID(ctx context.Context, token string) (string, error) {
	return "gh-99999", nil
}

type fakeClient struct {
	providerclient.Client
	repo  *providerclient.Repository
	repos []providerclient.Repository
}

func (f *fakeClient) GetRepository(ctx context.Context, token, owner, repo string) (*providerclient.Repository, error) {
	return f.repo, nil
}

func (f *fakeClient) ListRepositories(ctx context.Context, token string, opts providerclient.ListOptions) ([]providerclient.Repository, error) {
	return f.repos, nil
}

func (f *fakeClient) CreateWebhook(ctx context.Context, token, owner, repo string, in providerclient.WebhookInput) (*providerclient.Webhook, error) {
	return &providerclient.Webhook{ID: 1}, nil
}

func setupServer(t *testing.T) (*Server, store.Store) {
	t.Helper()
	ctx := context.Background()
	st := store.NewMem()

	key := make([]byte, 32)
	v, err := vault.New("1", base64.StdEncoding.EncodeToString(key))
	if err != nil {
		t.Fatalf("vault.New: %v", err)
	}
	encToken, err := v.EncryptString("gh-token")
	if err != nil {
		t.Fatalf("EncryptString: %v", err)
	}
	if _, err := st.OAuthConnections().Upsert(ctx, &models.OAuthConnection{
		UserID:               "user-1",
		Provider:             models.ProviderGitHub,
		EncryptedAccessToken: encToken,
		ProviderUserID:       "gh-12345",
	}); err != nil {
		t.Fatalf("Upsert oauth: %v", err)
	}

	client := &fakeClient{
		repo:  &providerclient.Repository{FullName: "acme/widgets", DefaultBranch: "main"},
		repos: []providerclient.Repository{{FullName: "acme/widgets", DefaultBranch: "main"}},
	}
	oauthConfigs := map[models.Provider]*oauth2.Config{
		models.ProviderGitHub: {ClientID: "client-id"},
	}
	oauth := oauthcoord.New(st, v, client, fakeUserInfoFetcher{}, oauthConfigs, []byte("test-signing-key"))
	webhooks := webhookmgr.New(client, st, v, "https://ingest.example.com/ingest/github")
	connSvc := connection.New(st, client, v, webhooks, oauth)

	return New(st, oauth, connSvc, client, v, nil, "test-project"), st
}

func TestHandleOAuthConnections_ListsActiveConnections(t *testing.T) {
	t.Parallel()

	s, _ := setupServer(t)
	req := httptest.NewRequest(http.MethodGet, "/oauth/connections", nil)
	req.Header.Set(principalHeader, "user-1")
	rec := httptest.NewRecorder()

	s.Routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var out []connectionSummary
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(out) != 1 || out[0].Provider != "github" {
		t.Fatalf("expected one github connection, got %+v", out)
	}
}

func TestHandleOAuthConnections_RejectsMissingPrincipal(t *testing.T) {
	t.Parallel()

	s, _ := setupServer(t)
	req := httptest.NewRequest(http.MethodGet, "/oauth/connections", nil)
	rec := httptest.NewRecorder()

	s.Routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestHandleConnect_CreatesRepositoryConnection(t *testing.T) {
	t.Parallel()

	s, st := setupServer(t)
	body := `{"full_name":"acme/widgets","provider":"github","setup_webhook":true,"auto_pr_enabled":true}`
	req := httptest.NewRequest(http.MethodPost, "/repositories/connect", strings.NewReader(body))
	req.Header.Set(principalHeader, "user-1")
	rec := httptest.NewRecorder()

	s.Routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var out repositoryConnectionResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out.WebhookStatus != "active" {
		t.Fatalf("expected active webhook status, got %q", out.WebhookStatus)
	}

	conns, err := st.RepositoryConnections().List(context.Background(), "user-1")
	if err != nil || len(conns) != 1 {
		t.Fatalf("expected one persisted connection, got %v, err %v", conns, err)
	}
}

func TestHandleListAvailable_ReturnsProviderRepositories(t *testing.T) {
	t.Parallel()

	s, _ := setupServer(t)
	req := httptest.NewRequest(http.MethodGet, "/repositories?provider=github", nil)
	req.Header.Set(principalHeader, "user-1")
	rec := httptest.NewRecorder()

	s.Routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var out []providerclient.Repository
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(out) != 1 || out[0].FullName != "acme/widgets" {
		t.Fatalf("expected one repository, got %+v", out)
	}
}
