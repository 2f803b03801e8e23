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

package connection

import (
	"context"
	"encoding/base64"
	"errors"
	"testing"

	"github.com/caspianflow/remedyci/pkg/errs"
	"github.com/caspianflow/remedyci/pkg/models"
	"github.com/caspianflow/remedyci/pkg/providerclient"
	"github.com/caspianflow/remedyci/pkg/store"
	"github.com/caspianflow/remedyci/pkg/vault"
	"github.com/caspianflow/remedyci/pkg/webhookmgr"
)

type fakeClient struct {
	providerclient.Client

	repo          *providerclient.Repository
	webhook       *providerclient.Webhook
	createHookErr error
	deleteHookErr error
	deletedHookID int64
}

func (f *fakeClient) GetRepository(ctx context.Context, token, owner, repo string) (*providerclient.Repository, error) {
	return f.repo, nil
}

func (f *fakeClient) CreateWebhook(ctx context.Context, token, owner, repo string, in providerclient.WebhookInput) (*providerclient.Webhook, error) {
	if f.createHookErr != nil {
		return nil, f.createHookErr
	}
	return f.webhook, nil
}

func (f *fakeClient) DeleteWebhook(ctx context.Context, token, owner, repo string, id int64) error {
	f.deletedHookID = id
	return f.deleteHookErr
}

func setupService(t *testing.T, client providerclient.Client) (*Service, store.Store, string) {
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

	oauthConn, err := st.OAuthConnections().Upsert(ctx, &models.OAuthConnection{
		UserID:               "user-1",
		Provider:             models.ProviderGitHub,
		EncryptedAccessToken: encToken,
	})
	if err != nil {
		t.Fatalf("Upsert oauth: %v", err)
	}

	webhooks := webhookmgr.New(client, st, v, "https://ingest.example.com/ingest/github")
	svc := New(st, client, v, webhooks, nil)
	return svc, st, oauthConn.ID
}

func TestConnect_CreatesRecordWithoutWebhookWhenNotRequested(t *testing.T) {
	t.Parallel()

	client := &fakeClient{repo: &providerclient.Repository{FullName: "acme/widgets", DefaultBranch: "main"}}
	svc, _, _ := setupService(t, client)

	conn, err := svc.Connect(context.Background(), "user-1", models.ProviderGitHub, ConnectInput{
		FullName:     "acme/widgets",
		SetupWebhook: false,
	})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if conn.DefaultBranch != "main" {
		t.Fatalf("expected resolved default branch 'main', got %q", conn.DefaultBranch)
	}
	if conn.WebhookStatus != models.WebhookStatusNotProvisioned {
		t.Fatalf("expected webhook status not_provisioned, got %v", conn.WebhookStatus)
	}
}

func TestConnect_ProvisionsWebhookWhenRequested(t *testing.T) {
	t.Parallel()

	client := &fakeClient{
		repo:    &providerclient.Repository{FullName: "acme/widgets", DefaultBranch: "main"},
		webhook: &providerclient.Webhook{ID: 99},
	}
	svc, _, _ := setupService(t, client)

	conn, err := svc.Connect(context.Background(), "user-1", models.ProviderGitHub, ConnectInput{
		FullName:     "acme/widgets",
		SetupWebhook: true,
	})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if conn.WebhookStatus != models.WebhookStatusActive {
		t.Fatalf("expected webhook status active, got %v", conn.WebhookStatus)
	}
	if conn.WebhookID == nil || *conn.WebhookID != 99 {
		t.Fatalf("expected webhook id 99, got %v", conn.WebhookID)
	}
}

func TestConnect_WebhookFailureStillReturnsUsableConnection(t *testing.T) {
	t.Parallel()

	client := &fakeClient{
		repo:          &providerclient.Repository{FullName: "acme/widgets", DefaultBranch: "main"},
		createHookErr: errors.New("provider unavailable"),
	}
	svc, _, _ := setupService(t, client)

	conn, err := svc.Connect(context.Background(), "user-1", models.ProviderGitHub, ConnectInput{
		FullName:     "acme/widgets",
		SetupWebhook: true,
	})
	if err == nil {
		t.Fatal("expected an error reporting webhook provisioning failure")
	}
	if conn == nil {
		t.Fatal("expected a usable connection even when webhook provisioning failed")
	}
	if conn.WebhookStatus != models.WebhookStatusFailed {
		t.Fatalf("expected webhook status failed, got %v", conn.WebhookStatus)
	}
}

func TestConnect_RejectsEmptyFullName(t *testing.T) {
	t.Parallel()

	svc, _, _ := setupService(t, &fakeClient{})
	_, err := svc.Connect(context.Background(), "user-1", models.ProviderGitHub, ConnectInput{})
	if !errors.Is(err, errs.ErrInputRejected) {
		t.Fatalf("expected ErrInputRejected, got %v", err)
	}
}

func TestDisconnect_DeletesWebhookAndLocalRecord(t *testing.T) {
	t.Parallel()

	client := &fakeClient{
		repo:    &providerclient.Repository{FullName: "acme/widgets", DefaultBranch: "main"},
		webhook: &providerclient.Webhook{ID: 99},
	}
	svc, st, _ := setupService(t, client)

	conn, err := svc.Connect(context.Background(), "user-1", models.ProviderGitHub, ConnectInput{
		FullName:     "acme/widgets",
		SetupWebhook: true,
	})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}

	result, err := svc.Disconnect(context.Background(), "user-1", conn.ID, DisconnectInput{DeleteWebhook: true})
	if err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	if !result.WebhookDeleted {
		t.Fatal("expected webhook deletion to succeed")
	}
	if client.deletedHookID != 99 {
		t.Fatalf("expected DeleteWebhook called with id 99, got %d", client.deletedHookID)
	}
	if _, err := st.RepositoryConnections().Get(context.Background(), conn.ID); err == nil {
		t.Fatal("expected local connection to be removed")
	}
}

func TestDisconnect_ReportsWebhookDeletedFalseOnRemoteFailure(t *testing.T) {
	t.Parallel()

	client := &fakeClient{
		repo:    &providerclient.Repository{FullName: "acme/widgets", DefaultBranch: "main"},
		webhook: &providerclient.Webhook{ID: 99},
	}
	svc, st, _ := setupService(t, client)

	conn, err := svc.Connect(context.Background(), "user-1", models.ProviderGitHub, ConnectInput{
		FullName:     "acme/widgets",
		SetupWebhook: true,
	})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}

	client.deleteHookErr = errors.New("provider returned 500")

	result, err := svc.Disconnect(context.Background(), "user-1", conn.ID, DisconnectInput{DeleteWebhook: true})
	if err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	if result.WebhookDeleted {
		t.Fatal("expected webhook_deleted: false when remote deletion fails")
	}
	if _, err := st.RepositoryConnections().Get(context.Background(), conn.ID); err == nil {
		t.Fatal("expected local connection to be removed even though remote deletion failed")
	}
}

func TestDisconnect_RejectsMismatchedPrincipal(t *testing.T) {
	t.Parallel()

	client := &fakeClient{repo: &providerclient.Repository{FullName: "acme/widgets", DefaultBranch: "main"}}
	svc, _, _ := setupService(t, client)

	conn, err := svc.Connect(context.Background(), "user-1", models.ProviderGitHub, ConnectInput{FullName: "acme/widgets"})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}

	_, err = svc.Disconnect(context.Background(), "someone-else", conn.ID, DisconnectInput{})
	if !errors.Is(err, errs.ErrAuthFailed) {
		t.Fatalf("expected ErrAuthFailed, got %v", err)
	}
}
