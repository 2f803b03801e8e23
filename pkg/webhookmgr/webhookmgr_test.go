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

package webhookmgr

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"testing"

	"github.com/caspianflow/remedyci/pkg/models"
	"github.com/caspianflow/remedyci/pkg/providerclient"
	"github.com/caspianflow/remedyci/pkg/store"
	"github.com/caspianflow/remedyci/pkg/vault"
)

type fakeClient struct {
	providerclient.Client
	createErr error
	created   providerclient.Webhook
	deleted   bool
}

func (f *fakeClient) CreateWebhook(ctx context.Context, token, owner, repo string, in providerclient.WebhookInput) (*providerclient.Webhook, error) {
	if f.createErr != nil {
		return nil, f.createErr
	}
	return &f.created, nil
}

func (f *fakeClient) DeleteWebhook(ctx context.Context, token, owner, repo string, id int64) error {
	f.deleted = true
	return nil
}

func testVault(t *testing.T) *vault.Vault {
	t.Helper()
	key := make([]byte, 32)
	v, err := vault.New("1", base64.StdEncoding.EncodeToString(key))
	if err != nil {
		t.Fatalf("vault.New: %v", err)
	}
	return v
}

func TestManager_InstallSucceeds(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	st := store.NewMem()
	v := testVault(t)
	client := &fakeClient{created: providerclient.Webhook{ID: 42}}
	mgr := New(client, st, v, "https://ingest.example.com/webhook/github")

	oauthConn, _ := st.OAuthConnections().Upsert(ctx, &models.OAuthConnection{UserID: "u1", Provider: models.ProviderGitHub})
	repoConn, _ := st.RepositoryConnections().Create(ctx, &models.RepositoryConnection{
		UserID: "u1", RepositoryFullName: "acme/widgets", OAuthConnectionID: oauthConn.ID,
	})

	if err := mgr.Install(ctx, "token", repoConn, models.ProviderGitHub, nil); err != nil {
		t.Fatalf("Install: %v", err)
	}

	updated, err := st.RepositoryConnections().Get(ctx, repoConn.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if updated.WebhookStatus != models.WebhookStatusActive {
		t.Fatalf("expected status active, got %v", updated.WebhookStatus)
	}
	if updated.WebhookID == nil || *updated.WebhookID != 42 {
		t.Fatalf("expected webhook id 42, got %v", updated.WebhookID)
	}
	if len(updated.Events) != 3 {
		t.Fatalf("expected default github events, got %v", updated.Events)
	}
}

func TestManager_InstallFailureMarksFailedButStaysUsable(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	st := store.NewMem()
	v := testVault(t)
	client := &fakeClient{createErr: errBoom}
	mgr := New(client, st, v, "https://ingest.example.com/webhook/github")

	oauthConn, _ := st.OAuthConnections().Upsert(ctx, &models.OAuthConnection{UserID: "u1", Provider: models.ProviderGitHub})
	repoConn, _ := st.RepositoryConnections().Create(ctx, &models.RepositoryConnection{
		UserID: "u1", RepositoryFullName: "acme/widgets", OAuthConnectionID: oauthConn.ID, IsEnabled: true,
	})

	if err := mgr.Install(ctx, "token", repoConn, models.ProviderGitHub, nil); err == nil {
		t.Fatalf("expected provisioning failure to propagate")
	}

	updated, err := st.RepositoryConnections().Get(ctx, repoConn.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if updated.WebhookStatus != models.WebhookStatusFailed {
		t.Fatalf("expected status failed, got %v", updated.WebhookStatus)
	}
	if !updated.IsEnabled {
		t.Fatalf("expected repository connection to remain usable after provisioning failure")
	}
}

func TestManager_VerifyGitHubSignature(t *testing.T) {
	t.Parallel()

	v := testVault(t)
	mgr := New(nil, nil, v, "")

	secret := "shh-secret"
	encrypted, err := v.EncryptString(secret)
	if err != nil {
		t.Fatalf("EncryptString: %v", err)
	}

	body := []byte(`{"action":"completed"}`)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	sig := "sha256=" + hex.EncodeToString(mac.Sum(nil))

	ok, err := mgr.Verify(models.ProviderGitHub, body, sig, encrypted)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !ok {
		t.Fatalf("expected valid signature to verify")
	}

	ok, err = mgr.Verify(models.ProviderGitHub, body, "sha256=deadbeef", encrypted)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if ok {
		t.Fatalf("expected tampered signature to be rejected")
	}
}

func TestManager_VerifyMissingSignatureRejected(t *testing.T) {
	t.Parallel()

	v := testVault(t)
	mgr := New(nil, nil, v, "")

	ok, err := mgr.Verify(models.ProviderGitHub, []byte("x"), "", []byte("whatever"))
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if ok {
		t.Fatalf("expected empty signature to be rejected")
	}
}

var errBoom = errBoomType{}

type errBoomType struct{}

func (errBoomType) Error() string { return "boom" }
