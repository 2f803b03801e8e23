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

package oauthcoord

import (
	"context"
	"encoding/base64"
	"errors"
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"

	"github.com/caspianflow/remedyci/pkg/errs"
	"github.com/caspianflow/remedyci/pkg/models"
	"github.com/caspianflow/remedyci/pkg/providerclient"
	"github.com/caspianflow/remedyci/pkg/store"
	"github.com/caspianflow/remedyci/pkg/vault"
)

type fakeUserInfo struct {
	id  string
	err error
}

func (f *fakeUserInfo) FetchProviderUserID(ctx context.Context, token string) (string, error) {
	return f.id, f.err
}

type fakeRevokeClient struct {
	providerclient.Client
	revoked bool
	err     error
}

func (f *fakeRevokeClient) RevokeToken(ctx context.Context, token string) error {
	f.revoked = true
	return f.err
}

func testCoordinator(t *testing.T, userInfo UserInfoFetcher) (*Coordinator, store.Store) {
	t.Helper()
	key := make([]byte, 32)
	v, err := vault.New("1", base64.StdEncoding.EncodeToString(key))
	if err != nil {
		t.Fatalf("vault.New: %v", err)
	}
	st := store.NewMem()
	cfgs := map[models.Provider]*oauth2.Config{
		models.ProviderGitHub: {
			ClientID:     "client-id",
			ClientSecret: "client-secret",
			Scopes:       []string{"repo"},
			Endpoint:     oauth2.Endpoint{AuthURL: "https://github.example.com/authorize", TokenURL: "https://github.example.com/token"},
			RedirectURL:  "https://remedyci.example.com/oauth/callback",
		},
	}
	return New(st, v, &fakeRevokeClient{}, userInfo, cfgs, []byte("signing-key")), st
}

func TestCoordinator_BeginProducesAuthURL(t *testing.T) {
	t.Parallel()

	c, _ := testCoordinator(t, &fakeUserInfo{id: "gh-123"})
	res, err := c.Begin(context.Background(), "principal-1", models.ProviderGitHub)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if res.State == "" || res.AuthorizationURL == "" {
		t.Fatalf("expected non-empty state and authorization URL")
	}
}

func TestCoordinator_CompleteRejectsTamperedState(t *testing.T) {
	t.Parallel()

	c, _ := testCoordinator(t, &fakeUserInfo{id: "gh-123"})
	_, err := c.Complete(context.Background(), CompleteInput{Code: "abc", State: "not-a-real-jwt"})
	if !errors.Is(err, errs.ErrAuthFailed) {
		t.Fatalf("expected ErrAuthFailed, got %v", err)
	}
}

func TestCoordinator_CompleteRejectsReplayedState(t *testing.T) {
	t.Parallel()

	c, st := testCoordinator(t, &fakeUserInfo{id: "gh-123"})
	begin, err := c.Begin(context.Background(), "principal-1", models.ProviderGitHub)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}

	// Pre-consume the nonce directly, simulating a prior completed exchange.
	claims := &stateClaims{}
	if _, err := jwt.ParseWithClaims(begin.State, claims, func(t *jwt.Token) (interface{}, error) {
		return c.signingKey, nil
	}); err != nil {
		t.Fatalf("ParseWithClaims: %v", err)
	}
	if _, err := st.OAuthStates().ConsumeOnce(context.Background(), claims.Nonce, stateTTL); err != nil {
		t.Fatalf("ConsumeOnce: %v", err)
	}

	_, err = c.Complete(context.Background(), CompleteInput{Code: "abc", State: begin.State})
	if !errors.Is(err, errs.ErrAuthFailed) {
		t.Fatalf("expected replayed state to be rejected, got %v", err)
	}
}

func TestCoordinator_DisconnectRevokesLocallyEvenOnRemoteFailure(t *testing.T) {
	t.Parallel()

	c, st := testCoordinator(t, &fakeUserInfo{id: "gh-123"})
	c.client = &fakeRevokeClient{err: errors.New("remote revoke failed")}
	conn, err := st.OAuthConnections().Upsert(context.Background(), &models.OAuthConnection{
		UserID:               "principal-1",
		Provider:             models.ProviderGitHub,
		EncryptedAccessToken: mustEncrypt(t, c, "token-value"),
	})
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	if err := c.Disconnect(context.Background(), "principal-1", models.ProviderGitHub); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}

	revoked, err := st.OAuthConnections().Get(context.Background(), conn.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !revoked.Revoked {
		t.Fatalf("expected connection to be marked revoked")
	}
}

func mustEncrypt(t *testing.T, c *Coordinator, s string) []byte {
	t.Helper()
	b, err := c.vault.EncryptString(s)
	if err != nil {
		t.Fatalf("EncryptString: %v", err)
	}
	return b
}
