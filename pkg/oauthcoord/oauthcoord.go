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

// Package oauthcoord implements the authorization-code grant with
// CSRF-bound state (C3). The state value is itself the transient store: a
// short-lived signed JWT carrying the principal and a single-use nonce, so
// no side table is needed to hold it between begin and complete.
package oauthcoord

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/abcxyz/pkg/logging"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"

	"github.com/caspianflow/remedyci/pkg/errs"
	"github.com/caspianflow/remedyci/pkg/models"
	"github.com/caspianflow/remedyci/pkg/providerclient"
	"github.com/caspianflow/remedyci/pkg/store"
	"github.com/caspianflow/remedyci/pkg/vault"
)

const stateTTL = 10 * time.Minute

// stateClaims is the payload of the signed state JWT.
type stateClaims struct {
	Principal string `json:"principal"`
	Nonce     string `json:"nonce"`
	Provider  string `json:"provider"`
	jwt.RegisteredClaims
}

// UserInfoFetcher fetches the provider-side identity for a freshly
// exchanged token, used to populate OAuthConnection.ProviderUserID.
type UserInfoFetcher interface {
	FetchProviderUserID(ctx context.Context, token string) (string, error)
}

// Coordinator drives begin/complete/disconnect.
type Coordinator struct {
	store       store.Store
	vault       *vault.Vault
	client      providerclient.Client
	userInfo    UserInfoFetcher
	oauthConfig map[models.Provider]*oauth2.Config
	signingKey  []byte
}

// New constructs a Coordinator. oauthConfigs maps each supported provider to
// its authorization-code Config (client id/secret, endpoints, scopes).
func New(st store.Store, v *vault.Vault, client providerclient.Client, userInfo UserInfoFetcher, oauthConfigs map[models.Provider]*oauth2.Config, signingKey []byte) *Coordinator {
	return &Coordinator{store: st, vault: v, client: client, userInfo: userInfo, oauthConfig: oauthConfigs, signingKey: signingKey}
}

// BeginResult is returned by Begin.
type BeginResult struct {
	AuthorizationURL string
	State            string
}

// Begin generates a signed, short-lived state bound to principal and
// returns an authorization URL (spec.md §4.3 step 1).
func (c *Coordinator) Begin(ctx context.Context, principal string, provider models.Provider) (*BeginResult, error) {
	cfg, ok := c.oauthConfig[provider]
	if !ok {
		return nil, fmt.Errorf("unsupported provider %q: %w", provider, errs.ErrInputRejected)
	}

	nonce, err := randomNonce()
	if err != nil {
		return nil, fmt.Errorf("failed to generate state nonce: %w", err)
	}

	now := time.Now()
	claims := stateClaims{
		Principal: principal,
		Nonce:     nonce,
		Provider:  string(provider),
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(stateTTL)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(c.signingKey)
	if err != nil {
		return nil, fmt.Errorf("failed to sign state token: %w", err)
	}

	return &BeginResult{
		AuthorizationURL: cfg.AuthCodeURL(signed),
		State:            signed,
	}, nil
}

// CompleteInput is the callback payload from the provider redirect.
type CompleteInput struct {
	Code  string
	State string
}

// Complete verifies state, exchanges the code, fetches user info, and
// upserts the encrypted OAuthConnection (spec.md §4.3 step 2). A mismatched
// or expired state is a hard reject with no token exchange attempted; a
// failed user-info fetch after a successful exchange rolls back (no
// partial record is persisted).
func (c *Coordinator) Complete(ctx context.Context, in CompleteInput) (*models.OAuthConnection, error) {
	claims, err := c.verifyState(ctx, in.State)
	if err != nil {
		return nil, err
	}

	provider := models.Provider(claims.Provider)
	cfg, ok := c.oauthConfig[provider]
	if !ok {
		return nil, fmt.Errorf("unsupported provider %q: %w", provider, errs.ErrInputRejected)
	}

	tok, err := cfg.Exchange(ctx, in.Code)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to exchange authorization code", errs.ErrAuthFailed)
	}

	providerUserID, err := c.userInfo.FetchProviderUserID(ctx, tok.AccessToken)
	if err != nil {
		// no partial record: nothing has been persisted yet.
		return nil, fmt.Errorf("%w: failed to fetch provider user info after token exchange", errs.ErrAuthFailed)
	}

	encryptedAccess, err := c.vault.EncryptString(tok.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt access token: %w", err)
	}
	var encryptedRefresh []byte
	if tok.RefreshToken != "" {
		encryptedRefresh, err = c.vault.EncryptString(tok.RefreshToken)
		if err != nil {
			return nil, fmt.Errorf("failed to encrypt refresh token: %w", err)
		}
	}
	var expiresAt *time.Time
	if !tok.Expiry.IsZero() {
		expiresAt = &tok.Expiry
	}

	conn, err := c.store.OAuthConnections().Upsert(ctx, &models.OAuthConnection{
		UserID:               claims.Principal,
		Provider:             provider,
		EncryptedAccessToken: encryptedAccess,
		EncryptedRefresh:     encryptedRefresh,
		Scopes:               cfg.Scopes,
		ExpiresAt:            expiresAt,
		ProviderUserID:       providerUserID,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to persist oauth connection: %w", err)
	}
	return conn, nil
}

// verifyState parses and validates the state JWT, enforcing single use via
// the store's nonce guard.
func (c *Coordinator) verifyState(ctx context.Context, state string) (*stateClaims, error) {
	claims := &stateClaims{}
	_, err := jwt.ParseWithClaims(state, claims, func(t *jwt.Token) (interface{}, error) {
		return c.signingKey, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Name}))
	if err != nil {
		return nil, fmt.Errorf("%w: invalid or expired state", errs.ErrAuthFailed)
	}

	fresh, err := c.store.OAuthStates().ConsumeOnce(ctx, claims.Nonce, stateTTL)
	if err != nil {
		return nil, fmt.Errorf("failed to check state nonce: %w", err)
	}
	if !fresh {
		return nil, fmt.Errorf("%w: state has already been used", errs.ErrAuthFailed)
	}
	return claims, nil
}

// Disconnect revokes the provider-side token (best-effort) and marks the
// local record revoked; local revocation is durable even if the remote
// call fails (spec.md §4.3 step 3).
func (c *Coordinator) Disconnect(ctx context.Context, principal string, provider models.Provider) error {
	conn, err := c.store.OAuthConnections().GetActive(ctx, principal, provider)
	if err != nil {
		return fmt.Errorf("failed to load active oauth connection: %w", err)
	}

	token, err := c.vault.DecryptString(conn.EncryptedAccessToken)
	if err != nil {
		return fmt.Errorf("failed to decrypt access token: %w", err)
	}

	if err := c.client.RevokeToken(ctx, token); err != nil {
		// idempotent with warning: local revocation proceeds regardless.
		logging.FromContext(ctx).WarnContext(ctx, "failed to revoke provider token, revoking locally", "provider", provider, "error", err)
	}

	if err := c.store.OAuthConnections().MarkRevoked(ctx, conn.ID); err != nil {
		return fmt.Errorf("failed to mark oauth connection revoked: %w", err)
	}
	return nil
}

// Refresh exchanges conn's stored refresh token for a new access token,
// persists the result, and returns the new plaintext access token. Callers
// invoke this lazily on a 401 from the provider client and retry their call
// once with the returned token (spec.md §4.3 "transparent to callers", §8
// "token refresh racing with a call").
func (c *Coordinator) Refresh(ctx context.Context, conn *models.OAuthConnection) (string, error) {
	if len(conn.EncryptedRefresh) == 0 {
		return "", fmt.Errorf("%w: connection has no refresh token on file", errs.ErrAuthFailed)
	}
	cfg, ok := c.oauthConfig[conn.Provider]
	if !ok {
		return "", fmt.Errorf("unsupported provider %q: %w", conn.Provider, errs.ErrInputRejected)
	}

	refreshToken, err := c.vault.DecryptString(conn.EncryptedRefresh)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt refresh token: %w", err)
	}

	tok, err := cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		return "", fmt.Errorf("%w: failed to exchange refresh token", errs.ErrAuthFailed)
	}

	encryptedAccess, err := c.vault.EncryptString(tok.AccessToken)
	if err != nil {
		return "", fmt.Errorf("failed to encrypt refreshed access token: %w", err)
	}
	encryptedRefresh := conn.EncryptedRefresh
	if tok.RefreshToken != "" && tok.RefreshToken != refreshToken {
		encryptedRefresh, err = c.vault.EncryptString(tok.RefreshToken)
		if err != nil {
			return "", fmt.Errorf("failed to encrypt rotated refresh token: %w", err)
		}
	}
	var expiresAt *time.Time
	if !tok.Expiry.IsZero() {
		expiresAt = &tok.Expiry
	}

	if err := c.store.OAuthConnections().UpdateTokens(ctx, conn.ID, encryptedAccess, encryptedRefresh, expiresAt); err != nil {
		return "", fmt.Errorf("failed to persist refreshed token: %w", err)
	}

	conn.EncryptedAccessToken = encryptedAccess
	conn.EncryptedRefresh = encryptedRefresh
	conn.ExpiresAt = expiresAt
	return tok.AccessToken, nil
}

func randomNonce() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to read random bytes: %w", err)
	}
	return hex.EncodeToString(b), nil
}
