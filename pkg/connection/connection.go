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

// Package connection is the Repository Connection Service (C8): a thin
// coordinator that creates/removes RepositoryConnection records and
// delegates webhook lifecycle to webhookmgr, per spec.md §5.8.
package connection

import (
	"context"
	"errors"
	"fmt"

	"github.com/caspianflow/remedyci/pkg/errs"
	"github.com/caspianflow/remedyci/pkg/models"
	"github.com/caspianflow/remedyci/pkg/providerclient"
	"github.com/caspianflow/remedyci/pkg/store"
	"github.com/caspianflow/remedyci/pkg/vault"
	"github.com/caspianflow/remedyci/pkg/webhookmgr"
)

// refresher lazily refreshes an OAuth connection's access token when a
// provider call returns 401 (spec.md §4.3 "transparent to callers").
type refresher interface {
	Refresh(ctx context.Context, conn *models.OAuthConnection) (string, error)
}

// Service coordinates repository connection lifecycle.
type Service struct {
	store     store.Store
	client    providerclient.Client
	vault     *vault.Vault
	webhooks  *webhookmgr.Manager
	refresher refresher
}

// New constructs a Service. refresh may be nil, in which case a 401 from
// the provider client surfaces directly instead of being retried.
func New(st store.Store, client providerclient.Client, v *vault.Vault, webhooks *webhookmgr.Manager, refresh refresher) *Service {
	return &Service{store: st, client: client, vault: v, webhooks: webhooks, refresher: refresh}
}

// withFreshToken decrypts conn's current access token and invokes op; if op
// fails with ErrUnauthorized and a refresher is configured, it exchanges
// the stored refresh token once and retries op with the new access token
// (spec.md §4.3, §8 "token refresh racing with a call").
func (s *Service) withFreshToken(ctx context.Context, conn *models.OAuthConnection, op func(token string) error) error {
	token, err := s.vault.DecryptString(conn.EncryptedAccessToken)
	if err != nil {
		return fmt.Errorf("failed to decrypt access token: %w", err)
	}

	err = op(token)
	if err == nil || s.refresher == nil || !errors.Is(err, errs.ErrUnauthorized) {
		return err
	}

	refreshed, rerr := s.refresher.Refresh(ctx, conn)
	if rerr != nil {
		return err
	}
	return op(refreshed)
}

// ConnectInput is the connect request body (spec.md §5.8/§5.9).
type ConnectInput struct {
	FullName      string
	AutoPREnabled bool
	SetupWebhook  bool
	Events        []string
	DefaultBranch string
}

// Connect creates the local record, then, if requested, provisions a
// webhook through webhookmgr. Both halves are transactional locally;
// a remote webhook failure is recorded on the connection's webhook_status,
// and the created connection is returned together with the install error
// (spec.md §5.8).
func (s *Service) Connect(ctx context.Context, principal string, provider models.Provider, in ConnectInput) (*models.RepositoryConnection, error) {
	if in.FullName == "" {
		return nil, fmt.Errorf("%w: full_name is required", errs.ErrInputRejected)
	}

	oauthConn, err := s.store.OAuthConnections().GetActive(ctx, principal, provider)
	if err != nil {
		return nil, fmt.Errorf("no active oauth connection for provider %q: %w", provider, err)
	}

	defaultBranch := in.DefaultBranch
	if defaultBranch == "" {
		owner, name, serr := splitFullName(in.FullName)
		if serr != nil {
			return nil, serr
		}
		var repo *providerclient.Repository
		err := s.withFreshToken(ctx, oauthConn, func(token string) error {
			r, rerr := s.client.GetRepository(ctx, token, owner, name)
			if rerr != nil {
				return rerr
			}
			repo = r
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("failed to resolve default branch: %w", err)
		}
		defaultBranch = repo.DefaultBranch
	}

	repoConn, err := s.store.RepositoryConnections().Create(ctx, &models.RepositoryConnection{
		UserID:             principal,
		RepositoryFullName: in.FullName,
		OAuthConnectionID:  oauthConn.ID,
		AutoPREnabled:      in.AutoPREnabled,
		IsEnabled:          true,
		DefaultBranch:      defaultBranch,
		WebhookStatus:      models.WebhookStatusNotProvisioned,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create repository connection: %w", err)
	}

	if !in.SetupWebhook {
		return repoConn, nil
	}

	if err := s.withFreshToken(ctx, oauthConn, func(token string) error {
		return s.webhooks.Install(ctx, token, repoConn, provider, in.Events)
	}); err != nil {
		// repoConn's webhook_status was already set to failed and
		// persisted by Install; the connection itself still exists and
		// is reported back, matching the "remains usable but dormant"
		// behavior of spec.md §5.4.
		refreshed, gerr := s.store.RepositoryConnections().Get(ctx, repoConn.ID)
		if gerr != nil {
			return repoConn, fmt.Errorf("failed to install webhook: %w", err)
		}
		return refreshed, fmt.Errorf("failed to install webhook: %w", err)
	}

	return s.store.RepositoryConnections().Get(ctx, repoConn.ID)
}

// DisconnectInput is the disconnect request body.
type DisconnectInput struct {
	DeleteWebhook bool
}

// DisconnectResult reports whether the remote webhook deletion succeeded,
// so callers can surface a partial-success response (spec.md §9 scenario).
type DisconnectResult struct {
	WebhookDeleted bool
}

// Disconnect removes connectionID. If DeleteWebhook is set, it delegates
// to webhookmgr first (best-effort); local state is cleared unconditionally
// regardless of remote outcome (spec.md §5.8, §4.4).
func (s *Service) Disconnect(ctx context.Context, principal string, connectionID string, in DisconnectInput) (*DisconnectResult, error) {
	repoConn, err := s.store.RepositoryConnections().Get(ctx, connectionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load repository connection: %w", err)
	}
	if repoConn.UserID != principal {
		return nil, fmt.Errorf("%w: connection does not belong to principal", errs.ErrAuthFailed)
	}

	result := &DisconnectResult{WebhookDeleted: true}

	if in.DeleteWebhook && repoConn.WebhookID != nil {
		oauthConn, oerr := s.store.OAuthConnections().Get(ctx, repoConn.OAuthConnectionID)
		if oerr != nil {
			result.WebhookDeleted = false
		} else if rerr := s.withFreshToken(ctx, oauthConn, func(token string) error {
			return s.webhooks.Remove(ctx, token, repoConn)
		}); rerr != nil {
			result.WebhookDeleted = false
		}
	}

	if err := s.store.RepositoryConnections().Delete(ctx, connectionID); err != nil {
		return nil, fmt.Errorf("failed to delete repository connection: %w", err)
	}
	return result, nil
}

// List returns every connection owned by principal.
func (s *Service) List(ctx context.Context, principal string) ([]*models.RepositoryConnection, error) {
	conns, err := s.store.RepositoryConnections().List(ctx, principal)
	if err != nil {
		return nil, fmt.Errorf("failed to list repository connections: %w", err)
	}
	return conns, nil
}

// Get returns a single connection owned by principal.
func (s *Service) Get(ctx context.Context, principal, connectionID string) (*models.RepositoryConnection, error) {
	repoConn, err := s.store.RepositoryConnections().Get(ctx, connectionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load repository connection: %w", err)
	}
	if repoConn.UserID != principal {
		return nil, fmt.Errorf("%w: connection does not belong to principal", errs.ErrAuthFailed)
	}
	return repoConn, nil
}

// UpdatePatch is the set of mutable fields on a RepositoryConnection;
// nil fields are left unchanged.
type UpdatePatch struct {
	AutoPREnabled *bool
	IsEnabled     *bool
	DefaultBranch *string
}

// Update applies patch to connectionID, owned by principal.
func (s *Service) Update(ctx context.Context, principal, connectionID string, patch UpdatePatch) (*models.RepositoryConnection, error) {
	repoConn, err := s.Get(ctx, principal, connectionID)
	if err != nil {
		return nil, err
	}
	if patch.AutoPREnabled != nil {
		repoConn.AutoPREnabled = *patch.AutoPREnabled
	}
	if patch.IsEnabled != nil {
		repoConn.IsEnabled = *patch.IsEnabled
	}
	if patch.DefaultBranch != nil {
		repoConn.DefaultBranch = *patch.DefaultBranch
	}
	if err := s.store.RepositoryConnections().Update(ctx, repoConn); err != nil {
		return nil, fmt.Errorf("failed to update repository connection: %w", err)
	}
	return repoConn, nil
}

func splitFullName(fullName string) (owner, name string, err error) {
	for i := 0; i < len(fullName); i++ {
		if fullName[i] == '/' {
			return fullName[:i], fullName[i+1:], nil
		}
	}
	return "", "", fmt.Errorf("malformed repository full name %q: %w", fullName, errs.ErrInputRejected)
}
