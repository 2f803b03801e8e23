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

// Package webhookmgr owns webhook provisioning, deprovisioning, and
// signature verification (C4). Verification is a direct generalization of
// the teacher's HMAC-over-raw-bytes check, parameterized by provider
// family and the connection's decrypted secret.
package webhookmgr

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"

	"github.com/caspianflow/remedyci/pkg/errs"
	"github.com/caspianflow/remedyci/pkg/models"
	"github.com/caspianflow/remedyci/pkg/providerclient"
	"github.com/caspianflow/remedyci/pkg/store"
	"github.com/caspianflow/remedyci/pkg/vault"
)

// defaultEvents is the subscribed-event set per provider family, narrowed
// by callers via the Events field on connect (spec.md §4.4).
var defaultEvents = map[models.Provider][]string{
	models.ProviderGitHub: {"workflow_run", "pull_request", "push"},
	models.ProviderGitLab: {"pipeline", "merge_request", "push"},
}

// DefaultEvents returns the default subscribed-event set for provider.
func DefaultEvents(provider models.Provider) []string {
	events := defaultEvents[provider]
	out := make([]string, len(events))
	copy(out, events)
	return out
}

// Manager provisions, deprovisions, and verifies webhooks.
type Manager struct {
	client      providerclient.Client
	store       store.Store
	vault       *vault.Vault
	ingestURL   string
}

// New constructs a Manager. ingestURL is the universal ingest endpoint
// every provisioned webhook points at.
func New(client providerclient.Client, st store.Store, v *vault.Vault, ingestURL string) *Manager {
	return &Manager{client: client, store: st, vault: v, ingestURL: ingestURL}
}

// Install provisions a fresh webhook for repoConn and persists its secret
// encrypted at rest. On provider failure, the connection's status becomes
// failed but remains otherwise usable (spec.md §4.4).
func (m *Manager) Install(ctx context.Context, token string, repoConn *models.RepositoryConnection, provider models.Provider, events []string) error {
	secret, err := randomSecret()
	if err != nil {
		return fmt.Errorf("failed to generate webhook secret: %w", err)
	}
	if len(events) == 0 {
		events = DefaultEvents(provider)
	}

	owner, name, err := splitFullName(repoConn.RepositoryFullName)
	if err != nil {
		return err
	}

	hook, err := m.client.CreateWebhook(ctx, token, owner, name, providerclient.WebhookInput{
		URL:         m.ingestURL,
		Secret:      secret,
		Events:      events,
		ContentType: "json",
	})
	if err != nil {
		repoConn.WebhookStatus = models.WebhookStatusFailed
		repoConn.Events = nil
		repoConn.EncryptedWebhookSecret = nil
		if uerr := m.store.RepositoryConnections().Update(ctx, repoConn); uerr != nil {
			return fmt.Errorf("failed to record webhook provisioning failure: %w", uerr)
		}
		return fmt.Errorf("failed to provision webhook: %w", err)
	}

	encryptedSecret, err := m.vault.EncryptString(secret)
	if err != nil {
		return fmt.Errorf("failed to encrypt webhook secret: %w", err)
	}

	repoConn.WebhookID = &hook.ID
	repoConn.EncryptedWebhookSecret = encryptedSecret
	repoConn.WebhookURL = m.ingestURL
	repoConn.Events = events
	repoConn.WebhookStatus = models.WebhookStatusActive
	if err := m.store.RepositoryConnections().Update(ctx, repoConn); err != nil {
		return fmt.Errorf("failed to persist webhook state: %w", err)
	}
	return nil
}

// Remove deprovisions a webhook. Local state is always cleared, but a
// remote deletion failure is returned to the caller so it can report
// webhook_deleted: false rather than claiming full success (spec.md §4.4,
// §8 scenario E6).
func (m *Manager) Remove(ctx context.Context, token string, repoConn *models.RepositoryConnection) error {
	var remoteErr error
	if repoConn.WebhookID != nil {
		owner, name, err := splitFullName(repoConn.RepositoryFullName)
		if err != nil {
			remoteErr = err
		} else if derr := m.client.DeleteWebhook(ctx, token, owner, name, *repoConn.WebhookID); derr != nil {
			remoteErr = fmt.Errorf("failed to delete remote webhook: %w", derr)
		}
	}

	repoConn.WebhookID = nil
	repoConn.EncryptedWebhookSecret = nil
	repoConn.Events = nil
	repoConn.WebhookStatus = models.WebhookStatusInactive
	if err := m.store.RepositoryConnections().Update(ctx, repoConn); err != nil {
		return fmt.Errorf("failed to clear local webhook state: %w", err)
	}
	return remoteErr
}

// Verify checks rawBody against headerSignature using the decrypted
// per-repository secret, per provider's documented digest scheme. It
// operates on the exact bytes received, before any parsing.
func (m *Manager) Verify(provider models.Provider, rawBody []byte, headerSignature string, encryptedSecret []byte) (bool, error) {
	if headerSignature == "" || len(encryptedSecret) == 0 {
		return false, nil
	}

	secret, err := m.vault.DecryptString(encryptedSecret)
	if err != nil {
		return false, fmt.Errorf("%w: failed to decrypt webhook secret", errs.ErrFatal)
	}

	switch provider {
	case models.ProviderGitHub:
		return verifyHMACSHA256(rawBody, headerSignature, secret), nil
	case models.ProviderGitLab:
		return subtle.ConstantTimeCompare([]byte(headerSignature), []byte(secret)) == 1, nil
	default:
		return false, fmt.Errorf("unsupported provider %q: %w", provider, errs.ErrInputRejected)
	}
}

// verifyHMACSHA256 matches GitHub's X-Hub-Signature-256 scheme: hex-encoded
// HMAC-SHA256 of the raw body, prefixed "sha256=".
func verifyHMACSHA256(rawBody []byte, signature, secret string) bool {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(rawBody)
	want := "sha256=" + hex.EncodeToString(mac.Sum(nil))
	return subtle.ConstantTimeCompare([]byte(signature), []byte(want)) == 1
}

func randomSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to read random bytes: %w", err)
	}
	return hex.EncodeToString(b), nil
}

func splitFullName(fullName string) (owner, name string, err error) {
	for i := 0; i < len(fullName); i++ {
		if fullName[i] == '/' {
			return fullName[:i], fullName[i+1:], nil
		}
	}
	return "", "", fmt.Errorf("malformed repository full name %q: %w", fullName, errs.ErrInputRejected)
}
