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

// Package httpapi is the principal-facing REST surface (part of C3/C8):
// OAuth account linking and repository connection management. Identity and
// session issuance are external collaborators — this package trusts a
// principal already validated and forwarded by an upstream gateway, per
// spec.md §1.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/abcxyz/pkg/healthcheck"
	"github.com/abcxyz/pkg/logging"

	"github.com/caspianflow/remedyci/pkg/connection"
	"github.com/caspianflow/remedyci/pkg/errs"
	"github.com/caspianflow/remedyci/pkg/metrics"
	"github.com/caspianflow/remedyci/pkg/models"
	"github.com/caspianflow/remedyci/pkg/oauthcoord"
	"github.com/caspianflow/remedyci/pkg/providerclient"
	"github.com/caspianflow/remedyci/pkg/store"
	"github.com/caspianflow/remedyci/pkg/vault"
	"github.com/caspianflow/remedyci/pkg/version"
)

// principalHeader carries the principal an upstream identity gateway has
// already validated; this package never authenticates it.
const principalHeader = "X-Principal-ID"

// Server serves the OAuth-linking and repository-connection REST API.
type Server struct {
	store     store.Store
	oauth     *oauthcoord.Coordinator
	conn      *connection.Service
	client    providerclient.Client
	vault     *vault.Vault
	metrics   *metrics.Metrics
	projectID string
}

// New constructs a Server.
func New(st store.Store, oauth *oauthcoord.Coordinator, conn *connection.Service, client providerclient.Client, v *vault.Vault, m *metrics.Metrics, projectID string) *Server {
	return &Server{store: st, oauth: oauth, conn: conn, client: client, vault: v, metrics: m, projectID: projectID}
}

// Routes builds the principal-facing mux, following the teacher's
// Routes(ctx)/healthz/version convention (pkg/webhook/server.go).
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/healthz", healthcheck.HandleHTTPHealthCheck())
	mux.Handle("/version", s.handleVersion())
	if s.metrics != nil {
		mux.Handle("/metrics", s.metrics.Handler())
	}

	mux.Handle("GET /oauth/{provider}/begin", s.withPrincipal(s.handleOAuthBegin))
	mux.HandleFunc("GET /oauth/{provider}/callback", s.handleOAuthCallback)
	mux.Handle("POST /oauth/{provider}/disconnect", s.withPrincipal(s.handleOAuthDisconnect))
	mux.Handle("GET /oauth/connections", s.withPrincipal(s.handleOAuthConnections))

	mux.Handle("GET /repositories", s.withPrincipal(s.handleListAvailable))
	mux.Handle("POST /repositories/connect", s.withPrincipal(s.handleConnect))
	mux.Handle("GET /repositories/connections", s.withPrincipal(s.handleListConnections))
	mux.Handle("GET /repositories/connections/{id}", s.withPrincipal(s.handleGetConnection))
	mux.Handle("PATCH /repositories/connections/{id}", s.withPrincipal(s.handleUpdateConnection))
	mux.Handle("POST /repositories/connections/{id}/disconnect", s.withPrincipal(s.handleDisconnect))

	return mux
}

type principalHandler func(w http.ResponseWriter, r *http.Request, principal string)

// withPrincipal rejects requests missing the validated-principal header
// before dispatching to handler.
func (s *Server) withPrincipal(handler principalHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		principal := r.Header.Get(principalHeader)
		if principal == "" {
			writeError(w, http.StatusUnauthorized, "missing principal")
			return
		}
		handler(w, r, principal)
	})
}

// --- OAuth endpoints -------------------------------------------------------

type beginResponse struct {
	AuthorizationURL string `json:"authorization_url"`
}

func (s *Server) handleOAuthBegin(w http.ResponseWriter, r *http.Request, principal string) {
	provider := models.Provider(r.PathValue("provider"))
	result, err := s.oauth.Begin(r.Context(), principal, provider)
	if err != nil {
		writeErr(w, r.Context(), err)
		return
	}
	writeJSON(w, http.StatusOK, beginResponse{AuthorizationURL: result.AuthorizationURL})
}

type connectionSummary struct {
	ID             string `json:"id"`
	Provider       string `json:"provider,omitempty"`
	ProviderUserID string `json:"provider_user_id,omitempty"`
	Revoked        bool   `json:"revoked,omitempty"`
}

func (s *Server) handleOAuthCallback(w http.ResponseWriter, r *http.Request) {
	code := r.URL.Query().Get("code")
	state := r.URL.Query().Get("state")
	conn, err := s.oauth.Complete(r.Context(), oauthcoord.CompleteInput{Code: code, State: state})
	if err != nil {
		writeErr(w, r.Context(), err)
		return
	}
	writeJSON(w, http.StatusOK, connectionSummary{
		ID:             conn.ID,
		Provider:       string(conn.Provider),
		ProviderUserID: conn.ProviderUserID,
	})
}

func (s *Server) handleOAuthDisconnect(w http.ResponseWriter, r *http.Request, principal string) {
	provider := models.Provider(r.PathValue("provider"))
	if err := s.oauth.Disconnect(r.Context(), principal, provider); err != nil {
		writeErr(w, r.Context(), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleOAuthConnections(w http.ResponseWriter, r *http.Request, principal string) {
	var out []connectionSummary
	for _, provider := range []models.Provider{models.ProviderGitHub, models.ProviderGitLab} {
		conn, err := s.store.OAuthConnections().GetActive(r.Context(), principal, provider)
		if err != nil {
			continue
		}
		out = append(out, connectionSummary{
			ID:             conn.ID,
			Provider:       string(conn.Provider),
			ProviderUserID: conn.ProviderUserID,
			Revoked:        conn.Revoked,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// --- Repository endpoints ---------------------------------------------------

func (s *Server) handleListAvailable(w http.ResponseWriter, r *http.Request, principal string) {
	provider := models.Provider(r.URL.Query().Get("provider"))
	if provider == "" {
		provider = models.ProviderGitHub
	}
	oauthConn, err := s.store.OAuthConnections().GetActive(r.Context(), principal, provider)
	if err != nil {
		writeErr(w, r.Context(), fmt.Errorf("no active oauth connection for provider %q: %w", provider, errs.ErrInputRejected))
		return
	}
	token, err := s.vault.DecryptString(oauthConn.EncryptedAccessToken)
	if err != nil {
		writeErr(w, r.Context(), err)
		return
	}
	repos, err := s.client.ListRepositories(r.Context(), token, providerclient.ListOptions{
		Sort: r.URL.Query().Get("sort"),
		Page: queryInt(r, "page", 1),
	})
	if err != nil {
		writeErr(w, r.Context(), err)
		return
	}
	writeJSON(w, http.StatusOK, repos)
}

type connectRequest struct {
	FullName      string   `json:"full_name"`
	Provider      string   `json:"provider"`
	Events        []string `json:"events"`
	AutoPREnabled bool     `json:"auto_pr_enabled"`
	SetupWebhook  bool     `json:"setup_webhook"`
	DefaultBranch string   `json:"default_branch"`
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request, principal string) {
	var req connectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, r.Context(), fmt.Errorf("%w: malformed request body", errs.ErrInputRejected))
		return
	}
	provider := models.Provider(req.Provider)
	if provider == "" {
		provider = models.ProviderGitHub
	}

	repoConn, err := s.conn.Connect(r.Context(), principal, provider, connection.ConnectInput{
		FullName:      req.FullName,
		AutoPREnabled: req.AutoPREnabled,
		SetupWebhook:  req.SetupWebhook,
		Events:        req.Events,
		DefaultBranch: req.DefaultBranch,
	})
	if repoConn == nil && err != nil {
		writeErr(w, r.Context(), err)
		return
	}
	if err != nil {
		// partial success: connection exists, webhook provisioning failed.
		writeJSON(w, http.StatusAccepted, repositoryConnectionDTO(repoConn))
		return
	}
	writeJSON(w, http.StatusCreated, repositoryConnectionDTO(repoConn))
}

func (s *Server) handleListConnections(w http.ResponseWriter, r *http.Request, principal string) {
	conns, err := s.conn.List(r.Context(), principal)
	if err != nil {
		writeErr(w, r.Context(), err)
		return
	}
	out := make([]repositoryConnectionResponse, 0, len(conns))
	for _, c := range conns {
		out = append(out, repositoryConnectionDTO(c))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetConnection(w http.ResponseWriter, r *http.Request, principal string) {
	repoConn, err := s.conn.Get(r.Context(), principal, r.PathValue("id"))
	if err != nil {
		writeErr(w, r.Context(), err)
		return
	}
	writeJSON(w, http.StatusOK, repositoryConnectionDTO(repoConn))
}

type updateConnectionRequest struct {
	AutoPREnabled *bool   `json:"auto_pr_enabled"`
	IsEnabled     *bool   `json:"is_enabled"`
	DefaultBranch *string `json:"default_branch"`
}

func (s *Server) handleUpdateConnection(w http.ResponseWriter, r *http.Request, principal string) {
	var req updateConnectionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, r.Context(), fmt.Errorf("%w: malformed request body", errs.ErrInputRejected))
		return
	}
	repoConn, err := s.conn.Update(r.Context(), principal, r.PathValue("id"), connection.UpdatePatch{
		AutoPREnabled: req.AutoPREnabled,
		IsEnabled:     req.IsEnabled,
		DefaultBranch: req.DefaultBranch,
	})
	if err != nil {
		writeErr(w, r.Context(), err)
		return
	}
	writeJSON(w, http.StatusOK, repositoryConnectionDTO(repoConn))
}

type disconnectRequest struct {
	DeleteWebhook bool `json:"delete_webhook"`
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request, principal string) {
	req := disconnectRequest{DeleteWebhook: true}
	_ = json.NewDecoder(r.Body).Decode(&req)

	result, err := s.conn.Disconnect(r.Context(), principal, r.PathValue("id"), connection.DisconnectInput{DeleteWebhook: req.DeleteWebhook})
	if err != nil {
		writeErr(w, r.Context(), err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// repositoryConnectionResponse omits everything secret (webhook secret,
// oauth connection id) from the wire shape.
type repositoryConnectionResponse struct {
	ID                 string `json:"id"`
	RepositoryFullName string `json:"repository_full_name"`
	WebhookStatus      string `json:"webhook_status"`
	AutoPREnabled      bool   `json:"auto_pr_enabled"`
	IsEnabled          bool   `json:"is_enabled"`
	DefaultBranch      string `json:"default_branch"`
}

func repositoryConnectionDTO(c *models.RepositoryConnection) repositoryConnectionResponse {
	if c == nil {
		return repositoryConnectionResponse{}
	}
	return repositoryConnectionResponse{
		ID:                 c.ID,
		RepositoryFullName: c.RepositoryFullName,
		WebhookStatus:      string(c.WebhookStatus),
		AutoPREnabled:      c.AutoPREnabled,
		IsEnabled:          c.IsEnabled,
		DefaultBranch:      c.DefaultBranch,
	}
}

func (s *Server) handleVersion() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"version":%q}`, version.HumanVersion)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// writeErr maps a pkg/errs sentinel to its HTTP status. Unmapped errors
// become a 500 whose cause is logged server-side and kept out of the
// response body; for mapped 4xx statuses the error text is the body.
func writeErr(w http.ResponseWriter, ctx context.Context, err error) {
	logger := logging.FromContext(ctx)
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, errs.ErrInputRejected):
		status = http.StatusBadRequest
	case errors.Is(err, errs.ErrAuthFailed):
		status = http.StatusUnauthorized
	case errors.Is(err, errs.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, errs.ErrConflict):
		status = http.StatusConflict
	}
	if status == http.StatusInternalServerError {
		logger.ErrorContext(ctx, "internal error handling request", "error", err)
		writeError(w, status, "internal error")
		return
	}
	writeError(w, status, err.Error())
}

func queryInt(r *http.Request, key string, def int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	n := def
	_, err := fmt.Sscanf(raw, "%d", &n)
	if err != nil {
		return def
	}
	return n
}
