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

// Package ingest is the universal webhook receive endpoint (part of C4/C6):
// one route per provider family that verifies the delivery signature,
// normalizes the payload, and routes it to the tracker. Structurally this
// is a generalization of the teacher's single-provider webhook server to
// two provider families sharing one mux.
package ingest

import (
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/abcxyz/pkg/healthcheck"
	"github.com/abcxyz/pkg/logging"

	"github.com/caspianflow/remedyci/pkg/metrics"
	"github.com/caspianflow/remedyci/pkg/models"
	"github.com/caspianflow/remedyci/pkg/store"
	"github.com/caspianflow/remedyci/pkg/tracker"
	"github.com/caspianflow/remedyci/pkg/version"
	"github.com/caspianflow/remedyci/pkg/webhookmgr"
)

// maxBodyBytes caps a single webhook delivery body, matching the teacher's
// 25MB ceiling on inbound payloads.
const maxBodyBytes = 25_000_000

// Verifier is the narrow slice of webhookmgr.Manager ingest needs.
type Verifier interface {
	Verify(provider models.Provider, rawBody []byte, headerSignature string, encryptedSecret []byte) (bool, error)
}

// Server is the HTTP front door for provider webhook deliveries.
type Server struct {
	store     store.Store
	tracker   *tracker.Tracker
	verifier  Verifier
	metrics   *metrics.Metrics
	projectID string
}

// New constructs an ingest Server.
func New(st store.Store, tr *tracker.Tracker, verifier Verifier, m *metrics.Metrics, projectID string) *Server {
	return &Server{store: st, tracker: tr, verifier: verifier, metrics: m, projectID: projectID}
}

// Routes builds the ingest mux: one endpoint per provider family, plus
// /healthz, /metrics, and /version, following the teacher's Routes(ctx)
// shape (pkg/webhook/server.go).
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/healthz", healthcheck.HandleHTTPHealthCheck())
	mux.Handle("/ingest/github", s.handleIngest(models.ProviderGitHub, "X-Hub-Signature-256", "X-GitHub-Event", "X-GitHub-Delivery"))
	mux.Handle("/ingest/gitlab", s.handleIngest(models.ProviderGitLab, "X-Gitlab-Token", "X-Gitlab-Event", "X-Gitlab-Event-UUID"))
	if s.metrics != nil {
		mux.Handle("/metrics", s.metrics.Handler())
	}
	mux.Handle("/version", s.handleVersion())
	return mux
}

// handleIngest builds the handler for one provider family. Responses are
// always 2xx on accepted or knowingly ignored events; 401 only for
// signature failure; 400 only for a payload lacking the repository
// identifier (spec.md §5.9).
func (s *Server) handleIngest(provider models.Provider, signatureHeader, eventHeader, deliveryHeader string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		logger := logging.FromContext(ctx)

		body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
		if err != nil {
			logger.ErrorContext(ctx, "failed to read webhook body", "provider", provider, "error", err)
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		if len(body) == 0 {
			s.reject(w, provider, "empty_body", http.StatusBadRequest)
			return
		}

		fullName, err := repositoryFullName(provider, body)
		if err != nil {
			logger.WarnContext(ctx, "webhook missing repository identifier", "provider", provider, "error", err)
			s.reject(w, provider, "missing_repository", http.StatusBadRequest)
			return
		}

		repoConn, err := s.store.RepositoryConnections().GetActiveByFullName(ctx, fullName)
		if err != nil {
			// Disconnected or unknown repository: ignored without error,
			// per spec.md §9 boundary behaviors.
			logger.InfoContext(ctx, "webhook for unknown or disconnected repository, ignoring", "repository", fullName)
			w.WriteHeader(http.StatusOK)
			return
		}

		signature := r.Header.Get(signatureHeader)
		ok, err := s.verifier.Verify(provider, body, signature, repoConn.EncryptedWebhookSecret)
		if err != nil {
			logger.ErrorContext(ctx, "webhook signature verification failed", "provider", provider, "error", err)
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		if !ok {
			s.reject(w, provider, "bad_signature", http.StatusUnauthorized)
			return
		}

		if deliveryID := r.Header.Get(deliveryHeader); deliveryID != "" {
			fresh, err := s.store.WebhookDeliveries().ConsumeOnce(ctx, provider, deliveryID)
			if err != nil {
				logger.ErrorContext(ctx, "failed to record webhook delivery", "provider", provider, "error", err)
				w.WriteHeader(http.StatusInternalServerError)
				return
			}
			if !fresh {
				logger.InfoContext(ctx, "duplicate webhook delivery, ignoring", "provider", provider, "delivery_id", deliveryID)
				w.WriteHeader(http.StatusOK)
				return
			}
		}

		ev, err := toTrackerEvent(provider, repoConn.ID, r.Header.Get(eventHeader), body)
		if err != nil {
			logger.WarnContext(ctx, "failed to normalize webhook payload", "provider", provider, "error", err)
			s.reject(w, provider, "malformed_payload", http.StatusOK)
			return
		}

		if s.metrics != nil {
			s.metrics.WebhooksReceived.WithLabelValues(string(provider)).Inc()
		}

		if ev.ProviderRunID == "" {
			// Non-workflow event (push, pull_request, ...): still a
			// delivery breadcrumb, but nothing for the tracker to apply.
			now := time.Now()
			repoConn.WebhookLastDeliveryAt = &now
			if err := s.store.RepositoryConnections().Update(ctx, repoConn); err != nil {
				logger.ErrorContext(ctx, "failed to record webhook delivery timestamp", "provider", provider, "repository", fullName, "error", err)
			}
			w.WriteHeader(http.StatusOK)
			return
		}

		if _, err := s.tracker.Apply(ctx, ev); err != nil {
			// Provider retries depend on non-2xx responses; an internal
			// failure here is swallowed with a 2xx and logged for async
			// retry, per spec.md §5.9.
			logger.ErrorContext(ctx, "failed to apply tracked event", "provider", provider, "repository", fullName, "error", err)
		}
		w.WriteHeader(http.StatusOK)
	})
}

func (s *Server) reject(w http.ResponseWriter, provider models.Provider, reason string, status int) {
	if s.metrics != nil {
		s.metrics.WebhooksRejected.WithLabelValues(string(provider), reason).Inc()
	}
	w.WriteHeader(status)
}

func (s *Server) handleVersion() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"version":%q}`, version.HumanVersion)
	})
}
