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

package cli

import (
	"context"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/caspianflow/remedyci/pkg/store"
)

func requiredArgs() []string {
	key := make([]byte, 32)
	return []string{
		"-ingest-base-url", "https://ingest.example.com",
		"-database-url", "postgres://unused",
		"-oauth-client-id", "client-id",
		"-oauth-client-secret", "client-secret",
		"-oauth-redirect-uri", "https://api.example.com/oauth/github/callback",
		"-token-encryption-key", base64.StdEncoding.EncodeToString(key),
		"-oauth-state-signing-key", "state-signing-key",
		"-anthropic-api-key", "test-key",
	}
}

func TestIngestServerCommand_RunUnstartedBuildsRoutes(t *testing.T) {
	t.Parallel()

	cmd := &IngestServerCommand{testStore: store.NewMem()}
	_, handler, err := cmd.RunUnstarted(context.Background(), requiredArgs())
	if err != nil {
		t.Fatalf("RunUnstarted: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected /healthz to return 200, got %d", rec.Code)
	}
}

func TestAPIServerCommand_RunUnstartedBuildsRoutes(t *testing.T) {
	t.Parallel()

	cmd := &APIServerCommand{testStore: store.NewMem()}
	_, handler, err := cmd.RunUnstarted(context.Background(), requiredArgs())
	if err != nil {
		t.Fatalf("RunUnstarted: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected /healthz to return 200, got %d", rec.Code)
	}
}

func TestIngestServerCommand_RejectsMissingRequiredConfig(t *testing.T) {
	t.Parallel()

	cmd := &IngestServerCommand{testStore: store.NewMem()}
	if _, _, err := cmd.RunUnstarted(context.Background(), nil); err == nil {
		t.Fatal("expected an error when required configuration is missing")
	}
}

func TestMigrateCommand_RequiresDirectionArgument(t *testing.T) {
	t.Parallel()

	cmd := &MigrateCommand{}
	if err := cmd.Run(context.Background(), []string{"-database-url", "postgres://unused"}); err == nil {
		t.Fatal("expected an error when no direction is given")
	}
}

func TestMigrateCommand_RejectsUnknownDirection(t *testing.T) {
	t.Parallel()

	cmd := &MigrateCommand{}
	err := cmd.Run(context.Background(), []string{"-database-url", "postgres://unused", "sideways"})
	if err == nil {
		t.Fatal("expected an error for an unrecognized direction")
	}
}
