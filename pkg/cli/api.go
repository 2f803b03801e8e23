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
	"fmt"
	"net/http"

	"github.com/abcxyz/pkg/cli"
	"github.com/abcxyz/pkg/logging"
	"github.com/abcxyz/pkg/serving"
	"golang.org/x/oauth2"

	"github.com/caspianflow/remedyci/pkg/config"
	"github.com/caspianflow/remedyci/pkg/connection"
	"github.com/caspianflow/remedyci/pkg/httpapi"
	"github.com/caspianflow/remedyci/pkg/metrics"
	"github.com/caspianflow/remedyci/pkg/models"
	"github.com/caspianflow/remedyci/pkg/oauthcoord"
	"github.com/caspianflow/remedyci/pkg/providerclient"
	"github.com/caspianflow/remedyci/pkg/store"
	"github.com/caspianflow/remedyci/pkg/vault"
	"github.com/caspianflow/remedyci/pkg/version"
	"github.com/caspianflow/remedyci/pkg/webhookmgr"
)

var githubEndpoint = oauth2.Endpoint{
	AuthURL:  "https://github.com/login/oauth/authorize",
	TokenURL: "https://github.com/login/oauth/access_token",
}

var _ cli.Command = (*APIServerCommand)(nil)

// APIServerCommand starts the principal-facing control-plane API (C3/C8):
// OAuth connection management and repository connection CRUD.
type APIServerCommand struct {
	cli.BaseCommand

	cfg *config.Config

	testFlagSetOpts []cli.Option
	testStore       store.Store
}

func (c *APIServerCommand) Desc() string {
	return `Start the control-plane API server`
}

func (c *APIServerCommand) Help() string {
	return `
Usage: {{ COMMAND }} [options]
  Start the HTTP API server exposing OAuth connection and repository
  connection management to the principal-facing frontend.
`
}

func (c *APIServerCommand) Flags() *cli.FlagSet {
	c.cfg = &config.Config{}
	set := cli.NewFlagSet(c.testFlagSetOpts...)
	return c.cfg.ToFlags(set)
}

func (c *APIServerCommand) Run(ctx context.Context, args []string) error {
	server, mux, err := c.RunUnstarted(ctx, args)
	if err != nil {
		return err
	}
	return server.StartHTTPHandler(ctx, mux)
}

func (c *APIServerCommand) RunUnstarted(ctx context.Context, args []string) (*serving.Server, http.Handler, error) {
	f := c.Flags()
	if err := f.Parse(args); err != nil {
		return nil, nil, fmt.Errorf("failed to parse flags: %w", err)
	}
	args = f.Args()
	if len(args) > 0 {
		return nil, nil, fmt.Errorf("unexpected arguments: %q", args)
	}

	logger := logging.FromContext(ctx)
	logger.DebugContext(ctx, "server starting", "name", version.Name, "commit", version.Commit, "version", version.Version)

	if err := c.cfg.ResolveSecrets(ctx); err != nil {
		return nil, nil, fmt.Errorf("failed to resolve secrets: %w", err)
	}

	if err := c.cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid configuration: %w", err)
	}

	st := c.testStore
	if st == nil {
		pg, err := store.Open(ctx, c.cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to store: %w", err)
		}
		st = pg
	}

	v, err := vault.New(c.cfg.TokenEncryptionKeyID, c.cfg.TokenEncryptionKey)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to construct vault: %w", err)
	}

	var limiter *providerclient.TokenLimiter
	client := providerclient.NewGitHubClient("", limiter, uint64(c.cfg.ProviderRetryMaxAttempts))

	webhooks := webhookmgr.New(client, st, v, c.cfg.IngestBaseURL)

	oauthConfigs := map[models.Provider]*oauth2.Config{
		models.ProviderGitHub: {
			ClientID:     c.cfg.OAuthClientID,
			ClientSecret: c.cfg.OAuthClientSecret,
			RedirectURL:  c.cfg.OAuthRedirectURI,
			Scopes:       c.cfg.OAuthScopes,
			Endpoint:     githubEndpoint,
		},
	}
	oauth := oauthcoord.New(st, v, client, client, oauthConfigs, []byte(c.cfg.OAuthStateSigningKey))

	connSvc := connection.New(st, client, v, webhooks, oauth)

	m := metrics.New()
	apiServer := httpapi.New(st, oauth, connSvc, client, v, m, c.cfg.GCPProjectID)

	server, err := serving.New(c.cfg.Port)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create serving infrastructure: %w", err)
	}

	return server, apiServer.Routes(), nil
}
