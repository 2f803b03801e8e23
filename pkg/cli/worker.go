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
	"time"

	"github.com/abcxyz/pkg/cli"
	"github.com/abcxyz/pkg/logging"
	"golang.org/x/oauth2"

	"github.com/caspianflow/remedyci/pkg/config"
	"github.com/caspianflow/remedyci/pkg/llm/anthropicgen"
	"github.com/caspianflow/remedyci/pkg/messaging"
	"github.com/caspianflow/remedyci/pkg/metrics"
	"github.com/caspianflow/remedyci/pkg/models"
	"github.com/caspianflow/remedyci/pkg/oauthcoord"
	"github.com/caspianflow/remedyci/pkg/providerclient"
	"github.com/caspianflow/remedyci/pkg/remediate"
	"github.com/caspianflow/remedyci/pkg/store"
	"github.com/caspianflow/remedyci/pkg/vault"
	"github.com/caspianflow/remedyci/pkg/version"
	"github.com/caspianflow/remedyci/pkg/worker"
)

var _ cli.Command = (*WorkerRunCommand)(nil)

// WorkerRunCommand drains the remediation-tasks queue (C7), driving the
// orchestrator for each incident under bounded concurrency. Unlike the
// server commands this has no HTTP surface of its own; it runs until ctx
// is cancelled.
type WorkerRunCommand struct {
	cli.BaseCommand

	cfg *config.Config

	testFlagSetOpts []cli.Option
	testStore       store.Store
}

func (c *WorkerRunCommand) Desc() string {
	return `Run the remediation worker pool`
}

func (c *WorkerRunCommand) Help() string {
	return `
Usage: {{ COMMAND }} [options]
  Drain the remediation-tasks queue, driving the orchestrator for each
  incident until the process receives a shutdown signal.
`
}

func (c *WorkerRunCommand) Flags() *cli.FlagSet {
	c.cfg = &config.Config{}
	set := cli.NewFlagSet(c.testFlagSetOpts...)
	return c.cfg.ToFlags(set)
}

func (c *WorkerRunCommand) Run(ctx context.Context, args []string) error {
	f := c.Flags()
	if err := f.Parse(args); err != nil {
		return fmt.Errorf("failed to parse flags: %w", err)
	}
	args = f.Args()
	if len(args) > 0 {
		return fmt.Errorf("unexpected arguments: %q", args)
	}

	logger := logging.FromContext(ctx)
	logger.DebugContext(ctx, "worker starting", "name", version.Name, "commit", version.Commit, "version", version.Version)

	if err := c.cfg.ResolveSecrets(ctx); err != nil {
		return fmt.Errorf("failed to resolve secrets: %w", err)
	}

	if err := c.cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	st := c.testStore
	if st == nil {
		pg, err := store.Open(ctx, c.cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("failed to connect to store: %w", err)
		}
		st = pg
	}

	v, err := vault.New(c.cfg.TokenEncryptionKeyID, c.cfg.TokenEncryptionKey)
	if err != nil {
		return fmt.Errorf("failed to construct vault: %w", err)
	}

	var limiter *providerclient.TokenLimiter
	client := providerclient.NewGitHubClient("", limiter, uint64(c.cfg.ProviderRetryMaxAttempts))

	gen := anthropicgen.New(c.cfg.LLMAPIKey, c.cfg.LLMModel, time.Duration(c.cfg.LLMTimeoutS)*time.Second)
	m := metrics.New()

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

	budget := remediate.Budget{
		MaxFiles:           c.cfg.MaxFilesPerPR,
		MaxErrorsPerFile:   c.cfg.MaxErrorsPerFile,
		MaxLogContextChars: c.cfg.MaxLogContextChars,
		MaxLLMInputChars:   c.cfg.MaxLLMInputChars,
		WallTime:           time.Duration(c.cfg.RemediationDeadlineS) * time.Second,
	}
	orchestrator := remediate.New(ctx, st, v, client, gen, m, budget, oauth)

	receiver, err := messaging.NewPubSubReceiver(ctx, c.cfg.GCPProjectID, c.cfg.RemediationTasksSubscription)
	if err != nil {
		return fmt.Errorf("failed to construct task receiver: %w", err)
	}

	pool := worker.New(ctx, receiver, orchestrator, st, worker.Config{
		Concurrency: int64(c.cfg.RemediationWorkerConcurrency),
		Deadline:    time.Duration(c.cfg.RemediationDeadlineS) * time.Second,
	})

	return pool.Run(ctx) //nolint:wrapcheck // Want passthrough
}
