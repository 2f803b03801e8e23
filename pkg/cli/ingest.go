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

	"github.com/caspianflow/remedyci/pkg/config"
	"github.com/caspianflow/remedyci/pkg/ingest"
	"github.com/caspianflow/remedyci/pkg/messaging"
	"github.com/caspianflow/remedyci/pkg/metrics"
	"github.com/caspianflow/remedyci/pkg/store"
	"github.com/caspianflow/remedyci/pkg/tracker"
	"github.com/caspianflow/remedyci/pkg/vault"
	"github.com/caspianflow/remedyci/pkg/version"
	"github.com/caspianflow/remedyci/pkg/webhookmgr"
)

var _ cli.Command = (*IngestServerCommand)(nil)

// IngestServerCommand starts the webhook receive endpoint (C4/C6 front
// door), generalizing the teacher's WebhookServerCommand to the
// multi-provider ingest surface.
type IngestServerCommand struct {
	cli.BaseCommand

	cfg *config.Config

	testFlagSetOpts []cli.Option
	testStore       store.Store
}

func (c *IngestServerCommand) Desc() string {
	return `Start the webhook ingest server`
}

func (c *IngestServerCommand) Help() string {
	return `
Usage: {{ COMMAND }} [options]
  Start the webhook ingest server, verifying and routing provider
  deliveries into the workflow tracker.
`
}

func (c *IngestServerCommand) Flags() *cli.FlagSet {
	c.cfg = &config.Config{}
	set := cli.NewFlagSet(c.testFlagSetOpts...)
	return c.cfg.ToFlags(set)
}

func (c *IngestServerCommand) Run(ctx context.Context, args []string) error {
	server, mux, err := c.RunUnstarted(ctx, args)
	if err != nil {
		return err
	}
	return server.StartHTTPHandler(ctx, mux)
}

func (c *IngestServerCommand) RunUnstarted(ctx context.Context, args []string) (*serving.Server, http.Handler, error) {
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
	verifier := webhookmgr.New(nil, st, v, c.cfg.IngestBaseURL)

	tasks, err := messaging.NewPubSubMessager(ctx, c.cfg.GCPProjectID, c.cfg.RemediationTasksTopic)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to construct task publisher: %w", err)
	}
	tr := tracker.New(ctx, st, tasks)

	m := metrics.New()
	ingestServer := ingest.New(st, tr, verifier, m, c.cfg.GCPProjectID)

	server, err := serving.New(c.cfg.Port)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create serving infrastructure: %w", err)
	}

	return server, ingestServer.Routes(), nil
}
