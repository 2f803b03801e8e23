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

	"github.com/abcxyz/pkg/cli"
	"github.com/abcxyz/pkg/logging"

	"github.com/caspianflow/remedyci/pkg/config"
	"github.com/caspianflow/remedyci/pkg/store"
)

var _ cli.Command = (*MigrateCommand)(nil)

// MigrateCommand applies or reverts the Postgres schema for the
// connection/incident store.
type MigrateCommand struct {
	cli.BaseCommand

	cfg *config.Config

	testFlagSetOpts []cli.Option
}

func (c *MigrateCommand) Desc() string {
	return `Apply or revert the database schema`
}

func (c *MigrateCommand) Help() string {
	return `
Usage: {{ COMMAND }} <up|down> [options]
  Apply ("up") or revert ("down") the store's Postgres schema migrations.
`
}

func (c *MigrateCommand) Flags() *cli.FlagSet {
	c.cfg = &config.Config{}
	set := cli.NewFlagSet(c.testFlagSetOpts...)
	return c.cfg.ToFlags(set)
}

func (c *MigrateCommand) Run(ctx context.Context, args []string) error {
	f := c.Flags()
	if err := f.Parse(args); err != nil {
		return fmt.Errorf("failed to parse flags: %w", err)
	}
	args = f.Args()
	if len(args) != 1 || (args[0] != "up" && args[0] != "down") {
		return fmt.Errorf("expected exactly one argument, %q or %q", "up", "down")
	}
	direction := args[0]

	logger := logging.FromContext(ctx)

	if c.cfg.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	pg, err := store.Open(ctx, c.cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to connect to store: %w", err)
	}
	defer func() {
		if err := pg.Close(); err != nil {
			logger.ErrorContext(ctx, "failed to close store", "error", err)
		}
	}()

	if err := pg.Migrate(direction); err != nil {
		return fmt.Errorf("failed to run %s migration: %w", direction, err)
	}

	logger.InfoContext(ctx, "migration complete", "direction", direction)
	return nil
}
