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

// Package worker drains the remediation-tasks queue and drives the
// orchestrator for each task under a bounded concurrency limit.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/abcxyz/pkg/logging"
	"golang.org/x/sync/semaphore"

	"github.com/caspianflow/remedyci/pkg/messaging"
	"github.com/caspianflow/remedyci/pkg/models"
	"github.com/caspianflow/remedyci/pkg/store"
	"github.com/caspianflow/remedyci/pkg/tracker"
)

// Remediator is the narrow slice of remediate.Orchestrator the pool needs.
type Remediator interface {
	Run(ctx context.Context, incidentID string) error
}

// Pool pulls remediation tasks off a Receiver and runs them with bounded
// concurrency, so a burst of failures never overwhelms the LLM/provider
// backends.
type Pool struct {
	receiver   messaging.Receiver
	remediator Remediator
	store      store.Store
	sem        *semaphore.Weighted
	deadline   time.Duration
	logger     *slog.Logger
}

// Config configures a Pool.
type Config struct {
	// Concurrency bounds the number of incidents remediated at once.
	Concurrency int64
	// Deadline bounds a single task's end-to-end processing time,
	// independent of the orchestrator's own internal wall-time budget.
	Deadline time.Duration
}

// DefaultConfig matches spec.md's configuration table defaults.
var DefaultConfig = Config{
	Concurrency: 4,
	Deadline:    300 * time.Second,
}

// New constructs a Pool.
func New(ctx context.Context, receiver messaging.Receiver, remediator Remediator, st store.Store, cfg Config) *Pool {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConfig.Concurrency
	}
	if cfg.Deadline <= 0 {
		cfg.Deadline = DefaultConfig.Deadline
	}
	return &Pool{
		receiver:   receiver,
		remediator: remediator,
		store:      st,
		sem:        semaphore.NewWeighted(cfg.Concurrency),
		deadline:   cfg.Deadline,
		logger:     logging.FromContext(ctx),
	}
}

// Run blocks, processing tasks until ctx is cancelled or the receiver's
// pull loop ends.
func (p *Pool) Run(ctx context.Context) error {
	err := p.receiver.Receive(ctx, func(ctx context.Context, msg []byte) error {
		if err := p.sem.Acquire(ctx, 1); err != nil {
			return fmt.Errorf("failed to acquire worker slot: %w", err)
		}
		defer p.sem.Release(1)

		return p.handle(ctx, msg)
	})
	if err != nil {
		return fmt.Errorf("worker pool receive loop ended: %w", err)
	}
	return nil
}

// handle decodes and remediates a single task, applying the pool's
// per-task deadline. Errors are returned (rather than swallowed) so the
// caller's Receiver nacks the message for redelivery, except when the
// deadline itself is what tripped, in which case the incident is marked
// failed_timeout and the message is not retried.
func (p *Pool) handle(ctx context.Context, msg []byte) error {
	task, err := tracker.UnmarshalRemediationTask(msg)
	if err != nil {
		p.logger.ErrorContext(ctx, "dropping malformed remediation task", "error", err)
		return nil
	}

	taskCtx, cancel := context.WithTimeout(ctx, p.deadline)
	defer cancel()

	err = p.remediator.Run(taskCtx, task.IncidentID)
	if err == nil {
		return nil
	}

	if errors.Is(err, context.DeadlineExceeded) {
		p.logger.ErrorContext(ctx, "remediation task exceeded deadline", "incident_id", task.IncidentID, "error", err)
		if uerr := p.store.Incidents().UpdateStatus(ctx, task.IncidentID, models.IncidentStatusFailedTerminal, models.FailureReasonTimeout); uerr != nil {
			p.logger.ErrorContext(ctx, "failed to record timeout outcome", "incident_id", task.IncidentID, "error", uerr)
		}
		return nil
	}

	p.logger.ErrorContext(ctx, "remediation task failed", "incident_id", task.IncidentID, "error", err)
	return err
}
