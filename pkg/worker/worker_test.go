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

package worker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/caspianflow/remedyci/pkg/models"
	"github.com/caspianflow/remedyci/pkg/store"
	"github.com/caspianflow/remedyci/pkg/tracker"
)

type fakeReceiver struct {
	messages [][]byte
}

func (f *fakeReceiver) Receive(ctx context.Context, handler func(ctx context.Context, msg []byte) error) error {
	for _, m := range f.messages {
		if err := handler(ctx, m); err != nil {
			return err
		}
	}
	return nil
}

type fakeRemediator struct {
	calls int32
	err   error
	sleep time.Duration
}

func (f *fakeRemediator) Run(ctx context.Context, incidentID string) error {
	atomic.AddInt32(&f.calls, 1)
	if f.sleep > 0 {
		select {
		case <-time.After(f.sleep):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return f.err
}

func TestPool_RunProcessesEveryTask(t *testing.T) {
	t.Parallel()

	task1, _ := tracker.RemediationTask{IncidentID: "i1"}.Marshal()
	task2, _ := tracker.RemediationTask{IncidentID: "i2"}.Marshal()
	receiver := &fakeReceiver{messages: [][]byte{task1, task2}}
	remediator := &fakeRemediator{}

	pool := New(context.Background(), receiver, remediator, store.NewMem(), DefaultConfig)
	if err := pool.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if atomic.LoadInt32(&remediator.calls) != 2 {
		t.Fatalf("expected 2 remediation calls, got %d", remediator.calls)
	}
}

func TestPool_DeadlineExceededMarksIncidentTimeoutWithoutRetry(t *testing.T) {
	t.Parallel()

	st := store.NewMem()
	ctx := context.Background()
	incident, err := st.Incidents().Create(ctx, &models.Incident{UserID: "user-1", Status: models.IncidentStatusOpen})
	if err != nil {
		t.Fatalf("Create incident: %v", err)
	}

	task, _ := tracker.RemediationTask{IncidentID: incident.ID}.Marshal()
	receiver := &fakeReceiver{messages: [][]byte{task}}
	remediator := &fakeRemediator{sleep: 50 * time.Millisecond}

	pool := New(ctx, receiver, remediator, st, Config{Concurrency: 1, Deadline: 5 * time.Millisecond})
	if err := pool.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}

	updated, err := st.Incidents().Get(ctx, incident.ID)
	if err != nil {
		t.Fatalf("Get incident: %v", err)
	}
	if updated.Status != models.IncidentStatusFailedTerminal {
		t.Fatalf("expected terminal status, got %v", updated.Status)
	}
	if updated.FailureReason != models.FailureReasonTimeout {
		t.Fatalf("expected failed_timeout reason, got %v", updated.FailureReason)
	}
}

func TestPool_RemediationErrorPropagatesForRedelivery(t *testing.T) {
	t.Parallel()

	task, _ := tracker.RemediationTask{IncidentID: "i1"}.Marshal()
	receiver := &fakeReceiver{messages: [][]byte{task}}
	remediator := &fakeRemediator{err: errors.New("transient failure")}

	pool := New(context.Background(), receiver, remediator, store.NewMem(), DefaultConfig)
	if err := pool.Run(context.Background()); err == nil {
		t.Fatal("expected Run to surface the remediation error for redelivery")
	}
}
