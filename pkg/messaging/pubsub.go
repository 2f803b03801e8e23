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

// Package messaging is the task-queue abstraction decoupling webhook ingest
// from remediation execution (spec §5/§6): the tracker publishes, the
// worker pool subscribes, and neither knows the other is Pub/Sub.
package messaging

import (
	"context"
	"fmt"
	"log/slog"

	"cloud.google.com/go/pubsub"

	"github.com/abcxyz/pkg/logging"
)

// Messager publishes opaque task payloads to a topic.
type Messager interface {
	Send(ctx context.Context, msg []byte) error
}

// Receiver consumes task payloads from a subscription, calling handler for
// each message. handler returning an error nacks the message for redelivery.
type Receiver interface {
	Receive(ctx context.Context, handler func(ctx context.Context, msg []byte) error) error
}

// PubSubMessager implements Messager and Receiver over Google Cloud Pub/Sub.
type PubSubMessager struct {
	client *pubsub.Client
	topic  *pubsub.Topic
	sub    *pubsub.Subscription
	logger *slog.Logger
}

// NewPubSubMessager creates a publisher bound to topicID.
func NewPubSubMessager(ctx context.Context, projectID, topicID string) (*PubSubMessager, error) {
	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to create pubsub client: %w", err)
	}

	return &PubSubMessager{
		client: client,
		topic:  client.Topic(topicID),
		logger: logging.FromContext(ctx),
	}, nil
}

// NewPubSubReceiver creates a subscriber bound to subscriptionID.
func NewPubSubReceiver(ctx context.Context, projectID, subscriptionID string) (*PubSubMessager, error) {
	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to create pubsub client: %w", err)
	}

	return &PubSubMessager{
		client: client,
		sub:    client.Subscription(subscriptionID),
		logger: logging.FromContext(ctx),
	}, nil
}

// Send publishes msg and blocks until the broker acknowledges receipt.
func (p *PubSubMessager) Send(ctx context.Context, msg []byte) error {
	result := p.topic.Publish(ctx, &pubsub.Message{Data: msg})

	id, err := result.Get(ctx)
	if err != nil {
		return fmt.Errorf("pubsub: result.Get: %w", err)
	}
	p.logger.DebugContext(ctx, "published message", "message_id", id)
	return nil
}

// Receive pulls messages until ctx is cancelled, dispatching each to
// handler. A handler error nacks the message so the broker redelivers it.
func (p *PubSubMessager) Receive(ctx context.Context, handler func(ctx context.Context, msg []byte) error) error {
	err := p.sub.Receive(ctx, func(ctx context.Context, m *pubsub.Message) {
		if err := handler(ctx, m.Data); err != nil {
			p.logger.ErrorContext(ctx, "remediation task handler failed, nacking for redelivery", "error", err)
			m.Nack()
			return
		}
		m.Ack()
	})
	if err != nil {
		return fmt.Errorf("pubsub: receive loop ended: %w", err)
	}
	return nil
}

// Cleanup releases the underlying client and topic resources.
func (p *PubSubMessager) Cleanup(ctx context.Context) error {
	if p.topic != nil {
		p.topic.Stop()
	}
	if err := p.client.Close(); err != nil {
		return fmt.Errorf("failed to close pubsub client: %w", err)
	}
	return nil
}
