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

// Package secrets resolves configuration values that may be either a
// literal string or a Secret Manager resource reference, letting
// remedyci's sensitive config (token encryption key, OAuth client secret,
// state signing key, LLM API key) live in Secret Manager in production
// while staying a plain env var in tests and local development.
package secrets

import (
	"context"
	"fmt"
	"hash/crc32"
	"strings"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
)

const resourcePrefix = "projects/"

// Resolver resolves a raw config value, dereferencing it through Secret
// Manager when it names a secret version resource.
type Resolver struct {
	client *secretmanager.Client
}

// NewResolver constructs a Resolver. Construction is lazy: no Secret
// Manager client is created until Resolve first encounters a resource
// reference, so processes that only ever use literal values never need
// Secret Manager credentials.
func NewResolver() *Resolver {
	return &Resolver{}
}

// Resolve returns value unchanged unless it looks like a Secret Manager
// resource name ("projects/*/secrets/*/versions/*"), in which case it
// fetches and returns the secret payload.
func (r *Resolver) Resolve(ctx context.Context, value string) (string, error) {
	if !strings.HasPrefix(value, resourcePrefix) || !strings.Contains(value, "/secrets/") {
		return value, nil
	}

	if r.client == nil {
		client, err := secretmanager.NewClient(ctx)
		if err != nil {
			return "", fmt.Errorf("failed to create secret manager client: %w", err)
		}
		r.client = client
	}

	return accessSecret(ctx, r.client, value)
}

// Close releases the underlying Secret Manager client, if one was created.
func (r *Resolver) Close() error {
	if r.client == nil {
		return nil
	}
	if err := r.client.Close(); err != nil {
		return fmt.Errorf("failed to close secret manager client: %w", err)
	}
	return nil
}

// accessSecret reads a secret version and validates it was not corrupted
// during retrieval. secretResourceName must be in the format
// "projects/*/secrets/*/versions/*".
func accessSecret(ctx context.Context, client *secretmanager.Client, secretResourceName string) (string, error) {
	result, err := client.AccessSecretVersion(ctx, &secretmanagerpb.AccessSecretVersionRequest{
		Name: secretResourceName,
	})
	if err != nil {
		return "", fmt.Errorf("failed to access secret version %q: %w", secretResourceName, err)
	}

	crc32c := crc32.MakeTable(crc32.Castagnoli)
	checksum := int64(crc32.Checksum(result.Payload.Data, crc32c))
	if result.Payload.DataCrc32C != nil && checksum != *result.Payload.DataCrc32C {
		return "", fmt.Errorf("secret version %q failed checksum validation", secretResourceName)
	}
	return string(result.Payload.Data), nil
}
