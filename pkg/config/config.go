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

// Package config defines the environment-driven configuration surface for
// remedyci, enumerating the options of spec §6.
package config

import (
	"context"
	"fmt"

	"github.com/abcxyz/pkg/cfgloader"
	"github.com/abcxyz/pkg/cli"
	"github.com/sethvargo/go-envconfig"

	"github.com/caspianflow/remedyci/pkg/secrets"
)

// Config is the full process configuration. Individual subsystems take the
// fields they need rather than the whole struct, matching the
// constructor-passed-capability shape of the rest of this codebase.
type Config struct {
	Port           string `env:"PORT,default=8080"`
	MetricsPort    string `env:"PROMETHEUS_PORT,default=9090"`
	IngestBaseURL  string `env:"INGEST_BASE_URL,required"`
	DatabaseURL    string `env:"DATABASE_URL,required"`
	RedisAddr      string `env:"REDIS_ADDR,default=localhost:6379"`

	OAuthClientID     string   `env:"OAUTH_CLIENT_ID,required"`
	OAuthClientSecret string   `env:"OAUTH_CLIENT_SECRET,required"`
	OAuthRedirectURI  string   `env:"OAUTH_REDIRECT_URI,required"`
	OAuthScopes       []string `env:"OAUTH_SCOPES,delimiter=,,default=repo,workflow"`

	TokenEncryptionKey   string `env:"TOKEN_ENCRYPTION_KEY,required"`
	TokenEncryptionKeyID string `env:"TOKEN_ENCRYPTION_KEY_ID,default=1"`
	OAuthStateSigningKey string `env:"OAUTH_STATE_SIGNING_KEY,required"`

	MaxFilesPerPR           int `env:"MAX_FILES_PER_PR,default=3"`
	MaxErrorsPerFile         int `env:"MAX_ERRORS_PER_FILE,default=5"`
	MaxLogContextChars      int `env:"MAX_LOG_CONTEXT_CHARS,default=4000"`
	MaxLLMInputChars        int `env:"MAX_LLM_INPUT_CHARS,default=60000"`
	RemediationDeadlineS     int `env:"REMEDIATION_DEADLINE_S,default=300"`
	RemediationWorkerConcurrency int `env:"REMEDIATION_WORKER_CONCURRENCY,default=4"`
	ProviderRetryMaxAttempts int `env:"PROVIDER_RETRY_MAX_ATTEMPTS,default=3"`

	LLMEndpoint  string `env:"LLM_ENDPOINT"`
	LLMModel     string `env:"LLM_MODEL,default=claude-sonnet-4-5"`
	LLMTimeoutS  int    `env:"LLM_TIMEOUT_S,default=60"`
	LLMAPIKey    string `env:"ANTHROPIC_API_KEY,required"`

	RemediationTasksTopic        string `env:"REMEDIATION_TASKS_TOPIC,default=remediation-tasks"`
	RemediationTasksSubscription string `env:"REMEDIATION_TASKS_SUBSCRIPTION,default=remediation-tasks-worker"`
	GCPProjectID                 string `env:"PROJECT_ID"`
}

// Validate validates the config after load, matching the teacher's
// pattern of an explicit method instead of returning errors from New.
func (cfg *Config) Validate() error {
	if cfg.IngestBaseURL == "" {
		return fmt.Errorf("INGEST_BASE_URL is required")
	}
	if cfg.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if cfg.OAuthClientID == "" || cfg.OAuthClientSecret == "" || cfg.OAuthRedirectURI == "" {
		return fmt.Errorf("OAUTH_CLIENT_ID, OAUTH_CLIENT_SECRET and OAUTH_REDIRECT_URI are required")
	}
	if cfg.TokenEncryptionKey == "" {
		return fmt.Errorf("TOKEN_ENCRYPTION_KEY is required")
	}
	if cfg.OAuthStateSigningKey == "" {
		return fmt.Errorf("OAUTH_STATE_SIGNING_KEY is required")
	}
	if cfg.MaxFilesPerPR <= 0 {
		return fmt.Errorf("MAX_FILES_PER_PR must be greater than 0")
	}
	if cfg.MaxErrorsPerFile <= 0 {
		return fmt.Errorf("MAX_ERRORS_PER_FILE must be greater than 0")
	}
	if cfg.MaxLogContextChars <= 0 {
		return fmt.Errorf("MAX_LOG_CONTEXT_CHARS must be greater than 0")
	}
	if cfg.MaxLLMInputChars <= 0 {
		return fmt.Errorf("MAX_LLM_INPUT_CHARS must be greater than 0")
	}
	if cfg.RemediationDeadlineS <= 0 {
		return fmt.Errorf("REMEDIATION_DEADLINE_S must be greater than 0")
	}
	if cfg.RemediationWorkerConcurrency <= 0 {
		return fmt.Errorf("REMEDIATION_WORKER_CONCURRENCY must be greater than 0")
	}
	if cfg.ProviderRetryMaxAttempts <= 0 {
		return fmt.Errorf("PROVIDER_RETRY_MAX_ATTEMPTS must be greater than 0")
	}
	return nil
}

// New creates a new Config from environment variables.
func New(ctx context.Context) (*Config, error) {
	return newConfig(ctx, envconfig.OsLookuper())
}

// ResolveSecrets dereferences any sensitive field that names a Secret
// Manager resource ("projects/*/secrets/*/versions/*") in place, leaving
// plain values untouched. Call after flag/env parsing and before Validate.
func (cfg *Config) ResolveSecrets(ctx context.Context) error {
	r := secrets.NewResolver()
	defer func() { _ = r.Close() }()

	fields := []*string{
		&cfg.TokenEncryptionKey,
		&cfg.OAuthClientSecret,
		&cfg.OAuthStateSigningKey,
		&cfg.LLMAPIKey,
	}
	for _, f := range fields {
		resolved, err := r.Resolve(ctx, *f)
		if err != nil {
			return fmt.Errorf("failed to resolve secret: %w", err)
		}
		*f = resolved
	}
	return nil
}

func newConfig(ctx context.Context, lu envconfig.Lookuper) (*Config, error) {
	var cfg Config
	if err := cfgloader.Load(ctx, &cfg, cfgloader.WithLookuper(lu)); err != nil {
		return nil, fmt.Errorf("failed to parse remedyci config: %w", err)
	}
	return &cfg, nil
}

// ToFlags binds the config to the given [cli.FlagSet] and returns it.
func (cfg *Config) ToFlags(set *cli.FlagSet) *cli.FlagSet {
	f := set.NewSection("REMEDYCI OPTIONS")

	f.StringVar(&cli.StringVar{
		Name:    "port",
		Target:  &cfg.Port,
		EnvVar:  "PORT",
		Default: "8080",
		Usage:   "The port the ingest/api server listens on.",
	})

	f.StringVar(&cli.StringVar{
		Name:   "ingest-base-url",
		Target: &cfg.IngestBaseURL,
		EnvVar: "INGEST_BASE_URL",
		Usage:  "The publicly reachable base URL used when provisioning webhooks.",
	})

	f.StringVar(&cli.StringVar{
		Name:   "database-url",
		Target: &cfg.DatabaseURL,
		EnvVar: "DATABASE_URL",
		Usage:  "Postgres DSN for the connection/incident store.",
	})

	f.IntVar(&cli.IntVar{
		Name:    "max-files-per-pr",
		Target:  &cfg.MaxFilesPerPR,
		EnvVar:  "MAX_FILES_PER_PR",
		Default: 3,
		Usage:   "Maximum number of files the orchestrator will patch in one PR.",
	})

	f.IntVar(&cli.IntVar{
		Name:    "remediation-worker-concurrency",
		Target:  &cfg.RemediationWorkerConcurrency,
		EnvVar:  "REMEDIATION_WORKER_CONCURRENCY",
		Default: 4,
		Usage:   "Number of remediation tasks processed concurrently.",
	})

	f.StringVar(&cli.StringVar{
		Name:    "metrics-port",
		Target:  &cfg.MetricsPort,
		EnvVar:  "PROMETHEUS_PORT",
		Default: "9090",
		Usage:   "Not read by any command; /metrics is served on the main server port.",
	})

	f.StringVar(&cli.StringVar{
		Name:    "redis-addr",
		Target:  &cfg.RedisAddr,
		EnvVar:  "REDIS_ADDR",
		Default: "localhost:6379",
		Usage:   "Redis address for per-token provider rate limiting; not read by any command, which run without a local rate limiter.",
	})

	f.StringVar(&cli.StringVar{
		Name:   "oauth-client-id",
		Target: &cfg.OAuthClientID,
		EnvVar: "OAUTH_CLIENT_ID",
		Usage:  "OAuth client ID registered with the provider.",
	})

	f.StringVar(&cli.StringVar{
		Name:   "oauth-client-secret",
		Target: &cfg.OAuthClientSecret,
		EnvVar: "OAUTH_CLIENT_SECRET",
		Usage:  "OAuth client secret, or a Secret Manager resource name.",
	})

	f.StringVar(&cli.StringVar{
		Name:   "oauth-redirect-uri",
		Target: &cfg.OAuthRedirectURI,
		EnvVar: "OAUTH_REDIRECT_URI",
		Usage:  "OAuth redirect URI registered with the provider.",
	})

	if len(cfg.OAuthScopes) == 0 {
		cfg.OAuthScopes = []string{"repo", "workflow"}
	}

	f.StringVar(&cli.StringVar{
		Name:   "token-encryption-key",
		Target: &cfg.TokenEncryptionKey,
		EnvVar: "TOKEN_ENCRYPTION_KEY",
		Usage:  "Base64-encoded AEAD key, or a Secret Manager resource name.",
	})

	f.StringVar(&cli.StringVar{
		Name:    "token-encryption-key-id",
		Target:  &cfg.TokenEncryptionKeyID,
		EnvVar:  "TOKEN_ENCRYPTION_KEY_ID",
		Default: "1",
		Usage:   "Identifier recorded alongside each ciphertext to support key rotation.",
	})

	f.StringVar(&cli.StringVar{
		Name:   "oauth-state-signing-key",
		Target: &cfg.OAuthStateSigningKey,
		EnvVar: "OAUTH_STATE_SIGNING_KEY",
		Usage:  "HMAC key signing the OAuth state parameter, or a Secret Manager resource name.",
	})

	f.IntVar(&cli.IntVar{
		Name:    "max-errors-per-file",
		Target:  &cfg.MaxErrorsPerFile,
		EnvVar:  "MAX_ERRORS_PER_FILE",
		Default: 5,
		Usage:   "Maximum number of error blocks the orchestrator will address in a single file.",
	})

	f.IntVar(&cli.IntVar{
		Name:    "max-log-context-chars",
		Target:  &cfg.MaxLogContextChars,
		EnvVar:  "MAX_LOG_CONTEXT_CHARS",
		Default: 4000,
		Usage:   "Maximum characters of error-block log context sent to the model per file.",
	})

	f.IntVar(&cli.IntVar{
		Name:    "max-llm-input-chars",
		Target:  &cfg.MaxLLMInputChars,
		EnvVar:  "MAX_LLM_INPUT_CHARS",
		Default: 60000,
		Usage:   "Maximum total characters of file content and log context sent to the model per incident.",
	})

	f.IntVar(&cli.IntVar{
		Name:    "remediation-deadline-s",
		Target:  &cfg.RemediationDeadlineS,
		EnvVar:  "REMEDIATION_DEADLINE_S",
		Default: 300,
		Usage:   "Seconds allotted to process one remediation task before it is marked timed out.",
	})

	f.IntVar(&cli.IntVar{
		Name:    "provider-retry-max-attempts",
		Target:  &cfg.ProviderRetryMaxAttempts,
		EnvVar:  "PROVIDER_RETRY_MAX_ATTEMPTS",
		Default: 3,
		Usage:   "Maximum attempts for a retryable provider API call.",
	})

	f.StringVar(&cli.StringVar{
		Name:   "llm-endpoint",
		Target: &cfg.LLMEndpoint,
		EnvVar: "LLM_ENDPOINT",
		Usage:  "Optional override for the model API base URL.",
	})

	f.StringVar(&cli.StringVar{
		Name:    "llm-model",
		Target:  &cfg.LLMModel,
		EnvVar:  "LLM_MODEL",
		Default: "claude-sonnet-4-5",
		Usage:   "Model identifier used for patch generation.",
	})

	f.IntVar(&cli.IntVar{
		Name:    "llm-timeout-s",
		Target:  &cfg.LLMTimeoutS,
		EnvVar:  "LLM_TIMEOUT_S",
		Default: 60,
		Usage:   "Per-request timeout, in seconds, for the model API.",
	})

	f.StringVar(&cli.StringVar{
		Name:   "anthropic-api-key",
		Target: &cfg.LLMAPIKey,
		EnvVar: "ANTHROPIC_API_KEY",
		Usage:  "API key for the model provider, or a Secret Manager resource name.",
	})

	f.StringVar(&cli.StringVar{
		Name:    "remediation-tasks-topic",
		Target:  &cfg.RemediationTasksTopic,
		EnvVar:  "REMEDIATION_TASKS_TOPIC",
		Default: "remediation-tasks",
		Usage:   "Pub/Sub topic the tracker publishes remediation tasks to.",
	})

	f.StringVar(&cli.StringVar{
		Name:    "remediation-tasks-subscription",
		Target:  &cfg.RemediationTasksSubscription,
		EnvVar:  "REMEDIATION_TASKS_SUBSCRIPTION",
		Default: "remediation-tasks-worker",
		Usage:   "Pub/Sub subscription the worker pool drains.",
	})

	f.StringVar(&cli.StringVar{
		Name:   "project-id",
		Target: &cfg.GCPProjectID,
		EnvVar: "PROJECT_ID",
		Usage:  "GCP project hosting Pub/Sub and Secret Manager resources.",
	})

	return set
}
