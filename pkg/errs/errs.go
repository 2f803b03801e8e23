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

// Package errs defines the typed error taxonomy shared across the
// remediation pipeline. Components return sentinel-wrapped errors rather
// than ad hoc strings so that callers can dispatch on kind with errors.Is.
package errs

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel kinds. Wrap with fmt.Errorf("...: %w", ErrX) at the point of
// failure so errors.Is(err, errs.ErrX) keeps working through layers.
var (
	// ErrInputRejected covers malformed bodies, missing identifiers, and
	// bad OAuth state. Never retried.
	ErrInputRejected = errors.New("input rejected")

	// ErrAuthFailed covers signature mismatches, expired OAuth state, and
	// revoked tokens. Not retried automatically.
	ErrAuthFailed = errors.New("auth failed")

	// ErrTransient covers network errors, 5xx, and rate limiting within
	// budget. Retried internally by the provider client.
	ErrTransient = errors.New("transient provider error")

	// ErrProviderUnavailable is raised once the transient retry budget is
	// exhausted.
	ErrProviderUnavailable = errors.New("provider unavailable")

	// ErrModelFailure covers empty/invalid LLM output or an exceeded
	// generation budget.
	ErrModelFailure = errors.New("model failure")

	// ErrConflict covers a file sha mismatch on write.
	ErrConflict = errors.New("conflict")

	// ErrFatal covers missing encryption key, unreachable database, or
	// other misconfiguration that should stop the process.
	ErrFatal = errors.New("fatal configuration error")
)

// RetryAfter wraps ErrTransient with a provider-advertised backoff hint.
type RetryAfter struct {
	Err        error
	RetryAfter time.Duration
}

func (e *RetryAfter) Error() string {
	return fmt.Sprintf("%s (retry after %s)", e.Err, e.RetryAfter)
}

func (e *RetryAfter) Unwrap() error { return e.Err }

// NewRateLimited builds a transient rate-limit error carrying the
// provider's advertised retry-after duration.
func NewRateLimited(retryAfter time.Duration) error {
	return &RetryAfter{Err: ErrTransient, RetryAfter: retryAfter}
}

// ErrNotFound marks a missing resource, such as a provider 404.
// It is a distinct sentinel from ErrInputRejected because a missing
// upstream resource is not the caller's malformed request.
var ErrNotFound = errors.New("not found")

// ErrForbidden signals a missing OAuth scope.
var ErrForbidden = errors.New("forbidden: missing scope")

// ErrUnauthorized signals an expired or invalid provider token.
var ErrUnauthorized = errors.New("unauthorized")
