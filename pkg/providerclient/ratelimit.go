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

package providerclient

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	redisrate "github.com/go-redis/redis_rate/v10"
	"github.com/redis/go-redis/v9"
)

// TokenLimiter enforces a per-token call budget locally, ahead of the
// provider's own limiter, per spec §5 ("Provider API rate limits are
// respected per-token"). It never stores the token itself — only its
// hash — as a rate-limit bucket key.
type TokenLimiter struct {
	limiter *redisrate.Limiter
	limit   redisrate.Limit
}

// NewTokenLimiter builds a TokenLimiter backed by Redis. ratePerMinute is
// the number of provider calls allowed per token per rolling minute.
func NewTokenLimiter(client *redis.Client, ratePerMinute int) *TokenLimiter {
	return &TokenLimiter{
		limiter: redisrate.NewLimiter(client),
		limit:   redisrate.PerMinute(ratePerMinute),
	}
}

// Check consumes one unit of the token's budget. It returns (wait, true)
// if the caller should back off for wait before retrying, or (0, false)
// if the call may proceed.
func (l *TokenLimiter) Check(ctx context.Context, token string) (time.Duration, bool) {
	key := "remedyci:ratelimit:" + hashToken(token)
	res, err := l.limiter.Allow(ctx, key, l.limit)
	if err != nil {
		// Fail open: a rate-limiter outage must not block remediation.
		return 0, false
	}
	if res.Allowed > 0 {
		return 0, false
	}
	return res.RetryAfter, true
}

func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:8])
}
