// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore is a Redis-backed implementation of Store. It lets ingress
// quotas (ScopeSession/ScopeUser) and key usage accounting be shared
// across every replica of the engine rather than pinned to one process.
// Each (scope, identifier, limitType, window) tuple maps to a single
// Redis key holding the counter, with a TTL equal to the window duration
// so expired windows clean themselves up without a sweeper.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore creates a Store backed by the given Redis client. prefix
// namespaces all keys (e.g. "stratforge:ratelimit") so the store can share
// a Redis instance with other subsystems (pkg/bus, pkg/keymanager).
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "stratforge:ratelimit"
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) key(scope Scope, identifier string, limitType LimitType, window TimeWindow) string {
	return fmt.Sprintf("%s:%s:%s:%s:%s", s.prefix, scope, identifier, limitType, window)
}

func (s *RedisStore) GetUsage(ctx context.Context, scope Scope, identifier string, limitType LimitType, window TimeWindow) (int64, time.Time, error) {
	key := s.key(scope, identifier, limitType, window)

	pipe := s.client.Pipeline()
	getCmd := pipe.Get(ctx, key)
	ttlCmd := pipe.TTL(ctx, key)
	_, err := pipe.Exec(ctx)
	if err != nil && err != redis.Nil {
		return 0, time.Time{}, fmt.Errorf("ratelimit: redis get usage: %w", err)
	}

	now := time.Now()
	amount, err := getCmd.Int64()
	if err == redis.Nil {
		return 0, now.Add(window.Duration()), nil
	}
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("ratelimit: redis parse usage: %w", err)
	}

	ttl := ttlCmd.Val()
	if ttl < 0 {
		// Key exists with no TTL (shouldn't happen) or just expired.
		return 0, now.Add(window.Duration()), nil
	}

	return amount, now.Add(ttl), nil
}

func (s *RedisStore) IncrementUsage(ctx context.Context, scope Scope, identifier string, limitType LimitType, window TimeWindow, amount int64) (int64, time.Time, error) {
	key := s.key(scope, identifier, limitType, window)

	newVal, err := s.client.IncrBy(ctx, key, amount).Result()
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("ratelimit: redis increment usage: %w", err)
	}

	ttl, err := s.client.TTL(ctx, key).Result()
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("ratelimit: redis ttl: %w", err)
	}
	if ttl < 0 {
		ttl = window.Duration()
		if err := s.client.Expire(ctx, key, ttl).Err(); err != nil {
			return 0, time.Time{}, fmt.Errorf("ratelimit: redis expire: %w", err)
		}
	}

	return newVal, time.Now().Add(ttl), nil
}

func (s *RedisStore) SetUsage(ctx context.Context, scope Scope, identifier string, limitType LimitType, window TimeWindow, amount int64, windowEnd time.Time) error {
	key := s.key(scope, identifier, limitType, window)
	ttl := time.Until(windowEnd)
	if ttl <= 0 {
		ttl = window.Duration()
	}
	if err := s.client.Set(ctx, key, amount, ttl).Err(); err != nil {
		return fmt.Errorf("ratelimit: redis set usage: %w", err)
	}
	return nil
}

func (s *RedisStore) DeleteUsage(ctx context.Context, scope Scope, identifier string) error {
	var keys []string
	for _, lt := range []LimitType{LimitTypeToken, LimitTypeCount} {
		for _, w := range []TimeWindow{WindowMinute, WindowHour, WindowDay, WindowWeek, WindowMonth} {
			keys = append(keys, s.key(scope, identifier, lt, w))
		}
	}
	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("ratelimit: redis delete usage: %w", err)
	}
	return nil
}

func (s *RedisStore) DeleteExpired(ctx context.Context, before time.Time) error {
	// Redis TTLs expire keys on their own; nothing to sweep.
	return nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

// reserveScript atomically reserves one RPM slot and `tokens` TPM tokens
// against a single key in one round trip. It mirrors the RPM-then-TPM,
// release-RPM-on-TPM-failure order of DefaultKeyReserver.Reserve so both
// backends produce identical admission decisions: KEYS[1] is the RPM
// counter key, KEYS[2] is the TPM counter key, ARGV[1] is the RPM limit,
// ARGV[2] is the TPM limit, ARGV[3] is the token count to reserve, ARGV[4]
// is the window TTL in seconds. Returns 1 on success, 0 if RPM is
// exhausted, -1 if TPM is exhausted (RPM increment is rolled back before
// returning).
var reserveScript = redis.NewScript(`
local rpm_key = KEYS[1]
local tpm_key = KEYS[2]
local rpm_limit = tonumber(ARGV[1])
local tpm_limit = tonumber(ARGV[2])
local tokens = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local rpm = tonumber(redis.call("GET", rpm_key) or "0")
if rpm >= rpm_limit then
  return 0
end

local new_rpm = redis.call("INCRBY", rpm_key, 1)
if redis.call("TTL", rpm_key) < 0 then
  redis.call("EXPIRE", rpm_key, ttl)
end
if new_rpm > rpm_limit then
  redis.call("DECRBY", rpm_key, 1)
  return 0
end

local tpm = tonumber(redis.call("GET", tpm_key) or "0")
if tpm + tokens > tpm_limit then
  redis.call("DECRBY", rpm_key, 1)
  return -1
end

redis.call("INCRBY", tpm_key, tokens)
if redis.call("TTL", tpm_key) < 0 then
  redis.call("EXPIRE", tpm_key, ttl)
end

return 1
`)

// releaseScript undoes both sides of a reservation. KEYS[1] is the RPM
// counter key, KEYS[2] is the TPM counter key, ARGV[1] is the token
// count to give back.
var releaseScript = redis.NewScript(`
local rpm = tonumber(redis.call("GET", KEYS[1]) or "0")
if rpm > 0 then
  redis.call("DECRBY", KEYS[1], 1)
end
local tokens = tonumber(ARGV[1])
if tokens > 0 then
  local tpm = tonumber(redis.call("GET", KEYS[2]) or "0")
  if tpm > 0 then
    redis.call("DECRBY", KEYS[2], math.min(tpm, tokens))
  end
end
return 1
`)

// RedisKeyReserver is a KeyReserver that reserves RPM+TPM atomically
// across processes using a single Lua EVAL script, so concurrent Router
// instances contending for the same provider key never both succeed past
// its limit.
type RedisKeyReserver struct {
	client *redis.Client
	prefix string
}

// NewRedisKeyReserver creates a KeyReserver backed by the given Redis
// client.
func NewRedisKeyReserver(client *redis.Client, prefix string) *RedisKeyReserver {
	if prefix == "" {
		prefix = "stratforge:ratelimit:key"
	}
	return &RedisKeyReserver{client: client, prefix: prefix}
}

func (r *RedisKeyReserver) rpmKey(keyID string) string {
	return fmt.Sprintf("%s:%s:rpm", r.prefix, keyID)
}

func (r *RedisKeyReserver) tpmKey(keyID string) string {
	return fmt.Sprintf("%s:%s:tpm", r.prefix, keyID)
}

func (r *RedisKeyReserver) Reserve(ctx context.Context, keyID string, rpmLimit, tpmLimit, tokens int64) (*Reservation, error) {
	rpmKey := r.rpmKey(keyID)
	tpmKey := r.tpmKey(keyID)

	result, err := reserveScript.Run(ctx, r.client, []string{rpmKey, tpmKey},
		rpmLimit, tpmLimit, tokens, int64(WindowMinute.Duration().Seconds())).Int64()
	if err != nil {
		return nil, fmt.Errorf("ratelimit: redis reserve script: %w", err)
	}
	if result != 1 {
		return nil, ErrKeyRateLimited
	}

	ttl, err := r.client.TTL(ctx, rpmKey).Result()
	if err != nil || ttl < 0 {
		ttl = WindowMinute.Duration()
	}

	return &Reservation{KeyID: keyID, Tokens: tokens, WindowEnd: time.Now().Add(ttl)}, nil
}

func (r *RedisKeyReserver) Release(ctx context.Context, res *Reservation) error {
	if res == nil || res.released {
		return nil
	}
	res.released = true
	if err := releaseScript.Run(ctx, r.client, []string{r.rpmKey(res.KeyID), r.tpmKey(res.KeyID)}, res.Tokens).Err(); err != nil {
		return fmt.Errorf("ratelimit: redis release script: %w", err)
	}
	return nil
}

func (r *RedisKeyReserver) Usage(ctx context.Context, keyID string, rpmLimit, tpmLimit int64) (Usage, Usage, error) {
	pipe := r.client.Pipeline()
	rpmCmd := pipe.Get(ctx, r.rpmKey(keyID))
	rpmTTLCmd := pipe.TTL(ctx, r.rpmKey(keyID))
	tpmCmd := pipe.Get(ctx, r.tpmKey(keyID))
	tpmTTLCmd := pipe.TTL(ctx, r.tpmKey(keyID))
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return Usage{}, Usage{}, fmt.Errorf("ratelimit: redis usage: %w", err)
	}

	rpmUsed, _ := rpmCmd.Int64()
	tpmUsed, _ := tpmCmd.Int64()
	now := time.Now()

	rpmEnd := now.Add(WindowMinute.Duration())
	if ttl := rpmTTLCmd.Val(); ttl > 0 {
		rpmEnd = now.Add(ttl)
	}
	tpmEnd := now.Add(WindowMinute.Duration())
	if ttl := tpmTTLCmd.Val(); ttl > 0 {
		tpmEnd = now.Add(ttl)
	}

	return usageOf(LimitTypeCount, rpmUsed, rpmLimit, rpmEnd), usageOf(LimitTypeToken, tpmUsed, tpmLimit, tpmEnd), nil
}
