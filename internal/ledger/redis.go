// TrigpointingUK Tile Proxy - Metered OS Maps tile caching and admission control
// Copyright 2026 TrigpointingUK
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/trigpointinguk/tileproxy

package ledger

import (
	"context"
	"fmt"
	"strconv"

	goredis "github.com/redis/go-redis/v9"

	"github.com/trigpointinguk/tileproxy/internal/tile"
)

// RedisLedger stores weekly counters in Redis. All admission logic runs
// inside a single Lua script, which is what makes the check-and-reserve
// atomic across any number of proxy instances: Redis executes scripts
// serially, so no interleaving can admit past a ceiling or lose an
// increment.
type RedisLedger struct {
	client    goredis.Cmdable
	policy    Policy
	keyPrefix string
}

var _ Ledger = (*RedisLedger)(nil)

// Option configures RedisLedger.
type Option func(*RedisLedger)

// WithKeyPrefix sets the Redis key prefix (default "tileproxy:").
func WithKeyPrefix(prefix string) Option {
	return func(l *RedisLedger) { l.keyPrefix = prefix }
}

// NewRedisLedger wraps a connected client. The client must be a
// *goredis.Client or *goredis.ClusterClient.
func NewRedisLedger(client goredis.Cmdable, policy Policy, opts ...Option) *RedisLedger {
	l := &RedisLedger{
		client:    client,
		policy:    policy,
		keyPrefix: "tileproxy:",
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// reserveScript atomically checks every counter against its ceiling and
// increments them all only if all admit.
// KEYS    = counter keys, one per scope
// ARGV[i] = ceiling for KEYS[i]; negative means unlimited
// ARGV[#KEYS+1] = counter TTL in seconds
//
// Returns 0 on admission, or the 1-based index of the first denying key.
// EXPIRE is applied only when INCR creates the counter, so the TTL runs
// from first use in the week and never resets.
var reserveScript = goredis.NewScript(`
for i, key in ipairs(KEYS) do
    local limit = tonumber(ARGV[i])
    if limit >= 0 then
        local current = tonumber(redis.call("GET", key) or "0")
        if current + 1 > limit then
            return i
        end
    end
end

local ttl = tonumber(ARGV[#KEYS + 1])
for _, key in ipairs(KEYS) do
    local v = redis.call("INCR", key)
    if v == 1 then
        redis.call("EXPIRE", key, ttl)
    end
end
return 0
`)

// CheckAndReserve admits or denies one prospective upstream fetch.
func (l *RedisLedger) CheckAndReserve(ctx context.Context, refs []ScopeRef, class tile.CostClass, week string) (Decision, error) {
	keys := make([]string, len(refs))
	args := make([]interface{}, 0, len(refs)+1)
	for i, ref := range refs {
		keys[i] = l.keyPrefix + counterKey(week, ref, class)
		args = append(args, l.policy.Limit(ref.Scope, class))
	}
	args = append(args, int64(CounterTTL.Seconds()))

	result, err := reserveScript.Run(ctx, l.client, keys, args...).Int()
	if err != nil {
		return Decision{}, fmt.Errorf("ledger: reserve: %w", err)
	}
	if result == 0 {
		return Decision{Allowed: true}, nil
	}
	if result < 1 || result > len(refs) {
		return Decision{}, fmt.Errorf("ledger: unexpected reserve result: %d", result)
	}
	denied := refs[result-1]
	return Decision{
		Allowed:     false,
		DeniedScope: denied.Scope,
		DeniedLimit: l.policy.Limit(denied.Scope, class),
	}, nil
}

// Usage reads the live counters behind the limiter with a single MGET.
// Missing keys (never used, or expired) read as zero.
func (l *RedisLedger) Usage(ctx context.Context, refs []ScopeRef, week string) ([]ScopeUsage, error) {
	keys := make([]string, 0, len(refs)*len(tile.Classes))
	rows := make([]ScopeUsage, 0, len(refs)*len(tile.Classes))
	for _, ref := range refs {
		for _, class := range tile.Classes {
			keys = append(keys, l.keyPrefix+counterKey(week, ref, class))
			rows = append(rows, ScopeUsage{
				Scope: ref.Scope,
				Class: class.String(),
				Limit: l.policy.Limit(ref.Scope, class),
			})
		}
	}

	vals, err := l.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("ledger: usage: %w", err)
	}
	for i, v := range vals {
		if v == nil {
			continue
		}
		if s, ok := v.(string); ok {
			rows[i].Used, _ = strconv.ParseInt(s, 10, 64)
		}
	}
	return rows, nil
}

// Close is a no-op; the client's lifecycle belongs to its creator.
func (l *RedisLedger) Close() error { return nil }
