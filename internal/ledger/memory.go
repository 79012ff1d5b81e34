// TrigpointingUK Tile Proxy - Metered OS Maps tile caching and admission control
// Copyright 2026 TrigpointingUK
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/trigpointinguk/tileproxy

package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/trigpointinguk/tileproxy/internal/tile"
)

// MemoryLedger is a mutex-guarded in-process ledger for tests and
// single-instance deployments. Counters are correct under in-process
// concurrency only; multi-instance deployments need the Redis ledger.
type MemoryLedger struct {
	mu       sync.Mutex
	policy   Policy
	counters map[string]*memCounter

	// now is swappable so expiry can be tested without sleeping.
	now func() time.Time
}

type memCounter struct {
	count     int64
	expiresAt time.Time
}

// NewMemoryLedger returns an empty ledger enforcing policy.
func NewMemoryLedger(policy Policy) *MemoryLedger {
	return &MemoryLedger{
		policy:   policy,
		counters: make(map[string]*memCounter),
		now:      time.Now,
	}
}

// read returns the live count for key, treating expired counters as
// absent. Caller holds mu.
func (l *MemoryLedger) read(key string) int64 {
	c, ok := l.counters[key]
	if !ok {
		return 0
	}
	if l.now().After(c.expiresAt) {
		delete(l.counters, key)
		return 0
	}
	return c.count
}

// CheckAndReserve checks every scope against the policy and increments
// all counters only if every one admits. The single mutex makes
// check-then-increment atomic for in-process callers.
func (l *MemoryLedger) CheckAndReserve(ctx context.Context, refs []ScopeRef, class tile.CostClass, week string) (Decision, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, ref := range refs {
		limit := l.policy.Limit(ref.Scope, class)
		if limit < 0 {
			continue
		}
		if l.read(counterKey(week, ref, class))+1 > limit {
			return Decision{Allowed: false, DeniedScope: ref.Scope, DeniedLimit: limit}, nil
		}
	}

	now := l.now()
	for _, ref := range refs {
		key := counterKey(week, ref, class)
		c, ok := l.counters[key]
		if !ok || now.After(c.expiresAt) {
			l.counters[key] = &memCounter{count: 1, expiresAt: now.Add(CounterTTL)}
			continue
		}
		c.count++
	}
	return Decision{Allowed: true}, nil
}

// Usage reports the live counters for the caller's scopes.
func (l *MemoryLedger) Usage(ctx context.Context, refs []ScopeRef, week string) ([]ScopeUsage, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	report := make([]ScopeUsage, 0, len(refs)*len(tile.Classes))
	for _, ref := range refs {
		for _, class := range tile.Classes {
			report = append(report, ScopeUsage{
				Scope: ref.Scope,
				Class: class.String(),
				Used:  l.read(counterKey(week, ref, class)),
				Limit: l.policy.Limit(ref.Scope, class),
			})
		}
	}
	return report, nil
}

// Close is a no-op.
func (l *MemoryLedger) Close() error { return nil }
