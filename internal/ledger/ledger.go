// TrigpointingUK Tile Proxy - Metered OS Maps tile caching and admission control
// Copyright 2026 TrigpointingUK
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/trigpointinguk/tileproxy

// Package ledger tracks weekly tile consumption and enforces admission
// against per-scope ceilings.
//
// Every admitted upstream fetch increments a set of counters, one per
// applicable scope, keyed by (scope identity, ISO week, cost class).
// Admission is a single atomic check-and-reserve across all of a
// caller's scopes: either every counter is incremented or none is.
// Counters expire on their own about a day after the week they track
// ends, so the ledger never needs explicit cleanup.
package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/trigpointinguk/tileproxy/internal/tile"
)

// CounterTTL is how long a weekly counter lives after creation: the
// week it tracks plus a day of slack so in-flight reads near the
// rollover never see a vanished counter.
const CounterTTL = 8 * 24 * time.Hour

// Scope is a dimension along which consumption is tracked independently.
type Scope string

const (
	// ScopeGlobal caps total upstream spend across all callers.
	ScopeGlobal Scope = "global"

	// ScopePerIP caps each anonymous caller's address individually.
	ScopePerIP Scope = "per_ip"

	// ScopePerUser caps each authenticated user individually.
	ScopePerUser Scope = "per_user"

	// ScopeAnonymous caps the anonymous population as a whole, bounding
	// abuse that rotates through many addresses.
	ScopeAnonymous Scope = "anonymous"
)

// ScopeRef is one concrete counter dimension for a request: the scope
// plus the identity segment that individualizes it ("global", "ip:...",
// "user:...", "anon").
type ScopeRef struct {
	Scope Scope
	ID    string
}

// Caller is the resolved identity of a tile request. An empty UserID
// means anonymous; an empty IP means attribution failed and the caller
// is tracked under a synthetic unknown-address bucket rather than
// rejected.
type Caller struct {
	UserID string
	IP     string
}

// Anonymous reports whether the caller lacks an authenticated identity.
func (c Caller) Anonymous() bool { return c.UserID == "" }

// Scopes returns the counter dimensions this caller's fetches accrue
// under. Global always applies; PerUser and PerIP are mutually
// exclusive on authentication; AnonymousTotal applies only to
// anonymous callers.
func (c Caller) Scopes() []ScopeRef {
	refs := []ScopeRef{{Scope: ScopeGlobal, ID: "global"}}
	if !c.Anonymous() {
		return append(refs, ScopeRef{Scope: ScopePerUser, ID: "user:" + c.UserID})
	}
	ip := c.IP
	if ip == "" {
		ip = "unknown"
	}
	return append(refs,
		ScopeRef{Scope: ScopePerIP, ID: "ip:" + ip},
		ScopeRef{Scope: ScopeAnonymous, ID: "anon"},
	)
}

// WeekBucket returns the ISO-week key a timestamp falls into, e.g.
// "2026-W35". Weeks are computed in UTC so every instance agrees on
// the rollover instant.
func WeekBucket(t time.Time) string {
	year, week := t.UTC().ISOWeek()
	return fmt.Sprintf("%d-W%02d", year, week)
}

// counterKey builds the backing-store key for one counter.
func counterKey(week string, ref ScopeRef, class tile.CostClass) string {
	return "usage:" + week + ":" + ref.ID + ":" + class.String()
}

// ClassLimits is a pair of weekly ceilings, one per cost class.
// A negative value means unlimited.
type ClassLimits struct {
	Free    int64 `koanf:"free"`
	Premium int64 `koanf:"premium"`
}

// limit selects the ceiling for a class.
func (l ClassLimits) limit(class tile.CostClass) int64 {
	if class == tile.Premium {
		return l.Premium
	}
	return l.Free
}

// Policy is the static weekly rate-limit table, loaded once at startup
// and never mutated. Keeping it an immutable value keeps admission
// decisions pure functions of (counters, policy).
type Policy struct {
	Global    ClassLimits `koanf:"global"`
	PerIP     ClassLimits `koanf:"per_ip"`
	PerUser   ClassLimits `koanf:"per_user"`
	Anonymous ClassLimits `koanf:"anonymous"`
}

// Limit returns the weekly ceiling for (scope, class); negative means
// unlimited.
func (p Policy) Limit(scope Scope, class tile.CostClass) int64 {
	switch scope {
	case ScopeGlobal:
		return p.Global.limit(class)
	case ScopePerIP:
		return p.PerIP.limit(class)
	case ScopePerUser:
		return p.PerUser.limit(class)
	case ScopeAnonymous:
		return p.Anonymous.limit(class)
	}
	return -1
}

// Decision is the outcome of a check-and-reserve. When denied, the
// scope that refused and its ceiling are recorded for logging; the
// response body never carries them.
type Decision struct {
	Allowed     bool
	DeniedScope Scope
	DeniedLimit int64
}

// ScopeUsage is one row of a usage report.
type ScopeUsage struct {
	Scope Scope  `json:"scope"`
	Class string `json:"class"`
	Used  int64  `json:"used"`
	Limit int64  `json:"limit"`
}

// Ledger is the shared counter store behind admission control.
//
// CheckAndReserve evaluates every scope's prospective post-increment
// count against the policy and, only if all pass, increments them all.
// The operation is atomic with respect to concurrent callers: partial
// reservation never happens and concurrent increments never lose
// updates. An error return means the backing store is unreachable; the
// caller decides the fail-open policy, not the ledger.
//
// Usage reports the same live counters the limiter consults, per scope
// and class, for the current week.
type Ledger interface {
	CheckAndReserve(ctx context.Context, refs []ScopeRef, class tile.CostClass, week string) (Decision, error)
	Usage(ctx context.Context, refs []ScopeRef, week string) ([]ScopeUsage, error)
	Close() error
}
