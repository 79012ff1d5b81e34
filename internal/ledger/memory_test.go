// TrigpointingUK Tile Proxy - Metered OS Maps tile caching and admission control
// Copyright 2026 TrigpointingUK
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/trigpointinguk/tileproxy

package ledger

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/trigpointinguk/tileproxy/internal/tile"
)

// unlimited except where a test overrides a ceiling.
func openPolicy() Policy {
	open := ClassLimits{Free: -1, Premium: -1}
	return Policy{Global: open, PerIP: open, PerUser: open, Anonymous: open}
}

func TestAdmissionEnforcement(t *testing.T) {
	policy := openPolicy()
	policy.Global.Free = 5
	l := NewMemoryLedger(policy)

	ctx := context.Background()
	caller := Caller{UserID: "alice"}
	week := WeekBucket(time.Now())

	for i := 0; i < 5; i++ {
		d, err := l.CheckAndReserve(ctx, caller.Scopes(), tile.Free, week)
		if err != nil {
			t.Fatalf("CheckAndReserve %d: %v", i, err)
		}
		if !d.Allowed {
			t.Fatalf("request %d denied below ceiling", i+1)
		}
	}

	d, err := l.CheckAndReserve(ctx, caller.Scopes(), tile.Free, week)
	if err != nil {
		t.Fatalf("CheckAndReserve: %v", err)
	}
	if d.Allowed {
		t.Fatal("6th request admitted past global.free = 5")
	}
	if d.DeniedScope != ScopeGlobal {
		t.Errorf("DeniedScope = %s, want %s", d.DeniedScope, ScopeGlobal)
	}
	if d.DeniedLimit != 5 {
		t.Errorf("DeniedLimit = %d, want 5", d.DeniedLimit)
	}

	// Premium has its own ceiling; the free denial must not bleed over.
	d, err = l.CheckAndReserve(ctx, caller.Scopes(), tile.Premium, week)
	if err != nil {
		t.Fatalf("CheckAndReserve premium: %v", err)
	}
	if !d.Allowed {
		t.Error("premium fetch denied by exhausted free ceiling")
	}
}

func TestDenialReservesNothing(t *testing.T) {
	policy := openPolicy()
	policy.PerUser.Premium = 0
	l := NewMemoryLedger(policy)

	ctx := context.Background()
	caller := Caller{UserID: "bob"}
	week := WeekBucket(time.Now())

	d, err := l.CheckAndReserve(ctx, caller.Scopes(), tile.Premium, week)
	if err != nil {
		t.Fatalf("CheckAndReserve: %v", err)
	}
	if d.Allowed {
		t.Fatal("request admitted against a zero ceiling")
	}

	// Global passed its check before per-user denied; the denial must
	// leave global untouched too.
	report, err := l.Usage(ctx, caller.Scopes(), week)
	if err != nil {
		t.Fatalf("Usage: %v", err)
	}
	for _, row := range report {
		if row.Used != 0 {
			t.Errorf("scope %s/%s counter = %d after denial, want 0", row.Scope, row.Class, row.Used)
		}
	}
}

func TestNoLostUpdates(t *testing.T) {
	for _, n := range []int{1, 10, 100} {
		l := NewMemoryLedger(openPolicy())
		ctx := context.Background()
		caller := Caller{IP: "203.0.113.9"}
		week := WeekBucket(time.Now())

		var wg sync.WaitGroup
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if _, err := l.CheckAndReserve(ctx, caller.Scopes(), tile.Free, week); err != nil {
					t.Errorf("CheckAndReserve: %v", err)
				}
			}()
		}
		wg.Wait()

		report, err := l.Usage(ctx, caller.Scopes(), week)
		if err != nil {
			t.Fatalf("Usage: %v", err)
		}
		for _, row := range report {
			if row.Class != "free" {
				continue
			}
			if row.Used != int64(n) {
				t.Errorf("n=%d: scope %s counter = %d, want %d", n, row.Scope, row.Used, n)
			}
		}
	}
}

func TestCounterExpiry(t *testing.T) {
	l := NewMemoryLedger(openPolicy())
	base := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	current := base
	l.now = func() time.Time { return current }

	ctx := context.Background()
	caller := Caller{UserID: "carol"}
	week := WeekBucket(base)

	if _, err := l.CheckAndReserve(ctx, caller.Scopes(), tile.Premium, week); err != nil {
		t.Fatalf("CheckAndReserve: %v", err)
	}

	report, _ := l.Usage(ctx, caller.Scopes(), week)
	if got := usedFor(report, ScopePerUser, "premium"); got != 1 {
		t.Fatalf("counter = %d before expiry, want 1", got)
	}

	// Just past the TTL the counter reads zero with no cleanup pass.
	current = base.Add(CounterTTL + time.Minute)
	report, _ = l.Usage(ctx, caller.Scopes(), week)
	if got := usedFor(report, ScopePerUser, "premium"); got != 0 {
		t.Errorf("counter = %d after TTL, want 0", got)
	}
}

func usedFor(report []ScopeUsage, scope Scope, class string) int64 {
	for _, row := range report {
		if row.Scope == scope && row.Class == class {
			return row.Used
		}
	}
	return -1
}

func TestCallerScopes(t *testing.T) {
	tests := []struct {
		name   string
		caller Caller
		want   []ScopeRef
	}{
		{
			name:   "authenticated",
			caller: Caller{UserID: "alice", IP: "198.51.100.7"},
			want: []ScopeRef{
				{Scope: ScopeGlobal, ID: "global"},
				{Scope: ScopePerUser, ID: "user:alice"},
			},
		},
		{
			name:   "anonymous",
			caller: Caller{IP: "198.51.100.7"},
			want: []ScopeRef{
				{Scope: ScopeGlobal, ID: "global"},
				{Scope: ScopePerIP, ID: "ip:198.51.100.7"},
				{Scope: ScopeAnonymous, ID: "anon"},
			},
		},
		{
			name:   "attribution failed",
			caller: Caller{},
			want: []ScopeRef{
				{Scope: ScopeGlobal, ID: "global"},
				{Scope: ScopePerIP, ID: "ip:unknown"},
				{Scope: ScopeAnonymous, ID: "anon"},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.caller.Scopes()
			if len(got) != len(tt.want) {
				t.Fatalf("Scopes() = %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("Scopes()[%d] = %v, want %v", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestWeekBucket(t *testing.T) {
	tests := []struct {
		in   time.Time
		want string
	}{
		{time.Date(2026, 8, 29, 12, 0, 0, 0, time.UTC), "2026-W35"},
		// ISO week years differ from calendar years at the boundary.
		{time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC), "2026-W53"},
		{time.Date(2026, 1, 5, 0, 0, 0, 0, time.UTC), "2026-W02"},
	}
	for _, tt := range tests {
		if got := WeekBucket(tt.in); got != tt.want {
			t.Errorf("WeekBucket(%s) = %q, want %q", tt.in.Format(time.DateOnly), got, tt.want)
		}
	}
}

func TestPolicyLimit(t *testing.T) {
	p := Policy{
		Global:    ClassLimits{Free: 100000, Premium: 2000},
		PerIP:     ClassLimits{Free: 5000, Premium: 50},
		PerUser:   ClassLimits{Free: 10000, Premium: 200},
		Anonymous: ClassLimits{Free: 50000, Premium: 500},
	}
	if got := p.Limit(ScopeGlobal, tile.Premium); got != 2000 {
		t.Errorf("Limit(global, premium) = %d, want 2000", got)
	}
	if got := p.Limit(ScopePerIP, tile.Free); got != 5000 {
		t.Errorf("Limit(per_ip, free) = %d, want 5000", got)
	}
	if got := p.Limit(Scope("bogus"), tile.Free); got != -1 {
		t.Errorf("Limit(unknown scope) = %d, want -1 (unlimited)", got)
	}
}
