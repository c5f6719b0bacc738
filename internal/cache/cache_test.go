package cache

import (
	"context"
	"testing"
	"time"

	"kasirinaja/retailpos/internal/domain"
)

func TestMemoryCacheHonoursExpiry(t *testing.T) {
	c := NewMemoryCache(0)
	defer c.Close()

	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return base }
	key := Key{Kind: domain.ReportDashboard, PeriodDays: 30, Scope: domain.ScopeStore}
	ctx := context.Background()

	if err := c.Set(ctx, key, Entry{ComputedAt: base, ExpiresAt: base.Add(time.Minute)}); err != nil {
		t.Fatalf("set: %v", err)
	}
	if _, ok, _ := c.Get(ctx, key); !ok {
		t.Fatalf("expected hit before expiry")
	}

	c.now = func() time.Time { return base.Add(time.Minute) }
	if _, ok, _ := c.Get(ctx, key); ok {
		t.Fatalf("expected miss at expiry")
	}
	if dropped := c.Sweep(); dropped != 1 || c.Len() != 0 {
		t.Fatalf("expected sweep to drop 1 entry, dropped %d, left %d", dropped, c.Len())
	}
}

func TestMemoryCacheExpireAndClear(t *testing.T) {
	c := NewMemoryCache(time.Hour)
	ctx := context.Background()
	future := time.Now().Add(time.Hour)

	a := Key{Kind: domain.ReportDashboard, PeriodDays: 7, Scope: domain.ScopeStore}
	b := Key{Kind: domain.ReportCashier, PeriodDays: 7, Scope: domain.CashierScope("c1")}
	_ = c.Set(ctx, a, Entry{ExpiresAt: future})
	_ = c.Set(ctx, b, Entry{ExpiresAt: future})

	_ = c.Expire(ctx, a)
	if _, ok, _ := c.Get(ctx, a); ok {
		t.Fatalf("expected expired key to miss")
	}
	if _, ok, _ := c.Get(ctx, b); !ok {
		t.Fatalf("expected other key to stay")
	}

	_ = c.Clear(ctx)
	if c.Len() != 0 {
		t.Fatalf("expected empty cache after clear")
	}
	if err := c.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}

func TestKeyString(t *testing.T) {
	key := Key{Kind: domain.ReportCashier, PeriodDays: 30, Scope: domain.CashierScope("u-1")}
	if got := key.String(); got != "cashier:30:cashier:u-1" {
		t.Fatalf("unexpected key %q", got)
	}
}

func TestNoopCacheAlwaysMisses(t *testing.T) {
	var c SnapshotCache = NoopSnapshotCache{}
	ctx := context.Background()
	key := Key{Kind: domain.ReportDashboard, PeriodDays: 1, Scope: domain.ScopeStore}
	_ = c.Set(ctx, key, Entry{ExpiresAt: time.Now().Add(time.Hour)})
	if _, ok, err := c.Get(ctx, key); ok || err != nil {
		t.Fatalf("expected miss, got ok=%v err=%v", ok, err)
	}
}
