package cache

import (
	"context"
	"testing"
	"time"
)

func testKey(principal, resource, action string) Key {
	return Key{
		TenantID:     "t1",
		PrincipalID:  principal,
		ResourceType: "document",
		ResourceID:   resource,
		Action:       action,
	}
}

func TestMemoryCacheRoundTrip(t *testing.T) {
	c := NewMemoryCache()
	ctx := context.Background()
	key := testKey("alice", "doc-1", "read")

	if _, found, _ := c.Get(ctx, key); found {
		t.Fatal("expected miss on empty cache")
	}

	value := &Value{Allowed: true, MatchedPermissionIDs: []string{"p1"}}
	if err := c.Set(ctx, key, value, time.Minute); err != nil {
		t.Fatalf("set: %v", err)
	}

	got, found, err := c.Get(ctx, key)
	if err != nil || !found {
		t.Fatalf("expected hit, found=%v err=%v", found, err)
	}
	if !got.Allowed || len(got.MatchedPermissionIDs) != 1 {
		t.Fatalf("unexpected value %+v", got)
	}
}

func TestMemoryCacheExpiry(t *testing.T) {
	c := NewMemoryCache()
	ctx := context.Background()
	key := testKey("alice", "doc-1", "read")

	now := time.Now()
	c.SetClock(func() time.Time { return now })
	if err := c.Set(ctx, key, &Value{Allowed: true}, 30*time.Second); err != nil {
		t.Fatalf("set: %v", err)
	}

	if _, found, _ := c.Get(ctx, key); !found {
		t.Fatal("entry should be live before the TTL")
	}

	c.SetClock(func() time.Time { return now.Add(31 * time.Second) })
	if _, found, _ := c.Get(ctx, key); found {
		t.Fatal("expired entry must read as absent")
	}
}

func TestMemoryCacheScopedClear(t *testing.T) {
	c := NewMemoryCache()
	ctx := context.Background()

	c.Set(ctx, testKey("alice", "doc-1", "read"), &Value{Allowed: true}, time.Minute)
	c.Set(ctx, testKey("alice", "doc-2", "read"), &Value{Allowed: true}, time.Minute)
	c.Set(ctx, testKey("bob", "doc-1", "read"), &Value{Allowed: true}, time.Minute)

	if err := c.Clear(ctx, PrincipalScope("t1", "alice")); err != nil {
		t.Fatalf("clear: %v", err)
	}

	if _, found, _ := c.Get(ctx, testKey("alice", "doc-1", "read")); found {
		t.Fatal("alice's entries must be gone")
	}
	if _, found, _ := c.Get(ctx, testKey("bob", "doc-1", "read")); !found {
		t.Fatal("bob's entries must survive a scoped clear")
	}
}

func TestMemoryCacheClearAll(t *testing.T) {
	c := NewMemoryCache()
	ctx := context.Background()

	c.Set(ctx, testKey("alice", "doc-1", "read"), &Value{Allowed: true}, time.Minute)
	c.Set(ctx, testKey("bob", "doc-1", "read"), &Value{Allowed: true}, time.Minute)

	if err := c.Clear(ctx, ""); err != nil {
		t.Fatalf("clear: %v", err)
	}

	stats, _ := c.Stats(ctx)
	if stats.Size != 0 {
		t.Fatalf("expected empty cache, size=%d", stats.Size)
	}
}

func TestMemoryCacheStats(t *testing.T) {
	c := NewMemoryCache()
	ctx := context.Background()
	key := testKey("alice", "doc-1", "read")

	c.Get(ctx, key) // miss
	c.Set(ctx, key, &Value{Allowed: true}, time.Minute)
	c.Get(ctx, key) // hit

	stats, err := c.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Hits != 1 || stats.Misses != 1 || stats.Size != 1 {
		t.Fatalf("unexpected stats %+v", stats)
	}
	if stats.HitRate != 0.5 {
		t.Fatalf("expected hit rate 0.5, got %v", stats.HitRate)
	}
}
