package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

type entry struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

func setupTestRedis(t *testing.T) (*Redis, *miniredis.Miniredis) {
	s := miniredis.RunT(t)
	c, err := NewRedis("redis://" + s.Addr())
	if err != nil {
		t.Fatalf("failed to create redis cache: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c, s
}

func TestRedisSetGetDelete(t *testing.T) {
	c, s := setupTestRedis(t)
	ctx := context.Background()

	if err := c.Set(ctx, "prs:ENG-1", entry{Name: "a", Count: 2}, time.Minute); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if !s.Exists("workweave:prs:ENG-1") {
		t.Fatal("expected prefixed key in redis")
	}

	var got entry
	ok, err := c.Get(ctx, "prs:ENG-1", &got)
	if err != nil || !ok {
		t.Fatalf("Get = %v, %v", ok, err)
	}
	if got != (entry{Name: "a", Count: 2}) {
		t.Fatalf("got %+v", got)
	}

	if err := c.Delete(ctx, "prs:ENG-1"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	ok, err = c.Get(ctx, "prs:ENG-1", &got)
	if err != nil || ok {
		t.Fatalf("after delete Get = %v, %v", ok, err)
	}
}

func TestRedisEntriesExpire(t *testing.T) {
	c, s := setupTestRedis(t)
	ctx := context.Background()

	if err := c.Set(ctx, "k", entry{Name: "x"}, 30*time.Second); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	s.FastForward(31 * time.Second)

	var got entry
	ok, err := c.Get(ctx, "k", &got)
	if err != nil || ok {
		t.Fatalf("expired Get = %v, %v", ok, err)
	}
}

func TestRedisZeroTTLStoresNothing(t *testing.T) {
	c, s := setupTestRedis(t)
	if err := c.Set(context.Background(), "k", entry{}, 0); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if s.Exists("workweave:k") {
		t.Fatal("zero ttl must not store")
	}
}

func TestMemoryStaleness(t *testing.T) {
	m := NewMemory()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }
	ctx := context.Background()

	if err := m.Set(ctx, "k", entry{Name: "fresh"}, time.Minute); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	var got entry
	if ok, _ := m.Get(ctx, "k", &got); !ok || got.Name != "fresh" {
		t.Fatalf("fresh Get = %v, %+v", ok, got)
	}

	now = now.Add(time.Minute)
	if ok, _ := m.Get(ctx, "k", &got); ok {
		t.Fatal("entry at its expiry must be stale")
	}
}

func TestRedisConnectFailure(t *testing.T) {
	if _, err := NewRedis("redis://127.0.0.1:1"); err == nil {
		t.Fatal("expected connection error")
	}
}
