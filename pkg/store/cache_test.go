package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestMemoryCacheTTL(t *testing.T) {
	c := NewMemoryCache()
	ctx := context.Background()
	if err := c.Set(ctx, "k", "v", 20*time.Millisecond); err != nil {
		t.Fatalf("set: %v", err)
	}
	got, err := c.Get(ctx, "k")
	if err != nil || got != "v" {
		t.Fatalf("get: %q %v", got, err)
	}
	time.Sleep(30 * time.Millisecond)
	if _, err := c.Get(ctx, "k"); !errors.Is(err, redis.Nil) {
		t.Fatalf("expected miss after TTL, got %v", err)
	}
}

func TestMemoryCacheDel(t *testing.T) {
	c := NewMemoryCache()
	ctx := context.Background()
	_ = c.Set(ctx, "k", "v", time.Minute)
	_ = c.Del(ctx, "k")
	if _, err := c.Get(ctx, "k"); !errors.Is(err, redis.Nil) {
		t.Fatalf("expected miss after delete, got %v", err)
	}
}

func TestNewCacheFallsBackToMemory(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 5 * time.Millisecond,
		MaxRetries:  0,
	})
	c := NewCache(context.Background(), client)
	if _, ok := c.(*MemoryCache); !ok {
		t.Fatalf("expected memory fallback, got %T", c)
	}
}

func TestNewCachePrefersRedis(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	c := NewCache(context.Background(), client)
	if _, ok := c.(*RedisCache); !ok {
		t.Fatalf("expected redis cache, got %T", c)
	}
	ctx := context.Background()
	if err := c.Set(ctx, "ident:u1", `{"id":"1"}`, time.Minute); err != nil {
		t.Fatalf("set: %v", err)
	}
	got, err := c.Get(ctx, "ident:u1")
	if err != nil || got != `{"id":"1"}` {
		t.Fatalf("get: %q %v", got, err)
	}
	if _, err := c.Get(ctx, "missing"); !errors.Is(err, redis.Nil) {
		t.Fatalf("expected redis.Nil on miss, got %v", err)
	}
}
