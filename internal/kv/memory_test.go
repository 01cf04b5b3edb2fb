package kv

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestMemoryStoreSetNX(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	set, errSet := store.SetNX(ctx, "lock", "1", time.Minute)
	if errSet != nil {
		t.Fatalf("setnx: %v", errSet)
	}
	if !set {
		t.Fatal("first setnx should succeed")
	}

	set, errSet = store.SetNX(ctx, "lock", "2", time.Minute)
	if errSet != nil {
		t.Fatalf("setnx: %v", errSet)
	}
	if set {
		t.Fatal("second setnx should fail while key is live")
	}

	value, errGet := store.Get(ctx, "lock")
	if errGet != nil {
		t.Fatalf("get: %v", errGet)
	}
	if value != "1" {
		t.Fatalf("value = %q, want 1", value)
	}
}

func TestMemoryStoreExpiry(t *testing.T) {
	store := NewMemoryStore()
	now := time.Now()
	store.Now = func() time.Time { return now }
	ctx := context.Background()

	if errSet := store.Set(ctx, "key", "v", time.Minute); errSet != nil {
		t.Fatalf("set: %v", errSet)
	}

	remain, errTTL := store.TTL(ctx, "key")
	if errTTL != nil {
		t.Fatalf("ttl: %v", errTTL)
	}
	if remain != time.Minute {
		t.Fatalf("ttl = %s, want 1m", remain)
	}

	now = now.Add(2 * time.Minute)
	if _, errGet := store.Get(ctx, "key"); !errors.Is(errGet, ErrNotFound) {
		t.Fatalf("get after expiry = %v, want ErrNotFound", errGet)
	}

	set, errSetNX := store.SetNX(ctx, "key", "again", time.Minute)
	if errSetNX != nil {
		t.Fatalf("setnx: %v", errSetNX)
	}
	if !set {
		t.Fatal("setnx should succeed after expiry")
	}
}

func TestMemoryStoreIncrKeepsTTL(t *testing.T) {
	store := NewMemoryStore()
	now := time.Now()
	store.Now = func() time.Time { return now }
	ctx := context.Background()

	count, errIncr := store.Incr(ctx, "counter")
	if errIncr != nil {
		t.Fatalf("incr: %v", errIncr)
	}
	if count != 1 {
		t.Fatalf("count = %d, want 1", count)
	}
	if ok, errExpire := store.Expire(ctx, "counter", time.Hour); errExpire != nil || !ok {
		t.Fatalf("expire: ok=%v err=%v", ok, errExpire)
	}

	count, errIncr = store.Incr(ctx, "counter")
	if errIncr != nil {
		t.Fatalf("incr: %v", errIncr)
	}
	if count != 2 {
		t.Fatalf("count = %d, want 2", count)
	}

	remain, errTTL := store.TTL(ctx, "counter")
	if errTTL != nil {
		t.Fatalf("ttl: %v", errTTL)
	}
	if remain != time.Hour {
		t.Fatalf("ttl = %s, want 1h", remain)
	}
}

func TestMemoryStoreTTLWithoutExpiry(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if errSet := store.Set(ctx, "key", "v", 0); errSet != nil {
		t.Fatalf("set: %v", errSet)
	}
	remain, errTTL := store.TTL(ctx, "key")
	if errTTL != nil {
		t.Fatalf("ttl: %v", errTTL)
	}
	if remain != -1 {
		t.Fatalf("ttl = %d, want -1", remain)
	}
}
