package idempotency

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestGuard(t *testing.T, ttl time.Duration) (*Guard, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewGuard(rdb, ttl), mr
}

func TestKey(t *testing.T) {
	if got := Key("req-42"); got != "idempotency:email:req-42" {
		t.Errorf("Key() = %q, want idempotency:email:req-42", got)
	}
}

func TestGuard_MarkThenCheck(t *testing.T) {
	g, mr := newTestGuard(t, 0)
	ctx := context.Background()

	processed, err := g.IsProcessed(ctx, "req-1")
	if err != nil {
		t.Fatalf("IsProcessed() error = %v", err)
	}
	if processed {
		t.Fatal("IsProcessed() = true before MarkProcessed")
	}

	if err := g.MarkProcessed(ctx, "req-1"); err != nil {
		t.Fatalf("MarkProcessed() error = %v", err)
	}

	processed, err = g.IsProcessed(ctx, "req-1")
	if err != nil {
		t.Fatalf("IsProcessed() error = %v", err)
	}
	if !processed {
		t.Error("IsProcessed() = false after MarkProcessed")
	}

	got, err := mr.Get(Key("req-1"))
	if err != nil {
		t.Fatalf("miniredis Get() error = %v", err)
	}
	if got != "processed" {
		t.Errorf("stored value = %q, want processed", got)
	}
	if ttl := mr.TTL(Key("req-1")); ttl != time.Hour {
		t.Errorf("TTL = %v, want 1h", ttl)
	}
}

func TestGuard_MarkerExpires(t *testing.T) {
	g, mr := newTestGuard(t, time.Minute)
	ctx := context.Background()

	if err := g.MarkProcessed(ctx, "req-2"); err != nil {
		t.Fatalf("MarkProcessed() error = %v", err)
	}
	mr.FastForward(time.Minute + time.Second)

	processed, err := g.IsProcessed(ctx, "req-2")
	if err != nil {
		t.Fatalf("IsProcessed() error = %v", err)
	}
	if processed {
		t.Error("IsProcessed() = true after TTL elapsed")
	}
}

func TestGuard_StoreUnavailable(t *testing.T) {
	g, mr := newTestGuard(t, 0)
	mr.Close()

	if _, err := g.IsProcessed(context.Background(), "req-3"); err == nil {
		t.Error("IsProcessed() expected error when store is down")
	}
	if err := g.MarkProcessed(context.Background(), "req-3"); err == nil {
		t.Error("MarkProcessed() expected error when store is down")
	}
}
