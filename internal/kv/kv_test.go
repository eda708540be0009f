package kv

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	cli := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = cli.Close() })
	return FromClient(cli), mr
}

func TestSetGet(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	if err := s.Set(ctx, "k1", []byte("v1"), time.Minute); err != nil {
		t.Fatalf("Set: %v", err)
	}
	got, ok := s.Get(ctx, "k1")
	if !ok {
		t.Fatal("expected hit")
	}
	if string(got) != "v1" {
		t.Fatalf("got %q", got)
	}
}

func TestGetMiss(t *testing.T) {
	s, _ := newTestStore(t)

	if _, ok := s.Get(context.Background(), "absent"); ok {
		t.Fatal("expected miss")
	}
}

func TestGetDegradesOnRedisDown(t *testing.T) {
	s, mr := newTestStore(t)
	mr.Close()

	if _, ok := s.Get(context.Background(), "k"); ok {
		t.Fatal("expected miss when redis unavailable")
	}
}

func TestSetSwallowsRedisErrors(t *testing.T) {
	s, mr := newTestStore(t)
	mr.Close()

	if err := s.Set(context.Background(), "k", []byte("v"), time.Minute); err != nil {
		t.Fatalf("Set should not propagate redis errors, got %v", err)
	}
}

func TestDelete(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	_ = s.Set(ctx, "k", []byte("v"), time.Minute)
	if err := s.Delete(ctx, "k"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, ok := s.Get(ctx, "k"); ok {
		t.Fatal("key survived delete")
	}
}

func TestExpiry(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	_ = s.Set(ctx, "k", []byte("v"), 10*time.Second)
	mr.FastForward(11 * time.Second)
	if _, ok := s.Get(ctx, "k"); ok {
		t.Fatal("expected expiry")
	}
}

func TestInvalidatePubSub(t *testing.T) {
	s, _ := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan string, 1)
	go s.SubscribeInvalidate(ctx, func(payload string) {
		select {
		case got <- payload:
		default:
		}
	})

	// Give the subscriber a moment to register before publishing.
	deadline := time.After(2 * time.Second)
	for {
		if err := s.PublishInvalidate(ctx, "prov-1"); err != nil {
			t.Fatalf("publish: %v", err)
		}
		select {
		case payload := <-got:
			if payload != "prov-1" {
				t.Fatalf("payload %q", payload)
			}
			return
		case <-time.After(50 * time.Millisecond):
		case <-deadline:
			t.Fatal("no invalidation received")
		}
	}
}

func TestReady(t *testing.T) {
	s, mr := newTestStore(t)
	if !s.Ready(context.Background()) {
		t.Fatal("expected ready")
	}
	mr.Close()
	if s.Ready(context.Background()) {
		t.Fatal("expected not ready after close")
	}
}
